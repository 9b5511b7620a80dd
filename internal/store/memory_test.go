package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/openrates/geostage/internal/mapping"
	"github.com/openrates/geostage/internal/pipeline"
)

func TestMemory_UploadLifecycle(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Now().UTC()

	created, err := m.CreateUpload(ctx, pipeline.Upload{
		ID: "up-1", DatasetID: "rates", Filename: "rates.csv",
		Stage: pipeline.StageUpload, Status: pipeline.StatusUploaded,
		Version: 1, CreatedAt: now, UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("CreateUpload: %v", err)
	}

	got, err := m.Upload(ctx, created.ID)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if got.Filename != "rates.csv" {
		t.Errorf("filename = %q", got.Filename)
	}

	advanced, err := m.AdvanceCAS(ctx, created.ID, 1, pipeline.StageStaging, pipeline.StatusApproved)
	if err != nil {
		t.Fatalf("AdvanceCAS: %v", err)
	}
	if advanced.Version != 2 || advanced.Stage != pipeline.StageStaging {
		t.Errorf("advanced = %+v", advanced)
	}

	if _, err := m.AdvanceCAS(ctx, created.ID, 1, pipeline.StageFiltered, pipeline.StatusApproved); !errors.Is(err, pipeline.ErrStaleVersion) {
		t.Errorf("stale CAS = %v, want ErrStaleVersion", err)
	}
	if _, err := m.Upload(ctx, "nope"); !errors.Is(err, pipeline.ErrNotFound) {
		t.Errorf("missing upload = %v, want ErrNotFound", err)
	}
}

func TestMemory_SaveConfigVersioningAndDeactivation(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	first, err := m.SaveConfig(ctx, mapping.SavedConfig{ID: "c1", DatasetID: "rates", Active: true})
	if err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}
	if first.Version != 1 {
		t.Errorf("first version = %d, want 1", first.Version)
	}

	second, err := m.SaveConfig(ctx, mapping.SavedConfig{ID: "c2", DatasetID: "rates", Active: true})
	if err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}
	if second.Version != 2 {
		t.Errorf("second version = %d, want 2", second.Version)
	}

	active, err := m.ActiveConfig(ctx, "rates")
	if err != nil {
		t.Fatalf("ActiveConfig: %v", err)
	}
	if active.ID != "c2" {
		t.Errorf("active config = %s, want c2 (prior deactivated)", active.ID)
	}

	all, err := m.ActiveConfigs(ctx)
	if err != nil {
		t.Fatalf("ActiveConfigs: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("active configs = %d, want 1", len(all))
	}
}

func TestMemory_StructureVersionsIncrement(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	s1, err := m.SaveStructure(ctx, mapping.DatasetStructure{ID: "s1", Name: "rates"})
	if err != nil {
		t.Fatalf("SaveStructure: %v", err)
	}
	s2, err := m.SaveStructure(ctx, mapping.DatasetStructure{ID: "s2", Name: "rates"})
	if err != nil {
		t.Fatalf("SaveStructure: %v", err)
	}
	if s1.Version != 1 || s2.Version != 2 {
		t.Errorf("versions = %d, %d, want 1, 2", s1.Version, s2.Version)
	}

	// Both versions remain retrievable.
	if _, err := m.Structure(ctx, "s1"); err != nil {
		t.Errorf("Structure s1: %v", err)
	}
	if _, err := m.Structure(ctx, "s2"); err != nil {
		t.Errorf("Structure s2: %v", err)
	}
}
