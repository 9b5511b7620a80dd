package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/openrates/geostage/internal/mapping"
	"github.com/openrates/geostage/internal/pipeline"
)

// Memory is a mutex-guarded in-memory implementation of the same store
// interfaces as Postgres. It backs handler tests and local development
// without a database.
type Memory struct {
	mu         sync.Mutex
	uploads    map[string]pipeline.Upload
	audit      []pipeline.AuditEntry
	configs    map[string]mapping.SavedConfig
	structures map[string]mapping.DatasetStructure
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		uploads:    make(map[string]pipeline.Upload),
		configs:    make(map[string]mapping.SavedConfig),
		structures: make(map[string]mapping.DatasetStructure),
	}
}

// ----------------------------------------------------------------------------
// pipeline.UploadStore
// ----------------------------------------------------------------------------

func (m *Memory) CreateUpload(_ context.Context, u pipeline.Upload) (*pipeline.Upload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.uploads[u.ID]; exists {
		return nil, fmt.Errorf("upload %s already exists", u.ID)
	}
	m.uploads[u.ID] = u
	out := u
	return &out, nil
}

func (m *Memory) Upload(_ context.Context, id string) (*pipeline.Upload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.uploads[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", pipeline.ErrNotFound, id)
	}
	out := u
	return &out, nil
}

func (m *Memory) UploadsByDataset(_ context.Context, datasetID string) ([]pipeline.Upload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []pipeline.Upload
	for _, u := range m.uploads {
		if u.DatasetID == datasetID {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) AdvanceCAS(_ context.Context, id string, expectedVersion int, stage pipeline.Stage, status pipeline.Status) (*pipeline.Upload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.uploads[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", pipeline.ErrNotFound, id)
	}
	if u.Version != expectedVersion {
		return nil, fmt.Errorf("%w: have %d, expected %d", pipeline.ErrStaleVersion, u.Version, expectedVersion)
	}
	u.Stage = stage
	u.Status = status
	u.Version++
	u.UpdatedAt = time.Now().UTC()
	m.uploads[id] = u
	out := u
	return &out, nil
}

// ----------------------------------------------------------------------------
// pipeline.AuditStore
// ----------------------------------------------------------------------------

func (m *Memory) AppendAudit(_ context.Context, e pipeline.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, e)
	return nil
}

func (m *Memory) AuditByUpload(_ context.Context, uploadID string) ([]pipeline.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []pipeline.AuditEntry
	for _, e := range m.audit {
		if e.UploadID == uploadID {
			out = append(out, e)
		}
	}
	return out, nil
}

// ----------------------------------------------------------------------------
// mapping.ConfigStore
// ----------------------------------------------------------------------------

func (m *Memory) ActiveConfigs(_ context.Context) ([]mapping.SavedConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []mapping.SavedConfig
	for _, cfg := range m.configs {
		if cfg.Active {
			out = append(out, cfg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DatasetID < out[j].DatasetID })
	return out, nil
}

func (m *Memory) ActiveConfig(_ context.Context, datasetID string) (*mapping.SavedConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cfg := range m.configs {
		if cfg.Active && cfg.DatasetID == datasetID {
			out := cfg
			return &out, nil
		}
	}
	return nil, fmt.Errorf("active config for dataset %s: %w", datasetID, pipeline.ErrNotFound)
}

func (m *Memory) SaveConfig(_ context.Context, cfg mapping.SavedConfig) (*mapping.SavedConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	maxVersion := 0
	for id, existing := range m.configs {
		if existing.DatasetID != cfg.DatasetID {
			continue
		}
		if existing.Version > maxVersion {
			maxVersion = existing.Version
		}
		if cfg.Active && existing.Active {
			existing.Active = false
			m.configs[id] = existing
		}
	}
	cfg.Version = maxVersion + 1
	m.configs[cfg.ID] = cfg
	out := cfg
	return &out, nil
}

func (m *Memory) SaveStructure(_ context.Context, st mapping.DatasetStructure) (*mapping.DatasetStructure, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	maxVersion := 0
	for _, existing := range m.structures {
		if existing.Name == st.Name && existing.Version > maxVersion {
			maxVersion = existing.Version
		}
	}
	st.Version = maxVersion + 1
	m.structures[st.ID] = st
	out := st
	return &out, nil
}

func (m *Memory) Structure(_ context.Context, id string) (*mapping.DatasetStructure, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.structures[id]
	if !ok {
		return nil, fmt.Errorf("structure %s: %w", id, pipeline.ErrNotFound)
	}
	out := st
	return &out, nil
}
