package mapping

import (
	"context"
	"errors"
	"testing"
)

// stubConfigStore serves a fixed set of active configs.
type stubConfigStore struct {
	configs []SavedConfig
	err     error
}

func (s *stubConfigStore) ActiveConfigs(context.Context) ([]SavedConfig, error) {
	return s.configs, s.err
}

func (s *stubConfigStore) ActiveConfig(context.Context, string) (*SavedConfig, error) {
	return nil, errors.New("not implemented")
}

func (s *stubConfigStore) SaveConfig(context.Context, SavedConfig) (*SavedConfig, error) {
	return nil, errors.New("not implemented")
}

func (s *stubConfigStore) SaveStructure(context.Context, DatasetStructure) (*DatasetStructure, error) {
	return nil, errors.New("not implemented")
}

func (s *stubConfigStore) Structure(context.Context, string) (*DatasetStructure, error) {
	return nil, errors.New("not implemented")
}

func savedConfig(datasetID string, fields ...string) SavedConfig {
	cfg := SavedConfig{DatasetID: datasetID, Active: true}
	for i, f := range fields {
		cfg.Fields = append(cfg.Fields, FieldMapping{StagingField: f, SourceColumn: i})
	}
	return cfg
}

func TestJaccard(t *testing.T) {
	tests := []struct {
		name string
		a, b []string
		want float64
	}{
		{"identical", []string{"a", "b"}, []string{"a", "b"}, 1.0},
		{"disjoint", []string{"a", "b"}, []string{"c", "d"}, 0.0},
		{"half overlap", []string{"a", "b", "c"}, []string{"b", "c", "d"}, 0.5},
		{"both empty", nil, nil, 0.0},
		{"one empty", []string{"a"}, nil, 0.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Jaccard(normalizeSet(tt.a), normalizeSet(tt.b))
			if got != tt.want {
				t.Errorf("Jaccard(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestMatch_SuggestsSimilarConfigs(t *testing.T) {
	store := &stubConfigStore{configs: []SavedConfig{
		savedConfig("rates-2023", "uprn", "postcode", "rateable_value"),
		savedConfig("gazetteer", "uprn", "usrn", "street", "town"),
		savedConfig("unrelated", "alpha", "beta"),
	}}
	m := NewMatcher(store)

	suggestions, err := m.Match(context.Background(), []string{"uprn", "postcode", "rateable_value"})
	if err != nil {
		t.Fatalf("Match: %v", err)
	}

	if len(suggestions) != 1 {
		t.Fatalf("suggestions = %d, want 1: %+v", len(suggestions), suggestions)
	}
	best := suggestions[0]
	if best.Config.DatasetID != "rates-2023" {
		t.Errorf("best suggestion = %q, want rates-2023", best.Config.DatasetID)
	}
	if !best.Exact || best.Similarity != 1.0 {
		t.Errorf("similarity = %v exact = %v, want exact 1.0", best.Similarity, best.Exact)
	}
}

func TestMatch_NormalizesBeforeComparing(t *testing.T) {
	store := &stubConfigStore{configs: []SavedConfig{
		savedConfig("rates", "rateable_value", "ba_reference"),
	}}
	m := NewMatcher(store)

	suggestions, err := m.Match(context.Background(), []string{"Rateable Value", "BA-Reference"})
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if len(suggestions) != 1 || !suggestions[0].Exact {
		t.Errorf("normalized match failed: %+v", suggestions)
	}
}

func TestMatch_BelowThresholdOmitted(t *testing.T) {
	store := &stubConfigStore{configs: []SavedConfig{
		savedConfig("distant", "a", "b", "c", "d", "e"),
	}}
	m := NewMatcher(store)

	suggestions, err := m.Match(context.Background(), []string{"a", "x", "y", "z"})
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if len(suggestions) != 0 {
		t.Errorf("suggestions = %+v, want none below threshold", suggestions)
	}
}

func TestMatch_EmptyFieldSet(t *testing.T) {
	m := NewMatcher(&stubConfigStore{configs: []SavedConfig{savedConfig("x", "a")}})
	suggestions, err := m.Match(context.Background(), nil)
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if suggestions != nil {
		t.Errorf("suggestions = %+v, want nil for empty field set", suggestions)
	}
}

func TestMatch_StoreFailureSurfaces(t *testing.T) {
	m := NewMatcher(&stubConfigStore{err: errors.New("connection refused")})
	if _, err := m.Match(context.Background(), []string{"uprn"}); err == nil {
		t.Error("expected store error to surface")
	}
}
