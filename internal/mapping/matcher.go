package mapping

// matcher.go compares a newly inferred field set against previously saved
// mapping configurations using Jaccard set-similarity, so an operator can
// reuse a config for a recurring feed instead of reviewing a fresh one.

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/openrates/geostage/internal/standards"
)

// SuggestThreshold is the minimum similarity for a reuse suggestion.
// The operator always retains final choice.
const SuggestThreshold = 0.6

// SavedConfig is a persisted mapping configuration for one dataset.
// One config is active per dataset at a time; history is retained.
type SavedConfig struct {
	ID        string         `json:"id"`
	DatasetID string         `json:"datasetId"`
	Fields    []FieldMapping `json:"fields"`
	Version   int            `json:"version"`
	Active    bool           `json:"active"`
	CreatedAt time.Time      `json:"createdAt"`
}

// DatasetStructure is a named, versioned schema definition created by an
// operator. Versions only increment; a structure referenced by an upload
// is never deleted.
type DatasetStructure struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Version   int            `json:"version"`
	Fields    []FieldMapping `json:"fields"`
	CreatedAt time.Time      `json:"createdAt"`
}

// ConfigStore is the persistence collaborator for saved configs and
// dataset structures. Implementations live in internal/store; failures
// are retryable and never corrupt in-memory analysis state.
type ConfigStore interface {
	ActiveConfigs(ctx context.Context) ([]SavedConfig, error)
	ActiveConfig(ctx context.Context, datasetID string) (*SavedConfig, error)
	SaveConfig(ctx context.Context, cfg SavedConfig) (*SavedConfig, error)
	SaveStructure(ctx context.Context, s DatasetStructure) (*DatasetStructure, error)
	Structure(ctx context.Context, id string) (*DatasetStructure, error)
}

// Suggestion pairs a saved config with its similarity to the new field set.
type Suggestion struct {
	Config     SavedConfig `json:"config"`
	Similarity float64     `json:"similarity"`
	Exact      bool        `json:"exact"`
}

// Matcher suggests saved configs for reuse.
type Matcher struct {
	store ConfigStore
}

// NewMatcher wires a matcher to its config store.
func NewMatcher(store ConfigStore) *Matcher {
	return &Matcher{store: store}
}

// Match compares the normalized field-name set against every active saved
// config and returns suggestions at or above SuggestThreshold, best first.
// An exact match (similarity 1.0) is flagged so callers can short-circuit
// generation.
func (m *Matcher) Match(ctx context.Context, fields []string) ([]Suggestion, error) {
	configs, err := m.store.ActiveConfigs(ctx)
	if err != nil {
		return nil, fmt.Errorf("load saved configs: %w", err)
	}

	target := normalizeSet(fields)
	if len(target) == 0 {
		return nil, nil
	}

	var suggestions []Suggestion
	for _, cfg := range configs {
		names := make([]string, len(cfg.Fields))
		for i, f := range cfg.Fields {
			names[i] = f.StagingField
		}
		sim := Jaccard(target, normalizeSet(names))
		if sim < SuggestThreshold {
			continue
		}
		suggestions = append(suggestions, Suggestion{
			Config:     cfg,
			Similarity: sim,
			Exact:      sim == 1.0,
		})
	}

	sort.SliceStable(suggestions, func(i, j int) bool {
		return suggestions[i].Similarity > suggestions[j].Similarity
	})
	return suggestions, nil
}

// Jaccard is |a ∩ b| / |a ∪ b| over two string sets.
func Jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	intersection := 0
	for k := range a {
		if b[k] {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func normalizeSet(fields []string) map[string]bool {
	set := make(map[string]bool, len(fields))
	for _, f := range fields {
		if n := standards.NormalizeField(f); n != "" {
			set[n] = true
		}
	}
	return set
}
