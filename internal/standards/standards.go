// Package standards scores inferred field sets against known government
// data conventions: BS7666 gazetteer fields, UPRN property identifiers,
// INSPIRE interoperability markers, geometry presence, and the business
// rates valuation list.
//
// Scoring is deterministic pattern matching over a data-driven rule table,
// not a model. New standards are added by editing the rules file, not code.
package standards

import (
	_ "embed"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// DetectionThreshold is the confidence at or above which a standard is
// reported as detected.
const DetectionThreshold = 0.5

//go:embed rules.yaml
var defaultRulesYAML []byte

// Rule describes how one standard is recognised.
//
// A rule either lists RequiredFields (score = matched/total) or AnyOf
// field names (presence of any yields the fixed PresenceScore). Field
// matching is on normalized names: lowercased, non-alphanumerics collapsed
// to underscores, compared by token containment.
type Rule struct {
	Name           string   `yaml:"name"`
	Label          string   `yaml:"label"`
	RequiredFields []string `yaml:"required_fields,omitempty"`
	AnyOf          []string `yaml:"any_of,omitempty"`
	PresenceScore  float64  `yaml:"presence_score,omitempty"`

	// ValuePatterns maps a field hint to a regex; sample values matching
	// the pattern are recorded as additional evidence.
	ValuePatterns map[string]string `yaml:"value_patterns,omitempty"`
}

// Score is the confidence that a dataset conforms to one standard.
// Multiple standards may be detected for the same dataset.
type Score struct {
	Standard string   `json:"standard"`
	Label    string   `json:"label"`
	Score    float64  `json:"score"`
	Detected bool     `json:"detected"`
	Evidence []string `json:"evidence,omitempty"`
}

type rulesFile struct {
	Standards []Rule `yaml:"standards"`
}

// Scorer evaluates field sets against a rule table.
type Scorer struct {
	rules    []Rule
	patterns map[string]map[string]*regexp.Regexp // rule name -> field hint -> compiled
}

// NewScorer compiles a rule table. Invalid value patterns are rejected so
// a bad rules file fails at startup, not per request.
func NewScorer(rules []Rule) (*Scorer, error) {
	s := &Scorer{rules: rules, patterns: make(map[string]map[string]*regexp.Regexp)}
	for _, r := range rules {
		if len(r.ValuePatterns) == 0 {
			continue
		}
		compiled := make(map[string]*regexp.Regexp, len(r.ValuePatterns))
		for hint, pattern := range r.ValuePatterns {
			re, err := regexp.Compile(pattern)
			if err != nil {
				return nil, fmt.Errorf("standard %q: value pattern for %q: %w", r.Name, hint, err)
			}
			compiled[hint] = re
		}
		s.patterns[r.Name] = compiled
	}
	return s, nil
}

// Default returns a scorer over the embedded rule table.
func Default() *Scorer {
	rules, err := LoadRules(strings.NewReader(string(defaultRulesYAML)))
	if err != nil {
		panic(fmt.Sprintf("embedded standards rules invalid: %v", err))
	}
	s, err := NewScorer(rules)
	if err != nil {
		panic(fmt.Sprintf("embedded standards rules invalid: %v", err))
	}
	return s
}

// LoadRules parses a YAML rule table.
func LoadRules(r io.Reader) ([]Rule, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read standards rules: %w", err)
	}
	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse standards rules: %w", err)
	}
	if len(f.Standards) == 0 {
		return nil, fmt.Errorf("standards rules: no standards defined")
	}
	return f.Standards, nil
}

// LoadRulesFile reads a rule table from disk, for deployments that
// override the embedded defaults.
func LoadRulesFile(path string) ([]Rule, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open standards rules: %w", err)
	}
	defer f.Close()
	return LoadRules(f)
}

// ScoreFields scores field names alone. samples may be nil; when given it
// maps a field name to its sample values and contributes value evidence.
func (s *Scorer) ScoreFields(fields []string, samples map[string][]string) []Score {
	normalized := make([]string, 0, len(fields))
	for _, f := range fields {
		if n := NormalizeField(f); n != "" {
			normalized = append(normalized, n)
		}
	}

	scores := make([]Score, 0, len(s.rules))
	for _, rule := range s.rules {
		score := s.scoreRule(rule, normalized, fields, samples)
		if score.Score > 0 {
			scores = append(scores, score)
		}
	}

	sort.SliceStable(scores, func(i, j int) bool { return scores[i].Score > scores[j].Score })
	return scores
}

// Detected filters a score list down to detected standards.
func Detected(scores []Score) []Score {
	out := make([]Score, 0, len(scores))
	for _, sc := range scores {
		if sc.Detected {
			out = append(out, sc)
		}
	}
	return out
}

func (s *Scorer) scoreRule(rule Rule, normalized, original []string, samples map[string][]string) Score {
	result := Score{Standard: rule.Name, Label: rule.Label}

	switch {
	case len(rule.RequiredFields) > 0:
		matched := 0
		for _, req := range rule.RequiredFields {
			if field := matchField(normalized, req); field != "" {
				matched++
				result.Evidence = append(result.Evidence, "field: "+field)
			}
		}
		result.Score = float64(matched) / float64(len(rule.RequiredFields))

	case len(rule.AnyOf) > 0:
		for _, cand := range rule.AnyOf {
			if field := matchField(normalized, cand); field != "" {
				result.Evidence = append(result.Evidence, "field: "+field)
			}
		}
		if len(result.Evidence) > 0 {
			result.Score = rule.PresenceScore
		}
	}

	// Value evidence strengthens the report but never changes the ratio.
	if compiled, ok := s.patterns[rule.Name]; ok && samples != nil {
		for hint, re := range compiled {
			for field, values := range samples {
				if !strings.Contains(NormalizeField(field), hint) {
					continue
				}
				if sampleMatchProportion(values, re) >= 0.8 {
					result.Evidence = append(result.Evidence, "values: "+field+" match "+hint+" pattern")
				}
			}
		}
	}

	result.Detected = result.Score >= DetectionThreshold
	return result
}

// matchField returns the first normalized field equal to the wanted name
// or carrying it as an underscore-separated token ("street" matches
// "street_name" but not "streetwise"), or "".
func matchField(normalized []string, want string) string {
	want = NormalizeField(want)
	for _, f := range normalized {
		if f == want {
			return f
		}
		for _, tok := range strings.Split(f, "_") {
			if tok == want {
				return f
			}
		}
	}
	return ""
}

func sampleMatchProportion(values []string, re *regexp.Regexp) float64 {
	nonEmpty, matched := 0, 0
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		nonEmpty++
		if re.MatchString(v) {
			matched++
		}
	}
	if nonEmpty == 0 {
		return 0
	}
	return float64(matched) / float64(nonEmpty)
}

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// NormalizeField lowercases a field name and collapses runs of
// non-alphanumerics to single underscores.
func NormalizeField(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = nonAlnum.ReplaceAllString(s, "_")
	return strings.Trim(s, "_")
}
