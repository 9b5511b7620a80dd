// Package mapping turns inferred file structure into candidate
// source-to-staging field mappings, and matches new field sets against
// previously saved configurations so operators can reuse instead of
// regenerate.
package mapping

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/openrates/geostage/internal/detect"
	"github.com/openrates/geostage/internal/standards"
)

// TransformRule is a transformation hint attached to a field mapping.
type TransformRule string

const (
	TransformTrim          TransformRule = "trim"
	TransformLowercase     TransformRule = "lowercase"
	TransformUppercase     TransformRule = "uppercase"
	TransformStripCurrency TransformRule = "strip_currency"
	TransformStripPercent  TransformRule = "strip_percent"
	TransformDateReformat  TransformRule = "date_reformat"
	TransformSplit         TransformRule = "split"
)

// Confidence weights for the overall analysis score. Components that
// contribute nothing are dropped and the remainder renormalized, so a
// dataset with no recognizable standards is not penalised for it.
const (
	weightTypeInference = 0.3
	weightStandards     = 0.4
	weightAnyTyped      = 0.3
)

// FieldMapping maps one source column to a staging field.
type FieldMapping struct {
	SourceField  string           `json:"sourceField"`
	SourceColumn int              `json:"sourceColumn"`
	StagingField string           `json:"stagingField"`
	Type         detect.FieldType `json:"type"`
	Confidence   float64          `json:"confidence"`
	Constraints  []string         `json:"constraints,omitempty"`
	Transforms   []TransformRule  `json:"transforms,omitempty"`
}

// Result is a complete mapping proposal for one dataset.
type Result struct {
	Mappings   []FieldMapping    `json:"mappings"`
	Standards  []standards.Score `json:"standards"`
	Confidence float64           `json:"confidence"`
	Synthetic  bool              `json:"synthetic"` // true when field names were synthesized
}

// Generator builds mapping proposals using a standards scorer.
type Generator struct {
	scorer *standards.Scorer
}

// NewGenerator wires a generator to its scorer.
func NewGenerator(scorer *standards.Scorer) *Generator {
	return &Generator{scorer: scorer}
}

// FromPreview generates a 1:1 mapping for a delimited file with a header
// row: each header becomes a normalized, de-duplicated staging field typed
// from that column's samples.
func (g *Generator) FromPreview(p detect.Preview) Result {
	if len(p.Header) == 0 {
		return g.FromColumns(columnsOf(p))
	}

	samples := make(map[string][]string, len(p.Header))
	used := make(map[string]int, len(p.Header))
	mappings := make([]FieldMapping, 0, len(p.Header))

	for i, source := range p.Header {
		values := p.Column(i)
		inf := detect.InferType(values)

		staging := uniqueStagingName(standards.NormalizeField(source), i, used)
		samples[staging] = values

		mappings = append(mappings, FieldMapping{
			SourceField:  source,
			SourceColumn: i,
			StagingField: staging,
			Type:         inf.Type,
			Confidence:   inf.Confidence,
			Constraints:  constraintsFor(values),
			Transforms:   transformsFor(inf.Type, values),
		})
	}

	scores := g.scorer.ScoreFields(stagingNames(mappings), samples)
	return Result{
		Mappings:   mappings,
		Standards:  scores,
		Confidence: overallConfidence(mappings, scores),
	}
}

// FromColumns generates a mapping for header-less columnar data. Staging
// names are synthesized from recognised value patterns where possible and
// fall back to positional names; confidence is reduced accordingly.
func (g *Generator) FromColumns(columns [][]string) Result {
	used := make(map[string]int, len(columns))
	samples := make(map[string][]string, len(columns))
	mappings := make([]FieldMapping, 0, len(columns))

	for i, values := range columns {
		inf := detect.InferType(values)

		base := synthesizeName(values)
		if base == "" {
			base = fmt.Sprintf("column_%d", i+1)
		}
		staging := uniqueStagingName(base, i, used)
		samples[staging] = values

		mappings = append(mappings, FieldMapping{
			SourceField:  "",
			SourceColumn: i,
			StagingField: staging,
			Type:         inf.Type,
			Confidence:   inf.Confidence * 0.75, // synthesized names are weaker evidence
			Constraints:  constraintsFor(values),
			Transforms:   transformsFor(inf.Type, values),
		})
	}

	scores := g.scorer.ScoreFields(stagingNames(mappings), samples)
	return Result{
		Mappings:   mappings,
		Standards:  scores,
		Confidence: overallConfidence(mappings, scores),
		Synthetic:  true,
	}
}

// FromFields generates a mapping from bare field names with per-field
// samples, for sources that are not positional (JSON objects, GeoJSON
// properties).
func (g *Generator) FromFields(fields []string, samples map[string][]string) Result {
	used := make(map[string]int, len(fields))
	stagingSamples := make(map[string][]string, len(fields))
	mappings := make([]FieldMapping, 0, len(fields))

	for i, source := range fields {
		values := samples[source]
		inf := detect.InferType(values)
		staging := uniqueStagingName(standards.NormalizeField(source), i, used)
		stagingSamples[staging] = values

		mappings = append(mappings, FieldMapping{
			SourceField:  source,
			SourceColumn: i,
			StagingField: staging,
			Type:         inf.Type,
			Confidence:   inf.Confidence,
			Constraints:  constraintsFor(values),
			Transforms:   transformsFor(inf.Type, values),
		})
	}

	scores := g.scorer.ScoreFields(stagingNames(mappings), stagingSamples)
	return Result{
		Mappings:   mappings,
		Standards:  scores,
		Confidence: overallConfidence(mappings, scores),
	}
}

// uniqueStagingName guarantees a valid, unique staging identifier:
// lowercase, underscore-separated, suffixed with an index on collision.
// The suffixed candidate is re-checked so a header that literally contains
// a name like "a_2" cannot collide with a generated one.
func uniqueStagingName(base string, col int, used map[string]int) string {
	if base == "" {
		base = fmt.Sprintf("column_%d", col+1)
	}
	name := base
	if n, taken := used[base]; taken {
		for {
			n++
			name = fmt.Sprintf("%s_%d", base, n)
			if _, clash := used[name]; !clash {
				break
			}
		}
		used[base] = n
	}
	used[name] = 0
	return name
}

var (
	currencyChars = "£$€"
	uprnValue     = regexp.MustCompile(`^\d{10,12}$`)
	postcodeValue = regexp.MustCompile(`^[A-Za-z]{1,2}\d[A-Za-z\d]? ?\d[A-Za-z]{2}$`)
	isoDateValue  = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}`)
)

// synthesizeName names a header-less column after a recognised national
// identifier pattern, or "" when no pattern fits.
func synthesizeName(values []string) string {
	if proportionMatching(values, uprnValue) >= detect.MatchThreshold {
		return "uprn"
	}
	if proportionMatching(values, postcodeValue) >= detect.MatchThreshold {
		return "postcode"
	}
	return ""
}

func proportionMatching(values []string, re *regexp.Regexp) float64 {
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

// transformsFor picks cleanup rules from the detected type and known
// problematic value patterns (currency symbols, percent signs, non-ISO
// dates).
func transformsFor(fieldType detect.FieldType, values []string) []TransformRule {
	rules := []TransformRule{TransformTrim}

	switch fieldType {
	case detect.TypeInteger, detect.TypeDecimal:
		if anyContainsAny(values, currencyChars) {
			rules = append(rules, TransformStripCurrency)
		}
		if anyContains(values, "%") {
			rules = append(rules, TransformStripPercent)
		}
	case detect.TypeDate, detect.TypeTimestamp:
		if !allMatch(values, isoDateValue) {
			rules = append(rules, TransformDateReformat)
		}
	case detect.TypeText:
		// Currency in a text column usually means the numbers failed the
		// numeric rule because of the symbol; suggest the strip anyway.
		if anyContainsAny(values, currencyChars) {
			rules = append(rules, TransformStripCurrency)
		}
		postcodeLike := proportionMatching(values, postcodeValue) >= detect.MatchThreshold
		switch {
		case postcodeLike && !allUpper(values):
			// Gazetteer postcodes are stored upper case.
			rules = append(rules, TransformUppercase)
		case !postcodeLike && allUpper(values):
			// Shouty categorical columns normalize down.
			rules = append(rules, TransformLowercase)
		}
		if mostContain(values, ";") || mostContain(values, "|") {
			rules = append(rules, TransformSplit)
		}
	}

	return rules
}

// constraintsFor derives soft constraints from the sample window.
func constraintsFor(values []string) []string {
	var constraints []string
	nonEmpty := 0
	seen := make(map[string]bool, len(values))
	unique := true
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		nonEmpty++
		if seen[v] {
			unique = false
		}
		seen[v] = true
	}
	if nonEmpty == len(values) && nonEmpty > 0 {
		constraints = append(constraints, "not_null")
	}
	if unique && nonEmpty > 1 {
		constraints = append(constraints, "unique")
	}
	return constraints
}

// overallConfidence is the weighted average of mean type confidence, mean
// detected-standard score, and a fixed credit when at least one field was
// typed. Only contributing components count; the result is renormalized
// over the weights actually used. Zero fields means zero confidence.
func overallConfidence(mappings []FieldMapping, scores []standards.Score) float64 {
	if len(mappings) == 0 {
		return 0
	}

	var total, weights float64

	var confSum float64
	for _, m := range mappings {
		confSum += m.Confidence
	}
	total += weightTypeInference * (confSum / float64(len(mappings)))
	weights += weightTypeInference

	detected := standards.Detected(scores)
	if len(detected) > 0 {
		var scoreSum float64
		for _, sc := range detected {
			scoreSum += sc.Score
		}
		total += weightStandards * (scoreSum / float64(len(detected)))
		weights += weightStandards
	}

	for _, m := range mappings {
		if m.Type != detect.TypeText {
			total += weightAnyTyped
			weights += weightAnyTyped
			break
		}
	}

	if weights == 0 {
		return 0
	}
	conf := total / weights
	if conf < 0 {
		return 0
	}
	if conf > 1 {
		return 1
	}
	return conf
}

func stagingNames(mappings []FieldMapping) []string {
	names := make([]string, len(mappings))
	for i, m := range mappings {
		names[i] = m.StagingField
	}
	return names
}

func columnsOf(p detect.Preview) [][]string {
	width := 0
	for _, row := range p.Rows {
		if len(row) > width {
			width = len(row)
		}
	}
	cols := make([][]string, width)
	for i := range cols {
		cols[i] = p.Column(i)
	}
	return cols
}

// allUpper reports whether every non-empty value is already upper case
// and at least one letter is present.
func allUpper(values []string) bool {
	nonEmpty, hasLetter := 0, false
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		nonEmpty++
		if v != strings.ToUpper(v) {
			return false
		}
		if strings.IndexFunc(v, unicode.IsLetter) >= 0 {
			hasLetter = true
		}
	}
	return nonEmpty > 0 && hasLetter
}

// mostContain reports whether the separator appears in at least the
// inference threshold's share of non-empty values.
func mostContain(values []string, sep string) bool {
	nonEmpty, with := 0, 0
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		nonEmpty++
		if strings.Contains(v, sep) {
			with++
		}
	}
	return nonEmpty > 0 && float64(with)/float64(nonEmpty) >= detect.MatchThreshold
}

func anyContains(values []string, sub string) bool {
	for _, v := range values {
		if strings.Contains(v, sub) {
			return true
		}
	}
	return false
}

func anyContainsAny(values []string, chars string) bool {
	for _, v := range values {
		if strings.ContainsAny(v, chars) {
			return true
		}
	}
	return false
}

func allMatch(values []string, re *regexp.Regexp) bool {
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if !re.MatchString(v) {
			return false
		}
	}
	return true
}
