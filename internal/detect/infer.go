package detect

// infer.go derives a semantic type for a column from a sample of raw
// string values.
//
// Rule order is significant: boolean runs before the date patterns so that
// "0"/"1" flag columns are not misread as dates, and the date patterns run
// before the generic fallback so ISO dates are not dismissed as text.

import (
	"regexp"
	"strings"
)

// FieldType is the semantic type inferred for a column.
type FieldType string

const (
	TypeBoolean   FieldType = "boolean"
	TypeDate      FieldType = "date"
	TypeTimestamp FieldType = "timestamp"
	TypeInteger   FieldType = "integer"
	TypeDecimal   FieldType = "decimal"
	TypeText      FieldType = "text"
)

// MatchThreshold is the proportion of non-empty samples that must satisfy
// a rule before it wins. The text fallback is exempt.
const MatchThreshold = 0.8

// Inference is the outcome of typing one column.
type Inference struct {
	Type       FieldType
	Confidence float64 // matching proportion among non-empty samples
}

var (
	booleanPattern = regexp.MustCompile(`^(?i:true|false|yes|no|1|0)$`)

	datePatterns = []*regexp.Regexp{
		regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`),     // YYYY-MM-DD
		regexp.MustCompile(`^\d{2}/\d{2}/\d{4}$`),     // MM/DD/YYYY
		regexp.MustCompile(`^\d{2}-\d{2}-\d{4}$`),     // MM-DD-YYYY
		regexp.MustCompile(`^\d{4}/\d{2}/\d{2}$`),     // YYYY/MM/DD
		regexp.MustCompile(`^\d{1,2}/\d{1,2}/\d{2,4}$`), // M/D/YY(YY)
	}

	timePattern = regexp.MustCompile(`^\d{2}:\d{2}(:\d{2})?(\.\d+)?(Z|[+-]\d{2}:?\d{2})?$`)

	integerPattern = regexp.MustCompile(`^-?\d+$`)
	decimalPattern = regexp.MustCompile(`^-?\d+(\.\d+)?$`)
)

// typeRules run in order; the first rule whose matching proportion reaches
// MatchThreshold wins.
var typeRules = []struct {
	fieldType FieldType
	match     func(string) bool
}{
	{TypeBoolean, isBoolean},
	{TypeDate, isDate},
	{TypeTimestamp, isTimestamp},
	{TypeInteger, isInteger},
	{TypeDecimal, isDecimal},
}

// InferType types a column from its sample values. An empty or all-blank
// sample resolves to text with zero confidence rather than an error.
func InferType(samples []string) Inference {
	nonEmpty := make([]string, 0, len(samples))
	for _, s := range samples {
		s = strings.TrimSpace(s)
		if s != "" {
			nonEmpty = append(nonEmpty, s)
		}
	}

	if len(nonEmpty) == 0 {
		return Inference{Type: TypeText, Confidence: 0}
	}

	for _, rule := range typeRules {
		matched := 0
		for _, s := range nonEmpty {
			if rule.match(s) {
				matched++
			}
		}
		proportion := float64(matched) / float64(len(nonEmpty))
		if proportion >= MatchThreshold {
			return Inference{Type: rule.fieldType, Confidence: proportion}
		}
	}

	// Fallback: everything is representable as text, but a column we could
	// not type more precisely carries reduced confidence.
	return Inference{Type: TypeText, Confidence: 0.5}
}

func isBoolean(s string) bool {
	return booleanPattern.MatchString(s)
}

func isDate(s string) bool {
	for _, p := range datePatterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}

// isTimestamp matches a date component plus a space- or T-separated time
// component.
func isTimestamp(s string) bool {
	var datePart, timePart string
	if idx := strings.IndexAny(s, "T "); idx > 0 {
		datePart, timePart = s[:idx], s[idx+1:]
	} else {
		return false
	}
	return isDate(datePart) && timePattern.MatchString(timePart)
}

func isInteger(s string) bool {
	return integerPattern.MatchString(s)
}

func isDecimal(s string) bool {
	return decimalPattern.MatchString(s)
}
