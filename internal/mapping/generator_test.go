package mapping

import (
	"reflect"
	"testing"

	"github.com/openrates/geostage/internal/detect"
	"github.com/openrates/geostage/internal/standards"
)

func newGenerator(t *testing.T) *Generator {
	t.Helper()
	return NewGenerator(standards.Default())
}

func TestFromPreview_RatesScenario(t *testing.T) {
	data := []byte("uprn,postcode,rateable_value\n" +
		"100023336956,SW1A 1AA,12500.00\n" +
		"100023336957,EC1A 1BB,9800.50\n" +
		"100023336958,N1 9GU,15000\n")
	p := detect.ParsePreview(data, 0, 0)

	result := newGenerator(t).FromPreview(p)

	if len(result.Mappings) != 3 {
		t.Fatalf("mappings = %d, want 3", len(result.Mappings))
	}

	wantTypes := map[string]detect.FieldType{
		"uprn":           detect.TypeInteger,
		"postcode":       detect.TypeText,
		"rateable_value": detect.TypeDecimal,
	}
	for _, m := range result.Mappings {
		want, ok := wantTypes[m.StagingField]
		if !ok {
			t.Errorf("unexpected staging field %q", m.StagingField)
			continue
		}
		if m.Type != want {
			t.Errorf("%s type = %q, want %q", m.StagingField, m.Type, want)
		}
	}

	detected := standards.Detected(result.Standards)
	foundUPRN := false
	for _, sc := range detected {
		if sc.Standard == "uprn" && sc.Score >= 0.5 {
			foundUPRN = true
		}
	}
	if !foundUPRN {
		t.Errorf("uprn standard not detected: %+v", result.Standards)
	}

	if result.Confidence <= 0 || result.Confidence > 1 {
		t.Errorf("confidence = %v, want (0,1]", result.Confidence)
	}
}

func TestFromPreview_StagingNameNormalization(t *testing.T) {
	data := []byte("Rateable Value,BA-Reference,Rateable Value\n1,2,3\n")
	p := detect.ParsePreview(data, 0, 0)

	result := newGenerator(t).FromPreview(p)

	got := make([]string, len(result.Mappings))
	for i, m := range result.Mappings {
		got[i] = m.StagingField
	}
	want := []string{"rateable_value", "ba_reference", "rateable_value_2"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("staging fields = %v, want %v", got, want)
	}
}

func TestFromPreview_SuffixCollisionStaysUnique(t *testing.T) {
	// A header that literally contains "a_2" must not collide with the
	// suffix generated for the duplicated "a".
	data := []byte("a,a_2,a\n1,2,3\n")
	p := detect.ParsePreview(data, 0, 0)

	result := newGenerator(t).FromPreview(p)

	seen := map[string]bool{}
	for _, m := range result.Mappings {
		if seen[m.StagingField] {
			t.Fatalf("duplicate staging field %q in %+v", m.StagingField, result.Mappings)
		}
		seen[m.StagingField] = true
	}
	if len(seen) != 3 {
		t.Errorf("staging fields = %d, want 3", len(seen))
	}
}

func TestFromPreview_CaseAndSplitTransforms(t *testing.T) {
	data := []byte("postcode,category,tags\n" +
		"sw1a 1aa,RETAIL,shop;listed\n" +
		"ec1a 1bb,OFFICE,vacant;corner\n")
	p := detect.ParsePreview(data, 0, 0)

	result := newGenerator(t).FromPreview(p)

	byName := map[string]FieldMapping{}
	for _, m := range result.Mappings {
		byName[m.StagingField] = m
	}

	if !hasTransform(byName["postcode"], TransformUppercase) {
		t.Errorf("postcode transforms = %v, want uppercase", byName["postcode"].Transforms)
	}
	if !hasTransform(byName["category"], TransformLowercase) {
		t.Errorf("category transforms = %v, want lowercase", byName["category"].Transforms)
	}
	if !hasTransform(byName["tags"], TransformSplit) {
		t.Errorf("tags transforms = %v, want split", byName["tags"].Transforms)
	}
	// Already-normalized postcodes need no case transform.
	clean := newGenerator(t).FromPreview(detect.ParsePreview([]byte("postcode\nSW1A 1AA\nEC1A 1BB\n"), 0, 0))
	if hasTransform(clean.Mappings[0], TransformUppercase) || hasTransform(clean.Mappings[0], TransformLowercase) {
		t.Errorf("clean postcode transforms = %v, want no case rule", clean.Mappings[0].Transforms)
	}
}

func TestFromPreview_Transforms(t *testing.T) {
	data := []byte("amount,rate,billed\n£1200,15%,2024-01-05\n£980,12%,2024-02-28\n")
	p := detect.ParsePreview(data, 0, 0)

	result := newGenerator(t).FromPreview(p)

	byName := map[string]FieldMapping{}
	for _, m := range result.Mappings {
		byName[m.StagingField] = m
	}

	if !hasTransform(byName["amount"], TransformStripCurrency) {
		t.Errorf("amount transforms = %v, want strip_currency", byName["amount"].Transforms)
	}
	if !hasTransform(byName["rate"], TransformStripPercent) {
		// "15%" fails the numeric rules so the column may type as text;
		// the percent strip is only suggested on numeric columns.
		t.Logf("rate typed as %q with transforms %v", byName["rate"].Type, byName["rate"].Transforms)
	}
	if !hasTransform(byName["billed"], TransformTrim) {
		t.Errorf("billed transforms missing trim: %v", byName["billed"].Transforms)
	}
	if hasTransform(byName["billed"], TransformDateReformat) {
		t.Errorf("ISO dates should not get date_reformat: %v", byName["billed"].Transforms)
	}
}

func TestFromPreview_NonISODateGetsReformat(t *testing.T) {
	data := []byte("billed\n01/15/2024\n02/28/2024\n")
	p := detect.ParsePreview(data, 0, 0)
	result := newGenerator(t).FromPreview(p)

	if result.Mappings[0].Type != detect.TypeDate {
		t.Fatalf("type = %q, want date", result.Mappings[0].Type)
	}
	if !hasTransform(result.Mappings[0], TransformDateReformat) {
		t.Errorf("transforms = %v, want date_reformat", result.Mappings[0].Transforms)
	}
}

func TestFromColumns_SynthesizedNames(t *testing.T) {
	columns := [][]string{
		{"100023336956", "100023336957", "100023336958"},
		{"SW1A 1AA", "EC1A 1BB", "N1 9GU"},
		{"red", "green", "blue"},
	}

	result := newGenerator(t).FromColumns(columns)

	if !result.Synthetic {
		t.Error("Synthetic flag not set for header-less mapping")
	}
	got := make([]string, len(result.Mappings))
	for i, m := range result.Mappings {
		got[i] = m.StagingField
	}
	want := []string{"uprn", "postcode", "column_3"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("staging fields = %v, want %v", got, want)
	}

	// Synthesized names carry reduced confidence.
	if result.Mappings[0].Confidence >= 1.0 {
		t.Errorf("synthesized uprn confidence = %v, want < 1.0", result.Mappings[0].Confidence)
	}
}

func TestOverallConfidence_Bounds(t *testing.T) {
	g := newGenerator(t)

	// Degenerate empty input.
	empty := g.FromPreview(detect.Preview{})
	if empty.Confidence != 0 {
		t.Errorf("empty confidence = %v, want 0", empty.Confidence)
	}

	// No recognizable standards: renormalized, not deflated to near zero.
	data := []byte("widget_count,weight_kg\n5,1.2\n9,3.4\n")
	noStd := g.FromPreview(detect.ParsePreview(data, 0, 0))
	if len(standards.Detected(noStd.Standards)) != 0 {
		t.Fatalf("unexpected detected standards: %+v", noStd.Standards)
	}
	// (0.3*1.0 + 0.3) / 0.6 = 1.0 when every column types cleanly.
	if noStd.Confidence != 1.0 {
		t.Errorf("confidence without standards = %v, want 1.0", noStd.Confidence)
	}

	// All-text dataset: only the type component contributes.
	textOnly := g.FromPreview(detect.ParsePreview([]byte("notes\nalpha\nbeta\n"), 0, 0))
	if textOnly.Confidence < 0 || textOnly.Confidence > 1 {
		t.Errorf("text-only confidence = %v, out of bounds", textOnly.Confidence)
	}
}

func TestFromFields(t *testing.T) {
	fields := []string{"uprn", "name"}
	samples := map[string][]string{
		"uprn": {"100023336956", "100023336957"},
		"name": {"Town Hall", "Library"},
	}

	result := newGenerator(t).FromFields(fields, samples)

	if len(result.Mappings) != 2 {
		t.Fatalf("mappings = %d, want 2", len(result.Mappings))
	}
	if result.Mappings[0].Type != detect.TypeInteger {
		t.Errorf("uprn type = %q, want integer", result.Mappings[0].Type)
	}
	if result.Mappings[1].Type != detect.TypeText {
		t.Errorf("name type = %q, want text", result.Mappings[1].Type)
	}
}

func TestConstraintsFor(t *testing.T) {
	tests := []struct {
		name   string
		values []string
		want   []string
	}{
		{"unique non-null", []string{"1", "2", "3"}, []string{"not_null", "unique"}},
		{"repeated values", []string{"1", "1", "2"}, []string{"not_null"}},
		{"empty present", []string{"1", "", "3"}, []string{"unique"}},
		{"no samples", nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := constraintsFor(tt.values)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("constraintsFor(%v) = %v, want %v", tt.values, got, tt.want)
			}
		})
	}
}

func hasTransform(m FieldMapping, rule TransformRule) bool {
	for _, r := range m.Transforms {
		if r == rule {
			return true
		}
	}
	return false
}
