package detect

import (
	"reflect"
	"strings"
	"testing"
)

func TestDetectDelimiter(t *testing.T) {
	tests := []struct {
		name string
		line string
		want rune
	}{
		{"comma", "uprn,postcode,rateable_value", ','},
		{"semicolon", "uprn;postcode;rateable_value", ';'},
		{"tab", "uprn\tpostcode\trateable_value", '\t'},
		{"pipe", "uprn|postcode|rateable_value", '|'},
		{"colon", "uprn:postcode:rateable_value", ':'},
		{"empty line defaults to comma", "", ','},
		{"blank line defaults to comma", "   ", ','},
		{"no delimiter defaults to comma", "singlecolumn", ','},
		{"tie defaults to comma", "a;b,c;d,e", ','},
		{"majority wins over noise", "a;b;c;d,e", ';'},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetectDelimiter(tt.line); got != tt.want {
				t.Errorf("DetectDelimiter(%q) = %q, want %q", tt.line, got, tt.want)
			}
		})
	}
}

func TestSplitLine(t *testing.T) {
	tests := []struct {
		name  string
		line  string
		delim rune
		want  []string
	}{
		{
			name:  "plain fields",
			line:  "a,b,c",
			delim: ',',
			want:  []string{"a", "b", "c"},
		},
		{
			name:  "quoted delimiter preserved",
			line:  `"Smith, John",42`,
			delim: ',',
			want:  []string{"Smith, John", "42"},
		},
		{
			name:  "single quotes open a span",
			line:  `'Smith, John',42`,
			delim: ',',
			want:  []string{"Smith, John", "42"},
		},
		{
			name:  "doubled quote is escaped literal",
			line:  `"say ""hello""",x`,
			delim: ',',
			want:  []string{`say "hello"`, "x"},
		},
		{
			name:  "unterminated span consumes to end of line",
			line:  `"no closing quote,still same field`,
			delim: ',',
			want:  []string{"no closing quote,still same field"},
		},
		{
			name:  "empty fields kept",
			line:  "a,,c,",
			delim: ',',
			want:  []string{"a", "", "c", ""},
		},
		{
			name:  "semicolon delimiter with quoted semicolon",
			line:  `"one;two";three`,
			delim: ';',
			want:  []string{"one;two", "three"},
		},
		{
			name:  "other quote kind inert inside span",
			line:  `"it's fine",ok`,
			delim: ',',
			want:  []string{"it's fine", "ok"},
		},
		{
			name:  "empty line yields one empty field",
			line:  "",
			delim: ',',
			want:  []string{""},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SplitLine(tt.line, tt.delim)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("SplitLine(%q) = %#v, want %#v", tt.line, got, tt.want)
			}
		})
	}
}

func TestParsePreview(t *testing.T) {
	data := []byte("uprn,postcode,rateable_value\n100023336956,\"SW1A 1AA\",12500.00\n100023336957,\"EC1A, 1BB\",9800.50\n")

	p := ParsePreview(data, 0, 0)

	if p.Delimiter != ',' {
		t.Errorf("delimiter = %q, want ','", p.Delimiter)
	}
	wantHeader := []string{"uprn", "postcode", "rateable_value"}
	if !reflect.DeepEqual(p.Header, wantHeader) {
		t.Errorf("header = %#v, want %#v", p.Header, wantHeader)
	}
	if len(p.Rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(p.Rows))
	}
	if p.Rows[1][1] != "EC1A, 1BB" {
		t.Errorf("quoted value = %q, want %q", p.Rows[1][1], "EC1A, 1BB")
	}
	if p.TotalLines != 3 {
		t.Errorf("total lines = %d, want 3", p.TotalLines)
	}
	if p.ShownLines != 3 {
		t.Errorf("shown lines = %d, want 3", p.ShownLines)
	}
}

func TestParsePreview_RowLimit(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("col_a,col_b\n")
	for i := 0; i < 100; i++ {
		sb.WriteString("1,2\n")
	}

	p := ParsePreview([]byte(sb.String()), 0, 10)
	if len(p.Rows) != 10 {
		t.Errorf("rows = %d, want 10", len(p.Rows))
	}
	if p.TotalLines != 101 {
		t.Errorf("total lines = %d, want 101", p.TotalLines)
	}
}

func TestParsePreview_ByteLimitDropsPartialLine(t *testing.T) {
	data := []byte("a,b\n" + strings.Repeat("xxxx,yyyy\n", 50))
	p := ParsePreview(data, 64, 100)

	for i, row := range p.Rows {
		if len(row) != 2 || row[0] != "xxxx" || row[1] != "yyyy" {
			t.Errorf("row %d = %#v, partial line leaked into preview", i, row)
		}
	}
}

func TestParsePreview_BOMStripped(t *testing.T) {
	data := append([]byte{0xEF, 0xBB, 0xBF}, []byte("uprn,postcode\n1,SW1A 1AA\n")...)
	p := ParsePreview(data, 0, 0)
	if p.Header[0] != "uprn" {
		t.Errorf("header[0] = %q, BOM not stripped", p.Header[0])
	}
}

func TestParsePreview_Empty(t *testing.T) {
	p := ParsePreview(nil, 0, 0)
	if p.Header != nil || len(p.Rows) != 0 || p.TotalLines != 0 {
		t.Errorf("empty input produced non-empty preview: %+v", p)
	}
}

func TestParsePreview_Idempotent(t *testing.T) {
	data := []byte("a;b;c\n1;2;3\n4;5;6\n")
	first := ParsePreview(data, 0, 0)
	for i := 0; i < 3; i++ {
		got := ParsePreview(data, 0, 0)
		if !reflect.DeepEqual(got, first) {
			t.Fatalf("run %d differs from first parse", i)
		}
	}
}

func TestPreviewColumn(t *testing.T) {
	p := Preview{Rows: [][]string{{"1", "a"}, {"2"}, {"3", "c"}}}
	got := p.Column(1)
	want := []string{"a", "", "c"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Column(1) = %#v, want %#v", got, want)
	}
}
