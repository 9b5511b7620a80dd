package detect

// delimited.go implements delimiter detection and quote-aware tokenization
// for flat files whose delimiter is not declared up front.
//
// A naive strings.Split on the delimiter breaks as soon as a quoted value
// contains the delimiter ("Smith, John"). The tokenizer here treats a quote
// character seen outside a span as the opener, uses that same character as
// the active terminator, honours doubled terminators as escaped literals,
// and lets unterminated spans consume to end of line.

import (
	"strings"
)

// DelimiterCandidates is the ordered set of delimiters considered during
// detection. Order matters only for tie-breaking reports; ties always
// resolve to comma.
var DelimiterCandidates = []rune{',', ';', '\t', '|', ':', ' '}

// DefaultPreviewBytes bounds how much of a file is tokenized for preview.
const DefaultPreviewBytes = 10 * 1024

// DefaultPreviewRows bounds how many data rows a preview carries.
const DefaultPreviewRows = 25

// Preview holds the parsed head of a delimited file.
type Preview struct {
	Delimiter  rune
	Header     []string
	Rows       [][]string
	TotalLines int // lines in the full input, for "N of M shown" reporting
	ShownLines int // header + data lines actually tokenized
}

// DetectDelimiter counts candidate occurrences in the first non-empty line
// and picks the most frequent. An empty line or a tie between the best
// candidates resolves to comma.
func DetectDelimiter(line string) rune {
	if strings.TrimSpace(line) == "" {
		return ','
	}

	best := ','
	bestCount := 0
	tied := false
	for _, cand := range DelimiterCandidates {
		count := strings.Count(line, string(cand))
		if count > bestCount {
			best = cand
			bestCount = count
			tied = false
		} else if count == bestCount && count > 0 && cand != best {
			tied = true
		}
	}

	if bestCount == 0 || tied {
		return ','
	}
	return best
}

// SplitLine tokenizes one line on delim, honouring single- and double-quoted
// spans. The delimiter is inert inside a span, a doubled active quote is an
// escaped literal quote, and an unterminated span consumes to end of line.
func SplitLine(line string, delim rune) []string {
	var fields []string
	var cur strings.Builder
	var active rune // active span terminator, 0 when outside a span

	runes := []rune(line)
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		switch {
		case active != 0:
			if c == active {
				if i+1 < len(runes) && runes[i+1] == active {
					cur.WriteRune(active)
					i++
				} else {
					active = 0
				}
			} else {
				cur.WriteRune(c)
			}
		case c == '"' || c == '\'':
			active = c
		case c == delim:
			fields = append(fields, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(c)
		}
	}
	fields = append(fields, cur.String())
	return fields
}

// ParsePreview detects the delimiter and tokenizes the head of a text blob.
// maxBytes and maxRows bound the work; zero values use the defaults.
// The first line is treated as the header and its tokens are trimmed.
func ParsePreview(data []byte, maxBytes, maxRows int) Preview {
	if maxBytes <= 0 {
		maxBytes = DefaultPreviewBytes
	}
	if maxRows <= 0 {
		maxRows = DefaultPreviewRows
	}

	text := string(StripBOM(data))
	total := countLines(text)

	window := text
	if len(window) > maxBytes {
		window = window[:maxBytes]
		// Drop the final partial line so we never tokenize a cut-off row.
		if idx := strings.LastIndexByte(window, '\n'); idx >= 0 {
			window = window[:idx]
		}
	}

	lines := splitLines(window)
	p := Preview{Delimiter: ',', TotalLines: total}
	if len(lines) == 0 {
		return p
	}

	p.Delimiter = DetectDelimiter(lines[0])

	header := SplitLine(lines[0], p.Delimiter)
	for i, h := range header {
		header[i] = strings.TrimSpace(h)
	}
	p.Header = header
	p.ShownLines = 1

	for _, line := range lines[1:] {
		if len(p.Rows) >= maxRows {
			break
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		p.Rows = append(p.Rows, SplitLine(line, p.Delimiter))
		p.ShownLines++
	}

	return p
}

// Column returns the sample values for column i across the preview rows.
// Rows shorter than i+1 contribute an empty string.
func (p Preview) Column(i int) []string {
	values := make([]string, 0, len(p.Rows))
	for _, row := range p.Rows {
		if i < len(row) {
			values = append(values, strings.TrimSpace(row[i]))
		} else {
			values = append(values, "")
		}
	}
	return values
}

func splitLines(s string) []string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	n := strings.Count(s, "\n")
	if !strings.HasSuffix(s, "\n") {
		n++
	}
	return n
}
