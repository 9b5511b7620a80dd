package detect

// clean.go normalizes raw upload bytes before parsing. Government uploads
// routinely arrive with a Windows UTF-8 BOM or stray non-UTF-8 bytes from
// legacy exports; both are repaired here rather than rejected.

import (
	"bytes"
	"unicode/utf8"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// StripBOM removes a leading UTF-8 byte order mark if present.
func StripBOM(data []byte) []byte {
	return bytes.TrimPrefix(data, utf8BOM)
}

// SanitizeUTF8 replaces invalid UTF-8 sequences with the Unicode
// replacement character. Valid input is returned unmodified without
// allocation.
func SanitizeUTF8(data []byte) []byte {
	if utf8.Valid(data) {
		return data
	}

	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); {
		r, size := utf8.DecodeRune(data[i:])
		if r == utf8.RuneError && size == 1 {
			out = utf8.AppendRune(out, utf8.RuneError)
			i++
			continue
		}
		out = append(out, data[i:i+size]...)
		i += size
	}
	return out
}

// CleanText applies BOM stripping and UTF-8 sanitization in order.
func CleanText(data []byte) []byte {
	return SanitizeUTF8(StripBOM(data))
}
