// Package archive classifies the contents of uploaded ZIP bundles.
//
// Government dataset drops are frequently a single ZIP holding a data file,
// a header or schema description, documentation, and shapefile sidecars in
// arbitrary subdirectories. The classifier walks the entry list, builds a
// directory tree, and partitions entries into header, data, documentation
// and metadata candidates. All partitions are suggestions for the operator,
// never hard constraints.
package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/openrates/geostage/internal/detect"
)

// ErrArchiveUnreadable is the terminal error after retries are exhausted.
var ErrArchiveUnreadable = errors.New("archive unreadable")

// ErrMalformedArchive marks a ZIP whose central directory cannot be decoded.
// Retrying cannot help; the error is surfaced immediately.
var ErrMalformedArchive = errors.New("malformed archive")

// Size thresholds for candidate heuristics.
const (
	headerCSVMaxBytes = 5 * 1024
	headerTxtMaxBytes = 2 * 1024
	dataMinBytes      = 1024
)

// Keyword groups for name-based partitioning. Matching is case-insensitive
// on the entry's base name.
var (
	headerKeywords = []string{"header", "schema", "readme", "metadata", "description"}
	dataKeywords   = []string{"data", "records", "values"}
	docKeywords    = []string{"readme", "doc", "guide", "notes", "licence", "license"}
	metaKeywords   = []string{"metadata", "manifest", "meta"}
)

// Entry is one file inside an archive.
type Entry struct {
	Path string             `json:"path"`
	Size int64              `json:"size"`
	Kind detect.ContentKind `json:"kind"`
}

// Classification is the result of walking an archive.
type Classification struct {
	Entries          []Entry `json:"entries"`
	HeaderCandidates []Entry `json:"headerCandidates"`
	DataCandidates   []Entry `json:"dataCandidates"`
	Documentation    []Entry `json:"documentation"`
	Metadata         []Entry `json:"metadata"`
	Tree             *Node   `json:"tree"`

	// Truncated is set when the scan hit MaxEntries or MaxTotalBytes and
	// the result covers only a prefix of the archive.
	Truncated bool `json:"truncated"`
}

// Classifier walks ZIP archives with bounded work and bounded retries.
type Classifier struct {
	MaxEntries    int
	MaxTotalBytes int64
	MaxAttempts   int
	RetryInterval time.Duration
}

// NewClassifier returns a classifier with production defaults.
func NewClassifier() *Classifier {
	return &Classifier{
		MaxEntries:    10000,
		MaxTotalBytes: 2 << 30, // 2GB of declared entry sizes
		MaxAttempts:   3,
		RetryInterval: 250 * time.Millisecond,
	}
}

// Classify fetches archive bytes and decodes the central directory,
// retrying transient failures with linearly increasing backoff. The fetch
// is an idempotent re-read; the same byte source may be read concurrently
// by preview generation and delimiter re-detection, so contention is
// retried rather than locked around.
func (c *Classifier) Classify(ctx context.Context, fetch func(context.Context) ([]byte, error)) (*Classification, error) {
	var result *Classification

	operation := func() error {
		data, err := fetch(ctx)
		if err != nil {
			return err
		}
		result, err = c.ClassifyBytes(data)
		if err != nil {
			// A malformed central directory will not repair itself on
			// re-read; only the fetch path is worth retrying.
			return backoff.Permanent(err)
		}
		return nil
	}

	policy := backoff.WithContext(newLinearBackOff(c.RetryInterval, c.MaxAttempts), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		if errors.Is(err, ErrMalformedArchive) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrArchiveUnreadable, err)
	}
	return result, nil
}

// ClassifyBytes decodes and classifies an in-memory archive without retry.
func (c *Classifier) ClassifyBytes(data []byte) (*Classification, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedArchive, err)
	}

	entries := make([]Entry, 0, len(zr.File))
	var total int64
	truncated := false

	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		if c.MaxEntries > 0 && len(entries) >= c.MaxEntries {
			truncated = true
			break
		}
		size := int64(f.UncompressedSize64)
		if c.MaxTotalBytes > 0 && total+size > c.MaxTotalBytes {
			truncated = true
			break
		}
		total += size

		entries = append(entries, Entry{
			Path: f.Name,
			Size: size,
			Kind: detect.DetectFormat(f.Name, nil, ""),
		})
	}

	result := ClassifyEntries(entries)
	result.Truncated = truncated
	return result, nil
}

// ClassifyEntries partitions an entry list and builds the directory tree.
// Entry order follows the archive's central directory.
func ClassifyEntries(entries []Entry) *Classification {
	result := &Classification{
		Entries: entries,
		Tree:    BuildTree(entries),
	}

	for _, e := range entries {
		name := strings.ToLower(baseName(e.Path))
		ext := strings.ToLower(extOf(name))

		if matchesAny(name, headerKeywords) ||
			(ext == ".csv" && e.Size < headerCSVMaxBytes) ||
			(ext == ".txt" && e.Size < headerTxtMaxBytes) {
			result.HeaderCandidates = append(result.HeaderCandidates, e)
		}

		if matchesAny(name, dataKeywords) ||
			(isDataExt(ext) && e.Size > dataMinBytes) {
			result.DataCandidates = append(result.DataCandidates, e)
		}

		if matchesAny(name, docKeywords) {
			result.Documentation = append(result.Documentation, e)
		}
		if matchesAny(name, metaKeywords) {
			result.Metadata = append(result.Metadata, e)
		}
	}

	return result
}

// ReadEntry extracts a single entry's bytes from an in-memory archive.
// Failures are scoped to the named entry so sibling analyses continue.
func ReadEntry(data []byte, path string) ([]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedArchive, err)
	}
	for _, f := range zr.File {
		if f.Name != path {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open entry %q: %w", path, err)
		}
		defer rc.Close()
		content, err := io.ReadAll(rc)
		if err != nil {
			return nil, fmt.Errorf("read entry %q: %w", path, err)
		}
		return content, nil
	}
	return nil, fmt.Errorf("entry %q not found in archive", path)
}

func matchesAny(name string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(name, kw) {
			return true
		}
	}
	return false
}

func isDataExt(ext string) bool {
	switch ext {
	case ".csv", ".json", ".xml", ".gml", ".geojson":
		return true
	}
	return false
}

func baseName(path string) string {
	if idx := strings.LastIndexByte(path, '/'); idx >= 0 {
		return path[idx+1:]
	}
	return path
}

func extOf(name string) string {
	if idx := strings.LastIndexByte(name, '.'); idx >= 0 {
		return name[idx:]
	}
	return ""
}

// linearBackOff waits attempt*interval between tries, stopping after
// maxAttempts. Retries guard transient read contention, not corruption.
type linearBackOff struct {
	interval time.Duration
	attempt  int
	max      int
}

func newLinearBackOff(interval time.Duration, maxAttempts int) *linearBackOff {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &linearBackOff{interval: interval, max: maxAttempts}
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	if b.attempt >= b.max {
		return backoff.Stop
	}
	return time.Duration(b.attempt) * b.interval
}

func (b *linearBackOff) Reset() {
	b.attempt = 0
}
