// Package analysis orchestrates structural analysis of an uploaded file:
// format detection, preview parsing, type inference, standards scoring,
// mapping generation and saved-config matching. Archives are unpacked and
// each data candidate analyzed on its own, with failures scoped to the
// entry rather than the whole run.
package analysis

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/openrates/geostage/internal/archive"
	"github.com/openrates/geostage/internal/detect"
	"github.com/openrates/geostage/internal/mapping"
)

// DefaultCacheSize bounds the number of cached analysis reports.
const DefaultCacheSize = 256

// jsonSampleLimit caps how many records feed field sampling for JSON and
// GeoJSON sources, mirroring the row cap on delimited previews.
const jsonSampleLimit = 25

// ErrMalformedXML marks an XML or GML payload that could not be tokenized.
var ErrMalformedXML = errors.New("malformed xml")

// Report is the complete analysis output for one uploaded file.
type Report struct {
	ID          string                  `json:"id"`
	Filename    string                  `json:"filename"`
	Kind        detect.ContentKind      `json:"kind"`
	Preview     *detect.Preview         `json:"preview,omitempty"`
	Mapping     *mapping.Result         `json:"mapping,omitempty"`
	Suggestions []mapping.Suggestion    `json:"suggestions,omitempty"`
	Archive     *archive.Classification `json:"archive,omitempty"`
	Files       []FileReport            `json:"files,omitempty"`
	Warnings    []string                `json:"warnings,omitempty"`
	CreatedAt   time.Time               `json:"createdAt"`
}

// FileReport is the analysis of one archive entry. A failed entry carries
// its error here; it never fails the enclosing report.
type FileReport struct {
	Path    string             `json:"path"`
	Kind    detect.ContentKind `json:"kind"`
	Mapping *mapping.Result    `json:"mapping,omitempty"`
	Error   string             `json:"error,omitempty"`
}

// Service runs analyses. Safe for concurrent use.
type Service struct {
	generator  *mapping.Generator
	matcher    *mapping.Matcher
	classifier *archive.Classifier
	limiter    *Limiter
	cache      *lru.Cache[string, *Report]
	log        *slog.Logger
}

// Options tunes a Service. Zero values take defaults.
type Options struct {
	CacheSize     int
	MaxConcurrent int
	MaxWait       time.Duration
}

// NewService wires an analysis service.
func NewService(gen *mapping.Generator, matcher *mapping.Matcher, classifier *archive.Classifier, log *slog.Logger, opts Options) (*Service, error) {
	size := opts.CacheSize
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[string, *Report](size)
	if err != nil {
		return nil, fmt.Errorf("create analysis cache: %w", err)
	}
	return &Service{
		generator:  gen,
		matcher:    matcher,
		classifier: classifier,
		limiter:    NewLimiter(opts.MaxConcurrent, opts.MaxWait),
		cache:      cache,
		log:        log,
	}, nil
}

// Limiter exposes the concurrency limiter for shutdown draining.
func (s *Service) Limiter() *Limiter { return s.limiter }

// Report returns a previously computed report by its identifier, if it is
// still cached. Report IDs are a prefix of the cache key.
func (s *Service) Report(id string) (*Report, bool) {
	if id == "" {
		return nil, false
	}
	for _, key := range s.cache.Keys() {
		if strings.HasPrefix(key, id) {
			return s.cache.Get(key)
		}
	}
	return nil, false
}

// Analyze runs the full pipeline on one payload. Identical payloads under
// the same filename return the cached report.
func (s *Service) Analyze(ctx context.Context, filename, declaredMIME string, data []byte) (*Report, error) {
	if err := s.limiter.Acquire(ctx); err != nil {
		return nil, err
	}
	defer s.limiter.Release()
	return s.analyzeCached(ctx, filename, declaredMIME, data, nil)
}

// AnalyzeObject runs the pipeline on a payload held in object storage.
// Archive classification re-reads through fetch under the classifier's
// retry policy, so contention on the object is retried rather than failed.
func (s *Service) AnalyzeObject(ctx context.Context, filename, declaredMIME string, fetch func(context.Context) ([]byte, error)) (*Report, error) {
	if err := s.limiter.Acquire(ctx); err != nil {
		return nil, err
	}
	defer s.limiter.Release()

	data, err := fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch payload: %w", err)
	}
	return s.analyzeCached(ctx, filename, declaredMIME, data, fetch)
}

func (s *Service) analyzeCached(ctx context.Context, filename, declaredMIME string, data []byte, fetch func(context.Context) ([]byte, error)) (*Report, error) {
	key := cacheKey(filename, data)
	if cached, ok := s.cache.Get(key); ok {
		s.log.DebugContext(ctx, "analysis cache hit", "filename", filename)
		return cached, nil
	}

	report, err := s.analyze(ctx, filename, declaredMIME, data, fetch)
	if err != nil {
		return nil, err
	}
	s.cache.Add(key, report)

	s.log.InfoContext(ctx, "analysis complete",
		"filename", filename,
		"kind", string(report.Kind),
		"warnings", len(report.Warnings))
	return report, nil
}

func (s *Service) analyze(ctx context.Context, filename, declaredMIME string, data []byte, fetch func(context.Context) ([]byte, error)) (*Report, error) {
	kind := detect.DetectFormat(filename, data, declaredMIME)
	report := &Report{
		ID:        key8(filename, data),
		Filename:  filename,
		Kind:      kind,
		CreatedAt: time.Now().UTC(),
	}

	switch {
	case kind == detect.KindZIP:
		if err := s.analyzeArchive(ctx, report, data, fetch); err != nil {
			return nil, err
		}
	case detect.IsTabular(kind):
		s.analyzeDelimited(ctx, report, data)
	case kind == detect.KindGeoJSON:
		s.analyzeGeoJSON(ctx, report, data)
	case kind == detect.KindJSON:
		s.analyzeJSON(ctx, report, data)
	case kind == detect.KindXML || kind == detect.KindGML:
		if err := s.analyzeXML(ctx, report, filename, data); err != nil {
			return nil, err
		}
	default:
		report.Warnings = append(report.Warnings,
			fmt.Sprintf("no structural analysis for %s content", kind))
	}

	if report.Mapping != nil && len(report.Mapping.Mappings) > 0 {
		s.suggest(ctx, report)
	}
	return report, nil
}

func (s *Service) analyzeDelimited(ctx context.Context, report *Report, data []byte) {
	preview := detect.ParsePreview(detect.CleanText(data), 0, 0)
	result := s.generator.FromPreview(preview)
	report.Preview = &preview
	report.Mapping = &result
}

// analyzeJSON handles a top-level array of flat objects or a single
// object. Nested values are kept as their JSON encoding and typed as text.
func (s *Service) analyzeJSON(ctx context.Context, report *Report, data []byte) {
	var records []map[string]json.RawMessage

	if err := json.Unmarshal(data, &records); err != nil {
		var single map[string]json.RawMessage
		if err := json.Unmarshal(data, &single); err != nil {
			report.Warnings = append(report.Warnings, fmt.Sprintf("unparseable JSON: %v", err))
			return
		}
		records = []map[string]json.RawMessage{single}
	}

	fields, samples := fieldSamples(records)
	if len(fields) == 0 {
		report.Warnings = append(report.Warnings, "JSON contains no object fields")
		return
	}
	result := s.generator.FromFields(fields, samples)
	report.Mapping = &result
}

// analyzeGeoJSON maps the properties of a FeatureCollection's features.
// Geometry is acknowledged but not flattened into fields.
func (s *Service) analyzeGeoJSON(ctx context.Context, report *Report, data []byte) {
	var fc struct {
		Type     string `json:"type"`
		Features []struct {
			Properties map[string]json.RawMessage `json:"properties"`
			Geometry   json.RawMessage            `json:"geometry"`
		} `json:"features"`
	}
	if err := json.Unmarshal(data, &fc); err != nil {
		report.Warnings = append(report.Warnings, fmt.Sprintf("unparseable GeoJSON: %v", err))
		return
	}
	if len(fc.Features) == 0 {
		report.Warnings = append(report.Warnings, "feature collection is empty")
		return
	}

	records := make([]map[string]json.RawMessage, 0, len(fc.Features))
	hasGeometry := false
	for _, f := range fc.Features {
		records = append(records, f.Properties)
		if len(f.Geometry) > 0 && string(f.Geometry) != "null" {
			hasGeometry = true
		}
	}

	fields, samples := fieldSamples(records)
	if len(fields) == 0 {
		report.Warnings = append(report.Warnings, "features carry no properties")
		return
	}
	result := s.generator.FromFields(fields, samples)
	report.Mapping = &result
	if hasGeometry {
		report.Warnings = append(report.Warnings, "geometry objects present, mapped fields cover properties only")
	}
}

// analyzeXML treats the repeated elements under the document root as
// records and their child elements as fields. Attributes and elements
// nested deeper are ignored; this is structural sampling, not a full
// document model.
func (s *Service) analyzeXML(ctx context.Context, report *Report, filename string, data []byte) error {
	records, err := xmlRecords(data)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedXML, filename, err)
	}
	if len(records) == 0 {
		report.Warnings = append(report.Warnings, "no repeated record elements found")
		return nil
	}

	fields, samples := fieldSamples(records)
	if len(fields) == 0 {
		report.Warnings = append(report.Warnings, "record elements carry no leaf fields")
		return nil
	}
	result := s.generator.FromFields(fields, samples)
	report.Mapping = &result
	return nil
}

// xmlRecords tokenizes depth-2 elements as records with their depth-3
// children as string-valued fields, capped at jsonSampleLimit records.
func xmlRecords(data []byte) ([]map[string]json.RawMessage, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	var (
		records []map[string]json.RawMessage
		current map[string]json.RawMessage
		field   string
		text    strings.Builder
		depth   int
	)

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			switch depth {
			case 2:
				current = make(map[string]json.RawMessage)
			case 3:
				field = t.Name.Local
				text.Reset()
			}
		case xml.CharData:
			if depth == 3 && field != "" {
				text.Write(t)
			}
		case xml.EndElement:
			if depth == 3 && field != "" && current != nil {
				raw, _ := json.Marshal(strings.TrimSpace(text.String()))
				current[field] = json.RawMessage(raw)
				field = ""
			}
			if depth == 2 && current != nil {
				if len(current) > 0 {
					records = append(records, current)
				}
				current = nil
				if len(records) >= jsonSampleLimit {
					return records, nil
				}
			}
			depth--
		}
	}
	return records, nil
}

// analyzeArchive classifies the ZIP and analyzes each data candidate
// independently. Entry failures are scoped to their FileReport. When the
// payload came from object storage the classifier re-reads it through
// fetch with bounded retries.
func (s *Service) analyzeArchive(ctx context.Context, report *Report, data []byte, fetch func(context.Context) ([]byte, error)) error {
	var classification *archive.Classification
	var err error
	if fetch != nil {
		classification, err = s.classifier.Classify(ctx, fetch)
	} else {
		classification, err = s.classifier.ClassifyBytes(data)
	}
	if err != nil {
		return err
	}
	report.Archive = classification
	if classification.Truncated {
		report.Warnings = append(report.Warnings, "archive listing truncated by resource limits")
	}

	for _, entry := range classification.DataCandidates {
		fr := FileReport{Path: entry.Path, Kind: entry.Kind}

		payload, err := archive.ReadEntry(data, entry.Path)
		if err != nil {
			fr.Error = err.Error()
			report.Files = append(report.Files, fr)
			s.log.WarnContext(ctx, "archive entry unreadable", "path", entry.Path, "error", err)
			continue
		}

		sub, err := s.analyze(ctx, entry.Path, "", payload, nil)
		if err != nil {
			fr.Error = err.Error()
		} else {
			fr.Kind = sub.Kind
			fr.Mapping = sub.Mapping
		}
		report.Files = append(report.Files, fr)
	}
	return nil
}

func (s *Service) suggest(ctx context.Context, report *Report) {
	fields := make([]string, len(report.Mapping.Mappings))
	for i, m := range report.Mapping.Mappings {
		fields[i] = m.StagingField
	}
	suggestions, err := s.matcher.Match(ctx, fields)
	if err != nil {
		// Matching is advisory; a store failure downgrades to a warning.
		report.Warnings = append(report.Warnings, fmt.Sprintf("config matching unavailable: %v", err))
		s.log.WarnContext(ctx, "config matching failed", "error", err)
		return
	}
	report.Suggestions = suggestions
}

// fieldSamples flattens JSON records into first-seen field order with
// per-field string samples, capped at jsonSampleLimit records.
func fieldSamples(records []map[string]json.RawMessage) ([]string, map[string][]string) {
	if len(records) > jsonSampleLimit {
		records = records[:jsonSampleLimit]
	}

	var fields []string
	seen := make(map[string]bool)
	samples := make(map[string][]string)

	for _, rec := range records {
		// Deterministic order within a record is not available from the
		// map; first-seen across records plus sorted insertion keeps the
		// output stable enough for matching.
		for _, k := range sortedKeys(rec) {
			if !seen[k] {
				seen[k] = true
				fields = append(fields, k)
			}
		}
	}
	for _, rec := range records {
		for _, k := range fields {
			raw, ok := rec[k]
			if !ok {
				samples[k] = append(samples[k], "")
				continue
			}
			samples[k] = append(samples[k], rawToSample(raw))
		}
	}
	return fields, samples
}

func sortedKeys(rec map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(rec))
	for k := range rec {
		keys = append(keys, k)
	}
	// Small maps; insertion sort keeps it allocation-free.
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j] < keys[j-1]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	return keys
}

// rawToSample renders a JSON value the way it would appear in a CSV cell,
// so the shared type-inference rules apply unchanged.
func rawToSample(raw json.RawMessage) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return string(raw)
	}
}

func cacheKey(filename string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(filename))
	h.Write([]byte{0})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// key8 is a short stable report identifier derived from the payload.
func key8(filename string, data []byte) string {
	return cacheKey(filename, data)[:16]
}
