package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/openrates/geostage/internal/detect"
)

// buildZip assembles an in-memory archive from path -> content pairs,
// preserving insertion order.
func buildZip(t *testing.T, files []struct {
	path    string
	content string
}) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, f := range files {
		w, err := zw.Create(f.path)
		if err != nil {
			t.Fatalf("create %s: %v", f.path, err)
		}
		if _, err := w.Write([]byte(f.content)); err != nil {
			t.Fatalf("write %s: %v", f.path, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return buf.Bytes()
}

func entryPaths(entries []Entry) []string {
	paths := make([]string, len(entries))
	for i, e := range entries {
		paths[i] = e.Path
	}
	return paths
}

func contains(entries []Entry, path string) bool {
	for _, e := range entries {
		if e.Path == path {
			return true
		}
	}
	return false
}

func TestClassifyBytes_Partitioning(t *testing.T) {
	data := buildZip(t, []struct {
		path    string
		content string
	}{
		{"readme.txt", strings.Repeat("x", 500)},
		{"data_records.csv", strings.Repeat("r", 50000)},
		{"schema_description.txt", strings.Repeat("s", 300)},
		{"extract/values.json", strings.Repeat("v", 4000)},
		{"shapes/wards.shp", strings.Repeat("b", 9000)},
		{"metadata.xml", strings.Repeat("m", 700)},
	})

	c := NewClassifier()
	result, err := c.ClassifyBytes(data)
	if err != nil {
		t.Fatalf("ClassifyBytes: %v", err)
	}

	if !contains(result.HeaderCandidates, "readme.txt") {
		t.Errorf("readme.txt missing from header candidates: %v", entryPaths(result.HeaderCandidates))
	}
	if !contains(result.Documentation, "readme.txt") {
		t.Errorf("readme.txt missing from documentation: %v", entryPaths(result.Documentation))
	}
	if !contains(result.DataCandidates, "data_records.csv") {
		t.Errorf("data_records.csv missing from data candidates: %v", entryPaths(result.DataCandidates))
	}
	if !contains(result.HeaderCandidates, "schema_description.txt") {
		t.Errorf("schema_description.txt missing from header candidates")
	}
	if !contains(result.DataCandidates, "extract/values.json") {
		t.Errorf("values.json missing from data candidates")
	}
	if !contains(result.Metadata, "metadata.xml") {
		t.Errorf("metadata.xml missing from metadata group")
	}
	if contains(result.DataCandidates, "shapes/wards.shp") {
		t.Errorf("wards.shp should not be a data candidate")
	}
}

func TestClassifyBytes_EntryKinds(t *testing.T) {
	data := buildZip(t, []struct {
		path    string
		content string
	}{
		{"a/rates.csv", "uprn,rv\n1,2\n"},
		{"a/wards.shp", "bin"},
	})

	result, err := NewClassifier().ClassifyBytes(data)
	if err != nil {
		t.Fatalf("ClassifyBytes: %v", err)
	}
	kinds := map[string]detect.ContentKind{}
	for _, e := range result.Entries {
		kinds[e.Path] = e.Kind
	}
	if kinds["a/rates.csv"] != detect.KindCSV {
		t.Errorf("rates.csv kind = %q", kinds["a/rates.csv"])
	}
	if kinds["a/wards.shp"] != detect.KindShapefile {
		t.Errorf("wards.shp kind = %q", kinds["a/wards.shp"])
	}
}

func TestClassifyBytes_Truncation(t *testing.T) {
	var files []struct {
		path    string
		content string
	}
	for _, name := range []string{"a.csv", "b.csv", "c.csv", "d.csv", "e.csv"} {
		files = append(files, struct {
			path    string
			content string
		}{name, strings.Repeat("x", 2000)})
	}
	data := buildZip(t, files)

	c := NewClassifier()
	c.MaxEntries = 3
	result, err := c.ClassifyBytes(data)
	if err != nil {
		t.Fatalf("ClassifyBytes: %v", err)
	}
	if !result.Truncated {
		t.Error("expected Truncated=true when entry bound exceeded")
	}
	if len(result.Entries) != 3 {
		t.Errorf("entries = %d, want 3", len(result.Entries))
	}
}

func TestClassifyBytes_Malformed(t *testing.T) {
	_, err := NewClassifier().ClassifyBytes([]byte("not a zip at all"))
	if !errors.Is(err, ErrMalformedArchive) {
		t.Errorf("error = %v, want ErrMalformedArchive", err)
	}
}

func TestClassify_RetriesTransientFetch(t *testing.T) {
	data := buildZip(t, []struct {
		path    string
		content string
	}{{"data.csv", strings.Repeat("x", 2000)}})

	attempts := 0
	fetch := func(context.Context) ([]byte, error) {
		attempts++
		if attempts < 3 {
			return nil, errors.New("resource busy")
		}
		return data, nil
	}

	c := NewClassifier()
	c.RetryInterval = 0
	result, err := c.Classify(context.Background(), fetch)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	if len(result.Entries) != 1 {
		t.Errorf("entries = %d, want 1", len(result.Entries))
	}
}

func TestClassify_ExhaustedRetriesSurfaceUnreadable(t *testing.T) {
	fetch := func(context.Context) ([]byte, error) {
		return nil, errors.New("resource busy")
	}

	c := NewClassifier()
	c.RetryInterval = 0
	_, err := c.Classify(context.Background(), fetch)
	if !errors.Is(err, ErrArchiveUnreadable) {
		t.Errorf("error = %v, want ErrArchiveUnreadable", err)
	}
}

func TestClassify_MalformedIsNotRetried(t *testing.T) {
	attempts := 0
	fetch := func(context.Context) ([]byte, error) {
		attempts++
		return []byte("garbage"), nil
	}

	c := NewClassifier()
	c.RetryInterval = 0
	_, err := c.Classify(context.Background(), fetch)
	if !errors.Is(err, ErrMalformedArchive) {
		t.Errorf("error = %v, want ErrMalformedArchive", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 (no retry on malformed input)", attempts)
	}
}

func TestBuildTree(t *testing.T) {
	data := buildZip(t, []struct {
		path    string
		content string
	}{
		{"extract/2024/rates.csv", "a,b\n"},
		{"extract/2024/readme.txt", "notes"},
		{"extract/shapes/wards.shp", "bin"},
		{"manifest.json", "{}"},
	})

	result, err := NewClassifier().ClassifyBytes(data)
	if err != nil {
		t.Fatalf("ClassifyBytes: %v", err)
	}
	tree := result.Tree

	if tree.Find("extract/2024/rates.csv") == nil {
		t.Error("rates.csv not reachable in tree")
	}
	if n := tree.Find("extract/2024"); n == nil || !n.IsDir {
		t.Error("intermediate directory node missing")
	}
	if tree.Find("manifest.json") == nil {
		t.Error("root-level file missing")
	}
	if tree.Find("extract/nope") != nil {
		t.Error("Find returned a node for a missing path")
	}

	// Children preserve central-directory order.
	extract := tree.Find("extract")
	if extract == nil || len(extract.Children) != 2 {
		t.Fatalf("extract children = %+v", extract)
	}
	if extract.Children[0].Name != "2024" || extract.Children[1].Name != "shapes" {
		t.Errorf("child order = %s, %s; want 2024, shapes", extract.Children[0].Name, extract.Children[1].Name)
	}
}

func TestReadEntry(t *testing.T) {
	data := buildZip(t, []struct {
		path    string
		content string
	}{{"inner/data.csv", "uprn,rv\n1,2\n"}})

	content, err := ReadEntry(data, "inner/data.csv")
	if err != nil {
		t.Fatalf("ReadEntry: %v", err)
	}
	if string(content) != "uprn,rv\n1,2\n" {
		t.Errorf("content = %q", content)
	}

	if _, err := ReadEntry(data, "missing.csv"); err == nil {
		t.Error("expected error for missing entry")
	}
}
