// Package detect provides content inspection for uploaded dataset files.
// This package has no persistence or UI dependencies; every function is a
// pure function of its input bytes so analyses can run in parallel across
// independent uploads.
package detect

import (
	"bytes"
	"path/filepath"
	"strings"
)

// ContentKind classifies a raw byte stream into a known content category.
type ContentKind string

const (
	KindCSV        ContentKind = "csv"
	KindJSON       ContentKind = "json"
	KindXML        ContentKind = "xml"
	KindGML        ContentKind = "gml"
	KindGeoJSON    ContentKind = "geojson"
	KindYAML       ContentKind = "yaml"
	KindZIP        ContentKind = "zip"
	KindShapefile  ContentKind = "shapefile-component"
	KindGeoPackage ContentKind = "geopackage"
	KindText       ContentKind = "text"
)

// extensionKinds maps lowercase file extensions to their content kind.
// Shapefile sidecar extensions are all classified as shapefile components
// so an archive walk can group them with the .shp they belong to.
var extensionKinds = map[string]ContentKind{
	".csv":     KindCSV,
	".tsv":     KindCSV,
	".json":    KindJSON,
	".geojson": KindGeoJSON,
	".xml":     KindXML,
	".gml":     KindGML,
	".yaml":    KindYAML,
	".yml":     KindYAML,
	".zip":     KindZIP,
	".gpkg":    KindGeoPackage,
	".shp":     KindShapefile,
	".shx":     KindShapefile,
	".dbf":     KindShapefile,
	".prj":     KindShapefile,
	".cpg":     KindShapefile,
	".sbn":     KindShapefile,
	".sbx":     KindShapefile,
	".txt":     KindText,
}

// mimeKinds maps declared MIME types to content kinds. Used when the
// extension is missing or unknown.
var mimeKinds = map[string]ContentKind{
	"text/csv":                        KindCSV,
	"text/tab-separated-values":       KindCSV,
	"application/json":                KindJSON,
	"application/geo+json":            KindGeoJSON,
	"application/xml":                 KindXML,
	"text/xml":                        KindXML,
	"application/gml+xml":             KindGML,
	"application/x-yaml":              KindYAML,
	"text/yaml":                       KindYAML,
	"application/zip":                 KindZIP,
	"application/x-zip-compressed":    KindZIP,
	"application/geopackage+sqlite3":  KindGeoPackage,
	"application/x-sqlite3":           KindGeoPackage,
	"application/vnd.shp":             KindShapefile,
	"text/plain":                      KindText,
}

var (
	zipMagic    = []byte{'P', 'K', 0x03, 0x04}
	sqliteMagic = []byte("SQLite format 3\x00")
)

// DetectFormat classifies a file by extension first, then declared MIME
// type, then content sniffing. It never fails: anything unrecognised
// resolves to KindText so downstream stages degrade instead of aborting.
func DetectFormat(filename string, data []byte, declaredMIME string) ContentKind {
	ext := strings.ToLower(filepath.Ext(filename))
	if kind, ok := extensionKinds[ext]; ok {
		// A .json file holding a FeatureCollection is really GeoJSON.
		if kind == KindJSON && looksLikeGeoJSON(data) {
			return KindGeoJSON
		}
		// A .xml carrying a GML namespace is GML.
		if kind == KindXML && looksLikeGML(data) {
			return KindGML
		}
		return kind
	}

	if declaredMIME != "" {
		// Strip parameters such as "; charset=utf-8".
		mime := strings.ToLower(strings.TrimSpace(strings.SplitN(declaredMIME, ";", 2)[0]))
		if kind, ok := mimeKinds[mime]; ok {
			if kind == KindJSON && looksLikeGeoJSON(data) {
				return KindGeoJSON
			}
			return kind
		}
	}

	return sniffContent(data)
}

// sniffContent inspects leading bytes when neither extension nor MIME type
// identified the file.
func sniffContent(data []byte) ContentKind {
	if bytes.HasPrefix(data, zipMagic) {
		return KindZIP
	}
	if bytes.HasPrefix(data, sqliteMagic) {
		return KindGeoPackage
	}

	trimmed := bytes.TrimLeft(data, " \t\r\n\xef\xbb\xbf")
	if len(trimmed) == 0 {
		return KindText
	}

	switch trimmed[0] {
	case '{', '[':
		if looksLikeGeoJSON(trimmed) {
			return KindGeoJSON
		}
		return KindJSON
	case '<':
		if looksLikeGML(trimmed) {
			return KindGML
		}
		return KindXML
	}

	return KindText
}

// looksLikeGeoJSON reports whether the leading bytes mention a GeoJSON
// object type. Cheap substring check on the sniff window only.
func looksLikeGeoJSON(data []byte) bool {
	window := data
	if len(window) > 2048 {
		window = window[:2048]
	}
	return bytes.Contains(window, []byte(`"FeatureCollection"`)) ||
		bytes.Contains(window, []byte(`"Feature"`)) ||
		bytes.Contains(window, []byte(`"GeometryCollection"`))
}

// looksLikeGML reports whether the leading bytes reference a GML namespace
// or element prefix.
func looksLikeGML(data []byte) bool {
	window := data
	if len(window) > 2048 {
		window = window[:2048]
	}
	return bytes.Contains(window, []byte("gml:")) ||
		bytes.Contains(window, []byte("opengis.net/gml"))
}

// IsTabular reports whether a kind is parsed with the delimited text parser.
func IsTabular(kind ContentKind) bool {
	return kind == KindCSV || kind == KindText
}
