package decode

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/raphaelgruber/mapnotebook/internal/models"
)

// Format names a decoder for display in progress logs.
type Format struct {
	Name    string
	Decoder Decoder
}

// Options configures the decoders built by NewRegistry.
type Options struct {
	ShapefileLabels LabelStyle
}

// Registry dispatches files to decoders by extension.
type Registry struct {
	formats map[string]Format
}

// NewRegistry returns the registry of all supported upload formats.
func NewRegistry(opts Options) *Registry {
	kml := Format{Name: "KML/KMZ", Decoder: KML{}}
	geo := Format{Name: "GeoJSON", Decoder: GeoJSON{}}
	return &Registry{formats: map[string]Format{
		".zip":      {Name: "Shapefile", Decoder: Shapefile{Labels: opts.ShapefileLabels}},
		".geojson":  geo,
		".json":     geo,
		".gpx":      {Name: "GPX", Decoder: GPX{}},
		".kml":      kml,
		".kmz":      kml,
		".topojson": {Name: "TopoJSON", Decoder: TopoJSON{}},
		".wkt":      {Name: "WKT", Decoder: WKT{}},
	}}
}

// Lookup finds the format for filename, case-insensitively.
func (r *Registry) Lookup(filename string) (Format, bool) {
	f, ok := r.formats[strings.ToLower(filepath.Ext(filename))]
	return f, ok
}

// Supported reports whether filename has an allowed extension.
func (r *Registry) Supported(filename string) bool {
	_, ok := r.Lookup(filename)
	return ok
}

// Extensions lists the allowed extensions in sorted order.
func (r *Registry) Extensions() []string {
	exts := make([]string, 0, len(r.formats))
	for ext := range r.formats {
		exts = append(exts, ext)
	}
	slices.Sort(exts)
	return exts
}

// Decode decodes the file stored at path, choosing the decoder by the
// original filename. The file keeps its own base name for labels.
func (r *Registry) Decode(ctx context.Context, filename, path string) (*models.GeometryRecord, error) {
	f, ok := r.Lookup(filename)
	if !ok {
		return nil, newError(KindUnsupported, "unsupported file type", fmt.Errorf("extension %q", filepath.Ext(filename)))
	}
	if cd, ok := f.Decoder.(ContextDecoder); ok {
		return cd.DecodeContext(ctx, path)
	}
	return f.Decoder.Decode(path)
}
