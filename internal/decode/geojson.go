package decode

import (
	"encoding/json"
	"errors"
	"os"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/raphaelgruber/mapnotebook/internal/models"
)

// GeoJSON decodes FeatureCollection, Feature and bare geometry documents.
// Point labels come from the category_t and title properties, falling back
// to the file name. Zero features is a fatal error.
type GeoJSON struct{}

// Decode reads and decodes the file at path.
func (d GeoJSON) Decode(path string) (*models.GeometryRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, newError(KindGeoJSON, "failed to read file", err)
	}
	return d.DecodeBytes(data, baseName(path))
}

// DecodeBytes decodes an in-memory document; name is used as the fallback label.
func (d GeoJSON) DecodeBytes(data []byte, name string) (*models.GeometryRecord, error) {
	fc, err := parseFeatureCollection(data)
	if err != nil {
		return nil, newError(KindGeoJSON, "failed to read file", err)
	}
	return d.DecodeCollection(fc, name)
}

// DecodeCollection decodes an already parsed collection.
func (GeoJSON) DecodeCollection(fc *geojson.FeatureCollection, name string) (*models.GeometryRecord, error) {
	if fc == nil || len(fc.Features) == 0 {
		return nil, newError(KindGeoJSON, "GeoJSON is empty", ErrEmpty)
	}

	b := newBuilder()
	for _, f := range fc.Features {
		if f == nil || f.Geometry == nil {
			continue
		}
		addFeature(b, f.Geometry, f.Properties, name)
	}
	return b.record(), nil
}

// addFeature applies the category/title labeling rule shared with TopoJSON.
func addFeature(b *recordBuilder, g orb.Geometry, props map[string]any, name string) {
	label := joinLabel(propString(props, "category_t"), propString(props, "title"))
	b.label(label)

	desc := label
	if desc == "" {
		desc = name
	}
	b.add(g, desc, true)
}

func parseFeatureCollection(data []byte) (*geojson.FeatureCollection, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, err
	}

	switch head.Type {
	case "FeatureCollection":
		return geojson.UnmarshalFeatureCollection(data)
	case "Feature":
		f, err := geojson.UnmarshalFeature(data)
		if err != nil {
			return nil, err
		}
		return geojson.NewFeatureCollection().Append(f), nil
	case "":
		return nil, errors.New("document has no type member")
	default:
		g, err := geojson.UnmarshalGeometry(data)
		if err != nil {
			return nil, err
		}
		return geojson.NewFeatureCollection().Append(geojson.NewFeature(g.Geometry())), nil
	}
}
