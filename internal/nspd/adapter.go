package nspd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/project"

	"github.com/raphaelgruber/mapnotebook/internal/decode"
	"github.com/raphaelgruber/mapnotebook/internal/models"
)

// Kind selects the registry layer to search.
type Kind string

const (
	// Locality searches the settlements polygon layer.
	Locality Kind = "locality"
	// Border searches the municipal formations polygon layer.
	Border Kind = "border"
)

// ErrNumberRequired is returned for an empty registry number.
var ErrNumberRequired = errors.New("registry number is required")

// ParseKind validates a kind taken from a URL or command line.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case Locality, Border:
		return k, nil
	default:
		return "", fmt.Errorf("unknown registry kind %q (want locality or border)", s)
	}
}

// Layer returns the registry layer id.
func (k Kind) Layer() int {
	if k == Border {
		return 36278
	}
	return 36281
}

// Label returns the description stamped on every point of a lookup result.
func (k Kind) Label(number string) string {
	if k == Border {
		return "МО НСПД: " + number
	}
	return "НСПД: " + number
}

// Searcher finds raw registry features.
type Searcher interface {
	Search(ctx context.Context, query string, layer int) ([]json.RawMessage, error)
}

// Adapter turns a registry search hit into a GeometryRecord via the GeoJSON decoder.
type Adapter struct {
	searcher Searcher
	geo      decode.GeoJSON
}

// NewAdapter creates an adapter backed by searcher.
func NewAdapter(searcher Searcher) *Adapter {
	return &Adapter{searcher: searcher}
}

// Lookup fetches the first feature matching number and decodes it. Every
// point description is replaced with the kind's label, which is also
// prepended to the metadata.
func (a *Adapter) Lookup(ctx context.Context, kind Kind, number string) (*models.GeometryRecord, error) {
	number = strings.TrimSpace(number)
	if number == "" {
		return nil, ErrNumberRequired
	}

	log := decode.LoggerFrom(ctx)
	log.Info("searching registry", "kind", kind, "number", number, "layer", kind.Layer())

	results, err := a.searcher.Search(ctx, number, kind.Layer())
	if err != nil {
		log.Error("registry search failed", "kind", kind, "number", number, "error", err)
		return nil, &decode.DecodeError{Kind: decode.KindNSPD, Message: "failed to fetch data", Err: err}
	}
	if len(results) == 0 {
		return nil, &decode.DecodeError{
			Kind:    decode.KindNSPD,
			Message: fmt.Sprintf("object with number %s not found", number),
			Err:     decode.ErrEmpty,
		}
	}

	feature, err := toFeature(results[0])
	if err != nil {
		return nil, &decode.DecodeError{Kind: decode.KindNSPD, Message: "failed to read feature", Err: err}
	}

	fc := geojson.NewFeatureCollection().Append(feature)
	rec, err := a.geo.DecodeCollection(fc, "nspd_"+number+".geojson")
	if err != nil {
		return nil, err
	}

	label := kind.Label(number)
	for id, p := range rec.Points {
		p.Desc = label
		rec.Points[id] = p
	}
	rec.PrependLabel(label)

	return rec, nil
}

// featureShape is the subset of members used to classify a raw feature.
type featureShape struct {
	Type       string          `json:"type"`
	Geometry   json.RawMessage `json:"geometry"`
	Properties json.RawMessage `json:"properties"`
	CRS        *crs            `json:"crs"`
}

type crs struct {
	Properties struct {
		Name string `json:"name"`
	} `json:"properties"`
}

// geometryTypes are the bare geometry objects accepted by the last check.
var geometryTypes = map[string]bool{
	"Point": true, "MultiPoint": true,
	"LineString": true, "MultiLineString": true,
	"Polygon": true, "MultiPolygon": true,
	"GeometryCollection": true,
}

// toFeature applies a fixed chain of checks: a Feature object, then any object
// with a geometry member, then a bare geometry. Web Mercator geometry is
// normalized to WGS84.
func toFeature(raw json.RawMessage) (*geojson.Feature, error) {
	var p featureShape
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("parse feature: %w", err)
	}

	var (
		f       *geojson.Feature
		geomCRS *crs
		err     error
	)
	switch {
	case p.Type == "Feature":
		f, err = geojson.UnmarshalFeature(raw)
		if err != nil {
			return nil, fmt.Errorf("parse feature: %w", err)
		}
		geomCRS = memberCRS(p.Geometry)
	case hasValue(p.Geometry):
		g, err := geojson.UnmarshalGeometry(p.Geometry)
		if err != nil {
			return nil, fmt.Errorf("parse geometry member: %w", err)
		}
		f = geojson.NewFeature(g.Geometry())
		if hasValue(p.Properties) {
			props := map[string]any{}
			if err := json.Unmarshal(p.Properties, &props); err == nil {
				f.Properties = props
			}
		}
		geomCRS = memberCRS(p.Geometry)
	case geometryTypes[p.Type]:
		g, err := geojson.UnmarshalGeometry(raw)
		if err != nil {
			return nil, fmt.Errorf("parse geometry: %w", err)
		}
		f = geojson.NewFeature(g.Geometry())
	default:
		return nil, fmt.Errorf("unrecognized feature shape (type %q)", p.Type)
	}

	if geomCRS == nil {
		geomCRS = p.CRS
	}
	if f.Geometry != nil && isWebMercator(geomCRS) {
		f.Geometry = project.Geometry(f.Geometry, project.Mercator.ToWGS84)
	}
	return f, nil
}

func memberCRS(raw json.RawMessage) *crs {
	if !hasValue(raw) {
		return nil
	}
	var m struct {
		CRS *crs `json:"crs"`
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m.CRS
}

func hasValue(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s != "" && s != "null"
}

func isWebMercator(c *crs) bool {
	if c == nil {
		return false
	}
	name := c.Properties.Name
	return strings.HasSuffix(name, ":3857") || name == "EPSG:900913"
}
