package decode

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"

	"github.com/paulmach/orb"

	"github.com/raphaelgruber/mapnotebook/internal/models"
)

// TopoJSON decodes Topology documents. Every member of a top-level
// GeometryCollection object is one feature; any other object is a single
// feature. Labels follow the GeoJSON rule. Zero features is a fatal error.
type TopoJSON struct{}

type topology struct {
	Type      string                     `json:"type"`
	Transform *topoTransform             `json:"transform"`
	Arcs      [][][]float64              `json:"arcs"`
	Objects   map[string]json.RawMessage `json:"objects"`
}

type topoTransform struct {
	Scale     [2]float64 `json:"scale"`
	Translate [2]float64 `json:"translate"`
}

type topoObject struct {
	Type        string          `json:"type"`
	Properties  map[string]any  `json:"properties"`
	Coordinates json.RawMessage `json:"coordinates"`
	Arcs        json.RawMessage `json:"arcs"`
	Geometries  []topoObject    `json:"geometries"`
}

type topoFeature struct {
	geometry   orb.Geometry
	properties map[string]any
}

// Decode reads and decodes the file at path.
func (TopoJSON) Decode(path string) (*models.GeometryRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, newError(KindTopoJSON, "failed to read file", err)
	}

	var topo topology
	if err := json.Unmarshal(data, &topo); err != nil {
		return nil, newError(KindTopoJSON, "failed to read file", err)
	}
	if topo.Type != "Topology" {
		return nil, newError(KindTopoJSON, "failed to read file", fmt.Errorf("unexpected type %q", topo.Type))
	}

	features, err := topo.features()
	if err != nil {
		return nil, newError(KindTopoJSON, "failed to read file", err)
	}
	if len(features) == 0 {
		return nil, newError(KindTopoJSON, "TopoJSON is empty", ErrEmpty)
	}

	name := baseName(path)
	b := newBuilder()
	for _, f := range features {
		if f.geometry == nil {
			continue
		}
		addFeature(b, f.geometry, f.properties, name)
	}
	return b.record(), nil
}

// features expands the named objects in name order.
func (t *topology) features() ([]topoFeature, error) {
	arcs := t.decodeArcs()

	names := make([]string, 0, len(t.Objects))
	for name := range t.Objects {
		names = append(names, name)
	}
	slices.Sort(names)

	var out []topoFeature
	for _, name := range names {
		var obj topoObject
		if err := json.Unmarshal(t.Objects[name], &obj); err != nil {
			return nil, fmt.Errorf("object %s: %w", name, err)
		}

		members := []topoObject{obj}
		if obj.Type == "GeometryCollection" {
			members = obj.Geometries
		}
		for _, m := range members {
			g, err := t.geometry(m, arcs)
			if err != nil {
				return nil, fmt.Errorf("object %s: %w", name, err)
			}
			out = append(out, topoFeature{geometry: g, properties: m.Properties})
		}
	}
	return out, nil
}

// decodeArcs resolves delta encoding and the quantization transform.
func (t *topology) decodeArcs() []orb.LineString {
	arcs := make([]orb.LineString, len(t.Arcs))
	for i, raw := range t.Arcs {
		line := make(orb.LineString, 0, len(raw))
		var x, y float64
		for _, pos := range raw {
			if len(pos) < 2 {
				continue
			}
			if t.Transform == nil {
				line = append(line, orb.Point{pos[0], pos[1]})
				continue
			}
			x += pos[0]
			y += pos[1]
			line = append(line, t.untransform(x, y))
		}
		arcs[i] = line
	}
	return arcs
}

func (t *topology) untransform(x, y float64) orb.Point {
	if t.Transform == nil {
		return orb.Point{x, y}
	}
	return orb.Point{
		x*t.Transform.Scale[0] + t.Transform.Translate[0],
		y*t.Transform.Scale[1] + t.Transform.Translate[1],
	}
}

func (t *topology) position(pos []float64) (orb.Point, error) {
	if len(pos) < 2 {
		return orb.Point{}, fmt.Errorf("position has %d values", len(pos))
	}
	return t.untransform(pos[0], pos[1]), nil
}

func (t *topology) geometry(obj topoObject, arcs []orb.LineString) (orb.Geometry, error) {
	switch obj.Type {
	case "", "null":
		return nil, nil
	case "Point":
		var pos []float64
		if err := json.Unmarshal(obj.Coordinates, &pos); err != nil {
			return nil, err
		}
		return t.position(pos)
	case "MultiPoint":
		var raw [][]float64
		if err := json.Unmarshal(obj.Coordinates, &raw); err != nil {
			return nil, err
		}
		mp := make(orb.MultiPoint, 0, len(raw))
		for _, pos := range raw {
			p, err := t.position(pos)
			if err != nil {
				return nil, err
			}
			mp = append(mp, p)
		}
		return mp, nil
	case "LineString":
		var refs []int
		if err := json.Unmarshal(obj.Arcs, &refs); err != nil {
			return nil, err
		}
		return stitch(refs, arcs)
	case "MultiLineString":
		var refs [][]int
		if err := json.Unmarshal(obj.Arcs, &refs); err != nil {
			return nil, err
		}
		mls := make(orb.MultiLineString, 0, len(refs))
		for _, r := range refs {
			ls, err := stitch(r, arcs)
			if err != nil {
				return nil, err
			}
			mls = append(mls, ls)
		}
		return mls, nil
	case "Polygon":
		var refs [][]int
		if err := json.Unmarshal(obj.Arcs, &refs); err != nil {
			return nil, err
		}
		return polygon(refs, arcs)
	case "MultiPolygon":
		var refs [][][]int
		if err := json.Unmarshal(obj.Arcs, &refs); err != nil {
			return nil, err
		}
		mp := make(orb.MultiPolygon, 0, len(refs))
		for _, r := range refs {
			p, err := polygon(r, arcs)
			if err != nil {
				return nil, err
			}
			mp = append(mp, p)
		}
		return mp, nil
	case "GeometryCollection":
		c := make(orb.Collection, 0, len(obj.Geometries))
		for _, m := range obj.Geometries {
			g, err := t.geometry(m, arcs)
			if err != nil {
				return nil, err
			}
			if g != nil {
				c = append(c, g)
			}
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unsupported geometry type %q", obj.Type)
	}
}

func polygon(refs [][]int, arcs []orb.LineString) (orb.Polygon, error) {
	p := make(orb.Polygon, 0, len(refs))
	for _, r := range refs {
		ls, err := stitch(r, arcs)
		if err != nil {
			return nil, err
		}
		p = append(p, orb.Ring(ls))
	}
	return p, nil
}

// stitch joins arcs by index; a negative index ~i means arc i reversed.
// Consecutive arcs share their joining vertex, so it is kept once.
func stitch(refs []int, arcs []orb.LineString) (orb.LineString, error) {
	var out orb.LineString
	for k, ref := range refs {
		idx := ref
		if ref < 0 {
			idx = ^ref
		}
		if idx >= len(arcs) {
			return nil, fmt.Errorf("arc index %d out of range", ref)
		}

		arc := arcs[idx]
		if ref < 0 {
			arc = slices.Clone(arc)
			slices.Reverse(arc)
		}
		if k > 0 && len(arc) > 0 {
			arc = arc[1:]
		}
		out = append(out, arc...)
	}
	return out, nil
}
