// Package models defines the data structures shared by the decoders, the
// merge engine and the persisted map index.
package models

// Coord is a longitude/latitude pair. It serializes as a two element JSON array.
type Coord [2]float64

// Lon returns the longitude.
func (c Coord) Lon() float64 { return c[0] }

// Lat returns the latitude.
func (c Coord) Lat() float64 { return c[1] }

// Path is an ordered coordinate sequence: a line, a polygon ring, or a
// single-vertex surrogate for a point.
type Path []Coord

// Point is a labeled map marker.
// An empty Desc means "no label" and is omitted from JSON.
type Point struct {
	Coords Coord  `json:"coords"`
	Desc   string `json:"desc,omitempty"`
}

// GeometryRecord is the output of one decoder invocation.
type GeometryRecord struct {
	Paths    map[string]Path  `json:"paths"`
	Points   map[string]Point `json:"points"`
	Metadata []string         `json:"metadata"`
}

// NewGeometryRecord returns an empty record with initialized maps.
func NewGeometryRecord() *GeometryRecord {
	return &GeometryRecord{
		Paths:    make(map[string]Path),
		Points:   make(map[string]Point),
		Metadata: []string{},
	}
}

// AddLabel appends a metadata label unless it is blank or already present.
func (r *GeometryRecord) AddLabel(label string) {
	if label == "" {
		return
	}
	for _, existing := range r.Metadata {
		if existing == label {
			return
		}
	}
	r.Metadata = append(r.Metadata, label)
}

// PrependLabel puts label first, removing any later duplicate of it.
func (r *GeometryRecord) PrependLabel(label string) {
	out := make([]string, 0, len(r.Metadata)+1)
	out = append(out, label)
	for _, existing := range r.Metadata {
		if existing != label {
			out = append(out, existing)
		}
	}
	r.Metadata = out
}

// Empty reports whether the record carries no geometry.
func (r *GeometryRecord) Empty() bool {
	return len(r.Paths) == 0 && len(r.Points) == 0
}

// Index is the accumulated, persisted map state:
// {"paths": {id: [[lon,lat],...]}, "points": {id: {"coords": [lon,lat], "desc": "..."}}}.
type Index struct {
	Paths  map[string]Path  `json:"paths"`
	Points map[string]Point `json:"points"`
}

// NewIndex returns an empty index.
func NewIndex() *Index {
	return &Index{
		Paths:  make(map[string]Path),
		Points: make(map[string]Point),
	}
}

// Empty reports whether the index has neither paths nor points.
func (x *Index) Empty() bool {
	return x == nil || (len(x.Paths) == 0 && len(x.Points) == 0)
}
