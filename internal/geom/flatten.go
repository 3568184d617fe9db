// Package geom reduces arbitrary vector geometry to flat coordinate paths
// and representative anchor points.
package geom

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"

	"github.com/raphaelgruber/mapnotebook/internal/models"
)

// Part is one emitted path plus its optional representative point.
// Anchor is nil for polygon holes.
type Part struct {
	Path   models.Path
	Anchor *models.Coord
}

// Flatten decomposes g into parts:
//
//	Point            one single-vertex path, anchored at the point
//	MultiPoint       one such part per member
//	LineString       the full line, anchored at its first coordinate
//	MultiLineString  one part per member line
//	Polygon          exterior ring anchored at its centroid, one unanchored path per hole
//	MultiPolygon     the Polygon rule per member
//	Collection       members flattened in order
//
// Empty members produce nothing.
func Flatten(g orb.Geometry) []Part {
	var parts []Part
	flatten(g, &parts)
	return parts
}

func flatten(g orb.Geometry, parts *[]Part) {
	switch g := g.(type) {
	case nil:
		return
	case orb.Point:
		c := toCoord(g)
		*parts = append(*parts, Part{Path: models.Path{c}, Anchor: &c})
	case orb.MultiPoint:
		for _, p := range g {
			flatten(p, parts)
		}
	case orb.LineString:
		if len(g) == 0 {
			return
		}
		path := toPath(g)
		first := path[0]
		*parts = append(*parts, Part{Path: path, Anchor: &first})
	case orb.MultiLineString:
		for _, ls := range g {
			flatten(ls, parts)
		}
	case orb.Ring:
		flatten(orb.Polygon{g}, parts)
	case orb.Polygon:
		if len(g) == 0 || len(g[0]) == 0 {
			return
		}
		anchor := toCoord(RingCentroid(g[0]))
		*parts = append(*parts, Part{Path: toPath(g[0]), Anchor: &anchor})
		for _, hole := range g[1:] {
			if len(hole) == 0 {
				continue
			}
			*parts = append(*parts, Part{Path: toPath(hole)})
		}
	case orb.MultiPolygon:
		for _, p := range g {
			flatten(p, parts)
		}
	case orb.Collection:
		for _, member := range g {
			flatten(member, parts)
		}
	case orb.Bound:
		flatten(g.ToPolygon(), parts)
	}
}

// RingCentroid returns the area centroid of the polygon bounded by r.
// Rings with fewer than three coordinates, or with zero area, fall back to
// their first coordinate. An unclosed ring is treated as closed.
func RingCentroid(r orb.Ring) orb.Point {
	if len(r) == 0 {
		return orb.Point{}
	}
	if len(r) < 3 {
		return r[0]
	}

	ring := r
	if !ring.Closed() {
		ring = append(append(orb.Ring{}, r...), r[0])
	}

	centroid, area := planar.CentroidArea(orb.Polygon{ring})
	if area == 0 {
		return r[0]
	}
	return centroid
}

func toCoord(p orb.Point) models.Coord {
	return models.Coord{p[0], p[1]}
}

func toPath[T ~[]orb.Point](pts T) models.Path {
	path := make(models.Path, len(pts))
	for i, p := range pts {
		path[i] = toCoord(p)
	}
	return path
}
