package decode

import (
	"archive/zip"
	"errors"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/paulmach/orb"

	"github.com/raphaelgruber/mapnotebook/internal/models"
)

// LabelStyle selects how Shapefile point labels are built.
type LabelStyle string

const (
	// LabelShort renders "<category> <title> (<significance>)".
	LabelShort LabelStyle = "short"
	// LabelDetailed renders one "<field> - <value>" line per known attribute.
	LabelDetailed LabelStyle = "detailed"
)

const detailedHeader = "Особо охраняемые природные территории России\n"

// detailedFields lists the attributes of the detailed label in display order.
var detailedFields = []struct {
	field string
	label string
}{
	{"nid", "Идентификатор ООПТ"},
	{"status_tit", "Статус"},
	{"sig", "Значение"},
	{"category_t", "Категория"},
	{"title", "Название"},
}

// Shapefile decodes a ZIP archive holding one shapefile (.shp, .shx, .dbf, .prj).
type Shapefile struct {
	Labels LabelStyle
}

// Decode reads the archive at path.
func (d Shapefile) Decode(path string) (*models.GeometryRecord, error) {
	if err := inspectArchive(path); err != nil {
		return nil, err
	}

	zr, err := shp.OpenZip(path)
	if err != nil {
		return nil, newError(KindShapefile, "failed to read ZIP file", err)
	}
	defer zr.Close()

	fields := zr.Fields()
	name := baseName(path)
	b := newBuilder()
	features := 0

	for zr.Next() {
		_, shape := zr.Shape()
		features++

		attrs := make(map[string]string, len(fields))
		for i, f := range fields {
			attrs[strings.ToLower(f.String())] = cleanAttribute(zr.Attribute(i))
		}

		g := shapeGeometry(shape)
		if g == nil {
			continue
		}

		b.label(joinLabel(attrs["category_t"], attrs["title"]))
		desc := d.label(attrs)
		if desc == "" {
			desc = name
		}
		b.add(g, desc, true)
	}
	if err := zr.Err(); err != nil {
		return nil, newError(KindShapefile, "failed to read ZIP file", err)
	}
	if features == 0 {
		return nil, newError(KindShapefile, "shapefile is empty", ErrEmpty)
	}

	return b.record(), nil
}

func (d Shapefile) label(attrs map[string]string) string {
	if d.Labels == LabelDetailed {
		return detailedLabel(attrs)
	}
	return shortLabel(attrs)
}

// shortLabel renders category and title with the significance in parentheses.
func shortLabel(attrs map[string]string) string {
	label := joinLabel(attrs["category_t"], attrs["title"])
	if sig := attrs["sig"]; sig != "" {
		label = strings.TrimSpace(label + " (" + translateSig(sig) + ")")
	}
	return label
}

// detailedLabel renders one line per present attribute under a fixed header.
func detailedLabel(attrs map[string]string) string {
	lines := []string{detailedHeader}
	for _, f := range detailedFields {
		val := attrs[f.field]
		if val == "" {
			continue
		}
		switch f.field {
		case "nid":
			if n, err := strconv.ParseFloat(val, 64); err == nil {
				val = strconv.FormatInt(int64(n), 10)
			}
		case "sig":
			val = translateSig(val)
		}
		lines = append(lines, f.label+" - "+val)
	}
	if len(lines) == 1 {
		return ""
	}
	return strings.Join(lines, "\n")
}

// cleanAttribute strips the blank and NUL padding of DBF values.
func cleanAttribute(v string) string {
	return strings.TrimSpace(strings.Trim(v, "\x00"))
}

// shpHeaderSize is the fixed length of the main file header.
const shpHeaderSize = 100

// inspectArchive fails when the archive carries no .prj member, or when its
// .shp member holds nothing past the header.
func inspectArchive(path string) error {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return newError(KindShapefile, "failed to read ZIP file", err)
	}
	defer zr.Close()

	hasPRJ, empty := false, false
	for _, f := range zr.File {
		switch strings.ToLower(filepath.Ext(f.Name)) {
		case ".prj":
			hasPRJ = true
		case ".shp":
			empty = f.UncompressedSize64 <= shpHeaderSize
		}
	}
	if !hasPRJ {
		return newError(KindShapefile, "shapefile has no CRS", errors.New("missing .prj member"))
	}
	if empty {
		return newError(KindShapefile, "shapefile is empty", ErrEmpty)
	}
	return nil
}

// shapeGeometry converts a shapefile record. Null shapes yield nil.
func shapeGeometry(s shp.Shape) orb.Geometry {
	switch s := s.(type) {
	case *shp.Point:
		return orb.Point{s.X, s.Y}
	case *shp.PointZ:
		return orb.Point{s.X, s.Y}
	case *shp.PointM:
		return orb.Point{s.X, s.Y}
	case *shp.MultiPoint:
		return multiPoint(s.Points)
	case *shp.MultiPointZ:
		return multiPoint(s.Points)
	case *shp.MultiPointM:
		return multiPoint(s.Points)
	case *shp.PolyLine:
		return lines(s.Parts, s.Points)
	case *shp.PolyLineZ:
		return lines(s.Parts, s.Points)
	case *shp.PolyLineM:
		return lines(s.Parts, s.Points)
	case *shp.Polygon:
		return polygons(s.Parts, s.Points)
	case *shp.PolygonZ:
		return polygons(s.Parts, s.Points)
	case *shp.PolygonM:
		return polygons(s.Parts, s.Points)
	default:
		return nil
	}
}

func multiPoint(pts []shp.Point) orb.Geometry {
	mp := make(orb.MultiPoint, len(pts))
	for i, p := range pts {
		mp[i] = orb.Point{p.X, p.Y}
	}
	return mp
}

// splitParts cuts the flat point array at the part offsets.
func splitParts(parts []int32, pts []shp.Point) []orb.LineString {
	out := make([]orb.LineString, 0, len(parts))
	for i, start := range parts {
		end := int32(len(pts))
		if i+1 < len(parts) {
			end = parts[i+1]
		}
		if start < 0 || start > end || int(end) > len(pts) {
			continue
		}
		ls := make(orb.LineString, 0, end-start)
		for _, p := range pts[start:end] {
			ls = append(ls, orb.Point{p.X, p.Y})
		}
		out = append(out, ls)
	}
	return out
}

func lines(parts []int32, pts []shp.Point) orb.Geometry {
	split := splitParts(parts, pts)
	if len(split) == 1 {
		return split[0]
	}
	return orb.MultiLineString(split)
}

// polygons groups rings: clockwise rings open a new polygon, counter-clockwise
// rings are holes of the polygon before them.
func polygons(parts []int32, pts []shp.Point) orb.Geometry {
	var mp orb.MultiPolygon
	for _, ls := range splitParts(parts, pts) {
		ring := orb.Ring(ls)
		if ring.Orientation() == orb.CCW && len(mp) > 0 {
			last := len(mp) - 1
			mp[last] = append(mp[last], ring)
			continue
		}
		mp = append(mp, orb.Polygon{ring})
	}
	if len(mp) == 1 {
		return mp[0]
	}
	return mp
}
