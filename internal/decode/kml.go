package decode

import (
	"archive/zip"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/paulmach/orb"

	"github.com/raphaelgruber/mapnotebook/internal/models"
)

// KML decodes .kml documents and .kmz archives. Placemarks are collected at
// any Document/Folder depth, ignoring XML namespaces.
//
// Point placemarks are labeled "<name> (<description>)", falling back to the
// file name. Line and polygon placemarks get a point only when a synthesized
// "Файл: <document> Название: <placemark>" label is available.
// A document without placemarks yields an empty record.
type KML struct{}

type kmlCoords struct {
	Coordinates string `xml:"coordinates"`
}

type kmlPolygon struct {
	Outer kmlCoords   `xml:"outerBoundaryIs>LinearRing"`
	Inner []kmlCoords `xml:"innerBoundaryIs>LinearRing"`
}

type kmlGeometries struct {
	Point         []kmlCoords     `xml:"Point"`
	LineString    []kmlCoords     `xml:"LineString"`
	LinearRing    []kmlCoords     `xml:"LinearRing"`
	Polygon       []kmlPolygon    `xml:"Polygon"`
	MultiGeometry []kmlGeometries `xml:"MultiGeometry"`
}

type kmlPlacemark struct {
	Name        string `xml:"name"`
	Description string `xml:"description"`
	kmlGeometries
}

// Decode reads the file at path; a .kmz extension selects archive mode.
func (d KML) Decode(p string) (*models.GeometryRecord, error) {
	var (
		r   io.ReadCloser
		err error
	)
	if strings.EqualFold(filepath.Ext(p), ".kmz") {
		r, err = openKMZ(p)
	} else {
		r, err = os.Open(p)
		if err != nil {
			err = newError(KindKML, "failed to read file", err)
		}
	}
	if err != nil {
		return nil, err
	}
	defer r.Close()

	docName, placemarks, err := readPlacemarks(r)
	if err != nil {
		return nil, newError(KindKML, "failed to read file", err)
	}

	name := baseName(p)
	b := newBuilder()
	for _, pm := range placemarks {
		pm.Name = strings.TrimSpace(pm.Name)
		pm.Description = strings.TrimSpace(pm.Description)
		b.label(pm.Name)

		pointLabel := firstNonEmpty(pm.Name, name)
		if pm.Description != "" {
			pointLabel += " (" + pm.Description + ")"
		}

		var parts []string
		if docName != "" {
			parts = append(parts, "Файл: "+docName)
		}
		if pm.Name != "" {
			parts = append(parts, "Название: "+pm.Name)
		}
		shapeLabel := strings.Join(parts, " ")

		addKMLGeometries(b, pm.kmlGeometries, pointLabel, shapeLabel)
	}
	return b.record(), nil
}

// addKMLGeometries adds every geometry of a placemark. Lines and rings need
// at least two vertices.
func addKMLGeometries(b *recordBuilder, g kmlGeometries, pointLabel, shapeLabel string) {
	for _, pt := range g.Point {
		coords := parseCoordinates(pt.Coordinates)
		if len(coords) == 0 {
			continue
		}
		b.add(coords[0], pointLabel, true)
	}
	for _, ls := range g.LineString {
		coords := parseCoordinates(ls.Coordinates)
		if len(coords) < 2 {
			continue
		}
		b.add(orb.LineString(coords), shapeLabel, shapeLabel != "")
	}
	for _, lr := range g.LinearRing {
		coords := parseCoordinates(lr.Coordinates)
		if len(coords) < 2 {
			continue
		}
		b.add(orb.Polygon{orb.Ring(coords)}, shapeLabel, shapeLabel != "")
	}
	for _, poly := range g.Polygon {
		outer := parseCoordinates(poly.Outer.Coordinates)
		if len(outer) < 2 {
			continue
		}
		p := orb.Polygon{orb.Ring(outer)}
		for _, inner := range poly.Inner {
			if ring := parseCoordinates(inner.Coordinates); len(ring) > 0 {
				p = append(p, orb.Ring(ring))
			}
		}
		b.add(p, shapeLabel, shapeLabel != "")
	}
	for _, multi := range g.MultiGeometry {
		addKMLGeometries(b, multi, pointLabel, shapeLabel)
	}
}

// readPlacemarks streams the document, returning the first Document name
// and every Placemark in document order.
func readPlacemarks(r io.Reader) (string, []kmlPlacemark, error) {
	dec := xml.NewDecoder(r)

	var (
		docName    string
		placemarks []kmlPlacemark
		stack      []string
	)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", nil, err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "Placemark" {
				var pm kmlPlacemark
				if err := dec.DecodeElement(&pm, &t); err != nil {
					return "", nil, err
				}
				placemarks = append(placemarks, pm)
				continue
			}
			if t.Name.Local == "name" && docName == "" && len(stack) > 0 && stack[len(stack)-1] == "Document" {
				var s string
				if err := dec.DecodeElement(&s, &t); err != nil {
					return "", nil, err
				}
				docName = strings.TrimSpace(s)
				continue
			}
			stack = append(stack, t.Name.Local)
		case xml.EndElement:
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}
	return docName, placemarks, nil
}

// parseCoordinates reads whitespace separated "lon,lat[,alt]" tuples,
// skipping malformed ones.
func parseCoordinates(s string) []orb.Point {
	var out []orb.Point
	for _, tuple := range strings.Fields(s) {
		fields := strings.Split(tuple, ",")
		if len(fields) < 2 {
			continue
		}
		lon, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			continue
		}
		lat, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			continue
		}
		out = append(out, orb.Point{lon, lat})
	}
	return out
}

// kmzEntry keeps the archive open until the member reader is closed.
type kmzEntry struct {
	io.ReadCloser
	archive *zip.ReadCloser
}

func (e *kmzEntry) Close() error {
	err := e.ReadCloser.Close()
	if cerr := e.archive.Close(); err == nil {
		err = cerr
	}
	return err
}

// openKMZ opens doc.kml, or the first .kml member, inside a KMZ archive.
func openKMZ(p string) (io.ReadCloser, error) {
	zr, err := zip.OpenReader(p)
	if err != nil {
		return nil, newError(KindKML, "failed to read file", err)
	}

	var member *zip.File
	for _, f := range zr.File {
		if !strings.EqualFold(path.Ext(f.Name), ".kml") {
			continue
		}
		if strings.EqualFold(path.Base(f.Name), "doc.kml") {
			member = f
			break
		}
		if member == nil {
			member = f
		}
	}
	if member == nil {
		zr.Close()
		return nil, newError(KindKML, "KMZ archive contains no KML file", ErrEmpty)
	}

	rc, err := member.Open()
	if err != nil {
		zr.Close()
		return nil, newError(KindKML, "failed to read file", fmt.Errorf("open %s: %w", member.Name, err))
	}
	return &kmzEntry{ReadCloser: rc, archive: zr}, nil
}
