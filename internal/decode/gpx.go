package decode

import (
	"strings"

	"github.com/paulmach/orb"
	"github.com/tkrajina/gpxgo/gpx"

	"github.com/raphaelgruber/mapnotebook/internal/models"
)

// GPX decodes tracks, routes and waypoints. A file without any of them
// yields an empty record rather than an error.
type GPX struct{}

// Decode parses the file at path.
func (GPX) Decode(path string) (*models.GeometryRecord, error) {
	doc, err := gpx.ParseFile(path)
	if err != nil {
		return nil, newError(KindGPX, "failed to read file", err)
	}

	name := baseName(path)
	b := newBuilder()

	for _, trk := range doc.Tracks {
		title := firstNonEmpty(trk.Name, doc.Name)
		b.label(title)
		for _, seg := range trk.Segments {
			addLine(b, seg.Points, firstNonEmpty(title, name))
		}
	}

	for _, rte := range doc.Routes {
		title := firstNonEmpty(rte.Name, doc.Name)
		b.label(title)
		addLine(b, rte.Points, firstNonEmpty(title, name))
	}

	for _, wpt := range doc.Waypoints {
		desc := firstNonEmpty(strings.TrimSpace(wpt.Name), name)
		if d := strings.TrimSpace(wpt.Description); d != "" {
			desc += " (" + d + ")"
		}
		b.add(orb.Point{wpt.Longitude, wpt.Latitude}, desc, true)
	}

	return b.record(), nil
}

func addLine(b *recordBuilder, pts []gpx.GPXPoint, desc string) {
	if len(pts) == 0 {
		return
	}
	ls := make(orb.LineString, len(pts))
	for i, p := range pts {
		ls[i] = orb.Point{p.Longitude, p.Latitude}
	}
	b.add(ls, desc, true)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
