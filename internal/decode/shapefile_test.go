package decode

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jonas-p/go-shp"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/mapnotebook/internal/models"
)

const wgs84PRJ = `GEOGCS["GCS_WGS_1984",DATUM["D_WGS_1984",SPHEROID["WGS_1984",6378137,298.257223563]],PRIMEM["Greenwich",0],UNIT["Degree",0.017453292519943295]]`

type shpRow struct {
	point shp.Point
	attrs []string
}

// buildShapefileZip writes a point shapefile and packs it with an optional .prj.
func buildShapefileZip(t *testing.T, fields []string, rows []shpRow, withPRJ bool) string {
	t.Helper()
	dir := t.TempDir()
	base := filepath.Join(dir, "reserves")

	w, err := shp.Create(base+".shp", shp.POINT)
	require.NoError(t, err)

	shpFields := make([]shp.Field, len(fields))
	for i, f := range fields {
		shpFields[i] = shp.StringField(f, 80)
	}
	require.NoError(t, w.SetFields(shpFields))

	for _, row := range rows {
		pt := row.point
		n := int(w.Write(&pt))
		for i, v := range row.attrs {
			require.NoError(t, w.WriteAttribute(n, i, v))
		}
	}
	w.Close()
	// go-shp names the attribute file without the dot.
	require.NoError(t, os.Rename(base+"dbf", base+".dbf"))

	members := map[string][]byte{}
	for _, ext := range []string{".shp", ".shx", ".dbf"} {
		data, err := os.ReadFile(base + ext)
		require.NoError(t, err)
		members["reserves"+ext] = data
	}
	if withPRJ {
		members["reserves.prj"] = []byte(wgs84PRJ)
	}
	return writeZip(t, "reserves.zip", members)
}

func TestShapefileDecode(t *testing.T) {
	path := buildShapefileZip(t,
		[]string{"CATEGORY_T", "TITLE", "SIG"},
		[]shpRow{{point: shp.Point{X: 37.6, Y: 55.7}, attrs: []string{"Заповедник", "Парк", "federal"}}},
		true,
	)

	rec, err := Shapefile{Labels: LabelShort}.Decode(path)
	require.NoError(t, err)

	assert.Len(t, rec.Paths, 1)
	pt := onlyPoint(t, rec)
	assert.Equal(t, models.Coord{37.6, 55.7}, pt.Coords)
	assert.Equal(t, "Заповедник Парк (федеральный)", pt.Desc)
	assert.Equal(t, []string{"Заповедник Парк"}, rec.Metadata)
}

func TestShapefileDecodeDetailedLabels(t *testing.T) {
	path := buildShapefileZip(t,
		[]string{"nid", "title", "sig"},
		[]shpRow{{point: shp.Point{X: 1, Y: 2}, attrs: []string{"12.0", "Парк", "regional"}}},
		true,
	)

	rec, err := Shapefile{Labels: LabelDetailed}.Decode(path)
	require.NoError(t, err)

	pt := onlyPoint(t, rec)
	assert.True(t, strings.HasPrefix(pt.Desc, detailedHeader))
	assert.Contains(t, pt.Desc, "Идентификатор ООПТ - 12")
	assert.Contains(t, pt.Desc, "Значение - региональный")
	assert.Contains(t, pt.Desc, "Название - Парк")
}

func TestShapefileDecodeFallsBackToFileName(t *testing.T) {
	path := buildShapefileZip(t,
		[]string{"other"},
		[]shpRow{{point: shp.Point{X: 1, Y: 2}, attrs: []string{"x"}}},
		true,
	)

	rec, err := Shapefile{}.Decode(path)
	require.NoError(t, err)
	assert.Equal(t, "reserves.zip", onlyPoint(t, rec).Desc)
	assert.Empty(t, rec.Metadata)
}

func TestShapefileDecodeErrors(t *testing.T) {
	t.Run("missing projection", func(t *testing.T) {
		path := buildShapefileZip(t,
			[]string{"title"},
			[]shpRow{{point: shp.Point{X: 1, Y: 2}, attrs: []string{"a"}}},
			false,
		)
		_, err := Shapefile{}.Decode(path)
		de := requireDecodeError(t, err, KindShapefile)
		assert.Equal(t, "shapefile has no CRS", de.Message)
	})

	t.Run("no features", func(t *testing.T) {
		path := buildShapefileZip(t, []string{"title"}, nil, true)
		_, err := Shapefile{}.Decode(path)
		de := requireDecodeError(t, err, KindShapefile)
		assert.True(t, errors.Is(err, ErrEmpty))
		assert.Equal(t, "shapefile is empty", de.Error())
	})

	t.Run("header only", func(t *testing.T) {
		header := make([]byte, shpHeaderSize)
		path := writeZip(t, "hollow.zip", map[string][]byte{
			"hollow.shp": header,
			"hollow.shx": header,
			"hollow.prj": []byte(wgs84PRJ),
		})
		_, err := Shapefile{}.Decode(path)
		requireDecodeError(t, err, KindShapefile)
		assert.True(t, errors.Is(err, ErrEmpty))
	})

	t.Run("not a zip", func(t *testing.T) {
		_, err := Shapefile{}.Decode(writeFile(t, "bad.zip", "not an archive"))
		de := requireDecodeError(t, err, KindShapefile)
		assert.Equal(t, "failed to read ZIP file", de.Message)
	})
}

func TestShortLabel(t *testing.T) {
	tests := []struct {
		name  string
		attrs map[string]string
		want  string
	}{
		{"full", map[string]string{"category_t": "Заказник", "title": "Лес", "sig": "regional"}, "Заказник Лес (региональный)"},
		{"unknown significance", map[string]string{"title": "Лес", "sig": "local"}, "Лес (local)"},
		{"no significance", map[string]string{"category_t": "Заказник"}, "Заказник"},
		{"nothing", map[string]string{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, shortLabel(tt.attrs))
		})
	}
}

func TestDetailedLabelWithoutAttributes(t *testing.T) {
	assert.Empty(t, detailedLabel(map[string]string{"unrelated": "x"}))
}

func TestPolygonsGroupsHolesByOrientation(t *testing.T) {
	// Shapefile rings: clockwise exterior followed by a counter-clockwise hole.
	pts := []shp.Point{
		{X: 0, Y: 0}, {X: 0, Y: 10}, {X: 10, Y: 10}, {X: 10, Y: 0}, {X: 0, Y: 0},
		{X: 2, Y: 2}, {X: 3, Y: 2}, {X: 3, Y: 3}, {X: 2, Y: 3}, {X: 2, Y: 2},
		{X: 20, Y: 20}, {X: 20, Y: 30}, {X: 30, Y: 30}, {X: 30, Y: 20}, {X: 20, Y: 20},
	}
	g := polygons([]int32{0, 5, 10}, pts)

	mp, ok := g.(orb.MultiPolygon)
	require.True(t, ok, "got %T", g)
	require.Len(t, mp, 2)
	assert.Len(t, mp[0], 2)
	assert.Len(t, mp[1], 1)
}
