package decode

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWKTDecode(t *testing.T) {
	content := "POINT (30 10)\n" +
		"\n" +
		"# comment\n" +
		"THIS IS NOT WKT\n" +
		"LINESTRING (30 10, 10 30, 40 40)\n"

	rec, err := WKT{}.Decode(writeFile(t, "shapes.wkt", content))
	require.NoError(t, err)

	assert.Len(t, rec.Paths, 2)
	assert.Len(t, rec.Points, 2)
	assert.Empty(t, rec.Metadata)
	for _, p := range rec.Points {
		assert.Equal(t, "shapes.wkt", p.Desc)
	}
	assert.Equal(t, []string{
		"[30 10]|shapes.wkt",
		"[30 10]|shapes.wkt",
	}, sortedPoints(rec), "line anchors at its first vertex")
}

func TestWKTDecodeGeometryTypes(t *testing.T) {
	tests := []struct {
		name       string
		line       string
		wantPaths  int
		wantPoints int
	}{
		{"polygon with hole", "POLYGON ((0 0, 10 0, 10 10, 0 10, 0 0), (2 2, 3 2, 3 3, 2 3, 2 2))", 2, 1},
		{"multipoint", "MULTIPOINT ((1 2), (3 4), (5 6))", 3, 3},
		{"multilinestring", "MULTILINESTRING ((0 0, 1 1), (2 2, 3 3))", 2, 2},
		{"collection", "GEOMETRYCOLLECTION (POINT (1 1), LINESTRING (0 0, 2 2))", 2, 2},
		{"compact collection", "GEOMETRYCOLLECTION(POINT(1 1),LINESTRING(0 0,2 2))", 2, 2},
		{"collection with polygon", "geometrycollection ( POLYGON ((0 0, 4 0, 4 4, 0 0)) ,  POINT ( 7 7 ) )", 2, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := WKT{}.Decode(writeFile(t, "one.wkt", tt.line+"\n"))
			require.NoError(t, err)
			assert.Len(t, rec.Paths, tt.wantPaths)
			assert.Len(t, rec.Points, tt.wantPoints)
		})
	}
}

func TestWKTDecodeLogsSkippedLines(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), slog.New(slog.NewTextHandler(&buf, nil)))

	path := writeFile(t, "mixed.wkt", "POINT (1 2)\nNOT WKT\n")
	rec, err := WKT{}.DecodeContext(ctx, path)
	require.NoError(t, err)
	assert.Len(t, rec.Points, 1)

	assert.Contains(t, buf.String(), `msg="skipping invalid WKT line"`)
	assert.Contains(t, buf.String(), "line=2")
}

func TestNormalizeWKT(t *testing.T) {
	assert.Equal(t, "GEOMETRYCOLLECTION(POINT(1 1),LINESTRING(0 0,2 2))",
		normalizeWKT("GEOMETRYCOLLECTION (POINT (1 1), LINESTRING (0 0, 2 2))"))
	assert.Equal(t, "POINT (1 1)", normalizeWKT("POINT (1 1)"))
}

func TestWKTDecodeEmpty(t *testing.T) {
	for name, content := range map[string]string{
		"empty file":   "",
		"only invalid": "garbage\nmore garbage\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := WKT{}.Decode(writeFile(t, "empty.wkt", content))
			de := requireDecodeError(t, err, KindWKT)
			assert.True(t, errors.Is(err, ErrEmpty))
			assert.Equal(t, "geometry not valid", de.Error())
		})
	}
}
