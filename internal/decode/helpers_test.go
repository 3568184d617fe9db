package decode

import (
	"archive/zip"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/mapnotebook/internal/models"
)

// writeFile writes content into a temp dir and returns its path.
func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

// writeZip stores members in a new archive and returns its path.
func writeZip(t *testing.T, name string, members map[string][]byte) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	f, err := os.Create(p)
	require.NoError(t, err)

	zw := zip.NewWriter(f)
	names := make([]string, 0, len(members))
	for n := range members {
		names = append(names, n)
	}
	slices.Sort(names)
	for _, n := range names {
		w, err := zw.Create(n)
		require.NoError(t, err)
		_, err = w.Write(members[n])
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
	return p
}

// sortedPaths returns path values without their random ids.
func sortedPaths(rec *models.GeometryRecord) []string {
	out := make([]string, 0, len(rec.Paths))
	for _, p := range rec.Paths {
		out = append(out, fmt.Sprint(p))
	}
	slices.Sort(out)
	return out
}

// sortedPoints returns point values without their random ids.
func sortedPoints(rec *models.GeometryRecord) []string {
	out := make([]string, 0, len(rec.Points))
	for _, p := range rec.Points {
		out = append(out, fmt.Sprint(p.Coords, "|", p.Desc))
	}
	slices.Sort(out)
	return out
}

// onlyPoint returns the single point of rec.
func onlyPoint(t *testing.T, rec *models.GeometryRecord) models.Point {
	t.Helper()
	require.Len(t, rec.Points, 1)
	for _, p := range rec.Points {
		return p
	}
	return models.Point{}
}

// requireDecodeError asserts err is a DecodeError of the given kind.
func requireDecodeError(t *testing.T, err error, kind Kind) *DecodeError {
	t.Helper()
	require.Error(t, err)
	var de *DecodeError
	require.True(t, errors.As(err, &de), "expected DecodeError, got %T", err)
	require.Equal(t, kind, de.Kind)
	return de
}
