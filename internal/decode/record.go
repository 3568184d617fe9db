// Package decode converts uploaded geospatial files into GeometryRecords.
//
// Every decoder routes its geometry through geom.Flatten; only label
// construction differs between formats.
package decode

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/paulmach/orb"

	"github.com/raphaelgruber/mapnotebook/internal/geom"
	"github.com/raphaelgruber/mapnotebook/internal/models"
)

// Decoder converts one source file into a GeometryRecord.
type Decoder interface {
	Decode(path string) (*models.GeometryRecord, error)
}

// ContextDecoder is a Decoder that reports through the logger in ctx.
type ContextDecoder interface {
	DecodeContext(ctx context.Context, path string) (*models.GeometryRecord, error)
}

// recordBuilder accumulates flattened geometry into a record.
type recordBuilder struct {
	rec *models.GeometryRecord
}

func newBuilder() *recordBuilder {
	return &recordBuilder{rec: models.NewGeometryRecord()}
}

// add flattens g into the record. Each anchored part gets a point that
// reuses the path id. When withPoints is false only paths are emitted.
func (b *recordBuilder) add(g orb.Geometry, desc string, withPoints bool) int {
	parts := geom.Flatten(g)
	for _, part := range parts {
		id := uuid.NewString()
		b.rec.Paths[id] = part.Path
		if withPoints && part.Anchor != nil {
			b.rec.Points[id] = models.Point{Coords: *part.Anchor, Desc: desc}
		}
	}
	return len(parts)
}

func (b *recordBuilder) label(s string) {
	b.rec.AddLabel(s)
}

func (b *recordBuilder) record() *models.GeometryRecord {
	return b.rec
}

// baseName returns the file name used as a fallback label.
func baseName(path string) string {
	return filepath.Base(path)
}

// joinLabel joins the non-blank parts with single spaces.
func joinLabel(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, " ")
}

// translateSig renders the protected-area significance in Russian.
func translateSig(sig string) string {
	switch sig {
	case "regional":
		return "региональный"
	case "federal":
		return "федеральный"
	default:
		return sig
	}
}

// propString renders a decoded JSON property as display text.
func propString(props map[string]any, key string) string {
	v, ok := props[key]
	if !ok || v == nil {
		return ""
	}
	switch v := v.(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}
