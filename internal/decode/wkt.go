package decode

import (
	"bufio"
	"context"
	"os"
	"regexp"
	"strings"

	"github.com/paulmach/orb/encoding/wkt"

	"github.com/raphaelgruber/mapnotebook/internal/models"
)

// maxWKTLine bounds a single geometry line; large polygons are one line each.
const maxWKTLine = 64 * 1024 * 1024

// WKT decodes a file holding one geometry per line. Blank lines and lines
// starting with '#' are skipped, unparsable lines are logged and skipped.
// A file that yields no geometry at all fails with "geometry not valid".
type WKT struct{}

// collectionSpacing matches blanks around the delimiters of a WKT text.
var collectionSpacing = regexp.MustCompile(`\s*([(),])\s*`)

// Decode reads the file at path.
func (d WKT) Decode(path string) (*models.GeometryRecord, error) {
	return d.DecodeContext(context.Background(), path)
}

// DecodeContext reads the file at path, logging skipped lines to the
// logger carried by ctx.
func (WKT) DecodeContext(ctx context.Context, path string) (*models.GeometryRecord, error) {
	log := LoggerFrom(ctx)
	f, err := os.Open(path)
	if err != nil {
		return nil, newError(KindWKT, "failed to read file", err)
	}
	defer f.Close()

	name := baseName(path)
	b := newBuilder()
	paths := 0

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxWKTLine)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		g, err := wkt.Unmarshal(normalizeWKT(line))
		if err != nil {
			log.Warn("skipping invalid WKT line", "file", name, "line", lineNo, "error", err)
			continue
		}
		paths += b.add(g, name, true)
	}
	if err := scanner.Err(); err != nil {
		return nil, newError(KindWKT, "failed to read file", err)
	}

	if paths == 0 {
		return nil, newError(KindWKT, "geometry not valid", ErrEmpty)
	}
	return b.record(), nil
}

// normalizeWKT removes blanks around the parentheses and commas of a
// GEOMETRYCOLLECTION, whose members orb only splits in the compact form.
func normalizeWKT(line string) string {
	if len(line) < 18 || !strings.EqualFold(line[:18], "GEOMETRYCOLLECTION") {
		return line
	}
	return collectionSpacing.ReplaceAllString(line, "$1")
}
