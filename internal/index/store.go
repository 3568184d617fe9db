package index

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/raphaelgruber/mapnotebook/internal/models"
)

// FileName is the name of the index document in every date folder.
const FileName = "index.json"

// ValidationError reports a structurally malformed index document. The
// document is replaced (in whole or in part) by empty collections.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid index: " + e.Reason
}

// Parse decodes an index document through the validation gate. Empty input
// is an empty index. A document that is not an object yields an empty index;
// a paths or points member that is missing or not an object is replaced by
// an empty one; entries that do not decode are dropped. In all those cases
// the usable index is returned together with a *ValidationError.
func Parse(data []byte) (*models.Index, error) {
	out := models.NewIndex()
	if len(bytes.TrimSpace(data)) == 0 {
		return out, nil
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return out, &ValidationError{Reason: "document is not a JSON object: " + err.Error()}
	}

	var problems []string
	if dropped, err := decodeMember(doc["paths"], out.Paths); err != nil {
		problems = append(problems, "paths "+err.Error())
	} else if dropped > 0 {
		problems = append(problems, fmt.Sprintf("dropped %d malformed paths", dropped))
	}
	if dropped, err := decodeMember(doc["points"], out.Points); err != nil {
		problems = append(problems, "points "+err.Error())
	} else if dropped > 0 {
		problems = append(problems, fmt.Sprintf("dropped %d malformed points", dropped))
	}

	if len(problems) > 0 {
		return out, &ValidationError{Reason: strings.Join(problems, "; ")}
	}
	return out, nil
}

// decodeMember fills dst from a JSON object of entries, skipping entries
// that do not decode. It fails when raw is absent or not an object.
func decodeMember[V any](raw json.RawMessage, dst map[string]V) (int, error) {
	if len(raw) == 0 {
		return 0, errors.New("member is missing")
	}
	var entries map[string]json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil || entries == nil {
		return 0, errors.New("member is not an object")
	}

	dropped := 0
	for id, e := range entries {
		var v V
		if err := json.Unmarshal(e, &v); err != nil {
			dropped++
			continue
		}
		dst[id] = v
	}
	return dropped, nil
}

// Marshal renders an index the way it is persisted: indented, with
// non-ASCII text kept verbatim.
func Marshal(x *models.Index) ([]byte, error) {
	if x == nil {
		x = models.NewIndex()
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(x); err != nil {
		return nil, fmt.Errorf("encode index: %w", err)
	}
	return buf.Bytes(), nil
}

// Load reads the index at path. A missing file is an empty index. Malformed
// content passes through the validation gate of Parse.
func Load(path string) (*models.Index, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return models.NewIndex(), nil
	}
	if err != nil {
		return models.NewIndex(), fmt.Errorf("read index: %w", err)
	}
	return Parse(data)
}

// Save writes the index to path atomically, creating parent directories.
func Save(path string, x *models.Index) ([]byte, error) {
	data, err := Marshal(x)
	if err != nil {
		return nil, err
	}
	if err := WriteFile(path, data); err != nil {
		return nil, err
	}
	return data, nil
}

// WriteFile stores raw index bytes at path via a temp file and rename.
func WriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".index-*.json")
	if err != nil {
		return fmt.Errorf("create temp index: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write index: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close index: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace index: %w", err)
	}
	return nil
}
