// Package index merges decoder output into the accumulated map index and
// reads and writes its persisted JSON form.
package index

import (
	"maps"

	"github.com/raphaelgruber/mapnotebook/internal/models"
)

// Policy decides which entry survives an id collision.
type Policy int

const (
	// LastWriteWins lets the incoming entry replace the existing one.
	// Used inside a batch, where later files supersede earlier ones.
	LastWriteWins Policy = iota
	// FirstWriteWins keeps the existing entry. Used when a batch is merged
	// into previously persisted state so curated entries are never clobbered.
	FirstWriteWins
)

func (p Policy) String() string {
	if p == FirstWriteWins {
		return "first-write-wins"
	}
	return "last-write-wins"
}

// Merge returns the key-wise union of base and incoming, applied to paths
// and points independently. Neither operand is modified; nil operands are
// treated as empty.
func Merge(base, incoming *models.Index, policy Policy) *models.Index {
	out := clone(base)
	if incoming == nil {
		return out
	}
	mergeInto(out.Paths, incoming.Paths, policy)
	mergeInto(out.Points, incoming.Points, policy)
	return out
}

// FromRecord views a decoder record as an index, dropping its metadata.
func FromRecord(rec *models.GeometryRecord) *models.Index {
	if rec == nil {
		return models.NewIndex()
	}
	return &models.Index{Paths: rec.Paths, Points: rec.Points}
}

func mergeInto[V any](dst, src map[string]V, policy Policy) {
	for id, v := range src {
		if _, exists := dst[id]; exists && policy == FirstWriteWins {
			continue
		}
		dst[id] = v
	}
}

func clone(x *models.Index) *models.Index {
	out := models.NewIndex()
	if x == nil {
		return out
	}
	maps.Copy(out.Paths, x.Paths)
	maps.Copy(out.Points, x.Points)
	return out
}
