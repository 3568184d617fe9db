package index

import (
	"sync"

	"github.com/raphaelgruber/mapnotebook/internal/models"
)

// Accumulator collects the records of one batch. Records merge with
// LastWriteWins; metadata labels are kept in first-seen order without
// duplicates. It is safe for concurrent use.
type Accumulator struct {
	mu     sync.Mutex
	index  *models.Index
	labels []string
	seen   map[string]struct{}
	files  int
}

// NewAccumulator returns an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{
		index: models.NewIndex(),
		seen:  make(map[string]struct{}),
	}
}

// Add merges rec into the batch result.
func (a *Accumulator) Add(rec *models.GeometryRecord) {
	if rec == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	mergeInto(a.index.Paths, rec.Paths, LastWriteWins)
	mergeInto(a.index.Points, rec.Points, LastWriteWins)
	for _, l := range rec.Metadata {
		if _, ok := a.seen[l]; ok || l == "" {
			continue
		}
		a.seen[l] = struct{}{}
		a.labels = append(a.labels, l)
	}
	a.files++
}

// Index returns a copy of the accumulated paths and points.
func (a *Accumulator) Index() *models.Index {
	a.mu.Lock()
	defer a.mu.Unlock()
	return clone(a.index)
}

// Labels returns the collected metadata labels.
func (a *Accumulator) Labels() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.labels...)
}

// Files returns how many records were added.
func (a *Accumulator) Files() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.files
}
