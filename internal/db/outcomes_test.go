package db

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/surrealdb/surrealdb.go"

	"github.com/raphaelgruber/mapnotebook/internal/models"
)

func TestOutcomes(t *testing.T) {
	got := outcomes([]models.FileOutcome{
		{Name: "a.gpx", Size: "1.0 KB"},
		{Name: "b.kml", Size: "2.0 B", Error: "broken"},
	})
	assert.Equal(t, []map[string]any{
		{"name": "a.gpx", "size": "1.0 KB"},
		{"name": "b.kml", "size": "2.0 B", "error": "broken"},
	}, got)
	assert.Empty(t, outcomes(nil))
	assert.NotNil(t, outcomes(nil))
}

func TestWrapQueryError(t *testing.T) {
	assert.NoError(t, wrapQueryError(nil))

	conflict := &surrealdb.QueryError{Message: "Transaction conflict: resource busy"}
	assert.ErrorIs(t, wrapQueryError(conflict), ErrTransactionConflict)

	other := errors.New("socket closed")
	assert.Equal(t, other, wrapQueryError(other))
}
