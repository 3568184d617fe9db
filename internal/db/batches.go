package db

import (
	"context"
	"fmt"

	"github.com/surrealdb/surrealdb.go"

	"github.com/raphaelgruber/mapnotebook/internal/models"
)

// DefaultListLimit bounds ListBatches when no limit is given.
const DefaultListLimit = 50

// SaveBatch upserts the summary of batch id.
func (c *Client) SaveBatch(ctx context.Context, id string, rec *models.BatchRecord) error {
	_, err := surrealdb.Query[any](ctx, c.db, `
		UPSERT type::record("batch", $id) SET
			status = $status,
			folder = $folder,
			files = $files,
			processed = $processed,
			failed = $failed,
			error = $error,
			persist_error = $persist_error,
			persisted = $persisted,
			started_at = $started_at,
			completed_at = $completed_at
		RETURN NONE
	`, map[string]any{
		"id":            id,
		"status":        rec.Status,
		"folder":        rec.Folder,
		"files":         nonNil(rec.Files),
		"processed":     outcomes(rec.Processed),
		"failed":        outcomes(rec.Failed),
		"error":         rec.Error,
		"persist_error": rec.PersistError,
		"persisted":     rec.Persisted,
		"started_at":    rec.StartedAt,
		"completed_at":  rec.CompletedAt,
	})
	if err != nil {
		return fmt.Errorf("save batch: %w", wrapQueryError(err))
	}
	return nil
}

// GetBatch returns batch id or ErrNotFound.
func (c *Client) GetBatch(ctx context.Context, id string) (*models.BatchRecord, error) {
	results, err := surrealdb.Query[[]models.BatchRecord](ctx, c.db, `
		SELECT * FROM type::record("batch", $id)
	`, map[string]any{"id": id})
	if err != nil {
		return nil, fmt.Errorf("get batch: %w", err)
	}

	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, ErrNotFound
	}
	return &(*results)[0].Result[0], nil
}

// ListBatches returns the most recently started batches first.
func (c *Client) ListBatches(ctx context.Context, limit int) ([]models.BatchRecord, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	results, err := surrealdb.Query[[]models.BatchRecord](ctx, c.db, `
		SELECT * FROM batch ORDER BY started_at DESC LIMIT $limit
	`, map[string]any{"limit": limit})
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}

	if results == nil || len(*results) == 0 {
		return []models.BatchRecord{}, nil
	}
	return (*results)[0].Result, nil
}

// outcomes converts file outcomes to plain maps for the CBOR encoder.
func outcomes(in []models.FileOutcome) []map[string]any {
	out := make([]map[string]any, 0, len(in))
	for _, o := range in {
		m := map[string]any{"name": o.Name, "size": o.Size}
		if o.Error != "" {
			m["error"] = o.Error
		}
		out = append(out, m)
	}
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
