package service

import (
	"context"

	"github.com/raphaelgruber/mapnotebook/internal/models"
)

// HistoryStore persists the summary of finished batches.
type HistoryStore interface {
	SaveBatch(ctx context.Context, id string, rec *models.BatchRecord) error
}

// batchRecord summarizes a terminal session for history.
func batchRecord(s *Session) *models.BatchRecord {
	rec := &models.BatchRecord{
		Status:      string(s.Status),
		Folder:      s.Folder,
		Files:       s.Order,
		Processed:   s.Processed,
		Failed:      s.Failed,
		Persisted:   s.Persisted,
		StartedAt:   s.StartedAt,
		CompletedAt: s.CompletedAt,
	}
	if s.Error != "" {
		msg := s.Error
		rec.Error = &msg
	}
	if s.PersistError != "" {
		msg := s.PersistError
		rec.PersistError = &msg
	}
	return rec
}
