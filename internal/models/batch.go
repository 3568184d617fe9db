package models

import (
	"time"

	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// FileOutcome describes one file of a batch in history and progress reports.
type FileOutcome struct {
	Name  string `json:"name"`
	Size  string `json:"size"`
	Error string `json:"error,omitempty"`
}

// BatchRecord is a persisted summary of a finished batch.
type BatchRecord struct {
	ID           surrealmodels.RecordID `json:"id,omitempty"`
	Status       string                 `json:"status"`
	Folder       string                 `json:"folder"`
	Files        []string               `json:"files"`
	Processed    []FileOutcome          `json:"processed"`
	Failed       []FileOutcome          `json:"failed"`
	Error        *string                `json:"error,omitempty"`
	PersistError *string                `json:"persist_error,omitempty"`
	Persisted    bool                   `json:"persisted"`
	StartedAt    time.Time              `json:"started_at"`
	CompletedAt  *time.Time             `json:"completed_at,omitempty"`
}
