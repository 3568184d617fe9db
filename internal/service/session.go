// Package service runs upload batches: it decodes files, merges them into the
// remote index and reports progress through a SessionStore.
package service

import (
	"context"
	"errors"
	"math"
	"slices"
	"time"

	"github.com/raphaelgruber/mapnotebook/internal/models"
)

// Status is the coarse state of a session.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
	// StatusWaiting is only reported to clients that connect before the
	// session exists; it is never stored.
	StatusWaiting Status = "waiting"
)

// Terminal reports whether no further updates will follow.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Stage is the step a batch is currently in.
type Stage string

const (
	StageQueued        Stage = "queued"
	StageInitializing  Stage = "initializing"
	StageCheckFolder   Stage = "checking-remote-folder"
	StageDownloadIndex Stage = "downloading-existing-index"
	StageLoadState     Stage = "loading-local-state"
	StageProcessFile   Stage = "processing-file"
	StageSaving        Stage = "saving-merged-index"
	StageUploading     Stage = "uploading-index"
	StageCompleted     Stage = "completed"
	StageError         Stage = "error"
)

// setupSteps and persistSteps frame the per-file steps: total = 3 + N + 2.
const (
	setupSteps   = 3
	persistSteps = 2
)

// FileStatus is the per-file progress state.
type FileStatus string

const (
	FilePending    FileStatus = "pending"
	FileProcessing FileStatus = "processing"
	FileCompleted  FileStatus = "completed"
	FileFailed     FileStatus = "failed"
)

// maxLogEntries bounds the log kept in a session; older entries are dropped.
const maxLogEntries = 500

// LogEntry is one user-visible log line of a batch.
type LogEntry struct {
	Seq     int64  `json:"seq"`
	Time    string `json:"time"`
	Level   string `json:"level"`
	Message string `json:"message"`
}

// Session is the progress record of one batch.
type Session struct {
	ID           string                `json:"id"`
	Status       Status                `json:"status"`
	Stage        Stage                 `json:"current_stage"`
	Current      int                   `json:"current"`
	Total        int                   `json:"total"`
	Percentage   int                   `json:"percentage"`
	CurrentFile  string                `json:"current_file,omitempty"`
	Files        map[string]FileStatus `json:"files"`
	Order        []string              `json:"order"`
	Processed    []models.FileOutcome  `json:"processed"`
	Failed       []models.FileOutcome  `json:"failed"`
	Metadata     []string              `json:"metadata"`
	Folder       string                `json:"folder,omitempty"`
	Error        string                `json:"error,omitempty"`
	PersistError string                `json:"persist_error,omitempty"`
	Persisted    bool                  `json:"persisted"`
	Logs         []LogEntry            `json:"logs,omitempty"`
	StartedAt    time.Time             `json:"started_at"`
	UpdatedAt    time.Time             `json:"updated_at"`
	CompletedAt  *time.Time            `json:"completed_at,omitempty"`
}

// NewSession creates a queued session for the named inputs.
func NewSession(id string, names []string, now time.Time) *Session {
	s := &Session{
		ID:        id,
		Status:    StatusProcessing,
		Stage:     StageQueued,
		Total:     setupSteps + len(names) + persistSteps,
		Files:     make(map[string]FileStatus, len(names)),
		Order:     slices.Clone(names),
		Processed: []models.FileOutcome{},
		Failed:    []models.FileOutcome{},
		Metadata:  []string{},
		StartedAt: now,
		UpdatedAt: now,
	}
	for _, n := range names {
		s.Files[n] = FilePending
	}
	return s
}

// WaitingSession is the placeholder reported for an id that does not exist yet.
func WaitingSession(id string) *Session {
	return &Session{ID: id, Status: StatusWaiting, Files: map[string]FileStatus{}}
}

// setStep moves the step counter forward and recomputes the percentage.
// The counter never moves backwards.
func (s *Session) setStep(step int) {
	if step < s.Current {
		return
	}
	s.Current = min(step, s.Total)
	s.Percentage = Percentage(s.Current, s.Total)
}

// Percentage returns round(current/total*100), 0 for an empty total.
func Percentage(current, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(float64(current) / float64(total) * 100))
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	c := *s
	c.Files = make(map[string]FileStatus, len(s.Files))
	for k, v := range s.Files {
		c.Files[k] = v
	}
	c.Order = slices.Clone(s.Order)
	c.Processed = slices.Clone(s.Processed)
	c.Failed = slices.Clone(s.Failed)
	c.Metadata = slices.Clone(s.Metadata)
	c.Logs = slices.Clone(s.Logs)
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// Progress returns a copy without logs, the payload of a status event.
func (s *Session) Progress() *Session {
	c := s.Clone()
	c.Logs = nil
	return c
}

// LogsAfter returns the entries with a sequence number above seq.
func (s *Session) LogsAfter(seq int64) []LogEntry {
	i, _ := slices.BinarySearchFunc(s.Logs, seq+1, func(e LogEntry, target int64) int {
		switch {
		case e.Seq < target:
			return -1
		case e.Seq > target:
			return 1
		default:
			return 0
		}
	})
	return s.Logs[i:]
}

// ErrSessionNotFound is returned by stores for unknown ids.
var ErrSessionNotFound = errors.New("session not found")

// SessionStore keeps session records keyed by id. Implementations are safe
// for concurrent use; Update replaces the whole record.
type SessionStore interface {
	Create(ctx context.Context, s *Session) error
	Update(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	Delete(ctx context.Context, id string) error
}
