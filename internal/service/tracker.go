package service

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// tracker owns the session record of one running batch. Every mutation is
// written through to the store while the lock is held, so observers see the
// updates in the order they were made.
type tracker struct {
	mu    sync.Mutex
	s     *Session
	store SessionStore
	now   func() time.Time
	seq   int64
}

func newTracker(store SessionStore, s *Session, now func() time.Time) *tracker {
	return &tracker{s: s, store: store, now: now}
}

func (t *tracker) id() string { return t.s.ID }

// update applies fn to the session and stores the result.
func (t *tracker) update(fn func(s *Session)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(t.s)
	t.flush()
}

// stage enters a new stage without advancing the step counter.
func (t *tracker) stage(st Stage) {
	t.update(func(s *Session) { s.Stage = st })
}

// advance marks one more step as done.
func (t *tracker) advance() {
	t.update(func(s *Session) { s.setStep(s.Current + 1) })
}

// appendLog records a user-visible log line.
func (t *tracker) appendLog(level slog.Level, at time.Time, msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seq++
	t.s.Logs = append(t.s.Logs, LogEntry{
		Seq:     t.seq,
		Time:    at.Format(time.TimeOnly),
		Level:   level.String(),
		Message: msg,
	})
	if over := len(t.s.Logs) - maxLogEntries; over > 0 {
		t.s.Logs = append(t.s.Logs[:0], t.s.Logs[over:]...)
	}
	t.flush()
}

func (t *tracker) snapshot() *Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.s.Clone()
}

// flush must be called with mu held. Store failures are logged through the
// process logger only; the batch logger would feed back into the tracker.
func (t *tracker) flush() {
	t.s.UpdatedAt = t.now()
	if err := t.store.Update(context.Background(), t.s); err != nil {
		slog.Debug("session update failed", "session_id", t.s.ID, "error", err)
	}
}
