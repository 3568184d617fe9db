package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/raphaelgruber/mapnotebook/internal/service"
)

// Event types shared by the SSE and WebSocket streams.
const (
	EventStatus = "status"
	EventLog    = "log"
	EventError  = "error"
)

// wsWriteWait bounds a single WebSocket write.
const wsWriteWait = 10 * time.Second

// errNeverStarted ends a stream whose session did not appear in time.
var errNeverStarted = errors.New("session not found")

// Event is one WebSocket message.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type emitFunc func(eventType string, data []byte) error

// watch polls the session and emits what changed: new log entries in
// sequence order, then the progress snapshot when its JSON differs from the
// last one sent. An unknown id first gets a waiting placeholder. The stream
// ends Linger after a terminal status and deletes the session.
func (s *Server) watch(ctx context.Context, id string, emit emitFunc) error {
	store := s.deps.Batches.Sessions()
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	var (
		last         []byte
		lastSeq      int64
		seen         bool
		waitingSince time.Time
		terminalAt   time.Time
	)
	for {
		sess, err := store.Get(ctx, id)
		switch {
		case errors.Is(err, service.ErrSessionNotFound):
			if seen {
				// Removed by retention or by another stream.
				return nil
			}
			if waitingSince.IsZero() {
				waitingSince = time.Now()
				data, err := json.Marshal(service.WaitingSession(id))
				if err != nil {
					return err
				}
				if err := emit(EventStatus, data); err != nil {
					return err
				}
			} else if time.Since(waitingSince) >= s.cfg.WaitTimeout {
				return errNeverStarted
			}
		case err != nil:
			return fmt.Errorf("read session: %w", err)
		default:
			seen = true
			for _, entry := range sess.LogsAfter(lastSeq) {
				data, err := json.Marshal(entry)
				if err != nil {
					return err
				}
				if err := emit(EventLog, data); err != nil {
					return err
				}
				lastSeq = entry.Seq
			}

			data, err := json.Marshal(sess.Progress())
			if err != nil {
				return err
			}
			if !bytes.Equal(data, last) {
				if err := emit(EventStatus, data); err != nil {
					return err
				}
				last = data
			}

			if sess.Status.Terminal() {
				if terminalAt.IsZero() {
					terminalAt = time.Now()
				}
				if time.Since(terminalAt) >= s.cfg.Linger {
					if err := store.Delete(context.WithoutCancel(ctx), id); err != nil {
						s.logger.Warn("delete session", "session_id", id, "error", err)
					}
					return nil
				}
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// handleProgress streams session events as Server-Sent Events. Status
// snapshots are unnamed data events; logs and errors are named events.
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	id := r.PathValue("id")

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	emit := func(eventType string, data []byte) error {
		var err error
		if eventType == EventStatus {
			_, err = fmt.Fprintf(w, "data: %s\n\n", data)
		} else {
			_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, data)
		}
		if err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if err := s.watch(r.Context(), id, emit); err != nil {
		s.streamFailed(id, err, emit)
	}
}

// handleProgressWS relays the same events over a WebSocket as
// {"type": ..., "data": ...} messages.
func (s *Server) handleProgressWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	id := r.PathValue("id")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// The read pump notices a client going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	emit := func(eventType string, data []byte) error {
		if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
			return err
		}
		return conn.WriteJSON(Event{Type: eventType, Data: data})
	}

	if err := s.watch(ctx, id, emit); err != nil {
		s.streamFailed(id, err, emit)
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(wsWriteWait))
}

// streamFailed reports a stream error to the client unless the client left.
func (s *Server) streamFailed(id string, err error, emit emitFunc) {
	if errors.Is(err, context.Canceled) {
		s.logger.Debug("progress client disconnected", "session_id", id)
		return
	}
	if !errors.Is(err, errNeverStarted) {
		s.logger.Warn("progress stream failed", "session_id", id, "error", err)
	}
	data, mErr := json.Marshal(ErrorResponse{Error: err.Error()})
	if mErr != nil {
		return
	}
	_ = emit(EventError, data)
}
