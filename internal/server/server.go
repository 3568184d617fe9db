// Package server exposes batches over HTTP: uploads, registry lookups,
// progress streams (SSE and WebSocket), batch history, health and metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/raphaelgruber/mapnotebook/internal/db"
	"github.com/raphaelgruber/mapnotebook/internal/decode"
	"github.com/raphaelgruber/mapnotebook/internal/metrics"
	"github.com/raphaelgruber/mapnotebook/internal/models"
	"github.com/raphaelgruber/mapnotebook/internal/service"
)

// Batches starts batches and exposes their progress records.
type Batches interface {
	Submit(ctx context.Context, inputs []service.Input) (string, error)
	Sessions() service.SessionStore
}

// History reads finished batches.
type History interface {
	ListBatches(ctx context.Context, limit int) ([]models.BatchRecord, error)
	GetBatch(ctx context.Context, id string) (*models.BatchRecord, error)
}

// Config tunes upload limits and progress streams.
type Config struct {
	MaxRequestBytes int64         // whole request body
	MaxFileBytes    int64         // per uploaded file
	TempDir         string        // parent of the per-file upload dirs
	PollInterval    time.Duration // how often a stream re-reads its session
	Linger          time.Duration // stream lifetime after a terminal status
	WaitTimeout     time.Duration // how long a stream waits for an unknown session
}

// Deps are the collaborators of the server. Lookup and History may be nil,
// which disables the registry and history endpoints.
type Deps struct {
	Batches  Batches
	Registry *decode.Registry
	Lookup   service.RegistryLookup
	History  History
	Stats    *metrics.Collector
}

// Server serves the HTTP API.
type Server struct {
	cfg      Config
	deps     Deps
	logger   *slog.Logger
	started  time.Time
	upgrader websocket.Upgrader
}

// New creates a server. Zero config values get defaults.
func New(cfg Config, deps Deps, logger *slog.Logger) *Server {
	if cfg.MaxFileBytes <= 0 {
		cfg.MaxFileBytes = 100 << 20
	}
	if cfg.MaxRequestBytes < cfg.MaxFileBytes {
		cfg.MaxRequestBytes = cfg.MaxFileBytes
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 300 * time.Millisecond
	}
	if cfg.Linger < 0 {
		cfg.Linger = 0
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = 30 * time.Second
	}
	return &Server{
		cfg:     cfg,
		deps:    deps,
		logger:  logger,
		started: time.Now(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
}

// Handler returns the routed handler wrapped in request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /upload", s.handleUpload)
	mux.HandleFunc("POST /nspd/{kind}", s.handleNSPD)
	mux.HandleFunc("GET /progress/{id}", s.handleProgress)
	mux.HandleFunc("GET /ws/progress/{id}", s.handleProgressWS)
	mux.HandleFunc("GET /sessions/{id}", s.handleSession)
	mux.HandleFunc("GET /batches", s.handleListBatches)
	mux.HandleFunc("GET /batches/{id}", s.handleGetBatch)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())
	return LoggingMiddleware(s.logger, mux)
}

// SubmitResponse is the reply to an accepted upload or lookup.
type SubmitResponse struct {
	SessionID string `json:"session_id"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

// submit starts a batch and replies 202 with its session id.
func (s *Server) submit(w http.ResponseWriter, r *http.Request, inputs []service.Input) {
	id, err := s.deps.Batches.Submit(r.Context(), inputs)
	if err != nil {
		var cfgErr *service.ConfigError
		switch {
		case errors.As(err, &cfgErr):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		case errors.Is(err, service.ErrNoInputs):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			s.logger.Error("submit batch", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to start batch")
		}
		return
	}
	writeJSON(w, http.StatusAccepted, SubmitResponse{SessionID: id})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.deps.Batches.Sessions().Get(r.Context(), id)
	switch {
	case errors.Is(err, service.ErrSessionNotFound):
		writeJSON(w, http.StatusOK, service.WaitingSession(id))
	case err != nil:
		s.logger.Error("get session", "session_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read session")
	default:
		writeJSON(w, http.StatusOK, sess.Progress())
	}
}

func (s *Server) handleListBatches(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		writeError(w, http.StatusServiceUnavailable, "batch history is disabled")
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	batches, err := s.deps.History.ListBatches(r.Context(), limit)
	if err != nil {
		s.logger.Error("list batches", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list batches")
		return
	}
	writeJSON(w, http.StatusOK, batches)
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		writeError(w, http.StatusServiceUnavailable, "batch history is disabled")
		return
	}
	id := r.PathValue("id")
	batch, err := s.deps.History.GetBatch(r.Context(), id)
	switch {
	case errors.Is(err, db.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case err != nil:
		s.logger.Error("get batch", "batch_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read batch")
	default:
		writeJSON(w, http.StatusOK, batch)
	}
}

// HealthResponse reports liveness and per-operation timings.
type HealthResponse struct {
	Status string `json:"status"`
	metrics.Snapshot
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	snap := metrics.Snapshot{Operations: []metrics.OperationSnapshot{}}
	if s.deps.Stats != nil {
		snap = s.deps.Stats.Snapshot()
	}
	snap.UptimeSeconds = time.Since(s.started).Seconds()
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Snapshot: snap})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, ErrorResponse{Error: msg})
}
