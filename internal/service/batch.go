package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	slogmulti "github.com/samber/slog-multi"
	"golang.org/x/sync/semaphore"

	"github.com/raphaelgruber/mapnotebook/internal/decode"
	"github.com/raphaelgruber/mapnotebook/internal/index"
	"github.com/raphaelgruber/mapnotebook/internal/metrics"
	"github.com/raphaelgruber/mapnotebook/internal/models"
	"github.com/raphaelgruber/mapnotebook/internal/remote"
)

// BatchConfig tunes the orchestrator.
type BatchConfig struct {
	BaseFolder       string        // remote parent of the per-day folders
	StateDir         string        // local copies of the per-day index
	MaxConcurrent    int           // batches running at once; others wait in "queued"
	SerializeFolders bool          // one read-modify-write per remote folder at a time
	Retention        time.Duration // terminal sessions are deleted after this
}

// credentialChecker is implemented by storages that can tell upfront
// whether they are configured.
type credentialChecker interface {
	CheckCredentials() error
}

// BatchService runs submitted batches in the background.
type BatchService struct {
	cfg      BatchConfig
	storage  remote.Storage
	sessions SessionStore
	history  HistoryStore
	stats    *metrics.Collector
	sem      *semaphore.Weighted
	locks    *remote.FolderLocks
	now      func() time.Time

	wg sync.WaitGroup
}

// NewBatchService creates the orchestrator. history and stats may be nil.
func NewBatchService(cfg BatchConfig, storage remote.Storage, sessions SessionStore, history HistoryStore, stats *metrics.Collector) *BatchService {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 2 * time.Minute
	}
	if cfg.StateDir == "" {
		cfg.StateDir = "data"
	}
	s := &BatchService{
		cfg:      cfg,
		storage:  storage,
		sessions: sessions,
		history:  history,
		stats:    stats,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		now:      time.Now,
	}
	if cfg.SerializeFolders {
		s.locks = remote.NewFolderLocks()
	}
	return s
}

// Sessions returns the store the service reports progress to.
func (s *BatchService) Sessions() SessionStore {
	return s.sessions
}

// Submit registers a batch and starts it in the background, returning the
// session id. A missing storage credential fails here, before any work is
// queued. Inputs are cleaned up on every path.
func (s *BatchService) Submit(ctx context.Context, inputs []Input) (string, error) {
	if len(inputs) == 0 {
		return "", ErrNoInputs
	}
	if cc, ok := s.storage.(credentialChecker); ok {
		if err := cc.CheckCredentials(); err != nil {
			cleanupAll(inputs, slog.Default())
			return "", tokenError(err)
		}
	}

	names := make([]string, len(inputs))
	for i, in := range inputs {
		names[i] = in.Name()
	}

	session := NewSession(uuid.New().String(), names, s.now())
	if err := s.sessions.Create(ctx, session); err != nil {
		cleanupAll(inputs, slog.Default())
		return "", fmt.Errorf("create session: %w", err)
	}

	slog.Info("batch submitted", "session_id", session.ID, "files", len(inputs))

	t := newTracker(s.sessions, session, s.now)
	s.wg.Add(1)
	go s.run(t, inputs)
	return session.ID, nil
}

// Wait blocks until every running batch has finished or ctx is done.
func (s *BatchService) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *BatchService) run(t *tracker, inputs []Input) {
	defer s.wg.Done()

	log := slog.New(slogmulti.Fanout(
		slog.Default().With("session_id", t.id()).Handler(),
		newRelayHandler(t),
	))
	defer cleanupAll(inputs, log)

	defer func() {
		if r := recover(); r != nil {
			log.Error("batch stopped by an internal error", "panic", r)
			s.finish(t, log, fmt.Errorf("internal error: %v", r))
		}
	}()

	// Batches are not cancellable once accepted.
	ctx := context.Background()

	if err := s.sem.Acquire(ctx, 1); err != nil {
		s.finish(t, log, err)
		return
	}
	defer s.sem.Release(1)

	metrics.BatchesActive.Inc()
	defer metrics.BatchesActive.Dec()

	s.finish(t, log, s.process(ctx, t, log, inputs))
}

// process walks the batch through its stages. The returned error is fatal
// for the batch; everything else is recorded on the session.
func (s *BatchService) process(ctx context.Context, t *tracker, log *slog.Logger, inputs []Input) error {
	start := s.now()
	folder := remote.DayFolder(s.cfg.BaseFolder, start)
	statePath := filepath.Join(s.cfg.StateDir, start.Format(remote.DateLayout), index.FileName)

	t.update(func(sess *Session) {
		sess.Stage = StageInitializing
		sess.Folder = folder
	})
	log.Info("batch started", "files", len(inputs), "folder", folder)

	if s.locks != nil {
		unlock, err := s.locks.Lock(ctx, folder)
		if err != nil {
			return fmt.Errorf("wait for remote folder %s: %w", folder, err)
		}
		defer unlock()
	}

	t.stage(StageCheckFolder)
	if err := s.storage.EnsureFolder(ctx, folder); err != nil {
		if remote.IsAuthError(err) {
			return tokenError(err)
		}
		log.Warn("could not check remote folder, continuing", "folder", folder, "error", err)
	}
	t.advance()

	t.stage(StageDownloadIndex)
	downloaded, downloadErr := s.storage.DownloadIndex(ctx, folder)
	switch {
	case downloadErr != nil:
		log.Warn("could not download existing index, starting from an empty one", "folder", folder, "error", downloadErr)
	case downloaded == nil:
		log.Info("no index in remote folder yet", "folder", folder)
	default:
		if err := index.WriteFile(statePath, downloaded); err != nil {
			log.Warn("could not store downloaded index locally", "error", err)
		}
	}
	t.advance()

	t.stage(StageLoadState)
	base := s.loadBase(log, statePath, downloaded, downloadErr)
	t.advance()

	acc := index.NewAccumulator()
	for i, in := range inputs {
		s.processInput(ctx, t, log, acc, in, i+1, len(inputs))
	}

	incoming := acc.Index()
	if incoming.Empty() && base.Empty() {
		log.Info("no geometry to save, skipping upload")
		return nil
	}

	merged := index.Merge(base, incoming, index.FirstWriteWins)

	t.stage(StageSaving)
	data, err := index.Save(statePath, merged)
	if err != nil {
		log.Warn("could not save index locally", "error", err)
		if data, err = index.Marshal(merged); err != nil {
			return fmt.Errorf("encode merged index: %w", err)
		}
	}
	t.advance()

	t.stage(StageUploading)
	if err := s.storage.UploadIndex(ctx, folder, data); err != nil {
		msg := fmt.Sprintf("failed to upload index to %s: %v", folder, err)
		log.Error("index upload failed, local copy kept", "folder", folder, "error", err)
		t.update(func(sess *Session) {
			sess.Persisted = false
			sess.PersistError = msg
		})
	} else {
		if err := os.Remove(statePath); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn("could not remove local index", "error", err)
		}
		log.Info("index uploaded", "folder", folder, "paths", len(merged.Paths), "points", len(merged.Points))
		t.update(func(sess *Session) { sess.Persisted = true })
	}
	t.advance()
	return nil
}

// loadBase returns the starting index. A downloaded index is parsed from
// memory; the local copy is only a cache of it. A leftover local copy from a
// batch whose upload failed is reused when the remote folder has no index.
func (s *BatchService) loadBase(log *slog.Logger, statePath string, downloaded []byte, downloadErr error) *models.Index {
	if downloadErr != nil {
		return models.NewIndex()
	}

	var (
		base *models.Index
		err  error
	)
	if downloaded != nil {
		base, err = index.Parse(downloaded)
	} else {
		if _, statErr := os.Stat(statePath); statErr == nil {
			log.Info("reusing local index from an earlier batch that was not uploaded")
		}
		base, err = index.Load(statePath)
	}

	var verr *index.ValidationError
	switch {
	case errors.As(err, &verr):
		log.Warn("existing index is malformed, damaged parts replaced with empty ones", "reason", verr.Reason)
	case err != nil:
		log.Warn("could not read local index, starting from an empty one", "error", err)
		return models.NewIndex()
	}
	log.Info("existing index loaded", "paths", len(base.Paths), "points", len(base.Points))
	return base
}

func (s *BatchService) processInput(ctx context.Context, t *tracker, log *slog.Logger, acc *index.Accumulator, in Input, n, total int) {
	name := in.Name()
	format := in.Format()
	t.update(func(sess *Session) {
		sess.Stage = StageProcessFile
		sess.CurrentFile = name
		sess.Files[name] = FileProcessing
	})
	log.Info(fmt.Sprintf("processing file %d of %d", n, total), "file", name, "format", format)

	started := time.Now()
	rec, err := decodeInput(ctx, log, in)
	elapsed := time.Since(started)
	if cerr := in.Cleanup(); cerr != nil {
		log.Warn("could not remove temporary file", "file", name, "error", cerr)
	}

	metrics.FilesTotal.WithLabelValues(format, metrics.Result(err)).Inc()
	metrics.DecodeDurationMs.WithLabelValues(format).Observe(float64(elapsed.Milliseconds()))
	s.stats.RecordTiming(metrics.OpDecode, elapsed, err != nil)

	size := models.FormatSize(in.Size())
	if err != nil {
		log.Error("file failed", "file", name, "error", err)
		t.update(func(sess *Session) {
			sess.Files[name] = FileFailed
			sess.Failed = append(sess.Failed, models.FileOutcome{Name: name, Size: size, Error: err.Error()})
			sess.setStep(sess.Current + 1)
		})
		return
	}

	acc.Add(rec)
	log.Info("file processed", "file", name, "paths", len(rec.Paths), "points", len(rec.Points))
	t.update(func(sess *Session) {
		sess.Files[name] = FileCompleted
		sess.Processed = append(sess.Processed, models.FileOutcome{Name: name, Size: size})
		sess.Metadata = acc.Labels()
		sess.setStep(sess.Current + 1)
	})
}

// decodeInput turns a decoder panic into an ordinary per-file failure.
func decodeInput(ctx context.Context, log *slog.Logger, in Input) (rec *models.GeometryRecord, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("decoder crashed: %v", r)
		}
	}()
	rec, err = in.Decode(decode.WithLogger(ctx, log))
	if err == nil && rec == nil {
		rec = models.NewGeometryRecord()
	}
	return rec, err
}

// finish moves the session to its terminal state, records history and
// schedules the session for deletion.
func (s *BatchService) finish(t *tracker, log *slog.Logger, err error) {
	if err != nil {
		log.Error("batch failed", "error", err)
	} else {
		current := t.snapshot()
		log.Info("batch completed", "processed", len(current.Processed), "failed", len(current.Failed))
	}

	now := s.now()
	t.update(func(sess *Session) {
		sess.CurrentFile = ""
		sess.CompletedAt = &now
		if err != nil {
			sess.Status = StatusError
			sess.Stage = StageError
			sess.Error = err.Error()
			return
		}
		sess.Status = StatusCompleted
		sess.Stage = StageCompleted
		sess.setStep(sess.Total)
	})

	final := t.snapshot()
	metrics.BatchesTotal.WithLabelValues(string(final.Status)).Inc()

	if s.history != nil {
		done := s.stats.Track(metrics.OpHistoryWrite)
		herr := s.history.SaveBatch(context.Background(), final.ID, batchRecord(final))
		done(herr)
		if herr != nil {
			slog.Warn("failed to record batch history", "session_id", final.ID, "error", herr)
		}
	}

	id := final.ID
	time.AfterFunc(s.cfg.Retention, func() {
		if err := s.sessions.Delete(context.Background(), id); err != nil {
			slog.Debug("session cleanup failed", "session_id", id, "error", err)
		}
	})
}

func cleanupAll(inputs []Input, log *slog.Logger) {
	for _, in := range inputs {
		if err := in.Cleanup(); err != nil {
			log.Warn("could not remove temporary file", "file", in.Name(), "error", err)
		}
	}
}
