package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/mapnotebook/internal/db"
	"github.com/raphaelgruber/mapnotebook/internal/decode"
	"github.com/raphaelgruber/mapnotebook/internal/metrics"
	"github.com/raphaelgruber/mapnotebook/internal/models"
	"github.com/raphaelgruber/mapnotebook/internal/nspd"
	"github.com/raphaelgruber/mapnotebook/internal/service"
)

type fakeBatches struct {
	mu     sync.Mutex
	store  *service.MemoryStore
	inputs [][]service.Input
	err    error
}

func (f *fakeBatches) Submit(_ context.Context, inputs []service.Input) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.inputs = append(f.inputs, inputs)
	return "sess-1", nil
}

func (f *fakeBatches) Sessions() service.SessionStore { return f.store }

func (f *fakeBatches) submitted(t *testing.T) []service.Input {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.inputs, 1)
	return f.inputs[0]
}

type fakeLookup struct{}

func (fakeLookup) Lookup(context.Context, nspd.Kind, string) (*models.GeometryRecord, error) {
	return nil, errors.New("not used")
}

type fakeHistory struct {
	records   []models.BatchRecord
	lastLimit int
}

func (f *fakeHistory) ListBatches(_ context.Context, limit int) ([]models.BatchRecord, error) {
	f.lastLimit = limit
	return f.records, nil
}

func (f *fakeHistory) GetBatch(_ context.Context, id string) (*models.BatchRecord, error) {
	for i := range f.records {
		if f.records[i].Folder == id {
			return &f.records[i], nil
		}
	}
	return nil, db.ErrNotFound
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, cfg Config, deps Deps) (*Server, *fakeBatches) {
	t.Helper()
	fb := &fakeBatches{store: service.NewMemoryStore()}
	if deps.Batches == nil {
		deps.Batches = fb
	}
	if deps.Registry == nil {
		deps.Registry = decode.NewRegistry(decode.Options{})
	}
	if cfg.TempDir == "" {
		cfg.TempDir = t.TempDir()
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	if cfg.WaitTimeout == 0 {
		cfg.WaitTimeout = 2 * time.Second
	}
	return New(cfg, deps, testLogger()), fb
}

type filePart struct {
	name, content string
}

func multipartBody(t *testing.T, files []filePart, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	for _, f := range files {
		w, err := mw.CreateFormFile("files", f.name)
		require.NoError(t, err)
		_, err = io.WriteString(w, f.content)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func decodeJSON[T any](t *testing.T, body io.Reader) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(body).Decode(&v))
	return v
}

func TestUpload(t *testing.T) {
	srv, fb := newTestServer(t, Config{MaxFileBytes: 16, MaxRequestBytes: 1 << 20}, Deps{})
	tmp := srv.cfg.TempDir

	body, ctype := multipartBody(t, []filePart{
		{"track.gpx", "<gpx/>"},
		{"notes.txt", "hello"},
		{"track.gpx", "<gpx></gpx>"},
		{"big.wkt", strings.Repeat("x", 40)},
	}, map[string]string{"comment": "ignored"})

	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", ctype)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, "sess-1", decodeJSON[SubmitResponse](t, rec.Body).SessionID)

	inputs := fb.submitted(t)
	require.Len(t, inputs, 4)

	assert.Equal(t, "track.gpx", inputs[0].Name())
	assert.Equal(t, "GPX", inputs[0].Format())
	assert.Equal(t, int64(6), inputs[0].Size())

	assert.Equal(t, "notes.txt", inputs[1].Name())
	assert.Equal(t, "rejected", inputs[1].Format())
	_, err := inputs[1].Decode(context.Background())
	var decErr *decode.DecodeError
	require.ErrorAs(t, err, &decErr)
	assert.Equal(t, decode.KindUnsupported, decErr.Kind)
	assert.EqualError(t, err, "unsupported file type")

	assert.Equal(t, "track_2.gpx", inputs[2].Name())
	assert.Equal(t, int64(11), inputs[2].Size())

	assert.Equal(t, "big.wkt", inputs[3].Name())
	assert.Equal(t, int64(40), inputs[3].Size())
	_, err = inputs[3].Decode(context.Background())
	assert.ErrorIs(t, err, service.ErrFileTooLarge)

	entries, err := os.ReadDir(tmp)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "one dir per stored file")

	cleanup(inputs)
	entries, err = os.ReadDir(tmp)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestUploadBodyTooLarge(t *testing.T) {
	srv, fb := newTestServer(t, Config{MaxFileBytes: 64, MaxRequestBytes: 64}, Deps{})

	body, ctype := multipartBody(t, []filePart{
		{"a.wkt", "POINT (1 2)"},
		{"b.wkt", strings.Repeat("x", 4096)},
	}, nil)
	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", ctype)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Empty(t, fb.inputs)

	entries, err := os.ReadDir(srv.cfg.TempDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestUploadRejectsBadRequests(t *testing.T) {
	srv, fb := newTestServer(t, Config{}, Deps{})

	tests := []struct {
		name string
		body func() (io.Reader, string)
		want string
	}{
		{"not multipart", func() (io.Reader, string) {
			return strings.NewReader("{}"), "application/json"
		}, "multipart"},
		{"no files", func() (io.Reader, string) {
			return multipartBody(t, nil, map[string]string{"a": "b"})
		}, "no files to process"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, ctype := tt.body()
			req := httptest.NewRequest(http.MethodPost, "/upload", body)
			req.Header.Set("Content-Type", ctype)
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, req)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, decodeJSON[ErrorResponse](t, rec.Body).Error, tt.want)
		})
	}
	assert.Empty(t, fb.inputs)
}

func TestUploadSubmitErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
		want string
	}{
		{"missing token", &service.ConfigError{Setting: "YANDEX_DISK_TOKEN", Remedy: "Set it"}, http.StatusServiceUnavailable, "YANDEX_DISK_TOKEN"},
		{"store failure", errors.New("redis down"), http.StatusInternalServerError, "failed to start batch"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fb := &fakeBatches{store: service.NewMemoryStore(), err: tt.err}
			srv, _ := newTestServer(t, Config{}, Deps{Batches: fb})

			body, ctype := multipartBody(t, []filePart{{"a.wkt", "POINT (1 2)"}}, nil)
			req := httptest.NewRequest(http.MethodPost, "/upload", body)
			req.Header.Set("Content-Type", ctype)
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, req)

			assert.Equal(t, tt.code, rec.Code)
			assert.Contains(t, decodeJSON[ErrorResponse](t, rec.Body).Error, tt.want)
		})
	}
}

func TestNSPD(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		body     string
		ctype    string
		noLookup bool
		code     int
		wantName string
		wantErr  string
	}{
		{name: "locality json", path: "/nspd/locality", body: `{"number":" 50:01 "}`, ctype: "application/json", code: http.StatusAccepted, wantName: "НСПД: 50:01"},
		{name: "border form", path: "/nspd/border", body: "number=7", ctype: "application/x-www-form-urlencoded", code: http.StatusAccepted, wantName: "МО НСПД: 7"},
		{name: "unknown kind", path: "/nspd/parcel", body: "number=7", ctype: "application/x-www-form-urlencoded", code: http.StatusNotFound, wantErr: "unknown registry kind"},
		{name: "empty number", path: "/nspd/border", body: `{"number":"  "}`, ctype: "application/json", code: http.StatusBadRequest, wantErr: "registry number is required"},
		{name: "bad json", path: "/nspd/border", body: `{`, ctype: "application/json", code: http.StatusBadRequest, wantErr: "invalid JSON body"},
		{name: "disabled", path: "/nspd/locality", body: "number=7", ctype: "application/x-www-form-urlencoded", noLookup: true, code: http.StatusServiceUnavailable, wantErr: "disabled"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps := Deps{Lookup: fakeLookup{}}
			if tt.noLookup {
				deps.Lookup = nil
			}
			srv, fb := newTestServer(t, Config{}, deps)

			req := httptest.NewRequest(http.MethodPost, tt.path, strings.NewReader(tt.body))
			req.Header.Set("Content-Type", tt.ctype)
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, req)

			require.Equal(t, tt.code, rec.Code, rec.Body.String())
			if tt.wantErr != "" {
				assert.Contains(t, decodeJSON[ErrorResponse](t, rec.Body).Error, tt.wantErr)
				return
			}
			inputs := fb.submitted(t)
			require.Len(t, inputs, 1)
			assert.Equal(t, tt.wantName, inputs[0].Name())
			assert.Equal(t, "NSPD", inputs[0].Format())
		})
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"track.gpx", "track.gpx"},
		{"../../etc/passwd", "passwd"},
		{`C:\Users\me\map data.kml`, "map_data.kml"},
		{"..hidden.zip", "hidden.zip"},
		{"участок 1.geojson", "участок_1.geojson"},
		{"a;rm -rf.wkt", "a_rm_-rf.wkt"},
		{"...", "file"},
		{"", "file"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeFilename(tt.in))
		})
	}
}

func TestUniqueName(t *testing.T) {
	seen := map[string]bool{}
	assert.Equal(t, "a.gpx", uniqueName("a.gpx", seen))
	assert.Equal(t, "a_2.gpx", uniqueName("a.gpx", seen))
	assert.Equal(t, "a_3.gpx", uniqueName("a.gpx", seen))
	assert.Equal(t, "a_2_2.gpx", uniqueName("a_2.gpx", seen))
	assert.Equal(t, "b", uniqueName("b", seen))
}

func completedSession(id string) *service.Session {
	s := service.NewSession(id, []string{"a.gpx"}, time.Date(2026, 10, 17, 10, 0, 0, 0, time.UTC))
	s.Status = service.StatusCompleted
	s.Stage = service.StageCompleted
	s.Current = s.Total
	s.Percentage = 100
	s.Files["a.gpx"] = service.FileCompleted
	s.Processed = []models.FileOutcome{{Name: "a.gpx", Size: "6.0 B"}}
	s.Persisted = true
	s.Logs = []service.LogEntry{
		{Seq: 1, Time: "10:00:00", Level: "INFO", Message: "batch started"},
		{Seq: 2, Time: "10:00:01", Level: "INFO", Message: "batch completed processed=1 failed=0"},
	}
	return s
}

func TestSessionSnapshot(t *testing.T) {
	srv, fb := newTestServer(t, Config{}, Deps{})
	require.NoError(t, fb.store.Create(context.Background(), completedSession("known")))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions/known", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeJSON[map[string]any](t, rec.Body)
	assert.Equal(t, "completed", got["status"])
	assert.Equal(t, float64(100), got["percentage"])
	assert.NotContains(t, got, "logs")

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions/unknown", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "waiting", decodeJSON[map[string]any](t, rec.Body)["status"])
}

type sseEvent struct {
	typ  string
	data map[string]any
}

func readSSE(t *testing.T, body io.Reader) []sseEvent {
	t.Helper()
	raw, err := io.ReadAll(body)
	require.NoError(t, err)

	var events []sseEvent
	for _, block := range strings.Split(strings.TrimSpace(string(raw)), "\n\n") {
		ev := sseEvent{typ: EventStatus}
		for _, line := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(line, "event: "):
				ev.typ = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev.data))
			}
		}
		events = append(events, ev)
	}
	return events
}

func TestProgressSSE(t *testing.T) {
	srv, fb := newTestServer(t, Config{}, Deps{})
	require.NoError(t, fb.store.Create(context.Background(), completedSession("s1")))
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/progress/s1")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := readSSE(t, resp.Body)
	require.Len(t, events, 3)
	assert.Equal(t, EventLog, events[0].typ)
	assert.Equal(t, "batch started", events[0].data["message"])
	assert.Equal(t, EventLog, events[1].typ)
	assert.Equal(t, float64(2), events[1].data["seq"])
	assert.Equal(t, EventStatus, events[2].typ)
	assert.Equal(t, "completed", events[2].data["status"])
	assert.Equal(t, true, events[2].data["persisted"])

	assert.Equal(t, 0, fb.store.Len(), "stream deletes the finished session")
}

func TestProgressSSEWaitsForSession(t *testing.T) {
	srv, fb := newTestServer(t, Config{}, Deps{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	go func() {
		ctx := context.Background()
		time.Sleep(50 * time.Millisecond)
		s := service.NewSession("late", []string{"a.gpx"}, time.Now())
		_ = fb.store.Create(ctx, s)
		time.Sleep(50 * time.Millisecond)
		_ = fb.store.Update(ctx, completedSession("late"))
	}()

	resp, err := http.Get(ts.URL + "/progress/late")
	require.NoError(t, err)
	defer resp.Body.Close()

	events := readSSE(t, resp.Body)
	require.GreaterOrEqual(t, len(events), 3)
	assert.Equal(t, "waiting", events[0].data["status"])

	var statuses []string
	for _, ev := range events {
		if ev.typ == EventStatus {
			statuses = append(statuses, ev.data["status"].(string))
		}
	}
	assert.Contains(t, statuses, "processing")
	assert.Equal(t, "completed", statuses[len(statuses)-1])
	assert.Equal(t, 0, fb.store.Len())
}

func TestProgressSSEWaitTimeout(t *testing.T) {
	srv, _ := newTestServer(t, Config{WaitTimeout: 50 * time.Millisecond}, Deps{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/progress/ghost")
	require.NoError(t, err)
	defer resp.Body.Close()

	events := readSSE(t, resp.Body)
	require.Len(t, events, 2)
	assert.Equal(t, "waiting", events[0].data["status"])
	assert.Equal(t, EventError, events[1].typ)
	assert.Equal(t, "session not found", events[1].data["error"])
}

func TestProgressSSELinger(t *testing.T) {
	srv, fb := newTestServer(t, Config{Linger: 100 * time.Millisecond}, Deps{})
	require.NoError(t, fb.store.Create(context.Background(), completedSession("s1")))
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	start := time.Now()
	resp, err := http.Get(ts.URL + "/progress/s1")
	require.NoError(t, err)
	defer resp.Body.Close()
	_, err = io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, 0, fb.store.Len())
}

func TestProgressWebSocket(t *testing.T) {
	srv, fb := newTestServer(t, Config{}, Deps{})
	require.NoError(t, fb.store.Create(context.Background(), completedSession("s1")))
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/progress/s1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var types []string
	var last Event
	for {
		var ev Event
		if err := conn.ReadJSON(&ev); err != nil {
			break
		}
		types = append(types, ev.Type)
		last = ev
	}
	assert.Equal(t, []string{EventLog, EventLog, EventStatus}, types)

	var snap map[string]any
	require.NoError(t, json.Unmarshal(last.Data, &snap))
	assert.Equal(t, "completed", snap["status"])
	assert.Equal(t, 0, fb.store.Len())
}

func TestBatches(t *testing.T) {
	hist := &fakeHistory{records: []models.BatchRecord{
		{Status: "completed", Folder: "2026-10-17", Files: []string{"a.gpx"}, Persisted: true},
	}}
	srv, _ := newTestServer(t, Config{}, Deps{History: hist})
	h := srv.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/batches?limit=5", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeJSON[[]models.BatchRecord](t, rec.Body)
	require.Len(t, list, 1)
	assert.Equal(t, "2026-10-17", list[0].Folder)
	assert.Equal(t, 5, hist.lastLimit)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/batches?limit=-1", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/batches/2026-10-17", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeJSON[models.BatchRecord](t, rec.Body).Persisted)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/batches/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "batch not found", decodeJSON[ErrorResponse](t, rec.Body).Error)
}

func TestBatchesDisabled(t *testing.T) {
	srv, _ := newTestServer(t, Config{}, Deps{})
	for _, path := range []string{"/batches", "/batches/x"} {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, path)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	stats := metrics.NewCollector()
	stats.RecordTiming(metrics.OpDecode, 5*time.Millisecond, false)
	srv, _ := newTestServer(t, Config{}, Deps{Stats: stats})
	h := srv.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	health := decodeJSON[HealthResponse](t, rec.Body)
	assert.Equal(t, "ok", health.Status)
	require.Len(t, health.Operations, 1)
	assert.Equal(t, metrics.OpDecode, health.Operations[0].Name)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "mapnotebook_http_requests_total")
}
