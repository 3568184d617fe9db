// Package client talks to the mapnotebook server over HTTP and WebSocket.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/raphaelgruber/mapnotebook/internal/models"
	"github.com/raphaelgruber/mapnotebook/internal/server"
	"github.com/raphaelgruber/mapnotebook/internal/service"
)

// Client is an HTTP client for the mapnotebook server.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a client for baseURL.
// If baseURL is empty, uses MAPNOTEBOOK_URL or defaults to localhost:8484.
// The request timeout comes from MAPNOTEBOOK_CLIENT_TIMEOUT (default 10m,
// uploads can be large).
func New(baseURL string) *Client {
	if baseURL == "" {
		baseURL = os.Getenv("MAPNOTEBOOK_URL")
	}
	if baseURL == "" {
		baseURL = "http://localhost:8484"
	}

	timeout := 10 * time.Minute
	if t := os.Getenv("MAPNOTEBOOK_CLIENT_TIMEOUT"); t != "" {
		if d, err := time.ParseDuration(t); err == nil {
			timeout = d
		}
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// APIError is a non-2xx reply from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server error: %d %s - %s", e.StatusCode, http.StatusText(e.StatusCode), e.Message)
}

// do sends req and decodes a reply with status want into result.
func (c *Client) do(req *http.Request, want int, result any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != want {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
		var er server.ErrorResponse
		if json.Unmarshal(body, &er) == nil && er.Error != "" {
			apiErr.Message = er.Error
		}
		return apiErr
	}

	if result != nil {
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	return c.do(req, http.StatusOK, result)
}

// Upload sends the files as one batch and returns its session id. Files are
// streamed, not buffered.
func (c *Client) Upload(ctx context.Context, paths []string) (string, error) {
	if len(paths) == 0 {
		return "", errors.New("no files given")
	}
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return "", err
		}
		if info.IsDir() {
			return "", fmt.Errorf("%s is a directory", p)
		}
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeFiles(mw, paths))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload", pr)
	if err != nil {
		pr.Close()
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var resp server.SubmitResponse
	if err := c.do(req, http.StatusAccepted, &resp); err != nil {
		return "", err
	}
	return resp.SessionID, nil
}

func writeFiles(mw *multipart.Writer, paths []string) error {
	for _, p := range paths {
		if err := writeFile(mw, p); err != nil {
			return err
		}
	}
	return mw.Close()
}

func writeFile(mw *multipart.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w, err := mw.CreateFormFile("files", filepath.Base(path))
	if err != nil {
		return err
	}
	_, err = io.Copy(w, f)
	return err
}

// Lookup starts a registry lookup batch for number. kind is "locality" or "border".
func (c *Client) Lookup(ctx context.Context, kind, number string) (string, error) {
	body, err := json.Marshal(server.LookupRequest{Number: number})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/nspd/"+url.PathEscape(kind), bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var resp server.SubmitResponse
	if err := c.do(req, http.StatusAccepted, &resp); err != nil {
		return "", err
	}
	return resp.SessionID, nil
}

// Session fetches the current snapshot. Unknown ids report status "waiting".
func (c *Client) Session(ctx context.Context, id string) (*service.Session, error) {
	var s service.Session
	if err := c.get(ctx, "/sessions/"+url.PathEscape(id), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// ListBatches returns recent batches from the server's history, newest first.
// A zero limit uses the server default.
func (c *Client) ListBatches(ctx context.Context, limit int) ([]models.BatchRecord, error) {
	path := "/batches"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out []models.BatchRecord
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetBatch returns one batch from the server's history.
func (c *Client) GetBatch(ctx context.Context, id string) (*models.BatchRecord, error) {
	var out models.BatchRecord
	if err := c.get(ctx, "/batches/"+url.PathEscape(id), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health returns server uptime and operation timings.
func (c *Client) Health(ctx context.Context) (*server.HealthResponse, error) {
	var out server.HealthResponse
	if err := c.get(ctx, "/health", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// =============================================================================
// PROGRESS STREAM
// =============================================================================

// Event is one decoded progress event. Exactly one of Session and Log is
// set, depending on Type.
type Event struct {
	Type    string
	Session *service.Session
	Log     *service.LogEntry
}

// Watch follows the progress of session id over a WebSocket and calls
// onEvent for every event. It returns after the first terminal status, when
// the server closes the stream, or when onEvent fails.
func (c *Client) Watch(ctx context.Context, id string, onEvent func(Event) error) error {
	wsEndpoint := c.baseURL
	wsEndpoint = strings.Replace(wsEndpoint, "http://", "ws://", 1)
	wsEndpoint = strings.Replace(wsEndpoint, "https://", "wss://", 1)

	u, err := url.Parse(wsEndpoint + "/ws/progress/" + url.PathEscape(id))
	if err != nil {
		return fmt.Errorf("parse endpoint: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("websocket connect: %w", err)
	}

	var mu sync.Mutex
	closed := false
	closeConn := func() {
		mu.Lock()
		defer mu.Unlock()
		if !closed {
			closed = true
			conn.Close()
		}
	}
	defer closeConn()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			closeConn()
		case <-done:
		}
	}()

	for {
		var msg server.Event
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("read event: %w", err)
		}

		ev := Event{Type: msg.Type}
		switch msg.Type {
		case server.EventStatus:
			ev.Session = &service.Session{}
			if err := json.Unmarshal(msg.Data, ev.Session); err != nil {
				return fmt.Errorf("unmarshal status: %w", err)
			}
		case server.EventLog:
			ev.Log = &service.LogEntry{}
			if err := json.Unmarshal(msg.Data, ev.Log); err != nil {
				return fmt.Errorf("unmarshal log: %w", err)
			}
		case server.EventError:
			var er server.ErrorResponse
			if err := json.Unmarshal(msg.Data, &er); err != nil {
				return fmt.Errorf("stream error: %s", string(msg.Data))
			}
			return fmt.Errorf("stream error: %s", er.Error)
		default:
			continue
		}

		if err := onEvent(ev); err != nil {
			return err
		}
		if ev.Session != nil && ev.Session.Status.Terminal() {
			return nil
		}
	}
}
