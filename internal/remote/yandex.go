package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/raphaelgruber/mapnotebook/internal/metrics"
)

// DefaultAPIURL is the Yandex Disk REST endpoint.
const DefaultAPIURL = "https://cloud-api.yandex.net/v1/disk"

// indexFile is the document name inside every date folder.
const indexFile = "index.json"

// Config configures the Yandex Disk client. Metadata calls (resource
// lookups, link requests) and payload transfers have separate budgets.
type Config struct {
	APIURL                string
	Token                 string
	MetaConnectTimeout    time.Duration
	MetaReadTimeout       time.Duration
	PayloadConnectTimeout time.Duration
	PayloadReadTimeout    time.Duration
	MaxAttempts           int
	InitialBackoff        time.Duration
}

// YandexDisk implements Storage over the Yandex Disk REST API.
type YandexDisk struct {
	apiURL         string
	token          string
	meta           *http.Client
	payload        *http.Client
	maxAttempts    int
	initialBackoff time.Duration
	stats          *metrics.Collector
}

// NewYandexDisk creates a client. Zero durations and attempts take defaults;
// stats may be nil.
func NewYandexDisk(cfg Config, stats *metrics.Collector) *YandexDisk {
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	if cfg.MetaConnectTimeout <= 0 {
		cfg.MetaConnectTimeout = 5 * time.Second
	}
	if cfg.MetaReadTimeout <= 0 {
		cfg.MetaReadTimeout = 15 * time.Second
	}
	if cfg.PayloadConnectTimeout <= 0 {
		cfg.PayloadConnectTimeout = 10 * time.Second
	}
	if cfg.PayloadReadTimeout <= 0 {
		cfg.PayloadReadTimeout = 2 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}

	return &YandexDisk{
		apiURL:         strings.TrimRight(cfg.APIURL, "/"),
		token:          cfg.Token,
		meta:           newHTTPClient(cfg.MetaConnectTimeout, cfg.MetaReadTimeout),
		payload:        newHTTPClient(cfg.PayloadConnectTimeout, cfg.PayloadReadTimeout),
		maxAttempts:    cfg.MaxAttempts,
		initialBackoff: cfg.InitialBackoff,
		stats:          stats,
	}
}

func newHTTPClient(connect, read time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{Timeout: connect, KeepAlive: 30 * time.Second}).DialContext
	transport.TLSHandshakeTimeout = connect
	transport.ResponseHeaderTimeout = read
	return &http.Client{Transport: transport, Timeout: connect + read}
}

// CheckCredentials fails with ErrNoToken when no token is configured.
func (y *YandexDisk) CheckCredentials() error {
	if strings.TrimSpace(y.token) == "" {
		return ErrNoToken
	}
	return nil
}

// EnsureFolder checks folder and creates it on 404. An existing folder
// (409 on create) is not an error.
func (y *YandexDisk) EnsureFolder(ctx context.Context, folder string) (err error) {
	done := y.stats.Track(metrics.OpRemoteEnsure)
	defer func() { done(err) }()

	return y.retry(ctx, "ensure_folder", func() error {
		status, body, err := y.call(ctx, http.MethodGet, "/resources", url.Values{"path": {folder}})
		if err != nil {
			return &RemoteError{Op: "check folder", Path: folder, Err: err}
		}
		switch status {
		case http.StatusOK:
			return nil
		case http.StatusNotFound:
		default:
			return &RemoteError{Op: "check folder", Path: folder, StatusCode: status, Err: apiMessage(body)}
		}

		status, body, err = y.call(ctx, http.MethodPut, "/resources", url.Values{"path": {folder}})
		if err != nil {
			return &RemoteError{Op: "create folder", Path: folder, Err: err}
		}
		if status != http.StatusCreated && status != http.StatusConflict {
			return &RemoteError{Op: "create folder", Path: folder, StatusCode: status, Err: apiMessage(body)}
		}
		slog.Info("remote folder created", "folder", folder)
		return nil
	})
}

// DownloadIndex fetches folder/index.json. A missing document yields nil, nil.
func (y *YandexDisk) DownloadIndex(ctx context.Context, folder string) (data []byte, err error) {
	done := y.stats.Track(metrics.OpRemoteDownload)
	defer func() { done(err) }()

	path := folder + "/" + indexFile
	err = y.retry(ctx, "download_index", func() error {
		status, body, err := y.call(ctx, http.MethodGet, "/resources/download", url.Values{"path": {path}})
		if err != nil {
			return &RemoteError{Op: "request download link", Path: path, Err: err}
		}
		if status == http.StatusNotFound {
			data = nil
			return nil
		}
		if status != http.StatusOK {
			return &RemoteError{Op: "request download link", Path: path, StatusCode: status, Err: apiMessage(body)}
		}

		href, err := linkHref(body)
		if err != nil {
			return &RemoteError{Op: "request download link", Path: path, Err: err}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, href, nil)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		resp, err := y.payload.Do(req)
		if err != nil {
			return &RemoteError{Op: "download", Path: path, Err: err}
		}
		defer resp.Body.Close()

		payload, err := io.ReadAll(resp.Body)
		if err != nil {
			return &RemoteError{Op: "download", Path: path, Err: err}
		}
		if resp.StatusCode != http.StatusOK {
			return &RemoteError{Op: "download", Path: path, StatusCode: resp.StatusCode, Err: apiMessage(payload)}
		}
		data = payload
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// UploadIndex replaces folder/index.json with data.
func (y *YandexDisk) UploadIndex(ctx context.Context, folder string, data []byte) (err error) {
	done := y.stats.Track(metrics.OpRemoteUpload)
	defer func() { done(err) }()

	path := folder + "/" + indexFile
	return y.retry(ctx, "upload_index", func() error {
		status, body, err := y.call(ctx, http.MethodGet, "/resources/upload", url.Values{"path": {path}, "overwrite": {"true"}})
		if err != nil {
			return &RemoteError{Op: "request upload link", Path: path, Err: err}
		}
		if status != http.StatusOK {
			return &RemoteError{Op: "request upload link", Path: path, StatusCode: status, Err: apiMessage(body)}
		}

		href, err := linkHref(body)
		if err != nil {
			return &RemoteError{Op: "request upload link", Path: path, Err: err}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPut, href, bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := y.payload.Do(req)
		if err != nil {
			return &RemoteError{Op: "upload", Path: path, Err: err}
		}
		defer resp.Body.Close()

		respBody, _ := io.ReadAll(resp.Body)
		switch resp.StatusCode {
		case http.StatusOK, http.StatusCreated, http.StatusAccepted:
			return nil
		default:
			return &RemoteError{Op: "upload", Path: path, StatusCode: resp.StatusCode, Err: apiMessage(respBody)}
		}
	})
}

// call performs an authorized metadata request and returns status and body.
func (y *YandexDisk) call(ctx context.Context, method, endpoint string, params url.Values) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, y.apiURL+endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "OAuth "+y.token)
	req.Header.Set("Accept", "application/json")

	resp, err := y.meta.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	slog.Debug("remote call", "method", method, "endpoint", endpoint, "status", resp.StatusCode)
	return resp.StatusCode, body, nil
}

// retry runs fn, repeating timeout-class RemoteErrors with exponential
// backoff up to maxAttempts. Every other error is returned immediately.
func (y *YandexDisk) retry(ctx context.Context, op string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = y.initialBackoff
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(y.maxAttempts-1)), ctx)

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		var re *RemoteError
		if errors.As(err, &re) && re.Timeout() {
			if attempt < y.maxAttempts {
				slog.Warn("remote call timed out, retrying", "op", op, "attempt", attempt, "error", err)
				metrics.RemoteRetriesTotal.WithLabelValues(op).Inc()
			}
			return err
		}
		return backoff.Permanent(err)
	}, policy)

	metrics.RemoteRequestsTotal.WithLabelValues(op, metrics.Result(err)).Inc()
	return err
}

// linkHref extracts the href of a download or upload link response.
func linkHref(body []byte) (string, error) {
	var link struct {
		Href string `json:"href"`
	}
	if err := json.Unmarshal(body, &link); err != nil {
		return "", fmt.Errorf("decode link: %w", err)
	}
	if link.Href == "" {
		return "", errors.New("no link returned")
	}
	return link.Href, nil
}

// apiMessage turns an error body into an error, preferring the API's
// description, then its message, then the raw text.
func apiMessage(body []byte) error {
	var e struct {
		Description string `json:"description"`
		Message     string `json:"message"`
	}
	if err := json.Unmarshal(body, &e); err == nil {
		if e.Description != "" {
			return errors.New(e.Description)
		}
		if e.Message != "" {
			return errors.New(e.Message)
		}
	}
	text := strings.TrimSpace(string(body))
	if len(text) > 200 {
		text = text[:200] + "..."
	}
	if text == "" {
		text = "empty response"
	}
	return errors.New(text)
}
