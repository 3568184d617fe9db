package remote

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/mapnotebook/internal/metrics"
)

const folder = "Приложения/Блокнот/2026-10-17"

func newTestDisk(t *testing.T, handler http.HandlerFunc) (*YandexDisk, *metrics.Collector) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	stats := metrics.NewCollector()
	return NewYandexDisk(Config{
		APIURL:                srv.URL,
		Token:                 "secret",
		MetaConnectTimeout:    time.Second,
		MetaReadTimeout:       100 * time.Millisecond,
		PayloadConnectTimeout: time.Second,
		PayloadReadTimeout:    time.Second,
		MaxAttempts:           3,
		InitialBackoff:        time.Millisecond,
	}, stats), stats
}

func TestEnsureFolder(t *testing.T) {
	tests := []struct {
		name      string
		getStatus int
		putStatus int
		wantPut   bool
		wantErr   bool
		wantAuth  bool
	}{
		{name: "exists", getStatus: http.StatusOK},
		{name: "created", getStatus: http.StatusNotFound, putStatus: http.StatusCreated, wantPut: true},
		{name: "created concurrently", getStatus: http.StatusNotFound, putStatus: http.StatusConflict, wantPut: true},
		{name: "create fails", getStatus: http.StatusNotFound, putStatus: http.StatusInsufficientStorage, wantPut: true, wantErr: true},
		{name: "unauthorized", getStatus: http.StatusUnauthorized, wantErr: true, wantAuth: true},
		{name: "forbidden", getStatus: http.StatusForbidden, wantErr: true, wantAuth: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var put atomic.Bool
			disk, _ := newTestDisk(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "OAuth secret", r.Header.Get("Authorization"))
				assert.Equal(t, "/resources", r.URL.Path)
				assert.Equal(t, folder, r.URL.Query().Get("path"))
				switch r.Method {
				case http.MethodGet:
					w.WriteHeader(tt.getStatus)
					_, _ = w.Write([]byte(`{"description":"resource says no"}`))
				case http.MethodPut:
					put.Store(true)
					w.WriteHeader(tt.putStatus)
				}
			})

			err := disk.EnsureFolder(context.Background(), folder)
			assert.Equal(t, tt.wantPut, put.Load())
			if !tt.wantErr {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantAuth, IsAuthError(err))
		})
	}
}

func TestDownloadIndex(t *testing.T) {
	t.Run("present", func(t *testing.T) {
		var srvURL string
		disk, stats := newTestDisk(t, func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/resources/download":
				assert.Equal(t, folder+"/index.json", r.URL.Query().Get("path"))
				_, _ = w.Write([]byte(`{"href":"` + srvURL + `/blob","method":"GET"}`))
			case "/blob":
				_, _ = w.Write([]byte(`{"paths":{},"points":{}}`))
			default:
				t.Errorf("unexpected path %s", r.URL.Path)
			}
		})
		srvURL = disk.apiURL

		data, err := disk.DownloadIndex(context.Background(), folder)
		require.NoError(t, err)
		assert.JSONEq(t, `{"paths":{},"points":{}}`, string(data))

		snap := stats.Snapshot()
		require.Len(t, snap.Operations, 1)
		assert.Equal(t, metrics.OpRemoteDownload, snap.Operations[0].Name)
	})

	t.Run("absent", func(t *testing.T) {
		disk, _ := newTestDisk(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})
		data, err := disk.DownloadIndex(context.Background(), folder)
		require.NoError(t, err)
		assert.Nil(t, data)
	})

	t.Run("server errors are not retried", func(t *testing.T) {
		var calls atomic.Int32
		disk, _ := newTestDisk(t, func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"message":"boom"}`))
		})
		_, err := disk.DownloadIndex(context.Background(), folder)

		var re *RemoteError
		require.True(t, errors.As(err, &re))
		assert.Equal(t, http.StatusInternalServerError, re.StatusCode)
		assert.Contains(t, err.Error(), "boom")
		assert.Equal(t, int32(1), calls.Load())
	})
}

func TestUploadIndex(t *testing.T) {
	var (
		srvURL   string
		uploaded []byte
	)
	disk, _ := newTestDisk(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/resources/upload":
			assert.Equal(t, "true", r.URL.Query().Get("overwrite"))
			assert.Equal(t, folder+"/index.json", r.URL.Query().Get("path"))
			_, _ = w.Write([]byte(`{"href":"` + srvURL + `/put-target"}`))
		case "/put-target":
			assert.Equal(t, http.MethodPut, r.Method)
			uploaded, _ = io.ReadAll(r.Body)
			w.WriteHeader(http.StatusCreated)
		}
	})
	srvURL = disk.apiURL

	require.NoError(t, disk.UploadIndex(context.Background(), folder, []byte(`{"paths":{}}`)))
	assert.Equal(t, `{"paths":{}}`, string(uploaded))
}

func TestUploadIndexMissingLink(t *testing.T) {
	disk, _ := newTestDisk(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})
	err := disk.UploadIndex(context.Background(), folder, []byte(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no link returned")
}

func TestRetryOnTimeout(t *testing.T) {
	t.Run("recovers", func(t *testing.T) {
		var calls atomic.Int32
		disk, _ := newTestDisk(t, func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) < 3 {
				time.Sleep(300 * time.Millisecond)
			}
			w.WriteHeader(http.StatusOK)
		})

		require.NoError(t, disk.EnsureFolder(context.Background(), folder))
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		var calls atomic.Int32
		disk, _ := newTestDisk(t, func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			time.Sleep(300 * time.Millisecond)
		})

		err := disk.EnsureFolder(context.Background(), folder)
		var re *RemoteError
		require.True(t, errors.As(err, &re))
		assert.True(t, re.Timeout())
		assert.Equal(t, int32(3), calls.Load())
	})
}

func TestCheckCredentials(t *testing.T) {
	assert.ErrorIs(t, NewYandexDisk(Config{}, nil).CheckCredentials(), ErrNoToken)
	assert.NoError(t, NewYandexDisk(Config{Token: "t"}, nil).CheckCredentials())
}

func TestRemoteErrorClassification(t *testing.T) {
	auth := &RemoteError{Op: "check folder", Path: "p", StatusCode: http.StatusUnauthorized, Err: errors.New("x")}
	assert.True(t, auth.IsAuth())
	assert.False(t, auth.Timeout())
	assert.Equal(t, "check folder p: status 401: x", auth.Error())

	plain := &RemoteError{Op: "upload", Path: "p", Err: errors.New("reset")}
	assert.False(t, plain.IsAuth())
	assert.False(t, plain.Timeout())
	assert.False(t, IsAuthError(errors.New("other")))
}
