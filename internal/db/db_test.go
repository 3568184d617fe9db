//go:build integration

package db

import (
	"context"
	"fmt"
	"log"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/raphaelgruber/mapnotebook/internal/models"
)

var testDB *Client

// TestMain starts one SurrealDB container for all history tests.
func TestMain(m *testing.M) {
	// Ryuk is unreliable in some CI environments.
	os.Setenv("TESTCONTAINERS_RYUK_DISABLED", "true")

	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "surrealdb/surrealdb:v3.0.0-beta.1",
			ExposedPorts: []string{"8000/tcp"},
			Cmd:          []string{"start", "--log", "info", "--user", "root", "--pass", "root"},
			WaitingFor:   wait.ForLog("Started web server").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		log.Fatalf("Failed to start SurrealDB container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		log.Fatalf("Failed to get container host: %v", err)
	}
	// testcontainers may report "null" as host in some environments.
	if host == "" || host == "null" {
		host = "localhost"
	}
	port, err := container.MappedPort(ctx, "8000")
	if err != nil {
		log.Fatalf("Failed to get mapped port: %v", err)
	}

	testDB, err = NewClient(ctx, Config{
		URL:       fmt.Sprintf("ws://%s:%s/rpc", host, port.Port()),
		Namespace: "test",
		Database:  "test",
		Username:  "root",
		Password:  "root",
		AuthLevel: "root",
	}, nil)
	if err != nil {
		log.Fatalf("Failed to connect to test database: %v", err)
	}

	if err := testDB.InitSchema(ctx); err != nil {
		log.Fatalf("Failed to initialize schema: %v", err)
	}

	code := m.Run()

	_ = testDB.Close(ctx)
	_ = container.Terminate(ctx)

	os.Exit(code)
}

func TestSaveAndGetBatch(t *testing.T) {
	ctx := context.Background()
	require.NoError(t, testDB.WipeData(ctx))

	started := time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)
	completed := started.Add(42 * time.Second)
	persistErr := "failed to upload index"

	rec := &models.BatchRecord{
		Status: "completed",
		Folder: "Notebook/2026-10-17",
		Files:  []string{"a.gpx", "b.kml"},
		Processed: []models.FileOutcome{
			{Name: "a.gpx", Size: "1.2 KB"},
		},
		Failed: []models.FileOutcome{
			{Name: "b.kml", Size: "3.0 B", Error: "failed to read KML"},
		},
		PersistError: &persistErr,
		StartedAt:    started,
		CompletedAt:  &completed,
	}
	require.NoError(t, testDB.SaveBatch(ctx, "b-1", rec))

	got, err := testDB.GetBatch(ctx, "b-1")
	require.NoError(t, err)

	id, err := models.RecordIDString(got.ID)
	require.NoError(t, err)
	assert.Equal(t, "b-1", id)
	assert.Equal(t, "completed", got.Status)
	assert.Equal(t, rec.Files, got.Files)
	assert.Equal(t, rec.Processed, got.Processed)
	assert.Equal(t, rec.Failed, got.Failed)
	assert.Nil(t, got.Error)
	require.NotNil(t, got.PersistError)
	assert.Equal(t, persistErr, *got.PersistError)
	assert.False(t, got.Persisted)
	assert.True(t, started.Equal(got.StartedAt))
	require.NotNil(t, got.CompletedAt)
	assert.True(t, completed.Equal(*got.CompletedAt))
}

func TestSaveBatchUpserts(t *testing.T) {
	ctx := context.Background()
	require.NoError(t, testDB.WipeData(ctx))

	rec := &models.BatchRecord{Status: "processing", Folder: "f", StartedAt: time.Now().UTC()}
	require.NoError(t, testDB.SaveBatch(ctx, "b-2", rec))

	rec.Status = "error"
	msg := "configuration error"
	rec.Error = &msg
	require.NoError(t, testDB.SaveBatch(ctx, "b-2", rec))

	all, err := testDB.ListBatches(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "error", all[0].Status)
	require.NotNil(t, all[0].Error)
	assert.Equal(t, msg, *all[0].Error)
}

func TestGetBatchNotFound(t *testing.T) {
	_, err := testDB.GetBatch(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListBatchesNewestFirst(t *testing.T) {
	ctx := context.Background()
	require.NoError(t, testDB.WipeData(ctx))

	base := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"old", "newest", "middle"} {
		offset := map[string]int{"old": 0, "newest": 2, "middle": 1}[id]
		rec := &models.BatchRecord{
			Status:    "completed",
			Folder:    fmt.Sprintf("f-%d", i),
			StartedAt: base.Add(time.Duration(offset) * time.Hour),
		}
		require.NoError(t, testDB.SaveBatch(ctx, id, rec))
	}

	all, err := testDB.ListBatches(ctx, 2)
	require.NoError(t, err)
	require.Len(t, all, 2)

	first, err := models.RecordIDString(all[0].ID)
	require.NoError(t, err)
	second, err := models.RecordIDString(all[1].ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"newest", "middle"}, []string{first, second})
}
