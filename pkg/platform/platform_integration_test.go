//go:build integration

package platform

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/Sternrassler/risksense-client/internal/testutil"
	"github.com/Sternrassler/risksense-client/pkg/export"
	"github.com/Sternrassler/risksense-client/pkg/jobstore"
)

func setupRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err, "start redis container")

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	rdb := redis.NewClient(&redis.Options{Addr: host + ":" + port.Port()})
	t.Cleanup(func() {
		rdb.Close()
		_ = container.Terminate(ctx)
	})
	return rdb
}

// An export recorded in Redis can be listed and resumed by a fresh Platform.
func TestIntegration_RecordedExportResume(t *testing.T) {
	ctx := context.Background()
	store := jobstore.NewStore(setupRedis(t))

	mock := testutil.NewMockPlatform()
	defer mock.Close()
	archive, err := testutil.ZipArchive(map[string]string{"hosts.csv": "id,name\n1,web-01\n"})
	require.NoError(t, err)
	mock.SetExportArchive(archive)

	// First run: the server reports the job failed.
	mock.SetExportStatuses("QUEUED", "ERROR")
	p := newTestPlatform(t, mock, WithRecorder(store))
	outDir := t.TempDir()

	_, err = p.Hosts.Export(ctx, export.Request{FileName: "hosts"}, outDir)
	var failed *export.JobFailedError
	require.ErrorAs(t, err, &failed)

	records, err := store.List(ctx, testClientID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "ERROR", records[0].Status)
	assert.Equal(t, "host", records[0].Subject)

	// The server retried the job; resume from the stored record.
	mock.SetExportStatuses("RUNNING", "COMPLETE")
	rec, err := store.Get(ctx, testClientID, records[0].JobID)
	require.NoError(t, err)

	resumed := newTestPlatform(t, mock, WithRecorder(store))
	dir, err := resumed.Resume(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(outDir, "hosts"), dir)

	data, err := os.ReadFile(filepath.Join(dir, "hosts.csv"))
	require.NoError(t, err)
	assert.Equal(t, "id,name\n1,web-01\n", string(data))

	rec, err = store.Get(ctx, testClientID, rec.JobID)
	require.NoError(t, err)
	assert.Equal(t, "COMPLETE", rec.Status)
	assert.True(t, rec.Terminal())
}
