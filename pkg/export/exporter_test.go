package export

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sternrassler/risksense-client/internal/testutil"
	"github.com/Sternrassler/risksense-client/pkg/client"
	"github.com/Sternrassler/risksense-client/pkg/jobstore"
	"github.com/Sternrassler/risksense-client/pkg/search"
	"github.com/Sternrassler/risksense-client/pkg/subject"
)

const testClientID = 42

var fastPoll = PollConfig{
	InitialInterval: time.Millisecond,
	MaxInterval:     5 * time.Millisecond,
	Multiplier:      2,
	MaxWait:         5 * time.Second,
}

func newTestExporter(t *testing.T, mock *testutil.MockPlatform, opts ...Option) *Exporter {
	t.Helper()
	c, err := client.New(client.DefaultConfig(mock.URL(), testutil.TestAPIKey))
	require.NoError(t, err)
	return New(c, testClientID, append([]Option{WithPollConfig(fastPoll)}, opts...)...)
}

func setArchive(t *testing.T, mock *testutil.MockPlatform, files map[string]string) {
	t.Helper()
	archive, err := testutil.ZipArchive(files)
	require.NoError(t, err)
	mock.SetExportArchive(archive)
}

func testRequest() Request {
	return Request{
		Subject:  subject.HostFinding,
		Filters:  []search.Filter{search.NewFilter("severity", "RANGE", "7,10", false)},
		FileName: "weekly",
	}
}

// memRecorder keeps every saved status in order.
type memRecorder struct {
	mu       sync.Mutex
	statuses []string
	err      error
}

func (r *memRecorder) Save(ctx context.Context, rec *jobstore.JobRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, rec.Status)
	return r.err
}

func TestRun_RunningRunningComplete(t *testing.T) {
	mock := testutil.NewMockPlatform()
	defer mock.Close()
	mock.SetExportStatuses("RUNNING", "RUNNING", "COMPLETE")
	setArchive(t, mock, map[string]string{
		"findings.csv":     "id,title\n1,Open port\n",
		"nested/notes.txt": "hello",
	})

	outDir := t.TempDir()
	dir, err := newTestExporter(t, mock).Run(context.Background(), testRequest(), outDir)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(outDir, "weekly"), dir)
	assert.Equal(t, 3, mock.StatusPolls())
	assert.Equal(t, 1, mock.DownloadCalls())

	data, err := os.ReadFile(filepath.Join(dir, "findings.csv"))
	require.NoError(t, err)
	assert.Equal(t, "id,title\n1,Open port\n", string(data))

	data, err = os.ReadFile(filepath.Join(dir, "nested", "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	assert.FileExists(t, filepath.Join(outDir, "weekly.zip"))
}

func TestRun_RunningError(t *testing.T) {
	mock := testutil.NewMockPlatform()
	defer mock.Close()
	mock.SetExportStatuses("RUNNING", "ERROR")
	setArchive(t, mock, map[string]string{"a.csv": "x\n"})

	outDir := t.TempDir()
	_, err := newTestExporter(t, mock).Run(context.Background(), testRequest(), outDir)

	var failed *JobFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, 1001, failed.JobID)
	assert.Equal(t, 2, mock.StatusPolls())
	assert.Equal(t, 0, mock.DownloadCalls())
	assert.NoFileExists(t, filepath.Join(outDir, "weekly.zip"))
}

func TestRun_StateMachine(t *testing.T) {
	tests := []struct {
		name          string
		statuses      []string
		wantPolls     int
		wantDownloads int
		wantFailed    bool
	}{
		{name: "immediately complete", statuses: []string{"COMPLETE"}, wantPolls: 1, wantDownloads: 1},
		{name: "immediately failed", statuses: []string{"ERROR"}, wantPolls: 1, wantFailed: true},
		{name: "queued then complete", statuses: []string{"QUEUED", "QUEUED", "RUNNING", "COMPLETE"}, wantPolls: 4, wantDownloads: 1},
		{name: "lower case statuses", statuses: []string{"running", "error"}, wantPolls: 2, wantFailed: true},
		{name: "unknown status is not terminal", statuses: []string{"PREPARING", "COMPLETE"}, wantPolls: 2, wantDownloads: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := testutil.NewMockPlatform()
			defer mock.Close()
			mock.SetExportStatuses(tt.statuses...)
			setArchive(t, mock, map[string]string{"a.csv": "x\n"})

			_, err := newTestExporter(t, mock).Run(context.Background(), testRequest(), t.TempDir())

			var failed *JobFailedError
			if tt.wantFailed {
				assert.ErrorAs(t, err, &failed)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantPolls, mock.StatusPolls())
			assert.Equal(t, tt.wantDownloads, mock.DownloadCalls())
		})
	}
}

func TestWait_Timeout(t *testing.T) {
	mock := testutil.NewMockPlatform()
	defer mock.Close()
	// No script: RUNNING forever.

	config := fastPoll
	config.MaxWait = 100 * time.Millisecond
	exporter := newTestExporter(t, mock, WithPollConfig(config))

	start := time.Now()
	_, err := exporter.Run(context.Background(), testRequest(), t.TempDir())
	elapsed := time.Since(start)

	var timeout *TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, StatusRunning, timeout.LastStatus)
	assert.Equal(t, mock.StatusPolls(), timeout.Polls)
	assert.GreaterOrEqual(t, timeout.Waited, 100*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
	assert.Equal(t, 0, mock.DownloadCalls())
}

// stallingHandler never answers; every call returns only once ctx ends.
type stallingHandler struct {
	calls atomic.Int32
}

func (h *stallingHandler) Do(ctx context.Context, req *client.Request) (*client.Response, error) {
	h.calls.Add(1)
	<-ctx.Done()
	return nil, ctx.Err()
}

func (h *stallingHandler) DoJSON(ctx context.Context, req *client.Request, out any) (*client.Response, error) {
	return h.Do(ctx, req)
}

func (h *stallingHandler) Download(ctx context.Context, req *client.Request, w io.Writer) (int64, error) {
	_, err := h.Do(ctx, req)
	return 0, err
}

func TestWait_StalledStatusRequestHonoursMaxWait(t *testing.T) {
	handler := &stallingHandler{}
	config := fastPoll
	config.MaxWait = 100 * time.Millisecond
	exporter := New(handler, testClientID, WithPollConfig(config))

	start := time.Now()
	_, err := exporter.Wait(context.Background(), 7)
	elapsed := time.Since(start)

	var timeout *TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, 7, timeout.JobID)
	assert.Equal(t, 1, timeout.Polls)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
	assert.Equal(t, int32(1), handler.calls.Load())
}

func TestWait_ContextCancelled(t *testing.T) {
	mock := testutil.NewMockPlatform()
	defer mock.Close()

	exporter := newTestExporter(t, mock, WithPollConfig(PollConfig{
		InitialInterval: time.Minute,
		MaxWait:         time.Hour,
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := exporter.Wait(ctx, 1)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, 1, mock.StatusPolls())
}

func TestWait_PollFailure(t *testing.T) {
	mock := testutil.NewMockPlatform()
	defer mock.Close()
	mock.SetHandler("/client/42/export/5/status", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := newTestExporter(t, mock).Wait(context.Background(), 5)

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, StagePoll, stageErr.Stage)
	assert.Equal(t, 5, stageErr.JobID)

	var apiErr *client.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, client.ErrorClassServer, apiErr.ErrorClass)
}

func TestSubmit_Body(t *testing.T) {
	mock := testutil.NewMockPlatform()
	defer mock.Close()

	req := testRequest()
	req.Comment = "weekly snapshot"
	jobID, err := newTestExporter(t, mock).Submit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 1001, jobID)

	calls := mock.ExportCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "hostFinding", calls[0].Subject)
	assert.Equal(t, testClientID, calls[0].ClientID)

	body := calls[0].Body
	assert.Equal(t, "CSV", body["fileType"])
	assert.Equal(t, "weekly", body["fileName"])
	assert.Equal(t, "weekly snapshot", body["comment"])
	assert.Equal(t, []any{}, body["exportableFields"])

	filterRequest, ok := body["filterRequest"].(map[string]any)
	require.True(t, ok, "filterRequest missing: %v", body)
	assert.Equal(t, []any{map[string]any{
		"field": "severity", "exclusive": false, "operator": "RANGE", "value": "7,10",
	}}, filterRequest["filters"])
}

func TestSubmit_Invalid(t *testing.T) {
	mock := testutil.NewMockPlatform()
	defer mock.Close()
	exporter := newTestExporter(t, mock)

	tests := []struct {
		name string
		req  Request
	}{
		{name: "no subject", req: Request{FileName: "x"}},
		{name: "no file name", req: Request{Subject: subject.Host}},
		{name: "traversal", req: Request{Subject: subject.Host, FileName: "../x"}},
		{name: "separator", req: Request{Subject: subject.Host, FileName: "a/b"}},
		{name: "file type", req: Request{Subject: subject.Host, FileName: "x", FileType: "PDF"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := exporter.Submit(context.Background(), tt.req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
	assert.Equal(t, 0, mock.RequestCount())
}

func TestSubmit_Rejected(t *testing.T) {
	mock := testutil.NewMockPlatform()
	defer mock.Close()
	mock.SetAPIKey("someone-else")

	_, err := newTestExporter(t, mock).Run(context.Background(), testRequest(), t.TempDir())

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, StageSubmit, stageErr.Stage)
	assert.Equal(t, 0, mock.StatusPolls())
}

func TestDownload_NotFound(t *testing.T) {
	mock := testutil.NewMockPlatform()
	defer mock.Close()

	dest := filepath.Join(t.TempDir(), "missing.zip")
	_, err := newTestExporter(t, mock).Download(context.Background(), 9, dest)

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, StageDownload, stageErr.Stage)
	assert.True(t, client.IsNotFound(err))
	assert.NoFileExists(t, dest)
}

func TestDownload_LocalFailure(t *testing.T) {
	mock := testutil.NewMockPlatform()
	defer mock.Close()
	setArchive(t, mock, map[string]string{"a.csv": "x\n"})

	// A regular file where the output directory should be.
	blocker := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	_, err := newTestExporter(t, mock).Download(context.Background(), 9, filepath.Join(blocker, "out.zip"))

	var ioErr *LocalIOError
	require.ErrorAs(t, err, &ioErr)
	var stageErr *StageError
	assert.False(t, errors.As(err, &stageErr))
}

func TestRun_LocalFailureIsDistinct(t *testing.T) {
	mock := testutil.NewMockPlatform()
	defer mock.Close()
	mock.SetExportStatuses("COMPLETE")
	mock.SetExportArchive([]byte("not a zip archive"))

	_, err := newTestExporter(t, mock).Run(context.Background(), testRequest(), t.TempDir())

	var ioErr *LocalIOError
	require.ErrorAs(t, err, &ioErr)
	assert.Equal(t, "open archive", ioErr.Op)

	var failed *JobFailedError
	assert.False(t, errors.As(err, &failed))
	assert.Equal(t, 1, mock.DownloadCalls())
}

func TestRun_RecordsStatusChanges(t *testing.T) {
	mock := testutil.NewMockPlatform()
	defer mock.Close()
	mock.SetExportStatuses("QUEUED", "RUNNING", "RUNNING", "COMPLETE")
	setArchive(t, mock, map[string]string{"a.csv": "x\n"})

	recorder := &memRecorder{}
	_, err := newTestExporter(t, mock, WithRecorder(recorder)).Run(context.Background(), testRequest(), t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, []string{"SUBMITTED", "QUEUED", "RUNNING", "COMPLETE"}, recorder.statuses)
}

func TestRun_RecorderFailureIsNotFatal(t *testing.T) {
	mock := testutil.NewMockPlatform()
	defer mock.Close()
	mock.SetExportStatuses("COMPLETE")
	setArchive(t, mock, map[string]string{"a.csv": "x\n"})

	recorder := &memRecorder{err: errors.New("redis down")}
	_, err := newTestExporter(t, mock, WithRecorder(recorder)).Run(context.Background(), testRequest(), t.TempDir())
	assert.NoError(t, err)
}

func TestResume(t *testing.T) {
	mock := testutil.NewMockPlatform()
	defer mock.Close()
	mock.SetExportStatuses("RUNNING", "COMPLETE")
	setArchive(t, mock, map[string]string{"hosts.csv": "id\n1\n"})

	outDir := t.TempDir()
	dir, err := newTestExporter(t, mock).Resume(context.Background(), &jobstore.JobRecord{
		JobID:     77,
		ClientID:  testClientID,
		Subject:   "host",
		FileName:  "hosts",
		OutputDir: outDir,
		Status:    "RUNNING",
	})
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(outDir, "hosts"), dir)
	assert.FileExists(t, filepath.Join(dir, "hosts.csv"))
	assert.Empty(t, mock.ExportCalls())

	_, err = newTestExporter(t, mock).Resume(context.Background(), &jobstore.JobRecord{FileName: "x"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestErrors_Messages(t *testing.T) {
	base := errors.New("boom")

	assert.Equal(t, "export submit: boom", (&StageError{Stage: StageSubmit, Err: base}).Error())
	assert.Equal(t, "export job 3 poll: boom", (&StageError{Stage: StagePoll, JobID: 3, Err: base}).Error())
	assert.Equal(t, "export job 3 failed on the server", (&JobFailedError{JobID: 3}).Error())
	assert.Equal(t, "export job 3 still RUNNING after 1.5s (4 polls)",
		(&TimeoutError{JobID: 3, Waited: 1500 * time.Millisecond, Polls: 4, LastStatus: StatusRunning}).Error())
	assert.Equal(t, "export write /tmp/x: boom", (&LocalIOError{Op: "write", Path: "/tmp/x", Err: base}).Error())
	assert.ErrorIs(t, &LocalIOError{Err: base}, base)
}

func TestParseStatus(t *testing.T) {
	assert.Equal(t, StatusComplete, ParseStatus(" complete "))
	assert.True(t, ParseStatus("Error").Terminal())
	assert.False(t, ParseStatus("RUNNING").Terminal())
	assert.False(t, ParseStatus("").Terminal())
}
