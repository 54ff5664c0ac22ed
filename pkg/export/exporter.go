// Package export runs asynchronous platform exports: submit a job, poll its
// status until it is terminal, then download and unpack the archive.
//
// The job moves SUBMITTED → RUNNING* → COMPLETE | ERROR on the server. A job
// in ERROR is never downloaded; a COMPLETE job is downloaded exactly once.
package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/natefinch/atomic"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/risksense-client/pkg/client"
	"github.com/Sternrassler/risksense-client/pkg/jobstore"
	"github.com/Sternrassler/risksense-client/pkg/logging"
	"github.com/Sternrassler/risksense-client/pkg/search"
	"github.com/Sternrassler/risksense-client/pkg/subject"
)

var (
	pollsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rs_export_polls_total",
		Help: "Total export status polls",
	})

	jobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rs_export_jobs_total",
		Help: "Total export jobs by outcome",
	}, []string{"outcome"}) // "complete", "failed", "timeout", "error"
)

// Recorder persists export job state. *jobstore.Store implements it.
type Recorder interface {
	Save(ctx context.Context, rec *jobstore.JobRecord) error
}

// Request describes one export.
type Request struct {
	Subject  subject.Subject
	Filters  []search.Filter
	FileName string

	// FileType defaults to CSV.
	FileType FileType
	Comment  string

	// ExportableFields are sent verbatim; empty exports the server defaults.
	ExportableFields []json.RawMessage
}

// Validate checks that the request can be submitted and that FileName is
// safe to use as a local file and directory name.
func (r Request) Validate() error {
	if r.Subject == "" {
		return fmt.Errorf("%w: subject is required", ErrInvalidRequest)
	}
	if err := validateFileName(r.FileName); err != nil {
		return err
	}
	switch r.FileType {
	case "", FileTypeCSV, FileTypeXLSX:
	default:
		return fmt.Errorf("%w: unknown file type %q", ErrInvalidRequest, r.FileType)
	}
	return nil
}

func validateFileName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: file name is required", ErrInvalidRequest)
	}
	if !filepath.IsLocal(name) || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: file name %q must be a plain name", ErrInvalidRequest, name)
	}
	return nil
}

type submitBody struct {
	FilterRequest    filterRequest     `json:"filterRequest"`
	FileType         FileType          `json:"fileType"`
	Comment          string            `json:"comment"`
	FileName         string            `json:"fileName"`
	ExportableFields []json.RawMessage `json:"exportableFields"`
}

type filterRequest struct {
	Filters []search.Filter `json:"filters"`
}

func (r Request) body() submitBody {
	b := submitBody{
		FilterRequest:    filterRequest{Filters: r.Filters},
		FileType:         r.FileType,
		Comment:          r.Comment,
		FileName:         r.FileName,
		ExportableFields: r.ExportableFields,
	}
	if b.FilterRequest.Filters == nil {
		b.FilterRequest.Filters = []search.Filter{}
	}
	if b.FileType == "" {
		b.FileType = FileTypeCSV
	}
	if b.ExportableFields == nil {
		b.ExportableFields = []json.RawMessage{}
	}
	return b
}

// Exporter runs export jobs for one client.
type Exporter struct {
	handler  client.RequestHandler
	clientID int
	poll     PollConfig
	recorder Recorder
	logger   zerolog.Logger
}

// Option configures an Exporter.
type Option func(*Exporter)

// WithPollConfig overrides DefaultPollConfig.
func WithPollConfig(config PollConfig) Option {
	return func(e *Exporter) {
		e.poll = config.withDefaults()
	}
}

// WithRecorder records job state on submit and on every status change.
func WithRecorder(recorder Recorder) Option {
	return func(e *Exporter) {
		e.recorder = recorder
	}
}

// New creates an exporter.
func New(handler client.RequestHandler, clientID int, opts ...Option) *Exporter {
	e := &Exporter{
		handler:  handler,
		clientID: clientID,
		poll:     DefaultPollConfig(),
		logger:   logging.NewLogger(logging.ComponentExport).With().Int("client_id", clientID).Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Submit starts an export job and returns its ID.
func (e *Exporter) Submit(ctx context.Context, req Request) (int, error) {
	if err := req.Validate(); err != nil {
		return 0, err
	}

	var resp struct {
		ID int `json:"id"`
	}
	_, err := e.handler.DoJSON(ctx, &client.Request{
		Method: http.MethodPost,
		Path:   req.Subject.ExportPath(e.clientID),
		Body:   req.body(),
	}, &resp)
	if err != nil {
		return 0, &StageError{Stage: StageSubmit, Err: err}
	}
	if resp.ID <= 0 {
		return 0, &StageError{Stage: StageSubmit, Err: errors.New("response carried no job id")}
	}

	e.logger.Info().
		Int("job_id", resp.ID).
		Str("subject", req.Subject.String()).
		Str("file_name", req.FileName).
		Msg("Export submitted")

	return resp.ID, nil
}

// CheckStatus queries the job status once.
func (e *Exporter) CheckStatus(ctx context.Context, jobID int) (Status, error) {
	var resp struct {
		Status string `json:"status"`
	}
	_, err := e.handler.DoJSON(ctx, &client.Request{
		Method: http.MethodGet,
		Path:   subject.ExportStatusPath(e.clientID, jobID),
	}, &resp)
	if err != nil {
		return "", err
	}
	return ParseStatus(resp.Status), nil
}

// Wait polls until the job is terminal. It returns StatusComplete, a
// *JobFailedError, a *TimeoutError after PollConfig.MaxWait, or a
// *StageError when a poll request fails.
func (e *Exporter) Wait(ctx context.Context, jobID int) (Status, error) {
	return e.wait(ctx, jobID, nil)
}

func (e *Exporter) wait(ctx context.Context, jobID int, rec *jobstore.JobRecord) (Status, error) {
	start := time.Now()
	deadline := start.Add(e.poll.MaxWait)
	b := newBackoff(e.poll)
	polls := 0
	var last Status

	// Status requests share the wait budget, whatever handler is injected.
	pollCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	timeout := func() error {
		return &TimeoutError{JobID: jobID, Waited: time.Since(start), Polls: polls, LastStatus: last}
	}

	for {
		status, err := e.CheckStatus(pollCtx, jobID)
		polls++
		pollsTotal.Inc()
		if err != nil {
			if ctx.Err() == nil && errors.Is(pollCtx.Err(), context.DeadlineExceeded) {
				return last, timeout()
			}
			return last, &StageError{Stage: StagePoll, JobID: jobID, Err: err}
		}

		if status != last {
			e.logger.Debug().
				Int("job_id", jobID).
				Str("status", string(status)).
				Int("polls", polls).
				Msg("Export status changed")
			last = status
			if rec != nil {
				rec.Status = string(status)
				e.record(ctx, rec)
			}
		}

		switch status {
		case StatusComplete:
			return status, nil
		case StatusError:
			return status, &JobFailedError{JobID: jobID}
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return status, timeout()
		}
		if err := sleepContext(ctx, min(b.Next(), remaining)); err != nil {
			return status, fmt.Errorf("wait for export job %d: %w", jobID, err)
		}
		if !time.Now().Before(deadline) {
			return status, timeout()
		}
	}
}

// Download streams the job's archive to dest. The file appears only once
// the download completed.
func (e *Exporter) Download(ctx context.Context, jobID int, dest string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, &LocalIOError{Op: "mkdir", Path: filepath.Dir(dest), Err: err}
	}

	pr, pw := io.Pipe()
	var (
		n     int64
		dlErr error
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		n, dlErr = e.handler.Download(ctx, &client.Request{
			Method:  http.MethodGet,
			Path:    subject.ExportDownloadPath(e.clientID, jobID),
			Headers: http.Header{"Accept": []string{"application/zip, application/octet-stream"}},
		}, pw)
		_ = pw.CloseWithError(dlErr)
	}()

	writeErr := atomic.WriteFile(dest, pr)
	// Unblock the downloader if the write gave up early.
	_ = pr.Close()
	<-done

	switch {
	case dlErr != nil && !(writeErr != nil && errors.Is(dlErr, io.ErrClosedPipe)):
		return n, &StageError{Stage: StageDownload, JobID: jobID, Err: dlErr}
	case writeErr != nil:
		return n, &LocalIOError{Op: "write", Path: dest, Err: writeErr}
	}

	e.logger.Debug().
		Int("job_id", jobID).
		Str("path", dest).
		Int64("bytes", n).
		Msg("Export archive downloaded")

	return n, nil
}

// Run submits req, waits for the job, downloads <outDir>/<FileName>.zip and
// extracts it to <outDir>/<FileName>/, returning that directory.
func (e *Exporter) Run(ctx context.Context, req Request, outDir string) (string, error) {
	jobID, err := e.Submit(ctx, req)
	if err != nil {
		jobsTotal.WithLabelValues("error").Inc()
		return "", err
	}

	rec := &jobstore.JobRecord{
		JobID:       jobID,
		ClientID:    e.clientID,
		Subject:     req.Subject.String(),
		FileName:    req.FileName,
		OutputDir:   outDir,
		Status:      "SUBMITTED",
		SubmittedAt: time.Now().UTC(),
	}
	e.record(ctx, rec)

	return e.finish(ctx, rec)
}

// Resume continues a previously submitted job from its record: wait, then
// download and extract into rec.OutputDir.
func (e *Exporter) Resume(ctx context.Context, rec *jobstore.JobRecord) (string, error) {
	if rec == nil || rec.JobID <= 0 {
		return "", fmt.Errorf("%w: job id is required", ErrInvalidRequest)
	}
	if err := validateFileName(rec.FileName); err != nil {
		return "", err
	}

	e.logger.Info().
		Int("job_id", rec.JobID).
		Str("last_status", rec.Status).
		Msg("Resuming export")

	return e.finish(ctx, rec)
}

func (e *Exporter) finish(ctx context.Context, rec *jobstore.JobRecord) (string, error) {
	start := time.Now()

	if _, err := e.wait(ctx, rec.JobID, rec); err != nil {
		jobsTotal.WithLabelValues(outcome(err)).Inc()
		e.logger.Warn().Err(err).Int("job_id", rec.JobID).Msg("Export did not complete")
		return "", err
	}

	archive := filepath.Join(rec.OutputDir, rec.FileName+".zip")
	dir := filepath.Join(rec.OutputDir, rec.FileName)

	if _, err := e.Download(ctx, rec.JobID, archive); err != nil {
		jobsTotal.WithLabelValues("error").Inc()
		return "", err
	}
	if err := Unzip(archive, dir); err != nil {
		jobsTotal.WithLabelValues("error").Inc()
		return "", err
	}

	jobsTotal.WithLabelValues("complete").Inc()
	e.logger.Info().
		Int("job_id", rec.JobID).
		Str("dir", dir).
		Dur("duration", time.Since(start)).
		Msg("Export complete")

	return dir, nil
}

// record saves rec if a recorder is configured. Failures are logged only.
func (e *Exporter) record(ctx context.Context, rec *jobstore.JobRecord) {
	if e.recorder == nil {
		return
	}
	if err := e.recorder.Save(ctx, rec); err != nil {
		e.logger.Warn().
			Err(err).
			Int("job_id", rec.JobID).
			Msg("Failed to record export job")
	}
}

func outcome(err error) string {
	var failed *JobFailedError
	var timeout *TimeoutError
	switch {
	case errors.As(err, &failed):
		return "failed"
	case errors.As(err, &timeout):
		return "timeout"
	default:
		return "error"
	}
}
