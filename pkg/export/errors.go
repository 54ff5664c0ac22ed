package export

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidRequest is returned before submission when an export request is
// incomplete or names an unsafe file name.
var ErrInvalidRequest = errors.New("invalid export request")

// Stages reported by StageError.
const (
	StageSubmit   = "submit"
	StagePoll     = "poll"
	StageDownload = "download"
)

// StageError wraps a transport or API failure with the export stage it
// happened in.
type StageError struct {
	Stage string
	JobID int
	Err   error
}

// Error implements the error interface.
func (e *StageError) Error() string {
	if e.JobID == 0 {
		return fmt.Sprintf("export %s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("export job %d %s: %v", e.JobID, e.Stage, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *StageError) Unwrap() error {
	return e.Err
}

// JobFailedError reports a job that reached the ERROR status on the server.
type JobFailedError struct {
	JobID int
}

// Error implements the error interface.
func (e *JobFailedError) Error() string {
	return fmt.Sprintf("export job %d failed on the server", e.JobID)
}

// TimeoutError reports a job that did not reach a terminal status within
// PollConfig.MaxWait.
type TimeoutError struct {
	JobID      int
	Waited     time.Duration
	Polls      int
	LastStatus Status
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("export job %d still %s after %s (%d polls)", e.JobID, e.LastStatus, e.Waited.Round(time.Millisecond), e.Polls)
}

// LocalIOError reports a failure writing or extracting export files.
type LocalIOError struct {
	Op   string
	Path string
	Err  error
}

// Error implements the error interface.
func (e *LocalIOError) Error() string {
	return fmt.Sprintf("export %s %s: %v", e.Op, e.Path, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *LocalIOError) Unwrap() error {
	return e.Err
}
