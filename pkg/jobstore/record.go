package jobstore

import (
	"fmt"
	"strings"
	"time"
)

const keyPrefix = "rs:export"

// JobRecord is the persisted state of one export job.
type JobRecord struct {
	JobID    int    `json:"job_id"`
	ClientID int    `json:"client_id"`
	Subject  string `json:"subject"`

	// FileName names the archive (<FileName>.zip) and the extraction
	// directory (<FileName>/) inside OutputDir.
	FileName  string `json:"file_name"`
	OutputDir string `json:"output_dir"`

	// Status is the last status observed by the poller.
	Status string `json:"status"`

	SubmittedAt time.Time `json:"submitted_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Key returns the Redis key of the record.
func (r *JobRecord) Key() string {
	return Key(r.ClientID, r.JobID)
}

// Terminal reports whether the job reached COMPLETE or ERROR.
func (r *JobRecord) Terminal() bool {
	switch strings.ToUpper(r.Status) {
	case "COMPLETE", "ERROR":
		return true
	default:
		return false
	}
}

// Key builds the record key.
// Format: rs:export:<clientID>:<jobID>
func Key(clientID, jobID int) string {
	return fmt.Sprintf("%s:%d:%d", keyPrefix, clientID, jobID)
}

func clientPattern(clientID int) string {
	return fmt.Sprintf("%s:%d:*", keyPrefix, clientID)
}
