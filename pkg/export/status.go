package export

import "strings"

// Status is the server-side state of an export job.
type Status string

const (
	StatusQueued   Status = "QUEUED"
	StatusRunning  Status = "RUNNING"
	StatusComplete Status = "COMPLETE"
	StatusError    Status = "ERROR"
)

// ParseStatus normalizes a status string. Unknown values are kept and treated
// as non-terminal.
func ParseStatus(s string) Status {
	return Status(strings.ToUpper(strings.TrimSpace(s)))
}

// Terminal reports whether polling should stop.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusError
}

// FileType is the format of the exported files.
type FileType string

const (
	FileTypeCSV  FileType = "CSV"
	FileTypeXLSX FileType = "XLSX"
)
