// Package subject names the platform resource types and templates their
// endpoint paths.
package subject

import (
	"fmt"
	"strconv"
)

// Subject is a named resource type. It parameterizes every URL template.
type Subject string

const (
	ApplicationFinding Subject = "applicationFinding"
	HostFinding        Subject = "hostFinding"
	Host               Subject = "host"
	Connector          Subject = "connector"
	SLA                Subject = "sla"
	Workflow           Subject = "workflowBatch"
)

// plurals maps a subject to the key its records are embedded under in
// paginated responses.
var plurals = map[Subject]string{
	ApplicationFinding: "applicationFindings",
	HostFinding:        "hostFindings",
	Host:               "hosts",
	Connector:          "connectors",
	SLA:                "slas",
	Workflow:           "workflowBatches",
}

// All returns every known subject in a stable order.
func All() []Subject {
	return []Subject{ApplicationFinding, HostFinding, Host, Connector, SLA, Workflow}
}

// Parse resolves a subject name, rejecting unknown values.
func Parse(name string) (Subject, error) {
	s := Subject(name)
	if _, ok := plurals[s]; !ok {
		return "", fmt.Errorf("unknown subject %q", name)
	}
	return s, nil
}

// String returns the subject name.
func (s Subject) String() string {
	return string(s)
}

// Plural returns the embedded-resource key for the subject. Unknown subjects
// fall back to the name with an "s" suffix.
func (s Subject) Plural() string {
	if p, ok := plurals[s]; ok {
		return p
	}
	return string(s) + "s"
}

// SearchPath is the search endpoint: /client/{clientID}/{subject}/search
func (s Subject) SearchPath(clientID int) string {
	return s.base(clientID) + "/search"
}

// FilterPath lists the filter fields the subject supports.
func (s Subject) FilterPath(clientID int) string {
	return s.base(clientID) + "/filter"
}

// ExportPath submits an export job for the subject.
func (s Subject) ExportPath(clientID int) string {
	return s.base(clientID) + "/export"
}

// ExportStatusPath polls an export job. Export jobs are client scoped, not
// subject scoped.
func ExportStatusPath(clientID, jobID int) string {
	return ExportDownloadPath(clientID, jobID) + "/status"
}

// ExportDownloadPath downloads the archive of a finished export job.
func ExportDownloadPath(clientID, jobID int) string {
	return "/client/" + strconv.Itoa(clientID) + "/export/" + strconv.Itoa(jobID)
}

func (s Subject) base(clientID int) string {
	return "/client/" + strconv.Itoa(clientID) + "/" + string(s)
}
