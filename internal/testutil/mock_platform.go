// Package testutil provides testing utilities for the platform client.
package testutil

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"

	"github.com/Sternrassler/risksense-client/pkg/subject"
)

// TestAPIKey is the key the mock platform expects by default.
const TestAPIKey = "test-api-key"

// SearchCall records one request to a search endpoint.
type SearchCall struct {
	ClientID   int
	Subject    string
	Page       int
	Size       int
	Projection string
	Filters    []json.RawMessage
}

// ExportCall records one export submission.
type ExportCall struct {
	ClientID int
	Subject  string
	JobID    int
	Body     map[string]any
}

// MockPlatform is an in-memory platform API for tests. It serves search
// pages over per-subject datasets and runs export jobs through a scripted
// status sequence.
type MockPlatform struct {
	server *httptest.Server
	mu     sync.Mutex

	apiKey       string
	datasets     map[subject.Subject][]json.RawMessage
	filterFields map[subject.Subject]string
	handlers     map[string]http.HandlerFunc
	searchFail   func(SearchCall) int

	statuses []string
	archive  []byte
	nextJob  int

	// Tracking
	requestCount  int
	searchCalls   []SearchCall
	exportCalls   []ExportCall
	statusPolls   int
	downloadCalls int
	lastHeader    http.Header
}

// NewMockPlatform starts a mock platform server.
func NewMockPlatform() *MockPlatform {
	m := &MockPlatform{
		apiKey:       TestAPIKey,
		datasets:     make(map[subject.Subject][]json.RawMessage),
		filterFields: make(map[subject.Subject]string),
		handlers:     make(map[string]http.HandlerFunc),
		nextJob:      1000,
	}
	m.server = httptest.NewServer(http.HandlerFunc(m.serve))
	return m
}

// URL returns the mock server URL.
func (m *MockPlatform) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockPlatform) Close() {
	m.server.Close()
}

// SetAPIKey changes the expected x-api-key. Empty disables the check.
func (m *MockPlatform) SetAPIKey(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.apiKey = key
}

// SetDataset sets the records served by a subject's search endpoint.
func (m *MockPlatform) SetDataset(subj subject.Subject, records []json.RawMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.datasets[subj] = records
}

// SetFilterFields sets the raw JSON served by a subject's filter endpoint.
func (m *MockPlatform) SetFilterFields(subj subject.Subject, body string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.filterFields[subj] = body
}

// SetSearchFailure installs a hook that fails search calls: a non-zero
// return value is sent as the response status.
func (m *MockPlatform) SetSearchFailure(fn func(SearchCall) int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.searchFail = fn
}

// SetExportStatuses scripts the status sequence returned by successive
// polls. The last status repeats once the script is exhausted; an empty
// script reports RUNNING forever.
func (m *MockPlatform) SetExportStatuses(statuses ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses = statuses
}

// SetExportArchive sets the bytes served by the download endpoint.
func (m *MockPlatform) SetExportArchive(archive []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.archive = archive
}

// SetHandler overrides the handler for an exact path.
func (m *MockPlatform) SetHandler(path string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// RequestCount returns the number of requests served.
func (m *MockPlatform) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requestCount
}

// SearchCalls returns the search requests in arrival order.
func (m *MockPlatform) SearchCalls() []SearchCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SearchCall(nil), m.searchCalls...)
}

// ExportCalls returns the export submissions in arrival order.
func (m *MockPlatform) ExportCalls() []ExportCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ExportCall(nil), m.exportCalls...)
}

// StatusPolls returns the number of export status requests.
func (m *MockPlatform) StatusPolls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusPolls
}

// DownloadCalls returns the number of export download requests.
func (m *MockPlatform) DownloadCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.downloadCalls
}

// LastRequestHeader returns the headers of the most recent request.
func (m *MockPlatform) LastRequestHeader() http.Header {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastHeader
}

// Reset clears all tracking counters.
func (m *MockPlatform) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestCount = 0
	m.searchCalls = nil
	m.exportCalls = nil
	m.statusPolls = 0
	m.downloadCalls = 0
	m.lastHeader = nil
}

func (m *MockPlatform) serve(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.requestCount++
	m.lastHeader = r.Header.Clone()
	apiKey := m.apiKey
	handler, exists := m.handlers[r.URL.Path]
	m.mu.Unlock()

	if apiKey != "" && r.Header.Get("x-api-key") != apiKey {
		writeError(w, http.StatusUnauthorized, "invalid api key")
		return
	}

	if exists {
		handler(w, r)
		return
	}

	// /client/{id}/{subject}/{op} or /client/{id}/export/{job}[/status]
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 4 || parts[0] != "client" {
		writeError(w, http.StatusNotFound, "no route for "+r.URL.Path)
		return
	}
	clientID, err := strconv.Atoi(parts[1])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid client id")
		return
	}

	if parts[2] == "export" {
		jobID, err := strconv.Atoi(parts[3])
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid job id")
			return
		}
		switch {
		case len(parts) == 5 && parts[4] == "status" && r.Method == http.MethodGet:
			m.handleStatus(w, jobID)
		case len(parts) == 4 && r.Method == http.MethodGet:
			m.handleDownload(w)
		default:
			writeError(w, http.StatusNotFound, "no route for "+r.URL.Path)
		}
		return
	}

	subj := subject.Subject(parts[2])
	switch {
	case len(parts) == 4 && parts[3] == "search" && r.Method == http.MethodPost:
		m.handleSearch(w, r, clientID, subj)
	case len(parts) == 4 && parts[3] == "filter" && r.Method == http.MethodGet:
		m.handleFilter(w, subj)
	case len(parts) == 4 && parts[3] == "export" && r.Method == http.MethodPost:
		m.handleExport(w, r, clientID, subj)
	default:
		writeError(w, http.StatusNotFound, "no route for "+r.URL.Path)
	}
}

func (m *MockPlatform) handleSearch(w http.ResponseWriter, r *http.Request, clientID int, subj subject.Subject) {
	var body struct {
		Filters    []json.RawMessage `json:"filters"`
		Projection string            `json:"projection"`
		Page       int               `json:"page"`
		Size       int               `json:"size"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed search body")
		return
	}

	call := SearchCall{
		ClientID:   clientID,
		Subject:    subj.String(),
		Page:       body.Page,
		Size:       body.Size,
		Projection: body.Projection,
		Filters:    body.Filters,
	}

	m.mu.Lock()
	m.searchCalls = append(m.searchCalls, call)
	records := m.datasets[subj]
	fail := m.searchFail
	m.mu.Unlock()

	if fail != nil {
		if status := fail(call); status != 0 {
			writeError(w, status, fmt.Sprintf("search page %d failed", call.Page))
			return
		}
	}
	if body.Size <= 0 || body.Page < 0 {
		writeError(w, http.StatusBadRequest, "page and size out of range")
		return
	}

	total := len(records)
	from := min(body.Page*body.Size, total)
	to := min(from+body.Size, total)
	page := records[from:to]
	if page == nil {
		page = []json.RawMessage{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"_embedded": map[string]any{subj.Plural(): page},
		"page": map[string]int{
			"size":          body.Size,
			"totalElements": total,
			"totalPages":    (total + body.Size - 1) / body.Size,
			"number":        body.Page,
		},
	})
}

func (m *MockPlatform) handleFilter(w http.ResponseWriter, subj subject.Subject) {
	m.mu.Lock()
	body, ok := m.filterFields[subj]
	m.mu.Unlock()
	if !ok {
		body = "[]"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}

func (m *MockPlatform) handleExport(w http.ResponseWriter, r *http.Request, clientID int, subj subject.Subject) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed export body")
		return
	}

	m.mu.Lock()
	m.nextJob++
	jobID := m.nextJob
	m.exportCalls = append(m.exportCalls, ExportCall{ClientID: clientID, Subject: subj.String(), JobID: jobID, Body: body})
	m.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]int{"id": jobID})
}

func (m *MockPlatform) handleStatus(w http.ResponseWriter, jobID int) {
	m.mu.Lock()
	m.statusPolls++
	status := "RUNNING"
	if n := len(m.statuses); n > 0 {
		status = m.statuses[min(m.statusPolls, n)-1]
	}
	m.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"id": jobID, "status": status})
}

func (m *MockPlatform) handleDownload(w http.ResponseWriter) {
	m.mu.Lock()
	m.downloadCalls++
	archive := m.archive
	m.mu.Unlock()

	if archive == nil {
		writeError(w, http.StatusNotFound, "export archive not available")
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(archive)
}

// Records generates n JSON records {"id": i, "name": "record-i"}.
func Records(n int) []json.RawMessage {
	records := make([]json.RawMessage, n)
	for i := range records {
		records[i] = json.RawMessage(fmt.Sprintf(`{"id":%d,"name":"record-%d"}`, i, i))
	}
	return records
}

// ZipArchive builds an in-memory zip from name/content pairs. Names ending
// in "/" become directory entries.
func ZipArchive(files map[string]string) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		f, err := zw.Create(name)
		if err != nil {
			return nil, err
		}
		if _, err := f.Write([]byte(content)); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("X-Request-ID", "mock-request")
	writeJSON(w, status, map[string]string{"message": message})
}
