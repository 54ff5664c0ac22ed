package platform

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sternrassler/risksense-client/internal/testutil"
	"github.com/Sternrassler/risksense-client/pkg/client"
	"github.com/Sternrassler/risksense-client/pkg/export"
	"github.com/Sternrassler/risksense-client/pkg/jobstore"
	"github.com/Sternrassler/risksense-client/pkg/pagination"
	"github.com/Sternrassler/risksense-client/pkg/search"
	"github.com/Sternrassler/risksense-client/pkg/subject"
)

const testClientID = 7

func newTestPlatform(t *testing.T, mock *testutil.MockPlatform, opts ...Option) *Platform {
	t.Helper()
	c, err := client.New(client.DefaultConfig(mock.URL(), testutil.TestAPIKey))
	require.NoError(t, err)

	opts = append([]Option{WithPollConfig(export.PollConfig{
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
		MaxWait:         5 * time.Second,
	})}, opts...)
	return New(c, testClientID, opts...)
}

func TestNew_WiresEverySubject(t *testing.T) {
	mock := testutil.NewMockPlatform()
	defer mock.Close()
	p := newTestPlatform(t, mock)

	services := map[subject.Subject]*Service{
		subject.ApplicationFinding: p.ApplicationFindings,
		subject.HostFinding:        p.HostFindings,
		subject.Host:               p.Hosts,
		subject.Connector:          p.Connectors,
		subject.SLA:                p.SLAs,
		subject.Workflow:           p.Workflows,
	}
	for subj, svc := range services {
		require.NotNil(t, svc, subj)
		assert.Equal(t, subj, svc.Subject())
		assert.Same(t, svc, p.Service(subj))
	}
	assert.Nil(t, p.Service("tag"))
	assert.Equal(t, testClientID, p.ClientID())
}

func TestService_Search(t *testing.T) {
	mock := testutil.NewMockPlatform()
	defer mock.Close()
	mock.SetDataset(subject.Host, testutil.Records(12))
	mock.SetDataset(subject.SLA, testutil.Records(3))

	cfg := pagination.DefaultConfig()
	cfg.MaxConcurrency = 3
	p := newTestPlatform(t, mock, WithPagination(cfg))

	hosts, err := p.Hosts.Search(context.Background(), search.SearchOptions{PageSize: 5})
	require.NoError(t, err)
	assert.Len(t, hosts, 12)
	assert.JSONEq(t, `{"id":11,"name":"record-11"}`, string(hosts[11]))

	slas, err := p.SLAs.Search(context.Background(), search.SearchOptions{})
	require.NoError(t, err)
	assert.Len(t, slas, 3)

	for _, c := range mock.SearchCalls() {
		assert.Equal(t, testClientID, c.ClientID)
	}
}

func TestService_SearchPageAndPageInfo(t *testing.T) {
	mock := testutil.NewMockPlatform()
	defer mock.Close()
	mock.SetDataset(subject.Connector, testutil.Records(9))
	p := newTestPlatform(t, mock)

	info, err := p.Connectors.PageInfo(context.Background(), nil, 4)
	require.NoError(t, err)
	assert.Equal(t, search.PageInfo{TotalCount: 9, TotalPages: 3}, info)

	page, err := p.Connectors.SearchPage(context.Background(), search.SearchRequest{
		Projection: search.ProjectionBasic,
		Page:       2,
		Size:       4,
	})
	require.NoError(t, err)
	assert.Len(t, page.Records("connectors"), 1)
	assert.Equal(t, 2, page.Page.Number)
}

func TestService_FilterFields(t *testing.T) {
	mock := testutil.NewMockPlatform()
	defer mock.Close()
	mock.SetFilterFields(subject.HostFinding, `[{"uid":"severity","name":"Severity"},{"uid":"status","name":"Status"}]`)
	p := newTestPlatform(t, mock)

	fields, err := p.HostFindings.FilterFields(context.Background())
	require.NoError(t, err)
	require.Len(t, fields, 2)
	assert.JSONEq(t, `{"uid":"severity","name":"Severity"}`, string(fields[0]))

	empty, err := p.Hosts.FilterFields(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func TestService_Export(t *testing.T) {
	mock := testutil.NewMockPlatform()
	defer mock.Close()
	mock.SetExportStatuses("RUNNING", "COMPLETE")
	archive, err := testutil.ZipArchive(map[string]string{"findings.csv": "id\n1\n"})
	require.NoError(t, err)
	mock.SetExportArchive(archive)

	p := newTestPlatform(t, mock)
	outDir := t.TempDir()

	dir, err := p.ApplicationFindings.Export(context.Background(), export.Request{
		Subject:  subject.Host, // overridden by the service
		FileName: "apps",
	}, outDir)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(outDir, "apps"), dir)
	calls := mock.ExportCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "applicationFinding", calls[0].Subject)
	assert.Equal(t, testClientID, calls[0].ClientID)
}

func TestService_ResumeExport(t *testing.T) {
	mock := testutil.NewMockPlatform()
	defer mock.Close()
	mock.SetExportStatuses("COMPLETE")
	archive, err := testutil.ZipArchive(map[string]string{"wf.csv": "id\n"})
	require.NoError(t, err)
	mock.SetExportArchive(archive)

	p := newTestPlatform(t, mock)
	dir, err := p.Workflows.ResumeExport(context.Background(), 31, "wf", t.TempDir())
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(dir, "wf.csv"))
	assert.Empty(t, mock.ExportCalls())
	assert.Equal(t, 1, mock.DownloadCalls())
}

func TestNew_InjectedCollaborators(t *testing.T) {
	mock := testutil.NewMockPlatform()
	defer mock.Close()
	mock.SetDataset(subject.Host, testutil.Records(2))

	c, err := client.New(client.DefaultConfig(mock.URL(), testutil.TestAPIKey))
	require.NoError(t, err)

	fetcher := search.NewFetcher(c)
	aggregator := search.NewAggregator(search.NewPlanner(fetcher), fetcher, pagination.DefaultConfig())
	p := New(c, testClientID, WithFetcher(fetcher), WithAggregator(aggregator))

	assert.Same(t, fetcher, p.Hosts.fetcher)
	assert.Same(t, aggregator, p.Hosts.aggregator)

	records, err := p.Hosts.Search(context.Background(), search.SearchOptions{})
	require.NoError(t, err)
	assert.Equal(t, []json.RawMessage{json.RawMessage(`{"id":0,"name":"record-0"}`), json.RawMessage(`{"id":1,"name":"record-1"}`)}, records)
}

func TestPlatform_Resume(t *testing.T) {
	mock := testutil.NewMockPlatform()
	defer mock.Close()
	mock.SetExportStatuses("COMPLETE")
	archive, err := testutil.ZipArchive(map[string]string{"slas.csv": "id\n"})
	require.NoError(t, err)
	mock.SetExportArchive(archive)

	p := newTestPlatform(t, mock)
	outDir := t.TempDir()

	dir, err := p.Resume(context.Background(), &jobstore.JobRecord{
		JobID: 12, ClientID: testClientID, Subject: "sla", FileName: "slas", OutputDir: outDir,
	})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(outDir, "slas"), dir)

	_, err = p.Resume(context.Background(), &jobstore.JobRecord{JobID: 12, Subject: "tag", FileName: "x"})
	assert.ErrorContains(t, err, `unknown subject "tag"`)

	_, err = p.Resume(context.Background(), nil)
	assert.ErrorIs(t, err, export.ErrInvalidRequest)
}
