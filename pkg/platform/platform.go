// Package platform exposes one service per platform subject on top of the
// shared search and export machinery.
//
//	c, err := client.New(client.DefaultConfig(client.DefaultBaseURL, apiKey))
//	if err != nil {
//		return err
//	}
//	p := platform.New(c, clientID)
//	hosts, err := p.Hosts.Search(ctx, search.SearchOptions{PageSize: 500})
package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/Sternrassler/risksense-client/pkg/client"
	"github.com/Sternrassler/risksense-client/pkg/export"
	"github.com/Sternrassler/risksense-client/pkg/jobstore"
	"github.com/Sternrassler/risksense-client/pkg/pagination"
	"github.com/Sternrassler/risksense-client/pkg/search"
	"github.com/Sternrassler/risksense-client/pkg/subject"
)

// Platform groups the subject services of one client.
type Platform struct {
	ApplicationFindings *Service
	HostFindings        *Service
	Hosts               *Service
	Connectors          *Service
	SLAs                *Service
	Workflows           *Service

	clientID int
	services map[subject.Subject]*Service
}

type options struct {
	pagination pagination.Config
	poll       export.PollConfig
	recorder   export.Recorder
	fetcher    *search.Fetcher
	aggregator *search.Aggregator
	exporter   *export.Exporter
}

// Option configures a Platform.
type Option func(*options)

// WithPagination sets the page fetch configuration of the default aggregator.
func WithPagination(config pagination.Config) Option {
	return func(o *options) { o.pagination = config }
}

// WithPollConfig sets the polling policy of the default exporter.
func WithPollConfig(config export.PollConfig) Option {
	return func(o *options) { o.poll = config }
}

// WithRecorder records export jobs, typically in a *jobstore.Store.
func WithRecorder(recorder export.Recorder) Option {
	return func(o *options) { o.recorder = recorder }
}

// WithFetcher replaces the page fetcher.
func WithFetcher(fetcher *search.Fetcher) Option {
	return func(o *options) { o.fetcher = fetcher }
}

// WithAggregator replaces the multi-page aggregator.
func WithAggregator(aggregator *search.Aggregator) Option {
	return func(o *options) { o.aggregator = aggregator }
}

// WithExporter replaces the exporter. It must be bound to the same client ID.
func WithExporter(exporter *export.Exporter) Option {
	return func(o *options) { o.exporter = exporter }
}

// New wires the services for clientID. Collaborators not supplied through
// options are built on handler.
func New(handler client.RequestHandler, clientID int, opts ...Option) *Platform {
	o := options{
		pagination: pagination.DefaultConfig(),
		poll:       export.DefaultPollConfig(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	if o.fetcher == nil {
		o.fetcher = search.NewFetcher(handler)
	}
	planner := search.NewPlanner(o.fetcher)
	if o.aggregator == nil {
		o.aggregator = search.NewAggregator(planner, o.fetcher, o.pagination)
	}
	if o.exporter == nil {
		exportOpts := []export.Option{export.WithPollConfig(o.poll)}
		if o.recorder != nil {
			exportOpts = append(exportOpts, export.WithRecorder(o.recorder))
		}
		o.exporter = export.New(handler, clientID, exportOpts...)
	}

	p := &Platform{
		clientID: clientID,
		services: make(map[subject.Subject]*Service),
	}
	for _, subj := range subject.All() {
		p.services[subj] = &Service{
			subject:    subj,
			clientID:   clientID,
			handler:    handler,
			planner:    planner,
			fetcher:    o.fetcher,
			aggregator: o.aggregator,
			exporter:   o.exporter,
		}
	}

	p.ApplicationFindings = p.services[subject.ApplicationFinding]
	p.HostFindings = p.services[subject.HostFinding]
	p.Hosts = p.services[subject.Host]
	p.Connectors = p.services[subject.Connector]
	p.SLAs = p.services[subject.SLA]
	p.Workflows = p.services[subject.Workflow]
	return p
}

// ClientID returns the client the services are bound to.
func (p *Platform) ClientID() int {
	return p.clientID
}

// Service returns the service of a subject, or nil if it is unknown.
func (p *Platform) Service(subj subject.Subject) *Service {
	return p.services[subj]
}

// Resume continues a recorded export job with the record's subject,
// file name and output directory.
func (p *Platform) Resume(ctx context.Context, rec *jobstore.JobRecord) (string, error) {
	if rec == nil {
		return "", fmt.Errorf("%w: job record is required", export.ErrInvalidRequest)
	}
	svc := p.Service(subject.Subject(rec.Subject))
	if svc == nil {
		return "", fmt.Errorf("export job %d: unknown subject %q", rec.JobID, rec.Subject)
	}
	return svc.exporter.Resume(ctx, rec)
}

// Service runs searches and exports for one subject.
type Service struct {
	subject    subject.Subject
	clientID   int
	handler    client.RequestHandler
	planner    *search.Planner
	fetcher    *search.Fetcher
	aggregator *search.Aggregator
	exporter   *export.Exporter
}

// Subject returns the service's subject.
func (s *Service) Subject() subject.Subject {
	return s.subject
}

// Search returns every record matching opts.Filters in server order.
func (s *Service) Search(ctx context.Context, opts search.SearchOptions) ([]json.RawMessage, error) {
	return s.aggregator.Search(ctx, s.subject, s.clientID, opts)
}

// SearchPage fetches a single page.
func (s *Service) SearchPage(ctx context.Context, req search.SearchRequest) (*search.Page, error) {
	return s.fetcher.Page(ctx, s.subject, s.clientID, req)
}

// PageInfo returns the total record and page count for filters.
func (s *Service) PageInfo(ctx context.Context, filters []search.Filter, pageSize int) (search.PageInfo, error) {
	return s.planner.PageInfo(ctx, s.subject, filters, pageSize, s.clientID)
}

// FilterFields lists the filter fields the subject supports, as returned by
// the server.
func (s *Service) FilterFields(ctx context.Context) ([]json.RawMessage, error) {
	var fields []json.RawMessage
	_, err := s.handler.DoJSON(ctx, &client.Request{
		Method: http.MethodGet,
		Path:   s.subject.FilterPath(s.clientID),
	}, &fields)
	if err != nil {
		return nil, err
	}
	if fields == nil {
		fields = []json.RawMessage{}
	}
	return fields, nil
}

// Export runs an export of the subject and returns the extracted directory.
// req.Subject is ignored.
func (s *Service) Export(ctx context.Context, req export.Request, outDir string) (string, error) {
	req.Subject = s.subject
	return s.exporter.Run(ctx, req, outDir)
}

// ResumeExport continues an export submitted earlier, e.g. by a process that
// was interrupted while polling.
func (s *Service) ResumeExport(ctx context.Context, jobID int, fileName, outDir string) (string, error) {
	return s.exporter.Resume(ctx, &jobstore.JobRecord{
		JobID:     jobID,
		ClientID:  s.clientID,
		Subject:   s.subject.String(),
		FileName:  fileName,
		OutputDir: outDir,
	})
}
