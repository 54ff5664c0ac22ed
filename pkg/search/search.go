// Package search walks the platform's paginated search endpoints.
//
// A search runs in two steps: the Planner issues one request to learn the
// total record count, then the Aggregator fetches pages [0, TotalPages) with
// the Fetcher and concatenates their records in page order.
package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/risksense-client/pkg/client"
	"github.com/Sternrassler/risksense-client/pkg/logging"
	"github.com/Sternrassler/risksense-client/pkg/pagination"
	"github.com/Sternrassler/risksense-client/pkg/subject"
)

var (
	pagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rs_search_pages_total",
		Help: "Total search pages fetched",
	})

	recordsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rs_search_records_total",
		Help: "Total records returned by multi-page searches",
	})
)

// Fetcher fetches single search pages.
type Fetcher struct {
	handler client.RequestHandler
}

// NewFetcher creates a page fetcher on top of a request handler.
func NewFetcher(handler client.RequestHandler) *Fetcher {
	return &Fetcher{handler: handler}
}

// Page POSTs req to the subject's search endpoint and returns the decoded
// response unmodified.
func (f *Fetcher) Page(ctx context.Context, subj subject.Subject, clientID int, req SearchRequest) (*Page, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	var page Page
	_, err := f.handler.DoJSON(ctx, &client.Request{
		Method: http.MethodPost,
		Path:   subj.SearchPath(clientID),
		Body:   req.body(),
	}, &page)
	if err != nil {
		return nil, err
	}

	pagesTotal.Inc()
	return &page, nil
}

// Planner learns the size of a search.
type Planner struct {
	fetcher *Fetcher
}

// NewPlanner creates a planner that issues its request through fetcher.
func NewPlanner(fetcher *Fetcher) *Planner {
	return &Planner{fetcher: fetcher}
}

// PageInfo issues one BASIC request for page 0 and derives the page count
// from the reported total.
func (p *Planner) PageInfo(ctx context.Context, subj subject.Subject, filters []Filter, pageSize, clientID int) (PageInfo, error) {
	page, err := p.fetcher.Page(ctx, subj, clientID, SearchRequest{
		Filters:    filters,
		Projection: ProjectionBasic,
		Page:       0,
		Size:       pageSize,
	})
	if err != nil {
		if errors.Is(err, ErrInvalidRequest) {
			return PageInfo{}, err
		}
		return PageInfo{}, &StageError{Stage: StagePlan, Subject: subj.String(), Err: err}
	}

	total := page.Page.TotalElements
	if total < 0 {
		return PageInfo{}, &StageError{
			Stage:   StagePlan,
			Subject: subj.String(),
			Err:     fmt.Errorf("server reported negative total %d", total),
		}
	}

	pages := total / pageSize
	if total%pageSize != 0 {
		pages++
	}
	return PageInfo{TotalCount: total, TotalPages: pages}, nil
}

// Aggregator assembles complete result lists.
type Aggregator struct {
	planner *Planner
	fetcher *Fetcher
	config  pagination.Config
	logger  zerolog.Logger
}

// NewAggregator creates an aggregator. config.MaxConcurrency above 1 fetches
// pages in parallel; results are still returned in page order.
func NewAggregator(planner *Planner, fetcher *Fetcher, config pagination.Config) *Aggregator {
	return &Aggregator{
		planner: planner,
		fetcher: fetcher,
		config:  config,
		logger:  logging.NewLogger(logging.ComponentSearch),
	}
}

// Search returns every record matching opts.Filters. Zero matches yield an
// empty, non-nil slice after the planning request alone.
func (a *Aggregator) Search(ctx context.Context, subj subject.Subject, clientID int, opts SearchOptions) ([]json.RawMessage, error) {
	opts = opts.withDefaults()
	template := SearchRequest{
		Filters:    opts.Filters,
		Projection: opts.Projection,
		Sort:       opts.Sort,
		Size:       opts.PageSize,
	}
	if err := template.Validate(); err != nil {
		return nil, err
	}

	start := time.Now()
	info, err := a.planner.PageInfo(ctx, subj, opts.Filters, opts.PageSize, clientID)
	if err != nil {
		return nil, err
	}

	a.logger.Debug().
		Str("subject", subj.String()).
		Int("total_count", info.TotalCount).
		Int("total_pages", info.TotalPages).
		Msg("Search planned")

	if info.TotalPages == 0 {
		return []json.RawMessage{}, nil
	}

	plural := subj.Plural()
	batch := pagination.NewBatchFetcher[json.RawMessage](
		pagination.PageFetcherFunc[json.RawMessage](func(ctx context.Context, pageNum int) ([]json.RawMessage, error) {
			req := template
			req.Page = pageNum
			page, err := a.fetcher.Page(ctx, subj, clientID, req)
			if err != nil {
				return nil, err
			}
			return page.Records(plural), nil
		}),
		a.config,
	)

	pages, err := batch.FetchPages(ctx, info.TotalPages)
	if err != nil {
		var pageErr *pagination.PageError
		if errors.As(err, &pageErr) {
			return nil, &StageError{Stage: StageFetch, Subject: subj.String(), Page: pageErr.Page, Err: pageErr.Err}
		}
		return nil, fmt.Errorf("search %s: %w", subj, err)
	}

	received := 0
	for _, p := range pages {
		received += len(p)
	}
	records := make([]json.RawMessage, 0, received)
	for _, p := range pages {
		records = append(records, p...)
	}
	recordsTotal.Add(float64(len(records)))

	if len(records) != info.TotalCount {
		// No snapshot guarantee across pages; the dataset changed mid-search.
		a.logger.Warn().
			Str("subject", subj.String()).
			Int("planned", info.TotalCount).
			Int("received", len(records)).
			Msg("Record count differs from planned total")
	}

	a.logger.Info().
		Str("subject", subj.String()).
		Int("records", len(records)).
		Int("pages", info.TotalPages).
		Dur("duration", time.Since(start)).
		Msg("Search complete")

	return records, nil
}
