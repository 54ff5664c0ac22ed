// Package pagination provides ordered batch fetching for paginated platform endpoints
package pagination

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Config holds batch fetcher configuration
type Config struct {
	// MaxConcurrency is the maximum number of parallel page requests.
	// 1 fetches pages sequentially in ascending order.
	MaxConcurrency int
	// Timeout per page fetch
	Timeout time.Duration
	// RequestsPerSecond paces page requests across all workers (0 = unpaced)
	RequestsPerSecond float64
	// Burst is the pacer burst size (default: MaxConcurrency)
	Burst int
}

// DefaultConfig returns the sequential configuration. Parallel fetching
// assumes the server pages over a stable snapshot, so it is opt-in.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 1,
		Timeout:        60 * time.Second,
	}
}

// PageFetcher fetches the records of a single page.
type PageFetcher[T any] interface {
	FetchPage(ctx context.Context, pageNum int) ([]T, error)
}

// PageFetcherFunc adapts a function to PageFetcher.
type PageFetcherFunc[T any] func(ctx context.Context, pageNum int) ([]T, error)

// FetchPage calls f.
func (f PageFetcherFunc[T]) FetchPage(ctx context.Context, pageNum int) ([]T, error) {
	return f(ctx, pageNum)
}

// PageError reports which page failed.
type PageError struct {
	Page int
	Err  error
}

// Error implements the error interface.
func (e *PageError) Error() string {
	return fmt.Sprintf("page %d: %v", e.Page, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *PageError) Unwrap() error {
	return e.Err
}

// BatchFetcher fetches a known number of pages with a worker pool
type BatchFetcher[T any] struct {
	fetcher PageFetcher[T]
	config  Config
	limiter *rate.Limiter
}

// NewBatchFetcher creates a new batch fetcher
func NewBatchFetcher[T any](fetcher PageFetcher[T], config Config) *BatchFetcher[T] {
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 1
	}
	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}
	if config.Burst <= 0 {
		config.Burst = config.MaxConcurrency
	}

	bf := &BatchFetcher[T]{
		fetcher: fetcher,
		config:  config,
	}
	if config.RequestsPerSecond > 0 {
		bf.limiter = rate.NewLimiter(rate.Limit(config.RequestsPerSecond), config.Burst)
	}
	return bf
}

// FetchPages fetches pages [0, totalPages) and returns their records ordered
// by page index. The first failing page cancels outstanding work and is
// reported as a *PageError.
func (bf *BatchFetcher[T]) FetchPages(ctx context.Context, totalPages int) ([][]T, error) {
	if totalPages <= 0 {
		return [][]T{}, nil
	}

	start := time.Now()
	workers := min(bf.config.MaxConcurrency, totalPages)

	log.Debug().
		Int("total_pages", totalPages).
		Int("workers", workers).
		Msg("Starting page fetch")

	poolCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := &pageResults[T]{pages: make(map[int][]T)}

	// Pages are handed out on demand so nothing is sized by totalPages up front.
	pageQueue := make(chan int)
	go func() {
		defer close(pageQueue)
		for page := 0; page < totalPages; page++ {
			select {
			case pageQueue <- page:
			case <-poolCtx.Done():
				return
			}
		}
	}()

	firstErr := make(chan *PageError, 1)
	fetched := &progress{total: totalPages}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go bf.worker(poolCtx, cancel, pageQueue, results, firstErr, fetched, &wg, i)
	}
	wg.Wait()

	select {
	case pageErr := <-firstErr:
		log.Warn().
			Err(pageErr.Err).
			Int("page", pageErr.Page).
			Int("fetched_pages", fetched.count()).
			Int("total_pages", totalPages).
			Msg("Page fetch aborted")
		return nil, pageErr
	default:
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	log.Debug().
		Int("pages", totalPages).
		Dur("duration", time.Since(start)).
		Msg("Page fetch complete")

	return results.ordered(totalPages), nil
}

// pageResults collects pages as workers finish them.
type pageResults[T any] struct {
	mu    sync.Mutex
	pages map[int][]T
}

func (r *pageResults[T]) set(page int, data []T) {
	r.mu.Lock()
	r.pages[page] = data
	r.mu.Unlock()
}

// ordered returns the collected pages by index. Only called once every page
// in [0, total) succeeded.
func (r *pageResults[T]) ordered(total int) [][]T {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]T, 0, len(r.pages))
	for page := 0; page < total; page++ {
		out = append(out, r.pages[page])
	}
	return out
}

// worker processes pages from the queue
func (bf *BatchFetcher[T]) worker(ctx context.Context, cancel context.CancelFunc, pageQueue <-chan int, results *pageResults[T], firstErr chan<- *PageError, fetched *progress, wg *sync.WaitGroup, workerID int) {
	defer wg.Done()
	pagesProcessed := 0

	for pageNum := range pageQueue {
		if ctx.Err() != nil {
			log.Debug().
				Int("worker_id", workerID).
				Int("pages_processed", pagesProcessed).
				Msg("Worker stopping (context cancelled)")
			return
		}

		data, err := bf.fetch(ctx, pageNum)
		if err != nil {
			// A sibling's failure cancels ctx; only the original error is reported.
			if ctx.Err() != nil && errors.Is(err, context.Canceled) {
				return
			}
			select {
			case firstErr <- &PageError{Page: pageNum, Err: err}:
			default:
			}
			cancel()
			return
		}

		results.set(pageNum, data)
		pagesProcessed++

		if n := fetched.inc(); n%50 == 0 {
			log.Info().
				Int("fetched", n).
				Int("total", fetched.total).
				Float64("progress_pct", float64(n)/float64(fetched.total)*100).
				Msg("Fetch progress")
		}
	}

	if pagesProcessed > 0 {
		log.Debug().
			Int("worker_id", workerID).
			Int("pages_processed", pagesProcessed).
			Msg("Worker completed")
	}
}

func (bf *BatchFetcher[T]) fetch(ctx context.Context, pageNum int) ([]T, error) {
	if bf.limiter != nil {
		if err := bf.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("pace request: %w", err)
		}
	}

	pageCtx, cancel := context.WithTimeout(ctx, bf.config.Timeout)
	defer cancel()
	return bf.fetcher.FetchPage(pageCtx, pageNum)
}

// progress counts fetched pages across workers.
type progress struct {
	mu    sync.Mutex
	n     int
	total int
}

func (p *progress) inc() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.n++
	return p.n
}

func (p *progress) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.n
}
