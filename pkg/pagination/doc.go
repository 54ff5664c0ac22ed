// Package pagination provides ordered batch fetching for paginated platform endpoints.
//
// The caller learns the page count up front (see package search), then hands
// the BatchFetcher a PageFetcher and the number of pages. Pages are fetched by
// a bounded worker pool and returned indexed by page number, so the
// concatenation order always matches the server's sort order.
//
// Example usage:
//
//	config := pagination.DefaultConfig()
//	config.MaxConcurrency = 4
//	config.RequestsPerSecond = 5
//	fetcher := pagination.NewBatchFetcher(pageFetcher, config)
//	pages, err := fetcher.FetchPages(ctx, totalPages)
//
// The batch fetcher:
//   - Queues page indexes [0, totalPages)
//   - Spawns min(MaxConcurrency, totalPages) workers
//   - Optionally paces requests with a token bucket
//   - Applies a per-page timeout
//   - Cancels outstanding pages on the first failure and reports it as *PageError
package pagination
