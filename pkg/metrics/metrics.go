// Package metrics exposes the Prometheus registry used by the platform
// client. Collectors are defined in the packages that update them (client,
// search, export, jobstore) and registered via promauto.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Gatherer is read by Handler. promauto registers every collector with the
// default registry, which backs it.
var Gatherer = prometheus.DefaultGatherer

// Handler serves the registered metrics in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// Request Metrics (pkg/client):
//   - rs_requests_total{method, status} (Counter): Requests by HTTP method and status
//   - rs_request_duration_seconds{method} (Histogram): Request duration by method
//   - rs_errors_total{class} (Counter): Errors by class (auth, client, server, rate_limit, network)
//
// Search Metrics (pkg/search):
//   - rs_search_pages_total (Counter): Search pages fetched, planning requests included
//   - rs_search_records_total (Counter): Records returned by multi-page searches
//
// Export Metrics (pkg/export):
//   - rs_export_polls_total (Counter): Export status polls
//   - rs_export_jobs_total{outcome} (Counter): Export runs by outcome (complete, failed, timeout, error)
//
// Job Store Metrics (pkg/jobstore):
//   - rs_jobstore_operations_total{operation} (Counter): Store operations (save, get, delete, list)
//   - rs_jobstore_errors_total{operation} (Counter): Failed store operations
//
// Example Prometheus Queries:
//
//   # Request Error Rate
//   sum(rate(rs_errors_total[5m])) by (class)
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(rs_request_duration_seconds_bucket[5m]))
//
//   # Average polls per export
//   rate(rs_export_polls_total[1h]) / sum(rate(rs_export_jobs_total[1h]))
//
//   # Export failure ratio
//   sum(rate(rs_export_jobs_total{outcome!="complete"}[1h])) / sum(rate(rs_export_jobs_total[1h]))
