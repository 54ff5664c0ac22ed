package jobstore

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Operations tracks store operations
	Operations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rs_jobstore_operations_total",
			Help: "Total number of export job store operations",
		},
		[]string{"operation"}, // "save", "get", "delete", "list"
	)

	// Errors tracks failed store operations
	Errors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rs_jobstore_errors_total",
			Help: "Total number of failed export job store operations",
		},
		[]string{"operation"},
	)
)
