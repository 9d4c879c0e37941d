// Package metrics holds the Prometheus collectors exposed at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iconforge_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "iconforge_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Credits
	CreditDeductions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iconforge_credit_deductions_total",
			Help: "Check-and-deduct attempts by generation type",
		},
		[]string{"generation_type", "outcome"}, // deducted, declined, error
	)

	CreditRefunds = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iconforge_credit_refunds_total",
			Help: "Refunds issued after failed generations",
		},
		[]string{"generation_type", "outcome"}, // refunded, failed, panic
	)

	GuardedOperationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "iconforge_guarded_operation_seconds",
			Help:    "Duration of paid generation calls",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60},
		},
		[]string{"generation_type", "outcome"},
	)
)
