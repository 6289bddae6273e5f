// Package metrics defines the prometheus collectors shared by the server and
// the zap receipt pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lnaddr_http_requests_total",
			Help: "Total number of HTTP requests by route and status",
		},
		[]string{"route", "method", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lnaddr_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)

	InvoicesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lnaddr_invoices_total",
			Help: "Invoice creation attempts by result",
		},
		[]string{"result"},
	)

	ZapRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lnaddr_zap_requests_total",
			Help: "Zap requests received by validation result",
		},
		[]string{"result"},
	)

	ActiveWatches = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lnaddr_settlement_watches_active",
			Help: "Number of invoices currently watched for settlement",
		},
	)

	WatchOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lnaddr_settlement_watch_outcomes_total",
			Help: "Terminal settlement watch states",
		},
		[]string{"outcome"},
	)

	ReceiptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lnaddr_zap_receipts_total",
			Help: "Zap receipts by publish result",
		},
		[]string{"result"},
	)

	RelayPublishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lnaddr_relay_publish_total",
			Help: "Per relay publish attempts by result",
		},
		[]string{"result"},
	)

	RateLimitRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lnaddr_rate_limit_rejected_total",
			Help: "Requests rejected by the per-IP rate limiter",
		},
		[]string{"route"},
	)

	PanicsRecovered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lnaddr_panics_recovered_total",
			Help: "Panics recovered in HTTP handlers",
		},
	)
)
