package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// InvitationSends records delivery attempts by channel (sms|email) and result (sent|failed|retried).
	InvitationSends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nestaid_invitation_sends_total",
			Help: "Total number of invitation delivery attempts",
		},
		[]string{"channel", "result"},
	)

	// BatchItems counts per-item outcomes (successful|failed|duplicate) of bulk operations by kind.
	BatchItems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nestaid_batch_items_total",
			Help: "Total number of processed bulk batch items",
		},
		[]string{"kind", "outcome"},
	)

	// SMSQueueWait measures how long sends waited for a rate limiter token.
	SMSQueueWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nestaid_sms_queue_wait_seconds",
			Help:    "Time SMS sends spent queued behind the throughput limiter",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
	)

	// APILatency measures HTTP request latencies.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nestaid_api_latency_seconds",
			Help:    "API endpoint latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
