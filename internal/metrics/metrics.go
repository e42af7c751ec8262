package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueOutcomes counts sync queue attempts by operation and outcome (completed, retry, failed).
	QueueOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "esl_sync_queue_outcomes_total",
		Help: "Sync queue attempts by operation and outcome",
	}, []string{"operation", "outcome"})

	// QueueDepth tracks queue items per status, refreshed on each worker tick.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "esl_sync_queue_depth",
		Help: "Sync queue items by status",
	}, []string{"status"})

	// SyncDuration tracks how long a single ESL push takes.
	SyncDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "esl_sync_push_duration_seconds",
		Help:    "Time taken to push one queue item to the ESL API",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"operation"})

	WebhookResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "esl_webhook_results_total",
		Help: "Webhook deliveries by source and result",
	}, []string{"source", "result"})

	TokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "esl_token_refreshes_total",
		Help: "OAuth token refresh attempts by source and result",
	}, []string{"source", "result"})

	PollRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "esl_poll_runs_total",
		Help: "Reconciliation polls by source and result",
	}, []string{"source", "result"})

	// GhostItems counts products removed because the source no longer lists them.
	GhostItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "esl_ghost_items_removed_total",
		Help: "Products marked deleted by ghost cleanup",
	}, []string{"source"})

	ScheduleTriggers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "esl_price_schedule_triggers_total",
		Help: "Price schedule transitions by kind (start, end) and result",
	}, []string{"kind", "result"})
)
