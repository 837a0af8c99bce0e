package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var HttpRequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "quotes_http_requests_total",
		Help: "Total number of HTTP requests received",
	},
	[]string{"endpoint", "status", "method"},
)

var HttpRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "quotes_http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"endpoint", "method"},
)

var HttpRateLimitRejectionsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "quotes_http_rate_limit_rejections_total",
		Help: "Total number of client action requests rejected due to rate limiting",
	},
)

var QuoteTransitionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "quote_transitions_total",
		Help: "Committed quote status transitions",
	},
	[]string{"from", "to"},
)

var QuoteTransitionConflictsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "quote_transition_conflicts_total",
		Help: "Transitions rejected because the quote changed since it was read",
	},
)

var ApprovalDecisionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "quote_approval_decisions_total",
		Help: "Approval decisions recorded",
	},
	[]string{"decision", "level"},
)

var ReservationOutcomesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "stock_reservation_outcomes_total",
		Help: "Outcomes of reserve calls",
	},
	[]string{"outcome"},
)

var ReservationRetriesTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "stock_reservation_retries_total",
		Help: "Reservation writes retried after a concurrent stock change",
	},
)

var DeliveryAttemptsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "delivery_attempts_total",
		Help: "Delivery attempts by channel and outcome",
	},
	[]string{"channel", "outcome"},
)

var DeliverySendDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "delivery_send_duration_seconds",
		Help:    "Time taken by the notification transport",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"channel"},
)

var DeliveryCallbacksTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "delivery_callbacks_total",
		Help: "Provider delivery callbacks by event and whether a log matched",
	},
	[]string{"event", "matched"},
)

var DrainSkippedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "delivery_drain_skipped_total",
		Help: "Drain runs skipped because another drain was in progress",
	},
)

var EventPublishFailuresTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "quote_event_publish_failures_total",
		Help: "Lifecycle events that could not be published",
	},
	[]string{"bus"},
)

var TaskRunsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "scheduler_task_runs_total",
		Help: "Supervised task runs by outcome",
	},
	[]string{"task", "outcome"},
)

var registerOnce sync.Once

// Register adds every collector to the default registry. Safe to call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HttpRequestsTotal,
			HttpRequestDuration,
			HttpRateLimitRejectionsTotal,
			QuoteTransitionsTotal,
			QuoteTransitionConflictsTotal,
			ApprovalDecisionsTotal,
			ReservationOutcomesTotal,
			ReservationRetriesTotal,
			DeliveryAttemptsTotal,
			DeliverySendDuration,
			DeliveryCallbacksTotal,
			DrainSkippedTotal,
			EventPublishFailuresTotal,
			TaskRunsTotal,
		)
	})
}
