package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhookd_events_published_total",
			Help: "Total number of events published.",
		},
		[]string{"tenant_id"},
	)

	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhookd_deliveries_total",
			Help: "Total number of finalized delivery attempts by result.",
		},
		[]string{"result"}, // delivered, retried, exhausted
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhookd_retries_total",
			Help: "Total number of delivery retries by reason.",
		},
		[]string{"reason"}, // e.g. http_5xx, timeout, network, other
	)

	ExhaustedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhookd_exhausted_total",
			Help: "Total number of deliveries that reached a terminal failure, by reason.",
		},
		[]string{"reason"},
	)

	AttemptDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "webhookd_attempt_duration_seconds",
			Help:    "Latency of webhook HTTP attempts by response class.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"class"}, // 2xx, 3xx, 4xx, 5xx, error
	)

	ClaimBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "webhookd_claim_batch_size",
			Help:    "Number of deliveries returned per claim call.",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100},
		},
	)

	DueBacklog = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "webhookd_due_backlog",
			Help: "Pending deliveries currently due for claiming.",
		},
	)

	InflightDeliveries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "webhookd_inflight_deliveries",
			Help: "Deliveries currently leased by workers.",
		},
	)
)

func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		EventsPublishedTotal,
		DeliveriesTotal,
		RetriesTotal,
		ExhaustedTotal,
		AttemptDuration,
		ClaimBatchSize,
		DueBacklog,
		InflightDeliveries,
	)
}

// RecordEventPublished increments the publish counter for a tenant.
func RecordEventPublished(tenantID string) {
	EventsPublishedTotal.WithLabelValues(tenantID).Inc()
}

// RecordDelivery counts one finalized attempt by result.
func RecordDelivery(result string) {
	DeliveriesTotal.WithLabelValues(result).Inc()
}

// RecordRetry counts one scheduled retry by failure reason.
func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

// RecordExhausted counts one terminal failure by reason.
func RecordExhausted(reason string) {
	ExhaustedTotal.WithLabelValues(reason).Inc()
}

// ObserveAttempt records the latency of one HTTP attempt.
func ObserveAttempt(class string, d time.Duration) {
	AttemptDuration.WithLabelValues(class).Observe(d.Seconds())
}

// ObserveClaimBatch records the size of one claim batch.
func ObserveClaimBatch(n int) {
	ClaimBatchSize.Observe(float64(n))
}

// UpdateBacklog refreshes the backlog gauges.
func UpdateBacklog(due, delivering int64) {
	DueBacklog.Set(float64(due))
	InflightDeliveries.Set(float64(delivering))
}

// StatusClass buckets an HTTP status code for the latency histogram; status 0
// (no response) maps to "error".
func StatusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	default:
		return "error"
	}
}
