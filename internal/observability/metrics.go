package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "monplace",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "monplace",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	admissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "monplace",
			Subsystem: "admission",
			Name:      "decisions_total",
			Help:      "Paint admission decisions by result.",
		},
		[]string{"result"},
	)
	ingestEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "monplace",
			Subsystem: "ingest",
			Name:      "events_total",
			Help:      "Ledger paint events handled by the ingestion pipeline, by outcome.",
		},
		[]string{"outcome"},
	)
	resubscriptions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "monplace",
			Subsystem: "ingest",
			Name:      "resubscriptions_total",
			Help:      "Ledger subscription restarts, by reason.",
		},
		[]string{"reason"},
	)
	ledgerHead = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "monplace",
			Subsystem: "ingest",
			Name:      "ledger_head_block",
			Help:      "Latest block number seen by the liveness probe.",
		},
	)
	expiredWrites = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "monplace",
			Subsystem: "mirror",
			Name:      "expired_optimistic_writes_total",
			Help:      "Optimistic cell writes rolled back after their TTL.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpRequests, httpDuration, admissions, ingestEvents,
			resubscriptions, ledgerHead, expiredWrites)
	})
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

func RecordAdmission(result string) {
	RegisterMetrics()
	admissions.WithLabelValues(result).Inc()
}

func RecordIngest(outcome string) {
	RegisterMetrics()
	ingestEvents.WithLabelValues(outcome).Inc()
}

func RecordResubscribe(reason string) {
	RegisterMetrics()
	resubscriptions.WithLabelValues(reason).Inc()
}

func RecordLedgerHead(block uint64) {
	RegisterMetrics()
	ledgerHead.Set(float64(block))
}

func RecordExpired(n int) {
	RegisterMetrics()
	expiredWrites.Add(float64(n))
}
