package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	ledgerAppends = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "hitlwatch",
			Subsystem: "ledger",
			Name:      "appends_total",
			Help:      "Entries appended to the audit ledger.",
		},
	)
	ledgerAppendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "hitlwatch",
			Subsystem: "ledger",
			Name:      "append_duration_seconds",
			Help:      "Time spent digesting and linking one ledger entry.",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 8),
		},
	)
	ledgerSinkErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hitlwatch",
			Subsystem: "ledger",
			Name:      "sink_errors_total",
			Help:      "Failed writes to ledger persistence sinks.",
		},
		[]string{"sink"},
	)
	transportStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "hitlwatch",
			Subsystem: "transport",
			Name:      "status",
			Help:      "1 for the current connection status, 0 otherwise.",
		},
		[]string{"status"},
	)
	transportReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "hitlwatch",
			Subsystem: "transport",
			Name:      "reconnects_scheduled_total",
			Help:      "Reconnect attempts scheduled after an unintentional close.",
		},
	)
	transportMissedHeartbeats = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "hitlwatch",
			Subsystem: "transport",
			Name:      "missed_heartbeats_total",
			Help:      "Heartbeat watchdog expirations.",
		},
	)
	transportDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hitlwatch",
			Subsystem: "transport",
			Name:      "dropped_messages_total",
			Help:      "Inbound messages dropped before dispatch.",
		},
		[]string{"reason"},
	)
	transportRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hitlwatch",
			Subsystem: "transport",
			Name:      "rejected_sends_total",
			Help:      "Outbound messages rejected locally.",
		},
		[]string{"reason"},
	)
	pendingRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "hitlwatch",
			Subsystem: "registry",
			Name:      "pending_requests",
			Help:      "Authorization requests awaiting an operator decision.",
		},
	)
	decisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hitlwatch",
			Subsystem: "registry",
			Name:      "decisions_total",
			Help:      "Recorded authorization outcomes.",
		},
		[]string{"decision"},
	)
)

// RegisterMetrics registers all collectors with the default registry. Safe to call repeatedly.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			ledgerAppends, ledgerAppendDuration, ledgerSinkErrors,
			transportStatus, transportReconnects, transportMissedHeartbeats,
			transportDropped, transportRejected,
			pendingRequests, decisions,
		)
	})
}

func RecordLedgerAppend(duration time.Duration) {
	RegisterMetrics()
	ledgerAppends.Inc()
	ledgerAppendDuration.Observe(duration.Seconds())
}

func RecordLedgerSinkError(sink string) {
	RegisterMetrics()
	ledgerSinkErrors.WithLabelValues(sink).Inc()
}

// SetTransportStatus flips the status gauge so exactly one label reads 1.
func SetTransportStatus(current string, all []string) {
	RegisterMetrics()
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		transportStatus.WithLabelValues(s).Set(v)
	}
}

func RecordReconnectScheduled() {
	RegisterMetrics()
	transportReconnects.Inc()
}

func RecordMissedHeartbeat() {
	RegisterMetrics()
	transportMissedHeartbeats.Inc()
}

func RecordDroppedMessage(reason string) {
	RegisterMetrics()
	transportDropped.WithLabelValues(reason).Inc()
}

func RecordRejectedSend(reason string) {
	RegisterMetrics()
	transportRejected.WithLabelValues(reason).Inc()
}

func SetPendingRequests(n int) {
	RegisterMetrics()
	pendingRequests.Set(float64(n))
}

func RecordDecision(decision string) {
	RegisterMetrics()
	decisions.WithLabelValues(decision).Inc()
}
