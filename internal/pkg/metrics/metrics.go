// internal/pkg/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RailAttempts 按通道和结果统计支付尝试。
	RailAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rally",
		Name:      "rail_attempts_total",
		Help:      "Payment rail attempts by rail and outcome.",
	}, []string{"rail", "outcome"})

	// Settlements 按入口和结果统计结算。
	Settlements = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rally",
		Name:      "settlements_total",
		Help:      "Settlement runs by source and outcome.",
	}, []string{"source", "outcome"})

	LedgerDebitFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "rally",
		Name:      "ledger_debit_failures_total",
		Help:      "Best-effort credit debits that failed after payment.",
	})

	AttendanceWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "rally",
		Name:      "attendance_write_failures_total",
		Help:      "Attendee registrations that failed after retries.",
	})

	DebitRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rally",
		Name:      "ledger_debit_retries_total",
		Help:      "Debit retry tasks processed by outcome.",
	}, []string{"outcome"})

	WebhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rally",
		Name:      "webhook_events_total",
		Help:      "Gateway webhook deliveries by type and outcome.",
	}, []string{"type", "outcome"})

	GatewayLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "rally",
		Name:      "gateway_request_seconds",
		Help:      "Payment gateway call latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})
)
