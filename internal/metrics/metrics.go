package metrics

import (
	"errors"
	"time"

	"github.com/taolaktech/amplify-wallet/internal/payment"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "amplify_wallet"

// Metrics implements the observer hooks of the guard, gateway, dispatcher
// and billing service.
type Metrics struct {
	operations           *prometheus.CounterVec
	reconcileOutcomes    *prometheus.CounterVec
	idempotencyDecisions *prometheus.CounterVec
	gatewayCalls         *prometheus.CounterVec
	gatewayLatency       *prometheus.HistogramVec
	topUpsInFlight       prometheus.Gauge
}

// New registers the collectors on reg. Pass prometheus.DefaultRegisterer in
// production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		operations: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "billing",
				Name:      "operations_total",
				Help:      "Inbound billing operations partitioned by operation and result.",
			},
			[]string{"op", "result"},
		),
		reconcileOutcomes: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "reconcile",
				Name:      "events_total",
				Help:      "Provider events partitioned by event type and action taken.",
			},
			[]string{"event_type", "action"},
		),
		idempotencyDecisions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "idempotency",
				Name:      "decisions_total",
				Help:      "Idempotency guard decisions partitioned by state.",
			},
			[]string{"state"},
		),
		gatewayCalls: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "gateway",
				Name:      "calls_total",
				Help:      "Payment provider calls partitioned by operation and result.",
			},
			[]string{"op", "result"},
		),
		gatewayLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "gateway",
				Name:      "call_duration_seconds",
				Help:      "Payment provider call latency.",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15},
			},
			[]string{"op"},
		),
		topUpsInFlight: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "billing",
				Name:      "top_ups_in_flight",
				Help:      "Top-ups currently waiting on the payment provider.",
			},
		),
	}
}

func (m *Metrics) Operation(op, result string) {
	m.operations.WithLabelValues(op, result).Inc()
}

func (m *Metrics) ReconcileOutcome(eventType, action string) {
	m.reconcileOutcomes.WithLabelValues(eventType, action).Inc()
}

func (m *Metrics) IdempotencyDecision(state string) {
	m.idempotencyDecisions.WithLabelValues(state).Inc()
}

func (m *Metrics) GatewayCall(op string, d time.Duration, err error) {
	m.gatewayCalls.WithLabelValues(op, gatewayResult(err)).Inc()
	m.gatewayLatency.WithLabelValues(op).Observe(d.Seconds())
}

func (m *Metrics) TopUpStarted()  { m.topUpsInFlight.Inc() }
func (m *Metrics) TopUpFinished() { m.topUpsInFlight.Dec() }

func gatewayResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, payment.ErrDeclined):
		return "declined"
	case payment.IsRetryable(err):
		return "unavailable"
	default:
		return "error"
	}
}
