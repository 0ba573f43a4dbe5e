package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type exchangeMetrics struct {
	transitions *prometheus.CounterVec
	rejections  *prometheus.CounterVec
	settleTime  prometheus.Histogram
}

type gatewayMetrics struct {
	submissions *prometheus.CounterVec
	callbacks   *prometheus.CounterVec
	queueDepth  prometheus.Gauge
}

var (
	exchangeOnce     sync.Once
	exchangeRegistry *exchangeMetrics

	gatewayOnce     sync.Once
	gatewayRegistry *gatewayMetrics
)

// Exchange returns the lazily-initialised metrics registry used to record
// offer lifecycle activity.
func Exchange() *exchangeMetrics {
	exchangeOnce.Do(func() {
		exchangeRegistry = &exchangeMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ccx",
				Subsystem: "exchange",
				Name:      "transitions_total",
				Help:      "Offer state transitions by resulting state.",
			}, []string{"state"}),
			rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ccx",
				Subsystem: "exchange",
				Name:      "rejections_total",
				Help:      "Rejected operations by error class.",
			}, []string{"reason"}),
			settleTime: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "ccx",
				Subsystem: "exchange",
				Name:      "settle_duration_seconds",
				Help:      "Wall time spent executing atomic settlement.",
				Buckets:   prometheus.DefBuckets,
			}),
		}
		prometheus.MustRegister(
			exchangeRegistry.transitions,
			exchangeRegistry.rejections,
			exchangeRegistry.settleTime,
		)
	})
	return exchangeRegistry
}

// ObserveTransition records a successful state transition.
func (m *exchangeMetrics) ObserveTransition(state string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(state).Inc()
}

// ObserveRejection records a rejected operation by error class.
func (m *exchangeMetrics) ObserveRejection(reason string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(reason).Inc()
}

// ObserveSettleDuration records how long a settlement took.
func (m *exchangeMetrics) ObserveSettleDuration(seconds float64) {
	if m == nil {
		return
	}
	m.settleTime.Observe(seconds)
}

// Gateway returns the lazily-initialised metrics registry used to record
// confidential computation submissions and callbacks.
func Gateway() *gatewayMetrics {
	gatewayOnce.Do(func() {
		gatewayRegistry = &gatewayMetrics{
			submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ccx",
				Subsystem: "mpc",
				Name:      "submissions_total",
				Help:      "Computation submissions by outcome.",
			}, []string{"outcome"}),
			callbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ccx",
				Subsystem: "mpc",
				Name:      "callbacks_total",
				Help:      "Computation callbacks by outcome.",
			}, []string{"outcome"}),
			queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "ccx",
				Subsystem: "mpc",
				Name:      "queue_depth",
				Help:      "Computations queued and not yet executed.",
			}),
		}
		prometheus.MustRegister(
			gatewayRegistry.submissions,
			gatewayRegistry.callbacks,
			gatewayRegistry.queueDepth,
		)
	})
	return gatewayRegistry
}

// ObserveSubmission records one submission attempt by outcome.
func (m *gatewayMetrics) ObserveSubmission(outcome string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(outcome).Inc()
}

// ObserveCallback records one delivered callback by outcome.
func (m *gatewayMetrics) ObserveCallback(outcome string) {
	if m == nil {
		return
	}
	m.callbacks.WithLabelValues(outcome).Inc()
}

// SetQueueDepth records the current computation backlog.
func (m *gatewayMetrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}
