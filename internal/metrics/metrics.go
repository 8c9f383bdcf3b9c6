package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector captures telemetry emitted by the polling core.
//
// Hooks run inline with poll delivery, so implementations must not block.
type Collector interface {
	ObservePoll(source, outcome string, elapsed time.Duration)
	IncPollSkipped(source string)
	IncStaleDiscarded(source string)
	IncReconcile(operation, outcome string)
	SetSubscribers(count int)
}

type noopCollector struct{}

// Noop returns a collector that discards all metrics.
func Noop() Collector {
	return noopCollector{}
}

func (noopCollector) ObservePoll(string, string, time.Duration) {}
func (noopCollector) IncPollSkipped(string)                     {}
func (noopCollector) IncStaleDiscarded(string)                  {}
func (noopCollector) IncReconcile(string, string)               {}
func (noopCollector) SetSubscribers(int)                        {}

// PrometheusCollector exposes polling telemetry via Prometheus.
type PrometheusCollector struct {
	polls       *prometheus.CounterVec
	pollLatency *prometheus.HistogramVec
	skipped     *prometheus.CounterVec
	stale       *prometheus.CounterVec
	reconciles  *prometheus.CounterVec
	subscribers prometheus.Gauge
}

// NewPrometheusCollector registers the polling metrics with reg. Metrics that
// are already registered are reused, so several collectors may share one
// registry.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	polls, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dashpoll_polls_total",
		Help: "Number of completed polls per source and outcome.",
	}, []string{"source", "outcome"}))
	if err != nil {
		return nil, err
	}

	latency, err := register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dashpoll_poll_duration_seconds",
		Help:    "Round-trip time of polls per source.",
		Buckets: prometheus.DefBuckets,
	}, []string{"source"}))
	if err != nil {
		return nil, err
	}

	skipped, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dashpoll_polls_skipped_total",
		Help: "Scheduled polls skipped because the previous poll was still in flight.",
	}, []string{"source"}))
	if err != nil {
		return nil, err
	}

	stale, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dashpoll_stale_results_total",
		Help: "Poll results discarded because a newer result or generation superseded them.",
	}, []string{"source"}))
	if err != nil {
		return nil, err
	}

	reconciles, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dashpoll_reconcile_total",
		Help: "Consistency report operations per operation and outcome.",
	}, []string{"operation", "outcome"}))
	if err != nil {
		return nil, err
	}

	subscribers, err := register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dashpoll_subscribers",
		Help: "Number of active event subscribers.",
	}))
	if err != nil {
		return nil, err
	}

	return &PrometheusCollector{
		polls:       polls,
		pollLatency: latency,
		skipped:     skipped,
		stale:       stale,
		reconciles:  reconciles,
		subscribers: subscribers,
	}, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		var zero T
		return zero, err
	}
	return c, nil
}

// ObservePoll records a completed poll.
func (p *PrometheusCollector) ObservePoll(source, outcome string, elapsed time.Duration) {
	if p == nil {
		return
	}
	p.polls.WithLabelValues(source, outcome).Inc()
	p.pollLatency.WithLabelValues(source).Observe(elapsed.Seconds())
}

// IncPollSkipped counts a tick that found a poll in flight.
func (p *PrometheusCollector) IncPollSkipped(source string) {
	if p == nil {
		return
	}
	p.skipped.WithLabelValues(source).Inc()
}

// IncStaleDiscarded counts a result that was not applied to the cache.
func (p *PrometheusCollector) IncStaleDiscarded(source string) {
	if p == nil {
		return
	}
	p.stale.WithLabelValues(source).Inc()
}

// IncReconcile counts a reconciler operation.
func (p *PrometheusCollector) IncReconcile(operation, outcome string) {
	if p == nil {
		return
	}
	p.reconciles.WithLabelValues(operation, outcome).Inc()
}

// SetSubscribers updates the subscriber gauge.
func (p *PrometheusCollector) SetSubscribers(count int) {
	if p == nil {
		return
	}
	p.subscribers.Set(float64(count))
}
