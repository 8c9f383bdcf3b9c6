package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusCollector_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewPrometheusCollector(reg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	c.ObservePoll("analyzer-stats", "ok", 20*time.Millisecond)
	c.ObservePoll("analyzer-stats", "ok", 30*time.Millisecond)
	c.ObservePoll("analyzer-stats", "network", time.Second)
	c.IncPollSkipped("analyzer-stats")
	c.IncStaleDiscarded("consistency-checks")
	c.IncReconcile("trigger", "trigger_failed")
	c.SetSubscribers(3)

	if got := testutil.ToFloat64(c.polls.WithLabelValues("analyzer-stats", "ok")); got != 2 {
		t.Errorf("expected 2 ok polls, got %v", got)
	}
	if got := testutil.ToFloat64(c.polls.WithLabelValues("analyzer-stats", "network")); got != 1 {
		t.Errorf("expected 1 network failure, got %v", got)
	}
	if got := testutil.ToFloat64(c.skipped.WithLabelValues("analyzer-stats")); got != 1 {
		t.Errorf("expected 1 skipped poll, got %v", got)
	}
	if got := testutil.ToFloat64(c.stale.WithLabelValues("consistency-checks")); got != 1 {
		t.Errorf("expected 1 stale result, got %v", got)
	}
	if got := testutil.ToFloat64(c.reconciles.WithLabelValues("trigger", "trigger_failed")); got != 1 {
		t.Errorf("expected 1 reconcile, got %v", got)
	}
	if got := testutil.ToFloat64(c.subscribers); got != 3 {
		t.Errorf("expected 3 subscribers, got %v", got)
	}
}

func TestPrometheusCollector_SharedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewPrometheusCollector(reg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := NewPrometheusCollector(reg)
	if err != nil {
		t.Fatalf("second registration should reuse metrics: %v", err)
	}

	first.IncPollSkipped("a")
	second.IncPollSkipped("a")

	if got := testutil.ToFloat64(first.skipped.WithLabelValues("a")); got != 2 {
		t.Errorf("expected shared counter to read 2, got %v", got)
	}
}

func TestPrometheusCollector_NilSafe(t *testing.T) {
	var c *PrometheusCollector
	// Should not panic
	c.ObservePoll("a", "ok", time.Second)
	c.IncPollSkipped("a")
	c.IncStaleDiscarded("a")
	c.IncReconcile("fetch", "ok")
	c.SetSubscribers(1)
}

func TestNoop(t *testing.T) {
	c := Noop()
	c.ObservePoll("a", "ok", time.Second)
	c.SetSubscribers(10)
}
