package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"

	"dashpoll/clients"
	"dashpoll/clients/backend"
	"dashpoll/config"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/time/rate"
)

func TestNewRunner(t *testing.T) {
	fb := newFakeBackend(t)
	runner := newTestRunner(t, testConfig(fb.URL))

	if got := runner.Scheduler().Registry().Len(); got != 7 {
		t.Errorf("expected 7 sources, got %d", got)
	}
	if got := runner.Reconciler().TriggerURL(); got != fb.URL+"/consistency_check/update" {
		t.Errorf("unexpected trigger URL: %s", got)
	}
	if runner.ErrorFeed() == nil || runner.Alerts() == nil || runner.Dashboard() == nil {
		t.Error("expected all components to be built")
	}
}

func TestNewRunner_NilLogger(t *testing.T) {
	cfg := testConfig("http://backend.test")
	runner, err := NewRunner(clients.NewClients(nil, cfg), config.NewLiveConfig(cfg), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if runner.logger == nil {
		t.Error("expected nop logger fallback")
	}
}

func TestRunner_Run(t *testing.T) {
	fb := newFakeBackend(t)
	fb.set("/analyzer/stats", http.StatusServiceUnavailable, ``)
	runner := newTestRunner(t, testConfig(fb.URL))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx) }()

	waitFor(t, "first poll cycle", func() bool {
		return len(runner.Scheduler().Cache().Snapshot().Results) == 7
	})
	waitFor(t, "analyzer error in feed", func() bool {
		_, ok := runner.ErrorFeed().Latest(backend.SourceAnalyzerStats)
		return ok
	})
	waitFor(t, "analyzer marked failing", func() bool {
		failing := runner.Alerts().Failing()
		return len(failing) == 1 && failing[0] == backend.SourceAnalyzerStats
	})

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("runner did not stop")
	}
	if runner.Scheduler().Running() {
		t.Error("scheduler should be stopped after Run returns")
	}
}

func TestRunner_OnConfigUpdate(t *testing.T) {
	fb := newFakeBackend(t)
	cfg := testConfig(fb.URL)
	core, logs := observer.New(zap.InfoLevel)
	runner, err := NewRunner(clients.NewClients(zap.New(core), cfg), config.NewLiveConfig(cfg), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer runner.Scheduler().Notifier().Close()
	defer runner.Scheduler().Stop()

	if _, err := runner.Scheduler().Start(0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	gen := runner.Scheduler().Handle().Generation

	revision := func(prev, next *config.Config) config.Revision {
		return config.Revision{Version: 2, Source: "test", Changed: prev.ChangedSections(next)}
	}

	// Non-polling changes apply in place and keep the schedule.
	same := cfg.Clone()
	same.Alerts.Burst = 9
	same.Alerts.MinInterval = 5 * time.Second
	same.ErrorFeed.TTL = 30 * time.Second
	same.ErrorFeed.MaxEntries = 5
	runner.OnConfigUpdate(same, revision(cfg, same))
	if runner.Scheduler().Handle().Generation != gen {
		t.Error("schedule should not restart for non-polling changes")
	}
	if logs.FilterMessage("config update received, polling unchanged").Len() != 1 {
		t.Error("expected unchanged log")
	}
	if b := runner.alerts.limiter.Burst(); b != 9 {
		t.Errorf("alert burst not applied: %d", b)
	}
	if l := runner.alerts.limiter.Limit(); l != rate.Every(5*time.Second) {
		t.Errorf("alert interval not applied: %v", l)
	}
	runner.errorFeed.mu.Lock()
	ttl, maxEntries := runner.errorFeed.ttl, runner.errorFeed.maxEntries
	runner.errorFeed.mu.Unlock()
	if ttl != 30*time.Second || maxEntries != 5 {
		t.Errorf("error feed limits not applied: %v %d", ttl, maxEntries)
	}

	restart := same.Clone()
	restart.Server.Port = 9999
	runner.OnConfigUpdate(restart, revision(same, restart))
	if logs.FilterMessage("config change takes effect after restart").Len() != 1 {
		t.Error("expected restart warning for server port change")
	}

	other := newFakeBackend(t)
	changed := restart.Clone()
	changed.Backend.BaseURL = other.URL
	changed.Polling.Anomalies = false
	changed.Polling.Interval = 2 * time.Hour
	runner.OnConfigUpdate(changed, revision(restart, changed))

	handle := runner.Scheduler().Handle()
	if handle == nil || handle.Generation == gen || handle.Interval != 2*time.Hour {
		t.Fatalf("expected restarted schedule, got %+v", handle)
	}
	if got := runner.Scheduler().Registry().Len(); got != 5 {
		t.Errorf("expected anomaly sources removed, got %d sources", got)
	}
	if got := runner.Reconciler().TriggerURL(); got != other.URL+"/consistency_check/update" {
		t.Errorf("trigger URL not updated: %s", got)
	}
	waitFor(t, "polls against new backend", func() bool {
		return other.callCount("/processing/stats") > 0
	})
}

func TestRunner_ConfigObserver(t *testing.T) {
	fb := newFakeBackend(t)
	cfg := testConfig(fb.URL)
	live := config.NewLiveConfig(cfg)
	runner, err := NewRunner(clients.NewClients(nil, cfg), live, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx) }()
	waitFor(t, "scheduler running", runner.Scheduler().Running)

	if _, err := live.Modify("test", func(c *config.Config) { c.Polling.ConsistencyChecks = false }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitFor(t, "checks source removed", func() bool {
		return runner.Scheduler().Registry().Len() == 6
	})

	cancel()
	if err := <-done; err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestDashboardServer_Serve(t *testing.T) {
	fb := newFakeBackend(t)
	runner := newTestRunner(t, testConfig(fb.URL))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runner.Dashboard().serve(ctx, ln) }()

	waitFor(t, "server up", func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	})

	cancel()
	if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
		t.Errorf("unexpected error: %v", err)
	}
}
