package app

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"dashpoll/clients"
	"dashpoll/clients/notifier"
	"dashpoll/config"
	"dashpoll/internal/poller"

	"go.uber.org/zap"
)

// fakeBackend serves every default endpoint with canned responses that tests
// can override per path.
type fakeBackend struct {
	*httptest.Server

	mu        sync.Mutex
	responses map[string]fakeResponse
	calls     map[string]int
}

type fakeResponse struct {
	status int
	body   string
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	fb := &fakeBackend{
		responses: map[string]fakeResponse{
			"/processing/stats":                   {200, `{"num_events": 10}`},
			"/analyzer/stats":                     {200, `{"num_events": 8}`},
			"/analyzer/events/energy-consumption": {200, `{"event_id": "e1", "value": 1.5}`},
			"/analyzer/events/solar-generation":   {200, `{"event_id": "s1", "value": 2.5}`},
			"/anomaly_detector/anomalies":         {204, ``},
			"/consistency_check/checks":           {404, ``},
			"/consistency_check/update":           {200, `{"processing_time_ms": 12}`},
		},
		calls: make(map[string]int),
	}
	fb.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fb.mu.Lock()
		resp, ok := fb.responses[r.URL.Path]
		fb.calls[r.URL.Path]++
		fb.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(resp.status)
		w.Write([]byte(resp.body))
	}))
	t.Cleanup(fb.Close)
	return fb
}

func (fb *fakeBackend) set(path string, status int, body string) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.responses[path] = fakeResponse{status, body}
}

func (fb *fakeBackend) callCount(path string) int {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.calls[path]
}

func testConfig(baseURL string) *config.Config {
	cfg := config.Defaults()
	cfg.Backend.BaseURL = baseURL
	cfg.Polling.Interval = time.Hour
	cfg.Server.Enabled = false
	return cfg
}

func newTestRunner(t *testing.T, cfg *config.Config) *Runner {
	t.Helper()
	runner, err := NewRunner(clients.NewClients(zap.NewNop(), cfg), config.NewLiveConfig(cfg), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() {
		runner.Scheduler().Stop()
		runner.Scheduler().Notifier().Close()
	})
	return runner
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// recordingSender collects alerts instead of sending them.
type recordingSender struct {
	mu     sync.Mutex
	alerts []notifier.SourceAlert
}

func (r *recordingSender) SendSourceAlert(alert notifier.SourceAlert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, alert)
}

func (r *recordingSender) Close() error { return nil }

func (r *recordingSender) sent() []notifier.SourceAlert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notifier.SourceAlert(nil), r.alerts...)
}

func resultEvent(source string, err error, at time.Time) poller.Event {
	r := poller.PollResult{Source: source, Err: err, IssuedAt: at, ObservedAt: at}
	return poller.Event{Kind: poller.EventResult, Source: source, Result: &r, At: at}
}
