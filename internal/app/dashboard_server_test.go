package app

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"dashpoll/clients/backend"

	"github.com/gorilla/websocket"
)

func newTestDashboard(t *testing.T) (*fakeBackend, *Runner, *httptest.Server) {
	t.Helper()
	fb := newFakeBackend(t)
	runner := newTestRunner(t, testConfig(fb.URL))
	srv := httptest.NewServer(runner.Dashboard().Handler())
	t.Cleanup(srv.Close)
	return fb, runner, srv
}

func doJSON(t *testing.T, method, url string, out any) int {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, url, err)
		}
	}
	return resp.StatusCode
}

func TestDashboardServer_Health(t *testing.T) {
	_, _, srv := newTestDashboard(t)

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "ok" {
		t.Errorf("unexpected health response: %d %s", resp.StatusCode, body)
	}

	var stats ServiceStats
	if code := doJSON(t, http.MethodGet, srv.URL+"/stats", &stats); code != http.StatusOK {
		t.Fatalf("unexpected status: %d", code)
	}
	if stats.Polling.Sources != 7 || stats.Polling.Running {
		t.Errorf("unexpected polling stats: %+v", stats.Polling)
	}
}

func TestDashboardServer_PollAndSnapshot(t *testing.T) {
	_, _, srv := newTestDashboard(t)

	var result struct {
		Source string          `json:"source"`
		OK     bool            `json:"ok"`
		Value  json.RawMessage `json:"value"`
		Seq    uint64          `json:"seq"`
	}
	code := doJSON(t, http.MethodPost, srv.URL+"/api/sources/"+backend.SourceProcessingStats+"/poll", &result)
	if code != http.StatusOK {
		t.Fatalf("unexpected status: %d", code)
	}
	if !result.OK || result.Source != backend.SourceProcessingStats || result.Seq != 1 {
		t.Errorf("unexpected result: %+v", result)
	}

	var snap struct {
		Snapshot struct {
			Version uint64                     `json:"version"`
			Results map[string]json.RawMessage `json:"results"`
		} `json:"snapshot"`
	}
	doJSON(t, http.MethodGet, srv.URL+"/api/snapshot", &snap)
	if snap.Snapshot.Version != 1 || len(snap.Snapshot.Results) != 1 {
		t.Errorf("unexpected snapshot: %+v", snap)
	}

	var sources []sourceInfo
	doJSON(t, http.MethodGet, srv.URL+"/api/sources", &sources)
	if len(sources) != 7 {
		t.Fatalf("expected 7 sources, got %d", len(sources))
	}
	if sources[0].Name != backend.SourceProcessingStats || sources[0].Last == nil {
		t.Errorf("expected last result on first source, got %+v", sources[0])
	}
	if sources[1].Last != nil {
		t.Errorf("unpolled source should have no result, got %+v", sources[1].Last)
	}
}

func TestDashboardServer_PollFailures(t *testing.T) {
	fb, _, srv := newTestDashboard(t)
	fb.set("/analyzer/stats", http.StatusBadGateway, ``)

	var result struct {
		OK     bool   `json:"ok"`
		Reason string `json:"reason"`
	}
	code := doJSON(t, http.MethodPost, srv.URL+"/api/sources/"+backend.SourceAnalyzerStats+"/poll", &result)
	if code != http.StatusOK || result.OK || result.Reason != "http_status:502" {
		t.Errorf("unexpected failed poll response: %d %+v", code, result)
	}

	var errResp errorResponse
	if code := doJSON(t, http.MethodPost, srv.URL+"/api/sources/nope/poll", &errResp); code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown source, got %d", code)
	}
	if code := doJSON(t, http.MethodGet, srv.URL+"/api/sources/nope/poll", nil); code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405 for GET, got %d", code)
	}
}

func TestDashboardServer_Consistency(t *testing.T) {
	fb, _, srv := newTestDashboard(t)

	var report struct {
		State string `json:"state"`
	}
	if code := doJSON(t, http.MethodGet, srv.URL+"/api/consistency", &report); code != http.StatusOK {
		t.Fatalf("unexpected status: %d", code)
	}
	if report.State != "not_yet_run" {
		t.Errorf("expected not_yet_run, got %s", report.State)
	}

	fb.set("/consistency_check/checks", http.StatusOK, `{
		"counts": {"db": 1, "queue": 2, "processing": 2},
		"missing_in_db": [{"event_id": "e1", "trace_id": "t1"}],
		"missing_in_queue": [],
		"last_updated": "2024-05-01T12:00:00Z"
	}`)
	var ready struct {
		State       string `json:"state"`
		MissingInDB []struct {
			TraceID string `json:"trace_id"`
		} `json:"missing_in_db"`
	}
	if code := doJSON(t, http.MethodPost, srv.URL+"/api/consistency/update", &ready); code != http.StatusOK {
		t.Fatalf("unexpected status: %d", code)
	}
	if ready.State != "ready" || len(ready.MissingInDB) != 1 || ready.MissingInDB[0].TraceID != "t1" {
		t.Errorf("unexpected report: %+v", ready)
	}
	if fb.callCount("/consistency_check/update") != 1 {
		t.Errorf("expected one trigger, got %d", fb.callCount("/consistency_check/update"))
	}
}

func TestDashboardServer_ConsistencyTriggerFailed(t *testing.T) {
	fb, _, srv := newTestDashboard(t)
	fb.set("/consistency_check/update", http.StatusInternalServerError, ``)

	var resp errorResponse
	if code := doJSON(t, http.MethodPost, srv.URL+"/api/consistency/update", &resp); code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", code)
	}
	if resp.Stage != "trigger" {
		t.Errorf("expected trigger stage, got %+v", resp)
	}
	if fb.callCount("/consistency_check/checks") != 0 {
		t.Error("refresh must not run after a failed trigger")
	}

	fb.set("/consistency_check/update", http.StatusOK, `{}`)
	fb.set("/consistency_check/checks", http.StatusInternalServerError, ``)
	if code := doJSON(t, http.MethodPost, srv.URL+"/api/consistency/update", &resp); code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", code)
	}
	if resp.Stage != "refresh" || resp.Reason != "http_status:500" {
		t.Errorf("expected refresh stage, got %+v", resp)
	}
}

func TestDashboardServer_Errors(t *testing.T) {
	fb, runner, srv := newTestDashboard(t)
	fb.set("/processing/stats", http.StatusOK, `not json`)

	unsubscribe := runner.Scheduler().Notifier().Subscribe(runner.ErrorFeed().Listen)
	defer unsubscribe()

	runner.Scheduler().PollOnce(context.Background(), backend.SourceProcessingStats)

	var entries []ErrorEntry
	waitFor(t, "error entry", func() bool {
		doJSON(t, http.MethodGet, srv.URL+"/api/errors", &entries)
		return len(entries) == 1
	})
	if entries[0].Reason != "decode" || !strings.HasPrefix(entries[0].Message, "Something happened at ") {
		t.Errorf("unexpected entry: %+v", entries[0])
	}
}

func TestDashboardServer_Metrics(t *testing.T) {
	_, runner, srv := newTestDashboard(t)
	runner.Scheduler().PollOnce(context.Background(), backend.SourceAnalyzerStats)

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `dashpoll_polls_total{outcome="ok",source="analyzer-stats"} 1`) {
		t.Errorf("expected poll counter in metrics output:\n%s", body)
	}
}

func TestDashboardServer_WebSocket(t *testing.T) {
	_, runner, srv := newTestDashboard(t)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	var msg struct {
		Type  string `json:"type"`
		Event *struct {
			Seq    uint64 `json:"seq"`
			Kind   string `json:"kind"`
			Source string `json:"source"`
		} `json:"event"`
	}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if msg.Type != "snapshot" {
		t.Fatalf("expected snapshot first, got %s", msg.Type)
	}

	for _, name := range []string{backend.SourceProcessingStats, backend.SourceAnalyzerStats} {
		runner.Scheduler().PollOnce(context.Background(), name)
	}

	var seqs []uint64
	for _, want := range []string{backend.SourceProcessingStats, backend.SourceAnalyzerStats} {
		msg.Event = nil
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read event: %v", err)
		}
		if msg.Type != "event" || msg.Event == nil || msg.Event.Source != want || msg.Event.Kind != "result" {
			t.Fatalf("unexpected message: %+v", msg)
		}
		seqs = append(seqs, msg.Event.Seq)
	}
	if seqs[1] <= seqs[0] {
		t.Errorf("events out of order: %v", seqs)
	}

	if err := runner.Dashboard().Shutdown(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("expected going-away close, got %v", err)
	}
}
