package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"sync"
	"time"

	"dashpoll/internal/poller"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	wsBuffer       = 64
	wsWriteTimeout = 5 * time.Second
)

// ServiceStats is served at /stats.
type ServiceStats struct {
	Build struct {
		Commit    string `json:"commit"`
		Time      string `json:"time,omitempty"`
		GoVersion string `json:"go_version"`
	} `json:"build"`

	StartTime string `json:"start_time"`
	Uptime    string `json:"uptime"`
	UptimeSec int64  `json:"uptime_seconds"`

	Polling struct {
		Running     bool     `json:"running"`
		Generation  uint64   `json:"generation,omitempty"`
		Interval    string   `json:"interval,omitempty"`
		Sources     int      `json:"sources"`
		Subscribers int      `json:"subscribers"`
		Failing     []string `json:"failing"`
		Version     uint64   `json:"cache_version"`
	} `json:"polling"`

	Alerts struct {
		Suppressed int `json:"suppressed"`
	} `json:"alerts"`

	Runtime struct {
		Goroutines int    `json:"goroutines"`
		HeapAlloc  uint64 `json:"heap_alloc"`
		NumGC      uint32 `json:"num_gc"`
		NumCPU     int    `json:"num_cpu"`
	} `json:"runtime"`
}

type sourceInfo struct {
	Name     string             `json:"name"`
	Endpoint string             `json:"endpoint"`
	Interval string             `json:"interval,omitempty"`
	Last     *poller.PollResult `json:"last,omitempty"`
}

type snapshotResponse struct {
	Snapshot poller.Snapshot `json:"snapshot"`
	Handle   *poller.Handle  `json:"handle,omitempty"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
	Stage  string `json:"stage,omitempty"`
}

type wsMessage struct {
	Type     string            `json:"type"`
	Snapshot *snapshotResponse `json:"snapshot,omitempty"`
	Event    *poller.Event     `json:"event,omitempty"`
}

// DashboardServer exposes the cache over HTTP and streams poll events to
// WebSocket clients.
type DashboardServer struct {
	logger     *zap.Logger
	scheduler  *poller.Scheduler
	reconciler *poller.Reconciler
	errors     *ErrorFeed
	alerts     *AlertForwarder
	gatherer   prometheus.Gatherer
	startTime  time.Time
	upgrader   websocket.Upgrader

	mu     sync.Mutex
	server *http.Server
	done   chan struct{}
	closed bool
}

func NewDashboardServer(logger *zap.Logger, scheduler *poller.Scheduler, reconciler *poller.Reconciler, feed *ErrorFeed, alerts *AlertForwarder, gatherer prometheus.Gatherer) *DashboardServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if gatherer == nil {
		gatherer = prometheus.NewRegistry()
	}
	return &DashboardServer{
		logger:     logger,
		scheduler:  scheduler,
		reconciler: reconciler,
		errors:     feed,
		alerts:     alerts,
		gatherer:   gatherer,
		startTime:  time.Now(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		done: make(chan struct{}),
	}
}

// Handler returns the dashboard routes.
func (d *DashboardServer) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /stats", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, d.GetStats())
	})

	mux.HandleFunc("GET /api/snapshot", d.handleSnapshot)
	mux.HandleFunc("GET /api/sources", d.handleSources)
	mux.HandleFunc("POST /api/sources/{name}/poll", d.handlePoll)
	mux.HandleFunc("GET /api/consistency", d.handleConsistency)
	mux.HandleFunc("POST /api/consistency/update", d.handleConsistencyUpdate)
	mux.HandleFunc("GET /api/errors", d.handleErrors)
	mux.HandleFunc("GET /ws", d.handleWS)
	mux.Handle("GET /metrics", promhttp.HandlerFor(d.gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(dashboardHTML))
	})

	return mux
}

// Serve listens on port until ctx is done, then shuts down gracefully.
func (d *DashboardServer) Serve(ctx context.Context, port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("dashboard listen: %w", err)
	}
	return d.serve(ctx, ln)
}

func (d *DashboardServer) serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           d.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	d.mu.Lock()
	d.server = srv
	d.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	d.logger.Info("dashboard server started", zap.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("dashboard server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := d.Shutdown(shutdownCtx)
	<-errCh
	return err
}

// Shutdown stops the HTTP server and closes open event streams.
func (d *DashboardServer) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.done)
	}
	srv := d.server
	d.mu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// GetStats reports service and polling state.
func (d *DashboardServer) GetStats() ServiceStats {
	var stats ServiceStats

	stats.Build.Commit = BuildCommit
	stats.Build.Time = BuildTime
	stats.Build.GoVersion = runtime.Version()

	stats.StartTime = d.startTime.UTC().Format(time.RFC3339)
	uptime := time.Since(d.startTime)
	stats.Uptime = uptime.Round(time.Second).String()
	stats.UptimeSec = int64(uptime.Seconds())

	if h := d.scheduler.Handle(); h != nil {
		stats.Polling.Running = true
		stats.Polling.Generation = h.Generation
		stats.Polling.Interval = h.Interval.String()
	}
	stats.Polling.Sources = d.scheduler.Registry().Len()
	stats.Polling.Subscribers = d.scheduler.Notifier().Subscribers()
	stats.Polling.Version = d.scheduler.Cache().Snapshot().Version
	stats.Polling.Failing = []string{}
	if d.alerts != nil {
		if failing := d.alerts.Failing(); failing != nil {
			stats.Polling.Failing = failing
		}
		stats.Alerts.Suppressed = d.alerts.Suppressed()
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	stats.Runtime.Goroutines = runtime.NumGoroutine()
	stats.Runtime.HeapAlloc = memStats.HeapAlloc
	stats.Runtime.NumGC = memStats.NumGC
	stats.Runtime.NumCPU = runtime.NumCPU()

	return stats
}

func (d *DashboardServer) snapshot() *snapshotResponse {
	return &snapshotResponse{
		Snapshot: d.scheduler.Cache().Snapshot(),
		Handle:   d.scheduler.Handle(),
	}
}

func (d *DashboardServer) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, d.snapshot())
}

func (d *DashboardServer) handleSources(w http.ResponseWriter, _ *http.Request) {
	cache := d.scheduler.Cache()
	var interval time.Duration
	if h := d.scheduler.Handle(); h != nil {
		interval = h.Interval
	}

	sources := d.scheduler.Registry().All()
	out := make([]sourceInfo, 0, len(sources))
	for _, src := range sources {
		info := sourceInfo{Name: src.Name, Endpoint: src.Endpoint}
		if every := src.Interval; every > 0 {
			info.Interval = every.String()
		} else if interval > 0 {
			info.Interval = interval.String()
		}
		if last, ok := cache.Get(src.Name); ok {
			info.Last = &last
		}
		out = append(out, info)
	}
	writeJSON(w, http.StatusOK, out)
}

func (d *DashboardServer) handlePoll(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	result, err := d.scheduler.PollOnce(r.Context(), name)

	var unknown *poller.UnknownSourceError
	switch {
	case errors.As(err, &unknown):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.Is(err, poller.ErrStaleResult):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error(), Reason: "stale"})
	case r.Context().Err() != nil:
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: r.Context().Err().Error()})
	default:
		// A failed poll is still a completed update; the result carries the reason.
		writeJSON(w, http.StatusOK, result)
	}
}

func (d *DashboardServer) handleConsistency(w http.ResponseWriter, r *http.Request) {
	if d.reconciler == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "consistency checks disabled"})
		return
	}
	report, err := d.reconciler.Fetch(r.Context())
	if err != nil {
		d.writeReconcileError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (d *DashboardServer) handleConsistencyUpdate(w http.ResponseWriter, r *http.Request) {
	if d.reconciler == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "consistency checks disabled"})
		return
	}
	report, err := d.reconciler.TriggerAndRefresh(r.Context())
	if err != nil {
		d.writeReconcileError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (d *DashboardServer) writeReconcileError(w http.ResponseWriter, err error) {
	resp := errorResponse{Error: err.Error(), Reason: poller.Reason(err)}
	var unknown *poller.UnknownSourceError
	switch {
	case errors.As(err, &unknown):
		writeJSON(w, http.StatusNotFound, resp)
		return
	case errors.Is(err, poller.ErrTriggerFailed):
		resp.Stage = "trigger"
	case errors.Is(err, poller.ErrRefreshFailed):
		resp.Stage = "refresh"
	}
	d.logger.Warn("consistency request failed", zap.Error(err))
	writeJSON(w, http.StatusBadGateway, resp)
}

func (d *DashboardServer) handleErrors(w http.ResponseWriter, _ *http.Request) {
	entries := []ErrorEntry{}
	if d.errors != nil {
		entries = d.errors.Recent()
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleWS sends a snapshot followed by every poll event in publish order.
// Clients that fall behind are disconnected rather than skipped.
func (d *DashboardServer) handleWS(w http.ResponseWriter, req *http.Request) {
	conn, err := d.upgrader.Upgrade(w, req, nil)
	if err != nil {
		d.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	events := make(chan poller.Event, wsBuffer)
	overflow := make(chan struct{})
	var overflowOnce sync.Once
	unsubscribe := d.scheduler.Notifier().Subscribe(func(ev poller.Event) {
		select {
		case events <- ev:
		default:
			overflowOnce.Do(func() { close(overflow) })
		}
	})
	defer unsubscribe()

	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(wsMessage{Type: "snapshot", Snapshot: d.snapshot()}); err != nil {
		return
	}

	// Reads only detect the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev := <-events:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(wsMessage{Type: "event", Event: &ev}); err != nil {
				return
			}
		case <-overflow:
			d.logger.Warn("websocket client too slow, closing")
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "too slow"),
				time.Now().Add(time.Second))
			return
		case <-d.done:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(time.Second))
			return
		case <-gone:
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

const dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Energy Pipeline Dashboard</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, monospace; background: #0d1117; color: #c9d1d9; padding: 20px; }
        h1 { color: #58a6ff; font-size: 24px; margin-bottom: 20px; }
        .grid { display: grid; grid-template-columns: repeat(auto-fit, minmax(320px, 1fr)); gap: 16px; }
        .card { background: #161b22; border: 1px solid #30363d; border-radius: 6px; padding: 12px; }
        .card h2 { font-size: 14px; text-transform: uppercase; color: #8b949e; margin: 0 0 8px; }
        .ok { color: #3fb950; } .err { color: #f85149; }
        pre { white-space: pre-wrap; word-break: break-all; font-size: 12px; max-height: 240px; overflow: auto; }
        button { background: #21262d; color: #c9d1d9; border: 1px solid #30363d; border-radius: 4px; padding: 4px 10px; cursor: pointer; }
        #errors div { color: #f85149; margin-bottom: 4px; }
    </style>
</head>
<body>
    <h1>Energy Pipeline Dashboard <span id="status">connecting…</span></h1>
    <div id="errors"></div>
    <p><button onclick="fetch('/api/consistency/update', {method: 'POST'})">Run consistency check</button></p>
    <div class="grid" id="sources"></div>
    <script>
        const cards = {};
        function card(name) {
            if (!cards[name]) {
                const el = document.createElement('div');
                el.className = 'card';
                el.innerHTML = '<h2></h2><button>Update</button><pre></pre>';
                el.querySelector('h2').textContent = name;
                el.querySelector('button').onclick = () => fetch('/api/sources/' + encodeURIComponent(name) + '/poll', {method: 'POST'});
                document.getElementById('sources').appendChild(el);
                cards[name] = el;
            }
            return cards[name];
        }
        function render(result) {
            const el = card(result.source);
            const h2 = el.querySelector('h2');
            h2.className = result.ok ? 'ok' : 'err';
            el.querySelector('pre').textContent = result.ok
                ? JSON.stringify(result.value, null, 2)
                : result.reason + ': ' + result.error;
        }
        function refreshErrors() {
            fetch('/api/errors').then(r => r.json()).then(list => {
                const box = document.getElementById('errors');
                box.innerHTML = '';
                list.forEach(e => {
                    const div = document.createElement('div');
                    div.textContent = e.message + ' (' + e.source + ': ' + e.reason + ')';
                    box.appendChild(div);
                });
            }).catch(() => {});
        }
        function connect() {
            const protocol = window.location.protocol === 'https:' ? 'wss:' : 'ws:';
            const ws = new WebSocket(protocol + '//' + window.location.host + '/ws');
            const status = document.getElementById('status');
            ws.onopen = () => { status.textContent = ''; };
            ws.onclose = () => { status.textContent = 'disconnected'; setTimeout(connect, 3000); };
            ws.onmessage = (msg) => {
                const data = JSON.parse(msg.data);
                if (data.type === 'snapshot') {
                    Object.values(data.snapshot.snapshot.results || {}).forEach(render);
                } else if (data.event && data.event.result) {
                    render(data.event.result);
                }
            };
        }
        connect();
        setInterval(refreshErrors, 1000);
    </script>
</body>
</html>
`
