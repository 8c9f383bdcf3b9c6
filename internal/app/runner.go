package app

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	clts "dashpoll/clients"
	"dashpoll/clients/backend"
	"dashpoll/config"
	"dashpoll/internal/metrics"
	"dashpoll/internal/poller"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ensure Runner implements ConfigObserver
var _ config.ConfigObserver = (*Runner)(nil)

// Build info - populated from embedded VCS info at init time
var (
	BuildCommit = "dev"
	BuildTime   = "unknown"
)

func init() {
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			switch setting.Key {
			case "vcs.revision":
				if setting.Value != "" {
					BuildCommit = setting.Value
				}
			case "vcs.time":
				BuildTime = setting.Value
			}
		}
	}
}

// Runner wires the poll scheduler to its subscribers and serves the
// dashboard until its context ends.
type Runner struct {
	logger     *zap.Logger
	clients    *clts.Clients
	liveConfig *config.LiveConfig
	envConfig  *config.Config

	promRegistry *prometheus.Registry
	collector    *metrics.PrometheusCollector
	scheduler    *poller.Scheduler
	reconciler   *poller.Reconciler
	errorFeed    *ErrorFeed
	alerts       *AlertForwarder
	dashboard    *DashboardServer

	mu      sync.Mutex
	current *config.Config
}

// NewRunner builds every component from the current config. envConfig is the
// environment-only config the YAML overlay is reapplied to when the file
// changes; it may be nil when no file is watched.
func NewRunner(clients *clts.Clients, liveConfig *config.LiveConfig, envConfig *config.Config) (*Runner, error) {
	logger := clients.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := liveConfig.Get()

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector, err := metrics.NewPrometheusCollector(promRegistry)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	sources, err := buildRegistry(cfg)
	if err != nil {
		return nil, err
	}

	notifier := poller.NewNotifier(logger.Named("notifier"), collector)
	scheduler := poller.NewScheduler(logger.Named("scheduler"), sources, clients.Backend, nil, notifier, poller.SchedulerConfig{
		DefaultInterval: cfg.Polling.Interval,
		Metrics:         collector,
	})
	reconciler := poller.NewReconciler(logger.Named("reconciler"), clients.Backend, scheduler, poller.ReconcilerConfig{
		ChecksSource: backend.SourceChecks,
		TriggerURL:   backend.TriggerURL(cfg),
		Metrics:      collector,
	})

	errorFeed := NewErrorFeed(logger, cfg.ErrorFeed.TTL, cfg.ErrorFeed.MaxEntries)
	alerts := NewAlertForwarder(logger.Named("alerts"), clients.Notifier, AlertForwarderConfig{
		MinInterval:  cfg.Alerts.MinInterval,
		Burst:        cfg.Alerts.Burst,
		ChecksSource: backend.SourceChecks,
	})

	r := &Runner{
		logger:       logger,
		clients:      clients,
		liveConfig:   liveConfig,
		envConfig:    envConfig,
		promRegistry: promRegistry,
		collector:    collector,
		scheduler:    scheduler,
		reconciler:   reconciler,
		errorFeed:    errorFeed,
		alerts:       alerts,
		current:      cfg,
	}
	r.dashboard = NewDashboardServer(logger.Named("dashboard"), scheduler, reconciler, errorFeed, alerts, promRegistry)
	return r, nil
}

func buildRegistry(cfg *config.Config) (*poller.Registry, error) {
	reg := poller.NewRegistry()
	if err := backend.RegisterDefaults(reg, cfg); err != nil {
		return nil, fmt.Errorf("register sources: %w", err)
	}
	return reg, nil
}

func (r *Runner) Scheduler() *poller.Scheduler   { return r.scheduler }
func (r *Runner) Reconciler() *poller.Reconciler { return r.reconciler }
func (r *Runner) ErrorFeed() *ErrorFeed          { return r.errorFeed }
func (r *Runner) Alerts() *AlertForwarder        { return r.alerts }
func (r *Runner) Dashboard() *DashboardServer    { return r.dashboard }

// OnConfigUpdate applies a new config revision: error feed and alert limits
// in place, and a rebuilt source set with a restarted schedule when anything
// polling depends on changed. Settings that need a restart are only logged.
// Implements config.ConfigObserver interface.
func (r *Runner) OnConfigUpdate(cfg *config.Config, rev config.Revision) {
	r.mu.Lock()
	defer r.mu.Unlock()

	logger := r.logger.With(
		zap.Uint64("configVersion", rev.Version),
		zap.String("configSource", rev.Source))

	if rev.Has(config.SectionErrorFeed) {
		r.errorFeed.SetLimits(cfg.ErrorFeed.TTL, cfg.ErrorFeed.MaxEntries)
	}
	if rev.Has(config.SectionAlerts) {
		r.alerts.SetRate(cfg.Alerts.MinInterval, cfg.Alerts.Burst)
	}
	if settings := r.current.RestartRequired(cfg); len(settings) > 0 {
		logger.Warn("config change takes effect after restart", zap.Strings("settings", settings))
	}

	if !r.current.PollingChanged(cfg) {
		logger.Info("config update received, polling unchanged", zap.Strings("changed", rev.Changed))
		r.current = cfg
		return
	}

	sources, err := buildRegistry(cfg)
	if err != nil {
		logger.Error("failed to rebuild sources, keeping current schedule", zap.Error(err))
		return
	}
	handle, err := r.scheduler.Reload(sources, cfg.Polling.Interval)
	if err != nil {
		logger.Error("failed to restart polling", zap.Error(err))
		return
	}
	r.reconciler.SetTriggerURL(backend.TriggerURL(cfg))
	r.current = cfg

	fields := []zap.Field{zap.Int("sources", sources.Len())}
	if handle != nil {
		fields = append(fields,
			zap.Uint64("generation", handle.Generation),
			zap.Duration("interval", handle.Interval))
	}
	logger.Info("polling reconfigured", fields...)
}

func (r *Runner) Run(ctx context.Context) error {
	logger := r.logger
	cfg := r.liveConfig.Get()

	// Register as config observer for hot-reload
	r.liveConfig.AddObserver(r)
	defer r.liveConfig.RemoveObserver(r)

	notifier := r.scheduler.Notifier()
	unsubscribeErrors := notifier.Subscribe(r.errorFeed.Listen)
	defer unsubscribeErrors()
	unsubscribeAlerts := notifier.Subscribe(r.alerts.Listen)
	defer unsubscribeAlerts()

	handle, err := r.scheduler.Start(0)
	if err != nil {
		return fmt.Errorf("start polling: %w", err)
	}
	logger.Info("dashboard poller started",
		zap.String("backend", cfg.Backend.BaseURL),
		zap.Int("sources", len(handle.Sources)),
		zap.Duration("interval", handle.Interval),
		zap.Int("alertChannels", r.clients.Notifier.Count()),
	)

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Server.Enabled {
		g.Go(func() error {
			return r.dashboard.Serve(gctx, cfg.Server.Port)
		})
	}

	if cfg.File != "" && r.envConfig != nil {
		watcher := config.NewFileWatcher(logger.Named("config"), r.liveConfig, r.envConfig, cfg.File)
		g.Go(func() error {
			if err := watcher.Run(gctx); err != nil {
				// Hot reload is optional; polling carries on without it.
				logger.Warn("config file watcher stopped", zap.Error(err))
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	err = g.Wait()
	logger.Info("runner shutting down")

	if closeErr := r.Close(); closeErr != nil {
		logger.Warn("failed to close alert channels", zap.Error(closeErr))
	}
	return err
}

// Close stops polling, drains subscribers and closes the alert channels.
// Commands that never call Run use it to release the runner.
func (r *Runner) Close() error {
	r.scheduler.Stop()
	r.scheduler.Notifier().Close()
	return r.clients.Close()
}
