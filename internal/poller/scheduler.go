package poller

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"dashpoll/internal/metrics"
)

// ErrNoSources is returned by Start when the registry is empty.
var ErrNoSources = errors.New("no sources registered")

// SchedulerConfig holds the optional scheduler settings.
type SchedulerConfig struct {
	// DefaultInterval is used when Start is called with a zero interval.
	DefaultInterval time.Duration
	Metrics         metrics.Collector
	Now             func() time.Time
}

// Handle describes a running schedule.
type Handle struct {
	Generation uint64
	Interval   time.Duration
	StartedAt  time.Time
	Sources    []string
}

// Scheduler polls every registered source on its own timer. Polls for one
// source never overlap, a failing source never affects the others, and results
// are applied to the cache and published under a single lock so subscribers
// see events in update order.
type Scheduler struct {
	logger    *zap.Logger
	registry  *Registry
	transport Transport
	cache     *ResultCache
	notifier  *Notifier
	metrics   metrics.Collector
	now       func() time.Time
	interval  time.Duration

	mu       sync.Mutex
	gen      uint64
	runCtx   context.Context
	cancel   context.CancelFunc
	cron     gocron.Scheduler
	handle   *Handle
	inflight map[string]bool
	seq      map[string]uint64

	flights singleflight.Group
}

// NewScheduler creates a stopped scheduler. A nil cache or notifier is
// replaced with a fresh one.
func NewScheduler(logger *zap.Logger, registry *Registry, transport Transport, cache *ResultCache, notifier *Notifier, cfg SchedulerConfig) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Noop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if notifier == nil {
		notifier = NewNotifier(logger, cfg.Metrics)
	}
	if cache == nil {
		cache = NewResultCache()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		logger:    logger,
		registry:  registry,
		transport: transport,
		cache:     cache,
		notifier:  notifier,
		metrics:   cfg.Metrics,
		now:       cfg.Now,
		interval:  cfg.DefaultInterval,
		runCtx:    ctx,
		cancel:    cancel,
		inflight:  make(map[string]bool),
		seq:       make(map[string]uint64),
	}
}

func (s *Scheduler) Cache() *ResultCache { return s.cache }

func (s *Scheduler) Notifier() *Notifier { return s.notifier }

// Registry returns the source set currently being polled.
func (s *Scheduler) Registry() *Registry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registry
}

// Reload swaps in a new source set and default interval. A running schedule
// is stopped, which discards in-flight results, and started again on the new
// set. Sequence numbers carry over, so cached results stay ordered.
func (s *Scheduler) Reload(registry *Registry, interval time.Duration) (*Handle, error) {
	if registry == nil {
		return nil, fmt.Errorf("%w: nil registry", ErrInvalidSource)
	}
	running := s.Running()
	s.Stop()

	s.mu.Lock()
	s.registry = registry
	if interval > 0 {
		s.interval = interval
	}
	s.mu.Unlock()

	if !running {
		return nil, nil
	}
	return s.Start(0)
}

// Start schedules every registered source. Sources with their own Interval
// keep it; the rest use interval, or the configured default when interval is
// zero. Calling Start on a running scheduler returns the existing handle.
func (s *Scheduler) Start(interval time.Duration) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handle != nil {
		return s.handle, nil
	}
	if interval <= 0 {
		interval = s.interval
	}
	if interval <= 0 {
		return nil, fmt.Errorf("poll interval must be positive, got %s", interval)
	}

	sources := s.registry.All()
	if len(sources) == 0 {
		return nil, ErrNoSources
	}

	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create poll scheduler: %w", err)
	}

	names := make([]string, 0, len(sources))
	for _, src := range sources {
		every := interval
		if src.Interval > 0 {
			every = src.Interval
		}
		_, err := cron.NewJob(
			gocron.DurationJob(every),
			gocron.NewTask(s.tick, s.gen, src.Name),
			gocron.WithName(src.Name),
			gocron.WithStartAt(gocron.WithStartImmediately()),
		)
		if err != nil {
			_ = cron.Shutdown()
			return nil, fmt.Errorf("schedule source %s: %w", src.Name, err)
		}
		names = append(names, src.Name)
	}

	cron.Start()
	s.cron = cron
	s.handle = &Handle{
		Generation: s.gen,
		Interval:   interval,
		StartedAt:  s.now(),
		Sources:    names,
	}

	s.logger.Info("poll scheduler started",
		zap.Uint64("generation", s.gen),
		zap.Duration("interval", interval),
		zap.Int("sources", len(names)))
	return s.handle, nil
}

// Stop cancels all timers and in-flight requests, including manual polls.
// It does not wait for requests to return: results that still arrive
// afterwards are discarded.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.gen++
	s.cancel()
	s.runCtx, s.cancel = context.WithCancel(context.Background())
	cron := s.cron
	s.cron = nil
	s.handle = nil
	gen := s.gen
	s.mu.Unlock()

	if cron == nil {
		return
	}
	// Ticks only start flights, so Shutdown does not wait on the transport.
	if err := cron.Shutdown(); err != nil {
		s.logger.Warn("poll scheduler shutdown", zap.Error(err))
	}
	s.logger.Info("poll scheduler stopped", zap.Uint64("generation", gen))
}

// Running reports whether Start has been called without a matching Stop.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle != nil
}

// Handle returns the current schedule, or nil when stopped.
func (s *Scheduler) Handle() *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

func (s *Scheduler) tick(gen uint64, name string) {
	s.mu.Lock()
	if gen != s.gen || s.handle == nil {
		s.mu.Unlock()
		return
	}
	busy := s.inflight[name]
	src, ok := s.registry.Get(name)
	s.mu.Unlock()

	if !ok {
		return
	}
	if busy {
		s.metrics.IncPollSkipped(name)
		s.logger.Debug("poll still in flight, skipping tick", zap.String("source", name))
		return
	}
	// The job returns once the flight is started so Stop never waits on a
	// request. A result that lands after Stop fails the generation check.
	s.flights.DoChan(name, func() (any, error) {
		return s.poll(src, &gen)
	})
}

// PollOnce polls a source immediately and feeds the result through the cache
// and notifier like a scheduled tick. If a poll for the source is already in
// flight, PollOnce waits for it instead of issuing a second request.
//
// A failed poll returns the result together with its error. ErrStaleResult
// means the scheduler was stopped while the request was in flight.
func (s *Scheduler) PollOnce(ctx context.Context, name string) (PollResult, error) {
	src, ok := s.source(name)
	if !ok {
		return PollResult{}, &UnknownSourceError{Name: name}
	}
	return s.join(ctx, src)
}

// PollSince is PollOnce with the extra guarantee that the returned result
// comes from a request issued at or after since.
func (s *Scheduler) PollSince(ctx context.Context, name string, since time.Time) (PollResult, error) {
	src, ok := s.source(name)
	if !ok {
		return PollResult{}, &UnknownSourceError{Name: name}
	}
	result, err := s.join(ctx, src)
	if ctx.Err() != nil || !result.IssuedAt.Before(since) {
		return result, err
	}
	// Joined a flight issued before since. Any flight started from here on
	// is newer.
	return s.join(ctx, src)
}

func (s *Scheduler) source(name string) (Source, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registry.Get(name)
}

func (s *Scheduler) join(ctx context.Context, src Source) (PollResult, error) {
	ch := s.flights.DoChan(src.Name, func() (any, error) {
		return s.poll(src, nil)
	})
	select {
	case <-ctx.Done():
		return PollResult{}, ctx.Err()
	case res := <-ch:
		result, _ := res.Val.(PollResult)
		if res.Err != nil {
			return result, res.Err
		}
		return result, result.Err
	}
}

// poll issues one request for src. A scheduled poll passes the generation of
// its tick and is dropped without a request if the scheduler moved on.
func (s *Scheduler) poll(src Source, tickGen *uint64) (PollResult, error) {
	s.mu.Lock()
	gen := s.gen
	if tickGen != nil && *tickGen != gen {
		s.mu.Unlock()
		return PollResult{Source: src.Name}, ErrStaleResult
	}
	ctx := s.runCtx
	s.seq[src.Name]++
	seq := s.seq[src.Name]
	s.inflight[src.Name] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.inflight, src.Name)
		s.mu.Unlock()
	}()

	result := s.fetch(ctx, src, seq)
	if !s.deliver(gen, result) {
		return result, ErrStaleResult
	}
	return result, nil
}

func (s *Scheduler) fetch(ctx context.Context, src Source, seq uint64) PollResult {
	result := PollResult{
		Source:   src.Name,
		IssuedAt: s.now(),
		Seq:      seq,
	}

	result.Value, result.Err = s.request(ctx, src)
	result.ObservedAt = s.now()

	elapsed := result.ObservedAt.Sub(result.IssuedAt)
	if result.Err != nil {
		s.logger.Warn("poll failed",
			zap.String("source", src.Name),
			zap.String("reason", result.Reason()),
			zap.Uint64("seq", seq),
			zap.Error(result.Err))
		s.metrics.ObservePoll(src.Name, result.Reason(), elapsed)
		return result
	}
	s.logger.Debug("poll completed",
		zap.String("source", src.Name),
		zap.Uint64("seq", seq),
		zap.Duration("elapsed", elapsed))
	s.metrics.ObservePoll(src.Name, "ok", elapsed)
	return result
}

func (s *Scheduler) request(ctx context.Context, src Source) (any, error) {
	target, err := src.URL()
	if err != nil {
		return nil, &NetworkError{URL: src.Endpoint, Err: err}
	}

	resp, err := s.transport.Do(ctx, http.MethodGet, target)
	if errors.Is(err, ErrResponseTooLarge) {
		return nil, &DecodeError{Source: src.Name, Err: err}
	}
	if err != nil {
		return nil, &NetworkError{URL: target, Err: err}
	}

	if src.Sentinel != nil {
		if v, ok := src.Sentinel(resp.Status); ok {
			return v, nil
		}
	}
	if resp.Status < 200 || resp.Status > 299 {
		return nil, &HTTPStatusError{URL: target, Code: resp.Status}
	}

	v, err := src.Decode(resp.Body)
	if err != nil {
		return nil, &DecodeError{Source: src.Name, Err: err}
	}
	return v, nil
}

// deliver applies result to the cache and publishes it, unless the scheduler
// generation moved on or a newer result is already cached.
func (s *Scheduler) deliver(gen uint64, result PollResult) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.gen || !s.cache.Update(result) {
		s.metrics.IncStaleDiscarded(result.Source)
		s.logger.Debug("discarding stale poll result",
			zap.String("source", result.Source),
			zap.Uint64("seq", result.Seq))
		return false
	}
	s.notifier.Publish(Event{
		Kind:   EventResult,
		Source: result.Source,
		Result: &result,
		At:     result.ObservedAt,
	})
	return true
}

// PublishReport emits a reconciliation event, ordered with cache updates.
func (s *Scheduler) PublishReport(source string, report ConsistencyReport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifier.Publish(Event{
		Kind:   EventReport,
		Source: source,
		Report: &report,
		At:     s.now(),
	})
}
