package poller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"dashpoll/internal/metrics"
)

var (
	ErrTriggerFailed = errors.New("consistency check trigger failed")
	ErrRefreshFailed = errors.New("consistency check refresh failed")
)

// TriggerFailedError means the trigger request itself failed; no refresh was
// attempted.
type TriggerFailedError struct {
	Err error
}

func (e *TriggerFailedError) Error() string {
	return fmt.Sprintf("%v: %v", ErrTriggerFailed, e.Err)
}

func (e *TriggerFailedError) Unwrap() error { return e.Err }

func (e *TriggerFailedError) Is(target error) bool { return target == ErrTriggerFailed }

// RefreshFailedError means the trigger succeeded but reading the new checks
// failed.
type RefreshFailedError struct {
	Err error
}

func (e *RefreshFailedError) Error() string {
	return fmt.Sprintf("%v: %v", ErrRefreshFailed, e.Err)
}

func (e *RefreshFailedError) Unwrap() error { return e.Err }

func (e *RefreshFailedError) Is(target error) bool { return target == ErrRefreshFailed }

// ChecksPoller is the part of the Scheduler the Reconciler depends on.
type ChecksPoller interface {
	PollOnce(ctx context.Context, name string) (PollResult, error)
	PollSince(ctx context.Context, name string, since time.Time) (PollResult, error)
	PublishReport(source string, report ConsistencyReport)
}

type ReconcilerConfig struct {
	// ChecksSource is the registered source serving the checks report.
	ChecksSource string
	// TriggerURL receives an empty POST to recompute the checks.
	TriggerURL string
	Metrics    metrics.Collector
	Now        func() time.Time
}

// Reconciler produces consistency reports, either from the last computed
// checks or by triggering a new run and reading it back.
type Reconciler struct {
	logger    *zap.Logger
	transport Transport
	poller    ChecksPoller
	cfg       ReconcilerConfig
	triggers  singleflight.Group

	mu         sync.RWMutex
	triggerURL string
}

func NewReconciler(logger *zap.Logger, transport Transport, poller ChecksPoller, cfg ReconcilerConfig) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Noop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Reconciler{
		logger:     logger,
		transport:  transport,
		poller:     poller,
		cfg:        cfg,
		triggerURL: cfg.TriggerURL,
	}
}

// SetTriggerURL points later triggers at a new endpoint.
func (r *Reconciler) SetTriggerURL(url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.triggerURL = url
}

// TriggerURL returns the endpoint triggers are sent to.
func (r *Reconciler) TriggerURL() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.triggerURL
}

// Fetch reads the current checks. A checks endpoint that has never run yields
// NotYetRun rather than an error.
func (r *Reconciler) Fetch(ctx context.Context) (ConsistencyReport, error) {
	result, err := r.poller.PollOnce(ctx, r.cfg.ChecksSource)
	if err != nil {
		r.cfg.Metrics.IncReconcile("fetch", Reason(err))
		return ConsistencyReport{}, err
	}
	report, err := reportFrom(r.cfg.ChecksSource, result.Value)
	if err != nil {
		r.cfg.Metrics.IncReconcile("fetch", Reason(err))
		return ConsistencyReport{}, err
	}

	r.cfg.Metrics.IncReconcile("fetch", "ok")
	r.poller.PublishReport(r.cfg.ChecksSource, report)
	return report, nil
}

// TriggerAndRefresh asks the checks service to recompute and then reads the
// result with a request issued after the trigger completed. Concurrent calls
// share one trigger.
func (r *Reconciler) TriggerAndRefresh(ctx context.Context) (ConsistencyReport, error) {
	ch := r.triggers.DoChan("trigger", func() (any, error) {
		// Detached from the first caller so a cancelled caller does not fail
		// the others sharing this trigger.
		return r.triggerAndRefresh(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return ConsistencyReport{}, ctx.Err()
	case res := <-ch:
		report, _ := res.Val.(ConsistencyReport)
		return report, res.Err
	}
}

func (r *Reconciler) triggerAndRefresh(ctx context.Context) (ConsistencyReport, error) {
	started := r.cfg.Now()

	if err := r.trigger(ctx); err != nil {
		r.cfg.Metrics.IncReconcile("trigger", "trigger_failed")
		r.logger.Warn("consistency check trigger failed", zap.Error(err))
		return ConsistencyReport{}, &TriggerFailedError{Err: err}
	}

	result, err := r.poller.PollSince(ctx, r.cfg.ChecksSource, started)
	if err == nil {
		var report ConsistencyReport
		report, err = reportFrom(r.cfg.ChecksSource, result.Value)
		if err == nil {
			r.cfg.Metrics.IncReconcile("trigger", "ok")
			r.poller.PublishReport(r.cfg.ChecksSource, report)
			return report, nil
		}
	}

	r.cfg.Metrics.IncReconcile("trigger", "refresh_failed")
	r.logger.Warn("consistency check refresh failed", zap.Error(err))
	return ConsistencyReport{}, &RefreshFailedError{Err: err}
}

func (r *Reconciler) trigger(ctx context.Context) error {
	url := r.TriggerURL()
	resp, err := r.transport.Do(ctx, http.MethodPost, url)
	if err != nil {
		return &NetworkError{URL: url, Err: err}
	}
	if resp.Status < 200 || resp.Status > 299 {
		return &HTTPStatusError{URL: url, Code: resp.Status}
	}

	var body struct {
		ProcessingTimeMS *float64 `json:"processing_time_ms"`
	}
	if len(resp.Body) > 0 && json.Unmarshal(resp.Body, &body) == nil && body.ProcessingTimeMS != nil {
		r.logger.Info("consistency check completed",
			zap.Float64("processing_time_ms", *body.ProcessingTimeMS))
	}
	return nil
}

func reportFrom(source string, v any) (ConsistencyReport, error) {
	switch report := v.(type) {
	case ConsistencyReport:
		return report, nil
	case *ConsistencyReport:
		if report != nil {
			return *report, nil
		}
	}
	return ConsistencyReport{}, &DecodeError{Source: source, Err: fmt.Errorf("unexpected checks value %T", v)}
}
