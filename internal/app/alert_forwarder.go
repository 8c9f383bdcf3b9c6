package app

import (
	"slices"
	"sync"
	"time"

	"dashpoll/clients/notifier"
	"dashpoll/internal/poller"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type AlertForwarderConfig struct {
	// MinInterval is the sustained spacing between alerts; Burst alerts may
	// go out back to back.
	MinInterval time.Duration
	Burst       int
	// ChecksSource is the source whose reports are checked for drift.
	ChecksSource string
}

type sourceHealth struct {
	failing      bool
	failingSince time.Time
	failures     int
}

// AlertForwarder turns poll events into source alerts. Only transitions are
// reported: healthy to failing, failing to recovered, and a change in the
// set of events missing from the consistency report.
type AlertForwarder struct {
	logger  *zap.Logger
	sender  notifier.Notifier
	limiter *rate.Limiter
	cfg     AlertForwarderConfig
	now     func() time.Time

	mu         sync.Mutex
	health     map[string]*sourceHealth
	lastDrift  [2]int
	suppressed int
}

func NewAlertForwarder(logger *zap.Logger, sender notifier.Notifier, cfg AlertForwarderConfig) *AlertForwarder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sender == nil {
		sender = notifier.NewMultiNotifier()
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = time.Minute
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &AlertForwarder{
		logger:  logger,
		sender:  sender,
		limiter: rate.NewLimiter(rate.Every(cfg.MinInterval), cfg.Burst),
		cfg:     cfg,
		now:     time.Now,
		health:  make(map[string]*sourceHealth),
	}
}

// Listen is a poller.Listener.
func (a *AlertForwarder) Listen(ev poller.Event) {
	var alerts []notifier.SourceAlert

	a.mu.Lock()
	switch ev.Kind {
	case poller.EventResult:
		if ev.Result == nil {
			break
		}
		if alert, ok := a.observeResult(*ev.Result); ok {
			alerts = append(alerts, alert)
		}
		if report, ok := ev.Result.Value.(poller.ConsistencyReport); ok && ev.Source == a.cfg.ChecksSource {
			if alert, ok := a.observeReport(ev.Source, report); ok {
				alerts = append(alerts, alert)
			}
		}
	case poller.EventReport:
		if ev.Report == nil {
			break
		}
		if alert, ok := a.observeReport(ev.Source, *ev.Report); ok {
			alerts = append(alerts, alert)
		}
	}
	a.mu.Unlock()

	for _, alert := range alerts {
		a.send(alert)
	}
}

func (a *AlertForwarder) observeResult(result poller.PollResult) (notifier.SourceAlert, bool) {
	h, ok := a.health[result.Source]
	if !ok {
		h = &sourceHealth{}
		a.health[result.Source] = h
	}

	at := result.ObservedAt
	if at.IsZero() {
		at = a.now()
	}

	if result.OK() {
		if !h.failing {
			return notifier.SourceAlert{}, false
		}
		alert := notifier.SourceAlert{
			Kind:         notifier.AlertKindSourceRecovered,
			Source:       result.Source,
			FailingSince: h.failingSince,
			Failures:     h.failures,
			Timestamp:    at,
		}
		*h = sourceHealth{}
		return alert, true
	}

	h.failures++
	if h.failing {
		return notifier.SourceAlert{}, false
	}
	h.failing = true
	h.failingSince = at
	return notifier.SourceAlert{
		Kind:         notifier.AlertKindSourceFailing,
		Source:       result.Source,
		Reason:       result.Reason(),
		Message:      result.Err.Error(),
		FailingSince: at,
		Failures:     h.failures,
		Timestamp:    at,
	}, true
}

func (a *AlertForwarder) observeReport(source string, report poller.ConsistencyReport) (notifier.SourceAlert, bool) {
	if !report.Ran() {
		return notifier.SourceAlert{}, false
	}
	drift := [2]int{len(report.MissingInDB), len(report.MissingInQueue)}
	if drift == a.lastDrift {
		return notifier.SourceAlert{}, false
	}
	a.lastDrift = drift
	if report.Consistent() {
		return notifier.SourceAlert{}, false
	}

	at := report.LastUpdated
	if at.IsZero() {
		at = a.now()
	}
	return notifier.SourceAlert{
		Kind:           notifier.AlertKindConsistencyDrift,
		Source:         source,
		MissingInDB:    drift[0],
		MissingInQueue: drift[1],
		Timestamp:      at,
	}, true
}

func (a *AlertForwarder) send(alert notifier.SourceAlert) {
	if !a.limiter.Allow() {
		a.mu.Lock()
		a.suppressed++
		a.mu.Unlock()
		a.logger.Warn("alert suppressed by rate limit",
			zap.String("kind", string(alert.Kind)),
			zap.String("source", alert.Source))
		return
	}
	a.sender.SendSourceAlert(alert)
}

// SetRate changes the alert rate limit in place. Zero values keep the
// current setting.
func (a *AlertForwarder) SetRate(minInterval time.Duration, burst int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if minInterval > 0 {
		a.cfg.MinInterval = minInterval
		a.limiter.SetLimit(rate.Every(minInterval))
	}
	if burst > 0 {
		a.cfg.Burst = burst
		a.limiter.SetBurst(burst)
	}
}

// Failing returns the sources currently considered failing.
func (a *AlertForwarder) Failing() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for name, h := range a.health {
		if h.failing {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return out
}

// Suppressed returns how many alerts the rate limit dropped.
func (a *AlertForwarder) Suppressed() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.suppressed
}
