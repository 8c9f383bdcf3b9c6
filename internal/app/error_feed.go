package app

import (
	"sync"
	"time"

	"dashpoll/internal/poller"

	"go.uber.org/zap"
)

// ErrorEntry is one failed poll as shown on the dashboard.
type ErrorEntry struct {
	Source    string    `json:"source"`
	Reason    string    `json:"reason"`
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	At        time.Time `json:"at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ErrorFeed keeps failed polls visible for a bounded time. It subscribes to
// the poll notifier and never blocks it.
type ErrorFeed struct {
	logger *zap.Logger
	now    func() time.Time

	mu         sync.Mutex
	ttl        time.Duration
	maxEntries int
	entries    []ErrorEntry
}

func NewErrorFeed(logger *zap.Logger, ttl time.Duration, maxEntries int) *ErrorFeed {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 7 * time.Second
	}
	if maxEntries <= 0 {
		maxEntries = 50
	}
	return &ErrorFeed{
		logger:     logger,
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// Listen records failed poll results. It is a poller.Listener.
func (f *ErrorFeed) Listen(ev poller.Event) {
	if ev.Kind != poller.EventResult || ev.Result == nil || ev.Result.OK() {
		return
	}

	at := ev.Result.ObservedAt
	if at.IsZero() {
		at = f.now()
	}
	entry := ErrorEntry{
		Source:  ev.Source,
		Reason:  ev.Result.Reason(),
		Error:   ev.Result.Err.Error(),
		Message: "Something happened at " + at.Format("15:04:05") + "!",
		At:      at,
	}

	f.mu.Lock()
	entry.ExpiresAt = at.Add(f.ttl)
	f.entries = append(f.entries, entry)
	f.trimLocked()
	f.mu.Unlock()

	f.logger.Debug("poll error recorded",
		zap.String("source", entry.Source),
		zap.String("reason", entry.Reason))
}

// SetLimits changes the display time and cap. Entries already recorded keep
// their expiry; the cap applies at once.
func (f *ErrorFeed) SetLimits(ttl time.Duration, maxEntries int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ttl > 0 {
		f.ttl = ttl
	}
	if maxEntries > 0 {
		f.maxEntries = maxEntries
	}
	f.trimLocked()
}

func (f *ErrorFeed) trimLocked() {
	if over := len(f.entries) - f.maxEntries; over > 0 {
		f.entries = append([]ErrorEntry(nil), f.entries[over:]...)
	}
}

// Recent returns the entries that have not expired yet, newest first.
func (f *ErrorFeed) Recent() []ErrorEntry {
	now := f.now()

	f.mu.Lock()
	defer f.mu.Unlock()

	kept := f.entries[:0]
	for _, e := range f.entries {
		if now.Before(e.ExpiresAt) {
			kept = append(kept, e)
		}
	}
	f.entries = kept

	out := make([]ErrorEntry, len(kept))
	for i, e := range kept {
		out[len(kept)-1-i] = e
	}
	return out
}

// Latest returns the newest unexpired entry for source.
func (f *ErrorFeed) Latest(source string) (ErrorEntry, bool) {
	for _, e := range f.Recent() {
		if e.Source == source {
			return e, true
		}
	}
	return ErrorEntry{}, false
}
