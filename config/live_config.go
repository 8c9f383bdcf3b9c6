package config

import (
	"slices"
	"sync"
	"time"
)

// Revision sources.
const (
	SourceInitial = "initial"
	SourceFile    = "file"
)

// Revision describes one applied config.
type Revision struct {
	Version uint64    `json:"version"`
	Source  string    `json:"source"`
	At      time.Time `json:"at"`
	// Changed lists the sections that differ from the previous revision.
	Changed []string `json:"changed,omitempty"`
}

// Has reports whether section changed in this revision.
func (r Revision) Has(section string) bool {
	return slices.Contains(r.Changed, section)
}

// ConfigObserver is notified after a new revision has been applied. cfg is
// the observer's own copy.
type ConfigObserver interface {
	OnConfigUpdate(cfg *Config, rev Revision)
}

// LiveConfig holds the current config. An update that changes nothing is
// accepted without creating a revision, so observers only hear about real
// changes.
type LiveConfig struct {
	mu     sync.RWMutex
	config *Config
	rev    Revision

	obsMu     sync.RWMutex
	observers []ConfigObserver
}

func NewLiveConfig(initial *Config) *LiveConfig {
	if initial == nil {
		initial = Defaults()
	}
	return &LiveConfig{
		config: initial.Clone(),
		rev:    Revision{Version: 1, Source: SourceInitial, At: time.Now()},
	}
}

// Get returns a copy of the current config.
func (lc *LiveConfig) Get() *Config {
	lc.mu.RLock()
	defer lc.mu.RUnlock()
	return lc.config.Clone()
}

// Revision returns the revision of the current config.
func (lc *LiveConfig) Revision() Revision {
	lc.mu.RLock()
	defer lc.mu.RUnlock()
	rev := lc.rev
	rev.Changed = slices.Clone(rev.Changed)
	return rev
}

// Update validates next and applies it as a new revision from source. The
// returned revision is the current one, whether or not anything changed.
func (lc *LiveConfig) Update(next *Config, source string) (Revision, error) {
	if next == nil {
		return lc.Revision(), nil
	}
	if result := next.Validate(); !result.Valid {
		return lc.Revision(), &ConfigValidationError{Errors: result.Errors}
	}
	cloned := next.Clone()

	lc.mu.Lock()
	changed := lc.config.ChangedSections(cloned)
	if len(changed) == 0 {
		rev := lc.rev
		lc.mu.Unlock()
		return rev, nil
	}
	lc.config = cloned
	lc.rev = Revision{
		Version: lc.rev.Version + 1,
		Source:  source,
		At:      time.Now(),
		Changed: changed,
	}
	rev := lc.rev
	lc.mu.Unlock()

	// Observers run outside the lock so they may call Get.
	lc.notifyObservers(cloned, rev)
	return rev, nil
}

// Modify applies fn to a copy of the current config and then behaves like
// Update.
func (lc *LiveConfig) Modify(source string, fn func(*Config)) (Revision, error) {
	next := lc.Get()
	fn(next)
	return lc.Update(next, source)
}

func (lc *LiveConfig) AddObserver(obs ConfigObserver) {
	if obs == nil {
		return
	}
	lc.obsMu.Lock()
	defer lc.obsMu.Unlock()
	lc.observers = append(lc.observers, obs)
}

func (lc *LiveConfig) RemoveObserver(obs ConfigObserver) {
	lc.obsMu.Lock()
	defer lc.obsMu.Unlock()
	lc.observers = slices.DeleteFunc(lc.observers, func(o ConfigObserver) bool { return o == obs })
}

func (lc *LiveConfig) notifyObservers(cfg *Config, rev Revision) {
	lc.obsMu.RLock()
	observers := slices.Clone(lc.observers)
	lc.obsMu.RUnlock()

	for _, obs := range observers {
		r := rev
		r.Changed = slices.Clone(rev.Changed)
		obs.OnConfigUpdate(cfg.Clone(), r)
	}
}

// ConfigValidationError is returned when config validation fails.
type ConfigValidationError struct {
	Errors []ValidationError
}

func (e *ConfigValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "config validation failed"
	}
	return "config validation failed: " + e.Errors[0].Field + ": " + e.Errors[0].Message
}
