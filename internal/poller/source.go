package poller

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrInvalidSource is wrapped by Register when a source definition is unusable.
var ErrInvalidSource = errors.New("invalid source")

// ParamFunc produces the query parameters for one request. It is called once
// per poll, so generated values are never reused across cycles.
type ParamFunc func() url.Values

// DecodeFunc turns a 2xx response body into the value stored for a source.
type DecodeFunc func(body []byte) (any, error)

// SentinelFunc maps documented non-error statuses (e.g. 204 on an empty list)
// to a value. It is consulted before the generic status check.
type SentinelFunc func(status int) (any, bool)

// Source is one independently pollable endpoint. Sources are immutable once
// registered.
type Source struct {
	Name     string
	Endpoint string
	Params   ParamFunc
	Decode   DecodeFunc
	Sentinel SentinelFunc

	// Interval overrides the scheduler interval when non-zero.
	Interval time.Duration
}

// URL builds the request URL for a single poll.
func (s Source) URL() (string, error) {
	u, err := url.Parse(s.Endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint %q: %w", s.Endpoint, err)
	}
	if s.Params == nil {
		return u.String(), nil
	}
	q := u.Query()
	for key, values := range s.Params() {
		q.Del(key)
		for _, v := range values {
			q.Add(key, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// RandomIndex returns a pseudo-random integer in [lo, hi] inclusive.
func RandomIndex(lo, hi int) int {
	if hi < lo {
		lo, hi = hi, lo
	}
	return rand.IntN(hi-lo+1) + lo
}

// IndexParams returns a generator that draws a fresh "index" parameter in
// [lo, hi] on every call.
func IndexParams(lo, hi int) ParamFunc {
	return func() url.Values {
		return url.Values{"index": []string{strconv.Itoa(RandomIndex(lo, hi))}}
	}
}

// StaticParams returns a generator yielding a copy of the given parameters.
func StaticParams(values url.Values) ParamFunc {
	frozen := cloneValues(values)
	return func() url.Values {
		return cloneValues(frozen)
	}
}

func cloneValues(values url.Values) url.Values {
	out := make(url.Values, len(values))
	for k, vs := range values {
		out[k] = append([]string(nil), vs...)
	}
	return out
}

// DuplicateSourceError is returned when a source name is registered twice.
type DuplicateSourceError struct {
	Name string
}

func (e *DuplicateSourceError) Error() string {
	return fmt.Sprintf("source %q already registered", e.Name)
}

// UnknownSourceError is returned when an operation names an unregistered source.
type UnknownSourceError struct {
	Name string
}

func (e *UnknownSourceError) Error() string {
	return fmt.Sprintf("unknown source %q", e.Name)
}

// Registry holds the static set of sources to poll, in registration order.
type Registry struct {
	mu      sync.RWMutex
	sources []Source
	byName  map[string]int
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]int)}
}

// Register adds a source. Names must be unique.
func (r *Registry) Register(src Source) error {
	if err := validateSource(src); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[src.Name]; exists {
		return &DuplicateSourceError{Name: src.Name}
	}
	r.byName[src.Name] = len(r.sources)
	r.sources = append(r.sources, src)
	return nil
}

func validateSource(src Source) error {
	if strings.TrimSpace(src.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidSource)
	}
	if strings.TrimSpace(src.Endpoint) == "" {
		return fmt.Errorf("%w: %s: endpoint is required", ErrInvalidSource, src.Name)
	}
	// Query parameters come from Params; a placeholder left in the endpoint
	// would be sent verbatim.
	if strings.ContainsAny(src.Endpoint, "{}") || strings.Contains(src.Endpoint, "${") {
		return fmt.Errorf("%w: %s: endpoint %q contains an unresolved template", ErrInvalidSource, src.Name, src.Endpoint)
	}
	if _, err := url.Parse(src.Endpoint); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidSource, src.Name, err)
	}
	if src.Decode == nil {
		return fmt.Errorf("%w: %s: decoder is required", ErrInvalidSource, src.Name)
	}
	if src.Interval < 0 {
		return fmt.Errorf("%w: %s: interval must not be negative", ErrInvalidSource, src.Name)
	}
	return nil
}

// All returns the registered sources in registration order.
func (r *Registry) All() []Source {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Source, len(r.sources))
	copy(out, r.sources)
	return out
}

// Get looks up a source by name.
func (r *Registry) Get(name string) (Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx, ok := r.byName[name]
	if !ok {
		return Source{}, false
	}
	return r.sources[idx], true
}

// Names returns the registered source names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.sources))
	for i, s := range r.sources {
		names[i] = s.Name
	}
	return names
}

// Len returns the number of registered sources.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sources)
}
