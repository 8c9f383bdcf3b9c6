package poller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrStaleResult is returned by manual polls whose result was not applied
// because the scheduler was stopped or restarted while it was in flight.
var ErrStaleResult = errors.New("stale poll result discarded")

// ErrResponseTooLarge is wrapped by transports that refuse an oversized body.
// Polls report it as a decode failure.
var ErrResponseTooLarge = errors.New("response body too large")

// Response is the minimal view of an HTTP response the core needs.
type Response struct {
	Status int
	Body   []byte
}

// Transport issues requests on behalf of the core. Implementations must honor
// ctx cancellation.
type Transport interface {
	Do(ctx context.Context, method, url string) (*Response, error)
}

// NetworkError wraps a transport failure.
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error for %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// HTTPStatusError reports a non-2xx status that is not a documented sentinel.
type HTTPStatusError struct {
	URL  string
	Code int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.Code, e.URL)
}

// DecodeError reports a malformed response body.
type DecodeError struct {
	Source string
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Source, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Reason classifies an error for results, logs and metrics: "network",
// "http_status:<code>", "decode", "stale", "unknown_source", "cancelled" or,
// for anything else, "unknown". A nil error is "ok".
func Reason(err error) string {
	if err == nil {
		return "ok"
	}
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return fmt.Sprintf("http_status:%d", statusErr.Code)
	}
	var decodeErr *DecodeError
	if errors.As(err, &decodeErr) {
		return "decode"
	}
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return "network"
	}
	var unknownErr *UnknownSourceError
	switch {
	case errors.Is(err, ErrStaleResult):
		return "stale"
	case errors.As(err, &unknownErr):
		return "unknown_source"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	}
	return "unknown"
}

// PollResult is the outcome of one poll attempt. Results are never mutated;
// a newer result for the same source supersedes the previous one.
type PollResult struct {
	Source     string
	Value      any
	Err        error
	IssuedAt   time.Time
	ObservedAt time.Time
	Seq        uint64
}

// OK reports whether the poll succeeded.
func (r PollResult) OK() bool {
	return r.Err == nil
}

// Reason returns the classified failure reason, or "ok".
func (r PollResult) Reason() string {
	return Reason(r.Err)
}

// Clone returns a copy of the result that shares no mutable memory with r.
func (r PollResult) Clone() PollResult {
	r.Value = cloneValue(r.Value)
	return r
}

// cloneValue copies the slice-backed values decoders produce. Other values
// are returned as they are.
func cloneValue(v any) any {
	switch v := v.(type) {
	case json.RawMessage:
		return cloneRaw(v)
	case []byte:
		return cloneSlice(v)
	case []AnomalyRecord:
		return cloneSlice(v)
	case ConsistencyReport:
		return v.Clone()
	case *ConsistencyReport:
		if v == nil {
			return v
		}
		c := v.Clone()
		return &c
	default:
		return v
	}
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	return json.RawMessage(cloneSlice([]byte(raw)))
}

// cloneSlice keeps nil and empty distinct.
func cloneSlice[T any](in []T) []T {
	if in == nil {
		return nil
	}
	out := make([]T, len(in))
	copy(out, in)
	return out
}

// MarshalJSON renders the result for the dashboard API.
func (r PollResult) MarshalJSON() ([]byte, error) {
	out := struct {
		Source     string    `json:"source"`
		OK         bool      `json:"ok"`
		Value      any       `json:"value,omitempty"`
		Reason     string    `json:"reason,omitempty"`
		Error      string    `json:"error,omitempty"`
		IssuedAt   time.Time `json:"issued_at"`
		ObservedAt time.Time `json:"observed_at"`
		Seq        uint64    `json:"seq"`
	}{
		Source:     r.Source,
		OK:         r.OK(),
		Value:      r.Value,
		IssuedAt:   r.IssuedAt,
		ObservedAt: r.ObservedAt,
		Seq:        r.Seq,
	}
	if r.Err != nil {
		out.Reason = r.Reason()
		out.Error = r.Err.Error()
	}
	return json.Marshal(out)
}
