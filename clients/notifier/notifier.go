package notifier

import (
	"time"
)

// AlertKind indicates why an alert was raised.
type AlertKind string

const (
	AlertKindSourceFailing    AlertKind = "source_failing"
	AlertKindSourceRecovered  AlertKind = "source_recovered"
	AlertKindConsistencyDrift AlertKind = "consistency_drift"
)

// SourceAlert contains the data needed for a source health notification.
type SourceAlert struct {
	Kind    AlertKind
	Source  string
	Reason  string // classified failure reason, e.g. "http_status:503"
	Message string // last error text

	// Failure streak
	FailingSince time.Time
	Failures     int

	// Consistency drift
	MissingInDB    int
	MissingInQueue int

	Timestamp time.Time
}

// Title returns a short headline for the alert.
func (a SourceAlert) Title() string {
	switch a.Kind {
	case AlertKindSourceFailing:
		return "🔴 Source failing: " + a.Source
	case AlertKindSourceRecovered:
		return "🟢 Source recovered: " + a.Source
	case AlertKindConsistencyDrift:
		return "⚠️ Consistency drift detected"
	default:
		return "🚨 Dashboard alert"
	}
}

// Notifier is the interface for sending source alerts to various channels.
type Notifier interface {
	// SendSourceAlert sends a source alert notification.
	SendSourceAlert(alert SourceAlert)

	// Close cleans up any resources.
	Close() error
}

// MultiNotifier broadcasts alerts to multiple notifiers.
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier creates a new MultiNotifier with the given notifiers.
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	var active []Notifier
	for _, n := range notifiers {
		if n != nil {
			active = append(active, n)
		}
	}
	return &MultiNotifier{notifiers: active}
}

// SendSourceAlert sends the alert to all registered notifiers.
func (m *MultiNotifier) SendSourceAlert(alert SourceAlert) {
	for _, n := range m.notifiers {
		n.SendSourceAlert(alert)
	}
}

// Close closes all registered notifiers and returns the last error.
func (m *MultiNotifier) Close() error {
	var lastErr error
	for _, n := range m.notifiers {
		if err := n.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// Count returns the number of active notifiers.
func (m *MultiNotifier) Count() int {
	return len(m.notifiers)
}
