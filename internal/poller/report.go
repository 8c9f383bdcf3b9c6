package poller

import (
	"encoding/json"
	"strings"
	"time"
)

// ReportState distinguishes a computed consistency report from the
// "no checks have ever run" state.
type ReportState int

const (
	ReportNotYetRun ReportState = iota
	ReportReady
)

func (s ReportState) String() string {
	if s == ReportReady {
		return "ready"
	}
	return "not_yet_run"
}

// MarshalJSON renders the state as its string form.
func (s ReportState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// EventRef identifies one event flowing through the pipeline.
type EventRef struct {
	EventID string `json:"event_id"`
	TraceID string `json:"trace_id"`
}

func (e EventRef) key() string {
	if e.TraceID != "" {
		return e.TraceID
	}
	return e.EventID
}

// UnmarshalJSON accepts either {"event_id", "trace_id"} objects or bare ids.
func (e *EventRef) UnmarshalJSON(data []byte) error {
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		*e = EventRef{EventID: id}
		return nil
	}
	var raw struct {
		EventID json.RawMessage `json:"event_id"`
		TraceID json.RawMessage `json:"trace_id"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*e = EventRef{EventID: scalarString(raw.EventID), TraceID: scalarString(raw.TraceID)}
	return nil
}

// scalarString renders a JSON string or number as a plain string.
func scalarString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}

// EventSet returns refs with duplicates removed, keeping first appearance.
// Refs are keyed by trace id, falling back to event id.
func EventSet(refs []EventRef) []EventRef {
	out := make([]EventRef, 0, len(refs))
	seen := make(map[string]struct{}, len(refs))
	for _, ref := range refs {
		k := ref.key()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, ref)
	}
	return out
}

// Counts holds the per-stage statistics reported by the consistency check.
// The payloads are opaque service stats objects.
type Counts struct {
	DB         json.RawMessage `json:"db,omitempty"`
	Queue      json.RawMessage `json:"queue,omitempty"`
	Processing json.RawMessage `json:"processing,omitempty"`
}

// ConsistencyReport is the reconciled view of missing events between the
// database and the queue.
type ConsistencyReport struct {
	State          ReportState `json:"state"`
	LastUpdated    time.Time   `json:"last_updated"`
	Counts         Counts      `json:"counts"`
	MissingInDB    []EventRef  `json:"missing_in_db"`
	MissingInQueue []EventRef  `json:"missing_in_queue"`
}

// Clone returns a deep copy of the report.
func (r ConsistencyReport) Clone() ConsistencyReport {
	r.Counts = Counts{
		DB:         cloneRaw(r.Counts.DB),
		Queue:      cloneRaw(r.Counts.Queue),
		Processing: cloneRaw(r.Counts.Processing),
	}
	r.MissingInDB = cloneSlice(r.MissingInDB)
	r.MissingInQueue = cloneSlice(r.MissingInQueue)
	return r
}

// NotYetRun is the report value for a checks endpoint that has never run.
var NotYetRun = ConsistencyReport{State: ReportNotYetRun}

// Ran reports whether the report carries computed results.
func (r ConsistencyReport) Ran() bool {
	return r.State == ReportReady
}

// Consistent reports whether no events are missing on either side.
func (r ConsistencyReport) Consistent() bool {
	return r.Ran() && len(r.MissingInDB) == 0 && len(r.MissingInQueue) == 0
}

// AnomalyType classifies a detected anomaly.
type AnomalyType int

const (
	AnomalyOther AnomalyType = iota
	AnomalyTooHigh
	AnomalyTooLow
)

// ParseAnomalyType maps the detector's labels ("Too High", "Too Low") to a type.
func ParseAnomalyType(s string) AnomalyType {
	switch strings.ToLower(strings.Join(strings.Fields(strings.ReplaceAll(s, "_", " ")), " ")) {
	case "too high":
		return AnomalyTooHigh
	case "too low":
		return AnomalyTooLow
	default:
		return AnomalyOther
	}
}

func (t AnomalyType) String() string {
	switch t {
	case AnomalyTooHigh:
		return "Too High"
	case AnomalyTooLow:
		return "Too Low"
	default:
		return "Other"
	}
}

// MarshalJSON renders the detector label.
func (t AnomalyType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON parses the detector label.
func (t *AnomalyType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*t = ParseAnomalyType(s)
	return nil
}

// AnomalyRecord is one anomaly reported for an event type.
type AnomalyRecord struct {
	EventID     string      `json:"event_id"`
	TraceID     string      `json:"trace_id"`
	EventType   string      `json:"event_type,omitempty"`
	AnomalyType AnomalyType `json:"anomaly_type"`
	Description string      `json:"description"`
}
