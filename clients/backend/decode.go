package backend

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"dashpoll/internal/poller"
)

// DecodeStats accepts any JSON object and keeps it opaque.
func DecodeStats(body []byte) (any, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, errors.New("expected a JSON object")
	}
	if !json.Valid(trimmed) {
		return nil, errors.New("invalid JSON")
	}
	return json.RawMessage(trimmed), nil
}

// DecodeEvent accepts a single event document. Events are rendered as-is.
func DecodeEvent(body []byte) (any, error) {
	return DecodeStats(body)
}

// DecodeAnomalies parses an anomaly list. The result is never nil, so an
// empty body array is a loaded, empty list.
func DecodeAnomalies(body []byte) (any, error) {
	var records []poller.AnomalyRecord
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, err
	}
	if records == nil {
		records = []poller.AnomalyRecord{}
	}
	return records, nil
}

// AnomalySentinel maps 204 No Content to an empty anomaly list.
func AnomalySentinel(status int) (any, bool) {
	if status == http.StatusNoContent {
		return []poller.AnomalyRecord{}, true
	}
	return nil, false
}

// ChecksSentinel maps 404 to the not-yet-run report.
func ChecksSentinel(status int) (any, bool) {
	if status == http.StatusNotFound {
		return poller.NotYetRun, true
	}
	return nil, false
}

type checksPayload struct {
	Counts *struct {
		DB         json.RawMessage `json:"db"`
		Queue      json.RawMessage `json:"queue"`
		Processing json.RawMessage `json:"processing"`
	} `json:"counts"`

	// Flat layout written by the consistency service.
	Processing json.RawMessage `json:"processing"`
	Analyzer   json.RawMessage `json:"analyzer"`
	Storage    json.RawMessage `json:"storage"`

	MissingInDB    []poller.EventRef `json:"missing_in_db"`
	MissingInQueue []poller.EventRef `json:"missing_in_queue"`
	LastUpdated    string            `json:"last_updated"`
}

// DecodeChecks parses the consistency checks document into a report.
func DecodeChecks(body []byte) (any, error) {
	var p checksPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, err
	}

	updated, err := parseTimestamp(p.LastUpdated)
	if err != nil {
		return nil, err
	}

	report := poller.ConsistencyReport{
		State:          poller.ReportReady,
		LastUpdated:    updated,
		MissingInDB:    poller.EventSet(p.MissingInDB),
		MissingInQueue: poller.EventSet(p.MissingInQueue),
	}
	if p.Counts != nil {
		report.Counts = poller.Counts{DB: p.Counts.DB, Queue: p.Counts.Queue, Processing: p.Counts.Processing}
	} else {
		report.Counts = poller.Counts{DB: p.Storage, Queue: p.Analyzer, Processing: p.Processing}
	}
	return report, nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// parseTimestamp accepts RFC 3339 and zone-less ISO 8601, read as UTC.
func parseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized last_updated %q", s)
}
