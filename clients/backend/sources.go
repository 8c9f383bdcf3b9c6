package backend

import (
	"net/url"
	"strings"

	"dashpoll/config"
	"dashpoll/internal/poller"
)

// Source names of the default set.
const (
	SourceProcessingStats = "processing-stats"
	SourceAnalyzerStats   = "analyzer-stats"
	SourceEnergyEvent     = "event-energy-consumption"
	SourceSolarEvent      = "event-solar-generation"
	SourceEnergyAnomalies = "anomalies-energy-consumption"
	SourceSolarAnomalies  = "anomalies-solar-generation"
	SourceChecks          = "consistency-checks"
)

// Event types in the analyzer's event routes. They are also the default
// anomaly detector event_type values.
const (
	EventEnergyConsumption = "energy-consumption"
	EventSolarGeneration   = "solar-generation"
)

const (
	pathProcessingStats = "/processing/stats"
	pathAnalyzerStats   = "/analyzer/stats"
	pathAnalyzerEvents  = "/analyzer/events/"
	pathAnomalies       = "/anomaly_detector/anomalies"
	pathChecks          = "/consistency_check/checks"
	pathChecksUpdate    = "/consistency_check/update"
)

// DefaultSources returns the dashboard's source set for cfg, in display
// order. Anomaly and checks sources are included when enabled.
func DefaultSources(cfg *config.Config) []poller.Source {
	base := func(path string) string {
		return joinURL(cfg.Backend.BaseURL, path)
	}
	interval := func(name string) poller.Source {
		return poller.Source{Name: name, Interval: cfg.Polling.SourceIntervals[name]}
	}
	index := poller.IndexParams(cfg.Polling.IndexMin, cfg.Polling.IndexMax)

	var sources []poller.Source

	s := interval(SourceProcessingStats)
	s.Endpoint, s.Decode = base(pathProcessingStats), DecodeStats
	sources = append(sources, s)

	s = interval(SourceAnalyzerStats)
	s.Endpoint, s.Decode = base(pathAnalyzerStats), DecodeStats
	sources = append(sources, s)

	s = interval(SourceEnergyEvent)
	s.Endpoint, s.Params, s.Decode = base(pathAnalyzerEvents+EventEnergyConsumption), index, DecodeEvent
	sources = append(sources, s)

	s = interval(SourceSolarEvent)
	s.Endpoint, s.Params, s.Decode = base(pathAnalyzerEvents+EventSolarGeneration), index, DecodeEvent
	sources = append(sources, s)

	if cfg.Polling.Anomalies {
		sources = append(sources,
			anomalySource(interval(SourceEnergyAnomalies), base(pathAnomalies), cfg.Polling.AnomalyEventTypes.Energy),
			anomalySource(interval(SourceSolarAnomalies), base(pathAnomalies), cfg.Polling.AnomalyEventTypes.Solar),
		)
	}

	if cfg.Polling.ConsistencyChecks {
		s = interval(SourceChecks)
		s.Endpoint, s.Decode, s.Sentinel = base(pathChecks), DecodeChecks, ChecksSentinel
		sources = append(sources, s)
	}

	return sources
}

func anomalySource(s poller.Source, endpoint, eventType string) poller.Source {
	s.Endpoint = endpoint
	s.Params = poller.StaticParams(url.Values{"event_type": {eventType}})
	s.Decode = DecodeAnomalies
	s.Sentinel = AnomalySentinel
	return s
}

// RegisterDefaults registers DefaultSources(cfg) into reg.
func RegisterDefaults(reg *poller.Registry, cfg *config.Config) error {
	for _, src := range DefaultSources(cfg) {
		if err := reg.Register(src); err != nil {
			return err
		}
	}
	return nil
}

// TriggerURL is the endpoint that recomputes the consistency checks.
func TriggerURL(cfg *config.Config) string {
	return joinURL(cfg.Backend.BaseURL, pathChecksUpdate)
}

func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + path
}
