package config

import (
	"encoding/json"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Environment
	IsProd bool `json:"is_prod" yaml:"is_prod"`

	// Polled backend services
	Backend BackendConfig `json:"backend" yaml:"backend"`

	// Polling schedule and default sources
	Polling PollingConfig `json:"polling" yaml:"polling"`

	// Recent error display
	ErrorFeed ErrorFeedConfig `json:"error_feed" yaml:"error_feed"`

	// Discord
	Discord DiscordConfig `json:"discord" yaml:"discord"`

	// Telegram
	Telegram TelegramConfig `json:"telegram" yaml:"telegram"`

	// Alert forwarding
	Alerts AlertsConfig `json:"alerts" yaml:"alerts"`

	// Dashboard server
	Server ServerConfig `json:"server" yaml:"server"`

	// Logging
	Log LogConfig `json:"log" yaml:"log"`

	// Path of the YAML overlay - env var only
	File string `json:"-" yaml:"-"`
}

// BackendConfig holds the location of the polled services.
type BackendConfig struct {
	BaseURL        string        `json:"base_url" yaml:"base_url"`
	RequestTimeout time.Duration `json:"request_timeout" yaml:"request_timeout"`
	MaxBodyBytes   int64         `json:"max_body_bytes" yaml:"max_body_bytes"`
}

// PollingConfig holds the poll schedule.
type PollingConfig struct {
	Interval          time.Duration `json:"interval" yaml:"interval"`
	IndexMin          int           `json:"index_min" yaml:"index_min"`
	IndexMax          int           `json:"index_max" yaml:"index_max"`
	Anomalies         bool          `json:"anomalies" yaml:"anomalies"`
	ConsistencyChecks bool          `json:"consistency_checks" yaml:"consistency_checks"`

	// Per-source overrides keyed by source name
	SourceIntervals map[string]time.Duration `json:"source_intervals,omitempty" yaml:"source_intervals,omitempty"`

	// event_type query values sent to the anomaly detector
	AnomalyEventTypes AnomalyEventTypes `json:"anomaly_event_types" yaml:"anomaly_event_types"`
}

// AnomalyEventTypes names the event types as the anomaly detector spells
// them. Deployments differ between hyphens and underscores.
type AnomalyEventTypes struct {
	Energy string `json:"energy" yaml:"energy"`
	Solar  string `json:"solar" yaml:"solar"`
}

// ErrorFeedConfig holds how long poll errors stay visible.
type ErrorFeedConfig struct {
	TTL        time.Duration `json:"ttl" yaml:"ttl"`
	MaxEntries int           `json:"max_entries" yaml:"max_entries"`
}

// DiscordConfig holds Discord-related configuration.
type DiscordConfig struct {
	BotToken      string `json:"-" yaml:"-"` // Excluded - env var only
	ProdChannelID string `json:"prod_channel_id" yaml:"prod_channel_id"`
	BetaChannelID string `json:"beta_channel_id" yaml:"beta_channel_id"`
}

// TelegramConfig holds Telegram-related configuration.
type TelegramConfig struct {
	BotToken   string `json:"-" yaml:"-"` // Excluded - env var only
	ProdChatID string `json:"prod_chat_id" yaml:"prod_chat_id"`
	BetaChatID string `json:"beta_chat_id" yaml:"beta_chat_id"`
	APIURL     string `json:"api_url" yaml:"api_url"`
}

// AlertsConfig holds rate limits for outgoing alerts.
type AlertsConfig struct {
	MinInterval time.Duration `json:"min_interval" yaml:"min_interval"`
	Burst       int           `json:"burst" yaml:"burst"`
}

// ServerConfig holds dashboard server configuration.
type ServerConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	Port    int  `json:"port" yaml:"port"`
}

// LogConfig holds logger configuration.
type LogConfig struct {
	Level       string `json:"level" yaml:"level"`
	Development bool   `json:"development" yaml:"development"`
}

// Clone creates a deep copy of the config.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	clone := *c
	if c.Polling.SourceIntervals != nil {
		clone.Polling.SourceIntervals = make(map[string]time.Duration, len(c.Polling.SourceIntervals))
		for k, v := range c.Polling.SourceIntervals {
			clone.Polling.SourceIntervals[k] = v
		}
	}
	return &clone
}

// ToJSON serializes the config to JSON.
func (c *Config) ToJSON() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

// ConfigFromJSON deserializes JSON into a config, merging with base.
func ConfigFromJSON(data []byte, base *Config) (*Config, error) {
	if base == nil {
		base = Defaults()
	}
	cfg := base.Clone()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// PollingChanged reports whether other differs in anything that requires the
// poll schedule or source set to be rebuilt.
func (c *Config) PollingChanged(other *Config) bool {
	if other == nil {
		return true
	}
	if c.Backend != other.Backend {
		return true
	}
	a, b := c.Polling, other.Polling
	if a.Interval != b.Interval || a.IndexMin != b.IndexMin || a.IndexMax != b.IndexMax ||
		a.Anomalies != b.Anomalies || a.ConsistencyChecks != b.ConsistencyChecks ||
		a.AnomalyEventTypes != b.AnomalyEventTypes {
		return true
	}
	if len(a.SourceIntervals) != len(b.SourceIntervals) {
		return true
	}
	for k, v := range a.SourceIntervals {
		if w, ok := b.SourceIntervals[k]; !ok || w != v {
			return true
		}
	}
	return false
}

// Config sections, as reported in a Revision.
const (
	SectionStage     = "stage"
	SectionBackend   = "backend"
	SectionPolling   = "polling"
	SectionErrorFeed = "error_feed"
	SectionDiscord   = "discord"
	SectionTelegram  = "telegram"
	SectionAlerts    = "alerts"
	SectionServer    = "server"
	SectionLog       = "log"
)

// ChangedSections lists the sections of next that differ from c, in
// declaration order. A nil c counts as every section changed.
func (c *Config) ChangedSections(next *Config) []string {
	if next == nil {
		return nil
	}
	if c == nil {
		c = &Config{}
	}
	var changed []string
	add := func(section string, differs bool) {
		if differs {
			changed = append(changed, section)
		}
	}
	add(SectionStage, c.IsProd != next.IsProd)
	add(SectionBackend, c.Backend != next.Backend)
	add(SectionPolling, !reflect.DeepEqual(c.Polling, next.Polling))
	add(SectionErrorFeed, c.ErrorFeed != next.ErrorFeed)
	add(SectionDiscord, c.Discord != next.Discord)
	add(SectionTelegram, c.Telegram != next.Telegram)
	add(SectionAlerts, c.Alerts != next.Alerts)
	add(SectionServer, c.Server != next.Server)
	add(SectionLog, c.Log != next.Log)
	return changed
}

// RestartRequired lists the settings changed in next that only take effect
// after a restart: the HTTP transport, alert channels, the dashboard listener
// and the logger are built once at startup.
func (c *Config) RestartRequired(next *Config) []string {
	if c == nil || next == nil {
		return nil
	}
	var settings []string
	if c.Backend.RequestTimeout != next.Backend.RequestTimeout {
		settings = append(settings, "backend.request_timeout")
	}
	if c.Backend.MaxBodyBytes != next.Backend.MaxBodyBytes {
		settings = append(settings, "backend.max_body_bytes")
	}
	for _, section := range c.ChangedSections(next) {
		switch section {
		case SectionStage, SectionDiscord, SectionTelegram, SectionServer, SectionLog:
			settings = append(settings, section)
		}
	}
	return settings
}

// DiscordChannelID returns the channel for the current stage.
func (c *Config) DiscordChannelID() string {
	if c.IsProd {
		return c.Discord.ProdChannelID
	}
	return c.Discord.BetaChannelID
}

// TelegramChatID returns the chat for the current stage.
func (c *Config) TelegramChatID() string {
	if c.IsProd {
		return c.Telegram.ProdChatID
	}
	return c.Telegram.BetaChatID
}

// Defaults returns a config with hardcoded default values.
func Defaults() *Config {
	return &Config{
		IsProd: false,
		Backend: BackendConfig{
			BaseURL:        "http://localhost",
			RequestTimeout: 10 * time.Second,
			MaxBodyBytes:   4 * 1024 * 1024,
		},
		Polling: PollingConfig{
			Interval:          3 * time.Second,
			IndexMin:          1,
			IndexMax:          100,
			Anomalies:         true,
			ConsistencyChecks: true,
			AnomalyEventTypes: AnomalyEventTypes{
				Energy: "energy-consumption",
				Solar:  "solar-generation",
			},
		},
		ErrorFeed: ErrorFeedConfig{
			TTL:        7 * time.Second,
			MaxEntries: 50,
		},
		Telegram: TelegramConfig{
			APIURL: "https://api.telegram.org",
		},
		Alerts: AlertsConfig{
			MinInterval: 1 * time.Minute,
			Burst:       3,
		},
		Server: ServerConfig{
			Enabled: true,
			Port:    8080,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		IsProd: envBool("STAGE", "PROD"),

		Backend: BackendConfig{
			BaseURL:        strings.TrimRight(envString("BACKEND_BASE_URL", "http://localhost"), "/"),
			RequestTimeout: envDuration("BACKEND_REQUEST_TIMEOUT", 10*time.Second),
			MaxBodyBytes:   envInt64("BACKEND_MAX_BODY_BYTES", 4*1024*1024), // 4MB
		},

		Polling: PollingConfig{
			Interval:          envDuration("POLL_INTERVAL", 3*time.Second),
			IndexMin:          envInt("POLL_INDEX_MIN", 1),
			IndexMax:          envInt("POLL_INDEX_MAX", 100),
			Anomalies:         envBoolDefault("POLL_ANOMALIES", true),
			ConsistencyChecks: envBoolDefault("POLL_CONSISTENCY_CHECKS", true),
			SourceIntervals:   envDurationMap("POLL_SOURCE_INTERVALS"),
			AnomalyEventTypes: AnomalyEventTypes{
				Energy: envString("ANOMALY_EVENT_TYPE_ENERGY", "energy-consumption"),
				Solar:  envString("ANOMALY_EVENT_TYPE_SOLAR", "solar-generation"),
			},
		},

		ErrorFeed: ErrorFeedConfig{
			TTL:        envDuration("ERROR_DISPLAY_TTL", 7*time.Second),
			MaxEntries: envInt("ERROR_DISPLAY_MAX", 50),
		},

		Discord: DiscordConfig{
			BotToken:      envString("DISCORD_BOT_TOKEN", ""),
			ProdChannelID: envString("DISCORD_PROD_CHANNEL_ID", ""),
			BetaChannelID: envString("DISCORD_BETA_CHANNEL_ID", ""),
		},

		Telegram: TelegramConfig{
			BotToken:   envString("TELEGRAM_BOT_KEY", ""),
			ProdChatID: envString("TELEGRAM_PROD_CHAT_ID", ""),
			BetaChatID: envString("TELEGRAM_BETA_CHAT_ID", ""),
			APIURL:     envString("TELEGRAM_API_URL", "https://api.telegram.org"),
		},

		Alerts: AlertsConfig{
			MinInterval: envDuration("ALERT_MIN_INTERVAL", 1*time.Minute),
			Burst:       envInt("ALERT_BURST", 3),
		},

		Server: ServerConfig{
			Enabled: envBoolDefault("SERVER_ENABLED", true),
			Port:    envInt("SERVER_PORT", 8080),
		},

		Log: LogConfig{
			Level:       envString("LOG_LEVEL", "info"),
			Development: envBoolDefault("LOG_DEVELOPMENT", false),
		},

		File: envString("DASHPOLL_CONFIG_FILE", ""),
	}
}

// Helper functions for parsing environment variables

func envString(key, defaultVal string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func envInt64(key string, defaultVal int64) int64 {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

func envBool(key, trueValue string) bool {
	return strings.EqualFold(strings.TrimSpace(os.Getenv(key)), trueValue)
}

func envBoolDefault(key string, defaultVal bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultVal
	}
	return strings.EqualFold(v, "true") || strings.EqualFold(v, "1") || strings.EqualFold(v, "yes")
}

func envStringSlice(key string) []string {
	val := os.Getenv(key)
	if val == "" {
		return nil
	}
	parts := strings.Split(val, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// envDurationMap parses "name=5s,other=1m". Malformed pairs are skipped.
func envDurationMap(key string) map[string]time.Duration {
	pairs := envStringSlice(key)
	if len(pairs) == 0 {
		return nil
	}
	result := make(map[string]time.Duration, len(pairs))
	for _, pair := range pairs {
		name, raw, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			continue
		}
		result[strings.TrimSpace(name)] = d
	}
	return result
}
