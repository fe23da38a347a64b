// Package config provides configuration management for ThreatPulse.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all ThreatPulse configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Redis     RedisConfig     `yaml:"redis"`
	Feeds     FeedsConfig     `yaml:"feeds"`
	Scoring   ScoringConfig   `yaml:"scoring"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	Schedule  ScheduleConfig  `yaml:"schedule"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
}

// StoreConfig holds the threat store settings.
type StoreConfig struct {
	Path         string        `yaml:"path"`
	BusyTimeout  time.Duration `yaml:"busy_timeout"`
	MaxOpenConns int           `yaml:"max_open_conns"`
	// BatchTimeout bounds merging and scoring one ingestion batch. It is
	// counted from the end of the fetch, not from the caller's deadline.
	BatchTimeout time.Duration `yaml:"batch_timeout"`
}

// RedisConfig holds Redis connection settings. An empty Addr disables Redis.
type RedisConfig struct {
	Addr        string        `yaml:"addr"`
	PasswordEnv string        `yaml:"password_env"`
	DB          int           `yaml:"db"`
	PoolSize    int           `yaml:"pool_size"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
}

// FeedsConfig holds one block per source adapter.
type FeedsConfig struct {
	NVD       FeedConfig `yaml:"nvd"`
	EPSS      FeedConfig `yaml:"epss"`
	KEV       FeedConfig `yaml:"kev"`
	OTX       FeedConfig `yaml:"otx"`
	ThreatFox ThreatFoxConfig `yaml:"threatfox"`
	MISP      MISPConfig `yaml:"misp"`
	MITRE     FeedConfig `yaml:"mitre"`
	Reddit    FeedConfig `yaml:"reddit"`
}

// ThreatFoxConfig holds ThreatFox settings. The API filters recent IOCs by
// age, so Days replaces Limit for this feed.
type ThreatFoxConfig struct {
	FeedConfig `yaml:",inline"`
	Days       int `yaml:"days"`
}

// FeedConfig holds settings shared by every adapter.
type FeedConfig struct {
	Enabled   bool          `yaml:"enabled"`
	BaseURL   string        `yaml:"base_url"`
	APIKeyEnv string        `yaml:"api_key_env"`
	Limit     int           `yaml:"limit"`
	Timeout   time.Duration `yaml:"timeout"`
	RateLimit int           `yaml:"rate_limit"` // requests per minute
	UserAgent string        `yaml:"user_agent"`
}

// MISPConfig holds MISP settings.
type MISPConfig struct {
	FeedConfig    `yaml:",inline"`
	VerifySSL     bool `yaml:"verify_ssl"`
	PublishedOnly bool `yaml:"published_only"`
	LastDays      int  `yaml:"last_days"`
}

// ScoringConfig holds scoring engine settings.
type ScoringConfig struct {
	ClassifierPath   string `yaml:"classifier_path"`
	WatchClassifier  bool   `yaml:"watch_classifier"`
	ScoreAfterIngest bool   `yaml:"score_after_ingest"`
	ScoredLimit      int    `yaml:"scored_limit"`
}

// AlertsConfig holds notification channel settings.
type AlertsConfig struct {
	Timeout     time.Duration `yaml:"timeout"`
	DefaultRole string        `yaml:"default_role"`
	Slack       ChannelConfig `yaml:"slack"`
	Webhook     ChannelConfig `yaml:"webhook"`
	NATS        NATSConfig    `yaml:"nats"`
}

// ChannelConfig holds an HTTP notification channel. The URL is read from the
// environment so secrets stay out of the file.
type ChannelConfig struct {
	Enabled bool   `yaml:"enabled"`
	URLEnv  string `yaml:"url_env"`
}

// NATSConfig holds the optional NATS alert sink.
type NATSConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// ScheduleConfig holds periodic ingestion settings.
type ScheduleConfig struct {
	Enabled    bool          `yaml:"enabled"`
	IngestCron string        `yaml:"ingest_cron"`
	RunTimeout time.Duration `yaml:"run_timeout"`
}

// RateLimitConfig holds API rate limiting settings.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// TelemetryConfig holds tracing and metrics settings.
type TelemetryConfig struct {
	ServiceName   string  `yaml:"service_name"`
	Environment   string  `yaml:"environment"`
	OTLPEndpoint  string  `yaml:"otlp_endpoint"`
	SampleRate    float64 `yaml:"sample_rate"`
	EnableTracing bool    `yaml:"enable_tracing"`
	EnableMetrics bool    `yaml:"enable_metrics"`
	MetricsPath   string  `yaml:"metrics_path"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault behaves like Load but falls back to defaults when the file
// does not exist. The returned bool reports whether the file was found.
func LoadOrDefault(path string) (*Config, bool, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), false, nil
	}
	return nil, false, err
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    150 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			RequestTimeout:  90 * time.Second,
		},
		Store: StoreConfig{
			Path:         "threatpulse.db",
			BusyTimeout:  5 * time.Second,
			MaxOpenConns: 4,
			BatchTimeout: 2 * time.Minute,
		},
		Redis: RedisConfig{
			DB:       0,
			PoolSize: 10,
			CacheTTL: 24 * time.Hour,
		},
		Feeds: FeedsConfig{
			NVD: FeedConfig{
				Enabled:   true,
				BaseURL:   "https://services.nvd.nist.gov/rest/json/cves/2.0",
				Limit:     20,
				Timeout:   30 * time.Second,
				RateLimit: 5, // public tier without key
			},
			EPSS: FeedConfig{
				Enabled:   true,
				BaseURL:   "https://api.first.org/data/v1/epss",
				Limit:     100,
				Timeout:   30 * time.Second,
				RateLimit: 60,
			},
			KEV: FeedConfig{
				Enabled:   true,
				BaseURL:   "https://www.cisa.gov/sites/default/files/feeds/known_exploited_vulnerabilities.json",
				Timeout:   30 * time.Second,
				RateLimit: 60,
			},
			OTX: FeedConfig{
				Enabled:   true,
				BaseURL:   "https://otx.alienvault.com/api/v1",
				APIKeyEnv: "OTX_API_KEY",
				Limit:     10,
				Timeout:   30 * time.Second,
				RateLimit: 60,
			},
			ThreatFox: ThreatFoxConfig{
				FeedConfig: FeedConfig{
					Enabled:   true,
					BaseURL:   "https://threatfox-api.abuse.ch/api/v1/",
					APIKeyEnv: "THREATFOX_API_KEY",
					Timeout:   30 * time.Second,
					RateLimit: 60,
				},
				Days: 1,
			},
			MISP: MISPConfig{
				FeedConfig: FeedConfig{
					Enabled:   false,
					APIKeyEnv: "MISP_API_KEY",
					Limit:     100,
					Timeout:   30 * time.Second,
					RateLimit: 60,
				},
				VerifySSL:     true,
				PublishedOnly: true,
				LastDays:      7,
			},
			MITRE: FeedConfig{
				Enabled:   true,
				BaseURL:   "https://raw.githubusercontent.com/mitre/cti/master/enterprise-attack/enterprise-attack.json",
				Limit:     10,
				Timeout:   60 * time.Second,
				RateLimit: 60,
			},
			Reddit: FeedConfig{
				Enabled:   true,
				BaseURL:   "https://www.reddit.com/r/cybersecurity/top.json",
				Limit:     10,
				Timeout:   30 * time.Second,
				RateLimit: 30,
				UserAgent: "ThreatPulse/1.0",
			},
		},
		Scoring: ScoringConfig{
			ClassifierPath:   "",
			WatchClassifier:  true,
			ScoreAfterIngest: true,
			ScoredLimit:      50,
		},
		Alerts: AlertsConfig{
			Timeout:     10 * time.Second,
			DefaultRole: "general",
			Slack: ChannelConfig{
				Enabled: true,
				URLEnv:  "SLACK_WEBHOOK_URL",
			},
			Webhook: ChannelConfig{
				Enabled: true,
				URLEnv:  "ALERT_WEBHOOK_URL",
			},
			NATS: NATSConfig{
				Enabled: false,
				URL:     "nats://localhost:4222",
				Subject: "threatpulse.alerts",
			},
		},
		Schedule: ScheduleConfig{
			Enabled:    false,
			IngestCron: "@every 1h",
			RunTimeout: 10 * time.Minute,
		},
		RateLimit: RateLimitConfig{
			Enabled:           false,
			RequestsPerMinute: 120,
			BurstSize:         20,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			ServiceName:   "threatpulse",
			Environment:   "development",
			SampleRate:    1.0,
			EnableTracing: false,
			EnableMetrics: true,
			MetricsPath:   "/metrics",
		},
	}
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Store.Path == "" {
		errs = append(errs, errors.New("store.path is required"))
	}
	if c.Store.BatchTimeout <= 0 {
		errs = append(errs, errors.New("store.batch_timeout must be positive"))
	}
	// An on-demand ingestion must outlive its slowest feed, and the response
	// is written after the merge that follows.
	if slowest := c.Feeds.maxTimeout(); c.Server.RequestTimeout <= slowest {
		errs = append(errs, fmt.Errorf("server.request_timeout %v must exceed the slowest feed timeout %v",
			c.Server.RequestTimeout, slowest))
	}
	if c.Server.WriteTimeout <= c.Server.RequestTimeout {
		errs = append(errs, fmt.Errorf("server.write_timeout %v must exceed server.request_timeout %v",
			c.Server.WriteTimeout, c.Server.RequestTimeout))
	}
	if c.Alerts.Timeout <= 0 {
		errs = append(errs, errors.New("alerts.timeout must be positive"))
	}
	if c.Scoring.ScoredLimit < 0 {
		errs = append(errs, errors.New("scoring.scored_limit must not be negative"))
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sample_rate %v outside [0,1]", c.Telemetry.SampleRate))
	}
	if c.Schedule.Enabled && c.Schedule.IngestCron == "" {
		errs = append(errs, errors.New("schedule.ingest_cron is required when the schedule is enabled"))
	}
	if c.Alerts.NATS.Enabled && c.Alerts.NATS.Subject == "" {
		errs = append(errs, errors.New("alerts.nats.subject is required when nats is enabled"))
	}
	for name, f := range c.Feeds.all() {
		if f.Enabled && f.Timeout <= 0 {
			errs = append(errs, fmt.Errorf("feeds.%s.timeout must be positive", name))
		}
		if f.Limit < 0 {
			errs = append(errs, fmt.Errorf("feeds.%s.limit must not be negative", name))
		}
	}
	if tf := c.Feeds.ThreatFox; tf.Enabled && (tf.Days < 1 || tf.Days > 7) {
		errs = append(errs, fmt.Errorf("feeds.threatfox.days %d outside [1,7]", c.Feeds.ThreatFox.Days))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func (f FeedsConfig) all() map[string]FeedConfig {
	return map[string]FeedConfig{
		"nvd":       f.NVD,
		"epss":      f.EPSS,
		"kev":       f.KEV,
		"otx":       f.OTX,
		"threatfox": f.ThreatFox.FeedConfig,
		"misp":      f.MISP.FeedConfig,
		"mitre":     f.MITRE,
		"reddit":    f.Reddit,
	}
}

// maxTimeout returns the largest timeout among enabled feeds.
func (f FeedsConfig) maxTimeout() time.Duration {
	var longest time.Duration
	for _, fc := range f.all() {
		if fc.Enabled && fc.Timeout > longest {
			longest = fc.Timeout
		}
	}
	return longest
}

// EnabledFeeds returns the names of enabled source adapters in a fixed order.
func (c *Config) EnabledFeeds() []string {
	var feeds []string
	if c.Feeds.NVD.Enabled {
		feeds = append(feeds, "nvd")
	}
	if c.Feeds.EPSS.Enabled {
		feeds = append(feeds, "epss")
	}
	if c.Feeds.KEV.Enabled {
		feeds = append(feeds, "kev")
	}
	if c.Feeds.OTX.Enabled {
		feeds = append(feeds, "otx")
	}
	if c.Feeds.ThreatFox.Enabled {
		feeds = append(feeds, "threatfox")
	}
	if c.Feeds.MISP.Enabled {
		feeds = append(feeds, "misp")
	}
	if c.Feeds.MITRE.Enabled {
		feeds = append(feeds, "mitre")
	}
	if c.Feeds.Reddit.Enabled {
		feeds = append(feeds, "reddit")
	}
	return feeds
}
