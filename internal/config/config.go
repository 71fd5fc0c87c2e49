// Package config loads and validates harvester configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/polite-harvester/internal/harvest"
	"github.com/JakeFAU/polite-harvester/internal/parser"
)

// Publisher kinds.
const (
	PublisherHTTP   = "http"
	PublisherPubSub = "pubsub"
	PublisherMemory = "memory"
)

// Storage backends for raw page archives.
const (
	StorageNone   = "none"
	StorageMemory = "memory"
	StorageLocal  = "local"
	StorageGCS    = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Backoff   BackoffConfig   `mapstructure:"backoff"`
	Harvest   HarvestConfig   `mapstructure:"harvest"`
	Publisher PublisherConfig `mapstructure:"publisher"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Targets   []TargetConfig  `mapstructure:"targets"`
}

// ServerConfig controls the operator HTTP server.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TelemetryConfig controls tracing.
type TelemetryConfig struct {
	ServiceName string `mapstructure:"service_name"`
	// ProjectID enables export to Google Cloud Trace.
	ProjectID string `mapstructure:"project_id"`
}

// HTTPConfig configures the fetch client.
type HTTPConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxBodyBytes  int           `mapstructure:"max_body_bytes"`
	RespectRobots bool          `mapstructure:"respect_robots"`
	RobotsTTL     time.Duration `mapstructure:"robots_ttl"`
}

// BackoffConfig tunes the per-target penalty state machine.
type BackoffConfig struct {
	Base               time.Duration `mapstructure:"base"`
	Max                time.Duration `mapstructure:"max"`
	MaxEscalations     int           `mapstructure:"max_escalations"`
	TransientThreshold int           `mapstructure:"transient_threshold"`
}

// HarvestConfig governs scheduling and dispatch.
type HarvestConfig struct {
	Schedule       string        `mapstructure:"schedule"`
	RunOnStart     bool          `mapstructure:"run_on_start"`
	Workers        int           `mapstructure:"workers"`
	QueueDepth     int           `mapstructure:"queue_depth"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
}

// PublisherConfig selects the downstream boundary.
type PublisherConfig struct {
	Kind   string              `mapstructure:"kind"`
	HTTP   HTTPPublisherConfig `mapstructure:"http"`
	PubSub PubSubConfig        `mapstructure:"pubsub"`
}

// HTTPPublisherConfig points at the downstream processing service.
type HTTPPublisherConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// PubSubConfig holds the topic records are published to.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// StorageConfig sets where raw pages are archived.
type StorageConfig struct {
	Backend     string `mapstructure:"backend"`
	LocalDir    string `mapstructure:"local_dir"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// DatabaseConfig controls the Postgres state and session stores. An empty
// DSN keeps state in memory.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	StateTable      string        `mapstructure:"state_table"`
	SessionTable    string        `mapstructure:"session_table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// TargetConfig describes one harvested source.
type TargetConfig struct {
	Name              string        `mapstructure:"name"`
	BaseURL           string        `mapstructure:"base_url"`
	ListPath          string        `mapstructure:"list_path"`
	RequestsPerMinute float64       `mapstructure:"requests_per_minute"`
	MinDelay          time.Duration `mapstructure:"min_delay"`
	MaxDelay          time.Duration `mapstructure:"max_delay"`
	RetryCount        int           `mapstructure:"retry_count"`
	PageCap           int           `mapstructure:"page_cap"`
	Schedule          string        `mapstructure:"schedule"`
	Referer           bool          `mapstructure:"referer"`
	Parser            parser.Config `mapstructure:"parser"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVESTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("auth.enabled", false)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("telemetry.service_name", "polite-harvester")
	v.SetDefault("telemetry.project_id", "")
	v.SetDefault("http.timeout", "30s")
	v.SetDefault("http.max_body_bytes", 10*1024*1024)
	v.SetDefault("http.respect_robots", true)
	v.SetDefault("http.robots_ttl", "12h")
	v.SetDefault("backoff.base", "60s")
	v.SetDefault("backoff.max", "6h")
	v.SetDefault("backoff.max_escalations", 5)
	v.SetDefault("backoff.transient_threshold", 0)
	v.SetDefault("harvest.schedule", "@every 6h")
	v.SetDefault("harvest.run_on_start", true)
	v.SetDefault("harvest.workers", 2)
	v.SetDefault("harvest.queue_depth", 16)
	v.SetDefault("harvest.publish_timeout", "10s")
	v.SetDefault("publisher.kind", PublisherHTTP)
	v.SetDefault("publisher.http.url", "http://nlp-service:8001/process")
	v.SetDefault("publisher.http.timeout", "10s")
	v.SetDefault("storage.backend", StorageNone)
	v.SetDefault("storage.local_dir", "data/pages")
	v.SetDefault("storage.prefix", "pages")
	v.SetDefault("storage.content_type", "text/html; charset=utf-8")
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("database.min_conns", 0)
	v.SetDefault("database.max_conn_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("targets", []map[string]any{defaultTarget()})
}

// defaultTarget is the Italian public auction portal.
func defaultTarget() map[string]any {
	return map[string]any{
		"name":                "pvp",
		"base_url":            "https://pvp.giustizia.it",
		"list_path":           "/pvp/it/ricerca.page?page={page}",
		"requests_per_minute": 4,
		"min_delay":           "5s",
		"max_delay":           "15s",
		"retry_count":         3,
		"page_cap":            5,
		"referer":             true,
		"parser": map[string]any{
			"format":         parser.FormatHTML,
			"item_selector":  ".auction-item",
			"id_attr":        "data-id",
			"title_selector": ".title",
			"link_selector":  "a[href]",
			"fields": map[string]any{
				harvest.FieldPriceText: ".price",
				harvest.FieldCity:      ".location",
			},
		},
	}
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return errors.New("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return errors.New("auth.api_key must be set when auth is enabled")
	}
	if c.HTTP.Timeout <= 0 {
		return errors.New("http.timeout must be > 0")
	}
	if c.Harvest.Workers <= 0 {
		return errors.New("harvest.workers must be > 0")
	}
	if c.Harvest.QueueDepth <= 0 {
		return errors.New("harvest.queue_depth must be > 0")
	}
	if c.Backoff.Max < c.Backoff.Base {
		return errors.New("backoff.max must be >= backoff.base")
	}
	switch c.Publisher.Kind {
	case PublisherHTTP:
		if c.Publisher.HTTP.URL == "" {
			return errors.New("publisher.http.url must be set for the http publisher")
		}
	case PublisherPubSub:
		if c.Publisher.PubSub.ProjectID == "" || c.Publisher.PubSub.TopicName == "" {
			return errors.New("publisher.pubsub.project_id and topic_name must be set for the pubsub publisher")
		}
	case PublisherMemory:
	default:
		return fmt.Errorf("unsupported publisher.kind %q", c.Publisher.Kind)
	}
	switch c.Storage.Backend {
	case "", StorageNone, StorageMemory:
	case StorageLocal:
		if c.Storage.LocalDir == "" {
			return errors.New("storage.local_dir must be set for the local backend")
		}
	case StorageGCS:
		if c.Storage.GCSBucket == "" {
			return errors.New("storage.gcs_bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("unsupported storage.backend %q", c.Storage.Backend)
	}
	if len(c.Targets) == 0 {
		return errors.New("at least one target is required")
	}
	return nil
}

// BuildTargets turns the configured targets into validated Targets.
func (c Config) BuildTargets() ([]*harvest.Target, error) {
	out := make([]*harvest.Target, 0, len(c.Targets))
	for i, tc := range c.Targets {
		target, err := tc.build()
		if err != nil {
			return nil, fmt.Errorf("targets[%d]: %w", i, err)
		}
		out = append(out, target)
	}
	return out, nil
}

// Registry builds a Registry of the configured targets.
func (c Config) Registry() (*harvest.Registry, error) {
	targets, err := c.BuildTargets()
	if err != nil {
		return nil, err
	}
	reg, err := harvest.NewRegistry(targets...)
	if err != nil {
		return nil, fmt.Errorf("build registry: %w", err)
	}
	return reg, nil
}

func (tc TargetConfig) build() (*harvest.Target, error) {
	base, err := url.Parse(tc.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("target %q: parse base_url: %w", tc.Name, err)
	}
	p, err := parser.New(tc.Parser)
	if err != nil {
		return nil, fmt.Errorf("target %q: %w", tc.Name, err)
	}
	target := &harvest.Target{
		Name:              tc.Name,
		BaseURL:           base,
		ListPath:          tc.ListPath,
		RequestsPerMinute: tc.RequestsPerMinute,
		MinDelay:          tc.MinDelay,
		MaxDelay:          tc.MaxDelay,
		RetryCount:        tc.RetryCount,
		PageCap:           tc.PageCap,
		Schedule:          tc.Schedule,
		Referer:           tc.Referer,
		Parser:            p,
	}
	if err := target.Validate(); err != nil {
		return nil, err
	}
	return target, nil
}
