package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/xeet991fx/mrmorris-build-sub005/internal/dryrun"
)

// Config holds all application configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Tracing      TracingConfig      `yaml:"tracing"`
	Security     SecurityConfig     `yaml:"security"`
	TLS          TLSConfig          `yaml:"tls"`
	Ingest       IngestConfig       `yaml:"ingest"`
	Agents       AgentsConfig       `yaml:"agents"`
	Estimator    EstimatorConfig    `yaml:"estimator"`
	Session      SessionConfig      `yaml:"session"`
	Collaborator CollaboratorConfig `yaml:"collaborator"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"` // 0 keeps event streams open indefinitely
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBody  int64         `yaml:"max_request_body_bytes"`
	StreamKeepAlive time.Duration `yaml:"stream_keepalive"`
}

type DatabaseConfig struct {
	Driver          string        `yaml:"driver"` // "sqlite" (default) or "postgres"
	DSN             string        `yaml:"dsn"`    // file path for sqlite, connection URL for postgres
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type TracingConfig struct {
	Enabled  bool    `yaml:"enabled"`
	Endpoint string  `yaml:"endpoint"`
	Sample   float64 `yaml:"sample_rate"`
}

type SecurityConfig struct {
	AllowedKeys          []string `yaml:"allowed_keys"`
	AllowUnauthenticated bool     `yaml:"allow_unauthenticated"`
	RateLimitRPS         float64  `yaml:"rate_limit_rps"`
	RateLimitBurst       int      `yaml:"rate_limit_burst"`
}

// TLSConfig controls HTTPS/TLS termination.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// IngestConfig sizes the background report writer.
type IngestConfig struct {
	BufferSize   int           `yaml:"buffer_size"`
	FlushTimeout time.Duration `yaml:"flush_timeout"`
}

// AgentsConfig points at the directory of agent definitions used for dry runs.
type AgentsConfig struct {
	Dir string `yaml:"dir"`
}

type EstimatorConfig struct {
	HighUsageCredits int              `yaml:"high_usage_credits"`
	LargeFanOut      int              `yaml:"large_fan_out"`
	Costs            dryrun.CostTable `yaml:"costs"` // merged over the built-in price list
}

// SessionConfig tunes the CLI's live execution view.
type SessionConfig struct {
	PageSize        int           `yaml:"page_size"`
	SearchDebounce  time.Duration `yaml:"search_debounce"`
	OrphanGrace     time.Duration `yaml:"orphan_grace"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	ExportDir       string        `yaml:"export_dir"`
}

// CollaboratorConfig tells the CLI where the execution API lives.
type CollaboratorConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from CLI flag or hardcoded default
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxRequestBody:  1 << 20, // 1MB
			StreamKeepAlive: 15 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:          "sqlite",
			DSN:             "execwatch.db",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled: false,
			Sample:  0.1,
		},
		Security: SecurityConfig{
			RateLimitRPS:   100,
			RateLimitBurst: 200,
		},
		Ingest: IngestConfig{
			BufferSize:   10000,
			FlushTimeout: 10 * time.Second,
		},
		Agents: AgentsConfig{
			Dir: "agents",
		},
		Estimator: EstimatorConfig{
			HighUsageCredits: 10000,
			LargeFanOut:      dryrun.DefaultLargeFanOut,
		},
		Session: SessionConfig{
			PageSize:       20,
			SearchDebounce: 300 * time.Millisecond,
			OrphanGrace:    10 * time.Second,
			ExportDir:      ".",
		},
		Collaborator: CollaboratorConfig{
			BaseURL: "http://localhost:8080",
			Timeout: 30 * time.Second,
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Security.RateLimitRPS <= 0 || c.Security.RateLimitBurst < 1 {
		return fmt.Errorf("security.rate_limit_rps and rate_limit_burst must be positive")
	}
	if c.Ingest.BufferSize < 1 {
		return fmt.Errorf("ingest.buffer_size must be >= 1")
	}
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required when TLS is enabled")
		}
	}
	if c.Estimator.HighUsageCredits < 0 {
		return fmt.Errorf("estimator.high_usage_credits must be >= 0")
	}
	for name, cost := range c.Estimator.Costs {
		if cost.Credits < 0 || cost.Time < 0 {
			return fmt.Errorf("estimator.costs.%s must not be negative", name)
		}
	}
	if c.Session.PageSize < 1 || c.Session.PageSize > 100 {
		return fmt.Errorf("session.page_size must be 1-100, got %d", c.Session.PageSize)
	}
	if c.Session.SearchDebounce < 0 || c.Session.OrphanGrace < 0 || c.Session.RefreshInterval < 0 {
		return fmt.Errorf("session durations must not be negative")
	}
	if !strings.HasPrefix(c.Collaborator.BaseURL, "http://") && !strings.HasPrefix(c.Collaborator.BaseURL, "https://") {
		return fmt.Errorf("collaborator.base_url must be an http(s) URL, got %q", c.Collaborator.BaseURL)
	}
	if c.Database.Driver == "postgres" && strings.Contains(c.Database.DSN, "sslmode=disable") {
		log.Warn().Msg("database DSN has sslmode=disable, connections to Postgres are unencrypted")
	}
	return nil
}

// Address returns the listen address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// CostTable returns the built-in price list with configured overrides applied.
func (c *Config) CostTable() dryrun.CostTable {
	costs := dryrun.DefaultCosts()
	for name, cost := range c.Estimator.Costs {
		costs[name] = cost
	}
	return costs
}
