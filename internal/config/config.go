// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	App         AppConfig         `yaml:"app"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	Gateway     GatewayConfig     `yaml:"gateway"`
	Engine      EngineConfig      `yaml:"engine"`
	Leader      LeaderConfig      `yaml:"leader"`
	System      SystemConfig      `yaml:"system"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Concurrency ConcurrencyConfig `yaml:"concurrency"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	ListenAddr       string `yaml:"listen_addr"`
	OperatorAPIKey   Secret `yaml:"operator_api_key"`
	EncryptionKey    Secret `yaml:"encryption_key"`
	WebhookRateLimit int    `yaml:"webhook_rate_limit"` // requests per second per IP
	WebhookBurst     int    `yaml:"webhook_burst"`
}

// DatabaseConfig contains the Postgres settings
type DatabaseConfig struct {
	URL          Secret `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig contains the coordination layer settings
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password Secret `yaml:"password"`
	DB       int    `yaml:"db"`
}

// GatewayConfig contains exchange gateway settings
type GatewayConfig struct {
	ConnectorCacheTTL time.Duration `yaml:"connector_cache_ttl"`
	FailureThreshold  int           `yaml:"failure_threshold"`
	SuccessThreshold  int           `yaml:"success_threshold"`
	ResetTimeout      time.Duration `yaml:"reset_timeout"`
	HalfOpenMaxCalls  int           `yaml:"half_open_max_calls"`
	SubmitTimeout     time.Duration `yaml:"submit_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	MockBaseURL       string        `yaml:"mock_base_url"`
	// VenueURLs maps venue name to its REST base URL. Testnet endpoints
	// use the "<venue>_testnet" key.
	VenueURLs map[string]string `yaml:"venue_urls"`
}

// EngineConfig contains trading engine parameters
type EngineConfig struct {
	MaxOpenPositionsGlobal int           `yaml:"max_open_positions_global"`
	PerUserPools           bool          `yaml:"per_user_pools"`
	QueueInterval          time.Duration `yaml:"queue_interval"`
	FillMonitorInterval    time.Duration `yaml:"fill_monitor_interval"`
	RiskInterval           time.Duration `yaml:"risk_interval"`
	PoolReconcileInterval  time.Duration `yaml:"pool_reconcile_interval"`
	StuckClosingThreshold  time.Duration `yaml:"stuck_closing_threshold"`
	EstimatedExitFeeRate   float64       `yaml:"estimated_exit_fee_rate"`
}

// LeaderConfig contains leader election and watchdog settings
type LeaderConfig struct {
	LockTTL          time.Duration `yaml:"lock_ttl"`
	RenewInterval    time.Duration `yaml:"renew_interval"`
	CheckInterval    time.Duration `yaml:"check_interval"`
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
	MaxRestarts      int           `yaml:"max_restarts"`
	RestartCooldown  time.Duration `yaml:"restart_cooldown"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel string `yaml:"log_level"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// ConcurrencyConfig contains worker pool settings
type ConcurrencyConfig struct {
	ReconcilePoolSize   int `yaml:"reconcile_pool_size"`
	ReconcilePoolBuffer int `yaml:"reconcile_pool_buffer"`
}

// Default returns a config with production defaults applied.
func Default() *Config {
	return &Config{
		App: AppConfig{
			ListenAddr:       ":8080",
			WebhookRateLimit: 20,
			WebhookBurst:     40,
		},
		Database: DatabaseConfig{
			MaxOpenConns: 20,
			MaxIdleConns: 5,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Gateway: GatewayConfig{
			ConnectorCacheTTL: 5 * time.Minute,
			FailureThreshold:  5,
			SuccessThreshold:  2,
			ResetTimeout:      60 * time.Second,
			HalfOpenMaxCalls:  3,
			SubmitTimeout:     60 * time.Second,
			ReadTimeout:       30 * time.Second,
		},
		Engine: EngineConfig{
			MaxOpenPositionsGlobal: 10,
			PerUserPools:           true,
			QueueInterval:          5 * time.Second,
			FillMonitorInterval:    5 * time.Second,
			RiskInterval:           60 * time.Second,
			PoolReconcileInterval:  60 * time.Second,
			StuckClosingThreshold:  2 * time.Minute,
			EstimatedExitFeeRate:   0.001,
		},
		Leader: LeaderConfig{
			LockTTL:          60 * time.Second,
			RenewInterval:    30 * time.Second,
			CheckInterval:    30 * time.Second,
			HeartbeatTimeout: 120 * time.Second,
			MaxRestarts:      3,
			RestartCooldown:  30 * time.Second,
		},
		System: SystemConfig{
			LogLevel: "INFO",
		},
		Telemetry: TelemetryConfig{
			MetricsPort:   9090,
			EnableMetrics: true,
		},
		Concurrency: ConcurrencyConfig{
			ReconcilePoolSize:   8,
			ReconcilePoolBuffer: 256,
		},
	}
}

// Load reads a YAML config file, applies defaults and env overrides,
// and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SPOT_TRADER_DATABASE_URL"); v != "" {
		cfg.Database.URL = Secret(v)
	}
	if v := os.Getenv("SPOT_TRADER_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("SPOT_TRADER_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = Secret(v)
	}
	if v := os.Getenv("SPOT_TRADER_ENCRYPTION_KEY"); v != "" {
		cfg.App.EncryptionKey = Secret(v)
	}
	if v := os.Getenv("SPOT_TRADER_OPERATOR_API_KEY"); v != "" {
		cfg.App.OperatorAPIKey = Secret(v)
	}
}

// Validate checks the configuration for obvious mistakes.
func (c *Config) Validate() error {
	var problems []string

	if c.Database.URL == "" {
		problems = append(problems, "database.url is required")
	}
	if c.App.EncryptionKey == "" {
		problems = append(problems, "app.encryption_key is required")
	}
	if c.Engine.MaxOpenPositionsGlobal < 1 {
		problems = append(problems, "engine.max_open_positions_global must be >= 1")
	}
	if c.Gateway.FailureThreshold < 1 {
		problems = append(problems, "gateway.failure_threshold must be >= 1")
	}
	if c.Gateway.SuccessThreshold < 1 {
		problems = append(problems, "gateway.success_threshold must be >= 1")
	}
	if c.Gateway.HalfOpenMaxCalls < 1 {
		problems = append(problems, "gateway.half_open_max_calls must be >= 1")
	}
	if c.Leader.RenewInterval >= c.Leader.LockTTL {
		problems = append(problems, "leader.renew_interval must be shorter than leader.lock_ttl")
	}
	switch strings.ToUpper(c.System.LogLevel) {
	case "DEBUG", "INFO", "WARN", "ERROR", "FATAL":
	default:
		problems = append(problems, "system.log_level must be one of DEBUG INFO WARN ERROR FATAL")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}
