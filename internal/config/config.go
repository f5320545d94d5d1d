package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// PlaceholderJWTSecret is the development-only signing secret. Production
// startup is refused while it is still in place.
const PlaceholderJWTSecret = "dev-secret-change-me"

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Environment string `json:"environment"` // development, staging, production
	Port        int    `json:"port"`
	LogLevel    string `json:"log_level"`
	LogFormat   string `json:"log_format"` // text, json
}

// DatabaseConfig holds PostgreSQL settings.
type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	MaxConns int32  `json:"max_conns"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	URL      string `json:"url"`
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// StorageConfig holds S3-compatible object storage settings for map assets.
type StorageConfig struct {
	Endpoint  string `json:"endpoint"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
	Bucket    string `json:"bucket"`
	Region    string `json:"region"`
}

// AuthConfig holds token settings.
type AuthConfig struct {
	JWTSecret      string        `json:"jwt_secret"`
	Algorithm      string        `json:"algorithm"` // HS256, HS384, HS512
	Issuer         string        `json:"issuer"`
	AccessTokenTTL time.Duration `json:"access_token_ttl"`
}

// SessionConfig holds session store settings.
type SessionConfig struct {
	DefaultMaxPlayers int           `json:"default_max_players"`
	IdleTimeout       time.Duration `json:"idle_timeout"`
	ShareCodeTTL      time.Duration `json:"share_code_ttl"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
	OutboundQueueSize int           `json:"outbound_queue_size"`
}

// AnchorConfig holds anchor manager settings.
type AnchorConfig struct {
	MaxPerSession    int           `json:"max_per_session"`
	TemporaryTTL     time.Duration `json:"temporary_ttl"`
	ExpirySweepEvery time.Duration `json:"expiry_sweep_every"`
	SyncBatchSize    int           `json:"sync_batch_size"`
}

// RateLimitConfig holds per-user message limits.
type RateLimitConfig struct {
	PerMinute int `json:"per_minute"`
	Burst     int `json:"burst"` // per trailing second
}

// FusionConfig holds pose fusion thresholds.
type FusionConfig struct {
	SLAMMinConfidence float64       `json:"slam_min_confidence"`
	VIOMinConfidence  float64       `json:"vio_min_confidence"`
	VPSMinConfidence  float64       `json:"vps_min_confidence"`
	Freshness         time.Duration `json:"freshness"`
	VPSURL            string        `json:"vps_url"`
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool    `json:"enabled"`
	Exporter    string  `json:"exporter"` // otlp-http, stdout
	Endpoint    string  `json:"endpoint"`
	ServiceName string  `json:"service_name"`
	SampleRate  float64 `json:"sample_rate"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Enabled          bool      `json:"enabled"`
	Namespace        string    `json:"namespace"`
	HistogramBuckets []float64 `json:"histogram_buckets,omitempty"`
}

// ObservabilityConfig groups tracing and metrics.
type ObservabilityConfig struct {
	Tracing TracingConfig `json:"tracing"`
	Metrics MetricsConfig `json:"metrics"`
}

// GatewayConfig holds prism edge gateway settings.
type GatewayConfig struct {
	RoutesFile    string        `json:"routes_file"`
	ProbeInterval time.Duration `json:"probe_interval"`
	ProbeTimeout  time.Duration `json:"probe_timeout"`
	RouteRPS      float64       `json:"route_rps"` // per-route request pacing, 0 disables
	RouteBurst    int           `json:"route_burst"`
}

// Config is the central configuration struct embedding all component configs.
type Config struct {
	Server        ServerConfig        `json:"server"`
	Database      DatabaseConfig      `json:"database"`
	Redis         RedisConfig         `json:"redis"`
	Storage       StorageConfig       `json:"storage"`
	Auth          AuthConfig          `json:"auth"`
	Session       SessionConfig       `json:"session"`
	Anchor        AnchorConfig        `json:"anchor"`
	RateLimit     RateLimitConfig     `json:"rate_limit"`
	Fusion        FusionConfig        `json:"fusion"`
	Gateway       GatewayConfig       `json:"gateway"`
	Observability ObservabilityConfig `json:"observability"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Environment: "development",
			Port:        8080,
			LogLevel:    "info",
			LogFormat:   "text",
		},
		Database: DatabaseConfig{
			DSN:      "",
			MaxConns: 10,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Storage: StorageConfig{
			Bucket: "parallax-maps",
			Region: "us-east-1",
		},
		Auth: AuthConfig{
			JWTSecret:      PlaceholderJWTSecret,
			Algorithm:      "HS256",
			Issuer:         "parallax",
			AccessTokenTTL: 15 * time.Minute,
		},
		Session: SessionConfig{
			DefaultMaxPlayers: 8,
			IdleTimeout:       90 * time.Second,
			ShareCodeTTL:      3600 * time.Second,
			HeartbeatInterval: 30 * time.Second,
			OutboundQueueSize: 64,
		},
		Anchor: AnchorConfig{
			MaxPerSession:    100,
			TemporaryTTL:     24 * time.Hour,
			ExpirySweepEvery: 5 * time.Minute,
			SyncBatchSize:    100,
		},
		RateLimit: RateLimitConfig{
			PerMinute: 100,
			Burst:     20,
		},
		Fusion: FusionConfig{
			SLAMMinConfidence: 0.7,
			VIOMinConfidence:  0.5,
			VPSMinConfidence:  0.6,
			Freshness:         time.Second,
		},
		Gateway: GatewayConfig{
			RoutesFile:    "",
			ProbeInterval: 30 * time.Second,
			ProbeTimeout:  5 * time.Second,
		},
		Observability: ObservabilityConfig{
			Tracing: TracingConfig{
				Enabled:     false,
				Exporter:    "otlp-http",
				ServiceName: "parallax",
				SampleRate:  1.0,
			},
			Metrics: MetricsConfig{
				Enabled:   true,
				Namespace: "parallax",
			},
		},
	}
}

// LoadFromFile loads configuration from a JSON file on top of defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv applies environment variable overrides to the config.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("ENVIRONMENT"); v != "" {
		cfg.Server.Environment = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Server.Port = n
		}
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("STORAGE_ENDPOINT"); v != "" {
		cfg.Storage.Endpoint = v
	}
	if v := os.Getenv("STORAGE_ACCESS_KEY"); v != "" {
		cfg.Storage.AccessKey = v
	}
	if v := os.Getenv("STORAGE_SECRET_KEY"); v != "" {
		cfg.Storage.SecretKey = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		cfg.Observability.Tracing.Endpoint = v
		cfg.Observability.Tracing.Enabled = true
	}
	if v := os.Getenv("PARALLAX_LOG_LEVEL"); v != "" {
		cfg.Server.LogLevel = v
	}
	if v := os.Getenv("PARALLAX_LOG_FORMAT"); v != "" {
		cfg.Server.LogFormat = v
	}
	if v := os.Getenv("PARALLAX_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("PARALLAX_VPS_URL"); v != "" {
		cfg.Fusion.VPSURL = v
	}
	if v := os.Getenv("PARALLAX_ROUTES_FILE"); v != "" {
		cfg.Gateway.RoutesFile = v
	}
	if v := os.Getenv("PARALLAX_STORAGE_BUCKET"); v != "" {
		cfg.Storage.Bucket = v
	}
}

// Validate rejects configurations that must not reach production.
func (c *Config) Validate() error {
	if c.Server.Environment == "production" && c.Auth.JWTSecret == PlaceholderJWTSecret {
		return fmt.Errorf("refusing to start: JWT_SECRET is the development placeholder in production")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Server.Port)
	}
	if c.Session.DefaultMaxPlayers <= 0 {
		return fmt.Errorf("default_max_players must be positive")
	}
	if c.Anchor.MaxPerSession <= 0 {
		return fmt.Errorf("anchor max_per_session must be positive")
	}
	return nil
}

// RedisAddr resolves the effective Redis address: REDIS_URL wins over Addr.
func (c *Config) RedisAddr() string {
	if c.Redis.URL != "" {
		return c.Redis.URL
	}
	return c.Redis.Addr
}
