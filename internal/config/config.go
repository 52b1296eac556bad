// Package config loads the static, injected configuration for the bridging
// engine. Values are read once at process start; changing them takes effect
// only on restart.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the bridging daemon.
type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Bridging BridgingConfig `mapstructure:"bridging"`
	Privacy  PrivacyConfig  `mapstructure:"privacy"`
	Capping  CappingConfig  `mapstructure:"capping"`
}

// LogConfig controls structured log output.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ServerConfig holds the metrics/health HTTP listener settings.
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig holds PostgreSQL configuration.
type DatabaseConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// PostgresConfig holds PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`
}

// ConnString builds a pgx-compatible connection string.
func (p PostgresConfig) ConnString() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.Database, p.SSLMode,
	)
}

// RedisConfig holds Redis configuration for the identity cache, frequency
// capping counters, and the aggregate buffer.
type RedisConfig struct {
	URL      string `mapstructure:"url"`
	Enabled  bool   `mapstructure:"enabled"`
	PoolSize int    `mapstructure:"pool_size"`
}

// NATSConfig holds the JetStream task queue connection settings.
type NATSConfig struct {
	URL  string `mapstructure:"url"`
	Name string `mapstructure:"name"`
}

// BridgingConfig holds the resolution tunables. The salt is a process-wide
// secret; resolvers receive it explicitly and never read ambient state.
type BridgingConfig struct {
	Salt                string             `mapstructure:"salt"`
	ConfidenceThreshold float64            `mapstructure:"confidence_threshold"`
	PartialKeyWeights   map[string]float64 `mapstructure:"partial_key_weights"`
	TimeDecayFactor     float64            `mapstructure:"time_decay_factor"`
	RetentionDays       int                `mapstructure:"retention_days"`
	Workers             int                `mapstructure:"workers"`
	TokenSecret         string             `mapstructure:"token_secret"`
	TokenTTL            time.Duration      `mapstructure:"token_ttl"`
}

// Retention returns the data retention window as a duration.
func (b BridgingConfig) Retention() time.Duration {
	return time.Duration(b.RetentionDays) * 24 * time.Hour
}

// PrivacyConfig holds the privacy safeguard settings.
type PrivacyConfig struct {
	MinThreshold    int            `mapstructure:"min_threshold"`
	NoiseEpsilon    float64        `mapstructure:"noise_epsilon"`
	DPEnabled       bool           `mapstructure:"dp_enabled"`
	SamplingEnabled bool           `mapstructure:"sampling_enabled"`
	SamplingRates   map[string]int `mapstructure:"sampling_rates"`
}

// CappingConfig holds the real-time frequency capping settings.
type CappingConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Window  time.Duration `mapstructure:"window"`
	Cap     int           `mapstructure:"cap"`
}

// Load reads configuration from an optional file plus HOUSEHOLDIQ_* environment
// variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("server.port", 9090)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")

	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.user", "householdiq")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.database", "householdiq")
	v.SetDefault("database.postgres.sslmode", "disable")

	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.enabled", true)
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.name", "householdiq-bridging")

	v.SetDefault("bridging.salt", "")
	v.SetDefault("bridging.confidence_threshold", 0.7)
	v.SetDefault("bridging.partial_key_weights", map[string]float64{
		"hashedEmail": 1.0,
		"hashedIP":    0.9,
		"wifiSSID":    0.3,
		"deviceType":  0.2,
		"profileID":   0.2,
	})
	v.SetDefault("bridging.time_decay_factor", 0.5)
	v.SetDefault("bridging.retention_days", 30)
	v.SetDefault("bridging.workers", 8)
	v.SetDefault("bridging.token_secret", "")
	v.SetDefault("bridging.token_ttl", "24h")

	v.SetDefault("privacy.min_threshold", 10)
	v.SetDefault("privacy.noise_epsilon", 1.0)
	v.SetDefault("privacy.dp_enabled", false)
	v.SetDefault("privacy.sampling_enabled", false)
	v.SetDefault("privacy.sampling_rates", map[string]int{
		"impression": 10000,
		"click":      3000,
		"conversion": 500,
	})

	v.SetDefault("capping.enabled", true)
	v.SetDefault("capping.window", "24h")
	v.SetDefault("capping.cap", 5)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Environment variables override file config
	v.SetEnvPrefix("HOUSEHOLDIQ")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks invariants the engine depends on.
func (c *Config) Validate() error {
	if c.Bridging.ConfidenceThreshold < 0 || c.Bridging.ConfidenceThreshold > 1 {
		return fmt.Errorf("bridging.confidence_threshold must be in [0,1], got %v", c.Bridging.ConfidenceThreshold)
	}
	if c.Bridging.RetentionDays <= 0 {
		return fmt.Errorf("bridging.retention_days must be positive, got %d", c.Bridging.RetentionDays)
	}
	if c.Bridging.Workers <= 0 {
		return fmt.Errorf("bridging.workers must be positive, got %d", c.Bridging.Workers)
	}
	if c.Privacy.MinThreshold < 0 {
		return fmt.Errorf("privacy.min_threshold must be non-negative, got %d", c.Privacy.MinThreshold)
	}
	if c.Privacy.NoiseEpsilon <= 0 {
		return fmt.Errorf("privacy.noise_epsilon must be positive, got %v", c.Privacy.NoiseEpsilon)
	}
	if c.Capping.Enabled && c.Capping.Cap <= 0 {
		return fmt.Errorf("capping.cap must be positive when capping is enabled, got %d", c.Capping.Cap)
	}
	return nil
}
