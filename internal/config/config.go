// Package config provides configuration loading and validation for the pool server.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete server configuration.
type Config struct {
	Pool     PoolConfig     `yaml:"pool"`
	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// PoolConfig holds the SV2 pool's listen/upstream/authority settings.
type PoolConfig struct {
	ListenAddress      string        `yaml:"listen_address"`
	TPAddress          string        `yaml:"tp_address"`
	AuthorityPublicKey string        `yaml:"authority_public_key"`
	AuthoritySecretKey string        `yaml:"authority_secret_key"`
	CertValiditySec    uint64        `yaml:"cert_validity_sec"`
	MaxConnections     int           `yaml:"max_connections"`
	ExtranonceSize     int           `yaml:"extranonce_size"`
	ExtranonceR1Bytes  int           `yaml:"extranonce_r1_bytes"`
	Metrics            MetricsConfig `yaml:"metrics"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	Password       string        `yaml:"password"`
	DB             int           `yaml:"db"`
	PoolSize       int           `yaml:"pool_size"`
	KeyPrefix      string        `yaml:"key_prefix"`
	ShareReplayTTL time.Duration `yaml:"share_replay_ttl"`
	OnlineTTL      time.Duration `yaml:"online_ttl"`
}

// PostgresConfig holds PostgreSQL connection settings.
type PostgresConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	Database         string        `yaml:"database"`
	User             string        `yaml:"user"`
	Password         string        `yaml:"password"`
	MaxConnections   int           `yaml:"max_connections"`
	MinConnections   int           `yaml:"min_connections"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	StatementTimeout time.Duration `yaml:"statement_timeout"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

// Load reads and parses the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Apply defaults
	applyDefaults(&cfg)

	// Validate configuration
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// applyDefaults sets default values for unset configuration options.
func applyDefaults(cfg *Config) {
	// Pool defaults
	if cfg.Pool.ListenAddress == "" {
		cfg.Pool.ListenAddress = "0.0.0.0:34254"
	}
	if cfg.Pool.MaxConnections == 0 {
		cfg.Pool.MaxConnections = 10000
	}
	if cfg.Pool.CertValiditySec == 0 {
		cfg.Pool.CertValiditySec = 3600
	}
	if cfg.Pool.ExtranonceSize == 0 {
		cfg.Pool.ExtranonceSize = 32
	}
	if cfg.Pool.ExtranonceR1Bytes == 0 {
		cfg.Pool.ExtranonceR1Bytes = 16
	}
	if cfg.Pool.Metrics.Port == 0 {
		cfg.Pool.Metrics.Port = 9090
	}

	// Redis defaults
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.Redis.PoolSize == 0 {
		cfg.Redis.PoolSize = 100
	}
	if cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = "sv2pool:"
	}
	if cfg.Redis.ShareReplayTTL == 0 {
		cfg.Redis.ShareReplayTTL = time.Hour
	}
	if cfg.Redis.OnlineTTL == 0 {
		cfg.Redis.OnlineTTL = 5 * time.Minute
	}

	// Postgres defaults
	if cfg.Postgres.Host == "" {
		cfg.Postgres.Host = "localhost"
	}
	if cfg.Postgres.Port == 0 {
		cfg.Postgres.Port = 5432
	}
	if cfg.Postgres.MaxConnections == 0 {
		cfg.Postgres.MaxConnections = 50
	}
	if cfg.Postgres.MinConnections == 0 {
		cfg.Postgres.MinConnections = 10
	}
	if cfg.Postgres.ConnectTimeout == 0 {
		cfg.Postgres.ConnectTimeout = 10 * time.Second
	}
	if cfg.Postgres.StatementTimeout == 0 {
		cfg.Postgres.StatementTimeout = 30 * time.Second
	}

	// Logging defaults
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
}

// validate checks the configuration for required fields and valid values.
func validate(cfg *Config) error {
	if cfg.Pool.ListenAddress == "" {
		return fmt.Errorf("pool.listen_address must not be empty")
	}
	if cfg.Pool.TPAddress == "" {
		return fmt.Errorf("pool.tp_address must not be empty")
	}
	if cfg.Pool.AuthorityPublicKey == "" || cfg.Pool.AuthoritySecretKey == "" {
		return fmt.Errorf("pool.authority_public_key and pool.authority_secret_key are required")
	}
	if cfg.Pool.ExtranonceR1Bytes < 1 || cfg.Pool.ExtranonceR1Bytes >= cfg.Pool.ExtranonceSize {
		return fmt.Errorf("invalid extranonce_r1_bytes: %d for extranonce_size %d", cfg.Pool.ExtranonceR1Bytes, cfg.Pool.ExtranonceSize)
	}
	return nil
}
