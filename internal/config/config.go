package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Addr        string   `yaml:"addr"`
		CORSOrigins []string `yaml:"cors_origins"`
	} `yaml:"server"`
	DB struct {
		DSN      string `yaml:"dsn"`
		MaxConns int32  `yaml:"max_conns"`
	} `yaml:"db"`
	Redis struct {
		URL            string `yaml:"url"`
		LockPrefix     string `yaml:"lock_prefix"`
		LockTTLSeconds int    `yaml:"lock_ttl_seconds"`
	} `yaml:"redis"`
	RabbitMQ struct {
		URL      string `yaml:"url"`
		Exchange string `yaml:"exchange"`
	} `yaml:"rabbitmq"`
	Gateway struct {
		WSEndpoints       []string `yaml:"ws_endpoints"`
		FailoverThreshold int      `yaml:"failover_threshold"`
		RetrySeconds      int      `yaml:"retry_seconds"`
	} `yaml:"gateway"`
	Refund struct {
		MarkerRetryAttempts  int `yaml:"marker_retry_attempts"`
		MarkerRetryBackoffMS int `yaml:"marker_retry_backoff_ms"`
		NotifyTimeoutMS      int `yaml:"notify_timeout_ms"`
	} `yaml:"refund"`
	Reconcile struct {
		Schedule  string `yaml:"schedule"`
		BatchSize int    `yaml:"batch_size"`
	} `yaml:"reconcile"`
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

// MemoryDSN selects the in-process store instead of Postgres.
const MemoryDSN = "memory://"

func Load(path string) (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "configs/config.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// loadDotEnv reads ENV_FILE (default .env) into the process environment.
// Variables already set win; a missing file is not an error.
func loadDotEnv() error {
	file := os.Getenv("ENV_FILE")
	if file == "" {
		file = ".env"
	}
	if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", file, err)
	}
	return nil
}

func (c *Config) UseMemoryStore() bool {
	return c.DB.DSN == MemoryDSN
}

func (c *Config) LockTTL() time.Duration {
	return time.Duration(c.Redis.LockTTLSeconds) * time.Second
}

func (c *Config) MarkerRetryBackoff() time.Duration {
	return time.Duration(c.Refund.MarkerRetryBackoffMS) * time.Millisecond
}

func (c *Config) NotifyTimeout() time.Duration {
	return time.Duration(c.Refund.NotifyTimeoutMS) * time.Millisecond
}

func (c *Config) GatewayRetryDelay() time.Duration {
	return time.Duration(c.Gateway.RetrySeconds) * time.Second
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	if c.DB.DSN == "" {
		return errors.New("db.dsn is required")
	}
	if c.Redis.LockTTLSeconds < 1 {
		return errors.New("redis.lock_ttl_seconds must be positive")
	}
	if c.Reconcile.BatchSize < 1 || c.Reconcile.BatchSize > 1000 {
		return errors.New("reconcile.batch_size must be between 1 and 1000")
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.DB.MaxConns <= 0 {
		cfg.DB.MaxConns = 10
	}
	if cfg.Redis.LockPrefix == "" {
		cfg.Redis.LockPrefix = "orderwallet:refund-lock:"
	}
	if cfg.Redis.LockTTLSeconds == 0 {
		cfg.Redis.LockTTLSeconds = 30
	}
	if cfg.RabbitMQ.Exchange == "" {
		cfg.RabbitMQ.Exchange = "order_events"
	}
	if cfg.Gateway.FailoverThreshold <= 0 {
		cfg.Gateway.FailoverThreshold = 3
	}
	if cfg.Gateway.RetrySeconds <= 0 {
		cfg.Gateway.RetrySeconds = 3
	}
	if cfg.Refund.MarkerRetryAttempts <= 0 {
		cfg.Refund.MarkerRetryAttempts = 3
	}
	if cfg.Refund.MarkerRetryBackoffMS <= 0 {
		cfg.Refund.MarkerRetryBackoffMS = 50
	}
	if cfg.Refund.NotifyTimeoutMS <= 0 {
		cfg.Refund.NotifyTimeoutMS = 5000
	}
	if cfg.Reconcile.Schedule == "" {
		cfg.Reconcile.Schedule = "@every 1m"
	}
	if cfg.Reconcile.BatchSize == 0 {
		cfg.Reconcile.BatchSize = 100
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		cfg.Server.CORSOrigins = splitCommaList(v)
	}
	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.DB.DSN = v
	}
	if v := os.Getenv("DB_MAX_CONNS"); v != "" {
		cfg.DB.MaxConns = int32(atoiOr(int(cfg.DB.MaxConns), v))
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("REDIS_LOCK_TTL_SECONDS"); v != "" {
		cfg.Redis.LockTTLSeconds = atoiOr(cfg.Redis.LockTTLSeconds, v)
	}
	if v := os.Getenv("RABBITMQ_URL"); v != "" {
		cfg.RabbitMQ.URL = v
	}
	if v := os.Getenv("RABBITMQ_EXCHANGE"); v != "" {
		cfg.RabbitMQ.Exchange = v
	}
	if v := os.Getenv("GATEWAY_WS_ENDPOINTS"); v != "" {
		cfg.Gateway.WSEndpoints = splitCommaList(v)
	}
	if v := os.Getenv("GATEWAY_FAILOVER_THRESHOLD"); v != "" {
		cfg.Gateway.FailoverThreshold = atoiOr(cfg.Gateway.FailoverThreshold, v)
	}
	if v := os.Getenv("REFUND_MARKER_RETRY_ATTEMPTS"); v != "" {
		cfg.Refund.MarkerRetryAttempts = atoiOr(cfg.Refund.MarkerRetryAttempts, v)
	}
	if v := os.Getenv("REFUND_MARKER_RETRY_BACKOFF_MS"); v != "" {
		cfg.Refund.MarkerRetryBackoffMS = atoiOr(cfg.Refund.MarkerRetryBackoffMS, v)
	}
	if v := os.Getenv("RECONCILE_SCHEDULE"); v != "" {
		cfg.Reconcile.Schedule = v
	}
	if v := os.Getenv("RECONCILE_BATCH_SIZE"); v != "" {
		cfg.Reconcile.BatchSize = atoiOr(cfg.Reconcile.BatchSize, v)
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

func splitCommaList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func atoiOr(fallback int, v string) int {
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}
