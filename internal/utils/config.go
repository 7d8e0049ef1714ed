package utils

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// PostgresConfig describes the connection to the API key store.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"sslmode"`
}

// Config is the full service configuration, loaded once at startup.
type Config struct {
	Server struct {
		Host    string `yaml:"host"`
		Port    string `yaml:"port"`
		Prefork bool   `yaml:"prefork"`
	} `yaml:"server"`

	Logger struct {
		File       string `yaml:"file"`
		Level      string `yaml:"level"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAgeDays int    `yaml:"max_age_days"`
		Compress   bool   `yaml:"compress"`
	} `yaml:"logger"`

	Cache struct {
		RedisHost   string `yaml:"redis_host"`
		RateLimitDB int    `yaml:"redis_rate_db"`
	} `yaml:"cache"`

	Auth struct {
		ProxySecret  string         `yaml:"proxy_secret"`
		ExpectedHost string         `yaml:"expected_host"`
		Postgres     PostgresConfig `yaml:"postgres"`
	} `yaml:"auth"`

	Screenshot struct {
		ChromePath         string `yaml:"chrome_path"`
		ChromeNoSandbox    bool   `yaml:"chrome_no_sandbox"`
		NavTimeoutSecs     int    `yaml:"nav_timeout_secs"`
		CaptureTimeoutSecs int    `yaml:"capture_timeout_secs"`
		QuietWindowMs      int    `yaml:"quiet_window_ms"`
		MaxImageBytes      int    `yaml:"max_image_bytes"`
	} `yaml:"screenshot"`

	RateLimiter struct {
		// Interval is parsed from the raw "1h" style YAML value below;
		// yaml.v3 cannot decode duration strings directly.
		Interval          time.Duration `yaml:"-"`
		IntervalRaw       string        `yaml:"interval"`
		EnableUserLimiter bool          `yaml:"enable_user_limiter"`
		UserLimit         int           `yaml:"user_limit"`
	} `yaml:"rate_limiter"`
}

// AppConfig holds the last loaded configuration. Middleware that cannot
// receive the config by parameter (limiter factories) reads it via GetConfig.
var AppConfig Config

// LoadConfig reads the YAML config from CONFIG_PATH or ./config.yaml and
// applies defaults. A missing file yields a default config so the service
// can still start in dev setups.
func LoadConfig() Config {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config.yaml"
	}
	cfg, err := LoadConfigFrom(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v, using defaults\n", err)
		cfg = Config{}
	}
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	AppConfig = cfg
	return cfg
}

// LoadConfigFrom parses the given YAML file without applying defaults.
func LoadConfigFrom(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.RateLimiter.IntervalRaw != "" {
		d, err := time.ParseDuration(cfg.RateLimiter.IntervalRaw)
		if err != nil {
			return cfg, fmt.Errorf("parse rate_limiter.interval: %w", err)
		}
		cfg.RateLimiter.Interval = d
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == "" {
		cfg.Server.Port = ":8080"
	}
	if cfg.Logger.Level == "" {
		cfg.Logger.Level = "info"
	}
	if cfg.Cache.RedisHost == "" {
		cfg.Cache.RedisHost = "127.0.0.1:6379"
	}
	if cfg.Screenshot.NavTimeoutSecs <= 0 {
		cfg.Screenshot.NavTimeoutSecs = 30
	}
	if cfg.Screenshot.CaptureTimeoutSecs <= 0 {
		cfg.Screenshot.CaptureTimeoutSecs = 30
	}
	if cfg.Screenshot.QuietWindowMs <= 0 {
		cfg.Screenshot.QuietWindowMs = 500
	}
	if cfg.Screenshot.MaxImageBytes <= 0 {
		cfg.Screenshot.MaxImageBytes = 32 * 1024 * 1024
	}
	if cfg.RateLimiter.Interval <= 0 {
		cfg.RateLimiter.Interval = time.Hour
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PROXY_SECRET"); v != "" {
		cfg.Auth.ProxySecret = v
	}
	if cfg.Screenshot.ChromePath == "" {
		if v := os.Getenv("CHROME_BIN"); v != "" {
			cfg.Screenshot.ChromePath = v
		}
	}
}

// GetConfig returns the last loaded configuration.
func GetConfig() Config {
	return AppConfig
}
