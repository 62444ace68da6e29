package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/thanos-io/thanos/pkg/tracing/otlp"
	yaml "gopkg.in/yaml.v3"
)

// Config carries the configuration of all three services. Each subcommand
// registers flags for the sections it needs; a YAML config file given with
// -config-file takes precedence over the flags.
type Config struct {
	Service   ServiceConfig   `yaml:"service,omitempty"`
	Collector CollectorConfig `yaml:"collector,omitempty"`
	API       APIConfig       `yaml:"api,omitempty"`
	Health    HealthConfig    `yaml:"health,omitempty"`
	Redis     RedisConfig     `yaml:"redis,omitempty"`
	Database  DatabaseConfig  `yaml:"database,omitempty"`
	Tracing   *otlp.Config    `yaml:"tracing,omitempty"`
	CORS      CORSConfig      `yaml:"cors,omitempty"`
}

type ServiceConfig struct {
	Name                  string        `yaml:"name,omitempty"`
	Version               string        `yaml:"version,omitempty"`
	LogLevel              string        `yaml:"log_level,omitempty"`
	LogFormat             string        `yaml:"log_format,omitempty"`
	WorkerShutdownTimeout time.Duration `yaml:"worker_shutdown_timeout,omitempty"`
}

type CollectorConfig struct {
	ListenAddress     string `yaml:"listen_address,omitempty"`
	GRPCListenAddress string `yaml:"grpc_listen_address,omitempty"`
	BufferSize        int    `yaml:"buffer_size,omitempty"`
}

type APIConfig struct {
	ListenAddress        string `yaml:"listen_address,omitempty"`
	MetricsListenAddress string `yaml:"metrics_listen_address,omitempty"`
}

// HealthConfig is the aggregator's admin HTTP server (livez/readyz/metrics).
type HealthConfig struct {
	Host string `yaml:"host,omitempty"`
	Port int    `yaml:"port,omitempty"`
}

type RedisConfig struct {
	Host          string        `yaml:"host,omitempty"`
	Port          int           `yaml:"port,omitempty"`
	DB            int           `yaml:"db,omitempty"`
	Password      string        `yaml:"password,omitempty"`
	StreamName    string        `yaml:"stream_name,omitempty"`
	ConsumerGroup string        `yaml:"consumer_group,omitempty"`
	ConsumerName  string        `yaml:"consumer_name,omitempty"`
	BlockTime     time.Duration `yaml:"block_time,omitempty"`
	BatchSize     int           `yaml:"batch_size,omitempty"`
	PendingIdle   time.Duration `yaml:"pending_idle,omitempty"`
}

type DatabaseConfig struct {
	Host           string        `yaml:"host,omitempty"`
	Port           int           `yaml:"port,omitempty"`
	Database       string        `yaml:"database,omitempty"`
	User           string        `yaml:"user,omitempty"`
	Password       string        `yaml:"password,omitempty"`
	MinPoolSize    int           `yaml:"min_pool_size,omitempty"`
	MaxPoolSize    int           `yaml:"max_pool_size,omitempty"`
	CommandTimeout time.Duration `yaml:"command_timeout,omitempty"`
	SSLMode        string        `yaml:"sslmode,omitempty"`
}

type CORSConfig struct {
	AllowedOrigins   []string `yaml:"allowed_origins,omitempty"`
	AllowedMethods   []string `yaml:"allowed_methods,omitempty"`
	AllowedHeaders   []string `yaml:"allowed_headers,omitempty"`
	AllowCredentials bool     `yaml:"allow_credentials,omitempty"`
	MaxAge           int      `yaml:"max_age,omitempty"`
}

var DefaultConfig = &Config{
	CORS: CORSConfig{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-Requested-With"},
		AllowCredentials: true,
		MaxAge:           300,
	},
}

// sslModes are the accepted values for DB_SSL_MODE / -postgres-sslmode.
var sslModes = map[string]bool{
	"disable":     true,
	"allow":       true,
	"prefer":      true,
	"require":     true,
	"verify-ca":   true,
	"verify-full": true,
}

func LoadConfig(path string) error {
	f, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(f, DefaultConfig); err != nil {
		return fmt.Errorf("failed to unmarshal config file: %w", err)
	}
	return nil
}

// RegisterServiceFlags wires the SERVICE_* and LOG_* environment keys as flag
// defaults, the same way database credentials are handled.
func RegisterServiceFlags(fs *flag.FlagSet) {
	fs.StringVar(&DefaultConfig.Service.Name, "service-name", EnvOr("SERVICE_NAME", "otlp-metrics-pipeline"), "Service name reported in logs, can also be set via SERVICE_NAME env var.")
	fs.StringVar(&DefaultConfig.Service.Version, "service-version", EnvOr("SERVICE_VERSION", "dev"), "Service version reported in logs, can also be set via SERVICE_VERSION env var.")
	fs.StringVar(&DefaultConfig.Service.LogLevel, "log-level", EnvOr("LOG_LEVEL", "info"), "Log level: debug, info, warn, error. Can also be set via LOG_LEVEL env var.")
	fs.StringVar(&DefaultConfig.Service.LogFormat, "log-format", EnvOr("LOG_FORMAT", "text"), "Log format: json or text. Can also be set via LOG_FORMAT env var.")
}

func RegisterMemoryLimitFlags(fs *flag.FlagSet) {
	ratio := fs.Float64("memlimit-ratio", 0.9, "Fraction of the cgroup memory limit applied to GOMEMLIMIT.")
	fs.Func("memlimit-apply", "Apply GOMEMLIMIT from the cgroup memory limit (true/false).", func(v string) error {
		apply, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		if !apply {
			return nil
		}
		if _, err := memlimit.SetGoMemLimitWithOpts(memlimit.WithRatio(*ratio)); err != nil {
			slog.Warn("config.memlimit.not_applied", "err", err)
		}
		return nil
	})
}

// SetupLogger installs the default slog logger according to LOG_LEVEL and
// LOG_FORMAT and attaches the service identity.
func SetupLogger() error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(DefaultConfig.Service.LogLevel)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", DefaultConfig.Service.LogLevel, err)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch DefaultConfig.Service.LogFormat {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	case "", "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		return fmt.Errorf("invalid log format %q, expected json or text", DefaultConfig.Service.LogFormat)
	}

	logger := slog.New(handler).With(
		"service", DefaultConfig.Service.Name,
		"version", DefaultConfig.Service.Version,
	)
	slog.SetDefault(logger)
	return nil
}

// Validate checks the invariants shared by every subcommand. Failing
// validation is fatal, the process exits non-zero.
func (c *Config) Validate() error {
	if c.Database.SSLMode != "" && !sslModes[c.Database.SSLMode] {
		return fmt.Errorf("invalid sslmode %q", c.Database.SSLMode)
	}
	return nil
}

func (c *Config) IsTracingEnabled() bool {
	if c == nil {
		return false
	}
	return c.Tracing != nil
}

// GetSanitizedConfig returns a copy safe for logging: credentials blanked.
func (c *Config) GetSanitizedConfig() Config {
	out := *c
	out.Database.Password = ""
	out.Database.User = ""
	out.Redis.Password = ""
	return out
}

// EnvOr returns the value of an environment variable or a fallback.
func EnvOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// EnvOrInt is EnvOr for integer-valued keys; unparsable values fall back.
func EnvOrInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// EnvOrDurationMS reads a millisecond-valued environment key.
func EnvOrDurationMS(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	ms, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}
