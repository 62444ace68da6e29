package store

import (
	"context"
	"flag"
	"time"

	"github.com/nicolastakashi/otlp-metrics-pipeline/internal/config"
	"github.com/nicolastakashi/otlp-metrics-pipeline/internal/metric"
)

// Sample is one observed value for a series: the descriptor identity plus a
// timestamped float.
type Sample struct {
	Name       string
	Attributes map[string]string
	Value      float64
	Time       time.Time
}

// Series is one distinct (name, attributes) descriptor pair.
type Series struct {
	Name       string
	Attributes map[string]string
}

// TimePoint is a raw (time, value) observation inside one series.
type TimePoint struct {
	Time  time.Time
	Value float64
}

// CounterSeries carries the raw ascending points of one counter series, the
// input of the reset-aware rate evaluator.
type CounterSeries struct {
	Name       string
	Attributes map[string]string
	Points     []TimePoint
}

// RecentMetric is one sample enriched with descriptor metadata, as needed by
// the text exposition endpoint. Histogram samples carry Sum/Count/buckets and
// a zero Value.
type RecentMetric struct {
	Name           string
	Description    string
	Unit           string
	Type           metric.Type
	Attributes     map[string]string
	Value          float64
	Sum            float64
	Count          uint64
	BucketCounts   []uint64
	ExplicitBounds []float64
	Time           time.Time
}

// Store is the time-series persistence facade. The aggregator only uses
// Insert; the query API uses the fetch side.
type Store interface {
	Insert(ctx context.Context, point metric.Point) error

	FetchSeries(ctx context.Context, name string, labels map[string]string) ([]Series, error)
	FetchInstant(ctx context.Context, name string, labels map[string]string, ts float64) ([]Sample, error)
	FetchGaugeAggregated(ctx context.Context, name string, labels map[string]string, start, end float64, step time.Duration) ([]Sample, error)
	FetchCounterRaw(ctx context.Context, name string, labels map[string]string, start, end float64) ([]CounterSeries, error)
	FetchLabelNames(ctx context.Context) ([]string, error)
	FetchLabelValues(ctx context.Context, labelName string) ([]string, error)
	MetricType(ctx context.Context, name string, labels map[string]string) (metric.Type, error)
	FetchAllRecent(ctx context.Context, lookback time.Duration) ([]RecentMetric, error)

	Ping(ctx context.Context) error
	Close() error
}

// RegisterFlags wires the DB_* and POSTGRES_* environment keys as flag
// defaults.
func RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&config.DefaultConfig.Database.Host, "postgres-host", config.EnvOr("DB_HOST", "localhost"), "Postgres host, can also be set via DB_HOST env var.")
	fs.IntVar(&config.DefaultConfig.Database.Port, "postgres-port", config.EnvOrInt("DB_PORT", 5432), "Postgres port, can also be set via DB_PORT env var.")
	fs.StringVar(&config.DefaultConfig.Database.Database, "postgres-database", config.EnvOr("POSTGRES_DB", "metrics"), "Postgres database name, can also be set via POSTGRES_DB env var.")
	fs.StringVar(&config.DefaultConfig.Database.User, "postgres-user", config.EnvOr("POSTGRES_USER", "postgres"), "Postgres user, can also be set via POSTGRES_USER env var.")
	fs.StringVar(&config.DefaultConfig.Database.Password, "postgres-password", config.EnvOr("POSTGRES_PASSWORD", ""), "Postgres password, can also be set via POSTGRES_PASSWORD env var.")
	fs.IntVar(&config.DefaultConfig.Database.MinPoolSize, "postgres-min-pool-size", config.EnvOrInt("DB_MIN_POOL_SIZE", 2), "Minimum idle connections in the pool, can also be set via DB_MIN_POOL_SIZE env var.")
	fs.IntVar(&config.DefaultConfig.Database.MaxPoolSize, "postgres-max-pool-size", config.EnvOrInt("DB_MAX_POOL_SIZE", 10), "Maximum open connections in the pool, can also be set via DB_MAX_POOL_SIZE env var.")
	fs.DurationVar(&config.DefaultConfig.Database.CommandTimeout, "postgres-command-timeout", time.Duration(config.EnvOrInt("DB_COMMAND_TIMEOUT", 30))*time.Second, "Per-statement timeout, can also be set via DB_COMMAND_TIMEOUT env var (seconds).")
	fs.StringVar(&config.DefaultConfig.Database.SSLMode, "postgres-sslmode", config.EnvOr("DB_SSL_MODE", "disable"), "Postgres sslmode, can also be set via DB_SSL_MODE env var.")
}
