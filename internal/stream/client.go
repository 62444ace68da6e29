package stream

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/redis/rueidis"

	"github.com/nicolastakashi/otlp-metrics-pipeline/internal/config"
)

// RegisterFlags wires the REDIS_* environment keys as flag defaults.
func RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&config.DefaultConfig.Redis.Host, "redis-host", config.EnvOr("REDIS_HOST", "localhost"), "Redis host, can also be set via REDIS_HOST env var.")
	fs.IntVar(&config.DefaultConfig.Redis.Port, "redis-port", config.EnvOrInt("REDIS_PORT", 6379), "Redis port, can also be set via REDIS_PORT env var.")
	fs.IntVar(&config.DefaultConfig.Redis.DB, "redis-db", config.EnvOrInt("REDIS_DB", 0), "Redis logical database, can also be set via REDIS_DB env var.")
	fs.StringVar(&config.DefaultConfig.Redis.Password, "redis-password", os.Getenv("REDIS_PASSWORD"), "Redis password, can also be set via REDIS_PASSWORD env var.")
	fs.StringVar(&config.DefaultConfig.Redis.StreamName, "redis-stream-name", config.EnvOr("REDIS_STREAM_NAME", "metrics"), "Stream the collector appends to and the aggregator consumes from, can also be set via REDIS_STREAM_NAME env var.")
	fs.StringVar(&config.DefaultConfig.Redis.ConsumerGroup, "redis-consumer-group", config.EnvOr("REDIS_CONSUMER_GROUP", "aggregator"), "Consumer group name, can also be set via REDIS_CONSUMER_GROUP env var.")
	fs.StringVar(&config.DefaultConfig.Redis.ConsumerName, "redis-consumer-name", config.EnvOr("REDIS_CONSUMER_NAME", DefaultConsumerName()), "Per-instance consumer name, can also be set via REDIS_CONSUMER_NAME env var.")
	fs.DurationVar(&config.DefaultConfig.Redis.BlockTime, "redis-block", config.EnvOrDurationMS("REDIS_BLOCK_MS", 5*time.Second), "Max time a stream read blocks waiting for new entries, can also be set via REDIS_BLOCK_MS env var (milliseconds).")
	fs.IntVar(&config.DefaultConfig.Redis.BatchSize, "redis-batch-size", config.EnvOrInt("REDIS_BATCH_SIZE", 100), "Max entries per stream read, can also be set via REDIS_BATCH_SIZE env var.")
	fs.DurationVar(&config.DefaultConfig.Redis.PendingIdle, "redis-pending-idle", config.EnvOrDurationMS("REDIS_PENDING_IDLE_MS", time.Minute), "Idle time after which pending entries are claimed from other consumers, can also be set via REDIS_PENDING_IDLE_MS env var (milliseconds).")
}

// NewRedisClient builds a rueidis client from the Redis section of the config.
func NewRedisClient(cfg config.RedisConfig) (rueidis.Client, error) {
	opts := rueidis.ClientOption{
		InitAddress: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.DB > 0 {
		opts.SelectDB = cfg.DB
	}

	client, err := rueidis.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create redis client: %w", err)
	}
	return client, nil
}

// DefaultConsumerName generates the per-instance consumer name used when
// REDIS_CONSUMER_NAME is not set.
func DefaultConsumerName() string {
	return "agg-" + randomHex(4)
}

// NewTraceID generates a random correlation id for one ingest request.
func NewTraceID() string {
	return randomHex(16)
}

func randomHex(nbytes int) string {
	b := make([]byte, nbytes)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failing means the process is in much deeper trouble;
		// a constant id keeps ingest alive.
		return "00000000"
	}
	return hex.EncodeToString(b)
}

// isTransientStreamErr reports whether an error came from the transport
// rather than from a Redis reply. Transport failures (connection refused,
// timeouts, closed client) are buffered and retried; server replies are not.
func isTransientStreamErr(err error) bool {
	if err == nil {
		return false
	}
	if rueidis.IsRedisNil(err) {
		return false
	}
	if _, ok := rueidis.IsRedisErr(err); ok {
		return false
	}
	return true
}
