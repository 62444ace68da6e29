package aggregator

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nicolastakashi/otlp-metrics-pipeline/internal/aggregator"
	"github.com/nicolastakashi/otlp-metrics-pipeline/internal/config"
	"github.com/nicolastakashi/otlp-metrics-pipeline/internal/store"
	"github.com/nicolastakashi/otlp-metrics-pipeline/internal/stream"
	"github.com/nicolastakashi/otlp-metrics-pipeline/internal/tracing"
)

func RegisterFlags(fs *flag.FlagSet, configFile *string) {
	fs.StringVar(configFile, "config-file", "", "Path to the configuration file, it takes precedence over the command line flags.")
	fs.DurationVar(&config.DefaultConfig.Service.WorkerShutdownTimeout, "worker-shutdown-timeout",
		time.Duration(config.EnvOrInt("WORKER_SHUTDOWN_TIMEOUT", 10))*time.Second,
		"Max time to wait for the worker to drain on shutdown, can also be set via WORKER_SHUTDOWN_TIMEOUT env var (seconds).")
	fs.StringVar(&config.DefaultConfig.Health.Host, "health-server-host", config.EnvOr("HEALTH_SERVER_HOST", "0.0.0.0"), "Host of the health/metrics HTTP server, can also be set via HEALTH_SERVER_HOST env var.")
	fs.IntVar(&config.DefaultConfig.Health.Port, "health-server-port", config.EnvOrInt("HEALTH_SERVER_PORT", 8081), "Port of the health/metrics HTTP server, can also be set via HEALTH_SERVER_PORT env var.")

	stream.RegisterFlags(fs)
	store.RegisterFlags(fs)
	config.RegisterServiceFlags(fs)
	config.RegisterMemoryLimitFlags(fs)
}

func Run() error {
	cfg := config.DefaultConfig
	if cfg.Redis.StreamName == "" {
		return fmt.Errorf("redis stream name is required (REDIS_STREAM_NAME)")
	}
	if cfg.Redis.ConsumerGroup == "" {
		return fmt.Errorf("redis consumer group is required (REDIS_CONSUMER_GROUP)")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	client, err := stream.NewRedisClient(cfg.Redis)
	if err != nil {
		return fmt.Errorf("create redis client: %w", err)
	}
	defer client.Close()

	pg, err := store.NewPostgres(context.Background())
	if err != nil {
		return fmt.Errorf("connect to store: %w", err)
	}
	defer func() {
		if err := pg.Close(); err != nil {
			slog.Error("aggregator.store.close_failed", "err", err)
		}
	}()

	consumer := stream.NewConsumer(client, cfg.Redis.StreamName, cfg.Redis.ConsumerGroup, cfg.Redis.ConsumerName)
	worker := aggregator.NewWorker(reg, consumer, pg)

	var g run.Group

	if cfg.IsTracingEnabled() {
		tp, err := tracing.WithTracing(context.Background(), slog.Default())
		if err != nil {
			return fmt.Errorf("setup tracing: %w", err)
		}
		defer func() {
			if err := tp.Shutdown(context.Background()); err != nil {
				slog.Error("aggregator.tracing.shutdown_failed", "err", err)
			}
		}()
	}

	// Worker loop. On interrupt the loop gets worker_shutdown_timeout to
	// finish its current batch before the process moves on.
	{
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		g.Add(func() error {
			defer close(done)
			return worker.Run(ctx)
		}, func(error) {
			cancel()
			select {
			case <-done:
			case <-time.After(cfg.Service.WorkerShutdownTimeout):
				slog.Warn("aggregator.worker.shutdown_timeout", "timeout", cfg.Service.WorkerShutdownTimeout)
			}
		})
	}

	// Health and metrics HTTP server.
	{
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		mux.HandleFunc("/livez", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
			if !worker.Ready() {
				http.Error(w, "not ready", http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})

		srv := &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Health.Host, cfg.Health.Port),
			Handler:      mux,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		g.Add(func() error {
			slog.Info("aggregator.health.started", "address", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		}, func(error) {
			c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(c)
		})
	}

	g.Add(run.SignalHandler(context.Background(), syscall.SIGINT, syscall.SIGTERM))

	return g.Run()
}
