package collector

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

	"github.com/nicolastakashi/otlp-metrics-pipeline/internal/collector"
	"github.com/nicolastakashi/otlp-metrics-pipeline/internal/config"
	"github.com/nicolastakashi/otlp-metrics-pipeline/internal/stream"
	"github.com/nicolastakashi/otlp-metrics-pipeline/internal/tracing"
)

func RegisterFlags(fs *flag.FlagSet, configFile *string) {
	fs.StringVar(configFile, "config-file", "", "Path to the configuration file, it takes precedence over the command line flags.")
	fs.StringVar(&config.DefaultConfig.Collector.ListenAddress, "collector-listen-address", ":4318", "The address the OTLP HTTP ingest server listens on.")
	fs.StringVar(&config.DefaultConfig.Collector.GRPCListenAddress, "collector-grpc-listen-address", "", "The address the OTLP gRPC ingest server listens on; empty disables gRPC ingest.")
	fs.IntVar(&config.DefaultConfig.Collector.BufferSize, "collector-buffer-size", 1000, "Max entries held in the overflow buffer while the stream is unreachable.")

	stream.RegisterFlags(fs)
	config.RegisterServiceFlags(fs)
	config.RegisterMemoryLimitFlags(fs)
}

func Run() error {
	if config.DefaultConfig.Redis.StreamName == "" {
		return fmt.Errorf("redis stream name is required (REDIS_STREAM_NAME)")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	client, err := stream.NewRedisClient(config.DefaultConfig.Redis)
	if err != nil {
		return fmt.Errorf("create redis client: %w", err)
	}
	defer client.Close()

	publisher := stream.NewPublisher(reg, client, config.DefaultConfig.Redis.StreamName, config.DefaultConfig.Collector.BufferSize)
	handler := collector.NewHandler(reg, publisher)

	var g run.Group

	if config.DefaultConfig.IsTracingEnabled() {
		tp, err := tracing.WithTracing(context.Background(), slog.Default())
		if err != nil {
			return fmt.Errorf("setup tracing: %w", err)
		}
		defer func() {
			if err := tp.Shutdown(context.Background()); err != nil {
				slog.Error("collector.tracing.shutdown_failed", "err", err)
			}
		}()
	}

	{
		srv := &http.Server{
			Addr:         config.DefaultConfig.Collector.ListenAddress,
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		g.Add(func() error {
			slog.Info("collector.http.started", "address", srv.Addr)
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

	if addr := config.DefaultConfig.Collector.GRPCListenAddress; addr != "" {
		grpcSrv := collector.NewGRPCServer(addr, publisher)
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			return grpcSrv.Run(ctx)
		}, func(error) {
			cancel()
		})
	}

	g.Add(run.SignalHandler(context.Background(), syscall.SIGINT, syscall.SIGTERM))

	return g.Run()
}
