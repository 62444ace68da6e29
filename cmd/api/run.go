package api

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/cors"

	"github.com/nicolastakashi/otlp-metrics-pipeline/api/routes"
	"github.com/nicolastakashi/otlp-metrics-pipeline/internal/config"
	"github.com/nicolastakashi/otlp-metrics-pipeline/internal/store"
	"github.com/nicolastakashi/otlp-metrics-pipeline/internal/tracing"
)

func RegisterFlags(fs *flag.FlagSet, configFile *string) {
	fs.StringVar(configFile, "config-file", "", "Path to the configuration file, it takes precedence over the command line flags.")
	fs.StringVar(&config.DefaultConfig.API.ListenAddress, "api-listen-address",
		fmt.Sprintf("%s:%d", config.EnvOr("API_HOST", "0.0.0.0"), config.EnvOrInt("API_PORT", 9090)),
		"The address the query API server listens on, can also be set via API_HOST and API_PORT env vars.")
	fs.StringVar(&config.DefaultConfig.API.MetricsListenAddress, "api-metrics-listen-address", "", "Optional address to expose the API service's own metrics; empty disables the listener.")

	store.RegisterFlags(fs)
	config.RegisterServiceFlags(fs)
	config.RegisterMemoryLimitFlags(fs)
}

func Run() error {
	cfg := config.DefaultConfig

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	pg, err := store.NewPostgres(context.Background())
	if err != nil {
		return fmt.Errorf("connect to store: %w", err)
	}
	defer func() {
		if err := pg.Close(); err != nil {
			slog.Error("api.store.close_failed", "err", err)
		}
	}()

	var g run.Group

	if cfg.IsTracingEnabled() {
		tp, err := tracing.WithTracing(context.Background(), slog.Default())
		if err != nil {
			return fmt.Errorf("setup tracing: %w", err)
		}
		defer func() {
			if err := tp.Shutdown(context.Background()); err != nil {
				slog.Error("api.tracing.shutdown_failed", "err", err)
			}
		}()
	}

	{
		routesHandler, err := routes.NewRoutes(
			routes.WithStore(pg),
			routes.WithHandlers(reg),
		)
		if err != nil {
			return fmt.Errorf("create routes: %w", err)
		}

		corsHandler := cors.New(cors.Options{
			AllowedOrigins:   cfg.CORS.AllowedOrigins,
			AllowedMethods:   cfg.CORS.AllowedMethods,
			AllowedHeaders:   cfg.CORS.AllowedHeaders,
			AllowCredentials: cfg.CORS.AllowCredentials,
			MaxAge:           cfg.CORS.MaxAge,
		}).Handler(routesHandler)

		l, err := net.Listen("tcp", cfg.API.ListenAddress)
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		srv := &http.Server{
			Handler:      corsHandler,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		g.Add(func() error {
			slog.Info("api.http.started", "address", l.Addr().String())
			if err := srv.Serve(l); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		}, func(error) {
			c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(c)
		})
	}

	if addr := cfg.API.MetricsListenAddress; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", routes.MetricsHandler(reg))
		srv := &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		g.Add(func() error {
			slog.Info("api.metrics.exposing", "address", addr)
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
