package tracing

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/thanos-io/thanos/pkg/tracing/otlp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace"
	"gopkg.in/yaml.v3"

	"github.com/nicolastakashi/otlp-metrics-pipeline/internal/config"
)

type kitLogger struct {
	logger *slog.Logger
}

func newKitLogger(logger *slog.Logger) *kitLogger {
	return &kitLogger{logger: logger}
}

func (kl *kitLogger) Log(keyvals ...interface{}) error {
	kl.logger.Log(context.Background(), slog.LevelInfo, "", keyvals...)
	return nil
}

// WithTracing builds an OTLP tracer provider from the tracing section of the
// config and installs it as the global provider.
func WithTracing(ctx context.Context, logger *slog.Logger) (*trace.TracerProvider, error) {
	f, err := yaml.Marshal(config.DefaultConfig.Tracing)
	if err != nil {
		return nil, fmt.Errorf("unable to marshal tracing config: %w", err)
	}

	tp, err := otlp.NewTracerProvider(ctx, newKitLogger(logger), f)
	otel.SetTracerProvider(tp)
	return tp, err
}
