package collector

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	collectormetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"

	"github.com/nicolastakashi/otlp-metrics-pipeline/internal/metric"
	"github.com/nicolastakashi/otlp-metrics-pipeline/internal/otlp"
	"github.com/nicolastakashi/otlp-metrics-pipeline/internal/stream"
)

// maxBodyBytes caps an OTLP export body, matching the gRPC message limit.
const maxBodyBytes = 64 * 1024 * 1024

// publisher is the slice of stream.Publisher the ingest paths need; narrowed
// for tests.
type publisher interface {
	Send(ctx context.Context, point metric.Point, traceID string) error
}

// Handler is the OTLP/HTTP ingestion surface.
type Handler struct {
	mux       *http.ServeMux
	publisher publisher

	requestsTotal  *prometheus.CounterVec
	pointsReceived prometheus.Counter
	pointsInvalid  prometheus.Counter
}

func NewHandler(registry *prometheus.Registry, pub publisher) *Handler {
	h := &Handler{
		publisher: pub,
		requestsTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "collector_export_requests_total",
			Help: "Total number of OTLP export requests received, by status code",
		}, []string{"code"}),
		pointsReceived: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "collector_points_received_total",
			Help: "Total number of metric points decoded from export requests",
		}),
		pointsInvalid: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "collector_points_invalid_total",
			Help: "Total number of decoded points dropped for violating invariants",
		}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/metrics", h.export)
	mux.HandleFunc("/health", h.health)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	h.mux = mux
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h.mux.ServeHTTP(w, req)
}

func (h *Handler) export(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		h.fail(w, http.StatusMethodNotAllowed, "only POST is accepted")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, maxBodyBytes))
	if err != nil {
		h.fail(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	exportReq, err := otlp.DecodeRequest(req.Header.Get("Content-Type"), body)
	if err != nil {
		if errors.Is(err, otlp.ErrUnsupportedMediaType) {
			h.fail(w, http.StatusUnsupportedMediaType, err.Error())
			return
		}
		slog.Warn("collector.export.undecodable", "err", err)
		h.fail(w, http.StatusBadRequest, err.Error())
		return
	}

	received, err := h.publishRequest(req.Context(), exportReq)
	if err != nil {
		slog.Error("collector.export.publish_failed", "err", err)
		h.fail(w, http.StatusInternalServerError, "failed to enqueue metrics")
		return
	}

	h.requestsTotal.WithLabelValues("200").Inc()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]int{"received": received})
}

// publishRequest flattens the export and appends every valid point to the
// stream under one shared trace id. Points violating their own invariants
// are counted and skipped, they can never be persisted.
func (h *Handler) publishRequest(ctx context.Context, exportReq *collectormetricspb.ExportMetricsServiceRequest) (int, error) {
	points := otlp.Flatten(exportReq)
	h.pointsReceived.Add(float64(len(points)))

	traceID := stream.NewTraceID()
	received := 0
	for _, point := range points {
		if err := point.Validate(); err != nil {
			h.pointsInvalid.Inc()
			slog.Warn("collector.point.invalid", "err", err, "metric", point.Name, "trace_id", traceID)
			continue
		}
		if err := h.publisher.Send(ctx, point, traceID); err != nil {
			return received, err
		}
		received++
	}
	return received, nil
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (h *Handler) fail(w http.ResponseWriter, status int, message string) {
	h.requestsTotal.WithLabelValues(strconv.Itoa(status)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
