package routes

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/metalmatze/signal/server/signalhttp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/nicolastakashi/otlp-metrics-pipeline/api/models"
	"github.com/nicolastakashi/otlp-metrics-pipeline/internal/config"
	"github.com/nicolastakashi/otlp-metrics-pipeline/internal/promql"
	"github.com/nicolastakashi/otlp-metrics-pipeline/internal/query"
	"github.com/nicolastakashi/otlp-metrics-pipeline/internal/store"
)

const (
	defaultStepSeconds = 15

	// expositionLookback bounds the /metrics scrape window.
	expositionLookback = 5 * time.Minute
)

type routes struct {
	handler http.Handler
	mux     *http.ServeMux

	store  store.Store
	engine *query.Engine
}

type Option func(*routes)

func WithStore(s store.Store) Option {
	return func(r *routes) {
		r.store = s
		r.engine = query.NewEngine(s)
	}
}

func WithHandlers(registry *prometheus.Registry) Option {
	return func(r *routes) {
		i := signalhttp.NewHandlerInstrumenter(registry, []string{"handler"})
		mux := http.NewServeMux()
		mux.Handle("/api/v1/query", i.NewHandler(
			prometheus.Labels{"handler": "query"},
			otelhttp.NewHandler(http.HandlerFunc(r.query), "/api/v1/query"),
		))
		mux.Handle("/api/v1/query_range", i.NewHandler(
			prometheus.Labels{"handler": "query_range"},
			otelhttp.NewHandler(http.HandlerFunc(r.queryRange), "/api/v1/query_range"),
		))
		mux.Handle("/api/v1/series", http.HandlerFunc(r.series))
		mux.Handle("/api/v1/labels", http.HandlerFunc(r.labelNames))
		mux.Handle("/api/v1/label/{name}/values", http.HandlerFunc(r.labelValues))
		mux.Handle("/api/v1/status/buildinfo", http.HandlerFunc(r.buildInfo))
		mux.Handle("/metrics", http.HandlerFunc(r.exposition))
		r.mux = mux
	}
}

func NewRoutes(opts ...Option) (*routes, error) {
	r := &routes{
		mux: http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.store == nil {
		return nil, fmt.Errorf("routes require a store")
	}
	return r, nil
}

func (r *routes) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *routes) query(w http.ResponseWriter, req *http.Request) {
	expr := req.FormValue("query")
	if expr == "" {
		writeError(w, http.StatusBadRequest, "bad_data", "missing query parameter")
		return
	}

	ts := float64(time.Now().Unix())
	if timeParam := req.FormValue("time"); timeParam != "" {
		parsed, err := strconv.ParseFloat(timeParam, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_data", fmt.Sprintf("invalid time parameter %q", timeParam))
			return
		}
		ts = parsed
	}

	results, err := r.engine.Instant(req.Context(), expr, ts)
	if err != nil {
		writeQueryError(w, expr, err)
		return
	}

	vector := make([]models.VectorResult, 0, len(results))
	for _, res := range results {
		if len(res.Points) == 0 {
			continue
		}
		p := res.Points[len(res.Points)-1]
		vector = append(vector, models.VectorResult{
			Metric: res.Labels,
			Value:  models.SamplePair{Ts: p.Ts, Value: p.Value},
		})
	}
	writeJSON(w, http.StatusOK, models.NewVectorEnvelope(vector))
}

func (r *routes) queryRange(w http.ResponseWriter, req *http.Request) {
	expr := req.FormValue("query")
	if expr == "" {
		writeError(w, http.StatusBadRequest, "bad_data", "missing query parameter")
		return
	}

	start, err := requiredFloat(req, "start")
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_data", err.Error())
		return
	}
	end, err := requiredFloat(req, "end")
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_data", err.Error())
		return
	}
	if end < start {
		writeError(w, http.StatusBadRequest, "bad_data", "end must not be before start")
		return
	}

	step := int64(defaultStepSeconds)
	if stepParam := req.FormValue("step"); stepParam != "" {
		parsed, err := strconv.ParseFloat(stepParam, 64)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "bad_data", fmt.Sprintf("invalid step parameter %q, expected a number >= 1", stepParam))
			return
		}
		step = int64(parsed)
	}

	results, err := r.engine.Range(req.Context(), expr, start, end, step)
	if err != nil {
		writeQueryError(w, expr, err)
		return
	}

	matrix := make([]models.MatrixResult, 0, len(results))
	for _, res := range results {
		values := make([]models.SamplePair, 0, len(res.Points))
		for _, p := range res.Points {
			values = append(values, models.SamplePair{Ts: p.Ts, Value: p.Value})
		}
		matrix = append(matrix, models.MatrixResult{Metric: res.Labels, Values: values})
	}
	writeJSON(w, http.StatusOK, models.NewMatrixEnvelope(matrix))
}

func (r *routes) series(w http.ResponseWriter, req *http.Request) {
	if err := req.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "bad_data", "invalid form body")
		return
	}
	matchers := req.Form["match[]"]
	if len(matchers) == 0 {
		writeError(w, http.StatusBadRequest, "bad_data", "no match[] parameter provided")
		return
	}

	seen := map[string]bool{}
	out := []map[string]string{}
	for _, matcher := range matchers {
		parsed, err := promql.Parse(matcher)
		if err != nil {
			writeQueryError(w, matcher, err)
			return
		}
		if parsed.IsScalar() {
			writeError(w, http.StatusBadRequest, "bad_data", fmt.Sprintf("invalid series matcher %q", matcher))
			return
		}
		series, err := r.store.FetchSeries(req.Context(), parsed.MetricName, parsed.Labels)
		if err != nil {
			slog.Error("api.series.failed", "err", err, "matcher", matcher)
			writeError(w, http.StatusInternalServerError, "internal", "failed to fetch series")
			return
		}
		for _, s := range series {
			labels := map[string]string{"__name__": s.Name}
			for k, v := range s.Attributes {
				labels[k] = v
			}
			key, _ := json.Marshal(labels)
			if seen[string(key)] {
				continue
			}
			seen[string(key)] = true
			out = append(out, labels)
		}
	}
	writeJSON(w, http.StatusOK, models.NewSeriesEnvelope(out))
}

func (r *routes) labelNames(w http.ResponseWriter, req *http.Request) {
	names, err := r.store.FetchLabelNames(req.Context())
	if err != nil {
		slog.Error("api.labels.failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to fetch label names")
		return
	}
	writeJSON(w, http.StatusOK, models.NewStringsEnvelope(names))
}

func (r *routes) labelValues(w http.ResponseWriter, req *http.Request) {
	name := req.PathValue("name")
	values, err := r.store.FetchLabelValues(req.Context(), name)
	if err != nil {
		slog.Error("api.label_values.failed", "err", err, "label", name)
		writeError(w, http.StatusInternalServerError, "internal", "failed to fetch label values")
		return
	}
	writeJSON(w, http.StatusOK, models.NewStringsEnvelope(values))
}

func (r *routes) buildInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, models.Envelope{
		Status: models.StatusSuccess,
		Data: models.BuildInfo{
			Version:   config.DefaultConfig.Service.Version,
			Revision:  "unknown",
			Branch:    "main",
			BuildUser: "unknown",
			BuildDate: "unknown",
			GoVersion: "unknown",
		},
	})
}

func (r *routes) exposition(w http.ResponseWriter, req *http.Request) {
	metrics, err := r.store.FetchAllRecent(req.Context(), expositionLookback)
	if err != nil {
		slog.Error("api.exposition.failed", "err", err)
		http.Error(w, "failed to fetch metrics", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	_, _ = w.Write([]byte(query.FormatExposition(metrics)))
}

func requiredFloat(req *http.Request, param string) (float64, error) {
	raw := req.FormValue(param)
	if raw == "" {
		return 0, fmt.Errorf("missing %s parameter", param)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s parameter %q", param, raw)
	}
	return v, nil
}

// writeQueryError maps evaluation failures to the Prometheus error envelope:
// user errors are bad_data, everything else is internal.
func writeQueryError(w http.ResponseWriter, expr string, err error) {
	var parseErr *promql.ParseError
	if errors.As(err, &parseErr) {
		slog.Warn("api.query.invalid", "err", err, "query", expr)
		writeError(w, http.StatusBadRequest, "bad_data", parseErr.Error())
		return
	}
	if errors.Is(err, query.ErrScalarInRange) {
		writeError(w, http.StatusBadRequest, "bad_data", err.Error())
		return
	}
	slog.Error("api.query.failed", "err", err, "query", expr)
	writeError(w, http.StatusInternalServerError, "internal", "query execution failed")
}

func writeError(w http.ResponseWriter, status int, errorType, message string) {
	writeJSON(w, status, models.NewErrorResponse(errorType, message))
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("api.response.encode_failed", "err", err)
	}
}

// MetricsHandler exposes the API service's own registry, served on the
// optional metrics listener.
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
