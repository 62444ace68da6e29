package otlp

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	collectormetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	metricspb "go.opentelemetry.io/proto/otlp/metrics/v1"
	"google.golang.org/protobuf/proto"

	"github.com/nicolastakashi/otlp-metrics-pipeline/internal/metric"
)

// ErrUnsupportedMediaType is returned when the request body is not
// application/x-protobuf. Callers map it to HTTP 415.
var ErrUnsupportedMediaType = errors.New("unsupported content type")

// DecodeRequest parses an OTLP/HTTP export body into the protobuf request.
func DecodeRequest(contentType string, body []byte) (*collectormetricspb.ExportMetricsServiceRequest, error) {
	if !strings.Contains(strings.ToLower(contentType), "application/x-protobuf") {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMediaType, contentType)
	}
	req := &collectormetricspb.ExportMetricsServiceRequest{}
	if err := proto.Unmarshal(body, req); err != nil {
		return nil, fmt.Errorf("parse OTLP protobuf: %w", err)
	}
	return req, nil
}

// Flatten converts an export request into the internal point representation.
// Each data point becomes one metric.Point carrying the union of resource and
// data-point attributes, data-point attributes winning on key conflict.
func Flatten(req *collectormetricspb.ExportMetricsServiceRequest) []metric.Point {
	var points []metric.Point
	for _, rm := range req.GetResourceMetrics() {
		resourceAttrs := attributesToMap(rm.GetResource().GetAttributes())
		for _, sm := range rm.GetScopeMetrics() {
			for _, m := range sm.GetMetrics() {
				points = append(points, flattenMetric(m, resourceAttrs)...)
			}
		}
	}
	return points
}

// flattenMetric selects exactly one payload branch per metric. Order matters:
// sum, then gauge, then histogram; metrics with no known branch are skipped.
// OTLP sums become counters regardless of is_monotonic, the aggregator treats
// them as monotonic cumulative.
func flattenMetric(m *metricspb.Metric, resourceAttrs map[string]string) []metric.Point {
	switch {
	case m.GetSum() != nil:
		return numberPoints(m, m.GetSum().GetDataPoints(), metric.TypeCounter, resourceAttrs)
	case m.GetGauge() != nil:
		return numberPoints(m, m.GetGauge().GetDataPoints(), metric.TypeGauge, resourceAttrs)
	case m.GetHistogram() != nil:
		return histogramPoints(m, m.GetHistogram().GetDataPoints(), resourceAttrs)
	default:
		return nil
	}
}

func numberPoints(m *metricspb.Metric, dps []*metricspb.NumberDataPoint, typ metric.Type, resourceAttrs map[string]string) []metric.Point {
	points := make([]metric.Point, 0, len(dps))
	for _, dp := range dps {
		value := numberValue(dp)
		points = append(points, metric.Point{
			Name:          m.GetName(),
			Description:   m.GetDescription(),
			Unit:          m.GetUnit(),
			Type:          typ,
			TimestampNano: dp.GetTimeUnixNano(),
			Attributes:    mergeAttributes(resourceAttrs, dp.GetAttributes()),
			Value:         &value,
		})
	}
	return points
}

func histogramPoints(m *metricspb.Metric, dps []*metricspb.HistogramDataPoint, resourceAttrs map[string]string) []metric.Point {
	points := make([]metric.Point, 0, len(dps))
	for _, dp := range dps {
		sum := dp.GetSum()
		count := dp.GetCount()
		points = append(points, metric.Point{
			Name:           m.GetName(),
			Description:    m.GetDescription(),
			Unit:           m.GetUnit(),
			Type:           metric.TypeHistogram,
			TimestampNano:  dp.GetTimeUnixNano(),
			Attributes:     mergeAttributes(resourceAttrs, dp.GetAttributes()),
			Sum:            &sum,
			Count:          &count,
			BucketCounts:   dp.GetBucketCounts(),
			ExplicitBounds: dp.GetExplicitBounds(),
		})
	}
	return points
}

func numberValue(dp *metricspb.NumberDataPoint) float64 {
	switch v := dp.GetValue().(type) {
	case *metricspb.NumberDataPoint_AsInt:
		return float64(v.AsInt)
	case *metricspb.NumberDataPoint_AsDouble:
		return v.AsDouble
	default:
		return 0
	}
}

// mergeAttributes builds the normalised label set for one data point: resource
// attributes first, then data-point attributes on top.
func mergeAttributes(resourceAttrs map[string]string, dpAttrs []*commonpb.KeyValue) map[string]string {
	merged := make(map[string]string, len(resourceAttrs)+len(dpAttrs))
	for k, v := range resourceAttrs {
		merged[k] = v
	}
	for k, v := range attributesToMap(dpAttrs) {
		merged[k] = v
	}
	return merged
}

func attributesToMap(kvs []*commonpb.KeyValue) map[string]string {
	attrs := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		key := kv.GetKey()
		if key == "" || metric.IsReservedAttribute(key) {
			continue
		}
		value := coerceValue(kv.GetValue())
		if value == "" {
			continue
		}
		attrs[metric.NormalizeAttributeKey(key)] = value
	}
	return attrs
}

// coerceValue renders an OTLP attribute value as a label string. Composite
// values (arrays, maps, bytes) have no label representation and are dropped.
func coerceValue(v *commonpb.AnyValue) string {
	switch val := v.GetValue().(type) {
	case *commonpb.AnyValue_StringValue:
		return val.StringValue
	case *commonpb.AnyValue_BoolValue:
		if val.BoolValue {
			return "true"
		}
		return "false"
	case *commonpb.AnyValue_IntValue:
		return strconv.FormatInt(val.IntValue, 10)
	case *commonpb.AnyValue_DoubleValue:
		return strconv.FormatFloat(val.DoubleValue, 'f', -1, 64)
	default:
		return ""
	}
}
