package metric

import (
	"fmt"
	"strings"
)

// Type is the kind of a metric series.
type Type string

const (
	TypeCounter   Type = "counter"
	TypeGauge     Type = "gauge"
	TypeHistogram Type = "histogram"
)

// reservedAttributePrefixes are attribute keys that carry SDK plumbing rather
// than user labels and are dropped during normalisation.
var reservedAttributePrefixes = []string{
	"telemetry.sdk.",
	"otel.scope.",
	"otel.library.",
}

// Point is the in-flight representation of a single metric sample. It is
// produced by the OTLP decoder, serialized as JSON into the stream entry's
// "data" field, and reconstructed by the aggregator.
type Point struct {
	Name          string            `json:"name"`
	Description   string            `json:"description"`
	Unit          string            `json:"unit"`
	Type          Type              `json:"type"`
	TimestampNano uint64            `json:"timestamp_nano"`
	Attributes    map[string]string `json:"attributes"`

	// Counter and gauge payload.
	Value *float64 `json:"value,omitempty"`

	// Histogram payload. BucketCounts has one entry more than ExplicitBounds,
	// the final bucket being the +Inf overflow.
	Sum            *float64  `json:"sum,omitempty"`
	Count          *uint64   `json:"count,omitempty"`
	BucketCounts   []uint64  `json:"bucket_counts,omitempty"`
	ExplicitBounds []float64 `json:"explicit_bounds,omitempty"`

	// TraceID correlates a point with the ingest request that produced it.
	// Merged in by the stream publisher before serialization.
	TraceID string `json:"trace_id,omitempty"`
}

// Validate checks the structural invariants of a point. The store facade
// performs the same checks before writing, so a point that validates here is
// persistable.
func (p *Point) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("metric point: empty name")
	}
	if p.TimestampNano == 0 {
		return fmt.Errorf("metric point %q: zero timestamp", p.Name)
	}
	switch p.Type {
	case TypeCounter, TypeGauge:
		if p.Value == nil {
			return fmt.Errorf("metric point %q: %s without value", p.Name, p.Type)
		}
	case TypeHistogram:
		if p.Sum == nil || p.Count == nil || p.BucketCounts == nil {
			return fmt.Errorf("metric point %q: histogram missing sum, count or bucket_counts", p.Name)
		}
		if len(p.BucketCounts) != len(p.ExplicitBounds)+1 {
			return fmt.Errorf("metric point %q: %d bucket counts for %d bounds", p.Name, len(p.BucketCounts), len(p.ExplicitBounds))
		}
		var total uint64
		for _, c := range p.BucketCounts {
			total += c
		}
		if total != *p.Count {
			return fmt.Errorf("metric point %q: bucket counts sum to %d, count is %d", p.Name, total, *p.Count)
		}
		for i := 1; i < len(p.ExplicitBounds); i++ {
			if p.ExplicitBounds[i] <= p.ExplicitBounds[i-1] {
				return fmt.Errorf("metric point %q: explicit bounds not strictly ascending", p.Name)
			}
		}
	default:
		return fmt.Errorf("metric point %q: unknown type %q", p.Name, p.Type)
	}
	return nil
}

// IsReservedAttribute reports whether an attribute key belongs to an SDK
// namespace that is stripped from ingested points.
func IsReservedAttribute(key string) bool {
	for _, prefix := range reservedAttributePrefixes {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}

// NormalizeAttributeKey rewrites an OTLP attribute key into a Prometheus
// compatible label name.
func NormalizeAttributeKey(key string) string {
	return strings.ReplaceAll(key, ".", "_")
}
