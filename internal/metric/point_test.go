package metric

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func f64(v float64) *float64 { return &v }
func u64(v uint64) *uint64   { return &v }

func TestPointValidate(t *testing.T) {
	tests := []struct {
		name    string
		point   Point
		wantErr string
	}{
		{
			name:  "valid counter",
			point: Point{Name: "requests_total", Type: TypeCounter, TimestampNano: 1, Value: f64(1)},
		},
		{
			name:  "valid gauge",
			point: Point{Name: "mem_usage", Type: TypeGauge, TimestampNano: 1, Value: f64(0.5)},
		},
		{
			name: "valid histogram",
			point: Point{
				Name: "latency", Type: TypeHistogram, TimestampNano: 1,
				Sum: f64(12.5), Count: u64(6),
				BucketCounts:   []uint64{2, 3, 1},
				ExplicitBounds: []float64{1, 5},
			},
		},
		{
			name:    "empty name",
			point:   Point{Type: TypeGauge, TimestampNano: 1, Value: f64(1)},
			wantErr: "empty name",
		},
		{
			name:    "zero timestamp",
			point:   Point{Name: "x", Type: TypeGauge, Value: f64(1)},
			wantErr: "zero timestamp",
		},
		{
			name:    "counter without value",
			point:   Point{Name: "x", Type: TypeCounter, TimestampNano: 1},
			wantErr: "without value",
		},
		{
			name: "histogram bucket count mismatch",
			point: Point{
				Name: "x", Type: TypeHistogram, TimestampNano: 1,
				Sum: f64(1), Count: u64(3),
				BucketCounts:   []uint64{1, 2},
				ExplicitBounds: []float64{1, 5},
			},
			wantErr: "bucket counts",
		},
		{
			name: "histogram count does not sum",
			point: Point{
				Name: "x", Type: TypeHistogram, TimestampNano: 1,
				Sum: f64(1), Count: u64(7),
				BucketCounts:   []uint64{2, 3, 1},
				ExplicitBounds: []float64{1, 5},
			},
			wantErr: "sum to",
		},
		{
			name: "histogram bounds not ascending",
			point: Point{
				Name: "x", Type: TypeHistogram, TimestampNano: 1,
				Sum: f64(1), Count: u64(6),
				BucketCounts:   []uint64{2, 3, 1},
				ExplicitBounds: []float64{5, 1},
			},
			wantErr: "ascending",
		},
		{
			name:    "unknown type",
			point:   Point{Name: "x", Type: "summary", TimestampNano: 1},
			wantErr: "unknown type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.point.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestIsReservedAttribute(t *testing.T) {
	assert.True(t, IsReservedAttribute("telemetry.sdk.language"))
	assert.True(t, IsReservedAttribute("otel.scope.name"))
	assert.True(t, IsReservedAttribute("otel.library.version"))
	assert.False(t, IsReservedAttribute("service.name"))
	assert.False(t, IsReservedAttribute("host"))
}

func TestNormalizeAttributeKey(t *testing.T) {
	assert.Equal(t, "service_name", NormalizeAttributeKey("service.name"))
	assert.Equal(t, "http_status_code", NormalizeAttributeKey("http.status.code"))
	assert.Equal(t, "plain", NormalizeAttributeKey("plain"))
}
