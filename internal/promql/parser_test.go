package promql

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseScalars(t *testing.T) {
	tests := []struct {
		query string
		want  string
	}{
		{"up", "1"},
		{"1", "1"},
		{"1+1", "2"},
		{"  up  ", "1"},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			q, err := Parse(tt.query)
			require.NoError(t, err)
			assert.True(t, q.IsScalar())
			assert.Equal(t, tt.want, q.ScalarValue)
		})
	}
}

func TestParseSelector(t *testing.T) {
	q, err := Parse(`http_requests_total{job="api", instance="a:9090"}`)
	require.NoError(t, err)
	assert.Equal(t, "http_requests_total", q.MetricName)
	assert.Equal(t, FuncRaw, q.Function)
	assert.Equal(t, map[string]string{"job": "api", "instance": "a:9090"}, q.Labels)
	assert.Nil(t, q.Range)
	assert.Empty(t, q.Aggregation)
}

func TestParseRoundTrip(t *testing.T) {
	q, err := Parse(`sum(rate(x[5m])) by (a,b)`)
	require.NoError(t, err)
	assert.Equal(t, "x", q.MetricName)
	assert.Equal(t, FuncRate, q.Function)
	require.NotNil(t, q.Range)
	assert.Equal(t, 5.0, q.Range.Value)
	assert.Equal(t, "m", q.Range.Unit)
	assert.Equal(t, 300.0, q.Range.Seconds())
	assert.Equal(t, "sum", q.Aggregation)
	assert.Equal(t, []string{"a", "b"}, q.ByLabels)
}

func TestParseRangeUnits(t *testing.T) {
	tests := []struct {
		query string
		want  float64
	}{
		{"rate(x[30s])", 30},
		{"rate(x[5m])", 300},
		{"rate(x[2h])", 7200},
		{"rate(x[1d])", 86400},
		{"rate(x[1w])", 604800},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			q, err := Parse(tt.query)
			require.NoError(t, err)
			require.NotNil(t, q.Range)
			assert.Equal(t, tt.want, q.Range.Seconds())
		})
	}
}

func TestParseIncreaseWithoutRange(t *testing.T) {
	q, err := Parse(`increase(http_requests_total{job="api"})`)
	require.NoError(t, err)
	assert.Equal(t, FuncIncrease, q.Function)
	assert.Nil(t, q.Range)
}

func TestParseNameLabel(t *testing.T) {
	q, err := Parse(`{__name__="http_requests_total", job="api"}`)
	require.NoError(t, err)
	assert.Equal(t, "http_requests_total", q.MetricName)
	assert.Equal(t, map[string]string{"job": "api"}, q.Labels)

	// Same name in both places is accepted.
	q, err = Parse(`http_requests_total{__name__="http_requests_total"}`)
	require.NoError(t, err)
	assert.Equal(t, "http_requests_total", q.MetricName)

	_, err = Parse(`other_metric{__name__="http_requests_total"}`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "conflicts")
}

func TestParseEscapedLabelValues(t *testing.T) {
	q, err := Parse(`m{path="/a\"b\\c\nd"}`)
	require.NoError(t, err)
	assert.Equal(t, "/a\"b\\c\nd", q.Labels["path"])
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name  string
		query string
	}{
		{"empty", ""},
		{"bad metric name", `0bad{}`},
		{"bad label name", `m{0bad="x"}`},
		{"unterminated value", `m{l="x`},
		{"missing quotes", `m{l=x}`},
		{"bad range unit", `rate(x[5y])`},
		{"missing close paren", `rate(x[5m]`},
		{"trailing garbage", `m{} extra`},
		{"by without aggregation", `rate(x[5m]) by (a)`},
		{"empty by clause", `sum(x) by ()`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.query)
			require.Error(t, err)
			var parseErr *ParseError
			require.ErrorAs(t, err, &parseErr)
			assert.Equal(t, tt.query, parseErr.Query)
		})
	}
}

func TestParseErrorPosition(t *testing.T) {
	_, err := Parse(`m{l=x}`)
	var parseErr *ParseError
	require.ErrorAs(t, err, &parseErr)
	assert.GreaterOrEqual(t, parseErr.Pos, 0)
	assert.Contains(t, parseErr.Error(), "position")
}

func TestParseAggregationOnly(t *testing.T) {
	q, err := Parse(`avg(mem_usage{host="a"})`)
	require.NoError(t, err)
	assert.Equal(t, "avg", q.Aggregation)
	assert.Equal(t, FuncRaw, q.Function)
	assert.Equal(t, "mem_usage", q.MetricName)
}
