package query

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicolastakashi/otlp-metrics-pipeline/internal/metric"
	"github.com/nicolastakashi/otlp-metrics-pipeline/internal/promql"
	"github.com/nicolastakashi/otlp-metrics-pipeline/internal/store"
)

// fakeStore serves canned data to the evaluator.
type fakeStore struct {
	store.Store

	metricType metric.Type
	typeErr    error
	instant    []store.Sample
	gauge      []store.Sample
	counterRaw []store.CounterSeries

	counterRawStart float64
	counterRawEnd   float64
}

func (f *fakeStore) MetricType(context.Context, string, map[string]string) (metric.Type, error) {
	if f.typeErr != nil {
		return "", f.typeErr
	}
	return f.metricType, nil
}

func (f *fakeStore) FetchInstant(context.Context, string, map[string]string, float64) ([]store.Sample, error) {
	return f.instant, nil
}

func (f *fakeStore) FetchGaugeAggregated(context.Context, string, map[string]string, float64, float64, time.Duration) ([]store.Sample, error) {
	return f.gauge, nil
}

func (f *fakeStore) FetchCounterRaw(_ context.Context, _ string, _ map[string]string, start, end float64) ([]store.CounterSeries, error) {
	f.counterRawStart = start
	f.counterRawEnd = end
	return f.counterRaw, nil
}

func at(sec float64) time.Time {
	return time.Unix(0, int64(sec*1e9)).UTC()
}

func TestInstantScalar(t *testing.T) {
	e := NewEngine(&fakeStore{})
	results, err := e.Instant(context.Background(), "up", 1700000000)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, map[string]string{"__name__": "up"}, results[0].Labels)
	require.Len(t, results[0].Points, 1)
	assert.Equal(t, 1700000000.0, results[0].Points[0].Ts)
	assert.Equal(t, 1.0, results[0].Points[0].Value)
}

func TestInstantUpSelector(t *testing.T) {
	e := NewEngine(&fakeStore{})
	results, err := e.Instant(context.Background(), `up{job="api"}`, 100)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "up", results[0].Labels["__name__"])
	assert.Equal(t, "api", results[0].Labels["job"])
	assert.Equal(t, 1.0, results[0].Points[0].Value)
}

func TestInstantRawUsesObservedTimestamps(t *testing.T) {
	fs := &fakeStore{instant: []store.Sample{
		{Name: "mem", Attributes: map[string]string{"host": "a"}, Value: 2, Time: at(42)},
	}}
	e := NewEngine(fs)

	results, err := e.Instant(context.Background(), "mem", 100)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 42.0, results[0].Points[0].Ts)
	assert.Equal(t, 2.0, results[0].Points[0].Value)
	assert.Equal(t, "mem", results[0].Labels["__name__"])
}

func TestRangeScalarRejected(t *testing.T) {
	e := NewEngine(&fakeStore{})
	_, err := e.Range(context.Background(), "1+1", 0, 30, 10)
	require.ErrorIs(t, err, ErrScalarInRange)
}

func TestRangeUpSynthesized(t *testing.T) {
	e := NewEngine(&fakeStore{})
	results, err := e.Range(context.Background(), "up", 0, 30, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Len(t, results[0].Points, 4) // 0, 10, 20, 30 inclusive
	for _, p := range results[0].Points {
		assert.Equal(t, 1.0, p.Value)
	}
}

func TestRangeUnknownMetricReturnsEmpty(t *testing.T) {
	e := NewEngine(&fakeStore{typeErr: store.ErrNoResults})
	results, err := e.Range(context.Background(), "missing", 0, 30, 10)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestRangeGauge(t *testing.T) {
	fs := &fakeStore{
		metricType: metric.TypeGauge,
		gauge: []store.Sample{
			{Name: "mem", Attributes: map[string]string{"host": "a"}, Value: 2, Time: at(10)},
			{Name: "mem", Attributes: map[string]string{"host": "a"}, Value: 4, Time: at(20)},
		},
	}
	e := NewEngine(fs)

	results, err := e.Range(context.Background(), `mem{host="a"}`, 0, 30, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, []Point{{Ts: 10, Value: 2}, {Ts: 20, Value: 4}}, results[0].Points)
	assert.Equal(t, "mem", results[0].Labels["__name__"])
	assert.Equal(t, "a", results[0].Labels["host"])
}

func TestRangeRateWithReset(t *testing.T) {
	fs := &fakeStore{
		metricType: metric.TypeCounter,
		counterRaw: []store.CounterSeries{{
			Name:       "c",
			Attributes: map[string]string{},
			Points: []store.TimePoint{
				{Time: at(0), Value: 0},
				{Time: at(10), Value: 10},
				{Time: at(20), Value: 5},
				{Time: at(30), Value: 15},
			},
		}},
	}
	e := NewEngine(fs)

	results, err := e.Range(context.Background(), "rate(c[30s])", 30, 30, 30)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Len(t, results[0].Points, 1)
	// 10 + 5 (reset) + 10 folded over 30 seconds.
	assert.InDelta(t, 25.0/30.0, results[0].Points[0].Value, 1e-9)
	assert.Equal(t, 30.0, results[0].Points[0].Ts)
	// Raw points are prefetched one window before start.
	assert.Equal(t, 0.0, fs.counterRawStart)
	assert.Equal(t, 30.0, fs.counterRawEnd)
}

func TestRangeIncreaseMonotonic(t *testing.T) {
	fs := &fakeStore{
		metricType: metric.TypeCounter,
		counterRaw: []store.CounterSeries{{
			Name:       "c",
			Attributes: map[string]string{},
			Points: []store.TimePoint{
				{Time: at(0), Value: 3},
				{Time: at(10), Value: 7},
				{Time: at(20), Value: 20},
				{Time: at(30), Value: 21},
			},
		}},
	}
	e := NewEngine(fs)

	results, err := e.Range(context.Background(), "increase(c[30s])", 30, 30, 30)
	require.NoError(t, err)
	require.Len(t, results, 1)
	// Monotonic sequence: increase equals v[n-1] - v[0].
	assert.InDelta(t, 18.0, results[0].Points[0].Value, 1e-9)
}

func TestRangeRateSparseWindows(t *testing.T) {
	fs := &fakeStore{
		metricType: metric.TypeCounter,
		counterRaw: []store.CounterSeries{{
			Name:       "c",
			Attributes: map[string]string{},
			Points: []store.TimePoint{
				{Time: at(25), Value: 5},
			},
		}},
	}
	e := NewEngine(fs)

	results, err := e.Range(context.Background(), "rate(c[10s])", 0, 30, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	// Only windows [15,25]-ish contain the single point; they emit 0.0,
	// empty windows are skipped entirely.
	for _, p := range results[0].Points {
		assert.Equal(t, 0.0, p.Value)
	}
	assert.NotEmpty(t, results[0].Points)
	assert.Less(t, len(results[0].Points), 4)
}

func TestRangeCounterRawLastPerBucket(t *testing.T) {
	fs := &fakeStore{
		metricType: metric.TypeCounter,
		counterRaw: []store.CounterSeries{{
			Name:       "c",
			Attributes: map[string]string{"job": "api"},
			Points: []store.TimePoint{
				{Time: at(1), Value: 1},
				{Time: at(9), Value: 3},
				{Time: at(12), Value: 4},
			},
		}},
	}
	e := NewEngine(fs)

	results, err := e.Range(context.Background(), "c", 0, 30, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, []Point{{Ts: 0, Value: 3}, {Ts: 10, Value: 4}}, results[0].Points)
}

func TestRangeAggregationSum(t *testing.T) {
	fs := &fakeStore{
		metricType: metric.TypeGauge,
		gauge: []store.Sample{
			{Name: "mem", Attributes: map[string]string{"host": "a", "zone": "eu"}, Value: 1, Time: at(10)},
			{Name: "mem", Attributes: map[string]string{"host": "b", "zone": "eu"}, Value: 2, Time: at(10)},
			{Name: "mem", Attributes: map[string]string{"host": "c", "zone": "us"}, Value: 5, Time: at(10)},
		},
	}
	e := NewEngine(fs)

	results, err := e.Range(context.Background(), `sum(mem) by (zone)`, 0, 30, 10)
	require.NoError(t, err)
	require.Len(t, results, 2)

	byZone := map[string]float64{}
	for _, res := range results {
		assert.Equal(t, "sum(mem)", res.Labels["__name__"])
		byZone[res.Labels["zone"]] = res.Points[0].Value
	}
	assert.Equal(t, 3.0, byZone["eu"])
	assert.Equal(t, 5.0, byZone["us"])
}

func TestRangeAggregationByMetricName(t *testing.T) {
	fs := &fakeStore{
		metricType: metric.TypeGauge,
		gauge: []store.Sample{
			{Name: "mem", Attributes: map[string]string{"host": "a"}, Value: 1, Time: at(10)},
			{Name: "mem", Attributes: map[string]string{"host": "b"}, Value: 2, Time: at(10)},
			{Name: "mem", Attributes: map[string]string{"host": "a"}, Value: 4, Time: at(20)},
		},
	}
	e := NewEngine(fs)

	results, err := e.Range(context.Background(), `sum(mem) by (__name__)`, 0, 30, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	// __name__ groups on the series name, which every row shares; the
	// output labels carry only the effective name, never a stray __name__
	// picked up from the attrs.
	assert.Equal(t, map[string]string{"__name__": "sum(mem)"}, results[0].Labels)
	assert.Equal(t, []Point{{Ts: 10, Value: 3}, {Ts: 20, Value: 4}}, results[0].Points)
}

func TestRangeAggregationByMetricNameAndLabel(t *testing.T) {
	fs := &fakeStore{
		metricType: metric.TypeGauge,
		gauge: []store.Sample{
			{Name: "mem", Attributes: map[string]string{"host": "a", "zone": "eu"}, Value: 1, Time: at(10)},
			{Name: "mem", Attributes: map[string]string{"host": "b", "zone": "eu"}, Value: 2, Time: at(10)},
			{Name: "mem", Attributes: map[string]string{"host": "c", "zone": "us"}, Value: 5, Time: at(10)},
		},
	}
	e := NewEngine(fs)

	results, err := e.Range(context.Background(), `max(mem) by (__name__, zone)`, 0, 30, 10)
	require.NoError(t, err)
	require.Len(t, results, 2)

	byZone := map[string]float64{}
	for _, res := range results {
		assert.Equal(t, "max(mem)", res.Labels["__name__"])
		assert.NotContains(t, res.Labels, "host")
		byZone[res.Labels["zone"]] = res.Points[0].Value
	}
	assert.Equal(t, 2.0, byZone["eu"])
	assert.Equal(t, 5.0, byZone["us"])
}

func TestEffectiveName(t *testing.T) {
	q, err := promql.Parse(`sum(rate(http_requests_total[5m])) by (job)`)
	require.NoError(t, err)
	assert.Equal(t, "sum(rate(http_requests_total))", EffectiveName(q))
}

func TestResetAwareDelta(t *testing.T) {
	pts := []store.TimePoint{
		{Time: at(0), Value: 0},
		{Time: at(10), Value: 10},
		{Time: at(20), Value: 5},
		{Time: at(30), Value: 15},
	}
	assert.InDelta(t, 25.0, resetAwareDelta(pts), 1e-9)

	monotonic := []store.TimePoint{
		{Time: at(0), Value: 2},
		{Time: at(10), Value: 4},
		{Time: at(20), Value: 9},
	}
	assert.InDelta(t, 7.0, resetAwareDelta(monotonic), 1e-9)
}
