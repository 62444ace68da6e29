package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicolastakashi/otlp-metrics-pipeline/internal/metric"
)

func newMockStore(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresFromDB(db, 5*time.Second), mock
}

func gaugePoint(name string, value float64) metric.Point {
	return metric.Point{
		Name:          name,
		Type:          metric.TypeGauge,
		TimestampNano: 1_700_000_000_000_000_000,
		Attributes:    map[string]string{"host": "a"},
		Value:         &value,
	}
}

func TestInsertGauge(t *testing.T) {
	p, mock := newMockStore(t)

	mock.ExpectQuery("INSERT INTO metrics_info").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))
	mock.ExpectExec("INSERT INTO metrics_values").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, p.Insert(context.Background(), gaugePoint("mem_usage", 0.5)))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertDescriptorFallbackSelect(t *testing.T) {
	p, mock := newMockStore(t)

	// ON CONFLICT DO NOTHING returns no row when the descriptor already
	// exists; the id comes from the follow-up select.
	mock.ExpectQuery("INSERT INTO metrics_info").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("SELECT id FROM metrics_info").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(3)))
	mock.ExpectExec("INSERT INTO metrics_values").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, p.Insert(context.Background(), gaugePoint("mem_usage", 0.5)))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertHistogram(t *testing.T) {
	p, mock := newMockStore(t)

	sum := 12.5
	count := uint64(6)
	point := metric.Point{
		Name:           "latency",
		Type:           metric.TypeHistogram,
		TimestampNano:  1_700_000_000_000_000_000,
		Sum:            &sum,
		Count:          &count,
		BucketCounts:   []uint64{2, 3, 1},
		ExplicitBounds: []float64{1, 5},
	}

	mock.ExpectQuery("INSERT INTO metrics_info").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(9)))
	mock.ExpectExec("INSERT INTO metrics_histograms").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, p.Insert(context.Background(), point))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertValidation(t *testing.T) {
	p, _ := newMockStore(t)

	err := p.Insert(context.Background(), metric.Point{
		Name: "x", Type: metric.TypeCounter, TimestampNano: 1,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no value")

	err = p.Insert(context.Background(), metric.Point{
		Name: "x", Type: "summary", TimestampNano: 1,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown type")
}

func TestMetricType(t *testing.T) {
	p, mock := newMockStore(t)

	mock.ExpectQuery("SELECT i.type FROM metrics_info").
		WillReturnRows(sqlmock.NewRows([]string{"type"}).AddRow("gauge"))

	typ, err := p.MetricType(context.Background(), "mem_usage", nil)
	require.NoError(t, err)
	assert.Equal(t, metric.TypeGauge, typ)

	mock.ExpectQuery("SELECT i.type FROM metrics_info").
		WillReturnRows(sqlmock.NewRows([]string{"type"}))

	_, err = p.MetricType(context.Background(), "missing", nil)
	require.ErrorIs(t, err, ErrNoResults)
	assert.True(t, IsNoResults(err))
}

func TestFetchInstantSkipsNullValues(t *testing.T) {
	p, mock := newMockStore(t)

	now := time.Now()
	mock.ExpectQuery("SELECT DISTINCT ON").
		WillReturnRows(sqlmock.NewRows([]string{"name", "attributes", "value", "time"}).
			AddRow("mem_usage", []byte(`{"host":"a"}`), 0.5, now).
			AddRow("mem_usage", []byte(`{"host":"b"}`), nil, now))

	samples, err := p.FetchInstant(context.Background(), "mem_usage", nil, 100)
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.Equal(t, "a", samples[0].Attributes["host"])
	assert.Equal(t, 0.5, samples[0].Value)
}

func TestFetchGaugeAggregated(t *testing.T) {
	p, mock := newMockStore(t)

	t0 := time.Unix(0, 0)
	mock.ExpectQuery(`AVG\(v\.value\)`).
		WillReturnRows(sqlmock.NewRows([]string{"name", "attributes", "value", "bucket"}).
			AddRow("mem_usage", []byte(`{"host":"a"}`), 0.5, t0).
			AddRow("mem_usage", []byte(`{"host":"a"}`), 0.75, t0.Add(30*time.Second)).
			AddRow("mem_usage", []byte(`{"host":"b"}`), nil, t0))

	samples, err := p.FetchGaugeAggregated(context.Background(), "mem_usage", nil, 0, 100, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, samples, 2)
	assert.Equal(t, "a", samples[0].Attributes["host"])
	assert.Equal(t, 0.5, samples[0].Value)
	assert.Equal(t, t0, samples[0].Time)
	assert.Equal(t, 0.75, samples[1].Value)
	assert.Equal(t, t0.Add(30*time.Second), samples[1].Time)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFetchAllRecent(t *testing.T) {
	p, mock := newMockStore(t)

	now := time.Now()
	mock.ExpectQuery("JOIN metrics_values").
		WillReturnRows(sqlmock.NewRows([]string{"name", "description", "unit", "type", "attributes", "value", "time"}).
			AddRow("mem_usage", "memory in use", "bytes", "gauge", []byte(`{"host":"a"}`), 0.5, now))
	mock.ExpectQuery("JOIN metrics_histograms").
		WillReturnRows(sqlmock.NewRows([]string{"name", "description", "unit", "attributes", "sum", "count", "bucket_counts", "explicit_bounds", "time"}).
			AddRow("latency", "", "s", []byte(`{"host":"a"}`), 12.5, int64(6), []byte("{2,3,1}"), []byte("{1,5}"), now))

	metrics, err := p.FetchAllRecent(context.Background(), 5*time.Minute)
	require.NoError(t, err)
	require.Len(t, metrics, 2)

	assert.Equal(t, "mem_usage", metrics[0].Name)
	assert.Equal(t, metric.TypeGauge, metrics[0].Type)
	assert.Equal(t, 0.5, metrics[0].Value)
	assert.Equal(t, "a", metrics[0].Attributes["host"])

	assert.Equal(t, "latency", metrics[1].Name)
	assert.Equal(t, metric.TypeHistogram, metrics[1].Type)
	assert.Equal(t, 12.5, metrics[1].Sum)
	assert.Equal(t, uint64(6), metrics[1].Count)
	assert.Equal(t, []uint64{2, 3, 1}, metrics[1].BucketCounts)
	assert.Equal(t, []float64{1, 5}, metrics[1].ExplicitBounds)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFetchCounterRawGroupsSeries(t *testing.T) {
	p, mock := newMockStore(t)

	t0 := time.Unix(0, 0)
	mock.ExpectQuery("SELECT i.id, i.name, i.attributes").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "attributes", "value", "time"}).
			AddRow(int64(1), "c", []byte(`{"job":"api"}`), 1.0, t0).
			AddRow(int64(1), "c", []byte(`{"job":"api"}`), 2.0, t0.Add(10*time.Second)).
			AddRow(int64(2), "c", []byte(`{"job":"web"}`), 5.0, t0))

	series, err := p.FetchCounterRaw(context.Background(), "c", nil, 0, 100)
	require.NoError(t, err)
	require.Len(t, series, 2)
	assert.Equal(t, "api", series[0].Attributes["job"])
	require.Len(t, series[0].Points, 2)
	assert.Equal(t, 2.0, series[0].Points[1].Value)
	assert.Equal(t, "web", series[1].Attributes["job"])
	require.Len(t, series[1].Points, 1)
}

func TestFetchLabelNames(t *testing.T) {
	p, mock := newMockStore(t)

	mock.ExpectQuery("SELECT DISTINCT jsonb_object_keys").
		WillReturnRows(sqlmock.NewRows([]string{"key"}).
			AddRow("job").
			AddRow("host"))

	names, err := p.FetchLabelNames(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"__name__", "host", "job"}, names)
}

func TestFetchLabelValues(t *testing.T) {
	p, mock := newMockStore(t)

	mock.ExpectQuery("SELECT DISTINCT name FROM metrics_info").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).
			AddRow("requests_total").
			AddRow("mem_usage"))

	values, err := p.FetchLabelValues(context.Background(), "__name__")
	require.NoError(t, err)
	assert.Equal(t, []string{"mem_usage", "requests_total"}, values)

	mock.ExpectQuery("SELECT DISTINCT value FROM metrics_info").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).
			AddRow("web").
			AddRow("api"))

	values, err = p.FetchLabelValues(context.Background(), "job")
	require.NoError(t, err)
	assert.Equal(t, []string{"api", "web"}, values)
}

func TestFetchSeries(t *testing.T) {
	p, mock := newMockStore(t)

	mock.ExpectQuery("SELECT DISTINCT i.name, i.attributes").
		WillReturnRows(sqlmock.NewRows([]string{"name", "attributes"}).
			AddRow("up", []byte(`{"job":"api"}`)))

	series, err := p.FetchSeries(context.Background(), "up", map[string]string{"job": "api"})
	require.NoError(t, err)
	require.Len(t, series, 1)
	assert.Equal(t, "up", series[0].Name)
	assert.Equal(t, "api", series[0].Attributes["job"])
}
