package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	pq "github.com/lib/pq"
	"github.com/uptrace/opentelemetry-go-extra/otelsql"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"

	"github.com/nicolastakashi/otlp-metrics-pipeline/internal/config"
	"github.com/nicolastakashi/otlp-metrics-pipeline/internal/metric"
)

// Postgres implements Store on top of database/sql with lib/pq.
type Postgres struct {
	db      *sql.DB
	timeout time.Duration
}

// NewPostgres opens the pool, pings it, and applies the embedded migrations.
func NewPostgres(ctx context.Context) (*Postgres, error) {
	cfg := config.DefaultConfig.Database

	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s application_name=otlp-metrics-pipeline",
		cfg.Host,
		cfg.Port,
		cfg.User,
		cfg.Password,
		cfg.Database,
		cfg.SSLMode,
	)

	db, err := otelsql.Open("postgres", dsn, otelsql.WithAttributes(semconv.DBSystemPostgreSQL))
	if err != nil {
		return nil, ConnectionError(err, "open postgres pool")
	}

	if cfg.MaxPoolSize > 0 {
		db.SetMaxOpenConns(cfg.MaxPoolSize)
	} else {
		db.SetMaxOpenConns(10)
	}
	if cfg.MinPoolSize > 0 {
		db.SetMaxIdleConns(cfg.MinPoolSize)
	} else {
		db.SetMaxIdleConns(2)
	}
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, ConnectionError(err, "ping postgres")
	}

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, SchemaError(err, "migration")
	}

	slog.Info("store.postgres.connected", "host", cfg.Host, "port", cfg.Port, "database", cfg.Database)
	return &Postgres{db: db, timeout: cfg.CommandTimeout}, nil
}

// NewPostgresFromDB wraps an existing pool without migrating, for tests.
func NewPostgresFromDB(db *sql.DB, timeout time.Duration) *Postgres {
	return &Postgres{db: db, timeout: timeout}
}

func (p *Postgres) Ping(ctx context.Context) error {
	ctx, cancel := p.opCtx(ctx)
	defer cancel()
	return p.db.PingContext(ctx)
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

// opCtx bounds one statement by the configured command timeout.
func (p *Postgres) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, p.timeout)
}

// labelsJSON renders equality matchers as the jsonb containment argument.
func labelsJSON(labels map[string]string) (string, error) {
	if len(labels) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(labels)
	if err != nil {
		return "", QueryError(err, "marshal label matchers", "")
	}
	return string(b), nil
}

func parseAttributes(raw []byte) (map[string]string, error) {
	attrs := map[string]string{}
	if len(raw) == 0 {
		return attrs, nil
	}
	if err := json.Unmarshal(raw, &attrs); err != nil {
		return nil, fmt.Errorf("%w: attributes: %v", ErrInvalidScan, err)
	}
	return attrs, nil
}

// Insert resolves the descriptor by identity and appends one sample row.
// The two statements are individually atomic; descriptor identity makes the
// pair idempotent under concurrent inserts and redelivery.
func (p *Postgres) Insert(ctx context.Context, point metric.Point) error {
	switch point.Type {
	case metric.TypeCounter, metric.TypeGauge:
		if point.Value == nil {
			return ValidationError("metric point", fmt.Sprintf("%s %q has no value", point.Type, point.Name))
		}
	case metric.TypeHistogram:
		if point.Sum == nil || point.Count == nil || len(point.BucketCounts) == 0 {
			return ValidationError("metric point", fmt.Sprintf("histogram %q missing sum, count, or buckets", point.Name))
		}
	default:
		return ValidationError("metric point", fmt.Sprintf("unknown type %q", point.Type))
	}

	id, err := p.descriptorID(ctx, point)
	if err != nil {
		return err
	}

	seconds := float64(point.TimestampNano) / 1e9

	ctx, cancel := p.opCtx(ctx)
	defer cancel()

	if point.Type == metric.TypeHistogram {
		buckets := make([]int64, len(point.BucketCounts))
		for i, c := range point.BucketCounts {
			buckets[i] = int64(c)
		}
		_, err = p.db.ExecContext(ctx,
			`INSERT INTO metrics_histograms (time, metric_id, sum, count, bucket_counts)
			 VALUES (to_timestamp($1), $2, $3, $4, $5)`,
			seconds, id, *point.Sum, int64(*point.Count), pq.Array(buckets),
		)
		if err != nil {
			return QueryError(err, "insert histogram sample", point.Name)
		}
		return nil
	}

	_, err = p.db.ExecContext(ctx,
		`INSERT INTO metrics_values (time, metric_id, value)
		 VALUES (to_timestamp($1), $2, $3)`,
		seconds, id, *point.Value,
	)
	if err != nil {
		return QueryError(err, "insert sample", point.Name)
	}
	return nil
}

// descriptorID is the upsert-by-identity: insert-or-ignore returning the new
// id, falling back to a select of the existing one. Explicit bounds are part
// of identity; NULL bounds compare equal to the empty array.
func (p *Postgres) descriptorID(ctx context.Context, point metric.Point) (int64, error) {
	attrs, err := json.Marshal(point.Attributes)
	if err != nil {
		return 0, QueryError(err, "marshal attributes", point.Name)
	}

	var bounds interface{}
	if point.Type == metric.TypeHistogram {
		bounds = pq.Array(point.ExplicitBounds)
	} else {
		bounds = nil
	}

	ctx, cancel := p.opCtx(ctx)
	defer cancel()

	var id int64
	err = p.db.QueryRowContext(ctx,
		`INSERT INTO metrics_info (name, description, unit, type, attributes, explicit_bounds)
		 VALUES ($1, $2, $3, $4, $5::jsonb, $6)
		 ON CONFLICT (name, attributes, COALESCE(explicit_bounds, '{}'::double precision[])) DO NOTHING
		 RETURNING id`,
		point.Name, point.Description, point.Unit, string(point.Type), string(attrs), bounds,
	).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, QueryError(err, "upsert descriptor", point.Name)
	}

	err = p.db.QueryRowContext(ctx,
		`SELECT id FROM metrics_info
		 WHERE name = $1
		   AND attributes = $2::jsonb
		   AND COALESCE(explicit_bounds, '{}'::double precision[]) = COALESCE($3, '{}'::double precision[])`,
		point.Name, string(attrs), bounds,
	).Scan(&id)
	if err != nil {
		return 0, QueryError(err, "select descriptor", point.Name)
	}
	return id, nil
}

func (p *Postgres) FetchSeries(ctx context.Context, name string, labels map[string]string) ([]Series, error) {
	matcher, err := labelsJSON(labels)
	if err != nil {
		return nil, err
	}

	ctx, cancel := p.opCtx(ctx)
	defer cancel()

	rows, err := p.db.QueryContext(ctx,
		`SELECT DISTINCT i.name, i.attributes
		 FROM metrics_info i
		 WHERE ($1 = '' OR i.name = $1)
		   AND i.attributes @> $2::jsonb
		 ORDER BY i.name`,
		name, matcher,
	)
	if err != nil {
		return nil, QueryError(err, "fetch series", name)
	}
	defer func() { _ = rows.Close() }()

	var out []Series
	for rows.Next() {
		var (
			s   Series
			raw []byte
		)
		if err := rows.Scan(&s.Name, &raw); err != nil {
			return nil, fmt.Errorf("%w: series: %v", ErrInvalidScan, err)
		}
		if s.Attributes, err = parseAttributes(raw); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) FetchInstant(ctx context.Context, name string, labels map[string]string, ts float64) ([]Sample, error) {
	matcher, err := labelsJSON(labels)
	if err != nil {
		return nil, err
	}

	ctx, cancel := p.opCtx(ctx)
	defer cancel()

	rows, err := p.db.QueryContext(ctx,
		`SELECT DISTINCT ON (i.id)
		     i.name,
		     i.attributes,
		     v.value,
		     v.time
		 FROM metrics_info i
		 JOIN metrics_values v ON i.id = v.metric_id
		 WHERE i.name = $1
		   AND i.attributes @> $2::jsonb
		   AND i.type IN ('counter', 'gauge')
		   AND v.time <= to_timestamp($3)
		 ORDER BY i.id, v.time DESC`,
		name, matcher, ts,
	)
	if err != nil {
		return nil, QueryError(err, "fetch instant", name)
	}
	defer func() { _ = rows.Close() }()

	return scanSamples(rows)
}

// FetchGaugeAggregated buckets gauge samples by the step interval aligned to
// the Unix epoch and averages within each bucket.
func (p *Postgres) FetchGaugeAggregated(ctx context.Context, name string, labels map[string]string, start, end float64, step time.Duration) ([]Sample, error) {
	matcher, err := labelsJSON(labels)
	if err != nil {
		return nil, err
	}
	stepInterval := fmt.Sprintf("%d seconds", int64(step.Seconds()))

	ctx, cancel := p.opCtx(ctx)
	defer cancel()

	rows, err := p.db.QueryContext(ctx,
		`SELECT
		     i.name,
		     i.attributes,
		     AVG(v.value) AS value,
		     to_timestamp(floor(extract(epoch FROM v.time) / extract(epoch FROM $4::interval)) * extract(epoch FROM $4::interval)) AS bucket
		 FROM metrics_info i
		 JOIN metrics_values v ON i.id = v.metric_id
		 WHERE i.name = $1
		   AND i.attributes @> $2::jsonb
		   AND i.type = 'gauge'
		   AND v.time >= to_timestamp($3)
		   AND v.time <= to_timestamp($5)
		 GROUP BY i.id, i.name, i.attributes, bucket
		 ORDER BY bucket ASC`,
		name, matcher, start, stepInterval, end,
	)
	if err != nil {
		return nil, QueryError(err, "fetch gauge aggregated", name)
	}
	defer func() { _ = rows.Close() }()

	return scanSamples(rows)
}

// FetchCounterRaw returns the raw ascending points per counter series; rate
// and increase are computed by the evaluator, not in SQL.
func (p *Postgres) FetchCounterRaw(ctx context.Context, name string, labels map[string]string, start, end float64) ([]CounterSeries, error) {
	matcher, err := labelsJSON(labels)
	if err != nil {
		return nil, err
	}

	ctx, cancel := p.opCtx(ctx)
	defer cancel()

	rows, err := p.db.QueryContext(ctx,
		`SELECT i.id, i.name, i.attributes, v.value, v.time
		 FROM metrics_info i
		 JOIN metrics_values v ON i.id = v.metric_id
		 WHERE i.name = $1
		   AND i.attributes @> $2::jsonb
		   AND i.type = 'counter'
		   AND v.time >= to_timestamp($3)
		   AND v.time <= to_timestamp($4)
		 ORDER BY i.id, v.time ASC`,
		name, matcher, start, end,
	)
	if err != nil {
		return nil, QueryError(err, "fetch counter raw", name)
	}
	defer func() { _ = rows.Close() }()

	var (
		out    []CounterSeries
		lastID int64 = -1
	)
	for rows.Next() {
		var (
			id    int64
			sName string
			raw   []byte
			value float64
			t     time.Time
		)
		if err := rows.Scan(&id, &sName, &raw, &value, &t); err != nil {
			return nil, fmt.Errorf("%w: counter raw: %v", ErrInvalidScan, err)
		}
		if id != lastID {
			attrs, err := parseAttributes(raw)
			if err != nil {
				return nil, err
			}
			out = append(out, CounterSeries{Name: sName, Attributes: attrs})
			lastID = id
		}
		last := &out[len(out)-1]
		last.Points = append(last.Points, TimePoint{Time: t, Value: value})
	}
	return out, rows.Err()
}

func (p *Postgres) FetchLabelNames(ctx context.Context) ([]string, error) {
	ctx, cancel := p.opCtx(ctx)
	defer cancel()

	rows, err := p.db.QueryContext(ctx,
		`SELECT DISTINCT jsonb_object_keys(attributes) AS key FROM metrics_info`,
	)
	if err != nil {
		return nil, QueryError(err, "fetch label names", "")
	}
	defer func() { _ = rows.Close() }()

	seen := map[string]bool{"__name__": true}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("%w: label name: %v", ErrInvalidScan, err)
		}
		seen[key] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(seen))
	for k := range seen {
		names = append(names, k)
	}
	sort.Strings(names)
	return names, nil
}

func (p *Postgres) FetchLabelValues(ctx context.Context, labelName string) ([]string, error) {
	ctx, cancel := p.opCtx(ctx)
	defer cancel()

	var (
		rows *sql.Rows
		err  error
	)
	if labelName == "__name__" {
		rows, err = p.db.QueryContext(ctx, `SELECT DISTINCT name FROM metrics_info`)
	} else {
		rows, err = p.db.QueryContext(ctx,
			`SELECT DISTINCT value FROM metrics_info, jsonb_each_text(attributes) WHERE key = $1`,
			labelName,
		)
	}
	if err != nil {
		return nil, QueryError(err, "fetch label values", labelName)
	}
	defer func() { _ = rows.Close() }()

	var values []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("%w: label value: %v", ErrInvalidScan, err)
		}
		values = append(values, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Strings(values)
	return values, nil
}

// MetricType peeks at the descriptor type for dispatching range queries.
func (p *Postgres) MetricType(ctx context.Context, name string, labels map[string]string) (metric.Type, error) {
	matcher, err := labelsJSON(labels)
	if err != nil {
		return "", err
	}

	ctx, cancel := p.opCtx(ctx)
	defer cancel()

	var typ string
	err = p.db.QueryRowContext(ctx,
		`SELECT i.type FROM metrics_info i
		 WHERE i.name = $1 AND i.attributes @> $2::jsonb
		 LIMIT 1`,
		name, matcher,
	).Scan(&typ)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNoResults
	}
	if err != nil {
		return "", QueryError(err, "metric type", name)
	}
	return metric.Type(typ), nil
}

// FetchAllRecent returns every sample within the lookback window, numbers and
// histograms both, newest first. Feeds the text exposition endpoint.
func (p *Postgres) FetchAllRecent(ctx context.Context, lookback time.Duration) ([]RecentMetric, error) {
	minutes := lookback.Minutes()

	ctx, cancel := p.opCtx(ctx)
	defer cancel()

	rows, err := p.db.QueryContext(ctx,
		`SELECT i.name, i.description, i.unit, i.type, i.attributes, v.value, v.time
		 FROM metrics_info i
		 JOIN metrics_values v ON i.id = v.metric_id
		 WHERE v.time >= NOW() - ($1 * INTERVAL '1 minute')
		 ORDER BY v.time DESC`,
		minutes,
	)
	if err != nil {
		return nil, QueryError(err, "fetch recent values", "")
	}

	var out []RecentMetric
	for rows.Next() {
		var (
			m   RecentMetric
			typ string
			raw []byte
		)
		if err := rows.Scan(&m.Name, &m.Description, &m.Unit, &typ, &raw, &m.Value, &m.Time); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("%w: recent value: %v", ErrInvalidScan, err)
		}
		m.Type = metric.Type(typ)
		if m.Attributes, err = parseAttributes(raw); err != nil {
			_ = rows.Close()
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	hrows, err := p.db.QueryContext(ctx,
		`SELECT i.name, i.description, i.unit, i.attributes, h.sum, h.count, h.bucket_counts, i.explicit_bounds, h.time
		 FROM metrics_info i
		 JOIN metrics_histograms h ON i.id = h.metric_id
		 WHERE h.time >= NOW() - ($1 * INTERVAL '1 minute')
		 ORDER BY h.time DESC`,
		minutes,
	)
	if err != nil {
		return nil, QueryError(err, "fetch recent histograms", "")
	}
	defer func() { _ = hrows.Close() }()

	for hrows.Next() {
		var (
			m       RecentMetric
			raw     []byte
			count   int64
			buckets pq.Int64Array
			bounds  pq.Float64Array
		)
		if err := hrows.Scan(&m.Name, &m.Description, &m.Unit, &raw, &m.Sum, &count, &buckets, &bounds, &m.Time); err != nil {
			return nil, fmt.Errorf("%w: recent histogram: %v", ErrInvalidScan, err)
		}
		m.Type = metric.TypeHistogram
		m.Count = uint64(count)
		m.BucketCounts = make([]uint64, len(buckets))
		for i, b := range buckets {
			m.BucketCounts[i] = uint64(b)
		}
		m.ExplicitBounds = []float64(bounds)
		if m.Attributes, err = parseAttributes(raw); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, hrows.Err()
}

func scanSamples(rows *sql.Rows) ([]Sample, error) {
	var out []Sample
	for rows.Next() {
		var (
			s     Sample
			raw   []byte
			value sql.NullFloat64
		)
		if err := rows.Scan(&s.Name, &raw, &value, &s.Time); err != nil {
			return nil, fmt.Errorf("%w: sample: %v", ErrInvalidScan, err)
		}
		if !value.Valid {
			continue
		}
		s.Value = value.Float64
		attrs, err := parseAttributes(raw)
		if err != nil {
			return nil, err
		}
		s.Attributes = attrs
		out = append(out, s)
	}
	return out, rows.Err()
}
