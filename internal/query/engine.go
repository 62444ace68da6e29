package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/nicolastakashi/otlp-metrics-pipeline/internal/metric"
	"github.com/nicolastakashi/otlp-metrics-pipeline/internal/promql"
	"github.com/nicolastakashi/otlp-metrics-pipeline/internal/store"
)

// ErrScalarInRange is returned when a scalar expression reaches the range
// endpoint; callers map it to a 400.
var ErrScalarInRange = errors.New(`invalid expression type "scalar" for range query`)

// Point is one evaluated sample: Unix seconds with fraction plus the value.
type Point struct {
	Ts    float64
	Value float64
}

// SeriesResult is one output stream: its label set (including __name__) and
// its points in ascending time order.
type SeriesResult struct {
	Labels map[string]string
	Points []Point
}

// row is the evaluator's working representation, one sample at a time.
type row struct {
	attrs map[string]string
	value float64
	ts    float64
}

// Engine evaluates parsed queries against the store.
type Engine struct {
	store    store.Store
	lookback time.Duration
}

func NewEngine(s store.Store) *Engine {
	return &Engine{store: s, lookback: promql.DefaultLookback}
}

// Instant evaluates an instant query at ts (Unix seconds).
func (e *Engine) Instant(ctx context.Context, query string, ts float64) ([]SeriesResult, error) {
	parsed, err := promql.Parse(query)
	if err != nil {
		return nil, err
	}

	if parsed.IsScalar() {
		v, _ := strconv.ParseFloat(parsed.ScalarValue, 64)
		return []SeriesResult{{
			Labels: map[string]string{"__name__": parsed.Raw},
			Points: []Point{{Ts: ts, Value: v}},
		}}, nil
	}

	if parsed.MetricName == "up" {
		rows := []row{{attrs: parsed.Labels, value: 1.0, ts: ts}}
		return shape(parsed, rows), nil
	}

	if parsed.Function == promql.FuncRate || parsed.Function == promql.FuncIncrease {
		window := e.window(parsed)
		series, err := e.store.FetchCounterRaw(ctx, parsed.MetricName, parsed.Labels, ts-window, ts)
		if err != nil {
			return nil, err
		}
		rows := evalCounterWindows(series, []float64{ts}, window, parsed.Function)
		return shape(parsed, rows), nil
	}

	samples, err := e.store.FetchInstant(ctx, parsed.MetricName, parsed.Labels, ts)
	if err != nil {
		return nil, err
	}
	rows := make([]row, 0, len(samples))
	for _, s := range samples {
		rows = append(rows, row{attrs: s.Attributes, value: s.Value, ts: unixSeconds(s.Time)})
	}
	return shape(parsed, rows), nil
}

// Range evaluates a range query over [start, end] with the given step in
// seconds.
func (e *Engine) Range(ctx context.Context, query string, start, end float64, step int64) ([]SeriesResult, error) {
	parsed, err := promql.Parse(query)
	if err != nil {
		return nil, err
	}

	if parsed.IsScalar() {
		if parsed.Raw != "up" {
			slog.Warn("query.range.scalar_rejected", "query", query, "scalar_value", parsed.ScalarValue)
			return nil, ErrScalarInRange
		}
	}

	if parsed.Raw == "up" || parsed.MetricName == "up" {
		parsed.MetricName = "up"
		var rows []row
		for t := start; t <= end; t += float64(step) {
			rows = append(rows, row{attrs: parsed.Labels, value: 1.0, ts: t})
		}
		return e.aggregateAndShape(parsed, rows), nil
	}

	typ, err := e.store.MetricType(ctx, parsed.MetricName, parsed.Labels)
	if err != nil {
		if store.IsNoResults(err) {
			return nil, nil
		}
		return nil, err
	}

	var rows []row
	switch {
	case typ == metric.TypeGauge:
		samples, err := e.store.FetchGaugeAggregated(ctx, parsed.MetricName, parsed.Labels, start, end, time.Duration(step)*time.Second)
		if err != nil {
			return nil, err
		}
		for _, s := range samples {
			rows = append(rows, row{attrs: s.Attributes, value: s.Value, ts: unixSeconds(s.Time)})
		}

	case typ == metric.TypeCounter && parsed.Function == promql.FuncRaw:
		series, err := e.store.FetchCounterRaw(ctx, parsed.MetricName, parsed.Labels, start, end)
		if err != nil {
			return nil, err
		}
		rows = lastPerBucket(series, start, end, step)

	case typ == metric.TypeCounter:
		window := e.window(parsed)
		if float64(step) > window {
			slog.Warn("query.range.step_exceeds_window",
				"query", query, "step_seconds", step, "window_seconds", window)
		}
		series, err := e.store.FetchCounterRaw(ctx, parsed.MetricName, parsed.Labels, start-window, end)
		if err != nil {
			return nil, err
		}
		rows = evalCounterWindows(series, ticks(start, end, step), window, parsed.Function)

	default:
		// Histograms have no range-vector semantics in this subset.
		return nil, nil
	}

	return e.aggregateAndShape(parsed, rows), nil
}

func (e *Engine) aggregateAndShape(parsed *promql.ParsedQuery, rows []row) []SeriesResult {
	if parsed.Aggregation != "" {
		rows = aggregate(rows, parsed.MetricName, parsed.Aggregation, parsed.ByLabels)
	}
	return shape(parsed, rows)
}

// window is the rate/increase evaluation window in seconds.
func (e *Engine) window(parsed *promql.ParsedQuery) float64 {
	if parsed.Range != nil {
		return parsed.Range.Seconds()
	}
	return e.lookback.Seconds()
}

func ticks(start, end float64, step int64) []float64 {
	var out []float64
	for t := start; t <= end; t += float64(step) {
		out = append(out, t)
	}
	return out
}

// evalCounterWindows runs the reset-aware fold for every series at every
// tick, over the inclusive window [tick-window, tick]. A window with fewer
// than two points emits 0.0; an empty window is skipped.
func evalCounterWindows(series []store.CounterSeries, ticks []float64, window float64, function string) []row {
	var rows []row
	for _, s := range series {
		for _, tick := range ticks {
			lo := tick - window
			var pts []store.TimePoint
			for _, p := range s.Points {
				ts := unixSeconds(p.Time)
				if ts >= lo && ts <= tick {
					pts = append(pts, p)
				}
			}
			if len(pts) == 0 {
				continue
			}
			var value float64
			if len(pts) >= 2 {
				delta := resetAwareDelta(pts)
				if function == promql.FuncRate {
					value = delta / window
				} else {
					value = delta
				}
			}
			rows = append(rows, row{attrs: s.Attributes, value: value, ts: tick})
		}
	}
	return rows
}

// resetAwareDelta folds consecutive deltas over ascending points, treating a
// negative delta as a counter reset to zero.
func resetAwareDelta(pts []store.TimePoint) float64 {
	var total float64
	for i := 1; i < len(pts); i++ {
		d := pts[i].Value - pts[i-1].Value
		if d < 0 {
			d = pts[i].Value
		}
		total += d
	}
	return total
}

// lastPerBucket emits the last raw counter value of each step-aligned bucket.
func lastPerBucket(series []store.CounterSeries, start, end float64, step int64) []row {
	var rows []row
	for _, s := range series {
		type bucketVal struct {
			ts    float64
			value float64
		}
		buckets := map[int64]bucketVal{}
		for _, p := range s.Points {
			ts := unixSeconds(p.Time)
			if ts < start || ts > end {
				continue
			}
			b := int64(math.Floor(ts/float64(step))) * step
			prev, ok := buckets[b]
			if !ok || ts >= prev.ts {
				buckets[b] = bucketVal{ts: ts, value: p.Value}
			}
		}
		keys := make([]int64, 0, len(buckets))
		for b := range buckets {
			keys = append(keys, b)
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
		for _, b := range keys {
			rows = append(rows, row{attrs: s.Attributes, value: buckets[b].value, ts: float64(b)})
		}
	}
	return rows
}

// aggregate groups rows by (by-label values, timestamp) and folds each group
// with the given operator. __name__ in a by-clause keys on the series name
// itself; it is never copied into the output attrs, since shape stamps the
// effective name afterwards. Output rows keep only the remaining by-labels.
func aggregate(rows []row, name, op string, byLabels []string) []row {
	type group struct {
		attrs  map[string]string
		ts     float64
		values []float64
	}
	groups := map[uint64]*group{}
	var order []uint64

	for _, r := range rows {
		h := xxhash.New()
		for _, lbl := range byLabels {
			_, _ = h.WriteString(lbl)
			_, _ = h.WriteString("\xff")
			if lbl == "__name__" {
				_, _ = h.WriteString(name)
			} else {
				_, _ = h.WriteString(r.attrs[lbl])
			}
			_, _ = h.WriteString("\xff")
		}
		_, _ = h.WriteString(strconv.FormatFloat(r.ts, 'f', -1, 64))
		key := h.Sum64()

		g, ok := groups[key]
		if !ok {
			attrs := map[string]string{}
			for _, lbl := range byLabels {
				if lbl == "__name__" {
					continue
				}
				if v := r.attrs[lbl]; v != "" {
					attrs[lbl] = v
				}
			}
			g = &group{attrs: attrs, ts: r.ts}
			groups[key] = g
			order = append(order, key)
		}
		g.values = append(g.values, r.value)
	}

	out := make([]row, 0, len(order))
	for _, key := range order {
		g := groups[key]
		out = append(out, row{attrs: g.attrs, value: fold(op, g.values), ts: g.ts})
	}
	return out
}

func fold(op string, values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	switch op {
	case "sum", "avg":
		var sum float64
		for _, v := range values {
			sum += v
		}
		if op == "avg" {
			return sum / float64(len(values))
		}
		return sum
	case "min":
		m := values[0]
		for _, v := range values[1:] {
			if v < m {
				m = v
			}
		}
		return m
	case "max":
		m := values[0]
		for _, v := range values[1:] {
			if v > m {
				m = v
			}
		}
		return m
	case "count":
		return float64(len(values))
	default:
		return 0
	}
}

// shape groups rows by their sorted label tuple into one stream per distinct
// label set, stamping __name__ with the effective name.
func shape(parsed *promql.ParsedQuery, rows []row) []SeriesResult {
	name := EffectiveName(parsed)

	groups := map[uint64]*SeriesResult{}
	var order []uint64

	for _, r := range rows {
		keys := make([]string, 0, len(r.attrs))
		for k := range r.attrs {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		h := xxhash.New()
		for _, k := range keys {
			_, _ = h.WriteString(k)
			_, _ = h.WriteString("\xff")
			_, _ = h.WriteString(r.attrs[k])
			_, _ = h.WriteString("\xff")
		}
		key := h.Sum64()

		g, ok := groups[key]
		if !ok {
			labels := map[string]string{"__name__": name}
			for k, v := range r.attrs {
				labels[k] = v
			}
			g = &SeriesResult{Labels: labels}
			groups[key] = g
			order = append(order, key)
		}
		g.Points = append(g.Points, Point{Ts: r.ts, Value: r.value})
	}

	out := make([]SeriesResult, 0, len(order))
	for _, key := range order {
		g := groups[key]
		sort.Slice(g.Points, func(i, j int) bool { return g.Points[i].Ts < g.Points[j].Ts })
		out = append(out, *g)
	}
	return out
}

// EffectiveName wraps the base metric name with the applied function and
// aggregation, e.g. sum(rate(http_requests_total)).
func EffectiveName(parsed *promql.ParsedQuery) string {
	name := parsed.MetricName
	if parsed.Function != promql.FuncRaw {
		name = fmt.Sprintf("%s(%s)", parsed.Function, name)
	}
	if parsed.Aggregation != "" {
		name = fmt.Sprintf("%s(%s)", parsed.Aggregation, name)
	}
	return name
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixMicro()) / 1e6
}
