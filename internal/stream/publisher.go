package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/rueidis"

	"github.com/nicolastakashi/otlp-metrics-pipeline/internal/metric"
)

// Publisher appends metric points to the durable stream. When the stream is
// unreachable it parks entries in a bounded in-memory FIFO buffer and drains
// them ahead of new entries on the next send, so order is preserved across
// reconnects as long as the buffer does not overflow.
type Publisher struct {
	client rueidis.Client
	stream string
	size   int

	mu     sync.Mutex
	buffer [][]byte

	// appendFn performs one stream append; replaced in tests.
	appendFn func(ctx context.Context, payload []byte) error

	appendedTotal prometheus.Counter
	bufferedTotal prometheus.Counter
	droppedTotal  prometheus.Counter
	bufferLength  prometheus.Gauge
}

func NewPublisher(reg prometheus.Registerer, client rueidis.Client, stream string, bufferSize int) *Publisher {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	p := &Publisher{
		client: client,
		stream: stream,
		size:   bufferSize,
	}
	p.appendFn = p.sendToStream

	p.appendedTotal = promauto.With(reg).NewCounter(prometheus.CounterOpts{
		Name: "collector_stream_appended_total",
		Help: "Total number of entries appended to the metrics stream",
	})
	p.bufferedTotal = promauto.With(reg).NewCounter(prometheus.CounterOpts{
		Name: "collector_stream_buffered_total",
		Help: "Total number of entries parked in the overflow buffer",
	})
	p.droppedTotal = promauto.With(reg).NewCounter(prometheus.CounterOpts{
		Name: "collector_stream_dropped_total",
		Help: "Total number of entries dropped because the overflow buffer was full",
	})
	p.bufferLength = promauto.With(reg).NewGauge(prometheus.GaugeOpts{
		Name: "collector_stream_buffer_length",
		Help: "Current number of entries in the overflow buffer",
	})
	return p
}

// Send serializes one point and appends it to the stream, draining any
// buffered entries first. traceID is merged into the payload; an empty
// traceID gets a generated one.
func (p *Publisher) Send(ctx context.Context, point metric.Point, traceID string) error {
	if traceID == "" {
		traceID = NewTraceID()
	}
	point.TraceID = traceID

	data, err := json.Marshal(point)
	if err != nil {
		return fmt.Errorf("marshal metric point: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	pending := make([][]byte, 0, len(p.buffer)+1)
	pending = append(pending, p.buffer...)
	pending = append(pending, data)
	p.buffer = p.buffer[:0]

	for len(pending) > 0 {
		raw := pending[0]
		if err := p.appendFn(ctx, raw); err != nil {
			if isTransientStreamErr(err) {
				p.stash(pending)
				slog.Warn("collector.stream.unreachable", "err", err, "trace_id", traceID, "buffered", len(p.buffer))
				p.bufferLength.Set(float64(len(p.buffer)))
				return nil
			}
			p.stash(pending[1:])
			p.bufferLength.Set(float64(len(p.buffer)))
			return fmt.Errorf("append to stream %s: %w", p.stream, err)
		}
		pending = pending[1:]
		p.appendedTotal.Inc()
	}

	p.bufferLength.Set(float64(len(p.buffer)))
	return nil
}

// stash parks entries at the tail of the buffer in order, dropping once
// capacity is reached. Caller holds the mutex.
func (p *Publisher) stash(entries [][]byte) {
	for _, e := range entries {
		if len(p.buffer) < p.size {
			p.buffer = append(p.buffer, e)
			p.bufferedTotal.Inc()
			continue
		}
		p.droppedTotal.Inc()
		slog.Warn("collector.stream.buffer_overflow", "dropped_bytes", len(e), "buffer_size", p.size)
	}
}

func (p *Publisher) sendToStream(ctx context.Context, payload []byte) error {
	cmd := p.client.B().Xadd().Key(p.stream).Id("*").FieldValue().FieldValue(fieldData, string(payload)).Build()
	return p.client.Do(ctx, cmd).Error()
}

// BufferLen reports the number of buffered entries, for readiness checks.
func (p *Publisher) BufferLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffer)
}
