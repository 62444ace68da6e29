package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/rueidis"

	"github.com/nicolastakashi/otlp-metrics-pipeline/internal/metric"
)

// fieldData is the single stream entry field carrying the JSON point.
const fieldData = "data"

var errEmptyData = errors.New("empty data field")

// Entry is one delivered stream entry: the opaque id used for acking plus the
// reconstructed point.
type Entry struct {
	ID    string
	Point metric.Point
}

// Consumer reads the metrics stream under a consumer group, providing
// at-least-once delivery together with ClaimIdle.
type Consumer struct {
	client rueidis.Client
	stream string
	group  string
	name   string
}

func NewConsumer(client rueidis.Client, stream, group, name string) *Consumer {
	return &Consumer{
		client: client,
		stream: stream,
		group:  group,
		name:   name,
	}
}

// EnsureGroup idempotently creates the consumer group, creating the stream if
// needed and starting from the beginning. An already existing group is fine.
func (c *Consumer) EnsureGroup(ctx context.Context) error {
	cmd := c.client.B().XgroupCreate().Key(c.stream).Group(c.group).Id("0").Mkstream().Build()
	err := c.client.Do(ctx, cmd).Error()
	if err == nil {
		slog.Info("stream.group.created", "stream", c.stream, "group", c.group)
		return nil
	}
	if redisErr, ok := rueidis.IsRedisErr(err); ok && redisErr.IsBusyGroup() {
		slog.Debug("stream.group.exists", "stream", c.stream, "group", c.group)
		return nil
	}
	return fmt.Errorf("create consumer group %s on %s: %w", c.group, c.stream, err)
}

// Read fetches up to count new entries for this consumer, blocking up to
// block for new data. Entries whose payload cannot be parsed are logged and
// skipped without ack, so they stay pending and come back through ClaimIdle.
func (c *Consumer) Read(ctx context.Context, count int64, block time.Duration) ([]Entry, error) {
	cmd := c.client.B().Xreadgroup().
		Group(c.group, c.name).
		Count(count).
		Block(block.Milliseconds()).
		Streams().Key(c.stream).Id(">").
		Build()

	res := c.client.Do(ctx, cmd)
	if err := res.Error(); err != nil {
		if rueidis.IsRedisNil(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read stream %s: %w", c.stream, err)
	}

	streams, err := res.AsXRead()
	if err != nil {
		return nil, fmt.Errorf("decode stream read reply: %w", err)
	}

	var entries []Entry
	for _, msg := range streams[c.stream] {
		point, err := parseEntry(msg.FieldValues)
		if err != nil {
			slog.Error("stream.entry.unparsable", "err", err, "entry_id", msg.ID)
			continue
		}
		entries = append(entries, Entry{ID: msg.ID, Point: point})
	}
	return entries, nil
}

// Ack marks one entry as delivered.
func (c *Consumer) Ack(ctx context.Context, id string) error {
	cmd := c.client.B().Xack().Key(c.stream).Group(c.group).Id(id).Build()
	if err := c.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("ack entry %s: %w", id, err)
	}
	return nil
}

// ClaimIdle transfers ownership of entries that have been pending on any
// consumer of the group for at least minIdle and returns the parsable ones.
// Claimed entries with an empty data field are acked and dropped on the spot,
// they can never succeed.
func (c *Consumer) ClaimIdle(ctx context.Context, minIdle time.Duration, count int64) ([]Entry, error) {
	idleMS := minIdle.Milliseconds()

	pendingCmd := c.client.B().Xpending().
		Key(c.stream).Group(c.group).
		Idle(idleMS).
		Start("-").End("+").Count(count).
		Build()

	pendingRes, err := c.client.Do(ctx, pendingCmd).ToArray()
	if err != nil {
		if rueidis.IsRedisNil(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list pending entries: %w", err)
	}
	if len(pendingRes) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(pendingRes))
	for _, item := range pendingRes {
		fields, err := item.ToArray()
		if err != nil || len(fields) == 0 {
			continue
		}
		id, err := fields[0].ToString()
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	claimCmd := c.client.B().Xclaim().
		Key(c.stream).Group(c.group).Consumer(c.name).
		MinIdleTime(strconv.FormatInt(idleMS, 10)).
		Id(ids...).
		Build()

	claimed, err := c.client.Do(ctx, claimCmd).AsXRange()
	if err != nil {
		if rueidis.IsRedisNil(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim pending entries: %w", err)
	}

	var entries []Entry
	for _, msg := range claimed {
		point, err := parseEntry(msg.FieldValues)
		if err != nil {
			if errors.Is(err, errEmptyData) {
				slog.Warn("stream.claimed.empty_data", "entry_id", msg.ID)
				if ackErr := c.Ack(ctx, msg.ID); ackErr != nil {
					slog.Error("stream.claimed.ack_failed", "err", ackErr, "entry_id", msg.ID)
				}
				continue
			}
			slog.Error("stream.claimed.unparsable", "err", err, "entry_id", msg.ID)
			continue
		}
		entries = append(entries, Entry{ID: msg.ID, Point: point})
	}
	return entries, nil
}

// parseEntry reconstructs a metric point from the entry's field map.
func parseEntry(fields map[string]string) (metric.Point, error) {
	data, ok := fields[fieldData]
	if !ok || data == "" {
		return metric.Point{}, errEmptyData
	}
	var point metric.Point
	if err := json.Unmarshal([]byte(data), &point); err != nil {
		return metric.Point{}, fmt.Errorf("unmarshal metric point: %w", err)
	}
	return point, nil
}
