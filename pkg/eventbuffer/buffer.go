// Package eventbuffer implements the durable ordered stream with consumer
// groups described in SPEC_FULL.md §4.3, on top of Redis Streams. The
// connection construction mirrors
// Generativebots-ocx-backend-go-svc/internal/infra/redis_adapter.go; the
// stream semantics (publish/consume/ack/claim/DLQ) are new, since the
// teacher's own event system is a Postgres LISTEN/NOTIFY broadcast, not a
// durable consumer-group queue.
package eventbuffer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Fixed stream names used by the core (SPEC_FULL.md §6).
const (
	StreamEvents      = "events"
	StreamAlerts      = "alerts"
	StreamCorrelation = "correlation"
)

// DLQSuffix names the dead-letter sibling of a stream.
const DLQSuffix = "-dlq"

// DefaultMaxDeliveries is the default retry budget before a message is
// moved to the DLQ.
const DefaultMaxDeliveries = 3

// ErrNotFound is returned when a message id no longer exists (already
// acked, claimed elsewhere, or expired).
var ErrNotFound = errors.New("eventbuffer: message not found")

// Message is one entry read from a stream.
type Message struct {
	ID         string
	Payload    []byte
	EnqueuedAt time.Time
	Sequence   string
	Deliveries int64
}

// wireEnvelope is the JSON shape published onto a stream field, matching
// SPEC_FULL's external interface ("top-level event_data field... plus
// meta").
type wireEnvelope struct {
	EventData json.RawMessage `json:"event_data"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
	Stream     string         `json:"stream"`
	Sequence   string         `json:"sequence"`
}

// Buffer is a Redis-Streams-backed durable ordered stream with consumer
// groups, implementing publish/consume/ack/claim-pending/move-to-DLQ.
type Buffer struct {
	rdb *redis.Client
	log *slog.Logger
}

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// New connects to Redis and verifies connectivity, mirroring
// NewGoRedisAdapter's construction (dial/read/write timeouts, pool size,
// ping-on-construct).
func New(ctx context.Context, opts Options, logger *slog.Logger) (*Buffer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("eventbuffer: redis ping failed (%s): %w", opts.Addr, err)
	}

	logger.Info("event buffer connected", "addr", opts.Addr, "db", opts.DB)
	return &Buffer{rdb: rdb, log: logger.With("component", "eventbuffer")}, nil
}

// Close shuts down the underlying Redis client.
func (b *Buffer) Close() error { return b.rdb.Close() }

// EnsureGroup creates the stream (MKSTREAM) and consumer group if absent. A
// new consumer group starts from the latest entry ($) on first use, per
// SPEC_FULL.md §6.
func (b *Buffer) EnsureGroup(ctx context.Context, stream, group string) error {
	err := b.rdb.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil && !isBusyGroupErr(err) {
		return fmt.Errorf("eventbuffer: create group %s/%s: %w", stream, group, err)
	}
	return nil
}

func isBusyGroupErr(err error) bool {
	return err != nil && (err.Error() == "BUSYGROUP Consumer Group name already exists" ||
		len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP")
}

// Publish appends payload (already-serialized event_data) to stream,
// returning the assigned message id.
func (b *Buffer) Publish(ctx context.Context, stream string, payload json.RawMessage) (string, error) {
	seq := uuid.NewString()
	env := wireEnvelope{
		EventData:  payload,
		EnqueuedAt: time.Now().UTC(),
		Stream:     stream,
		Sequence:   seq,
	}
	body, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("eventbuffer: marshal envelope: %w", err)
	}
	id, err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{"envelope": body},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("eventbuffer: publish to %s: %w", stream, err)
	}
	return id, nil
}

// Consume reads up to count pending-free messages for consumer in group,
// blocking up to blockMs for new entries. Returned messages become pending
// for this consumer until Ack'd.
func (b *Buffer) Consume(ctx context.Context, stream, group, consumer string, count int64, blockMs int) ([]Message, error) {
	res, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    time.Duration(blockMs) * time.Millisecond,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) || err == context.DeadlineExceeded {
			return nil, nil
		}
		return nil, fmt.Errorf("eventbuffer: consume %s/%s: %w", stream, group, err)
	}
	var out []Message
	for _, s := range res {
		for _, xm := range s.Messages {
			out = append(out, toMessage(xm))
		}
	}
	return out, nil
}

func toMessage(xm redis.XMessage) Message {
	msg := Message{ID: xm.ID}
	if raw, ok := xm.Values["envelope"]; ok {
		if s, ok := raw.(string); ok {
			var env wireEnvelope
			if err := json.Unmarshal([]byte(s), &env); err == nil {
				msg.Payload = env.EventData
				msg.EnqueuedAt = env.EnqueuedAt
				msg.Sequence = env.Sequence
			}
		}
	}
	return msg
}

// Ack removes messages from the group's pending entries list.
func (b *Buffer) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := b.rdb.XAck(ctx, stream, group, ids...).Err(); err != nil {
		return fmt.Errorf("eventbuffer: ack %s/%s: %w", stream, group, err)
	}
	return nil
}

// ClaimPending atomically claims up to count messages that have been
// pending for at least minIdle, reassigning them to consumer — used by the
// recovery loop when a worker has died.
func (b *Buffer) ClaimPending(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]Message, error) {
	msgs, _, err := b.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("eventbuffer: claim pending %s/%s: %w", stream, group, err)
	}
	out := make([]Message, 0, len(msgs))
	for _, xm := range msgs {
		out = append(out, toMessage(xm))
	}
	return out, nil
}

// DeliveryCount reports how many times a pending message has been
// delivered, used to decide whether it has exhausted its retry budget.
func (b *Buffer) DeliveryCount(ctx context.Context, stream, group, id string) (int64, error) {
	entries, err := b.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("eventbuffer: pending ext %s/%s/%s: %w", stream, group, id, err)
	}
	if len(entries) == 0 {
		return 0, ErrNotFound
	}
	return entries[0].RetryCount, nil
}

// MoveToDLQ publishes the message and its error to stream+DLQSuffix, then
// acks it on the primary stream. Call this once a message's delivery count
// has exhausted the retry budget (default DefaultMaxDeliveries).
func (b *Buffer) MoveToDLQ(ctx context.Context, stream, group string, msg Message, processingErr error) error {
	dlqPayload := map[string]any{
		"original_stream": stream,
		"message_id":      msg.ID,
		"event_data":      json.RawMessage(msg.Payload),
		"error":           processingErr.Error(),
		"failed_at":       time.Now().UTC(),
	}
	body, err := json.Marshal(dlqPayload)
	if err != nil {
		return fmt.Errorf("eventbuffer: marshal dlq payload: %w", err)
	}
	if _, err := b.Publish(ctx, stream+DLQSuffix, body); err != nil {
		return fmt.Errorf("eventbuffer: publish to dlq: %w", err)
	}
	return b.Ack(ctx, stream, group, msg.ID)
}
