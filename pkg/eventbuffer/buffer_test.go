package eventbuffer

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
)

// newTestBuffer starts a real Redis container, mirroring pkg/database's
// container-per-test pattern so stream/consumer-group/DLQ semantics are
// exercised against the real backend rather than a hand-rolled fake.
func newTestBuffer(t *testing.T) *Buffer {
	t.Helper()
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Ready to accept connections").WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379/tcp")
	require.NoError(t, err)

	buf, err := New(ctx, Options{Addr: fmt.Sprintf("%s:%d", host, port.Int())}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = buf.Close() })

	return buf
}

func TestBuffer_PublishConsumeAck(t *testing.T) {
	buf := newTestBuffer(t)
	ctx := context.Background()

	require.NoError(t, buf.EnsureGroup(ctx, "ingest", "workers"))

	id, err := buf.Publish(ctx, "ingest", []byte(`{"host":"web-01"}`))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs, err := buf.Consume(ctx, "ingest", "workers", "consumer-1", 10, 1000)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.JSONEq(t, `{"host":"web-01"}`, string(msgs[0].Payload))

	require.NoError(t, buf.Ack(ctx, "ingest", "workers", msgs[0].ID))

	_, err = buf.DeliveryCount(ctx, "ingest", "workers", msgs[0].ID)
	require.ErrorIs(t, err, ErrNotFound, "an acked message has no pending entry left")
}

func TestBuffer_ExhaustedRetriesMoveToDLQ(t *testing.T) {
	buf := newTestBuffer(t)
	ctx := context.Background()

	require.NoError(t, buf.EnsureGroup(ctx, "ingest", "workers"))

	_, err := buf.Publish(ctx, "ingest", []byte(`{"event":"bad"}`))
	require.NoError(t, err)

	msgs, err := buf.Consume(ctx, "ingest", "workers", "consumer-1", 10, 1000)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	msg := msgs[0]

	// Simulate two failed processing attempts by re-claiming the still-
	// pending message, which increments its delivery count each time —
	// the same path the recovery loop uses when a worker dies mid-process.
	for i := 0; i < 2; i++ {
		claimed, err := buf.ClaimPending(ctx, "ingest", "workers", "consumer-1", 0, 10)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
	}

	count, err := buf.DeliveryCount(ctx, "ingest", "workers", msg.ID)
	require.NoError(t, err)
	require.GreaterOrEqual(t, count, int64(DefaultMaxDeliveries))

	require.NoError(t, buf.MoveToDLQ(ctx, "ingest", "workers", msg, errors.New("parse failed: malformed json")))

	_, err = buf.DeliveryCount(ctx, "ingest", "workers", msg.ID)
	require.ErrorIs(t, err, ErrNotFound, "MoveToDLQ must ack the original message")

	require.NoError(t, buf.EnsureGroup(ctx, "ingest"+DLQSuffix, "dlq-readers"))
	dlqMsgs, err := buf.Consume(ctx, "ingest"+DLQSuffix, "dlq-readers", "reader-1", 10, 1000)
	require.NoError(t, err)
	require.Len(t, dlqMsgs, 1)
	require.Contains(t, string(dlqMsgs[0].Payload), "parse failed")
	require.Contains(t, string(dlqMsgs[0].Payload), msg.ID)
}
