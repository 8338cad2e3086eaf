package broker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trx-labs/taskrunnerx/internal/contracts"
)

func newTestBroker(t *testing.T) *Broker {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewWithClient(client)
}

func TestPublishReadAck(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t)

	require.NoError(t, b.EnsureGroup(ctx, "s", "g"))

	id, err := b.Publish(ctx, "s", map[string]any{"k": "v"}, PrimaryMaxLen)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	entries, err := b.ReadGroup(ctx, "s", "g", "c1", 10, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, id, entries[0].ID)
	assert.Equal(t, "v", entries[0].Values["k"])

	pending, err := b.PendingRange(ctx, "s", "g", 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	require.NoError(t, b.Ack(ctx, "s", "g", id))
	pending, err = b.PendingRange(ctx, "s", "g", 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// Double ack is a no-op.
	assert.NoError(t, b.Ack(ctx, "s", "g", id))
}

func TestEnsureGroupIdempotent(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t)

	require.NoError(t, b.EnsureGroup(ctx, "s", "g"))
	assert.NoError(t, b.EnsureGroup(ctx, "s", "g"))
}

func TestReadGroupEmptyReturnsNil(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t)

	require.NoError(t, b.EnsureGroup(ctx, "s", "g"))
	entries, err := b.ReadGroup(ctx, "s", "g", "c1", 10, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestGroupStartsAtTail(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t)

	// Entries appended before the group exists are not delivered to it.
	_, err := b.Publish(ctx, "s", map[string]any{"old": "1"}, 0)
	require.NoError(t, err)
	require.NoError(t, b.EnsureGroup(ctx, "s", "g"))

	_, err = b.Publish(ctx, "s", map[string]any{"new": "1"}, 0)
	require.NoError(t, err)

	entries, err := b.ReadGroup(ctx, "s", "g", "c1", 10, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "1", entries[0].Values["new"])
}

func TestClaimReassignsPending(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t)

	require.NoError(t, b.EnsureGroup(ctx, "s", "g"))
	id, err := b.Publish(ctx, "s", map[string]any{"k": "v"}, 0)
	require.NoError(t, err)

	// c1 reads but never acks.
	entries, err := b.ReadGroup(ctx, "s", "g", "c1", 10, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	claimed, err := b.Claim(ctx, "s", "g", "c2", 0, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, id, claimed[0].ID)
	assert.Equal(t, "v", claimed[0].Values["k"])
}

func TestClaimNothingPending(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t)

	require.NoError(t, b.EnsureGroup(ctx, "s", "g"))
	claimed, err := b.Claim(ctx, "s", "g", "c2", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestEnvelopeSurvivesStream(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t)

	require.NoError(t, b.EnsureGroup(ctx, "s", "g"))

	msg := contracts.TaskMessage{
		TaskID:       7,
		Name:         "echo",
		Payload:      []byte(`{"x":1}`),
		ExecutionKey: "echo:h:0",
		ScheduledAt:  time.Now().UTC(),
		Attempt:      1,
	}
	_, err := b.Publish(ctx, "s", msg.Values(), PrimaryMaxLen)
	require.NoError(t, err)

	entries, err := b.ReadGroup(ctx, "s", "g", "c1", 1, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	got, err := contracts.DecodeTaskMessage(entries[0].Values)
	require.NoError(t, err)
	assert.Equal(t, int64(7), got.TaskID)
	assert.Equal(t, "echo", got.Name)
	assert.Equal(t, "echo:h:0", got.ExecutionKey)
}
