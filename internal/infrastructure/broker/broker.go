// Package broker adapts Redis Streams to the queue semantics the dispatcher
// and worker need: durable append, consumer groups with pending-entry
// tracking, idempotent ack, and claim-on-timeout recovery.
package broker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// PrimaryMaxLen is the approximate bounded retention of the primary stream.
// The DLQ stream is unbounded.
const PrimaryMaxLen int64 = 10000

// Entry is one stream entry: the broker-assigned monotone id plus its fields.
type Entry struct {
	ID     string
	Values map[string]any
}

type Broker struct {
	client *redis.Client
}

// New connects from a redis:// URL.
func New(url string) (*Broker, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &Broker{client: redis.NewClient(opts)}, nil
}

// NewWithClient wraps an existing client (tests).
func NewWithClient(client *redis.Client) *Broker {
	return &Broker{client: client}
}

func (b *Broker) Close() error {
	return b.client.Close()
}

func (b *Broker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Publish appends an entry and returns the broker-assigned id. maxLen > 0
// applies approximate bounded retention; 0 keeps the stream unbounded.
func (b *Broker) Publish(ctx context.Context, stream string, values map[string]any, maxLen int64) (string, error) {
	args := &redis.XAddArgs{
		Stream: stream,
		Values: values,
	}
	if maxLen > 0 {
		args.MaxLen = maxLen
		args.Approx = true
	}
	id, err := b.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", stream, err)
	}
	return id, nil
}

// EnsureGroup creates the consumer group from the stream tail, creating the
// stream if needed. Safe to call repeatedly.
func (b *Broker) EnsureGroup(ctx context.Context, stream, group string) error {
	err := b.client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("xgroup create %s/%s: %w", stream, group, err)
	}
	return nil
}

// ReadGroup blocks up to block for new entries assigned to this consumer.
// Returns nil on timeout. Entries stay pending until acked.
func (b *Broker) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Entry, error) {
	res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xreadgroup %s/%s: %w", stream, group, err)
	}

	var entries []Entry
	for _, s := range res {
		for _, msg := range s.Messages {
			entries = append(entries, Entry{ID: msg.ID, Values: msg.Values})
		}
	}
	return entries, nil
}

// Ack removes an entry from the pending list. Acking twice is a no-op.
func (b *Broker) Ack(ctx context.Context, stream, group, id string) error {
	if err := b.client.XAck(ctx, stream, group, id).Err(); err != nil {
		return fmt.Errorf("xack %s/%s %s: %w", stream, group, id, err)
	}
	return nil
}

// Claim reassigns entries pending longer than minIdle to this consumer,
// recovering work from consumers that died before acking.
func (b *Broker) Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]Entry, error) {
	pending, err := b.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Idle:   minIdle,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("xpending %s/%s: %w", stream, group, err)
	}
	if len(pending) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(pending))
	for _, p := range pending {
		ids = append(ids, p.ID)
	}

	claimed, err := b.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("xclaim %s/%s: %w", stream, group, err)
	}

	entries := make([]Entry, 0, len(claimed))
	for _, msg := range claimed {
		entries = append(entries, Entry{ID: msg.ID, Values: msg.Values})
	}
	return entries, nil
}

// PendingRange inspects the pending list without claiming.
func (b *Broker) PendingRange(ctx context.Context, stream, group string, count int64) ([]redis.XPendingExt, error) {
	pending, err := b.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("xpending %s/%s: %w", stream, group, err)
	}
	return pending, nil
}
