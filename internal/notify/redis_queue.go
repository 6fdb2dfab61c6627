package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue persists the outbox in a Redis stream read through a consumer
// group, so undelivered events survive a restart and are retried from the
// pending list first.
type RedisQueue struct {
	rdb      *redis.Client
	stream   string
	group    string
	consumer string
	MaxLen   int64

	ready bool
}

func NewRedisQueue(rdb *redis.Client, stream, group, consumer string) *RedisQueue {
	return &RedisQueue{rdb: rdb, stream: stream, group: group, consumer: consumer, MaxLen: 100000}
}

func (q *RedisQueue) Enqueue(ctx context.Context, e Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.MaxLen,
		Approx: true,
		Values: map[string]interface{}{"event": string(b)},
	}).Err()
}

// Read returns this consumer's pending entries if any, otherwise blocks
// briefly for new ones. It is meant for a single reader goroutine.
func (q *RedisQueue) Read(ctx context.Context) ([]Delivery, error) {
	if !q.ready {
		if err := q.ensureGroup(ctx); err != nil {
			return nil, fmt.Errorf("ensure group: %w", err)
		}
		q.ready = true
	}
	// history reads never block; -1 omits BLOCK
	msgs, err := q.readGroup(ctx, "0", -1)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		if msgs, err = q.readGroup(ctx, ">", 2*time.Second); err != nil {
			return nil, err
		}
	}

	out := make([]Delivery, 0, len(msgs))
	for _, xm := range msgs {
		e, err := decodeEvent(xm.Values)
		if err != nil {
			// unreadable entries would block the pending list forever
			if ackErr := q.Ack(ctx, xm.ID); ackErr != nil {
				return nil, fmt.Errorf("decode %s: %v, ack: %w", xm.ID, err, ackErr)
			}
			continue
		}
		out = append(out, Delivery{ID: xm.ID, Event: e})
	}
	return out, nil
}

func (q *RedisQueue) Ack(ctx context.Context, id string) error {
	pipe := q.rdb.TxPipeline()
	pipe.XAck(ctx, q.stream, q.group, id)
	pipe.XDel(ctx, q.stream, id)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisQueue) ensureGroup(ctx context.Context) error {
	err := q.rdb.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err == nil || strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return err
}

func (q *RedisQueue) readGroup(ctx context.Context, id string, block time.Duration) ([]redis.XMessage, error) {
	streams, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.consumer,
		Streams:  []string{q.stream, id},
		Count:    16,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var out []redis.XMessage
	for _, s := range streams {
		out = append(out, s.Messages...)
	}
	return out, nil
}

func decodeEvent(values map[string]interface{}) (Event, error) {
	raw, ok := values["event"]
	if !ok {
		return Event{}, errors.New("missing event field")
	}
	s, ok := raw.(string)
	if !ok {
		return Event{}, fmt.Errorf("event field has type %T", raw)
	}
	var e Event
	if err := json.Unmarshal([]byte(s), &e); err != nil {
		return Event{}, err
	}
	return e, nil
}
