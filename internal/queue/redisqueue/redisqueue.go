// Package redisqueue maps the Queue contract directly onto Redis Streams
// consumer groups: XADD for push, XREADGROUP for reserve, XACK for ack,
// XAUTOCLAIM for reclaim, XRANGE for peek.
package redisqueue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trailofbits/crs-core/internal/queue"
	"github.com/trailofbits/crs-core/internal/wire"
)

const dataField = "data"
const queueIndexKey = "crs:queue_index"

// Queue is a queue.Queue backed by Redis Streams.
type Queue struct {
	rdb *redis.Client
}

// New wraps an existing *redis.Client, shared with the KV store
// (internal/kv/redisstore) so both concerns pool the same connections.
func New(rdb *redis.Client) *Queue {
	return &Queue{rdb: rdb}
}

func (q *Queue) Push(ctx context.Context, queueName string, env wire.Envelope) (string, error) {
	id, err := q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: queueName,
		Values: map[string]interface{}{dataField: env.Marshal()},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("redisqueue: push %s: %w", queueName, err)
	}
	if err := q.rdb.SAdd(ctx, queueIndexKey, queueName).Err(); err != nil {
		return "", fmt.Errorf("redisqueue: index %s: %w", queueName, err)
	}
	return id, nil
}

// ensureGroup creates group on queueName (and the stream if missing),
// tolerating the case where the group already exists.
func (q *Queue) ensureGroup(ctx context.Context, queueName, group string) error {
	err := q.rdb.XGroupCreateMkStream(ctx, queueName, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("redisqueue: create group %s/%s: %w", queueName, group, err)
	}
	return nil
}

func decodeMessages(raw []redis.XMessage) ([]queue.Message, error) {
	out := make([]queue.Message, 0, len(raw))
	for _, m := range raw {
		v, ok := m.Values[dataField]
		if !ok {
			continue
		}
		s, ok := v.(string)
		if !ok {
			continue
		}
		env, err := wire.Unmarshal([]byte(s))
		if err != nil {
			return nil, fmt.Errorf("redisqueue: decode %s: %w", m.ID, err)
		}
		out = append(out, queue.Message{ID: m.ID, Envelope: env})
	}
	return out, nil
}

func (q *Queue) Reserve(ctx context.Context, queueName, group, consumer string, n int, blockMs int) ([]queue.Message, error) {
	if err := q.ensureGroup(ctx, queueName, group); err != nil {
		return nil, err
	}

	// blockMs <= 0 means a non-blocking poll; the client treats a zero
	// Block as "wait forever", so map it to the no-BLOCK sentinel.
	block := time.Duration(blockMs) * time.Millisecond
	if blockMs <= 0 {
		block = -1
	}

	res, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{queueName, ">"},
		Count:    int64(n),
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redisqueue: reserve %s/%s: %w", queueName, group, err)
	}
	if len(res) == 0 {
		return nil, nil
	}
	return decodeMessages(res[0].Messages)
}

func (q *Queue) Ack(ctx context.Context, queueName, group, msgID string) error {
	if err := q.rdb.XAck(ctx, queueName, group, msgID).Err(); err != nil {
		return fmt.Errorf("redisqueue: ack %s/%s/%s: %w", queueName, group, msgID, err)
	}
	return nil
}

func (q *Queue) Reclaim(ctx context.Context, queueName, group string, idleMs int64) ([]queue.Message, error) {
	if err := q.ensureGroup(ctx, queueName, group); err != nil {
		return nil, err
	}

	var out []queue.Message
	cursor := "0-0"
	for {
		claimedMsgs, next, err := q.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   queueName,
			Group:    group,
			Consumer: "reclaimer",
			MinIdle:  time.Duration(idleMs) * time.Millisecond,
			Start:    cursor,
			Count:    100,
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("redisqueue: reclaim %s/%s: %w", queueName, group, err)
		}
		decoded, err := decodeMessages(claimedMsgs)
		if err != nil {
			return nil, err
		}
		out = append(out, decoded...)
		if next == "0-0" || len(claimedMsgs) == 0 {
			break
		}
		cursor = next
	}
	return out, nil
}

func (q *Queue) Peek(ctx context.Context, queueName string, max int) ([]queue.Message, error) {
	res, err := q.rdb.XRange(ctx, queueName, "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("redisqueue: peek %s: %w", queueName, err)
	}
	if len(res) > max {
		res = res[:max]
	}
	return decodeMessages(res)
}

func (q *Queue) Len(ctx context.Context, queueName string) (int64, error) {
	n, err := q.rdb.XLen(ctx, queueName).Result()
	if err != nil {
		return 0, fmt.Errorf("redisqueue: len %s: %w", queueName, err)
	}
	return n, nil
}

func (q *Queue) Drain(ctx context.Context, queueName string, match func(wire.Envelope) bool) (int, error) {
	res, err := q.rdb.XRange(ctx, queueName, "-", "+").Result()
	if err != nil {
		return 0, fmt.Errorf("redisqueue: drain scan %s: %w", queueName, err)
	}

	removed := 0
	for _, m := range res {
		v, ok := m.Values[dataField]
		if !ok {
			continue
		}
		s, ok := v.(string)
		if !ok {
			continue
		}
		env, err := wire.Unmarshal([]byte(s))
		if err != nil || !match(env) {
			continue
		}
		if err := q.rdb.XDel(ctx, queueName, m.ID).Err(); err != nil {
			return removed, fmt.Errorf("redisqueue: drain del %s/%s: %w", queueName, m.ID, err)
		}
		removed++
	}
	return removed, nil
}

func (q *Queue) Delete(ctx context.Context, queueName string) error {
	if err := q.rdb.Del(ctx, queueName).Err(); err != nil {
		return fmt.Errorf("redisqueue: delete %s: %w", queueName, err)
	}
	if err := q.rdb.SRem(ctx, queueIndexKey, queueName).Err(); err != nil {
		return fmt.Errorf("redisqueue: unindex %s: %w", queueName, err)
	}
	return nil
}

func (q *Queue) List(ctx context.Context) ([]string, error) {
	names, err := q.rdb.SMembers(ctx, queueIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redisqueue: list: %w", err)
	}
	return names, nil
}

var _ queue.Queue = (*Queue)(nil)
