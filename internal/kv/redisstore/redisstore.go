// Package redisstore implements kv.Store on top of Redis WATCH/MULTI/EXEC
// transactions, sharing one client with the queue fabric rather than
// hand-rolling a lock service.
package redisstore

import (
	"bytes"
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/trailofbits/crs-core/internal/kv"
)

// Store is a kv.Store backed by a Redis client.
type Store struct {
	rdb *redis.Client
}

// New wraps an existing *redis.Client. The client is expected to be shared
// with the queue fabric (internal/queue/redisqueue) so both concerns pool
// the same connections.
func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := s.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redisstore: get %s: %w", key, err)
	}
	return v, true, nil
}

func (s *Store) CAS(ctx context.Context, key string, old, new []byte) (bool, error) {
	applied := false
	txf := func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			cur = nil
		} else if err != nil {
			return err
		}

		if old == nil {
			if cur != nil {
				applied = false
				return nil
			}
		} else if !bytes.Equal(cur, old) {
			applied = false
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, new, 0)
			return nil
		})
		if err != nil {
			return err
		}
		applied = true
		return nil
	}

	err := s.rdb.Watch(ctx, txf, key)
	if err == redis.TxFailedErr {
		// Someone else mutated the key between Get and EXEC; treat as a
		// failed CAS so the caller's retry loop re-reads and retries.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redisstore: cas %s: %w", key, err)
	}
	return applied, nil
}

func (s *Store) ScanPrefix(ctx context.Context, prefix string) (map[string][]byte, error) {
	result := make(map[string][]byte)
	var cursor uint64
	match := prefix + "*"
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, match, 256).Result()
		if err != nil {
			return nil, fmt.Errorf("redisstore: scan %s: %w", prefix, err)
		}
		if len(keys) > 0 {
			vals, err := s.rdb.MGet(ctx, keys...).Result()
			if err != nil {
				return nil, fmt.Errorf("redisstore: mget under %s: %w", prefix, err)
			}
			for i, k := range keys {
				if vals[i] == nil {
					continue
				}
				if str, ok := vals[i].(string); ok {
					result[k] = []byte(str)
				}
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return result, nil
}

func (s *Store) Del(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redisstore: del %s: %w", key, err)
	}
	return nil
}

func (s *Store) Incr(ctx context.Context, key string, delta int64) (int64, error) {
	v, err := s.rdb.IncrBy(ctx, key, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("redisstore: incrby %s: %w", key, err)
	}
	return v, nil
}

var _ kv.Store = (*Store)(nil)
