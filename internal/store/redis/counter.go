package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// CounterStore is the redis-backed rate-limit counter for multi-instance
// deployments, where in-process counts would let each replica hand out a full
// quota. INCR plus a first-hit expiry gives one shared window per key.
type CounterStore struct {
	client *redis.Client
}

func New(ctx context.Context, addr, password string, db int) (*CounterStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis.New: ping: %w", err)
	}

	return &CounterStore{client: client}, nil
}

func (s *CounterStore) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("redis.CounterStore.Close: %w", err)
	}
	return nil
}

// Incr counts one hit for key. The window TTL is set only when the key is
// created, so every later hit lands in the same window. PTTL on the same
// pipeline round trip yields the reset time without a second call.
func (s *CounterStore) Incr(ctx context.Context, key string, window time.Duration) (int, time.Time, error) {
	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, window)
	pttl := pipe.PTTL(ctx, key)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, time.Time{}, fmt.Errorf("redis.CounterStore.Incr: %w", err)
	}

	ttl := pttl.Val()
	if ttl < 0 {
		// Key existed without a TTL (eg. flushed expiry). Repair it so the
		// window cannot live forever.
		if err := s.client.Expire(ctx, key, window).Err(); err != nil {
			return 0, time.Time{}, fmt.Errorf("redis.CounterStore.Incr: repair ttl: %w", err)
		}
		ttl = window
	}

	return int(incr.Val()), time.Now().Add(ttl), nil
}
