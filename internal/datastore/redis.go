package datastore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	quotaSecPrefix   = "oto:quota:sec:"
	quotaDayPrefix   = "oto:quota:day:"
	quotaMonthPrefix = "oto:quota:month:"
	noncePrefix      = "oto:seccom:nonce:"
	statsPrefix      = "oto:cluster:stats:"
)

// RedisStore shares state between gateway nodes through Redis.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// IncrQuotas bumps the three window counters in one round trip. Each
// counter key embeds its window so INCR starts fresh windows at 1, and
// expiry keeps stale windows from accumulating.
func (r *RedisStore) IncrQuotas(ctx context.Context, clientID string, now time.Time) (QuotaState, error) {
	secKey := quotaSecPrefix + clientID + ":" + secWindow(now)
	dayKey := quotaDayPrefix + clientID + ":" + dayWindow(now)
	monKey := quotaMonthPrefix + clientID + ":" + monthWindow(now)

	pipe := r.client.TxPipeline()
	secIncr := pipe.Incr(ctx, secKey)
	pipe.PExpire(ctx, secKey, 2*time.Second)
	dayIncr := pipe.Incr(ctx, dayKey)
	pipe.ExpireAt(ctx, dayKey, endOfDay(now))
	monIncr := pipe.Incr(ctx, monKey)
	pipe.ExpireAt(ctx, monKey, endOfMonth(now))

	if _, err := pipe.Exec(ctx); err != nil {
		return QuotaState{}, fmt.Errorf("quota increment failed: %w", err)
	}

	return QuotaState{
		WithinSecond: secIncr.Val(),
		WithinDay:    dayIncr.Val(),
		WithinMonth:  monIncr.Val(),
	}, nil
}

// CheckAndStoreNonce relies on SET NX so concurrent checks of the same
// id race safely: exactly one caller wins.
func (r *RedisStore) CheckAndStoreNonce(ctx context.Context, jti string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, noncePrefix+jti, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("nonce check failed: %w", err)
	}
	return ok, nil
}

func (r *RedisStore) PublishStats(ctx context.Context, view StatsView, ttl time.Duration) error {
	data, err := json.Marshal(view)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, statsPrefix+view.NodeID, data, ttl).Err(); err != nil {
		return fmt.Errorf("stats publish failed: %w", err)
	}
	return nil
}

func (r *RedisStore) ListStats(ctx context.Context) ([]StatsView, error) {
	var views []StatsView
	iter := r.client.Scan(ctx, 0, statsPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := r.client.Get(ctx, iter.Val()).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("stats read failed: %w", err)
		}
		var v StatsView
		if err := json.Unmarshal(data, &v); err != nil {
			continue
		}
		views = append(views, v)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("stats scan failed: %w", err)
	}
	return views, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
