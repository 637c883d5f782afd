package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "kotoba:cache:"

// Redis is a Cache backed by a Redis server, for deployments where several
// processes should share one reply cache. Each reply is stored under its own
// key with a native expiry; a sorted set indexed by creation time enforces
// the capacity bound.
type Redis struct {
	client   *redis.Client
	prefix   string
	ttl      time.Duration
	capacity int
	now      func() time.Time
}

// NewRedis connects to the server at url (redis://...) and verifies the
// connection with PING.
func NewRedis(ctx context.Context, url string, ttl time.Duration, capacity int) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("cache: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("cache: connect to redis: %w", err)
	}
	return newRedisWithClient(client, ttl, capacity), nil
}

func newRedisWithClient(client *redis.Client, ttl time.Duration, capacity int) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Redis{
		client:   client,
		prefix:   defaultRedisPrefix,
		ttl:      ttl,
		capacity: capacity,
		now:      time.Now,
	}
}

// Close releases the underlying connection pool.
func (r *Redis) Close() error { return r.client.Close() }

func (r *Redis) indexKey() string { return r.prefix + "index" }

func (r *Redis) Get(ctx context.Context, user, message string) (string, bool) {
	reply, err := r.client.Get(ctx, r.prefix+Key(user, message)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false
	}
	if err != nil {
		slog.Warn("cache: redis get failed", "err", err)
		return "", false
	}
	return reply, true
}

func (r *Redis) Put(ctx context.Context, user, message, reply string) {
	key := Key(user, message)
	now := r.now()

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.prefix+key, reply, r.ttl)
		pipe.ZAdd(ctx, r.indexKey(), redis.Z{Score: float64(now.UnixNano()), Member: key})
		return nil
	})
	if err != nil {
		slog.Warn("cache: redis put failed", "err", err)
		return
	}

	r.sweepAt(ctx, now)

	size, err := r.client.ZCard(ctx, r.indexKey()).Result()
	if err != nil {
		slog.Warn("cache: redis size check failed", "err", err)
		return
	}
	if excess := size - int64(r.capacity); excess > 0 {
		evicted, err := r.client.ZPopMin(ctx, r.indexKey(), excess).Result()
		if err != nil {
			slog.Warn("cache: redis eviction failed", "err", err)
			return
		}
		keys := make([]string, 0, len(evicted))
		for _, z := range evicted {
			if member, ok := z.Member.(string); ok {
				keys = append(keys, r.prefix+member)
			}
		}
		if len(keys) > 0 {
			if err := r.client.Del(ctx, keys...).Err(); err != nil {
				slog.Warn("cache: redis delete evicted failed", "err", err)
			}
		}
	}
}

func (r *Redis) Len(ctx context.Context) int {
	cutoff := r.now().Add(-r.ttl).UnixNano()
	n, err := r.client.ZCount(ctx, r.indexKey(), "("+strconv.FormatInt(cutoff, 10), "+inf").Result()
	if err != nil {
		slog.Warn("cache: redis count failed", "err", err)
		return 0
	}
	return int(n)
}

func (r *Redis) Sweep(ctx context.Context) int {
	return r.sweepAt(ctx, r.now())
}

// sweepAt drops index members whose entries have expired. The reply keys
// themselves expire on their own.
func (r *Redis) sweepAt(ctx context.Context, now time.Time) int {
	cutoff := now.Add(-r.ttl).UnixNano()
	n, err := r.client.ZRemRangeByScore(ctx, r.indexKey(), "-inf", strconv.FormatInt(cutoff, 10)).Result()
	if err != nil {
		slog.Warn("cache: redis sweep failed", "err", err)
		return 0
	}
	return int(n)
}

var _ Cache = (*Redis)(nil)
