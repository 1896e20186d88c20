package store

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/askdoc/answercache/cachekey"
)

// Redis is the ephemeral cache tier. Entries live in Redis hashes with the
// msgpack-encoded entry under field "v" and the hit count under field "h",
// so hit increments are atomic server-side. TTL is sliding: every hit
// refreshes the expiry, so hot entries never expire under steady traffic.
type Redis struct {
	client *redis.Client
	cfg    config
}

var _ Store = (*Redis)(nil)

// NewRedis returns the ephemeral tier backed by Redis. The caller owns the
// redis.Client lifecycle; Close is a no-op on the client.
func NewRedis(client *redis.Client, opts ...Option) *Redis {
	cfg := applyOptions(opts)
	if cfg.prefix == "" {
		cfg.prefix = cachekey.AnswerPrefix
	}
	return &Redis{client: client, cfg: cfg}
}

func (r *Redis) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, r.cfg.queryTimeout)
}

func (r *Redis) key(key string) string {
	return r.cfg.prefix + ":" + key
}

func (r *Redis) Get(ctx context.Context, key string) (*Entry, error) {
	qctx, cancel := r.queryCtx(ctx)
	defer cancel()
	k := r.key(key)
	data, err := r.client.HGet(qctx, k, "v").Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "store: redis get")
	}
	var e Entry
	if err := msgpack.Unmarshal(data, &e); err != nil {
		// Drop the unreadable entry so the next lookup recomputes it.
		r.client.Del(qctx, k)
		return nil, errors.WithSecondaryError(ErrCorruptEntry, err)
	}
	hits, err := r.client.HGet(qctx, k, "h").Int64()
	if err == nil {
		e.HitCount = hits
	}
	// Sliding TTL: a hit keeps the entry alive for another full window.
	r.client.Expire(qctx, k, r.cfg.defaultTTL)
	return &e, nil
}

func (r *Redis) Set(ctx context.Context, e *Entry, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = r.cfg.defaultTTL
	}
	data, err := msgpack.Marshal(e)
	if err != nil {
		return errors.Wrap(err, "store: redis marshal entry")
	}
	qctx, cancel := r.queryCtx(ctx)
	defer cancel()
	k := r.key(e.Key)
	pipe := r.client.Pipeline()
	pipe.HSet(qctx, k, "v", data, "h", e.HitCount)
	pipe.Expire(qctx, k, ttl)
	if _, err := pipe.Exec(qctx); err != nil {
		return errors.Wrap(err, "store: redis set")
	}
	return nil
}

func (r *Redis) IncrementHits(ctx context.Context, key string) (int64, error) {
	qctx, cancel := r.queryCtx(ctx)
	defer cancel()
	k := r.key(key)
	hits, err := r.client.HIncrBy(qctx, k, "h", 1).Result()
	if err != nil {
		return 0, errors.Wrap(err, "store: redis increment hits")
	}
	r.client.Expire(qctx, k, r.cfg.defaultTTL)
	return hits, nil
}

func (r *Redis) Delete(ctx context.Context, key string) (bool, error) {
	qctx, cancel := r.queryCtx(ctx)
	defer cancel()
	removed, err := r.client.Del(qctx, r.key(key)).Result()
	if err != nil {
		return false, errors.Wrap(err, "store: redis delete")
	}
	return removed > 0, nil
}

func (r *Redis) ClearAll(ctx context.Context) (int, error) {
	return r.deleteByPattern(ctx, r.cfg.prefix+":*")
}

func (r *Redis) Len(ctx context.Context) (int, error) {
	qctx, cancel := r.queryCtx(ctx)
	defer cancel()
	var count int
	iter := r.client.Scan(qctx, 0, r.cfg.prefix+":*", 0).Iterator()
	for iter.Next(qctx) {
		count++
	}
	if err := iter.Err(); err != nil {
		return 0, errors.Wrap(err, "store: redis len")
	}
	return count, nil
}

// Close is a no-op; the caller owns the redis.Client lifecycle.
func (r *Redis) Close() error {
	return nil
}

func (r *Redis) deleteByPattern(ctx context.Context, pattern string) (int, error) {
	qctx, cancel := r.queryCtx(ctx)
	defer cancel()
	var removed int
	iter := r.client.Scan(qctx, 0, pattern, 0).Iterator()
	for iter.Next(qctx) {
		n, err := r.client.Del(qctx, iter.Val()).Result()
		if err != nil {
			return removed, errors.Wrap(err, "store: redis clear")
		}
		removed += int(n)
	}
	if err := iter.Err(); err != nil {
		return removed, errors.Wrap(err, "store: redis clear scan")
	}
	return removed, nil
}

// RedisCounter tracks search counts with Redis INCR. Each increment
// refreshes the counter TTL so active questions keep their history while
// abandoned ones age out.
type RedisCounter struct {
	client *redis.Client
	cfg    config
}

var _ Counter = (*RedisCounter)(nil)

// NewRedisCounter returns a search counter backed by Redis.
func NewRedisCounter(client *redis.Client, opts ...Option) *RedisCounter {
	cfg := applyOptions(opts)
	if cfg.prefix == "" {
		cfg.prefix = cachekey.CountPrefix
	}
	return &RedisCounter{client: client, cfg: cfg}
}

func (c *RedisCounter) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, c.cfg.queryTimeout)
}

func (c *RedisCounter) key(key string) string {
	return c.cfg.prefix + ":" + key
}

func (c *RedisCounter) Increment(ctx context.Context, key string) (int64, error) {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	k := c.key(key)
	n, err := c.client.Incr(qctx, k).Result()
	if err != nil {
		return 0, errors.Wrap(err, "store: redis counter incr")
	}
	c.client.Expire(qctx, k, c.cfg.counterTTL)
	return n, nil
}

func (c *RedisCounter) Get(ctx context.Context, key string) (int64, error) {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	n, err := c.client.Get(qctx, c.key(key)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "store: redis counter get")
	}
	return n, nil
}

func (c *RedisCounter) Reset(ctx context.Context, key string) error {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	if err := c.client.Del(qctx, c.key(key)).Err(); err != nil {
		return errors.Wrap(err, "store: redis counter reset")
	}
	return nil
}

func (c *RedisCounter) ResetAll(ctx context.Context) (int, error) {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	var removed int
	iter := c.client.Scan(qctx, 0, c.cfg.prefix+":*", 0).Iterator()
	for iter.Next(qctx) {
		n, err := c.client.Del(qctx, iter.Val()).Result()
		if err != nil {
			return removed, errors.Wrap(err, "store: redis counter reset all")
		}
		removed += int(n)
	}
	if err := iter.Err(); err != nil {
		return removed, errors.Wrap(err, "store: redis counter scan")
	}
	return removed, nil
}
