// Package store provides the storage backends for the answer cache: a
// Redis-backed ephemeral tier, a SQLite-backed permanent tier, and an
// in-memory implementation for tests and Redis-less deployments.
//
// All backends implement the same Store interface so tiers can be swapped
// or faked without changing the promotion logic that sits on top of them.
// Entries are serialized with msgpack at rest.
package store

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// ErrCorruptEntry marks a stored value that failed to deserialize. The
// backend deletes the offending row before returning it, so callers can
// safely treat it as a miss.
var ErrCorruptEntry = errors.New("store: corrupt cache entry")

// Entry is the unit of caching. Payload is opaque to the cache layer and
// round-trips unchanged; use Encode and Decode for structured payloads.
type Entry struct {
	Key          string    `msgpack:"key"`
	Question     string    `msgpack:"question"`
	Payload      []byte    `msgpack:"payload"`
	Model        string    `msgpack:"model,omitempty"`
	CreatedAt    time.Time `msgpack:"created_at"`
	LastAccessed time.Time `msgpack:"last_accessed"`
	HitCount     int64     `msgpack:"hit_count"`
}

// Store is the minimal contract both cache tiers implement.
// Get returns (nil, nil) on a miss. Set with ttl <= 0 uses the backend's
// default TTL for TTL-bounded backends and stores without expiry on the
// permanent backend. Hit counting is atomic at the backend so concurrent
// increments are never lost.
type Store interface {
	Get(ctx context.Context, key string) (*Entry, error)
	Set(ctx context.Context, e *Entry, ttl time.Duration) error
	IncrementHits(ctx context.Context, key string) (int64, error)
	Delete(ctx context.Context, key string) (bool, error)
	ClearAll(ctx context.Context) (int, error)
	Len(ctx context.Context) (int, error)
	Close() error
}

// Counter tracks lookup attempts per key, independent of hit or miss
// outcome. Increment is atomic at the backend.
type Counter interface {
	Increment(ctx context.Context, key string) (int64, error)
	Get(ctx context.Context, key string) (int64, error)
	Reset(ctx context.Context, key string) error
	ResetAll(ctx context.Context) (int, error)
}

// Encode serializes a structured payload for Entry.Payload.
func Encode(v any) ([]byte, error) {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "store: encode payload")
	}
	return data, nil
}

// Decode deserializes an entry payload produced by Encode.
func Decode[T any](e *Entry) (T, error) {
	var out T
	if e == nil {
		return out, errors.New("store: decode nil entry")
	}
	if err := msgpack.Unmarshal(e.Payload, &out); err != nil {
		return out, errors.Wrap(err, "store: decode payload")
	}
	return out, nil
}

const (
	// DefaultTTL bounds ephemeral entries at a 24 hour sliding window.
	DefaultTTL = 24 * time.Hour
	// DefaultCounterTTL bounds search counters so abandoned questions
	// eventually stop accumulating state.
	DefaultCounterTTL = 30 * 24 * time.Hour
	// DefaultQueryTimeout is the per-operation timeout for I/O-backed
	// stores. Prevents foreground requests from hanging on slow storage.
	DefaultQueryTimeout = 5 * time.Second
)

// config holds the resolved configuration for a store implementation.
type config struct {
	defaultTTL   time.Duration
	counterTTL   time.Duration
	queryTimeout time.Duration
	expiryCheck  time.Duration
	prefix       string
}

// Option configures a store implementation.
type Option func(*config)

func defaultConfig() config {
	return config{
		defaultTTL:   DefaultTTL,
		counterTTL:   DefaultCounterTTL,
		queryTimeout: DefaultQueryTimeout,
		expiryCheck:  time.Minute,
	}
}

func applyOptions(opts []Option) config {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithDefaultTTL sets the TTL used when Set is called with ttl <= 0.
func WithDefaultTTL(d time.Duration) Option {
	return func(c *config) { c.defaultTTL = d }
}

// WithCounterTTL sets the expiry applied to search counters.
func WithCounterTTL(d time.Duration) Option {
	return func(c *config) { c.counterTTL = d }
}

// WithQueryTimeout sets the per-operation timeout for I/O-backed stores.
func WithQueryTimeout(d time.Duration) Option {
	return func(c *config) { c.queryTimeout = d }
}

// WithExpiryCheck sets the interval for background expired-entry cleanup.
// Applies to the in-memory and SQLite backends.
func WithExpiryCheck(d time.Duration) Option {
	return func(c *config) { c.expiryCheck = d }
}

// WithPrefix sets the key prefix for namespacing keys in shared backends.
// Applies to the Redis backend.
func WithPrefix(p string) Option {
	return func(c *config) { c.prefix = p }
}
