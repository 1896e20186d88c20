package tiered

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/askdoc/answercache/cachekey"
	"github.com/askdoc/answercache/store"
)

// Source identifies which tier served a cached answer.
type Source string

const (
	// SourceEphemeral marks answers served from the TTL-bounded tier.
	SourceEphemeral Source = "ephemeral"
	// SourcePermanent marks answers served from the durable tier.
	SourcePermanent Source = "permanent"
)

const (
	// DefaultPromotionThreshold is the number of lookups after which an
	// answer moves to the permanent tier.
	DefaultPromotionThreshold = 5
	// DefaultDegradedTTL bounds entries written to the durable tier when
	// the ephemeral backend is unavailable at set time.
	DefaultDegradedTTL = time.Hour
)

// Result is a cache hit: the entry, the tier that served it, and the total
// number of lookups seen for this question.
type Result struct {
	Entry       *store.Entry
	Source      Source
	SearchCount int64
}

// Engine coordinates the two cache tiers. Lookups consult the permanent
// tier first, then the ephemeral tier; once a question accumulates enough
// lookups its entry is promoted into the permanent tier. Promotion is
// one-directional and write-new-then-delete-old, so a reader never observes
// the key absent from both tiers.
type Engine struct {
	ephemeral   store.Store
	permanent   store.Store
	counter     *SearchCounter
	threshold   int64
	degradedTTL time.Duration
	log         *zap.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithPromotionThreshold overrides the lookup count that triggers
// promotion.
func WithPromotionThreshold(n int64) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.threshold = n
		}
	}
}

// WithDegradedTTL overrides the TTL for durable-tier fallback writes.
func WithDegradedTTL(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.degradedTTL = d
		}
	}
}

// NewEngine returns a promotion engine over the given tiers.
func NewEngine(ephemeral, permanent store.Store, counter *SearchCounter, log *zap.Logger, opts ...EngineOption) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	e := &Engine{
		ephemeral:   ephemeral,
		permanent:   permanent,
		counter:     counter,
		threshold:   DefaultPromotionThreshold,
		degradedTTL: DefaultDegradedTTL,
		log:         log,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Get looks up a previously computed answer. It returns (nil, nil) on a
// miss; the caller is expected to compute the answer and call Set. Every
// call counts as one lookup attempt regardless of outcome.
func (e *Engine) Get(ctx context.Context, question, model string, options map[string]string) (*Result, error) {
	key := cachekey.Derive(question, model, options)

	searches, err := e.counter.Increment(ctx, key)
	if err != nil {
		// Counting is best-effort when every backend is down; a lost
		// increment only delays promotion by one lookup.
		e.log.Warn("search count increment failed", zap.String("key", key), zap.Error(err))
		searches = 1
	}

	// Permanent tier is authoritative once an answer lives there.
	perm, err := e.permanent.Get(ctx, key)
	if err != nil && !errors.Is(err, store.ErrCorruptEntry) {
		return nil, errors.Wrap(err, "tiered: permanent get")
	}
	if perm != nil {
		if hits, err := e.permanent.IncrementHits(ctx, key); err == nil && hits > 0 {
			perm.HitCount = hits
		}
		return &Result{Entry: perm, Source: SourcePermanent, SearchCount: searches}, nil
	}

	eph, err := e.ephemeral.Get(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrCorruptEntry) {
			// Already deleted by the store; recompute on the next set.
			e.log.Warn("corrupt ephemeral entry dropped", zap.String("key", key))
			return nil, nil
		}
		// Ephemeral backend down: degrade to a miss rather than failing
		// the caller.
		e.log.Warn("ephemeral tier unavailable on get", zap.String("key", key), zap.Error(err))
		return nil, nil
	}
	if eph == nil {
		return nil, nil
	}

	if searches >= e.threshold {
		return e.promote(ctx, key, eph, searches)
	}

	if hits, err := e.ephemeral.IncrementHits(ctx, key); err == nil && hits > 0 {
		eph.HitCount = hits
	}
	return &Result{Entry: eph, Source: SourceEphemeral, SearchCount: searches}, nil
}

// promote moves an entry into the permanent tier: write the new copy,
// delete the old one, then serve from the permanent tier. The upsert is
// idempotent, so a racing promotion of the same key is a harmless no-op.
func (e *Engine) promote(ctx context.Context, key string, eph *store.Entry, searches int64) (*Result, error) {
	promoted := *eph
	promoted.HitCount = searches
	promoted.LastAccessed = time.Now()

	if err := e.permanent.Set(ctx, &promoted, 0); err != nil {
		// Promotion failed; keep serving from the ephemeral tier and try
		// again on the next lookup.
		e.log.Warn("promotion write failed", zap.String("key", key), zap.Error(err))
		return &Result{Entry: eph, Source: SourceEphemeral, SearchCount: searches}, nil
	}
	if _, err := e.ephemeral.Delete(ctx, key); err != nil {
		e.log.Warn("ephemeral delete after promotion failed", zap.String("key", key), zap.Error(err))
	}
	e.log.Info("promoted answer to permanent tier",
		zap.String("key", key),
		zap.String("question", truncate(promoted.Question, 40)),
		zap.Int64("searches", searches))

	perm, err := e.permanent.Get(ctx, key)
	if err != nil || perm == nil {
		// A concurrent clear can race the re-read; the copy we just wrote
		// is still the right answer.
		perm = &promoted
	}
	return &Result{Entry: perm, Source: SourcePermanent, SearchCount: searches}, nil
}

// Set remembers a freshly computed answer. Writes go to the ephemeral tier
// first; if that backend is unavailable the answer is written to the
// durable tier under a short TTL instead of being dropped.
func (e *Engine) Set(ctx context.Context, question string, payload []byte, model string, options map[string]string) error {
	key := cachekey.Derive(question, model, options)

	// Already promoted: the permanent copy is authoritative.
	perm, err := e.permanent.Get(ctx, key)
	if err == nil && perm != nil {
		e.log.Debug("set skipped, answer already permanent", zap.String("key", key))
		return nil
	}

	now := time.Now()
	entry := &store.Entry{
		Key:          key,
		Question:     question,
		Payload:      payload,
		Model:        model,
		CreatedAt:    now,
		LastAccessed: now,
		HitCount:     1,
	}

	if err := e.ephemeral.Set(ctx, entry, 0); err != nil {
		e.log.Warn("ephemeral tier unavailable on set, writing durable fallback",
			zap.String("key", key), zap.Error(err))
		if err := e.permanent.Set(ctx, entry, e.degradedTTL); err != nil {
			return errors.Wrap(err, "tiered: degraded set")
		}
	}
	return nil
}

// SearchCount reports the lookup count for a question without incrementing
// it.
func (e *Engine) SearchCount(ctx context.Context, question, model string, options map[string]string) (int64, error) {
	return e.counter.Get(ctx, cachekey.Derive(question, model, options))
}

// ClearInfo reports how many items each tier dropped during a clear.
type ClearInfo struct {
	Ephemeral int `json:"ephemeral_cleared"`
	Permanent int `json:"permanent_cleared"`
	Counters  int `json:"counters_cleared"`
}

// ClearAll empties both tiers and every search counter.
func (e *Engine) ClearAll(ctx context.Context) (ClearInfo, error) {
	var info ClearInfo

	n, firstErr := e.ephemeral.ClearAll(ctx)
	info.Ephemeral = n

	n, err := e.permanent.ClearAll(ctx)
	info.Permanent = n
	if err != nil && firstErr == nil {
		firstErr = err
	}

	n, err = e.counter.ResetAll(ctx)
	info.Counters = n
	if err != nil && firstErr == nil {
		firstErr = err
	}
	return info, errors.Wrap(firstErr, "tiered: clear all")
}

// Counts returns the live entry count in each tier.
func (e *Engine) Counts(ctx context.Context) (ephemeral, permanent int, err error) {
	ephemeral, err = e.ephemeral.Len(ctx)
	if err != nil {
		// Ephemeral backend down should not hide the permanent count.
		e.log.Warn("ephemeral len unavailable", zap.Error(err))
		ephemeral = 0
	}
	permanent, err = e.permanent.Len(ctx)
	if err != nil {
		return ephemeral, 0, errors.Wrap(err, "tiered: permanent len")
	}
	return ephemeral, permanent, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
