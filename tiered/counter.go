package tiered

import (
	"context"

	"go.uber.org/zap"

	"github.com/askdoc/answercache/store"
)

// SearchCounter tracks lookup attempts per key. It counts against the fast
// ephemeral backend when available and fails over to the durable backend
// when it is not, so promotion decisions are never silently lost during a
// Redis outage.
type SearchCounter struct {
	primary  store.Counter // may be nil when no ephemeral backend exists
	fallback store.Counter
	log      *zap.Logger
}

// NewSearchCounter returns a SearchCounter. primary may be nil, in which
// case all counting goes straight to fallback.
func NewSearchCounter(primary, fallback store.Counter, log *zap.Logger) *SearchCounter {
	if log == nil {
		log = zap.NewNop()
	}
	return &SearchCounter{primary: primary, fallback: fallback, log: log}
}

// Increment records one lookup attempt and returns the current count.
func (s *SearchCounter) Increment(ctx context.Context, key string) (int64, error) {
	if s.primary != nil {
		n, err := s.primary.Increment(ctx, key)
		if err == nil {
			return n, nil
		}
		s.log.Warn("search counter primary unavailable, using durable fallback",
			zap.String("key", key), zap.Error(err))
	}
	return s.fallback.Increment(ctx, key)
}

// Get returns the current count for a key without incrementing it.
func (s *SearchCounter) Get(ctx context.Context, key string) (int64, error) {
	if s.primary != nil {
		n, err := s.primary.Get(ctx, key)
		if err == nil && n > 0 {
			return n, nil
		}
		if err != nil {
			s.log.Warn("search counter primary unavailable, reading durable fallback",
				zap.String("key", key), zap.Error(err))
		}
	}
	return s.fallback.Get(ctx, key)
}

// Reset clears the count for a key on both backends.
func (s *SearchCounter) Reset(ctx context.Context, key string) error {
	var firstErr error
	if s.primary != nil {
		firstErr = s.primary.Reset(ctx, key)
	}
	if err := s.fallback.Reset(ctx, key); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// ResetAll clears every counter on both backends and returns how many
// were removed.
func (s *SearchCounter) ResetAll(ctx context.Context) (int, error) {
	var removed int
	var firstErr error
	if s.primary != nil {
		n, err := s.primary.ResetAll(ctx)
		removed += n
		if err != nil {
			firstErr = err
		}
	}
	n, err := s.fallback.ResetAll(ctx)
	removed += n
	if err != nil && firstErr == nil {
		firstErr = err
	}
	return removed, firstErr
}
