package tiered

import (
	"context"

	"go.uber.org/zap"

	"github.com/askdoc/answercache/docvalidate"
)

// Stats is the operational snapshot exposed to tooling.
type Stats struct {
	EphemeralCount    int                  `json:"ephemeral_count"`
	PermanentCount    int                  `json:"permanent_count"`
	RecentValidations []docvalidate.Record `json:"recent_validation_history,omitempty"`
}

// Cache is the public surface the retrieval pipeline calls. It never
// returns an error from Get: any internal fault is absorbed and surfaces
// as a plain miss so the pipeline falls back to computing the answer.
type Cache struct {
	engine    *Engine
	validator *docvalidate.Validator // optional
	log       *zap.Logger
}

// NewCache wraps an Engine in the never-fails facade. validator may be nil
// when documents are validated elsewhere; ForceValidate then reports no-op
// and Stats omits validation history.
func NewCache(engine *Engine, validator *docvalidate.Validator, log *zap.Logger) *Cache {
	if log == nil {
		log = zap.NewNop()
	}
	return &Cache{engine: engine, validator: validator, log: log}
}

// Get returns the cached answer for a question, or nil on a miss. Internal
// cache faults are logged and reported as a miss.
func (c *Cache) Get(ctx context.Context, question, model string, options map[string]string) *Result {
	res, err := c.engine.Get(ctx, question, model, options)
	if err != nil {
		c.log.Warn("cache get degraded to miss", zap.Error(err))
		return nil
	}
	return res
}

// Set remembers a freshly computed answer. Returns false only when no tier
// could take the write.
func (c *Cache) Set(ctx context.Context, question string, payload []byte, model string, options map[string]string) bool {
	if err := c.engine.Set(ctx, question, payload, model, options); err != nil {
		c.log.Warn("cache set dropped", zap.Error(err))
		return false
	}
	return true
}

// ClearAll empties both tiers and all counters.
func (c *Cache) ClearAll(ctx context.Context) (ClearInfo, error) {
	info, err := c.engine.ClearAll(ctx)
	if err != nil {
		c.log.Warn("clear all incomplete", zap.Error(err))
		return info, err
	}
	c.log.Info("cache cleared",
		zap.Int("ephemeral", info.Ephemeral),
		zap.Int("permanent", info.Permanent),
		zap.Int("counters", info.Counters))
	return info, nil
}

// Stats reports per-tier entry counts and, when a validator is attached,
// the most recent validation history.
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	eph, perm, err := c.engine.Counts(ctx)
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{EphemeralCount: eph, PermanentCount: perm}
	if c.validator != nil {
		history, err := c.validator.History(ctx, 5)
		if err != nil {
			c.log.Warn("validation history unavailable", zap.Error(err))
		} else {
			stats.RecentValidations = history
		}
	}
	return stats, nil
}

// ForceValidate triggers an out-of-band document validation pass.
func (c *Cache) ForceValidate(ctx context.Context) (docvalidate.Record, error) {
	if c.validator == nil {
		return docvalidate.Record{}, nil
	}
	return c.validator.Run(ctx)
}

// Invalidator returns the hook handed to the document validator: a
// corpus-wide clear reporting the total number of entries removed.
func (e *Engine) Invalidator() func(ctx context.Context) (int, error) {
	return func(ctx context.Context) (int, error) {
		info, err := e.ClearAll(ctx)
		return info.Ephemeral + info.Permanent, err
	}
}
