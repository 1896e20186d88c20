// Package answercache assembles the adaptive two-tier answer cache that
// fronts a document question-answering pipeline. Answers are cached in a
// fast TTL-bounded tier first and promoted into durable storage once their
// question has been looked up enough times; a background validator clears
// everything when the underlying document corpus changes.
//
// The pipeline talks to a single [tiered.Cache] facade:
//
//	system, err := answercache.Open(ctx, cfg, source, log)
//	...
//	if res := system.Cache.Get(ctx, question, model, nil); res != nil {
//		return res.Entry.Payload
//	}
//	payload := computeAnswer(question)
//	system.Cache.Set(ctx, question, payload, model, nil)
package answercache

import (
	"context"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/askdoc/answercache/config"
	"github.com/askdoc/answercache/docvalidate"
	"github.com/askdoc/answercache/maintenance"
	"github.com/askdoc/answercache/store"
	"github.com/askdoc/answercache/tiered"
)

// System is a fully wired answer cache: the facade the pipeline calls plus
// the background maintenance machinery.
type System struct {
	Cache     *tiered.Cache
	Validator *docvalidate.Validator // nil without a document source
	Scheduler *maintenance.Scheduler // nil without a document source

	redisClient *redis.Client
	ephemeral   store.Store
	permanent   *store.SQLite
	log         *zap.Logger
}

// Open wires the cache from configuration. When cfg.Redis.Addr is empty
// the ephemeral tier runs in process memory, which keeps single-node
// deployments and tests free of a Redis dependency. source may be nil; the
// directory source from cfg.Validation.DocumentsDir is used when set, and
// document validation is disabled when neither is available.
func Open(ctx context.Context, cfg *config.Config, source docvalidate.Source, log *zap.Logger) (*System, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = zap.NewNop()
	}

	permanent, err := store.NewSQLite(ctx, cfg.Permanent.DBPath,
		store.WithQueryTimeout(cfg.Redis.QueryTimeout.Std()))
	if err != nil {
		return nil, err
	}

	sys := &System{permanent: permanent, log: log}

	var primaryCounter store.Counter
	if cfg.Redis.Addr != "" {
		sys.redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		opts := []store.Option{
			store.WithDefaultTTL(cfg.Redis.TTL.Std()),
			store.WithCounterTTL(cfg.Redis.CounterTTL.Std()),
			store.WithQueryTimeout(cfg.Redis.QueryTimeout.Std()),
		}
		if cfg.Redis.Prefix != "" {
			opts = append(opts, store.WithPrefix(cfg.Redis.Prefix))
		}
		sys.ephemeral = store.NewRedis(sys.redisClient, opts...)
		primaryCounter = store.NewRedisCounter(sys.redisClient,
			store.WithCounterTTL(cfg.Redis.CounterTTL.Std()),
			store.WithQueryTimeout(cfg.Redis.QueryTimeout.Std()))
		log.Info("ephemeral tier on redis", zap.String("addr", cfg.Redis.Addr))
	} else {
		sys.ephemeral = store.NewMemory(ctx, store.WithDefaultTTL(cfg.Redis.TTL.Std()))
		primaryCounter = store.NewMemoryCounter()
		log.Info("ephemeral tier in process memory")
	}

	counter := tiered.NewSearchCounter(primaryCounter, permanent.Counter(), log)
	engine := tiered.NewEngine(sys.ephemeral, permanent, counter, log,
		tiered.WithPromotionThreshold(cfg.Promotion.Threshold),
		tiered.WithDegradedTTL(cfg.Permanent.DegradedTTL.Std()))

	if source == nil && cfg.Validation.DocumentsDir != "" {
		source = docvalidate.NewDirSource(cfg.Validation.DocumentsDir)
	}
	if source != nil {
		validator, err := docvalidate.New(ctx, cfg.Validation.DBPath, source,
			engine.Invalidator(), log)
		if err != nil {
			sys.closeStores()
			return nil, err
		}
		sys.Validator = validator
		sys.Scheduler = maintenance.New(validator, permanent, cfg.Promotion.Threshold, log)
	} else {
		log.Warn("no document source configured, drift validation disabled")
	}

	sys.Cache = tiered.NewCache(engine, sys.Validator, log)
	return sys, nil
}

// Start launches the daily maintenance scheduler, when one exists.
func (s *System) Start(ctx context.Context) {
	if s.Scheduler != nil {
		s.Scheduler.Start(ctx)
	}
}

// Close stops background work and releases every backend.
func (s *System) Close() error {
	if s.Scheduler != nil {
		s.Scheduler.Stop()
	}
	var firstErr error
	if s.Validator != nil {
		firstErr = s.Validator.Close()
	}
	if err := s.closeStores(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (s *System) closeStores() error {
	var firstErr error
	if s.ephemeral != nil {
		firstErr = s.ephemeral.Close()
	}
	if err := s.permanent.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
