// Package maintenance runs the nightly housekeeping pass over the answer
// cache: a document validation cycle followed by a permanent-tier sweep
// that demotes answers which stopped being popular.
package maintenance

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/askdoc/answercache/docvalidate"
)

// Validator is the slice of the document validator the scheduler drives.
type Validator interface {
	Run(ctx context.Context) (docvalidate.Record, error)
	RecordSweep(ctx context.Context, entriesCleared int) error
}

// Sweeper purges permanent entries whose hit count fell below threshold.
type Sweeper interface {
	PurgeBelow(ctx context.Context, threshold int64) (int, error)
}

// Scheduler triggers one maintenance run at every local-midnight boundary.
// The boundary is recomputed from the wall clock on each iteration rather
// than persisted, so process restarts never cause drift. Failures inside a
// run are logged and the loop continues to the next boundary.
type Scheduler struct {
	validator Validator
	sweeper   Sweeper
	threshold int64
	log       *zap.Logger

	now  func() time.Time
	next func(time.Time) time.Time

	wg   sync.WaitGroup
	once sync.Once
	stop context.CancelFunc
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock injects the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithSchedule overrides the next-run computation. The default is the next
// local midnight after the given instant.
func WithSchedule(next func(time.Time) time.Time) Option {
	return func(s *Scheduler) { s.next = next }
}

// NextMidnight returns the first local-midnight instant after now.
func NextMidnight(now time.Time) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, now.Location()).AddDate(0, 0, 1)
}

// New returns a Scheduler. threshold is the popularity floor for the
// permanent-tier sweep.
func New(validator Validator, sweeper Sweeper, threshold int64, log *zap.Logger, opts ...Option) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Scheduler{
		validator: validator,
		sweeper:   sweeper,
		threshold: threshold,
		log:       log,
		now:       time.Now,
		next:      NextMidnight,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the scheduler loop. It runs until ctx is cancelled or
// Stop is called. Background runs are best-effort: shutdown abandons any
// in-flight run, which self-heals on the next boundary.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.stop = cancel
	s.wg.Add(1)
	go s.loop(ctx)
}

// Stop cancels the loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.once.Do(func() {
		if s.stop != nil {
			s.stop()
		}
		s.wg.Wait()
	})
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	for {
		now := s.now()
		next := s.next(now)
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single maintenance pass: validate the corpus, sweep
// the permanent tier, log a summary. Errors and panics are contained so
// the scheduler loop always reaches its next boundary.
func (s *Scheduler) RunOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("maintenance run panicked", zap.Any("panic", r))
		}
	}()

	start := s.now()

	rec, err := s.validator.Run(ctx)
	if err != nil {
		// Skipped cycle; the next boundary retries it.
		s.log.Warn("maintenance validation skipped", zap.Error(err))
	}

	var purged int
	if s.sweeper != nil {
		purged, err = s.sweeper.PurgeBelow(ctx, s.threshold)
		if err != nil {
			s.log.Warn("permanent tier sweep failed", zap.Error(err))
		} else if purged > 0 {
			if err := s.validator.RecordSweep(ctx, purged); err != nil {
				s.log.Warn("sweep record not persisted", zap.Error(err))
			}
		}
	}

	s.log.Info("maintenance run complete",
		zap.Duration("took", s.now().Sub(start)),
		zap.Int("documents_checked", rec.DocumentsChecked),
		zap.Int("changes_detected", rec.ChangesDetected),
		zap.Int("entries_cleared", rec.EntriesCleared),
		zap.Int("purged_below_threshold", purged))
}
