package maintenance

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/askdoc/answercache/docvalidate"
)

type stubValidator struct {
	runs    atomic.Int64
	sweeps  atomic.Int64
	lastRec atomic.Int64
	err     error
	panics  bool
}

func (s *stubValidator) Run(context.Context) (docvalidate.Record, error) {
	s.runs.Add(1)
	if s.panics {
		panic("validator blew up")
	}
	if s.err != nil {
		return docvalidate.Record{}, s.err
	}
	return docvalidate.Record{Timestamp: time.Now(), DocumentsChecked: 3}, nil
}

func (s *stubValidator) RecordSweep(_ context.Context, cleared int) error {
	s.sweeps.Add(1)
	s.lastRec.Store(int64(cleared))
	return nil
}

type stubSweeper struct {
	purged int
	err    error
	calls  atomic.Int64
}

func (s *stubSweeper) PurgeBelow(context.Context, int64) (int, error) {
	s.calls.Add(1)
	return s.purged, s.err
}

func TestNextMidnight(t *testing.T) {
	loc := time.FixedZone("KST", 9*3600)
	now := time.Date(2024, 3, 14, 15, 30, 45, 0, loc)
	next := NextMidnight(now)
	assert.Equal(t, time.Date(2024, 3, 15, 0, 0, 0, 0, loc), next)

	// Exactly at midnight the next boundary is tomorrow, not now.
	midnight := time.Date(2024, 3, 15, 0, 0, 0, 0, loc)
	assert.Equal(t, time.Date(2024, 3, 16, 0, 0, 0, 0, loc), NextMidnight(midnight))
}

func TestRunOnceValidatesAndSweeps(t *testing.T) {
	v := &stubValidator{}
	sw := &stubSweeper{purged: 2}
	s := New(v, sw, 5, zap.NewNop())

	s.RunOnce(context.Background())

	assert.Equal(t, int64(1), v.runs.Load())
	assert.Equal(t, int64(1), sw.calls.Load())
	assert.Equal(t, int64(1), v.sweeps.Load())
	assert.Equal(t, int64(2), v.lastRec.Load())
}

func TestRunOnceNoSweepRecordWhenNothingPurged(t *testing.T) {
	v := &stubValidator{}
	sw := &stubSweeper{purged: 0}
	s := New(v, sw, 5, zap.NewNop())

	s.RunOnce(context.Background())
	assert.Zero(t, v.sweeps.Load())
}

func TestRunOnceSurvivesValidatorError(t *testing.T) {
	v := &stubValidator{err: errors.New("source down")}
	sw := &stubSweeper{purged: 1}
	s := New(v, sw, 5, zap.NewNop())

	s.RunOnce(context.Background())

	// The sweep still ran even though validation was skipped.
	assert.Equal(t, int64(1), sw.calls.Load())
}

func TestRunOnceContainsPanic(t *testing.T) {
	v := &stubValidator{panics: true}
	s := New(v, &stubSweeper{}, 5, zap.NewNop())

	assert.NotPanics(t, func() { s.RunOnce(context.Background()) })
}

func TestSchedulerLoopFiresOnBoundary(t *testing.T) {
	v := &stubValidator{}
	sw := &stubSweeper{}
	s := New(v, sw, 5, zap.NewNop(),
		WithSchedule(func(now time.Time) time.Time {
			return now.Add(10 * time.Millisecond)
		}))

	s.Start(context.Background())
	defer s.Stop()

	require.Eventually(t, func() bool {
		return v.runs.Load() >= 2
	}, 2*time.Second, 5*time.Millisecond, "scheduler must keep firing across boundaries")
}

func TestSchedulerStops(t *testing.T) {
	v := &stubValidator{}
	s := New(v, &stubSweeper{}, 5, zap.NewNop(),
		WithSchedule(func(now time.Time) time.Time {
			return now.Add(5 * time.Millisecond)
		}))

	s.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	s.Stop()

	runs := v.runs.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, runs, v.runs.Load(), "no runs after Stop")
}

func TestSchedulerLoopSurvivesFailingRuns(t *testing.T) {
	v := &stubValidator{panics: true}
	s := New(v, &stubSweeper{}, 5, zap.NewNop(),
		WithSchedule(func(now time.Time) time.Time {
			return now.Add(5 * time.Millisecond)
		}))

	s.Start(context.Background())
	defer s.Stop()

	require.Eventually(t, func() bool {
		return v.runs.Load() >= 3
	}, 2*time.Second, 5*time.Millisecond, "a panicking run must not kill the loop")
}
