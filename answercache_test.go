package answercache

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/askdoc/answercache/config"
	"github.com/askdoc/answercache/tiered"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Redis.Addr = "" // in-memory ephemeral tier
	cfg.Permanent.DBPath = filepath.Join(dir, "popular.db")
	cfg.Validation.DBPath = filepath.Join(dir, "validation.db")
	return cfg
}

func TestOpenWithoutRedisOrSource(t *testing.T) {
	sys, err := Open(context.Background(), testConfig(t), nil, nil)
	require.NoError(t, err)
	defer sys.Close()

	assert.NotNil(t, sys.Cache)
	assert.Nil(t, sys.Validator)
	assert.Nil(t, sys.Scheduler)
}

func TestEndToEndPromotionAndDrift(t *testing.T) {
	docs := t.TempDir()
	docPath := filepath.Join(docs, "cards.md")
	require.NoError(t, os.WriteFile(docPath, []byte("BC card: a Korean payment company"), 0o600))

	cfg := testConfig(t)
	cfg.Validation.DocumentsDir = docs
	cfg.Promotion.Threshold = 3

	ctx := context.Background()
	sys, err := Open(ctx, cfg, nil, nil)
	require.NoError(t, err)
	defer sys.Close()
	require.NotNil(t, sys.Validator)

	// Record the corpus baseline before caching anything.
	_, err = sys.Cache.ForceValidate(ctx)
	require.NoError(t, err)

	question := "what is BC card"
	assert.Nil(t, sys.Cache.Get(ctx, question, "llama3", nil))
	require.True(t, sys.Cache.Set(ctx, question, []byte("answerA"), "llama3", nil))

	res := sys.Cache.Get(ctx, question, "llama3", nil)
	require.NotNil(t, res)
	assert.Equal(t, tiered.SourceEphemeral, res.Source)

	res = sys.Cache.Get(ctx, question, "llama3", nil)
	require.NotNil(t, res)
	assert.Equal(t, tiered.SourcePermanent, res.Source, "third lookup crosses the threshold")
	assert.Equal(t, []byte("answerA"), res.Entry.Payload)

	stats, err := sys.Cache.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.EphemeralCount)
	assert.Equal(t, 1, stats.PermanentCount)

	// Corpus drift wipes even promoted answers.
	require.NoError(t, os.WriteFile(docPath, []byte("BC card: updated description"), 0o600))
	rec, err := sys.Cache.ForceValidate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.ChangesDetected)
	assert.GreaterOrEqual(t, rec.EntriesCleared, 1)

	assert.Nil(t, sys.Cache.Get(ctx, question, "llama3", nil))
	stats, err = sys.Cache.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.PermanentCount)
	require.NotEmpty(t, stats.RecentValidations)
}

func TestOpenWithRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Redis.Addr = mr.Addr()

	ctx := context.Background()
	sys, err := Open(ctx, cfg, nil, nil)
	require.NoError(t, err)
	defer sys.Close()

	require.True(t, sys.Cache.Set(ctx, "q", []byte("a"), "", nil))
	res := sys.Cache.Get(ctx, "q", "", nil)
	require.NotNil(t, res)
	assert.Equal(t, tiered.SourceEphemeral, res.Source)
	assert.Equal(t, []byte("a"), res.Entry.Payload)

	// The redis outage degrades lookups to misses but set still lands in
	// the durable tier under a short TTL.
	mr.Close()
	assert.Nil(t, sys.Cache.Get(ctx, "unseen", "", nil))
	assert.True(t, sys.Cache.Set(ctx, "computed while down", []byte("b"), "", nil))

	res = sys.Cache.Get(ctx, "computed while down", "", nil)
	require.NotNil(t, res)
	assert.Equal(t, tiered.SourcePermanent, res.Source)
}

func TestSchedulerRunsFromOpen(t *testing.T) {
	docs := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(docs, "doc.md"), []byte("body"), 0o600))

	cfg := testConfig(t)
	cfg.Validation.DocumentsDir = docs

	ctx := context.Background()
	sys, err := Open(ctx, cfg, nil, nil)
	require.NoError(t, err)
	defer sys.Close()
	require.NotNil(t, sys.Scheduler)

	// Drive one maintenance pass directly; the daily loop is exercised in
	// the maintenance package tests.
	sys.Scheduler.RunOnce(ctx)

	history, err := sys.Validator.History(ctx, 5)
	require.NoError(t, err)
	assert.NotEmpty(t, history)

	sys.Start(ctx)
	time.Sleep(10 * time.Millisecond)
}
