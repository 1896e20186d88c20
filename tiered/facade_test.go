package tiered

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/askdoc/answercache/docvalidate"
	"github.com/askdoc/answercache/store"
)

type fakeSource struct {
	docs []docvalidate.Document
	err  error
}

func (f *fakeSource) ListDocuments(context.Context) ([]docvalidate.Document, error) {
	return f.docs, f.err
}

func newTestCache(t *testing.T, src *fakeSource) (*Cache, *testRig) {
	t.Helper()
	rig := newTestRig(t)
	validator, err := docvalidate.New(context.Background(), ":memory:", src,
		rig.engine.Invalidator(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { validator.Close() })
	return NewCache(rig.engine, validator, zap.NewNop()), rig
}

func TestFacadeGetNeverFails(t *testing.T) {
	ctx := context.Background()
	eph := store.NewMemory(ctx)
	perm := store.NewMemory(ctx)
	t.Cleanup(func() { eph.Close(); perm.Close() })
	counter := NewSearchCounter(store.NewMemoryCounter(), store.NewMemoryCounter(), zap.NewNop())
	engine := NewEngine(&failStore{Store: eph, failGet: true, failSet: true}, perm, counter, zap.NewNop())
	cache := NewCache(engine, nil, zap.NewNop())

	assert.Nil(t, cache.Get(ctx, "q", "", nil))
	// Set still lands via the durable fallback.
	assert.True(t, cache.Set(ctx, "q", []byte("a"), "", nil))
}

func TestFacadeRoundTrip(t *testing.T) {
	cache, _ := newTestCache(t, &fakeSource{})
	ctx := context.Background()

	assert.Nil(t, cache.Get(ctx, "q", "m", nil))
	assert.True(t, cache.Set(ctx, "q", []byte(`{"answer":"a"}`), "m", nil))

	res := cache.Get(ctx, "q", "m", nil)
	require.NotNil(t, res)
	assert.Equal(t, []byte(`{"answer":"a"}`), res.Entry.Payload)

	// Opaque payload round-trips unchanged for a different options scope.
	assert.Nil(t, cache.Get(ctx, "q", "m", map[string]string{"top_k": "3"}))
}

func TestFacadeStatsAfterClear(t *testing.T) {
	cache, _ := newTestCache(t, &fakeSource{})
	ctx := context.Background()

	cache.Set(ctx, "q1", []byte("a1"), "", nil)
	cache.Set(ctx, "q2", []byte("a2"), "", nil)

	stats, err := cache.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.EphemeralCount)
	assert.Zero(t, stats.PermanentCount)

	info, err := cache.ClearAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, info.Ephemeral)

	stats, err = cache.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.EphemeralCount)
	assert.Zero(t, stats.PermanentCount)

	assert.Nil(t, cache.Get(ctx, "q1", "", nil))
}

func TestFacadeForceValidateClearsOnDrift(t *testing.T) {
	src := &fakeSource{docs: []docvalidate.Document{
		{ID: "doc1", Path: "docs/doc1.md", Content: []byte("original body")},
	}}
	cache, _ := newTestCache(t, src)
	ctx := context.Background()

	// Baseline pass records the checksums (and clears: doc1 is unseen).
	_, err := cache.ForceValidate(ctx)
	require.NoError(t, err)

	cache.Set(ctx, "q", []byte("a"), "", nil)
	require.NotNil(t, cache.Get(ctx, "q", "", nil))

	// No drift: cache untouched.
	rec, err := cache.ForceValidate(ctx)
	require.NoError(t, err)
	assert.Zero(t, rec.ChangesDetected)
	assert.NotNil(t, cache.Get(ctx, "q", "", nil))

	// Edit the document: the whole cache must go.
	src.docs[0].Content = []byte("revised body")
	rec, err = cache.ForceValidate(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, rec.ChangesDetected, 1)
	assert.GreaterOrEqual(t, rec.EntriesCleared, 1)

	assert.Nil(t, cache.Get(ctx, "q", "", nil))

	stats, err := cache.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.EphemeralCount)
	assert.Zero(t, stats.PermanentCount)
	require.NotEmpty(t, stats.RecentValidations)
	assert.GreaterOrEqual(t, stats.RecentValidations[0].ChangesDetected, 1)
}

func TestFacadeWithoutValidator(t *testing.T) {
	rig := newTestRig(t)
	cache := NewCache(rig.engine, nil, zap.NewNop())
	ctx := context.Background()

	rec, err := cache.ForceValidate(ctx)
	require.NoError(t, err)
	assert.Zero(t, rec.DocumentsChecked)

	stats, err := cache.Stats(ctx)
	require.NoError(t, err)
	assert.Empty(t, stats.RecentValidations)
}
