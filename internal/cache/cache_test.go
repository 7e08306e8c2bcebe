package cache_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Wawtawsha/durandal-memory-bridge-sub003/internal/cache"
	"github.com/Wawtawsha/durandal-memory-bridge-sub003/internal/storage"
	"github.com/Wawtawsha/durandal-memory-bridge-sub003/internal/storage/sqlite"
	"github.com/Wawtawsha/durandal-memory-bridge-sub003/pkg/types"
)

func newTestTier(t *testing.T) *cache.Cache {
	t.Helper()
	tier, err := cache.New(16, time.Minute)
	require.NoError(t, err)
	return tier
}

func newWrappedStore(t *testing.T) *cache.Store {
	t.Helper()
	inner, err := sqlite.Open(filepath.Join(t.TempDir(), "cache-test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { inner.Close() })
	return cache.Wrap(inner, newTestTier(t))
}

func TestFingerprintIsDeterministic(t *testing.T) {
	opts := storage.SearchOptions{
		Limit:         10,
		MinImportance: 0.5,
		Categories:    []string{"b", "a"},
		Project:       "atlas",
	}
	reordered := opts
	reordered.Categories = []string{"a", "b"}

	assert.Equal(t, cache.Fingerprint("query", opts), cache.Fingerprint("query", reordered),
		"category order must not change the key")
	assert.Equal(t, cache.Fingerprint("  Query ", opts), cache.Fingerprint("query", opts),
		"queries are normalized before hashing")
}

func TestFingerprintSeparatesFilterTuples(t *testing.T) {
	base := storage.SearchOptions{Limit: 10}
	key := cache.Fingerprint("q", base)

	diffLimit := base
	diffLimit.Limit = 20
	assert.NotEqual(t, key, cache.Fingerprint("q", diffLimit))

	diffProject := base
	diffProject.Project = "atlas"
	assert.NotEqual(t, key, cache.Fingerprint("q", diffProject))

	assert.NotEqual(t, key, cache.Fingerprint("other", base))
}

func TestGetMemoryHitAfterMiss(t *testing.T) {
	tier := newTestTier(t)
	ctx := context.Background()

	loads := 0
	loader := func(context.Context) (*types.Memory, error) {
		loads++
		return &types.Memory{ID: 7, Content: "cached"}, nil
	}

	first, err := tier.GetMemory(ctx, 7, loader)
	require.NoError(t, err)
	second, err := tier.GetMemory(ctx, 7, loader)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, loads, "second read must come from the tier")

	stats := tier.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
}

func TestGetMemoryErrorsAreNotCached(t *testing.T) {
	tier := newTestTier(t)
	ctx := context.Background()

	loads := 0
	failing := func(context.Context) (*types.Memory, error) {
		loads++
		return nil, errors.New("transient")
	}

	_, err := tier.GetMemory(ctx, 1, failing)
	require.Error(t, err)
	_, err = tier.GetMemory(ctx, 1, failing)
	require.Error(t, err)
	assert.Equal(t, 2, loads, "a failed load must not poison the key")
}

func TestLoadsRunDetachedFromCallerCancellation(t *testing.T) {
	tier := newTestTier(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// A caller whose context is already cancelled must still produce a usable
	// load for coalesced waiters on the same key.
	mem, err := tier.GetMemory(ctx, 3, func(loadCtx context.Context) (*types.Memory, error) {
		require.NoError(t, loadCtx.Err(), "the load context must not inherit cancellation")
		return &types.Memory{ID: 3, Content: "survives"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), mem.ID)

	res, err := tier.GetSearch(ctx, "key", func(loadCtx context.Context) ([]types.Memory, error) {
		require.NoError(t, loadCtx.Err())
		return []types.Memory{{ID: 3}}, nil
	})
	require.NoError(t, err)
	assert.Len(t, res, 1)
}

func TestInvalidateMemoryDropsSearches(t *testing.T) {
	tier := newTestTier(t)
	ctx := context.Background()

	_, err := tier.GetSearch(ctx, "key", func(context.Context) ([]types.Memory, error) {
		return []types.Memory{{ID: 1}}, nil
	})
	require.NoError(t, err)

	tier.InvalidateMemory(1)

	loads := 0
	_, err = tier.GetSearch(ctx, "key", func(context.Context) ([]types.Memory, error) {
		loads++
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, loads, "invalidation must drop every cached search")
}

func TestWrappedStoreInvalidatesOnWrite(t *testing.T) {
	store := newWrappedStore(t)
	ctx := context.Background()

	id, err := store.StoreMemory(ctx, "first version", types.Metadata{"importance": 0.5})
	require.NoError(t, err)

	res, err := store.SearchMemories(ctx, "version", storage.SearchOptions{})
	require.NoError(t, err)
	require.Len(t, res, 1)

	// Cached now; an identical search is a hit.
	_, err = store.SearchMemories(ctx, "version", storage.SearchOptions{})
	require.NoError(t, err)
	assert.Positive(t, store.Tier().Stats().Hits)

	// A new write must make the next identical search see fresh rows.
	_, err = store.StoreMemory(ctx, "second version", nil)
	require.NoError(t, err)

	res, err = store.SearchMemories(ctx, "version", storage.SearchOptions{})
	require.NoError(t, err)
	assert.Len(t, res, 2, "search results must reflect the write immediately")

	// Metadata updates invalidate the id entry too.
	_, err = store.GetMemoryByID(ctx, id)
	require.NoError(t, err)
	require.NoError(t, store.UpdateMemoryMetadata(ctx, id, types.Metadata{"importance": 0.9}))
	got, err := store.GetMemoryByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 0.9, got.Metadata.Importance())
}

func TestWrappedStoreDeleteInvalidates(t *testing.T) {
	store := newWrappedStore(t)
	ctx := context.Background()

	id, err := store.StoreMemory(ctx, "doomed", nil)
	require.NoError(t, err)

	_, err = store.GetMemoryByID(ctx, id)
	require.NoError(t, err)

	require.NoError(t, store.DeleteMemory(ctx, id))

	_, err = store.GetMemoryByID(ctx, id)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.CodeNotFound),
		"a deleted memory must not be served from the tier")
}
