// Package cache fronts the durable store with a bounded in-process hot tier.
// Memory-id lookups live in a plain LRU; search results live in a TTL LRU
// keyed by a deterministic fingerprint of (normalized query, filters, limit).
// Loads are single-flight per key and mutations invalidate before the write
// returns to the caller.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/Wawtawsha/durandal-memory-bridge-sub003/internal/logging"
	"github.com/Wawtawsha/durandal-memory-bridge-sub003/internal/storage"
	"github.com/Wawtawsha/durandal-memory-bridge-sub003/pkg/types"
)

// Counters are the observable cache statistics.
type Counters struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
	Coalesces uint64 `json:"coalesces"`
}

// Cache is the hot tier. All methods are safe for concurrent use.
type Cache struct {
	byID     *lru.Cache[int64, *types.Memory]
	searches *expirable.LRU[string, []types.Memory]
	flight   singleflight.Group

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
	coalesces atomic.Uint64
}

// New builds a cache with the given capacity and search-result TTL.
// Id lookups are kept until evicted; search fingerprints additionally expire
// after ttl.
func New(capacity int, ttl time.Duration) (*Cache, error) {
	c := &Cache{}

	byID, err := lru.NewWithEvict[int64, *types.Memory](capacity, func(int64, *types.Memory) {
		c.evictions.Add(1)
	})
	if err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}
	c.byID = byID

	c.searches = expirable.NewLRU[string, []types.Memory](capacity, func(string, []types.Memory) {
		c.evictions.Add(1)
	}, ttl)

	return c, nil
}

// Fingerprint derives the deterministic search-cache key from a normalized
// query and its filter tuple. Equal searches always map to the same key.
func Fingerprint(query string, opts storage.SearchOptions) string {
	cats := append([]string(nil), opts.Categories...)
	sort.Strings(cats)

	var b strings.Builder
	fmt.Fprintf(&b, "q=%s|min=%.4f|proj=%s|sess=%s|cats=%s|limit=%d",
		strings.ToLower(strings.TrimSpace(query)),
		opts.MinImportance, opts.Project, opts.Session,
		strings.Join(cats, ","), opts.Limit)

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:16])
}

// GetMemory returns the cached memory or loads it through loader with
// at-most-one concurrent load per id. NotFound results are never cached.
// The load runs under a context detached from the caller's cancellation so
// that a cancelled first caller cannot fail coalesced waiters; its values
// (logger, correlation id) are preserved.
func (c *Cache) GetMemory(ctx context.Context, id int64, loader func(context.Context) (*types.Memory, error)) (*types.Memory, error) {
	if mem, ok := c.byID.Get(id); ok {
		c.hits.Add(1)
		return mem, nil
	}
	c.misses.Add(1)

	v, err, shared := c.flight.Do(fmt.Sprintf("mem:%d", id), func() (interface{}, error) {
		mem, err := loader(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		c.byID.Add(id, mem)
		return mem, nil
	})
	if shared {
		c.coalesces.Add(1)
	}
	if err != nil {
		return nil, err
	}
	return v.(*types.Memory), nil
}

// GetSearch returns the cached result set for the fingerprint or loads it
// with at-most-one concurrent load per key. The load is detached from the
// caller's cancellation, same as GetMemory.
func (c *Cache) GetSearch(ctx context.Context, key string, loader func(context.Context) ([]types.Memory, error)) ([]types.Memory, error) {
	if res, ok := c.searches.Get(key); ok {
		c.hits.Add(1)
		return res, nil
	}
	c.misses.Add(1)

	v, err, shared := c.flight.Do("search:"+key, func() (interface{}, error) {
		res, err := loader(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		c.searches.Add(key, res)
		return res, nil
	})
	if shared {
		c.coalesces.Add(1)
	}
	if err != nil {
		return nil, err
	}
	return v.([]types.Memory), nil
}

// InvalidateMemory drops the id entry and every search fingerprint. Search
// results are invalidated (not updated) because any of them might contain the
// mutated row.
func (c *Cache) InvalidateMemory(id int64) {
	c.byID.Remove(id)
	c.FlushSearches()
}

// FlushSearches drops every cached search result.
func (c *Cache) FlushSearches() {
	c.searches.Purge()
}

// Flush drops everything.
func (c *Cache) Flush() {
	c.byID.Purge()
	c.searches.Purge()
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Counters {
	return Counters{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Coalesces: c.coalesces.Load(),
	}
}

// LogStats emits the counters at debug level.
func (c *Cache) LogStats(ctx context.Context) {
	s := c.Stats()
	logging.FromContext(ctx).Debug("cache stats",
		zap.Uint64("hits", s.Hits),
		zap.Uint64("misses", s.Misses),
		zap.Uint64("evictions", s.Evictions),
		zap.Uint64("coalesces", s.Coalesces))
}
