package cache

import (
	"context"
	"time"

	"github.com/Wawtawsha/durandal-memory-bridge-sub003/internal/storage"
	"github.com/Wawtawsha/durandal-memory-bridge-sub003/pkg/types"
)

// Store wraps a storage.Store with the hot tier. Reads go through the cache
// with single-flight loading; every mutation invalidates matching keys before
// the call returns. Cache failures can never fail the caller because the
// tier's operations are infallible once constructed.
type Store struct {
	inner storage.Store
	tier  *Cache
}

// Wrap fronts inner with tier.
func Wrap(inner storage.Store, tier *Cache) *Store {
	return &Store{inner: inner, tier: tier}
}

// Tier exposes the underlying cache for stats and maintenance.
func (s *Store) Tier() *Cache { return s.tier }

// Inner exposes the wrapped store for operations that must bypass the tier.
func (s *Store) Inner() storage.Store { return s.inner }

// StoreMemory writes through and clears search fingerprints: the new row may
// match any cached query.
func (s *Store) StoreMemory(ctx context.Context, content string, metadata types.Metadata) (int64, error) {
	id, err := s.inner.StoreMemory(ctx, content, metadata)
	if err != nil {
		return 0, err
	}
	s.tier.FlushSearches()
	return id, nil
}

// GetMemoryByID serves from the hot tier with at-most-one concurrent loader
// per id.
func (s *Store) GetMemoryByID(ctx context.Context, id int64) (*types.Memory, error) {
	return s.tier.GetMemory(ctx, id, func(loadCtx context.Context) (*types.Memory, error) {
		return s.inner.GetMemoryByID(loadCtx, id)
	})
}

// SearchMemories serves from the fingerprint cache.
func (s *Store) SearchMemories(ctx context.Context, query string, opts storage.SearchOptions) ([]types.Memory, error) {
	opts.Normalize()
	key := Fingerprint(query, opts)
	return s.tier.GetSearch(ctx, key, func(loadCtx context.Context) ([]types.Memory, error) {
		return s.inner.SearchMemories(loadCtx, query, opts)
	})
}

// GetRecentMemories always reads the durable store: recency queries are cheap
// and staleness here would be user-visible.
func (s *Store) GetRecentMemories(ctx context.Context, limit int, project string) ([]types.Memory, error) {
	return s.inner.GetRecentMemories(ctx, limit, project)
}

// UpdateMemoryMetadata invalidates the id and the search tier before
// returning.
func (s *Store) UpdateMemoryMetadata(ctx context.Context, id int64, metadata types.Metadata) error {
	if err := s.inner.UpdateMemoryMetadata(ctx, id, metadata); err != nil {
		return err
	}
	s.tier.InvalidateMemory(id)
	return nil
}

// DeleteMemory invalidates the id and the search tier before returning.
func (s *Store) DeleteMemory(ctx context.Context, id int64) error {
	if err := s.inner.DeleteMemory(ctx, id); err != nil {
		return err
	}
	s.tier.InvalidateMemory(id)
	return nil
}

func (s *Store) CountMemories(ctx context.Context) (int64, error) {
	return s.inner.CountMemories(ctx)
}

func (s *Store) GetOrCreateProject(ctx context.Context, name, path string) (*types.Project, error) {
	return s.inner.GetOrCreateProject(ctx, name, path)
}

func (s *Store) GetOrCreateSession(ctx context.Context, projectID int64, name string) (*types.Session, error) {
	return s.inner.GetOrCreateSession(ctx, projectID, name)
}

func (s *Store) AddMessage(ctx context.Context, sessionID int64, role, content string, metadata types.Metadata) (int64, error) {
	return s.inner.AddMessage(ctx, sessionID, role, content, metadata)
}

func (s *Store) AddArtifact(ctx context.Context, artifact *types.Artifact) (int64, error) {
	return s.inner.AddArtifact(ctx, artifact)
}

// Query bypasses the tier but flushes it afterwards for non-SELECT text: the
// escape hatch is only used by maintenance and the self-test, where a full
// flush is the safe default.
func (s *Store) Query(ctx context.Context, sqlText string, params ...interface{}) (*storage.QueryResult, error) {
	res, err := s.inner.Query(ctx, sqlText, params...)
	if err != nil {
		return nil, err
	}
	s.tier.Flush()
	return res, nil
}

// Optimize runs store maintenance and drops the whole tier: row ids survive
// but cached orderings may not.
func (s *Store) Optimize(ctx context.Context) error {
	if err := s.inner.Optimize(ctx); err != nil {
		return err
	}
	s.tier.Flush()
	return nil
}

// DecayImportance rewrites metadata in bulk, so the whole tier is dropped
// before returning.
func (s *Store) DecayImportance(ctx context.Context, perDay float64) (int64, error) {
	n, err := s.inner.DecayImportance(ctx, perDay)
	if err != nil {
		return n, err
	}
	s.tier.Flush()
	return n, nil
}

// PruneStale deletes rows in bulk, so the whole tier is dropped before
// returning.
func (s *Store) PruneStale(ctx context.Context, olderThan time.Duration, maxImportance float64) (int64, error) {
	n, err := s.inner.PruneStale(ctx, olderThan, maxImportance)
	if err != nil {
		return n, err
	}
	s.tier.Flush()
	return n, nil
}

func (s *Store) Stats(ctx context.Context) (*storage.Stats, error) {
	return s.inner.Stats(ctx)
}

func (s *Store) Close() error {
	return s.inner.Close()
}
