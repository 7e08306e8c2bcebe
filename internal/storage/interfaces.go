// Package storage defines the contract between the memory substrate and its
// backends. The dialect is hidden behind the Store interface: callers write
// positional placeholders as $1,$2,… and each backend translates them to
// whatever its driver requires.
package storage

import (
	"context"
	"time"

	"github.com/Wawtawsha/durandal-memory-bridge-sub003/pkg/types"
)

// Store is the durable memory store. Multiple concurrent readers are allowed;
// writers are serialized by the implementation. Writes are durable on
// successful return. All operations return tagged *types.Error values rather
// than raw driver errors.
type Store interface {
	// StoreMemory inserts a memory and returns its new id. Empty content is
	// rejected with a ValidationError. On return, a subsequent GetMemoryByID
	// observes the row.
	StoreMemory(ctx context.Context, content string, metadata types.Metadata) (int64, error)

	// GetMemoryByID returns the memory, or a NotFound error.
	GetMemoryByID(ctx context.Context, id int64) (*types.Memory, error)

	// SearchMemories matches query as a case-insensitive substring over
	// content, combined with the optional metadata filters, ordered by
	// created_at descending.
	SearchMemories(ctx context.Context, query string, opts SearchOptions) ([]types.Memory, error)

	// GetRecentMemories returns the most recent memories, optionally filtered
	// by project.
	GetRecentMemories(ctx context.Context, limit int, project string) ([]types.Memory, error)

	// UpdateMemoryMetadata replaces the metadata blob of an existing memory.
	UpdateMemoryMetadata(ctx context.Context, id int64, metadata types.Metadata) error

	// DeleteMemory removes a memory permanently. Ids are never reused.
	DeleteMemory(ctx context.Context, id int64) error

	// CountMemories returns the total number of stored memories.
	CountMemories(ctx context.Context) (int64, error)

	// GetOrCreateProject returns the project named name, creating it lazily
	// on first reference.
	GetOrCreateProject(ctx context.Context, name, path string) (*types.Project, error)

	// GetOrCreateSession returns the session named name within the project,
	// creating it lazily on first reference.
	GetOrCreateSession(ctx context.Context, projectID int64, name string) (*types.Session, error)

	// AddMessage appends a conversation row. Roles outside
	// {user, assistant, system} are rejected with a ValidationError.
	AddMessage(ctx context.Context, sessionID int64, role, content string, metadata types.Metadata) (int64, error)

	// AddArtifact stores a piece of extracted knowledge for a session.
	AddArtifact(ctx context.Context, artifact *types.Artifact) (int64, error)

	// Query is the escape hatch used only by maintenance and the self-test.
	// Placeholders are written $1,$2,… regardless of backend.
	Query(ctx context.Context, sqlText string, params ...interface{}) (*QueryResult, error)

	// Optimize runs VACUUM-like maintenance and recomputes derived indices.
	// Safe to call at any time.
	Optimize(ctx context.Context) error

	// DecayImportance lowers importance linearly with age: perDay per day
	// since creation, clamped to [0,1]. Returns the number of rows touched.
	DecayImportance(ctx context.Context, perDay float64) (int64, error)

	// PruneStale deletes metadata-empty memories older than olderThan whose
	// importance is below maxImportance. Returns the number of rows deleted.
	PruneStale(ctx context.Context, olderThan time.Duration, maxImportance float64) (int64, error)

	// Stats reports store-level statistics for get_context and optimize.
	Stats(ctx context.Context) (*Stats, error)

	// Close releases handles. Idempotent.
	Close() error
}
