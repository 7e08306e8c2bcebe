// Package postgres implements the durable store on a client/server
// PostgreSQL database. It honors the same contract as the embedded SQLite
// backend; the public $1,$2,… placeholder convention passes through natively.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/Wawtawsha/durandal-memory-bridge-sub003/internal/logging"
	"github.com/Wawtawsha/durandal-memory-bridge-sub003/internal/storage"
	"github.com/Wawtawsha/durandal-memory-bridge-sub003/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS memories (
    id         BIGSERIAL PRIMARY KEY,
    content    TEXT NOT NULL,
    metadata   JSONB NOT NULL DEFAULT '{}',
    created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_memories_created_at
    ON memories(created_at DESC);

CREATE TABLE IF NOT EXISTS projects (
    id         BIGSERIAL PRIMARY KEY,
    name       TEXT NOT NULL UNIQUE,
    path       TEXT,
    created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS conversation_sessions (
    id              BIGSERIAL PRIMARY KEY,
    project_id      BIGINT NOT NULL REFERENCES projects(id),
    session_name    TEXT NOT NULL,
    created_at      TIMESTAMPTZ NOT NULL,
    last_message_at TIMESTAMPTZ,
    is_active       BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS conversation_messages (
    id         BIGSERIAL PRIMARY KEY,
    session_id BIGINT NOT NULL REFERENCES conversation_sessions(id),
    role       TEXT NOT NULL CHECK (role IN ('user', 'assistant', 'system')),
    content    TEXT NOT NULL,
    metadata   JSONB NOT NULL DEFAULT '{}',
    timestamp  TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_session_time
    ON conversation_messages(session_id, timestamp);

CREATE TABLE IF NOT EXISTS extracted_artifacts (
    id               BIGSERIAL PRIMARY KEY,
    session_id       BIGINT NOT NULL REFERENCES conversation_sessions(id),
    artifact_type    TEXT NOT NULL,
    title            TEXT,
    content          TEXT NOT NULL,
    metadata         JSONB NOT NULL DEFAULT '{}',
    importance_score DOUBLE PRECISION NOT NULL DEFAULT 0.5,
    created_at       TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_artifacts_session_importance
    ON extracted_artifacts(session_id, importance_score DESC);
`

// Store implements storage.Store on PostgreSQL.
type Store struct {
	db *sql.DB

	mu          sync.Mutex
	lastCreated time.Time

	closeOnce sync.Once
}

// Open connects using a lib/pq connection string or URL and applies the
// schema.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, types.WrapError(types.CodeStorageUnavailable, err, "open postgres").
			WithHint("check DATABASE_URL")
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(2)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, types.WrapError(types.CodeStorageUnavailable, err, "connect postgres").
			WithHint("check DATABASE_URL and that the server is reachable")
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, types.WrapError(types.CodeStorageUnavailable, err, "create schema")
	}

	return &Store{db: db}, nil
}

func (s *Store) now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := time.Now()
	if !t.After(s.lastCreated) {
		t = s.lastCreated.Add(time.Microsecond)
	}
	s.lastCreated = t
	return t
}

// StoreMemory inserts a memory and returns its new id.
func (s *Store) StoreMemory(ctx context.Context, content string, metadata types.Metadata) (int64, error) {
	if err := ctxErr(ctx); err != nil {
		return 0, err
	}
	if content == "" {
		return 0, types.Validation("content", "content must be a non-empty string")
	}

	metaJSON, err := marshalMetadata(metadata)
	if err != nil {
		return 0, err
	}

	var id int64
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO memories (content, metadata, created_at) VALUES ($1, $2, $3) RETURNING id`,
		content, metaJSON, s.now()).Scan(&id)
	if err != nil {
		return 0, mapErr(err, "store memory")
	}
	return id, nil
}

// GetMemoryByID returns the memory, or a NotFound error.
func (s *Store) GetMemoryByID(ctx context.Context, id int64) (*types.Memory, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}

	var (
		mem      types.Memory
		metaJSON string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, content, metadata, created_at FROM memories WHERE id = $1`, id).
		Scan(&mem.ID, &mem.Content, &metaJSON, &mem.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, types.NewError(types.CodeNotFound, "memory %d not found", id)
	}
	if err != nil {
		return nil, mapErr(err, "get memory")
	}
	mem.Metadata = parseMetadata(ctx, mem.ID, metaJSON)
	return &mem, nil
}

// SearchMemories matches query as a case-insensitive substring over content
// with the optional metadata filters, most recent first.
func (s *Store) SearchMemories(ctx context.Context, query string, opts storage.SearchOptions) ([]types.Memory, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	opts.Normalize()

	var (
		where  []string
		params []interface{}
	)
	arg := func(v interface{}) string {
		params = append(params, v)
		return "$" + strconv.Itoa(len(params))
	}

	if query != "" {
		where = append(where, `content ILIKE `+arg("%"+escapeLike(query)+"%")+` ESCAPE '\'`)
	}
	if opts.MinImportance > 0 {
		where = append(where,
			`COALESCE((metadata->>'importance')::float, 0.5) >= `+arg(opts.MinImportance))
	}
	if opts.Project != "" {
		where = append(where, `metadata->>'project' = `+arg(opts.Project))
	}
	if opts.Session != "" {
		where = append(where, `metadata->>'session' = `+arg(opts.Session))
	}
	if len(opts.Categories) > 0 {
		where = append(where, `EXISTS (
			SELECT 1 FROM jsonb_array_elements_text(metadata->'categories') AS cat
			WHERE cat = ANY(`+arg(pq.Array(opts.Categories))+`))`)
	}

	q := `SELECT id, content, metadata, created_at FROM memories`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, ` AND `)
	}
	q += ` ORDER BY created_at DESC LIMIT ` + arg(opts.Limit)

	return s.queryMemories(ctx, q, params...)
}

// GetRecentMemories returns the most recent memories, optionally filtered by
// project.
func (s *Store) GetRecentMemories(ctx context.Context, limit int, project string) ([]types.Memory, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = storage.DefaultSearchLimit
	}

	if project != "" {
		return s.queryMemories(ctx,
			`SELECT id, content, metadata, created_at FROM memories
			 WHERE metadata->>'project' = $1
			 ORDER BY created_at DESC LIMIT $2`, project, limit)
	}
	return s.queryMemories(ctx,
		`SELECT id, content, metadata, created_at FROM memories
		 ORDER BY created_at DESC LIMIT $1`, limit)
}

// UpdateMemoryMetadata replaces the metadata blob of an existing memory.
func (s *Store) UpdateMemoryMetadata(ctx context.Context, id int64, metadata types.Metadata) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}

	metaJSON, err := marshalMetadata(metadata)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE memories SET metadata = $1 WHERE id = $2`, metaJSON, id)
	if err != nil {
		return mapErr(err, "update memory metadata")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.NewError(types.CodeNotFound, "memory %d not found", id)
	}
	return nil
}

// DeleteMemory removes a memory permanently.
func (s *Store) DeleteMemory(ctx context.Context, id int64) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id = $1`, id)
	if err != nil {
		return mapErr(err, "delete memory")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.NewError(types.CodeNotFound, "memory %d not found", id)
	}
	return nil
}

// CountMemories returns the total number of stored memories.
func (s *Store) CountMemories(ctx context.Context) (int64, error) {
	if err := ctxErr(ctx); err != nil {
		return 0, err
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories`).Scan(&n); err != nil {
		return 0, mapErr(err, "count memories")
	}
	return n, nil
}

// GetOrCreateProject returns the project named name, creating it lazily.
func (s *Store) GetOrCreateProject(ctx context.Context, name, path string) (*types.Project, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, types.Validation("name", "project name must be non-empty")
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (name, path, created_at) VALUES ($1, $2, $3)
		 ON CONFLICT (name) DO NOTHING`, name, path, s.now()); err != nil {
		return nil, mapErr(err, "create project")
	}

	var p types.Project
	var pPath sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, path, created_at FROM projects WHERE name = $1`, name).
		Scan(&p.ID, &p.Name, &pPath, &p.CreatedAt)
	if err != nil {
		return nil, mapErr(err, "get project")
	}
	p.Path = pPath.String
	return &p, nil
}

// GetOrCreateSession returns the named session within the project, creating
// it lazily on first reference.
func (s *Store) GetOrCreateSession(ctx context.Context, projectID int64, name string) (*types.Session, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, types.Validation("session_name", "session name must be non-empty")
	}

	sess, err := s.findSession(ctx, projectID, name)
	if err == nil {
		return sess, nil
	}
	if !types.IsCode(err, types.CodeNotFound) {
		return nil, err
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO conversation_sessions (project_id, session_name, created_at, is_active)
		 VALUES ($1, $2, $3, TRUE)`, projectID, name, s.now()); err != nil {
		return nil, mapErr(err, "create session")
	}
	return s.findSession(ctx, projectID, name)
}

func (s *Store) findSession(ctx context.Context, projectID int64, name string) (*types.Session, error) {
	var sess types.Session
	var lastMsg sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, project_id, session_name, created_at, last_message_at, is_active
		 FROM conversation_sessions WHERE project_id = $1 AND session_name = $2`,
		projectID, name).
		Scan(&sess.ID, &sess.ProjectID, &sess.SessionName, &sess.CreatedAt, &lastMsg, &sess.IsActive)
	if err == sql.ErrNoRows {
		return nil, types.NewError(types.CodeNotFound, "session %q not found", name)
	}
	if err != nil {
		return nil, mapErr(err, "get session")
	}
	sess.LastMessageAt = lastMsg.Time
	return &sess, nil
}

// AddMessage appends a conversation row and bumps last_message_at.
func (s *Store) AddMessage(ctx context.Context, sessionID int64, role, content string, metadata types.Metadata) (int64, error) {
	if err := ctxErr(ctx); err != nil {
		return 0, err
	}
	if !types.ValidRole(role) {
		return 0, types.Validation("role", "role must be one of user, assistant, system; got %q", role)
	}

	metaJSON, err := marshalMetadata(metadata)
	if err != nil {
		return 0, err
	}

	ts := s.now()
	var id int64
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO conversation_messages (session_id, role, content, metadata, timestamp)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		sessionID, role, content, metaJSON, ts).Scan(&id)
	if err != nil {
		return 0, mapErr(err, "add message")
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE conversation_sessions SET last_message_at = $1 WHERE id = $2`, ts, sessionID); err != nil {
		return 0, mapErr(err, "touch session")
	}
	return id, nil
}

// AddArtifact stores a piece of extracted knowledge for a session.
func (s *Store) AddArtifact(ctx context.Context, artifact *types.Artifact) (int64, error) {
	if err := ctxErr(ctx); err != nil {
		return 0, err
	}
	if artifact == nil || artifact.Content == "" {
		return 0, types.Validation("content", "artifact content must be non-empty")
	}

	metaJSON, err := marshalMetadata(artifact.Metadata)
	if err != nil {
		return 0, err
	}

	var id int64
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO extracted_artifacts
		 (session_id, artifact_type, title, content, metadata, importance_score, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		artifact.SessionID, artifact.ArtifactType, artifact.Title,
		artifact.Content, metaJSON, artifact.ImportanceScore, s.now()).Scan(&id)
	if err != nil {
		return 0, mapErr(err, "add artifact")
	}
	return id, nil
}

// Query is the raw escape hatch. PostgreSQL understands $1,$2,… natively, so
// the text passes through untouched.
func (s *Store) Query(ctx context.Context, sqlText string, params ...interface{}) (*storage.QueryResult, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}

	trimmed := strings.ToUpper(strings.TrimSpace(sqlText))
	if !strings.HasPrefix(trimmed, "SELECT") {
		res, err := s.db.ExecContext(ctx, sqlText, params...)
		if err != nil {
			return nil, mapErr(err, "exec")
		}
		n, _ := res.RowsAffected()
		return &storage.QueryResult{RowCount: int(n)}, nil
	}

	rows, err := s.db.QueryContext(ctx, sqlText, params...)
	if err != nil {
		return nil, mapErr(err, "query")
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, mapErr(err, "query columns")
	}

	result := &storage.QueryResult{}
	for rows.Next() {
		vals := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, mapErr(err, "query scan")
		}
		row := make(map[string]interface{}, len(cols))
		for i, col := range cols {
			if b, ok := vals[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = vals[i]
			}
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr(err, "query rows")
	}
	result.RowCount = len(result.Rows)
	return result, nil
}

// Optimize runs VACUUM ANALYZE. Safe to call at any time.
func (s *Store) Optimize(ctx context.Context) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM ANALYZE`); err != nil {
		return mapErr(err, "optimize")
	}
	return nil
}

// DecayImportance lowers importance linearly with age, clamped to [0,1].
func (s *Store) DecayImportance(ctx context.Context, perDay float64) (int64, error) {
	if err := ctxErr(ctx); err != nil {
		return 0, err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE memories SET metadata = jsonb_set(
			metadata, '{importance}',
			to_jsonb(GREATEST(0.0, LEAST(1.0,
				COALESCE((metadata->>'importance')::float, 0.5)
				- $1 * EXTRACT(EPOCH FROM (now() - created_at)) / 86400.0)))
		)
		WHERE COALESCE((metadata->>'importance')::float, 0.5)
			> GREATEST(0.0, COALESCE((metadata->>'importance')::float, 0.5)
				- $1 * EXTRACT(EPOCH FROM (now() - created_at)) / 86400.0)`,
		perDay)
	if err != nil {
		return 0, mapErr(err, "decay")
	}
	return res.RowsAffected()
}

// PruneStale deletes metadata-empty memories older than olderThan whose
// importance is below maxImportance.
func (s *Store) PruneStale(ctx context.Context, olderThan time.Duration, maxImportance float64) (int64, error) {
	if err := ctxErr(ctx); err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-olderThan)
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM memories
		WHERE created_at < $1
		  AND COALESCE((metadata->>'importance')::float, 0.5) < $2
		  AND (metadata - 'importance') = '{}'::jsonb`,
		cutoff, maxImportance)
	if err != nil {
		return 0, mapErr(err, "prune")
	}
	return res.RowsAffected()
}

// Stats reports store-level statistics.
func (s *Store) Stats(ctx context.Context) (*storage.Stats, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}

	stats := &storage.Stats{}
	row := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM memories),
			(SELECT COUNT(*) FROM projects),
			(SELECT COUNT(*) FROM conversation_sessions),
			pg_total_relation_size('memories')`)
	if err := row.Scan(&stats.TotalMemories, &stats.TotalProjects, &stats.TotalSessions, &stats.SizeBytes); err != nil {
		return nil, mapErr(err, "stats")
	}
	return stats, nil
}

// Close releases the connection pool. Idempotent.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.db.Close()
	})
	if err != nil {
		return types.WrapError(types.CodeStorageUnavailable, err, "close postgres")
	}
	return nil
}

func (s *Store) queryMemories(ctx context.Context, q string, params ...interface{}) ([]types.Memory, error) {
	rows, err := s.db.QueryContext(ctx, q, params...)
	if err != nil {
		return nil, mapErr(err, "search memories")
	}
	defer rows.Close()

	var out []types.Memory
	for rows.Next() {
		var (
			mem      types.Memory
			metaJSON string
		)
		if err := rows.Scan(&mem.ID, &mem.Content, &metaJSON, &mem.CreatedAt); err != nil {
			return nil, mapErr(err, "scan memory")
		}
		mem.Metadata = parseMetadata(ctx, mem.ID, metaJSON)
		out = append(out, mem)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr(err, "iterate memories")
	}
	return out, nil
}

func parseMetadata(ctx context.Context, id int64, raw string) types.Metadata {
	if raw == "" {
		return types.Metadata{}
	}
	var meta types.Metadata
	if err := json.Unmarshal([]byte(raw), &meta); err != nil || meta == nil {
		logging.FromContext(ctx).Warn("corrupt metadata repaired to empty object",
			zap.Int64("memory_id", id))
		return types.Metadata{}
	}
	return meta
}

func marshalMetadata(meta types.Metadata) (string, error) {
	if meta == nil {
		return "{}", nil
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return "", types.WrapError(types.CodeValidation, err, "metadata is not serializable")
	}
	return string(data), nil
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}

func ctxErr(ctx context.Context) error {
	switch ctx.Err() {
	case nil:
		return nil
	case context.DeadlineExceeded:
		return types.NewError(types.CodeTimeout, "operation timed out")
	default:
		return types.NewError(types.CodeCancelled, "operation cancelled")
	}
}

// mapErr converts lib/pq errors to the taxonomy. SQLSTATE class 23 covers
// integrity constraint violations.
func mapErr(err error, op string) error {
	if err == nil {
		return nil
	}
	if err == context.Canceled {
		return types.NewError(types.CodeCancelled, "%s cancelled", op)
	}
	if err == context.DeadlineExceeded {
		return types.NewError(types.CodeTimeout, "%s timed out", op)
	}
	if pqErr, ok := err.(*pq.Error); ok {
		if strings.HasPrefix(string(pqErr.Code), "23") {
			return types.WrapError(types.CodeConstraint, err, "%s", op)
		}
		if pqErr.Code.Class() == "08" { // connection exceptions
			return types.WrapError(types.CodeStorageUnavailable, err, "%s", op).
				WithHint("check DATABASE_URL and that the server is reachable")
		}
	}
	return types.WrapError(types.CodeInternal, err, "%s", op)
}
