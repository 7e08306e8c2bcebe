// Package sqlite implements the embedded durable store on a single database
// file. SQLite only supports one concurrent writer, so the pool is pinned to
// a single connection; WAL mode lets readers proceed without blocking it.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/Wawtawsha/durandal-memory-bridge-sub003/internal/logging"
	"github.com/Wawtawsha/durandal-memory-bridge-sub003/internal/storage"
	"github.com/Wawtawsha/durandal-memory-bridge-sub003/pkg/types"
)

// Store implements storage.Store on an embedded SQLite database.
type Store struct {
	db *sql.DB

	// lastCreated enforces non-decreasing created_at within this process
	// even if the wall clock steps backwards.
	mu          sync.Mutex
	lastCreated time.Time

	closeOnce sync.Once
}

// Open opens (or creates) the database at path, enables WAL mode, and applies
// the schema. Failures here map to StorageUnavailable: they are fatal at
// startup.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, types.WrapError(types.CodeStorageUnavailable, err, "open database %s", path).
			WithHint("check DATABASE_PATH permissions")
	}

	// Serialize writes through one connection to avoid SQLITE_BUSY under
	// concurrent load.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, types.WrapError(types.CodeStorageUnavailable, err, "configure database")
		}
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, types.WrapError(types.CodeStorageUnavailable, err, "create schema").
			WithHint("the database file may be corrupt; move it aside and retry")
	}

	return &Store{db: db}, nil
}

// now returns a non-decreasing wall-clock timestamp.
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
		return 0, types.Validation("content", "content must be a non-empty string").
			WithHint("supply the memory text in the content field")
	}

	metaJSON, err := marshalMetadata(metadata)
	if err != nil {
		return 0, err
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO memories (content, metadata, created_at) VALUES (?, ?, ?)`,
		content, metaJSON, s.now(),
	)
	if err != nil {
		return 0, mapErr(err, "store memory")
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, mapErr(err, "read new memory id")
	}

	logging.FromContext(ctx).Debug("memory stored",
		zap.Int64("memory_id", id),
		zap.Int("content_bytes", len(content)))
	return id, nil
}

// GetMemoryByID returns the memory, or a NotFound error.
func (s *Store) GetMemoryByID(ctx context.Context, id int64) (*types.Memory, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT id, content, metadata, created_at FROM memories WHERE id = ?`, id)

	mem, err := scanMemory(ctx, row)
	if err == sql.ErrNoRows {
		return nil, types.NewError(types.CodeNotFound, "memory %d not found", id)
	}
	if err != nil {
		return nil, mapErr(err, "get memory")
	}
	return mem, nil
}

// SearchMemories matches query as a case-insensitive substring over content,
// combined with the optional metadata filters, most recent first.
func (s *Store) SearchMemories(ctx context.Context, query string, opts storage.SearchOptions) ([]types.Memory, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	opts.Normalize()

	var (
		where  []string
		params []interface{}
	)

	if query != "" {
		where = append(where, `LOWER(content) LIKE '%' || ? || '%' ESCAPE '\'`)
		params = append(params, escapeLike(strings.ToLower(query)))
	}
	if opts.MinImportance > 0 {
		where = append(where, `COALESCE(json_extract(metadata, '$.importance'), 0.5) >= ?`)
		params = append(params, opts.MinImportance)
	}
	if opts.Project != "" {
		where = append(where, `json_extract(metadata, '$.project') = ?`)
		params = append(params, opts.Project)
	}
	if opts.Session != "" {
		where = append(where, `json_extract(metadata, '$.session') = ?`)
		params = append(params, opts.Session)
	}
	if len(opts.Categories) > 0 {
		holes := strings.TrimSuffix(strings.Repeat("?,", len(opts.Categories)), ",")
		where = append(where,
			`EXISTS (SELECT 1 FROM json_each(metadata, '$.categories') WHERE json_each.value IN (`+holes+`))`)
		for _, c := range opts.Categories {
			params = append(params, c)
		}
	}

	q := `SELECT id, content, metadata, created_at FROM memories`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, ` AND `)
	}
	q += ` ORDER BY created_at DESC LIMIT ?`
	params = append(params, opts.Limit)

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
			 WHERE json_extract(metadata, '$.project') = ?
			 ORDER BY created_at DESC LIMIT ?`, project, limit)
	}
	return s.queryMemories(ctx,
		`SELECT id, content, metadata, created_at FROM memories
		 ORDER BY created_at DESC LIMIT ?`, limit)
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
		`UPDATE memories SET metadata = ? WHERE id = ?`, metaJSON, id)
	if err != nil {
		return mapErr(err, "update memory metadata")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.NewError(types.CodeNotFound, "memory %d not found", id)
	}
	return nil
}

// DeleteMemory removes a memory permanently. AUTOINCREMENT guarantees the id
// is never reused.
func (s *Store) DeleteMemory(ctx context.Context, id int64) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id)
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

	// Insert-or-ignore then select keeps this a single round trip per branch
	// and is race-free behind the single writer connection.
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (name, path, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO NOTHING`, name, path, s.now()); err != nil {
		return nil, mapErr(err, "create project")
	}

	var p types.Project
	var pPath sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, path, created_at FROM projects WHERE name = ?`, name).
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
		 VALUES (?, ?, ?, 1)`, projectID, name, s.now()); err != nil {
		return nil, mapErr(err, "create session")
	}
	return s.findSession(ctx, projectID, name)
}

func (s *Store) findSession(ctx context.Context, projectID int64, name string) (*types.Session, error) {
	var sess types.Session
	var lastMsg sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, project_id, session_name, created_at, last_message_at, is_active
		 FROM conversation_sessions WHERE project_id = ? AND session_name = ?`,
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

// AddMessage appends a conversation row and bumps the session's
// last_message_at.
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
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO conversation_messages (session_id, role, content, metadata, timestamp)
		 VALUES (?, ?, ?, ?, ?)`, sessionID, role, content, metaJSON, ts)
	if err != nil {
		return 0, mapErr(err, "add message")
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE conversation_sessions SET last_message_at = ? WHERE id = ?`, ts, sessionID); err != nil {
		return 0, mapErr(err, "touch session")
	}

	return res.LastInsertId()
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

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO extracted_artifacts
		 (session_id, artifact_type, title, content, metadata, importance_score, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		artifact.SessionID, artifact.ArtifactType, artifact.Title,
		artifact.Content, metaJSON, artifact.ImportanceScore, s.now())
	if err != nil {
		return 0, mapErr(err, "add artifact")
	}
	return res.LastInsertId()
}

// Query is the raw escape hatch used by maintenance and the self-test.
// Placeholders arrive in the public $1,$2,… convention and are rewritten to
// SQLite's numbered ?N form.
func (s *Store) Query(ctx context.Context, sqlText string, params ...interface{}) (*storage.QueryResult, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}

	rewritten := storage.RewritePlaceholders(sqlText)

	trimmed := strings.ToUpper(strings.TrimSpace(rewritten))
	if !strings.HasPrefix(trimmed, "SELECT") && !strings.HasPrefix(trimmed, "PRAGMA") {
		res, err := s.db.ExecContext(ctx, rewritten, params...)
		if err != nil {
			return nil, mapErr(err, "exec")
		}
		n, _ := res.RowsAffected()
		return &storage.QueryResult{RowCount: int(n)}, nil
	}

	rows, err := s.db.QueryContext(ctx, rewritten, params...)
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

// Optimize runs VACUUM-like maintenance and refreshes the query planner
// statistics. Safe to call at any time.
func (s *Store) Optimize(ctx context.Context) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	for _, stmt := range []string{
		"PRAGMA wal_checkpoint(TRUNCATE)",
		"VACUUM",
		"ANALYZE",
		"PRAGMA optimize",
	} {
		if err := ctxErr(ctx); err != nil {
			return err
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return mapErr(err, "optimize")
		}
	}
	return nil
}

// decayBatch bounds how many rows are rewritten between cancellation checks.
const decayBatch = 500

// DecayImportance lowers importance linearly with age: perDay per day since
// creation, clamped to [0,1]. Returns the number of rows touched.
func (s *Store) DecayImportance(ctx context.Context, perDay float64) (int64, error) {
	if err := ctxErr(ctx); err != nil {
		return 0, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, metadata, created_at FROM memories`)
	if err != nil {
		return 0, mapErr(err, "decay scan")
	}

	type update struct {
		id         int64
		importance float64
	}
	var updates []update
	now := time.Now()
	for rows.Next() {
		var (
			id        int64
			metaJSON  string
			createdAt time.Time
		)
		if err := rows.Scan(&id, &metaJSON, &createdAt); err != nil {
			rows.Close()
			return 0, mapErr(err, "decay scan")
		}
		meta := parseMetadata(ctx, id, metaJSON)
		ageDays := now.Sub(createdAt).Hours() / 24.0
		decayed := clamp01(meta.Importance() - perDay*ageDays)
		if decayed != meta.Importance() {
			updates = append(updates, update{id: id, importance: decayed})
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, mapErr(err, "decay scan")
	}
	rows.Close()

	var touched int64
	for i, u := range updates {
		if i%decayBatch == 0 {
			if err := ctxErr(ctx); err != nil {
				return touched, err
			}
		}
		if _, err := s.db.ExecContext(ctx,
			`UPDATE memories SET metadata = json_set(metadata, '$.importance', ?) WHERE id = ?`,
			u.importance, u.id); err != nil {
			return touched, mapErr(err, "decay update")
		}
		touched++
	}
	return touched, nil
}

// PruneStale deletes metadata-empty memories older than olderThan whose
// importance is below maxImportance. Returns the number of rows deleted.
func (s *Store) PruneStale(ctx context.Context, olderThan time.Duration, maxImportance float64) (int64, error) {
	if err := ctxErr(ctx); err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-olderThan)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM memories
		 WHERE created_at < ?
		   AND COALESCE(json_extract(metadata, '$.importance'), 0.5) < ?
		   AND (SELECT COUNT(*) FROM json_each(metadata)
		        WHERE json_each.key != 'importance') = 0`,
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
			(SELECT COUNT(*) FROM conversation_sessions)`)
	if err := row.Scan(&stats.TotalMemories, &stats.TotalProjects, &stats.TotalSessions); err != nil {
		return nil, mapErr(err, "stats")
	}

	var pageCount, pageSize int64
	if err := s.db.QueryRowContext(ctx, `PRAGMA page_count`).Scan(&pageCount); err == nil {
		if err := s.db.QueryRowContext(ctx, `PRAGMA page_size`).Scan(&pageSize); err == nil {
			stats.SizeBytes = pageCount * pageSize
		}
	}
	return stats, nil
}

// Close releases the database handle. Idempotent.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.db.Close()
	})
	if err != nil {
		return types.WrapError(types.CodeStorageUnavailable, err, "close database")
	}
	return nil
}

// queryMemories runs a memory SELECT and scans the rows.
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

// rowScanner abstracts *sql.Row for scanMemory.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMemory(ctx context.Context, row rowScanner) (*types.Memory, error) {
	var (
		mem      types.Memory
		metaJSON string
	)
	if err := row.Scan(&mem.ID, &mem.Content, &metaJSON, &mem.CreatedAt); err != nil {
		return nil, err
	}
	mem.Metadata = parseMetadata(ctx, mem.ID, metaJSON)
	return &mem, nil
}

// parseMetadata decodes the stored blob. Corrupt JSON is repaired to an empty
// object and logged at warn level: for a personal memory store availability
// wins over strictness.
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

// escapeLike escapes LIKE wildcards so user input matches literally.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// ctxErr maps context termination onto the error taxonomy. Every storage
// operation checks it at entry and between batched steps.
func ctxErr(ctx context.Context) error {
	switch ctx.Err() {
	case nil:
		return nil
	case context.DeadlineExceeded:
		return types.NewError(types.CodeTimeout, "operation timed out").
			WithHint("retry, or retry with a smaller limit")
	default:
		return types.NewError(types.CodeCancelled, "operation cancelled")
	}
}

// mapErr converts driver errors to the taxonomy.
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
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unique") || strings.Contains(msg, "constraint"):
		return types.WrapError(types.CodeConstraint, err, "%s", op)
	case strings.Contains(msg, "no such table") || strings.Contains(msg, "database is locked"):
		return types.WrapError(types.CodeStorageUnavailable, err, "%s", op).
			WithHint("check DATABASE_PATH permissions")
	}
	return types.WrapError(types.CodeInternal, err, "%s", op)
}
