package sqlite

// Schema is the complete logical schema for the embedded store. Executed at
// open time; every statement is idempotent so reopening an existing database
// is safe.
const Schema = `
CREATE TABLE IF NOT EXISTS memories (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    content    TEXT NOT NULL,
    metadata   TEXT NOT NULL DEFAULT '{}',
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_memories_created_at
    ON memories(created_at DESC);

CREATE TABLE IF NOT EXISTS projects (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    name       TEXT NOT NULL UNIQUE,
    path       TEXT,
    created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS conversation_sessions (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    project_id      INTEGER NOT NULL REFERENCES projects(id),
    session_name    TEXT NOT NULL,
    created_at      TIMESTAMP NOT NULL,
    last_message_at TIMESTAMP,
    is_active       INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS conversation_messages (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id INTEGER NOT NULL REFERENCES conversation_sessions(id),
    role       TEXT NOT NULL CHECK (role IN ('user', 'assistant', 'system')),
    content    TEXT NOT NULL,
    metadata   TEXT NOT NULL DEFAULT '{}',
    timestamp  TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_session_time
    ON conversation_messages(session_id, timestamp);

CREATE TABLE IF NOT EXISTS extracted_artifacts (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id       INTEGER NOT NULL REFERENCES conversation_sessions(id),
    artifact_type    TEXT NOT NULL,
    title            TEXT,
    content          TEXT NOT NULL,
    metadata         TEXT NOT NULL DEFAULT '{}',
    importance_score REAL NOT NULL DEFAULT 0.5,
    created_at       TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_artifacts_session_importance
    ON extracted_artifacts(session_id, importance_score DESC);
`
