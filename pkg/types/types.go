// Package types defines the shared data model for the Durandal memory
// service: memories, the conversation graph around them, query analysis
// results, relevance scores, and the error taxonomy used at every component
// boundary.
package types

import (
	"encoding/json"
	"time"
)

// Metadata is the structured-but-open record attached to every memory. A
// handful of fields are recognized by the relevance pipeline; everything else
// a caller supplies must round-trip unchanged.
type Metadata map[string]interface{}

// Recognized metadata field names.
const (
	MetaImportance = "importance"
	MetaCategories = "categories"
	MetaKeywords   = "keywords"
	MetaProject    = "project"
	MetaSession    = "session"
)

// DefaultImportance is used when a memory carries no importance field.
const DefaultImportance = 0.5

// Importance returns the importance field clamped to [0,1], or
// DefaultImportance when absent or not a number.
func (m Metadata) Importance() float64 {
	v, ok := m[MetaImportance]
	if !ok {
		return DefaultImportance
	}
	f, ok := toFloat(v)
	if !ok {
		return DefaultImportance
	}
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// Categories returns the categories field as a string slice. Non-string
// elements are skipped.
func (m Metadata) Categories() []string { return m.stringSlice(MetaCategories) }

// Keywords returns the keywords field as a string slice.
func (m Metadata) Keywords() []string { return m.stringSlice(MetaKeywords) }

// Project returns the project field, or "" when absent.
func (m Metadata) Project() string { return m.stringField(MetaProject) }

// Session returns the session field, or "" when absent.
func (m Metadata) Session() string { return m.stringField(MetaSession) }

func (m Metadata) stringField(key string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

func (m Metadata) stringSlice(key string) []string {
	raw, ok := m[key]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// Memory is a caller-supplied text plus structured metadata, persisted with a
// server-assigned id and timestamp. Memories are independent of the session
// graph; association is by metadata fields only.
type Memory struct {
	ID        int64     `json:"id"`
	Content   string    `json:"content"`
	Metadata  Metadata  `json:"metadata"`
	CreatedAt time.Time `json:"created_at"`
}

// Project is a named workspace created lazily on first reference.
type Project struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
}

// Session is a conversation session within a project.
type Session struct {
	ID            int64     `json:"id"`
	ProjectID     int64     `json:"project_id"`
	SessionName   string    `json:"session_name"`
	CreatedAt     time.Time `json:"created_at"`
	LastMessageAt time.Time `json:"last_message_at"`
	IsActive      bool      `json:"is_active"`
}

// Message roles. Any other value is rejected with a validation error.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// ValidRole reports whether role is one of the three accepted literals.
func ValidRole(role string) bool {
	return role == RoleUser || role == RoleAssistant || role == RoleSystem
}

// Message is a single conversation row belonging to a session.
type Message struct {
	ID        int64     `json:"id"`
	SessionID int64     `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Metadata  Metadata  `json:"metadata"`
	Timestamp time.Time `json:"timestamp"`
}

// Artifact is a piece of extracted knowledge tied to a session.
type Artifact struct {
	ID              int64     `json:"id"`
	SessionID       int64     `json:"session_id"`
	ArtifactType    string    `json:"artifact_type"`
	Title           string    `json:"title,omitempty"`
	Content         string    `json:"content"`
	Metadata        Metadata  `json:"metadata"`
	ImportanceScore float64   `json:"importance_score"`
	CreatedAt       time.Time `json:"created_at"`
}
