package types

import "time"

// FileInfo carries the derived features of a scoring candidate. Every field
// is optional: the scorer must tolerate absence uniformly and return a
// zero-score record for malformed input rather than fail.
type FileInfo struct {
	FileName  string `json:"file_name,omitempty"`
	Category  string `json:"category,omitempty"`
	Language  string `json:"language,omitempty"`
	Extension string `json:"extension,omitempty"`

	// Words is the token set extracted from the candidate content.
	Words []string `json:"words,omitempty"`

	// Functions and Classes are identifiers detected in the candidate.
	Functions []string `json:"functions,omitempty"`
	Classes   []string `json:"classes,omitempty"`

	// Features holds boolean flags such as test_file, express_server,
	// has_debug_output.
	Features map[string]bool `json:"features,omitempty"`

	Modified   time.Time `json:"modified,omitempty"`
	Importance int       `json:"importance,omitempty"`
}

// Candidate pairs a stored memory with its derived file features for scoring.
type Candidate struct {
	Memory *Memory   `json:"memory,omitempty"`
	Info   *FileInfo `json:"info,omitempty"`
}

// ScoreBreakdown records every bounded subscore that fed a total. The exact
// weighting is documented on engine.Scorer.
type ScoreBreakdown struct {
	ExplicitMatch         float64 `json:"explicit_match"`
	ContentMatch          float64 `json:"content_match"`
	IntentMatch           float64 `json:"intent_match"`
	StructureMatch        float64 `json:"structure_match"`
	RecentActivity        float64 `json:"recent_activity"`
	UserPreference        float64 `json:"user_preference"`
	Importance            float64 `json:"importance"`
	ConversationRelevance float64 `json:"conversation_relevance"`
	QueryTypeMatch        float64 `json:"query_type_match"`
	TemporalRelevance     float64 `json:"temporal_relevance"`
}

// ScoredResult is one ranked candidate with its per-subscore breakdown and a
// short human-readable reasoning string.
type ScoredResult struct {
	Candidate Candidate      `json:"candidate"`
	Total     float64        `json:"total"`
	Breakdown ScoreBreakdown `json:"breakdown"`
	Reasoning string         `json:"reasoning"`
}
