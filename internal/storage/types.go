package storage

// SearchOptions narrows a substring search. Zero values mean "no filter".
type SearchOptions struct {
	// Limit caps the result set. Defaulted to 10 by implementations; callers
	// may request at most 100.
	Limit int

	// MinImportance excludes memories whose importance is below this value.
	MinImportance float64

	// Categories keeps only memories tagged with at least one of these.
	Categories []string

	// Project and Session filter on the corresponding metadata fields.
	Project string
	Session string
}

// DefaultSearchLimit and MaxSearchLimit bound every search result set.
const (
	DefaultSearchLimit = 10
	MaxSearchLimit     = 100
)

// Normalize applies the default limit and clamps to the maximum.
func (o *SearchOptions) Normalize() {
	if o.Limit <= 0 {
		o.Limit = DefaultSearchLimit
	}
	if o.Limit > MaxSearchLimit {
		o.Limit = MaxSearchLimit
	}
}

// QueryResult is returned by the raw Query escape hatch.
type QueryResult struct {
	Rows     []map[string]interface{}
	RowCount int
}

// Stats reports store-level statistics.
type Stats struct {
	TotalMemories int64 `json:"total_memories"`
	TotalProjects int64 `json:"total_projects"`
	TotalSessions int64 `json:"total_sessions"`
	SizeBytes     int64 `json:"size_bytes,omitempty"`
}
