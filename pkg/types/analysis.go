package types

// QueryType is the coarse classification assigned by the query analyzer. It
// steers category-level bonuses in the relevance scorer.
type QueryType string

const (
	QueryGeneral       QueryType = "general"
	QueryDebugging     QueryType = "debugging"
	QueryTesting       QueryType = "testing"
	QueryConfiguration QueryType = "configuration"
	QueryDocumentation QueryType = "documentation"
	QueryDevelopment   QueryType = "development"
	QueryCodeSpecific  QueryType = "code_specific"
	QueryFileSpecific  QueryType = "file_specific"
)

// Intent labels inferred from query wording.
type Intent string

const (
	IntentConfig         Intent = "config"
	IntentDocumentation  Intent = "documentation"
	IntentTest           Intent = "test"
	IntentError          Intent = "error"
	IntentImplementation Intent = "implementation"
	IntentDatabase       Intent = "database"
	IntentAPI            Intent = "api"
	IntentUI             Intent = "ui"
	IntentAuth           Intent = "auth"
)

// MentionedFile tracks a filename seen in recent conversation history.
// LastMentionIndex counts backwards: 0 is the most recent message.
type MentionedFile struct {
	Filename         string `json:"filename"`
	Mentions         int    `json:"mentions"`
	LastMentionIndex int    `json:"last_mention_index"`
}

// ConversationContext summarizes the last few conversation messages.
type ConversationContext struct {
	Topics         []string `json:"topics"`
	MentionedFiles []string `json:"mentioned_files"`
	CodeElements   []string `json:"code_elements"`
	Errors         []string `json:"errors"`
	Tasks          []string `json:"tasks"`
	HasErrors      bool     `json:"has_errors"`
	HasTasks       bool     `json:"has_tasks"`
}

// QueryAnalysis is the structured output of the query analyzer: a pure
// function of the user query and recent conversation history.
type QueryAnalysis struct {
	ExplicitFiles          []string            `json:"explicit_files"`
	Functions              []string            `json:"functions"`
	Classes                []string            `json:"classes"`
	Intents                []Intent            `json:"intents"`
	Keywords               []string            `json:"keywords"`
	ConversationContext    ConversationContext `json:"conversation_context"`
	RecentlyMentionedFiles []MentionedFile     `json:"recently_mentioned_files"`
	QueryType              QueryType           `json:"query_type"`
	Confidence             float64             `json:"confidence"`
}

// HasIntent reports whether the analysis detected the given intent.
func (a *QueryAnalysis) HasIntent(in Intent) bool {
	for _, i := range a.Intents {
		if i == in {
			return true
		}
	}
	return false
}
