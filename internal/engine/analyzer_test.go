package engine_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Wawtawsha/durandal-memory-bridge-sub003/internal/engine"
	"github.com/Wawtawsha/durandal-memory-bridge-sub003/pkg/types"
)

func TestAnalyzeAmbiguousOpenerIsGeneral(t *testing.T) {
	a := engine.NewAnalyzer()

	got := a.Analyze("Show me the database setup", nil)

	assert.Equal(t, types.QueryGeneral, got.QueryType)
	assert.Contains(t, got.Intents, types.IntentDatabase)
}

func TestAnalyzeBugFixQuery(t *testing.T) {
	a := engine.NewAnalyzer()

	got := a.Analyze("Fix the authentication bug in UserService", nil)

	assert.Equal(t, types.QueryDebugging, got.QueryType)
	assert.Contains(t, got.Functions, "authenticate",
		"authentication should map to its verb form")
	assert.Contains(t, got.Classes, "UserService")
	assert.Contains(t, got.Intents, types.IntentError)
}

func TestAnalyzeErrorIntentWinsOverTestIntent(t *testing.T) {
	a := engine.NewAnalyzer()

	got := a.Analyze("Debug the UserService authenticate method and write tests for it", nil)

	assert.Equal(t, types.QueryDebugging, got.QueryType)
	assert.Contains(t, got.Intents, types.IntentError)
	assert.Contains(t, got.Intents, types.IntentTest)
}

func TestAnalyzeExtractsExplicitFiles(t *testing.T) {
	a := engine.NewAnalyzer()

	got := a.Analyze("update src/config.yaml and auth.js to match .env", nil)

	assert.Contains(t, got.ExplicitFiles, "config.yaml", "path prefix should be stripped")
	assert.Contains(t, got.ExplicitFiles, "auth.js")
	assert.Contains(t, got.ExplicitFiles, ".env")
}

func TestAnalyzeKeywordsSkipStopwords(t *testing.T) {
	a := engine.NewAnalyzer()

	got := a.Analyze("what is the best way to handle websocket reconnection", nil)

	assert.Contains(t, got.Keywords, "websocket")
	assert.Contains(t, got.Keywords, "reconnection")
	assert.NotContains(t, got.Keywords, "the")
	assert.NotContains(t, got.Keywords, "what")
}

func TestAnalyzeConversationHistory(t *testing.T) {
	a := engine.NewAnalyzer()

	history := []types.Message{
		{Role: types.RoleUser, Content: "I edited server.js to add the login route"},
		{Role: types.RoleAssistant, Content: "The handleLogin() function in server.js looks right"},
		{Role: types.RoleUser, Content: "now there is an error: cannot read properties of undefined"},
	}

	got := a.Analyze("why does it crash", history)

	require.NotEmpty(t, got.RecentlyMentionedFiles)
	assert.Equal(t, "server.js", got.RecentlyMentionedFiles[0].Filename)
	assert.Equal(t, 2, got.RecentlyMentionedFiles[0].Mentions)
	assert.True(t, got.ConversationContext.HasErrors)
	assert.Contains(t, got.ConversationContext.CodeElements, "handleLogin")
}

func TestAnalyzeIsDeterministic(t *testing.T) {
	a := engine.NewAnalyzer()
	history := []types.Message{
		{Role: types.RoleUser, Content: "working on db.go and cache.go today"},
		{Role: types.RoleAssistant, Content: "the Fingerprint() helper in cache.go needs a sort"},
	}

	first := a.Analyze("refactor the Fingerprint helper in cache.go", history)
	for i := 0; i < 10; i++ {
		again := a.Analyze("refactor the Fingerprint helper in cache.go", history)
		require.Equal(t, first, again, "identical inputs must produce identical analyses")
	}
}

func TestAnalyzeEmptyQuery(t *testing.T) {
	a := engine.NewAnalyzer()

	got := a.Analyze("", nil)

	require.NotNil(t, got)
	assert.Equal(t, types.QueryGeneral, got.QueryType)
	assert.Empty(t, got.Keywords)
}
