package mcp_test

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Wawtawsha/durandal-memory-bridge-sub003/internal/api/mcp"
	"github.com/Wawtawsha/durandal-memory-bridge-sub003/internal/cache"
	"github.com/Wawtawsha/durandal-memory-bridge-sub003/internal/storage/sqlite"
	"github.com/Wawtawsha/durandal-memory-bridge-sub003/pkg/types"
)

func newTestServer(t *testing.T) *mcp.Server {
	t.Helper()
	inner, err := sqlite.Open(filepath.Join(t.TempDir(), "mcp-test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { inner.Close() })

	tier, err := cache.New(64, 0)
	require.NoError(t, err)
	return mcp.NewServer(cache.Wrap(inner, tier), mcp.WithVersion("1.2.3"))
}

// callTool runs a tools/call request and returns the decoded envelope.
func callTool(t *testing.T, srv *mcp.Server, tool string, args string) (isError bool, body string) {
	t.Helper()
	req := fmt.Sprintf(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":%q,"arguments":%s}}`, tool, args)
	resp, err := srv.HandleRequest(context.Background(), []byte(req))
	require.NoError(t, err)

	var parsed struct {
		Result struct {
			IsError bool `json:"isError"`
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"result"`
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(resp, &parsed))
	require.Nil(t, parsed.Error, "tool failures must not surface as JSON-RPC errors")
	require.NotEmpty(t, parsed.Result.Content)
	assert.Equal(t, "text", parsed.Result.Content[0].Type)
	return parsed.Result.IsError, parsed.Result.Content[0].Text
}

func errorCode(t *testing.T, body string) string {
	t.Helper()
	var payload struct {
		Success bool `json:"success"`
		Error   struct {
			Code string `json:"code"`
			Hint string `json:"hint"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &payload))
	assert.False(t, payload.Success)
	return payload.Error.Code
}

func TestInitializeHandshake(t *testing.T) {
	srv := newTestServer(t)

	req := []byte(`{"jsonrpc":"2.0","id":0,"method":"initialize","params":{"protocolVersion":"2024-11-05","clientInfo":{"name":"test","version":"0.0.1"}}}`)
	resp, err := srv.HandleRequest(context.Background(), req)
	require.NoError(t, err)

	var parsed struct {
		Result struct {
			ProtocolVersion string `json:"protocolVersion"`
			ServerInfo      struct {
				Name    string `json:"name"`
				Version string `json:"version"`
			} `json:"serverInfo"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(resp, &parsed))
	assert.Equal(t, "2024-11-05", parsed.Result.ProtocolVersion)
	assert.Equal(t, "durandal-memory", parsed.Result.ServerInfo.Name)
	assert.Equal(t, "1.2.3", parsed.Result.ServerInfo.Version)
}

func TestToolsListAdvertisesAllTools(t *testing.T) {
	srv := newTestServer(t)

	resp, err := srv.HandleRequest(context.Background(), []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	require.NoError(t, err)

	var parsed struct {
		Result mcp.MCPToolsListResult `json:"result"`
	}
	require.NoError(t, json.Unmarshal(resp, &parsed))
	require.Len(t, parsed.Result.Tools, 4)

	names := make([]string, 0, 4)
	for _, tool := range parsed.Result.Tools {
		names = append(names, tool.Name)
		assert.NotEmpty(t, tool.Description)
		assert.NotNil(t, tool.InputSchema)
	}
	assert.ElementsMatch(t,
		[]string{"store_memory", "search_memories", "get_context", "optimize_memory"}, names)
}

func TestUnknownMethodReturnsMethodNotFound(t *testing.T) {
	srv := newTestServer(t)

	resp, err := srv.HandleRequest(context.Background(), []byte(`{"jsonrpc":"2.0","id":1,"method":"nope"}`))
	require.NoError(t, err)

	var parsed struct {
		Error struct {
			Code int `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(resp, &parsed))
	assert.Equal(t, mcp.ErrCodeMethodNotFound, parsed.Error.Code)
}

func TestParseErrorResponse(t *testing.T) {
	srv := newTestServer(t)

	resp, err := srv.HandleRequest(context.Background(), []byte(`{not json`))
	require.NoError(t, err)

	var parsed struct {
		Error struct {
			Code int `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(resp, &parsed))
	assert.Equal(t, mcp.ErrCodeParseError, parsed.Error.Code)
}

func TestNotificationsProduceNoResponse(t *testing.T) {
	srv := newTestServer(t)

	resp, err := srv.HandleRequest(context.Background(), []byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))
	require.NoError(t, err)
	assert.Nil(t, resp)
}

func TestStoreThenSearchFlow(t *testing.T) {
	srv := newTestServer(t)

	isError, body := callTool(t, srv, "store_memory",
		`{"content":"the auth service uses JWT tokens","metadata":{"importance":0.9,"categories":["auth"]}}`)
	require.False(t, isError, body)

	var stored mcp.StoreMemoryResult
	require.NoError(t, json.Unmarshal([]byte(body), &stored))
	assert.True(t, stored.Success)
	assert.Positive(t, stored.ID)
	assert.NotEmpty(t, stored.Message)

	isError, body = callTool(t, srv, "search_memories", `{"query":"JWT tokens"}`)
	require.False(t, isError, body)

	var found mcp.SearchMemoriesResult
	require.NoError(t, json.Unmarshal([]byte(body), &found))
	require.Equal(t, 1, found.Count)
	assert.Equal(t, "JWT tokens", found.Query)
	assert.Equal(t, stored.ID, found.Results[0].Memory.ID)
	assert.Greater(t, found.Results[0].Score, 0.0)

	// Memory fields sit at the top level of each result entry on the wire.
	var raw struct {
		Results []struct {
			ID      int64   `json:"id"`
			Content string  `json:"content"`
			Score   float64 `json:"score"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &raw))
	require.Len(t, raw.Results, 1)
	assert.Equal(t, stored.ID, raw.Results[0].ID)
	assert.Contains(t, raw.Results[0].Content, "JWT")
}

func TestStoreMemoryValidation(t *testing.T) {
	srv := newTestServer(t)

	isError, body := callTool(t, srv, "store_memory", `{"content":""}`)
	require.True(t, isError)
	assert.Equal(t, string(types.CodeValidation), errorCode(t, body))

	isError, body = callTool(t, srv, "store_memory", `{"content":"x","metadata":{"importance":1.5}}`)
	require.True(t, isError)
	assert.Equal(t, string(types.CodeValidation), errorCode(t, body))
}

func TestSearchLimitBoundaries(t *testing.T) {
	srv := newTestServer(t)

	isError, _ := callTool(t, srv, "search_memories", `{"query":"x","limit":100}`)
	assert.False(t, isError, "limit 100 is the inclusive maximum")

	isError, body := callTool(t, srv, "search_memories", `{"query":"x","limit":101}`)
	require.True(t, isError)
	assert.Equal(t, string(types.CodeValidation), errorCode(t, body))

	var payload struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &payload))
	assert.Contains(t, payload.Error.Message, "100", "the upper bound is interpolated into the message")

	isError, body = callTool(t, srv, "search_memories", `{"query":"x","limit":0}`)
	require.True(t, isError, "an explicit zero limit is out of range, not a default request")
	assert.Equal(t, string(types.CodeValidation), errorCode(t, body))

	isError, _ = callTool(t, srv, "search_memories", `{"query":"x"}`)
	assert.False(t, isError, "an omitted limit takes the default")

	isError, body = callTool(t, srv, "search_memories", `{"query":""}`)
	require.True(t, isError)
	assert.Equal(t, string(types.CodeValidation), errorCode(t, body))
}

func TestSearchFiltersNarrowResults(t *testing.T) {
	srv := newTestServer(t)

	_, body := callTool(t, srv, "store_memory",
		`{"content":"deploy notes for atlas","metadata":{"importance":0.9,"project":"atlas"}}`)
	require.NotEmpty(t, body)
	_, body = callTool(t, srv, "store_memory",
		`{"content":"deploy notes for orion","metadata":{"importance":0.2,"project":"orion"}}`)
	require.NotEmpty(t, body)

	isError, body := callTool(t, srv, "search_memories",
		`{"query":"deploy","filters":{"minImportance":0.5,"project":"atlas"}}`)
	require.False(t, isError, body)

	var found mcp.SearchMemoriesResult
	require.NoError(t, json.Unmarshal([]byte(body), &found))
	require.Equal(t, 1, found.Count)
	assert.Contains(t, found.Results[0].Memory.Content, "atlas")
}

func TestGetContext(t *testing.T) {
	srv := newTestServer(t)

	for i := 0; i < 3; i++ {
		_, _ = callTool(t, srv, "store_memory",
			fmt.Sprintf(`{"content":"note %d","metadata":{"session":"sess-1"}}`, i))
	}
	_, _ = callTool(t, srv, "store_memory", `{"content":"other session","metadata":{"session":"sess-2"}}`)

	isError, body := callTool(t, srv, "get_context", `{"session_id":"sess-1"}`)
	require.False(t, isError, body)

	var got mcp.GetContextResult
	require.NoError(t, json.Unmarshal([]byte(body), &got))
	assert.True(t, got.Success)
	assert.Equal(t, 3, got.Stats.RecentCount)
	assert.Equal(t, int64(4), got.Stats.TotalMemories)
	assert.Equal(t, "sess-1", got.Stats.SessionID)

	// Without a session the newest memories come back, newest first.
	isError, body = callTool(t, srv, "get_context", `{"limit":2}`)
	require.False(t, isError, body)
	require.NoError(t, json.Unmarshal([]byte(body), &got))
	require.Len(t, got.Memories, 2)
	assert.Equal(t, "other session", got.Memories[0].Content)
}

func TestOptimizeMemoryIsIdempotent(t *testing.T) {
	srv := newTestServer(t)

	for i := 0; i < 5; i++ {
		_, _ = callTool(t, srv, "store_memory", fmt.Sprintf(`{"content":"keep %d","metadata":{"importance":0.9}}`, i))
	}

	for i := 0; i < 2; i++ {
		isError, body := callTool(t, srv, "optimize_memory", `{"aggressive":true}`)
		require.False(t, isError, body)

		var res mcp.OptimizeMemoryResult
		require.NoError(t, json.Unmarshal([]byte(body), &res))
		assert.True(t, res.Success)
		assert.NotEmpty(t, res.Optimizations, "each maintenance action is named in the response")
		assert.Equal(t, int64(5), res.Stats.After.TotalMemories,
			"fresh high-importance memories must survive aggressive optimization")
	}
}

func TestUnknownToolIsProtocolError(t *testing.T) {
	srv := newTestServer(t)

	isError, body := callTool(t, srv, "explode", `{}`)
	require.True(t, isError)
	assert.Equal(t, string(types.CodeProtocol), errorCode(t, body))
}

func TestMetadataAsEncodedStringAccepted(t *testing.T) {
	srv := newTestServer(t)

	isError, body := callTool(t, srv, "store_memory",
		`{"content":"quirky client","metadata":"{\"importance\":0.7}"}`)
	require.False(t, isError, body)

	isError, body = callTool(t, srv, "search_memories",
		`{"query":"quirky","filters":{"minImportance":0.6}}`)
	require.False(t, isError, body)

	var found mcp.SearchMemoriesResult
	require.NoError(t, json.Unmarshal([]byte(body), &found))
	assert.Equal(t, 1, found.Count)
}
