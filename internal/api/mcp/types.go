// Package mcp implements the Model Context Protocol (MCP) server for Durandal.
// It provides JSON-RPC 2.0 based tools for storing, searching, and maintaining
// memories over a line-delimited stdio transport.
package mcp

import (
	"encoding/json"
	"strings"

	"github.com/Wawtawsha/durandal-memory-bridge-sub003/pkg/types"
)

// StoreMemoryArgs contains arguments for the store_memory tool.
type StoreMemoryArgs struct {
	Content  string         `json:"content"`            // Memory content (required)
	Metadata types.Metadata `json:"metadata,omitempty"` // Arbitrary metadata (importance, categories, project, session, ...)
}

// UnmarshalJSON handles the case where some MCP clients send the metadata
// object as a JSON-encoded string ("{\"importance\":0.8}") rather than a
// proper JSON object. Both forms are accepted.
func (a *StoreMemoryArgs) UnmarshalJSON(data []byte) error {
	type Alias StoreMemoryArgs
	aux := &struct {
		Metadata json.RawMessage `json:"metadata,omitempty"`
		*Alias
	}{
		Alias: (*Alias)(a),
	}
	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}
	if aux.Metadata == nil {
		return nil
	}
	var md types.Metadata
	if err := json.Unmarshal(aux.Metadata, &md); err == nil {
		a.Metadata = md
		return nil
	}
	// Fall back: client sent the object as a JSON-encoded string.
	var s string
	if err := json.Unmarshal(aux.Metadata, &s); err != nil {
		return nil // ignore unrecognised metadata formats rather than failing
	}
	if s = strings.TrimSpace(s); strings.HasPrefix(s, "{") {
		_ = json.Unmarshal([]byte(s), &md)
		a.Metadata = md
	}
	return nil
}

// StoreMemoryResult contains the result of storing a memory.
type StoreMemoryResult struct {
	Success bool   `json:"success"`
	ID      int64  `json:"id"`
	Message string `json:"message"`
}

// SearchFilters narrows a search_memories call.
type SearchFilters struct {
	MinImportance float64  `json:"minImportance,omitempty"` // Exclude memories below this importance [0,1]
	Categories    []string `json:"categories,omitempty"`    // Any-of category match
	Project       string   `json:"project,omitempty"`       // Exact project match
	Session       string   `json:"session,omitempty"`       // Exact session match
}

// SearchMemoriesArgs contains arguments for the search_memories tool.
// Limit is a pointer so an explicit 0 (invalid) is distinguishable from an
// omitted field (defaulted).
type SearchMemoriesArgs struct {
	Query   string        `json:"query"`             // Search query (required)
	Limit   *int          `json:"limit,omitempty"`   // Maximum results (default 10, max 100)
	Filters SearchFilters `json:"filters,omitempty"` // Optional filter tuple
}

// SearchResultEntry is one ranked memory in a search_memories response. The
// memory fields are flattened into the entry on the wire, with the score and
// reasoning alongside.
type SearchResultEntry struct {
	types.Memory
	Score     float64 `json:"score"`
	Reasoning string  `json:"reasoning,omitempty"`
}

// SearchMemoriesResult contains the result of searching memories.
type SearchMemoriesResult struct {
	Success bool                `json:"success"`
	Results []SearchResultEntry `json:"results"`
	Count   int                 `json:"count"`
	Query   string              `json:"query"`
}

// GetContextArgs contains arguments for the get_context tool. Limit follows
// the same pointer convention as SearchMemoriesArgs.
type GetContextArgs struct {
	SessionID string `json:"session_id,omitempty"` // Session to summarise (optional)
	Limit     *int   `json:"limit,omitempty"`      // Max recent memories (default 10)
}

// ContextStats summarises the store for a get_context response.
type ContextStats struct {
	TotalMemories int64  `json:"total_memories"`
	RecentCount   int    `json:"recent_count"`
	SessionID     string `json:"session_id,omitempty"`
}

// GetContextResult contains the result of get_context.
type GetContextResult struct {
	Success  bool           `json:"success"`
	Memories []types.Memory `json:"memories"`
	Stats    ContextStats   `json:"stats"`
}

// OptimizeMemoryArgs contains arguments for the optimize_memory tool.
type OptimizeMemoryArgs struct {
	// Aggressive additionally decays importance and prunes stale
	// low-importance memories before compacting.
	Aggressive bool `json:"aggressive,omitempty"`
}

// OptimizeStats is one side of the before/after snapshot for optimize_memory.
type OptimizeStats struct {
	TotalMemories int64 `json:"total_memories"`
	SizeBytes     int64 `json:"size_bytes"`
}

// OptimizeSnapshots pairs the store statistics taken before and after
// maintenance ran.
type OptimizeSnapshots struct {
	Before OptimizeStats `json:"before"`
	After  OptimizeStats `json:"after"`
}

// OptimizeMemoryResult contains the result of optimize_memory. Optimizations
// names each maintenance action that ran, in order.
type OptimizeMemoryResult struct {
	Success       bool              `json:"success"`
	Optimizations []string          `json:"optimizations"`
	Stats         OptimizeSnapshots `json:"stats"`
}

// ToolError is the structured error payload embedded in a failed tool call.
type ToolError struct {
	Code    types.ErrorCode `json:"code"`
	Message string          `json:"message"`
	Hint    string          `json:"hint,omitempty"`
}

// ToolErrorResult is the JSON body of an IsError tool response.
type ToolErrorResult struct {
	Success bool      `json:"success"` // always false
	Error   ToolError `json:"error"`
}

// JSONRPCRequest represents a JSON-RPC 2.0 request.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"` // Must be "2.0"
	Method  string          `json:"method"`  // Method name
	Params  json.RawMessage `json:"params"`  // Method parameters
	ID      interface{}     `json:"id"`      // Request ID (string, number, or null)
}

// JSONRPCResponse represents a JSON-RPC 2.0 response.
type JSONRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`          // Must be "2.0"
	Result  interface{}   `json:"result,omitempty"` // Result (if successful)
	Error   *JSONRPCError `json:"error,omitempty"`  // Error (if failed)
	ID      interface{}   `json:"id"`               // Request ID
}

// JSONRPCError represents a JSON-RPC 2.0 error.
type JSONRPCError struct {
	Code    int         `json:"code"`           // Error code
	Message string      `json:"message"`        // Error message
	Data    interface{} `json:"data,omitempty"` // Additional error data
}

// JSON-RPC error codes
const (
	ErrCodeParseError     = -32700 // Invalid JSON
	ErrCodeInvalidRequest = -32600 // Invalid request object
	ErrCodeMethodNotFound = -32601 // Method not found
	ErrCodeInvalidParams  = -32602 // Invalid method parameters
	ErrCodeInternalError  = -32603 // Internal JSON-RPC error
	ErrCodeServerError    = -32000 // Server error
)

// ---------------------------------------------------------------------------
// Standard MCP protocol types (initialize / tools/list / tools/call)
// ---------------------------------------------------------------------------

// MCPInitializeParams holds the parameters sent by an MCP client in the
// initialize request.
type MCPInitializeParams struct {
	ProtocolVersion string                 `json:"protocolVersion"`
	Capabilities    map[string]interface{} `json:"capabilities,omitempty"`
	ClientInfo      MCPClientInfo          `json:"clientInfo"`
}

// MCPClientInfo identifies the connecting MCP client.
type MCPClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// MCPServerInfo identifies this MCP server.
type MCPServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// MCPServerCapabilities describes what this server supports.
type MCPServerCapabilities struct {
	Tools *MCPToolsCapability `json:"tools,omitempty"`
}

// MCPToolsCapability signals that the server exposes tools.
type MCPToolsCapability struct{}

// MCPInitializeResult is the response to the initialize request.
type MCPInitializeResult struct {
	ProtocolVersion string                `json:"protocolVersion"`
	Capabilities    MCPServerCapabilities `json:"capabilities"`
	ServerInfo      MCPServerInfo         `json:"serverInfo"`
}

// MCPTool describes a single tool exposed via the MCP tools/list endpoint.
type MCPTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
}

// MCPToolsListResult is the response to the tools/list request.
type MCPToolsListResult struct {
	Tools []MCPTool `json:"tools"`
}

// MCPToolCallParams holds the parameters sent in a tools/call request.
type MCPToolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// MCPToolCallContent is a single content block in a tool call response.
type MCPToolCallContent struct {
	Type string `json:"type"` // always "text" for now
	Text string `json:"text"`
}

// MCPToolCallResult is the response to a tools/call request.
type MCPToolCallResult struct {
	Content []MCPToolCallContent `json:"content"`
	IsError bool                 `json:"isError,omitempty"`
}

// CancelParams holds the parameters of a cancellation notification
// (notifications/cancelled or $/cancelRequest).
type CancelParams struct {
	RequestID interface{} `json:"requestId"`
	ID        interface{} `json:"id"` // some clients use "id" instead
	Reason    string      `json:"reason,omitempty"`
}
