package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Wawtawsha/durandal-memory-bridge-sub003/internal/config"
	"github.com/Wawtawsha/durandal-memory-bridge-sub003/internal/engine"
	"github.com/Wawtawsha/durandal-memory-bridge-sub003/internal/logging"
	"github.com/Wawtawsha/durandal-memory-bridge-sub003/internal/storage"
	"github.com/Wawtawsha/durandal-memory-bridge-sub003/pkg/types"
)

// maxSearchLimit bounds a single search_memories call.
const maxSearchLimit = 100

// oversizeContent is the threshold above which store_memory logs a warning.
// Large payloads are stored anyway; the warning exists for operators tuning
// clients that dump entire files into memory content.
const oversizeContent = 1 << 20

// Server implements the Model Context Protocol (MCP) for Durandal.
// It provides JSON-RPC 2.0 based tools for AI assistants to interact with
// the memory system.
type Server struct {
	store     storage.Store
	analyzer  *engine.Analyzer
	scorer    *engine.Scorer
	config    *config.Config
	version   string
	sessionID string // unique ID generated once per MCP server lifetime

	// oversizeWarn throttles the large-content warning so a chatty client
	// cannot flood the log.
	oversizeWarn *rate.Limiter

	now func() time.Time
}

// ServerOption is a functional option for configuring a Server.
type ServerOption func(*Server)

// WithConfig injects a *config.Config into the Server.
func WithConfig(cfg *config.Config) ServerOption {
	return func(s *Server) {
		s.config = cfg
	}
}

// WithVersion sets the version reported in the initialize handshake.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// withClock overrides the time source. Test hook.
func withClock(now func() time.Time) ServerOption {
	return func(s *Server) {
		s.now = now
	}
}

// NewServer creates a new MCP server instance over the given store. The store
// is usually a cache-wrapped one; the server never cares which.
func NewServer(store storage.Store, opts ...ServerOption) *Server {
	s := &Server{
		store:        store,
		analyzer:     engine.NewAnalyzer(),
		scorer:       engine.NewScorer(),
		version:      "dev",
		sessionID:    uuid.New().String(),
		oversizeWarn: rate.NewLimiter(rate.Every(10*time.Second), 1),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SessionID returns the identifier generated for this server lifetime.
func (s *Server) SessionID() string { return s.sessionID }

// HandleRequest processes a JSON-RPC 2.0 request and returns a response.
// This is the main entry point for MCP protocol handling. A nil response
// with nil error means the request was a notification and nothing should be
// written back.
func (s *Server) HandleRequest(ctx context.Context, requestJSON []byte) ([]byte, error) {
	var req JSONRPCRequest
	if err := json.Unmarshal(requestJSON, &req); err != nil {
		return s.errorResponse(nil, ErrCodeParseError, "Parse error", err.Error())
	}

	if req.JSONRPC != "2.0" {
		return s.errorResponse(req.ID, ErrCodeInvalidRequest, "Invalid JSON-RPC version", nil)
	}

	var result interface{}
	var err error

	switch req.Method {
	case "initialize":
		result, err = s.handleInitialize(ctx, req.Params)
	case "initialized", "notifications/initialized":
		return nil, nil
	case "notifications/cancelled", "$/cancelRequest":
		// Cancellation is handled by the transport, which owns the per-request
		// contexts. Reaching here means the target already finished.
		return nil, nil
	case "tools/list":
		result, err = s.handleToolsList(ctx, req.Params)
	case "tools/call":
		result, err = s.handleToolsCall(ctx, req.Params)
	case "ping":
		result = map[string]interface{}{}
	default:
		return s.errorResponse(req.ID, ErrCodeMethodNotFound, fmt.Sprintf("Method not found: %s", req.Method), nil)
	}

	if err != nil {
		return s.errorResponse(req.ID, ErrCodeServerError, err.Error(), nil)
	}

	return s.successResponse(req.ID, result)
}

func (s *Server) handleInitialize(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p MCPInitializeParams
	if len(params) > 0 {
		// Client info is logged but never required.
		_ = json.Unmarshal(params, &p)
	}
	if p.ClientInfo.Name != "" {
		logging.FromContext(ctx).Info("client connected",
			zap.String("client", p.ClientInfo.Name),
			zap.String("client_version", p.ClientInfo.Version))
	}
	return MCPInitializeResult{
		ProtocolVersion: "2024-11-05",
		Capabilities: MCPServerCapabilities{
			Tools: &MCPToolsCapability{},
		},
		ServerInfo: MCPServerInfo{
			Name:    "durandal-memory",
			Version: s.version,
		},
	}, nil
}

// handleToolsList returns the list of all tools this server exposes.
func (s *Server) handleToolsList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	return MCPToolsListResult{Tools: s.buildToolsList()}, nil
}

// handleToolsCall dispatches a tools/call request to the appropriate handler
// and wraps the result in the MCP content envelope. Tool failures become
// IsError payloads, never JSON-RPC errors: the protocol call itself
// succeeded.
func (s *Server) handleToolsCall(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p MCPToolCallParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid tools/call params: %w", err)
	}

	start := s.now()
	var result interface{}
	var handlerErr error

	switch p.Name {
	case "store_memory":
		result, handlerErr = s.storeMemory(ctx, p.Arguments)
	case "search_memories":
		result, handlerErr = s.searchMemories(ctx, p.Arguments)
	case "get_context":
		result, handlerErr = s.getContext(ctx, p.Arguments)
	case "optimize_memory":
		result, handlerErr = s.optimizeMemory(ctx, p.Arguments)
	default:
		return s.toolError(types.NewError(types.CodeProtocol, "unknown tool: %s", p.Name).
			WithHint("supported tools: store_memory, search_memories, get_context, optimize_memory")), nil
	}

	s.logToolCall(ctx, p.Name, s.now().Sub(start), handlerErr)

	if handlerErr != nil {
		return s.toolError(handlerErr), nil
	}

	text, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}

	return &MCPToolCallResult{
		Content: []MCPToolCallContent{{Type: "text", Text: string(text)}},
	}, nil
}

// storeMemory persists new content with optional metadata.
func (s *Server) storeMemory(ctx context.Context, args json.RawMessage) (*StoreMemoryResult, error) {
	var a StoreMemoryArgs
	if err := unmarshalArgs(args, &a); err != nil {
		return nil, err
	}
	if a.Content == "" {
		return nil, types.Validation("content", "content is required and must be non-empty")
	}
	if imp, ok := a.Metadata["importance"]; ok {
		if f, ok := imp.(float64); ok && (f < 0 || f > 1) {
			return nil, types.Validation("metadata.importance", "importance must be between 0 and 1")
		}
	}

	if len(a.Content) > oversizeContent && s.oversizeWarn.Allow() {
		logging.FromContext(ctx).Warn("storing oversized memory content",
			zap.Int("bytes", len(a.Content)))
	}

	id, err := s.store.StoreMemory(ctx, a.Content, a.Metadata)
	if err != nil {
		return nil, err
	}
	return &StoreMemoryResult{Success: true, ID: id, Message: "memory stored"}, nil
}

// resolveLimit applies the default for an omitted limit and validates an
// explicit one against [1, maxSearchLimit]. An explicit 0 is an error, not a
// request for the default.
func resolveLimit(limit *int) (int, error) {
	if limit == nil {
		return storage.DefaultSearchLimit, nil
	}
	if *limit < 1 || *limit > maxSearchLimit {
		return 0, types.Validation("limit", "limit must be between 1 and %d", maxSearchLimit)
	}
	return *limit, nil
}

// searchMemories runs the analyze, fetch, score pipeline.
func (s *Server) searchMemories(ctx context.Context, args json.RawMessage) (*SearchMemoriesResult, error) {
	var a SearchMemoriesArgs
	if err := unmarshalArgs(args, &a); err != nil {
		return nil, err
	}
	if a.Query == "" {
		return nil, types.Validation("query", "query is required and must be non-empty")
	}
	limit, err := resolveLimit(a.Limit)
	if err != nil {
		return nil, err
	}
	if a.Filters.MinImportance < 0 || a.Filters.MinImportance > 1 {
		return nil, types.Validation("filters.minImportance", "minImportance must be between 0 and 1")
	}

	opts := storage.SearchOptions{
		Limit:         limit,
		MinImportance: a.Filters.MinImportance,
		Categories:    a.Filters.Categories,
		Project:       a.Filters.Project,
		Session:       a.Filters.Session,
	}
	opts.Normalize()

	memories, err := s.store.SearchMemories(ctx, a.Query, opts)
	if err != nil {
		return nil, err
	}

	analysis := s.analyzer.Analyze(a.Query, nil)

	candidates := make([]types.Candidate, len(memories))
	for i := range memories {
		candidates[i] = types.Candidate{Memory: &memories[i]}
	}
	ranked := s.scorer.Rank(analysis, candidates, engine.ScoreOptions{
		MaxResults: opts.Limit,
		Now:        s.now(),
	})

	results := make([]SearchResultEntry, 0, len(ranked))
	for _, r := range ranked {
		results = append(results, SearchResultEntry{
			Memory:    *r.Candidate.Memory,
			Score:     r.Total,
			Reasoning: r.Reasoning,
		})
	}
	return &SearchMemoriesResult{Success: true, Results: results, Count: len(results), Query: a.Query}, nil
}

// getContext returns recent memories plus store statistics, optionally scoped
// to a session.
func (s *Server) getContext(ctx context.Context, args json.RawMessage) (*GetContextResult, error) {
	var a GetContextArgs
	if err := unmarshalArgs(args, &a); err != nil {
		return nil, err
	}
	limit, err := resolveLimit(a.Limit)
	if err != nil {
		return nil, err
	}

	var memories []types.Memory
	if a.SessionID != "" {
		// An empty query with a session filter returns the session's memories
		// in recency order.
		opts := storage.SearchOptions{Limit: limit, Session: a.SessionID}
		opts.Normalize()
		memories, err = s.store.SearchMemories(ctx, "", opts)
	} else {
		memories, err = s.store.GetRecentMemories(ctx, limit, "")
	}
	if err != nil {
		return nil, err
	}

	total, err := s.store.CountMemories(ctx)
	if err != nil {
		return nil, err
	}

	return &GetContextResult{
		Success:  true,
		Memories: memories,
		Stats: ContextStats{
			TotalMemories: total,
			RecentCount:   len(memories),
			SessionID:     a.SessionID,
		},
	}, nil
}

// optimizeMemory compacts the store. Aggressive mode first decays importance
// and prunes stale low-importance rows. Safe to call repeatedly.
func (s *Server) optimizeMemory(ctx context.Context, args json.RawMessage) (*OptimizeMemoryResult, error) {
	var a OptimizeMemoryArgs
	if err := unmarshalArgs(args, &a); err != nil {
		return nil, err
	}

	before, err := s.store.Stats(ctx)
	if err != nil {
		return nil, err
	}

	res := &OptimizeMemoryResult{
		Optimizations: []string{},
		Stats: OptimizeSnapshots{
			Before: OptimizeStats{TotalMemories: before.TotalMemories, SizeBytes: before.SizeBytes},
		},
	}

	if a.Aggressive {
		decayed, err := s.store.DecayImportance(ctx, engine.DefaultDecayPerDay)
		if err != nil {
			return nil, err
		}
		res.Optimizations = append(res.Optimizations,
			fmt.Sprintf("decayed importance on %d memories", decayed))

		pruned, err := s.store.PruneStale(ctx, 30*24*time.Hour, 0.2)
		if err != nil {
			return nil, err
		}
		res.Optimizations = append(res.Optimizations,
			fmt.Sprintf("pruned %d stale memories", pruned))
	}

	if err := s.store.Optimize(ctx); err != nil {
		return nil, err
	}
	res.Optimizations = append(res.Optimizations, "vacuumed and reanalyzed the store", "rebuilt the hot tier")

	after, err := s.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	res.Success = true
	res.Stats.After = OptimizeStats{TotalMemories: after.TotalMemories, SizeBytes: after.SizeBytes}
	return res, nil
}

// logToolCall emits the per-call log line when enabled.
func (s *Server) logToolCall(ctx context.Context, tool string, d time.Duration, err error) {
	if s.config != nil && !s.config.Log.LogToolCalls {
		return
	}
	logger := logging.FromContext(ctx)
	if err != nil {
		logger.Warn("tool call failed",
			zap.String("tool", tool),
			zap.Duration("duration", d),
			zap.String("code", string(types.CodeOf(err))),
			zap.Error(err))
		return
	}
	logger.Info("tool call",
		zap.String("tool", tool),
		zap.Duration("duration", d))
}

// toolError converts a handler error into the IsError tool envelope with the
// structured {success:false, error:{code,message,hint}} body.
func (s *Server) toolError(err error) *MCPToolCallResult {
	e := types.AsError(err)
	body, mErr := json.Marshal(ToolErrorResult{
		Error: ToolError{Code: e.Code, Message: e.Message, Hint: e.Hint},
	})
	if mErr != nil {
		body = []byte(fmt.Sprintf(`{"success":false,"error":{"code":"Internal","message":%q}}`, e.Message))
	}
	return &MCPToolCallResult{
		Content: []MCPToolCallContent{{Type: "text", Text: string(body)}},
		IsError: true,
	}
}

// unmarshalArgs decodes tool arguments, mapping malformed JSON to a
// validation error rather than a protocol failure.
func unmarshalArgs(raw json.RawMessage, into interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return types.NewError(types.CodeValidation, "invalid tool arguments").
			WithHint("arguments must be a JSON object matching the tool schema")
	}
	return nil
}

// buildToolsList returns the canonical list of MCP tool definitions.
func (s *Server) buildToolsList() []MCPTool {
	return []MCPTool{
		{
			Name:        "store_memory",
			Description: "Store a new memory with optional metadata (importance, categories, project, session). Returns the assigned memory id.",
			InputSchema: map[string]interface{}{
				"type":     "object",
				"required": []string{"content"},
				"properties": map[string]interface{}{
					"content":  map[string]interface{}{"type": "string", "description": "The memory content to store (required)"},
					"metadata": map[string]interface{}{"type": "object", "description": "Arbitrary key-value metadata. Recognized keys: importance (0..1), categories ([]string), project, session"},
				},
			},
		},
		{
			Name:        "search_memories",
			Description: "Search stored memories with relevance ranking. Results are ordered by a weighted score over content overlap, query intent, and recency.",
			InputSchema: map[string]interface{}{
				"type":     "object",
				"required": []string{"query"},
				"properties": map[string]interface{}{
					"query": map[string]interface{}{"type": "string", "description": "Natural-language search query (required)"},
					"limit": map[string]interface{}{"type": "integer", "description": "Max results (default 10, max 100)"},
					"filters": map[string]interface{}{
						"type": "object",
						"properties": map[string]interface{}{
							"minImportance": map[string]interface{}{"type": "number", "description": "Exclude memories below this importance (0..1)"},
							"categories":    map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}, "description": "Match any of these categories"},
							"project":       map[string]interface{}{"type": "string", "description": "Exact project match"},
							"session":       map[string]interface{}{"type": "string", "description": "Exact session match"},
						},
					},
				},
			},
		},
		{
			Name:        "get_context",
			Description: "Return recent memories and store statistics, optionally scoped to a session.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"session_id": map[string]interface{}{"type": "string", "description": "Session to summarise"},
					"limit":      map[string]interface{}{"type": "integer", "description": "Max recent memories (default 10)"},
				},
			},
		},
		{
			Name:        "optimize_memory",
			Description: "Compact and analyze the memory store. With aggressive=true, additionally decays importance and prunes stale low-importance memories.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"aggressive": map[string]interface{}{"type": "boolean", "description": "Also decay importance and prune stale memories"},
				},
			},
		},
	}
}

// successResponse creates a JSON-RPC success response.
func (s *Server) successResponse(id interface{}, result interface{}) ([]byte, error) {
	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		Result:  result,
		ID:      id,
	}
	return json.Marshal(resp)
}

// errorResponse creates a JSON-RPC error response.
func (s *Server) errorResponse(id interface{}, code int, message string, data interface{}) ([]byte, error) {
	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		Error: &JSONRPCError{
			Code:    code,
			Message: message,
			Data:    data,
		},
		ID: id,
	}
	return json.Marshal(resp)
}
