// Package selftest exercises the full stack against a scratch database. It
// is wired to the --test flag and is the fastest way to verify an install:
// storage, cache, search pipeline, and tool dispatch all run for real, in a
// temp directory that is removed afterwards.
package selftest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/Wawtawsha/durandal-memory-bridge-sub003/internal/api/mcp"
	"github.com/Wawtawsha/durandal-memory-bridge-sub003/internal/cache"
	"github.com/Wawtawsha/durandal-memory-bridge-sub003/internal/logging"
	"github.com/Wawtawsha/durandal-memory-bridge-sub003/internal/storage"
	"github.com/Wawtawsha/durandal-memory-bridge-sub003/internal/storage/sqlite"
	"github.com/Wawtawsha/durandal-memory-bridge-sub003/pkg/types"
)

// minInsertsPerSecond is the throughput floor for the bulk-insert check.
const minInsertsPerSecond = 100

// check is one named verification step.
type check struct {
	name string
	fn   func(ctx context.Context, env *environment) error
}

// environment holds the scratch stack shared by all checks.
type environment struct {
	store  *cache.Store
	server *mcp.Server
}

// Run executes every check against a scratch database and reports results to
// the logger. It returns an error when any check fails.
func Run(ctx context.Context, logger *zap.Logger) error {
	dir, err := os.MkdirTemp("", "durandal-selftest-*")
	if err != nil {
		return fmt.Errorf("selftest: scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)

	ctx = logging.WithLogger(ctx, logger)

	inner, err := sqlite.Open(filepath.Join(dir, "selftest.db"))
	if err != nil {
		return fmt.Errorf("selftest: open scratch store: %w", err)
	}
	defer inner.Close()

	tier, err := cache.New(64, time.Minute)
	if err != nil {
		return fmt.Errorf("selftest: cache: %w", err)
	}

	wrapped := cache.Wrap(inner, tier)
	env := &environment{
		store:  wrapped,
		server: mcp.NewServer(wrapped),
	}

	checks := []check{
		{"storage connection", checkConnection},
		{"schema and indexes", checkSchema},
		{"store and retrieve", checkRoundTrip},
		{"filtered search", checkSearch},
		{"recency ordering", checkRecency},
		{"cache behavior", checkCache},
		{"tool availability", checkTools},
		{"validation errors", checkValidation},
		{"insert throughput", checkThroughput},
	}

	failed := 0
	for _, c := range checks {
		start := time.Now()
		err := c.fn(ctx, env)
		elapsed := time.Since(start)
		if err != nil {
			failed++
			logger.Error("self-test check failed",
				zap.String("check", c.name),
				zap.Duration("duration", elapsed),
				zap.Error(err))
			continue
		}
		logger.Info("self-test check passed",
			zap.String("check", c.name),
			zap.Duration("duration", elapsed))
	}

	if failed > 0 {
		return fmt.Errorf("selftest: %d of %d checks failed", failed, len(checks))
	}
	logger.Info("self-test passed", zap.Int("checks", len(checks)))
	return nil
}

func checkConnection(ctx context.Context, env *environment) error {
	_, err := env.store.CountMemories(ctx)
	return err
}

func checkSchema(ctx context.Context, env *environment) error {
	res, err := env.store.Query(ctx,
		"SELECT name FROM sqlite_master WHERE type IN ('table','index')")
	if err != nil {
		return err
	}

	present := make(map[string]bool, res.RowCount)
	for _, row := range res.Rows {
		if name, ok := row["name"].(string); ok {
			present[name] = true
		}
	}
	for _, want := range []string{"memories", "projects", "conversation_sessions", "idx_memories_created_at"} {
		if !present[want] {
			return fmt.Errorf("missing schema object %q", want)
		}
	}
	return nil
}

func checkRoundTrip(ctx context.Context, env *environment) error {
	content := "self-test memory with unicode: é世界"
	id, err := env.store.StoreMemory(ctx, content, types.Metadata{"importance": 0.9, "categories": []interface{}{"selftest"}})
	if err != nil {
		return err
	}
	got, err := env.store.GetMemoryByID(ctx, id)
	if err != nil {
		return err
	}
	if got.Content != content {
		return fmt.Errorf("content mismatch after round-trip")
	}
	if got.Metadata.Importance() != 0.9 {
		return fmt.Errorf("importance not preserved: got %v", got.Metadata.Importance())
	}
	return nil
}

func checkSearch(ctx context.Context, env *environment) error {
	if _, err := env.store.StoreMemory(ctx, "the database migration finished",
		types.Metadata{"importance": 0.8, "project": "selftest-proj"}); err != nil {
		return err
	}
	if _, err := env.store.StoreMemory(ctx, "unrelated note about lunch",
		types.Metadata{"importance": 0.1}); err != nil {
		return err
	}

	res, err := env.store.SearchMemories(ctx, "database migration", storage.SearchOptions{
		Limit:         10,
		MinImportance: 0.5,
		Project:       "selftest-proj",
	})
	if err != nil {
		return err
	}
	if len(res) != 1 {
		return fmt.Errorf("expected 1 filtered match, got %d", len(res))
	}
	return nil
}

func checkRecency(ctx context.Context, env *environment) error {
	for i := 0; i < 3; i++ {
		if _, err := env.store.StoreMemory(ctx, fmt.Sprintf("recency probe %d", i), nil); err != nil {
			return err
		}
	}
	recent, err := env.store.GetRecentMemories(ctx, 10, "")
	if err != nil {
		return err
	}
	for i := 1; i < len(recent); i++ {
		if recent[i-1].CreatedAt.Before(recent[i].CreatedAt) {
			return fmt.Errorf("recent memories out of order at position %d", i)
		}
	}
	return nil
}

func checkCache(ctx context.Context, env *environment) error {
	id, err := env.store.StoreMemory(ctx, "cache probe", nil)
	if err != nil {
		return err
	}

	before := env.store.Tier().Stats()
	if _, err := env.store.GetMemoryByID(ctx, id); err != nil {
		return err
	}
	if _, err := env.store.GetMemoryByID(ctx, id); err != nil {
		return err
	}
	after := env.store.Tier().Stats()
	if after.Hits <= before.Hits {
		return fmt.Errorf("second lookup did not hit the cache")
	}

	// A metadata update must invalidate the cached entry.
	if err := env.store.UpdateMemoryMetadata(ctx, id, types.Metadata{"importance": 0.2}); err != nil {
		return err
	}
	got, err := env.store.GetMemoryByID(ctx, id)
	if err != nil {
		return err
	}
	if got.Metadata.Importance() != 0.2 {
		return fmt.Errorf("stale cache entry survived a write")
	}
	return nil
}

func checkTools(ctx context.Context, env *environment) error {
	req := []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	resp, err := env.server.HandleRequest(ctx, req)
	if err != nil {
		return err
	}

	var parsed struct {
		Result struct {
			Tools []struct {
				Name string `json:"name"`
			} `json:"tools"`
		} `json:"result"`
	}
	if err := json.Unmarshal(resp, &parsed); err != nil {
		return err
	}

	have := make(map[string]bool, len(parsed.Result.Tools))
	for _, t := range parsed.Result.Tools {
		have[t.Name] = true
	}
	for _, want := range []string{"store_memory", "search_memories", "get_context", "optimize_memory"} {
		if !have[want] {
			return fmt.Errorf("tool %q not advertised", want)
		}
	}
	return nil
}

func checkValidation(ctx context.Context, env *environment) error {
	req := []byte(`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"store_memory","arguments":{"content":""}}}`)
	resp, err := env.server.HandleRequest(ctx, req)
	if err != nil {
		return err
	}

	var parsed struct {
		Result struct {
			IsError bool `json:"isError"`
			Content []struct {
				Text string `json:"text"`
			} `json:"content"`
		} `json:"result"`
	}
	if err := json.Unmarshal(resp, &parsed); err != nil {
		return err
	}
	if !parsed.Result.IsError || len(parsed.Result.Content) == 0 {
		return fmt.Errorf("empty content was not rejected")
	}

	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal([]byte(parsed.Result.Content[0].Text), &body); err != nil {
		return err
	}
	if body.Error.Code != string(types.CodeValidation) {
		return fmt.Errorf("expected %s, got %q", types.CodeValidation, body.Error.Code)
	}
	return nil
}

func checkThroughput(ctx context.Context, env *environment) error {
	const n = 200
	start := time.Now()
	for i := 0; i < n; i++ {
		if _, err := env.store.StoreMemory(ctx, fmt.Sprintf("throughput probe %d", i), nil); err != nil {
			return err
		}
	}
	elapsed := time.Since(start)

	rate := float64(n) / elapsed.Seconds()
	if rate < minInsertsPerSecond {
		return fmt.Errorf("insert rate %.0f/s below floor %d/s", rate, minInsertsPerSecond)
	}
	return nil
}
