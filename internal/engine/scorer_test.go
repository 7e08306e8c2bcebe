package engine_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Wawtawsha/durandal-memory-bridge-sub003/internal/engine"
	"github.com/Wawtawsha/durandal-memory-bridge-sub003/pkg/types"
)

var scoreNow = time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

func memory(id int64, content string, md types.Metadata, age time.Duration) *types.Memory {
	return &types.Memory{
		ID:        id,
		Content:   content,
		Metadata:  md,
		CreatedAt: scoreNow.Add(-age),
	}
}

func TestScoreNeverPanicsOnMalformedInput(t *testing.T) {
	s := engine.NewScorer()

	got := s.Score(nil, types.Candidate{}, engine.ScoreOptions{Now: scoreNow})
	assert.Zero(t, got.Total)

	got = s.Score(&types.QueryAnalysis{}, types.Candidate{}, engine.ScoreOptions{Now: scoreNow})
	assert.Zero(t, got.Total)

	// A candidate with a memory but nil metadata and no file info must still
	// produce a well-formed record.
	cand := types.Candidate{Memory: &types.Memory{ID: 1, Content: "hello"}}
	got = s.Score(&types.QueryAnalysis{Keywords: []string{"hello"}}, cand, engine.ScoreOptions{Now: scoreNow})
	assert.NotNil(t, got.Candidate.Memory)
	assert.GreaterOrEqual(t, got.Total, 0.0)
}

func TestRankExplicitFileBeatsKeywordOnly(t *testing.T) {
	s := engine.NewScorer()
	analysis := &types.QueryAnalysis{
		ExplicitFiles: []string{"auth.js"},
		Keywords:      []string{"login", "token"},
	}

	byFile := types.Candidate{
		Memory: memory(1, "notes about the session handler", nil, time.Hour),
		Info:   &types.FileInfo{FileName: "auth.js", Category: "code"},
	}
	byKeyword := types.Candidate{
		Memory: memory(2, "login token refresh login token", nil, time.Hour),
	}

	ranked := s.Rank(analysis, []types.Candidate{byKeyword, byFile}, engine.ScoreOptions{Now: scoreNow})
	require.Len(t, ranked, 2)
	assert.Equal(t, int64(1), ranked[0].Candidate.Memory.ID,
		"an explicit filename match should outrank keyword overlap")
	assert.Greater(t, ranked[0].Total, ranked[1].Total)
}

func TestRankFiltersByMinImportance(t *testing.T) {
	s := engine.NewScorer()
	analysis := &types.QueryAnalysis{Keywords: []string{"probe"}}

	low := types.Candidate{Memory: memory(1, "probe", types.Metadata{"importance": 0.1}, time.Hour)}
	high := types.Candidate{Memory: memory(2, "probe", types.Metadata{"importance": 0.9}, time.Hour)}

	ranked := s.Rank(analysis, []types.Candidate{low, high}, engine.ScoreOptions{
		MinImportance: 0.5,
		Now:           scoreNow,
	})
	require.Len(t, ranked, 1)
	assert.Equal(t, int64(2), ranked[0].Candidate.Memory.ID)
}

func TestRankTieBreaksByCreationTime(t *testing.T) {
	s := engine.NewScorer()
	analysis := &types.QueryAnalysis{}

	older := types.Candidate{Memory: memory(1, "same", nil, 48*time.Hour)}
	newer := types.Candidate{Memory: memory(2, "same", nil, time.Hour)}

	ranked := s.Rank(analysis, []types.Candidate{older, newer}, engine.ScoreOptions{Now: scoreNow})
	require.Len(t, ranked, 2)
	assert.Equal(t, int64(2), ranked[0].Candidate.Memory.ID,
		"equal totals should order newest first")
}

func TestRankRespectsMaxResults(t *testing.T) {
	s := engine.NewScorer()
	analysis := &types.QueryAnalysis{}

	var candidates []types.Candidate
	for i := int64(0); i < 25; i++ {
		candidates = append(candidates, types.Candidate{Memory: memory(i, "x", nil, time.Duration(i)*time.Hour)})
	}

	ranked := s.Rank(analysis, candidates, engine.ScoreOptions{Now: scoreNow})
	assert.Len(t, ranked, 10, "default max results is 10")

	ranked = s.Rank(analysis, candidates, engine.ScoreOptions{MaxResults: 3, Now: scoreNow})
	assert.Len(t, ranked, 3)
}

func TestScoreRecentActivitySubscore(t *testing.T) {
	s := engine.NewScorer()
	analysis := &types.QueryAnalysis{}

	for _, tc := range []struct {
		age  time.Duration
		want float64
	}{
		{12 * time.Hour, 3},
		{2 * 24 * time.Hour, 2},
		{5 * 24 * time.Hour, 1},
		{30 * 24 * time.Hour, 0},
	} {
		cand := types.Candidate{
			Memory: memory(1, "x", nil, tc.age),
			Info:   &types.FileInfo{FileName: "x.js", Modified: scoreNow.Add(-tc.age)},
		}
		got := s.Score(analysis, cand, engine.ScoreOptions{Now: scoreNow})
		assert.Equal(t, tc.want, got.Breakdown.RecentActivity, "age %v", tc.age)
	}
}

func TestScoreConversationRelevance(t *testing.T) {
	s := engine.NewScorer()
	analysis := &types.QueryAnalysis{
		RecentlyMentionedFiles: []types.MentionedFile{
			{Filename: "cache.go", Mentions: 3, LastMentionIndex: 0},
		},
	}

	mentioned := types.Candidate{
		Memory: memory(1, "cache internals", nil, time.Hour),
		Info:   &types.FileInfo{FileName: "cache.go"},
	}
	unrelated := types.Candidate{
		Memory: memory(2, "cache internals", nil, time.Hour),
		Info:   &types.FileInfo{FileName: "readme.md"},
	}

	a := s.Score(analysis, mentioned, engine.ScoreOptions{Now: scoreNow})
	b := s.Score(analysis, unrelated, engine.ScoreOptions{Now: scoreNow})
	assert.Greater(t, a.Breakdown.ConversationRelevance, b.Breakdown.ConversationRelevance)
	assert.Greater(t, a.Total, b.Total)
}

func TestScoreReasoningNamesSignals(t *testing.T) {
	s := engine.NewScorer()
	analysis := &types.QueryAnalysis{ExplicitFiles: []string{"auth.js"}}

	cand := types.Candidate{
		Memory: memory(1, "x", nil, time.Hour),
		Info:   &types.FileInfo{FileName: "auth.js"},
	}
	got := s.Score(analysis, cand, engine.ScoreOptions{Now: scoreNow})
	assert.Contains(t, got.Reasoning, "file named in the query")

	empty := s.Score(&types.QueryAnalysis{}, types.Candidate{Memory: memory(2, "x", nil, time.Hour)}, engine.ScoreOptions{Now: scoreNow})
	assert.Equal(t, "weak overall match", empty.Reasoning)
}
