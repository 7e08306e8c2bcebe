package engine

import (
	"sort"
	"strings"
	"time"

	"github.com/Wawtawsha/durandal-memory-bridge-sub003/pkg/types"
)

// Subscore caps. The weighted combination below is tuned so that an explicit
// filename mention beats a pure keyword match and a recent conversational
// mention beats stale importance.
const (
	capExplicit     = 15.0
	capContent      = 20.0
	capIntent       = 15.0
	capStructure    = 18.0
	capConversation = 20.0
)

// Weights applied to the bounded subscores when computing the total.
const (
	weightExplicit     = 3.0
	weightContent      = 2.0
	weightConversation = 2.5
	weightStructure    = 1.8
	weightIntent       = 1.5
	weightQueryType    = 1.4
	weightTemporal     = 1.3
	weightRecent       = 1.2
	weightPreference   = 0.8
	weightImportance   = 1.0
)

// ScoreOptions tune a scoring pass. Now is injected so the scorer stays a
// pure function: identical inputs always rank identically.
type ScoreOptions struct {
	// MaxResults bounds the ranked list (default 10).
	MaxResults int

	// MinImportance excludes candidates below this importance before any
	// scoring happens.
	MinImportance float64

	// PreferredExtensions earn a small user-preference bonus.
	PreferredExtensions []string

	// Now anchors the recency subscores.
	Now time.Time
}

// Scorer ranks candidates against a QueryAnalysis.
type Scorer struct{}

// NewScorer returns a Scorer.
func NewScorer() *Scorer { return &Scorer{} }

// Rank scores every candidate and returns the top MaxResults ordered by
// total descending, ties broken by memory creation time descending.
// Malformed candidates contribute zero-score records rather than failing:
// scoring runs over cached batches where one bad row must not poison the
// rest.
func (s *Scorer) Rank(analysis *types.QueryAnalysis, candidates []types.Candidate, opts ScoreOptions) []types.ScoredResult {
	if opts.MaxResults <= 0 {
		opts.MaxResults = 10
	}

	results := make([]types.ScoredResult, 0, len(candidates))
	for _, cand := range candidates {
		if importanceOf(cand) < opts.MinImportance {
			continue
		}
		results = append(results, s.Score(analysis, cand, opts))
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Total != results[j].Total {
			return results[i].Total > results[j].Total
		}
		return createdAt(results[i].Candidate).After(createdAt(results[j].Candidate))
	})

	if len(results) > opts.MaxResults {
		results = results[:opts.MaxResults]
	}
	return results
}

// Score computes the weighted total for a single candidate. Never panics:
// nil analysis, memory, or file info all degrade to a zero score.
func (s *Scorer) Score(analysis *types.QueryAnalysis, cand types.Candidate, opts ScoreOptions) types.ScoredResult {
	result := types.ScoredResult{Candidate: cand}
	if analysis == nil || (cand.Memory == nil && cand.Info == nil) {
		result.Reasoning = "no scorable signal"
		return result
	}

	info := cand.Info
	if info == nil {
		info = &types.FileInfo{}
	}

	b := &result.Breakdown
	b.ExplicitMatch = capped(explicitMatch(analysis, info), capExplicit)
	b.ContentMatch = capped(contentMatch(analysis, cand, info), capContent)
	b.IntentMatch = capped(intentMatch(analysis, info), capIntent)
	b.StructureMatch = capped(structureMatch(analysis, info), capStructure)
	b.RecentActivity = recentActivity(info, opts.Now)
	b.UserPreference = userPreference(info, opts.PreferredExtensions)
	b.Importance = importanceOf(cand) * 10 * 0.1
	b.ConversationRelevance = capped(conversationRelevance(analysis, cand, info), capConversation)
	b.QueryTypeMatch = queryTypeMatch(analysis.QueryType, cand, info)
	b.TemporalRelevance = temporalRelevance(analysis, info, opts.Now)

	result.Total = b.ExplicitMatch*weightExplicit +
		b.ContentMatch*weightContent +
		b.ConversationRelevance*weightConversation +
		b.StructureMatch*weightStructure +
		b.IntentMatch*weightIntent +
		b.QueryTypeMatch*weightQueryType +
		b.TemporalRelevance*weightTemporal +
		b.RecentActivity*weightRecent +
		b.UserPreference*weightPreference +
		b.Importance*weightImportance

	result.Reasoning = reasoning(b)
	return result
}

// explicitMatch rewards filenames the query named directly.
func explicitMatch(a *types.QueryAnalysis, info *types.FileInfo) float64 {
	name := strings.ToLower(info.FileName)
	if name == "" {
		return 0
	}
	score := 0.0
	for _, f := range a.ExplicitFiles {
		switch {
		case name == f:
			score += 15
		case strings.Contains(name, strings.TrimSuffix(f, extOf(f))) || strings.Contains(name, f):
			score += 8
		}
	}
	return score
}

// contentMatch intersects candidate tokens with query keywords; partial
// substring matches count half.
func contentMatch(a *types.QueryAnalysis, cand types.Candidate, info *types.FileInfo) float64 {
	words := info.Words
	if len(words) == 0 && cand.Memory != nil {
		words = tokenize(cand.Memory.Content)
	}
	if len(words) == 0 {
		return 0
	}

	wordSet := make(map[string]bool, len(words))
	for _, w := range words {
		wordSet[strings.ToLower(w)] = true
	}

	score := 0.0
	for _, kw := range a.Keywords {
		if wordSet[kw] {
			score += 2
			continue
		}
		for w := range wordSet {
			if strings.Contains(w, kw) || strings.Contains(kw, w) {
				score++
				break
			}
		}
	}
	return score
}

// intentMatch applies per-intent bonuses against candidate categories and
// feature flags.
func intentMatch(a *types.QueryAnalysis, info *types.FileInfo) float64 {
	score := 0.0
	for _, intent := range a.Intents {
		switch intent {
		case types.IntentConfig:
			if info.Category == "config" || info.Extension == "env" || info.Extension == "yml" || info.Extension == "yaml" {
				score += 5
			}
		case types.IntentTest:
			if info.Features["test_file"] || info.Category == "test" {
				score += 4
			}
		case types.IntentError:
			if info.Features["has_debug_output"] {
				score += 4
			}
		case types.IntentDocumentation:
			if info.Category == "docs" || info.Extension == "md" {
				score += 4
			}
		case types.IntentDatabase:
			if info.Category == "database" || info.Extension == "sql" {
				score += 4
			}
		case types.IntentAPI:
			if info.Features["express_server"] || info.Category == "api" {
				score += 4
			}
		case types.IntentAuth:
			if info.Category == "auth" {
				score += 3
			}
		case types.IntentUI:
			if info.Category == "ui" {
				score += 3
			}
		case types.IntentImplementation:
			if info.Category == "code" {
				score += 3
			}
		}
	}
	return score
}

// structureMatch rewards function/class names containing a mentioned
// identifier.
func structureMatch(a *types.QueryAnalysis, info *types.FileInfo) float64 {
	score := 0.0
	for _, want := range a.Functions {
		lw := strings.ToLower(want)
		for _, have := range info.Functions {
			if strings.Contains(strings.ToLower(have), lw) {
				score += 6
				break
			}
		}
	}
	for _, want := range a.Classes {
		lw := strings.ToLower(want)
		for _, have := range info.Classes {
			if strings.Contains(strings.ToLower(have), lw) {
				score += 6
				break
			}
		}
	}
	return score
}

// recentActivity rewards recently modified candidates.
func recentActivity(info *types.FileInfo, now time.Time) float64 {
	if info.Modified.IsZero() || now.IsZero() {
		return 0
	}
	age := now.Sub(info.Modified)
	switch {
	case age < 24*time.Hour:
		return 3
	case age < 3*24*time.Hour:
		return 2
	case age < 7*24*time.Hour:
		return 1
	}
	return 0
}

// userPreference rewards preferred extensions and high importance.
func userPreference(info *types.FileInfo, preferred []string) float64 {
	score := 0.0
	for _, ext := range preferred {
		if strings.EqualFold(info.Extension, ext) {
			score += 2
			break
		}
	}
	if info.Importance >= 8 {
		score++
	}
	return score
}

// conversationRelevance rewards candidates tied to the recent conversation.
func conversationRelevance(a *types.QueryAnalysis, cand types.Candidate, info *types.FileInfo) float64 {
	score := 0.0
	name := strings.ToLower(info.FileName)

	for _, mf := range a.RecentlyMentionedFiles {
		if name != "" && (name == mf.Filename || strings.Contains(name, mf.Filename)) {
			score += 8
			if mf.Mentions > 1 {
				score += float64(mf.Mentions-1) * 2
			}
		}
	}

	words := info.Words
	if len(words) == 0 && cand.Memory != nil {
		words = tokenize(cand.Memory.Content)
	}
	wordSet := make(map[string]bool, len(words))
	for _, w := range words {
		wordSet[strings.ToLower(w)] = true
	}
	for _, topic := range a.ConversationContext.Topics {
		if wordSet[topic] {
			score++
		}
	}

	for _, el := range a.ConversationContext.CodeElements {
		le := strings.ToLower(el)
		for _, have := range append(info.Functions, info.Classes...) {
			if strings.Contains(strings.ToLower(have), le) {
				score += 4
				break
			}
		}
	}

	if a.ConversationContext.HasErrors && info.Category == "code" {
		score += 3
	}
	return score
}

// queryTypeMatch applies the category-specific bonus table.
func queryTypeMatch(qt types.QueryType, cand types.Candidate, info *types.FileInfo) float64 {
	switch qt {
	case types.QueryTesting:
		if info.Features["test_file"] || info.Category == "test" {
			return 5
		}
	case types.QueryConfiguration:
		if info.Category == "config" {
			return 5
		}
	case types.QueryDocumentation:
		if info.Category == "docs" {
			return 5
		}
	case types.QueryDebugging:
		if info.Features["has_debug_output"] {
			return 5
		}
		if info.Category == "code" {
			return 3
		}
	case types.QueryDevelopment:
		if info.Category == "code" && importanceOf(cand) >= 0.7 {
			return 4
		}
	case types.QueryCodeSpecific:
		if info.Category == "code" {
			return 3
		}
	}
	return 0
}

// temporalRelevance combines the recency of conversational mentions with
// modified-time bonuses.
func temporalRelevance(a *types.QueryAnalysis, info *types.FileInfo, now time.Time) float64 {
	score := 0.0
	name := strings.ToLower(info.FileName)

	for _, mf := range a.RecentlyMentionedFiles {
		if name != "" && (name == mf.Filename || strings.Contains(name, mf.Filename)) {
			if v := 6 - float64(mf.LastMentionIndex); v > 0 {
				score += v
			}
		}
	}

	if !info.Modified.IsZero() && !now.IsZero() {
		age := now.Sub(info.Modified)
		switch {
		case age < 24*time.Hour:
			score += 2
		case age < 7*24*time.Hour:
			score++
		}
	}
	return score
}

// reasoning names the subscores that crossed their display thresholds.
func reasoning(b *types.ScoreBreakdown) string {
	var parts []string
	if b.ExplicitMatch >= 8 {
		parts = append(parts, "matches a file named in the query")
	}
	if b.ConversationRelevance >= 8 {
		parts = append(parts, "recently discussed in conversation")
	}
	if b.ContentMatch >= 6 {
		parts = append(parts, "strong keyword overlap")
	}
	if b.StructureMatch >= 6 {
		parts = append(parts, "mentions the same functions or classes")
	}
	if b.IntentMatch >= 4 {
		parts = append(parts, "matches the query intent")
	}
	if b.RecentActivity >= 2 {
		parts = append(parts, "recently modified")
	}
	if len(parts) == 0 {
		return "weak overall match"
	}
	return strings.Join(parts, "; ")
}

// importanceOf resolves candidate importance in [0,1]: memory metadata wins,
// then the 0-10 integer on the file info.
func importanceOf(cand types.Candidate) float64 {
	if cand.Memory != nil && cand.Memory.Metadata != nil {
		return cand.Memory.Metadata.Importance()
	}
	if cand.Info != nil && cand.Info.Importance > 0 {
		f := float64(cand.Info.Importance) / 10
		if f > 1 {
			f = 1
		}
		return f
	}
	return types.DefaultImportance
}

func createdAt(cand types.Candidate) time.Time {
	if cand.Memory != nil {
		return cand.Memory.CreatedAt
	}
	return time.Time{}
}

// extOf returns the dot-prefixed extension of name, or "".
func extOf(name string) string {
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		return name[i:]
	}
	return ""
}

func capped(v, cap float64) float64 {
	if v > cap {
		return cap
	}
	return v
}

// tokenize lowers and splits content into the word tokens used for overlap
// scoring.
func tokenize(content string) []string {
	return wordRe.FindAllString(strings.ToLower(content), -1)
}
