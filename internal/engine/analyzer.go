// Package engine holds the pure relevance pipeline: the query analyzer that
// turns a free-text query plus conversation history into a structured
// analysis, and the scorer that ranks stored candidates against it. Nothing
// in this package touches the clock, I/O, or randomness: identical inputs
// always produce identical outputs.
package engine

import (
	"regexp"
	"sort"
	"strings"

	"github.com/Wawtawsha/durandal-memory-bridge-sub003/pkg/types"
)

// History windows used by the analyzer.
const (
	contextWindow      = 5  // messages scanned for conversation context
	fileMentionWindow  = 10 // messages scanned for file mentions
	maxTopics          = 20
	maxCodeElements    = 15
	maxMentionedFiles  = 5
	excerptLen         = 120
)

// recognizedExtensions are the filename extensions treated as explicit file
// references.
var recognizedExtensions = map[string]bool{
	"js": true, "ts": true, "py": true, "json": true, "md": true,
	"txt": true, "html": true, "css": true, "yml": true, "yaml": true,
	"sql": true, "sh": true, "bat": true, "env": true,
}

// wellKnownDotfiles are extensionless files recognized by name.
var wellKnownDotfiles = map[string]bool{
	".env": true, ".gitignore": true, ".dockerignore": true,
	".npmrc": true, ".babelrc": true, ".eslintrc": true,
}

// configExtensions mark a file reference as configuration for classification.
var configExtensions = map[string]bool{
	"env": true, "yml": true, "yaml": true, "json": true,
}

var (
	fileRe      = regexp.MustCompile(`[\w./-]*[\w-]+\.[A-Za-z]{2,5}\b`)
	dotfileRe   = regexp.MustCompile(`(?:^|[\s"'` + "`" + `(])(\.[\w.]+)`)
	funcDeclRe  = regexp.MustCompile(`\b(?:function|func|def)\s+([A-Za-z_]\w*)`)
	callSiteRe  = regexp.MustCompile(`\b([a-zA-Z_]\w*)\s*\(`)
	classDeclRe = regexp.MustCompile(`\bclass\s+([A-Za-z_]\w*)`)
	newExprRe   = regexp.MustCompile(`\bnew\s+([A-Z]\w*)`)
	protoRe     = regexp.MustCompile(`\b([A-Za-z_]\w*)\.prototype\b`)
	pascalRe    = regexp.MustCompile(`\b([A-Z][a-z0-9]+(?:[A-Z]\w*)+)\b`)
	wordRe      = regexp.MustCompile(`[a-z0-9_]+`)
)

// nounToVerb maps concept nouns to the function name they usually imply.
var nounToVerb = map[string]string{
	"authentication": "authenticate",
	"validation":     "validate",
	"connection":     "connect",
	"registration":   "register",
	"configuration":  "configure",
	"initialization": "initialize",
	"authorization":  "authorize",
}

// callSiteNoise filters language keywords that look like call sites.
var callSiteNoise = map[string]bool{
	"if": true, "for": true, "while": true, "switch": true, "return": true,
	"new": true, "function": true, "func": true, "def": true, "catch": true,
	"print": true, "console": true,
}

// stopwords is the fixed closed list removed from keywords.
var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "but": true, "by": true, "can": true, "do": true, "for": true,
	"from": true, "get": true, "has": true, "have": true, "how": true,
	"i": true, "in": true, "is": true, "it": true, "its": true, "me": true,
	"my": true, "of": true, "on": true, "or": true, "our": true, "show": true,
	"so": true, "that": true, "the": true, "their": true, "them": true,
	"then": true, "there": true, "these": true, "they": true, "this": true,
	"to": true, "was": true, "we": true, "were": true, "what": true,
	"when": true, "where": true, "which": true, "who": true, "why": true,
	"will": true, "with": true, "would": true, "you": true, "your": true,
}

// ambiguousOpeners start informational queries that stay "general" unless an
// action verb appears.
var ambiguousOpeners = []string{
	"show me", "tell me about", "what is", "how is", "where is", "help me with",
}

// actionVerbs defeat the ambiguous-opener rule.
var actionVerbs = []string{
	"create", "add", "implement", "build", "update", "fix", "debug", "test",
}

// Word classes for intents and classification overrides.
var (
	intentWords = map[types.Intent][]string{
		types.IntentConfig:         {"config", "configuration", "settings", "setup", "environment"},
		types.IntentDocumentation:  {"documentation", "docs", "readme", "document", "guide"},
		types.IntentTest:           {"test", "tests", "testing", "spec", "coverage"},
		types.IntentError:          {"error", "errors", "bug", "bugs", "issue", "fail", "failure", "failing", "exception", "crash", "broken", "debug", "debugging"},
		types.IntentImplementation: {"implement", "implementation", "create", "add", "build", "develop", "write"},
		types.IntentDatabase:       {"database", "db", "sql", "query", "table", "schema", "migration"},
		types.IntentAPI:            {"api", "endpoint", "route", "rest", "request", "response"},
		types.IntentUI:             {"ui", "interface", "frontend", "component", "view", "page"},
		types.IntentAuth:           {"auth", "authentication", "login", "authorization", "token", "password", "jwt"},
	}

	debugWords  = []string{"debug", "debugging", "error", "bug", "broken", "crash", "fix"}
	testWords   = []string{"test", "tests", "testing", "spec", "coverage"}
	buildWords  = []string{"build", "implement", "create", "add", "develop", "make"}
	configWords = []string{"config", "configuration", "settings", "setup"}
	updateWords = []string{"update", "change", "modify", "edit"}

	errorSignalWords = []string{"error", "exception", "fail", "failed", "failure", "bug", "crash", "broken", "issue"}
	taskSignalWords  = []string{"implement", "create", "add", "fix", "update", "build", "write", "refactor", "todo", "need to"}
)

// Analyzer is the query analyzer. It is stateless; the struct exists so the
// dispatcher can hold one value for the pipeline.
type Analyzer struct{}

// NewAnalyzer returns an Analyzer.
func NewAnalyzer() *Analyzer { return &Analyzer{} }

// Analyze is a pure function of the query and the recent history (ordered
// oldest first). It never returns nil.
func (a *Analyzer) Analyze(query string, history []types.Message) *types.QueryAnalysis {
	lower := strings.ToLower(query)

	analysis := &types.QueryAnalysis{
		ExplicitFiles:          extractFiles(query),
		Functions:              extractFunctions(query),
		Classes:                extractClasses(query),
		Intents:                detectIntents(lower),
		Keywords:               extractKeywords(lower),
		ConversationContext:    buildContext(tail(history, contextWindow)),
		RecentlyMentionedFiles: recentFiles(tail(history, fileMentionWindow)),
	}
	analysis.QueryType = classify(lower, analysis)
	analysis.Confidence = confidence(analysis)
	return analysis
}

// tail returns the last n elements of msgs.
func tail(msgs []types.Message, n int) []types.Message {
	if len(msgs) <= n {
		return msgs
	}
	return msgs[len(msgs)-n:]
}

// extractFiles returns lowercase filenames with recognized extensions plus
// well-known dotfiles, in first-seen order.
func extractFiles(text string) []string {
	var out []string
	seen := map[string]bool{}

	for _, m := range fileRe.FindAllString(text, -1) {
		name := strings.ToLower(m)
		// Strip any path prefix; the analyzer works on bare filenames.
		if i := strings.LastIndexAny(name, "/"); i >= 0 {
			name = name[i+1:]
		}
		dot := strings.LastIndex(name, ".")
		if dot < 0 {
			continue
		}
		if !recognizedExtensions[name[dot+1:]] {
			continue
		}
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}

	for _, m := range dotfileRe.FindAllStringSubmatch(text, -1) {
		name := strings.ToLower(strings.TrimRight(m[1], "."))
		if wellKnownDotfiles[name] && !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}

	return out
}

// extractFunctions returns identifiers suggestive of function references:
// declarations, call sites, and the noun→verb concept map.
func extractFunctions(text string) []string {
	var out []string
	seen := map[string]bool{}
	add := func(name string) {
		if name != "" && !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}

	for _, m := range funcDeclRe.FindAllStringSubmatch(text, -1) {
		add(m[1])
	}
	for _, m := range callSiteRe.FindAllStringSubmatch(text, -1) {
		if !callSiteNoise[strings.ToLower(m[1])] {
			add(m[1])
		}
	}
	for _, word := range wordRe.FindAllString(strings.ToLower(text), -1) {
		if verb, ok := nounToVerb[word]; ok {
			add(verb)
		}
	}

	return out
}

// extractClasses returns identifiers suggestive of class references.
func extractClasses(text string) []string {
	var out []string
	seen := map[string]bool{}
	add := func(name string) {
		if name != "" && !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}

	for _, m := range classDeclRe.FindAllStringSubmatch(text, -1) {
		add(m[1])
	}
	for _, m := range newExprRe.FindAllStringSubmatch(text, -1) {
		add(m[1])
	}
	for _, m := range protoRe.FindAllStringSubmatch(text, -1) {
		add(m[1])
	}
	for _, m := range pascalRe.FindAllStringSubmatch(text, -1) {
		add(m[1])
	}

	return out
}

// detectIntents matches bounded word classes against the lowercased query.
// Intents are emitted in a fixed order so the analysis is deterministic.
func detectIntents(lower string) []types.Intent {
	ordered := []types.Intent{
		types.IntentConfig, types.IntentDocumentation, types.IntentTest,
		types.IntentError, types.IntentImplementation, types.IntentDatabase,
		types.IntentAPI, types.IntentUI, types.IntentAuth,
	}

	var out []types.Intent
	for _, intent := range ordered {
		if containsAnyWord(lower, intentWords[intent]) {
			out = append(out, intent)
		}
	}
	return out
}

// extractKeywords returns content words after punctuation stripping and
// stopword removal.
func extractKeywords(lower string) []string {
	var out []string
	seen := map[string]bool{}
	for _, w := range wordRe.FindAllString(lower, -1) {
		if len(w) < 3 || stopwords[w] || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
	}
	return out
}

// buildContext summarizes the last few messages.
func buildContext(msgs []types.Message) types.ConversationContext {
	ctx := types.ConversationContext{
		Topics:         []string{},
		MentionedFiles: []string{},
		CodeElements:   []string{},
		Errors:         []string{},
		Tasks:          []string{},
	}

	seenTopic := map[string]bool{}
	seenFile := map[string]bool{}
	seenCode := map[string]bool{}

	for _, msg := range msgs {
		lower := strings.ToLower(msg.Content)

		for _, kw := range extractKeywords(lower) {
			if len(ctx.Topics) >= maxTopics {
				break
			}
			if !seenTopic[kw] {
				seenTopic[kw] = true
				ctx.Topics = append(ctx.Topics, kw)
			}
		}

		for _, f := range extractFiles(msg.Content) {
			if !seenFile[f] {
				seenFile[f] = true
				ctx.MentionedFiles = append(ctx.MentionedFiles, f)
			}
		}

		for _, el := range append(extractFunctions(msg.Content), extractClasses(msg.Content)...) {
			if len(ctx.CodeElements) >= maxCodeElements {
				break
			}
			if !seenCode[el] {
				seenCode[el] = true
				ctx.CodeElements = append(ctx.CodeElements, el)
			}
		}

		if containsAnyWord(lower, errorSignalWords) {
			ctx.Errors = append(ctx.Errors, excerpt(msg.Content))
		}
		if containsAnyWord(lower, taskSignalWords) {
			ctx.Tasks = append(ctx.Tasks, excerpt(msg.Content))
		}
	}

	ctx.HasErrors = len(ctx.Errors) > 0
	ctx.HasTasks = len(ctx.Tasks) > 0
	return ctx
}

// recentFiles collects file mentions across the history, most recently
// mentioned first, capped at maxMentionedFiles. LastMentionIndex counts
// backwards from the newest message (0 = newest).
func recentFiles(msgs []types.Message) []types.MentionedFile {
	byName := map[string]*types.MentionedFile{}
	var order []string

	for i, msg := range msgs {
		// Distance from the end of the window.
		backIndex := len(msgs) - 1 - i
		for _, f := range extractFiles(msg.Content) {
			mf, ok := byName[f]
			if !ok {
				mf = &types.MentionedFile{Filename: f}
				byName[f] = mf
				order = append(order, f)
			}
			mf.Mentions++
			mf.LastMentionIndex = backIndex
		}
	}

	out := make([]types.MentionedFile, 0, len(order))
	for _, name := range order {
		out = append(out, *byName[name])
	}
	// Most recent mention first; ties keep first-seen order (stable sort).
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastMentionIndex < out[j].LastMentionIndex
	})
	if len(out) > maxMentionedFiles {
		out = out[:maxMentionedFiles]
	}
	return out
}

// classify assigns the query type. Rules are ordered; the first match wins.
func classify(lower string, a *types.QueryAnalysis) types.QueryType {
	// 1. Ambiguous opener with no action verb stays general even when other
	// intents match.
	for _, opener := range ambiguousOpeners {
		if strings.HasPrefix(lower, opener) && !containsAnyWord(lower, actionVerbs) {
			return types.QueryGeneral
		}
	}

	// 2. Direct intent mapping. Error outranks test so that "debug X and
	// write tests" classifies as debugging.
	if a.HasIntent(types.IntentError) {
		return types.QueryDebugging
	}
	if a.HasIntent(types.IntentTest) {
		return types.QueryTesting
	}
	if a.HasIntent(types.IntentConfig) {
		return types.QueryConfiguration
	}
	if a.HasIntent(types.IntentDocumentation) {
		return types.QueryDocumentation
	}

	// 3. Implementation intent: with testing keywords it is a testing task,
	// alone it is development.
	if a.HasIntent(types.IntentImplementation) {
		if containsAnyWord(lower, testWords) {
			return types.QueryTesting
		}
		return types.QueryDevelopment
	}

	// 4. Keyword overrides.
	switch {
	case containsAnyWord(lower, debugWords):
		return types.QueryDebugging
	case containsAnyWord(lower, testWords):
		return types.QueryTesting
	case containsAnyWord(lower, buildWords):
		return types.QueryDevelopment
	case containsAnyWord(lower, configWords):
		return types.QueryConfiguration
	case containsAnyWord(lower, updateWords) && hasConfigFile(a.ExplicitFiles):
		return types.QueryConfiguration
	}

	// 5. Explicit config-file reference.
	if hasConfigFile(a.ExplicitFiles) {
		return types.QueryConfiguration
	}

	// 6. Code identifiers.
	if len(a.Functions) > 0 || len(a.Classes) > 0 {
		return types.QueryCodeSpecific
	}

	// 7. Explicit files.
	if len(a.ExplicitFiles) > 0 {
		return types.QueryFileSpecific
	}

	return types.QueryGeneral
}

// hasConfigFile reports whether any explicit file looks like configuration.
func hasConfigFile(files []string) bool {
	for _, f := range files {
		if wellKnownDotfiles[f] {
			return true
		}
		if dot := strings.LastIndex(f, "."); dot >= 0 && configExtensions[f[dot+1:]] {
			return true
		}
		if strings.Contains(f, "config") {
			return true
		}
	}
	return false
}

// confidence combines weighted signal contributions, capped at 1.
func confidence(a *types.QueryAnalysis) float64 {
	c := 0.0
	if len(a.ExplicitFiles) > 0 {
		c += 0.20
	}
	if len(a.Functions) > 0 {
		c += 0.15
	}
	if len(a.Classes) > 0 {
		c += 0.15
	}
	if len(a.RecentlyMentionedFiles) > 0 {
		c += 0.15
	}
	if len(a.Intents) > 0 {
		c += 0.10
	}
	kw := float64(len(a.Keywords)) * 0.02
	if kw > 0.15 {
		kw = 0.15
	}
	c += kw
	if a.ConversationContext.HasErrors {
		c += 0.05
	}
	if a.ConversationContext.HasTasks {
		c += 0.05
	}
	if c > 1 {
		c = 1
	}
	return c
}

// excerpt returns a short prefix of s for the errors/tasks lists.
func excerpt(s string) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) > excerptLen {
		return string(runes[:excerptLen])
	}
	return s
}

// containsAnyWord reports whether any word in words appears in lower as a
// whole word.
func containsAnyWord(lower string, words []string) bool {
	for _, w := range words {
		if containsWord(lower, w) {
			return true
		}
	}
	return false
}

// containsWord is a whole-word match without regex allocation per call.
func containsWord(lower, word string) bool {
	idx := 0
	for {
		i := strings.Index(lower[idx:], word)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(word)
		leftOK := start == 0 || !isWordByte(lower[start-1])
		rightOK := end == len(lower) || !isWordByte(lower[end])
		if leftOK && rightOK {
			return true
		}
		idx = start + 1
	}
}

func isWordByte(b byte) bool {
	return b == '_' || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}
