// Package budget fits a prompt bundle (system prompt, running context,
// history, user input) into a model's token budget, degrading
// gracefully. Compression is progressive and priority-ordered: oldest
// history first, then the context summary. The system prompt and the
// current user input are never altered, and an unrecoverable overflow
// is logged rather than returned as an error; the caller always
// proceeds with the best-effort result.
package budget

import (
	"log/slog"
	"strings"

	"github.com/squirebot/squire/internal/history"
	"github.com/squirebot/squire/internal/tokens"
)

const (
	// DefaultContextLimit is the assumed context window for unknown
	// model identifiers.
	DefaultContextLimit = 8192

	// ResponseReserve is held back from every model's context window
	// for the model's own output.
	ResponseReserve = 1000

	// minKeepHistory is the floor for history truncation: at least
	// this many items survive compression when they existed before it,
	// preserving minimal continuity.
	minKeepHistory = 2
)

// DefaultModelLimits maps known model identifiers to their context
// window sizes in tokens.
func DefaultModelLimits() map[string]int {
	return map[string]int{
		"gpt-4":            8192,
		"gpt-4-turbo":      128000,
		"gpt-4o":           128000,
		"gpt-4o-mini":      128000,
		"o3-mini":          200000,
		"o4-mini":          200000,
		"gpt-3.5-turbo":    16385,
		"grok-3-mini-beta": 131072,
	}
}

// Usage describes how a prompt bundle measures against a model's
// usable token budget.
type Usage struct {
	TotalTokens      int
	Limit            int
	Remaining        int
	NeedsCompression bool
}

// Manager makes prompt bundles fit model token budgets.
type Manager struct {
	limits       map[string]int
	defaultLimit int
	count        tokens.Counter
	logger       *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithDefaultLimit overrides the context window assumed for model
// identifiers missing from the limits table. Non-positive values are
// ignored.
func WithDefaultLimit(limit int) Option {
	return func(m *Manager) {
		if limit > 0 {
			m.defaultLimit = limit
		}
	}
}

// NewManager creates a budget manager. The limits map augments (and
// overrides) DefaultModelLimits; nil is fine. A nil counter uses
// tokens.Count; a nil logger uses slog.Default.
func NewManager(limits map[string]int, counter tokens.Counter, logger *slog.Logger, opts ...Option) *Manager {
	merged := DefaultModelLimits()
	for model, limit := range limits {
		if limit > 0 {
			merged[model] = limit
		}
	}
	if counter == nil {
		counter = tokens.Count
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		limits:       merged,
		defaultLimit: DefaultContextLimit,
		count:        counter,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ModelLimit returns the usable token budget for a model: its context
// window minus the response reserve. Unknown identifiers get a
// conservative default.
func (m *Manager) ModelLimit(model string) int {
	limit, ok := m.limits[model]
	if !ok {
		m.logger.Warn("unknown model identifier, using default context limit",
			"model", model, "default", m.defaultLimit)
		limit = m.defaultLimit
	}
	return limit - ResponseReserve
}

// AnalyzeUsage token-counts each component of the bundle and compares
// the sum against the model's usable budget. History is rendered as
// newline-joined message text before counting. Counts are estimates.
func (m *Manager) AnalyzeUsage(systemPrompt, context string, hist []history.Message, userInput, model string) Usage {
	systemTokens := m.count(systemPrompt)
	contextTokens := m.count(context)
	historyTokens := m.count(renderHistory(hist))
	inputTokens := m.count(userInput)

	total := systemTokens + contextTokens + historyTokens + inputTokens
	limit := m.ModelLimit(model)
	remaining := limit - total

	m.logger.Debug("context usage analysis",
		"model", model,
		"system", systemTokens,
		"context", contextTokens,
		"history", historyTokens,
		"input", inputTokens,
		"total", total,
		"limit", limit,
	)

	return Usage{
		TotalTokens:      total,
		Limit:            limit,
		Remaining:        remaining,
		NeedsCompression: remaining < 0,
	}
}

// EnsureFits returns a context and history that fit the model's budget,
// compressing if needed. When the bundle already fits, both are
// returned unchanged. Compression runs two stages in priority order:
// history truncation (oldest items dropped, floor of minKeepHistory),
// then context truncation. If the result is still over budget, the
// shortfall is logged and the best-effort result is returned anyway.
func (m *Manager) EnsureFits(systemPrompt, context string, hist []history.Message, userInput, model string) (string, []history.Message) {
	usage := m.AnalyzeUsage(systemPrompt, context, hist, userInput, model)
	if !usage.NeedsCompression {
		return context, hist
	}

	needed := -usage.Remaining
	m.logger.Warn("context limit exceeded, compressing",
		"model", model,
		"total", usage.TotalTokens,
		"limit", usage.Limit,
		"over_by", needed,
	)

	// Stage 1: drop oldest history items. At least half the needed
	// reduction is taken from history; the context can only absorb as
	// many tokens as it holds, so history also covers any remainder
	// the context cannot. Each removed item is counted once, bounding
	// the stage to one pass over the history.
	target := needed - m.count(context)
	if half := (needed + 1) / 2; target < half {
		target = half
	}

	removed := 0
	dropped := 0
	for len(hist) > minKeepHistory && removed < target {
		removed += m.count(hist[0].Text())
		hist = hist[1:]
		dropped++
	}
	if dropped > 0 {
		m.logger.Info("truncated history",
			"model", model, "dropped", dropped, "tokens_removed", removed)
	}

	// Stage 2: truncate the context summary, only if stage 1 was not
	// enough.
	usage = m.AnalyzeUsage(systemPrompt, context, hist, userInput, model)
	if usage.NeedsCompression && strings.TrimSpace(context) != "" {
		keepTokens := m.count(context) + usage.Remaining // Remaining < 0
		compressed := m.compressContext(context, keepTokens)
		m.logger.Info("compressed context",
			"model", model,
			"from_tokens", m.count(context),
			"to_tokens", m.count(compressed),
		)
		context = compressed
		usage = m.AnalyzeUsage(systemPrompt, context, hist, userInput, model)
	}

	if usage.NeedsCompression {
		m.logger.Error("context still over budget after compression, proceeding best-effort",
			"model", model,
			"total", usage.TotalTokens,
			"limit", usage.Limit,
			"over_by", -usage.Remaining,
		)
	}
	return context, hist
}

// compressContext shrinks context to roughly target tokens. It prefers
// rebuilding from the most recent sentences backward; when no sentence
// split is possible or nothing fits, it falls back to character
// truncation proportional to the token overshoot.
func (m *Manager) compressContext(context string, target int) string {
	if target < 0 {
		target = 0
	}

	sentences := splitSentences(context)
	if len(sentences) > 1 {
		var kept []string
		total := 0
		for i := len(sentences) - 1; i >= 0; i-- {
			n := m.count(sentences[i])
			if total+n > target {
				break
			}
			kept = append([]string{sentences[i]}, kept...)
			total += n
		}
		if len(kept) > 0 {
			return strings.TrimSpace(strings.Join(kept, " "))
		}
	}

	contextTokens := m.count(context)
	if contextTokens == 0 {
		return context
	}
	runes := []rune(context)
	keep := len(runes) * target / contextTokens
	if keep <= 0 {
		return ""
	}
	if keep >= len(runes) {
		return context
	}
	return string(runes[len(runes)-keep:])
}

// renderHistory joins message texts with newlines, matching how the
// bundle is presented to the model for counting purposes.
func renderHistory(hist []history.Message) string {
	if len(hist) == 0 {
		return ""
	}
	parts := make([]string, len(hist))
	for i, msg := range hist {
		parts[i] = msg.Text()
	}
	return strings.Join(parts, "\n")
}

// splitSentences breaks text at sentence-ending punctuation followed by
// whitespace. The trailing punctuation stays with its sentence.
func splitSentences(text string) []string {
	var sentences []string
	start := 0
	for i := 0; i < len(text); i++ {
		c := text[i]
		if c != '.' && c != '!' && c != '?' {
			continue
		}
		// Consume runs of closing punctuation ("?!", "...").
		end := i + 1
		for end < len(text) && (text[end] == '.' || text[end] == '!' || text[end] == '?') {
			end++
		}
		if end < len(text) && text[end] != ' ' && text[end] != '\n' && text[end] != '\t' {
			i = end - 1
			continue
		}
		if s := strings.TrimSpace(text[start:end]); s != "" {
			sentences = append(sentences, s)
		}
		start = end
		i = end - 1
	}
	if s := strings.TrimSpace(text[start:]); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}
