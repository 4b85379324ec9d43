// Package usage implements the token usage and overflow subsystem: running
// accumulation, the hybrid prompt-token estimator, predictive
// auto-compaction triggering, and overflow detection (spec.md §4.8).
package usage

import (
	"strings"

	"github.com/opal-run/opal/agent"
)

// Defaults per spec.md §6.
const (
	CharsPerToken    = 4
	AutoCompactRatio = 0.80
)

// snapshot records the last reported prompt-token count and the path index
// at which it was taken, so the estimator only needs to heuristically
// account for messages appended since.
type snapshot struct {
	promptTokens int
	atIndex      int
	valid        bool
}

// Tracker accumulates token usage for one session and answers whether the
// session should auto-compact or has overflowed.
type Tracker struct {
	total agent.Usage
	last  snapshot
}

// New constructs a Tracker with the given context window. ContextWindow
// populates Usage.ContextWindow on every snapshot returned.
func New(contextWindow int) *Tracker {
	return &Tracker{total: agent.Usage{ContextWindow: contextWindow}}
}

// Record folds a provider usage report into the running totals and
// remembers it as the new estimation baseline. promptTokens and
// completionTokens are the values reported for the just-completed request;
// pathLen is len(get_path()) at the time the request was issued, used as
// the estimator baseline index.
func (t *Tracker) Record(promptTokens, completionTokens, pathLen int) {
	t.total.PromptTokens += promptTokens
	t.total.CompletionTokens += completionTokens
	t.total.TotalTokens = t.total.PromptTokens + t.total.CompletionTokens
	t.total.CurrentContextTokens = promptTokens
	t.last = snapshot{promptTokens: promptTokens, atIndex: pathLen, valid: true}
}

// Snapshot returns the current accumulated usage.
func (t *Tracker) Snapshot() agent.Usage { return t.total }

// EstimateContextTokens implements the hybrid estimator: base_tokens (the
// last reported prompt-token snapshot) plus chars/4 over messages appended
// since that snapshot, per spec.md §4.8. When no snapshot exists yet it
// falls back to a pure chars/4 estimate over the whole path.
func (t *Tracker) EstimateContextTokens(path []agent.Message) int {
	if !t.last.valid {
		return charsOf(path) / CharsPerToken
	}
	trailing := path
	if t.last.atIndex < len(path) {
		trailing = path[t.last.atIndex:]
	} else {
		trailing = nil
	}
	return t.last.promptTokens + charsOf(trailing)/CharsPerToken
}

func charsOf(path []agent.Message) int {
	n := 0
	for _, m := range path {
		n += len(m.Text) + len(m.Thinking)
		for _, tc := range m.ToolCalls {
			n += len(tc.ArgumentsJSON)
		}
	}
	return n
}

// ShouldAutoCompact reports whether predictive compaction should fire at
// this turn boundary: estimate >= auto_compact_ratio * window.
func (t *Tracker) ShouldAutoCompact(path []agent.Message) bool {
	window := t.total.ContextWindow
	if window <= 0 {
		return false
	}
	return float64(t.EstimateContextTokens(path)) >= AutoCompactRatio*float64(window)
}

// ReportedOverflow implements the "reported" overflow source: a usage
// report whose prompt_tokens exceeds the context window.
func ReportedOverflow(promptTokens, contextWindow int) bool {
	return contextWindow > 0 && promptTokens > contextWindow
}

// DefaultOverflowLexicon is the default, case-insensitive overflow-error
// substring table (spec.md §4.8). It is exposed as a variable, not a
// constant, so callers may extend it per spec.md §9's "should be
// configurable" open question without forking the package.
var DefaultOverflowLexicon = []string{
	"context_length_exceeded",
	"maximum context length",
	"too many tokens",
	"prompt is too long",
	"content_too_large",
	"string_above_max_length",
	"context window",
	"max_tokens",
	"prompt is too long: request body too large",
	"input is too long",
}

// IsOverflowError reports whether msg matches any lexicon entry,
// case-insensitively.
func IsOverflowError(msg string, lexicon []string) bool {
	lower := strings.ToLower(msg)
	for _, phrase := range lexicon {
		if strings.Contains(lower, strings.ToLower(phrase)) {
			return true
		}
	}
	return false
}
