// Package compaction implements the summarization engine that replaces a
// prefix of the session path with a single summary message to stay under
// the model's context window, per spec.md §4.6.
package compaction

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/opal-run/opal/agent"
	"github.com/opal-run/opal/hooks"
	"github.com/opal-run/opal/session"
	"github.com/opal-run/opal/usage"
)

// SummaryTimeout bounds a single summarization call, per spec.md §6.
const SummaryTimeout = 30 * time.Second

// splitTurnThreshold is the minimum turn-prefix length, in messages, that
// triggers split-turn handling, per spec.md §4.6 step 2 / §8.
const splitTurnThreshold = 5

// Summarizer performs the LLM call that turns a serialized transcript into
// a structured summary. Implementations should apply SummaryTimeout
// themselves or rely on the ctx passed in already carrying that deadline
// (Compact sets it).
type Summarizer interface {
	Summarize(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// SummarizerFunc adapts a function to Summarizer.
type SummarizerFunc func(ctx context.Context, systemPrompt, userPrompt string) (string, error)

// Summarize implements Summarizer.
func (f SummarizerFunc) Summarize(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return f(ctx, systemPrompt, userPrompt)
}

// Options configures one Compact invocation, per spec.md §4.6's predictive
// vs. reactive callers.
type Options struct {
	// KeepRecentTokens is the target budget of recent content to retain
	// uncompacted.
	KeepRecentTokens int
	// Force permits the aggressive "compact everything but the last two
	// messages" fallback when no turn-boundary cut point can be found.
	Force bool
}

// Result reports what Compact did, for callers that need to react (the
// overflow handler retries the request; the auto-compaction caller just
// logs).
type Result struct {
	Compacted bool
	OldLen    int
	NewLen    int
}

// Compact runs the full algorithm of spec.md §4.6 against store's current
// path, publishing compaction_start/compaction_end on bus. It is a no-op
// (Result.Compacted == false, nil error) when no valid cut point exists
// and opts.Force is false.
func Compact(ctx context.Context, store session.Store, bus hooks.Bus, sessionID string, summarizer Summarizer, opts Options) (Result, error) {
	path, err := store.Path(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("compaction: load path: %w", err)
	}
	if len(path) == 0 {
		return Result{}, nil
	}

	cutIndex, ok := findCutPoint(path, opts)
	if !ok {
		return Result{}, nil
	}

	compacted := path[:cutIndex]
	kept := path[cutIndex:]

	turnPrefixStart, split := detectSplitTurn(path, cutIndex)

	bus.Broadcast(hooks.Event{Type: hooks.EventCompactionStart, SessionID: sessionID, OldLen: len(path)})

	priorSummary, rest := splitPriorSummary(compacted)
	transcript := serializeSplit(rest, turnPrefixStart, cutIndex, split)

	var userPrompt string
	if priorSummary != nil {
		userPrompt = fmt.Sprintf(UpdateSummaryUserPromptTemplate, strings.TrimPrefix(priorSummary.Text, SummaryPrefix), WrapConversation(transcript))
	} else {
		userPrompt = fmt.Sprintf(FreshSummaryUserPromptTemplate, WrapConversation(transcript))
	}

	summaryText, err := summarizeWithFallback(ctx, summarizer, userPrompt, compacted)
	if err != nil {
		// Non-overflow compaction failures (opts.Force == false) leave the
		// path unchanged, per spec.md §7; overflow callers (Force == true)
		// are expected to surface a fatal error to their caller instead.
		return Result{}, fmt.Errorf("compaction: summarize: %w", err)
	}

	ops := extractFileOps(compacted)
	if priorSummary != nil {
		ops = Union(ops, fromPrior(priorSummary.Metadata))
	}

	replacement := agent.Message{
		Role: agent.RoleUser,
		Text: SummaryPrefix + summaryText,
		Metadata: map[string]any{
			"type":           MetaTypeCompactionSummary,
			"read_files":     ops.Read,
			"modified_files": ops.Modified,
		},
	}

	ids := make([]string, len(compacted))
	for i, m := range compacted {
		ids[i] = m.ID
	}
	if err := store.ReplacePathSegment(ctx, ids, replacement); err != nil {
		return Result{}, fmt.Errorf("compaction: replace path segment: %w", err)
	}

	newLen := len(kept) + 1
	bus.Broadcast(hooks.Event{Type: hooks.EventCompactionEnd, SessionID: sessionID, OldLen: len(path), NewLen: newLen})
	return Result{Compacted: true, OldLen: len(path), NewLen: newLen}, nil
}

// findCutPoint implements spec.md §4.6 step 1. It returns the index such
// that path[cutIndex:] is retained uncompacted.
func findCutPoint(path []agent.Message, opts Options) (int, bool) {
	thresholdBytes := opts.KeepRecentTokens * usage.CharsPerToken

	accumulated := 0
	candidate := len(path)
	for i := len(path) - 1; i >= 0; i-- {
		accumulated += messageBytes(path[i])
		candidate = i
		if accumulated >= thresholdBytes {
			break
		}
	}

	cutIndex := -1
	for i := candidate; i < len(path); i++ {
		if path[i].Role == agent.RoleUser {
			cutIndex = i
			break
		}
	}

	if cutIndex >= 1 {
		return cutIndex, true
	}

	if !opts.Force {
		return 0, false
	}

	// Force fallback: compact everything but the last two messages,
	// measured in messages per SPEC_FULL.md's resolution of spec.md §9's
	// open question.
	fallback := len(path) - 2
	if fallback < 1 {
		return 0, false
	}
	return fallback, true
}

func messageBytes(m agent.Message) int {
	n := len(m.Text) + len(m.Thinking)
	for _, tc := range m.ToolCalls {
		n += len(tc.ArgumentsJSON)
	}
	return n
}

// detectSplitTurn implements spec.md §4.6 step 2.
func detectSplitTurn(path []agent.Message, cutIndex int) (turnStart int, split bool) {
	if cutIndex >= len(path) || path[cutIndex].Role == agent.RoleUser {
		return cutIndex, false
	}
	turnStart = -1
	for i := cutIndex - 1; i >= 0; i-- {
		if path[i].Role == agent.RoleUser {
			turnStart = i
			break
		}
	}
	if turnStart < 0 {
		return cutIndex, false
	}
	if cutIndex-turnStart >= splitTurnThreshold {
		return turnStart, true
	}
	return cutIndex, false
}

// splitPriorSummary reports whether compacted's first message is itself a
// compaction summary (from a previous compaction pass), returning it
// separately from the rest of the segment so callers can route it through
// the update template instead of re-serializing it as transcript.
func splitPriorSummary(compacted []agent.Message) (*agent.Message, []agent.Message) {
	if len(compacted) == 0 {
		return nil, compacted
	}
	if compacted[0].MetaString("type") == MetaTypeCompactionSummary {
		m := compacted[0]
		return &m, compacted[1:]
	}
	return nil, compacted
}

// serializeSplit serializes rest into one transcript; when split-turn
// handling applies, the transcript has two labeled sections (HISTORY and
// TURN IN PROGRESS WHEN COMPACTED), per spec.md §4.6 step 2/3. The caller
// wraps the result in a single <conversation> block.
func serializeSplit(rest []agent.Message, turnStart, cutIndex int, split bool) string {
	if !split {
		return serialize(rest)
	}
	// rest indices are offset from the original compacted slice starting
	// at its own 0; but turnStart/cutIndex are absolute path indices. The
	// caller always passes rest = compacted possibly minus a leading
	// prior-summary message, so recompute the boundary relative to rest's
	// own length by taking rest's tail of (cutIndex-turnStart) messages.
	n := cutIndex - turnStart
	if n > len(rest) {
		n = len(rest)
	}
	history := rest[:len(rest)-n]
	turnPrefix := rest[len(rest)-n:]
	return "HISTORY:\n" + serialize(history) + "\n\nTURN IN PROGRESS WHEN COMPACTED:\n" + serialize(turnPrefix)
}

// serialize renders msgs per spec.md §4.6 step 3.
func serialize(msgs []agent.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		switch m.Role {
		case agent.RoleAssistant:
			if m.Text != "" {
				fmt.Fprintf(&b, "[Assistant]: %s\n", m.Text)
			}
			for _, tc := range m.ToolCalls {
				fmt.Fprintf(&b, "[Assistant tool calls]: %s(%s)\n", tc.Name, truncate(tc.ArgumentsJSON, 200))
			}
		case agent.RoleToolResult:
			fmt.Fprintf(&b, "[Tool result (%s/%s)]: %s\n", m.Name, m.CallID, truncate(m.Text, 500))
		default:
			fmt.Fprintf(&b, "[%s]: %s\n", roleLabel(m.Role), m.Text)
		}
	}
	return b.String()
}

func roleLabel(r agent.Role) string {
	switch r {
	case agent.RoleUser:
		return "User"
	case agent.RoleSystem:
		return "System"
	default:
		return string(r)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

// summarizeWithFallback calls summarizer under SummaryTimeout, falling
// back to a deterministic truncation summary on any LLM failure per
// spec.md §4.6 step 4.
func summarizeWithFallback(ctx context.Context, summarizer Summarizer, userPrompt string, compacted []agent.Message) (string, error) {
	sctx, cancel := context.WithTimeout(ctx, SummaryTimeout)
	defer cancel()

	text, err := summarizer.Summarize(sctx, SummarySystemPrompt, userPrompt)
	if err == nil && text != "" {
		return text, nil
	}
	return truncationSummary(compacted), nil
}

// truncationSummary produces the deterministic fallback summary: message
// counts per role plus the file-op blocks, used when the LLM call fails.
func truncationSummary(compacted []agent.Message) string {
	counts := map[agent.Role]int{}
	for _, m := range compacted {
		counts[m.Role]++
	}
	ops := extractFileOps(compacted)

	var b strings.Builder
	b.WriteString("## Goal\n(unavailable: summarization call failed, this is a truncation fallback)\n")
	b.WriteString("## Constraints\n\n## Progress\n")
	fmt.Fprintf(&b, "Compacted %d messages (system=%d, user=%d, assistant=%d, tool_call=%d, tool_result=%d).\n",
		len(compacted), counts[agent.RoleSystem], counts[agent.RoleUser], counts[agent.RoleAssistant], counts[agent.RoleToolCall], counts[agent.RoleToolResult])
	b.WriteString("## Key Decisions\n\n## Next Steps\n\n## Critical Context\n\n")
	b.WriteString("<read-files>\n" + strings.Join(ops.Read, "\n") + "\n</read-files>\n")
	b.WriteString("<modified-files>\n" + strings.Join(ops.Modified, "\n") + "\n</modified-files>")
	return b.String()
}
