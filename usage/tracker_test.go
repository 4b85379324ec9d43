package usage

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/opal-run/opal/agent"
)

func TestTrackerRecordAccumulates(t *testing.T) {
	t.Parallel()
	tr := New(1000)
	tr.Record(100, 20, 2)
	tr.Record(150, 30, 4)

	snap := tr.Snapshot()
	assert.Equal(t, 250, snap.PromptTokens)
	assert.Equal(t, 50, snap.CompletionTokens)
	assert.Equal(t, 300, snap.TotalTokens)
	assert.Equal(t, 150, snap.CurrentContextTokens)
	assert.Equal(t, 1000, snap.ContextWindow)
}

func TestEstimateContextTokensFallsBackToCharsWithNoSnapshot(t *testing.T) {
	t.Parallel()
	tr := New(1000)
	path := []agent.Message{{Text: strings.Repeat("a", 40)}}
	assert.Equal(t, 10, tr.EstimateContextTokens(path))
}

func TestEstimateContextTokensUsesBaselinePlusTrailing(t *testing.T) {
	t.Parallel()
	tr := New(1000)
	path := []agent.Message{
		{Text: "one"},
		{Text: "two"},
	}
	tr.Record(50, 5, len(path))

	path = append(path, agent.Message{Text: strings.Repeat("b", 8)})
	// baseline 50 + trailing 8 chars / 4 = 52
	assert.Equal(t, 52, tr.EstimateContextTokens(path))
}

func TestShouldAutoCompactThresholds(t *testing.T) {
	t.Parallel()
	tr := New(100)
	path := []agent.Message{{Text: strings.Repeat("x", 320)}} // 80 tokens == 0.80 * 100
	assert.True(t, tr.ShouldAutoCompact(path))

	tr2 := New(100)
	path2 := []agent.Message{{Text: strings.Repeat("x", 300)}} // 75 tokens
	assert.False(t, tr2.ShouldAutoCompact(path2))
}

func TestShouldAutoCompactFalseWithoutContextWindow(t *testing.T) {
	t.Parallel()
	tr := New(0)
	path := []agent.Message{{Text: strings.Repeat("x", 10000)}}
	assert.False(t, tr.ShouldAutoCompact(path))
}

func TestReportedOverflow(t *testing.T) {
	t.Parallel()
	assert.True(t, ReportedOverflow(201, 200))
	assert.False(t, ReportedOverflow(200, 200))
	assert.False(t, ReportedOverflow(50, 0))
}

func TestIsOverflowErrorCaseInsensitive(t *testing.T) {
	t.Parallel()
	assert.True(t, IsOverflowError("Error: Context_Length_Exceeded for this request", DefaultOverflowLexicon))
	assert.True(t, IsOverflowError("PROMPT IS TOO LONG", DefaultOverflowLexicon))
	assert.False(t, IsOverflowError("rate limited, try again", DefaultOverflowLexicon))
}
