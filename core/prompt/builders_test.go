package prompt

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psi-gfa/opsagent/core/tools"
)

func TestSystemContextDates(t *testing.T) {
	now := time.Date(2025, 10, 21, 14, 30, 5, 0, time.UTC)
	got := SystemContext(now)

	assert.Contains(t, got, "Tuesday, October 21, 2025 at 14:30:05")
	assert.Contains(t, got, "**Current Date (for calculations):** 2025-10-21")
	assert.Contains(t, got, "Paul Scherrer Institute")
}

func TestConversationContextWindowAndTruncation(t *testing.T) {
	var history []Message
	for i := 0; i < 10; i++ {
		history = append(history, Message{Role: "user", Content: strings.Repeat("x", 300)})
	}
	history = append(history, Message{Role: "assistant", Content: "short reply"})

	got := ConversationContext(history, 6)

	// Window of 6: count lines inside the section.
	lines := strings.Split(strings.TrimSpace(got), "\n")
	assert.Len(t, lines, 7) // header + 6 messages

	assert.Contains(t, got, "Assistant: short reply")
	for _, line := range lines[1:] {
		assert.LessOrEqual(t, len(line), historyTruncate+len("Assistant: "))
	}
}

func TestConversationContextEmpty(t *testing.T) {
	assert.Equal(t, "", ConversationContext(nil, 6))
}

func TestFilesSummary(t *testing.T) {
	files := []File{
		{Type: "image", Name: "screen.png"},
		{Type: "document", Name: "notes.txt", Preview: strings.Repeat("p", 150)},
	}
	got := FilesSummary(files)
	assert.Contains(t, got, "- Image: screen.png")
	assert.Contains(t, got, "- Document: notes.txt - "+strings.Repeat("p", 100))
	assert.NotContains(t, got, strings.Repeat("p", 101))
	assert.Equal(t, "", FilesSummary(nil))
}

func TestFilesFull(t *testing.T) {
	files := []File{
		{Type: "document", Name: "procedure.md", Content: "full text here"},
		{Type: "image", Name: "plot.png"},
	}
	got := FilesFull(files)
	assert.Contains(t, got, "**Document: procedure.md**\nfull text here")
	assert.Contains(t, got, "**Image: plot.png**")
}

func testDescriptors() []tools.Descriptor {
	return []tools.Descriptor{
		{
			Name:        "search_elog",
			Description: strings.Repeat("d", 130),
			InputSchema: tools.InputSchema{
				Type: "object",
				Properties: map[string]tools.Property{
					"query":    {Type: "string"},
					"category": {Type: "string", Enum: []string{"a", "b", "c", "d", "e", "f", "g"}},
					"limit":    {Type: "integer", Default: 10},
				},
				Required: []string{"query"},
			},
		},
		{Name: "get_elog_thread", Description: "fetch a thread"},
	}
}

func TestToolsSummaryTruncatesAndSorts(t *testing.T) {
	got := ToolsSummary(testDescriptors())
	lines := strings.Split(got, "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "- get_elog_thread:"))
	assert.True(t, strings.HasPrefix(lines[1], "- search_elog:"))
	assert.Contains(t, lines[1], strings.Repeat("d", 100))
	assert.NotContains(t, lines[1], strings.Repeat("d", 101))
}

func TestToolsDetailedDeterministic(t *testing.T) {
	first := ToolsDetailed(testDescriptors())
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, ToolsDetailed(testDescriptors()))
	}

	// Tools and parameters in sorted order.
	assert.Less(t, strings.Index(first, "**get_elog_thread**"), strings.Index(first, "**search_elog**"))
	assert.Less(t, strings.Index(first, "- category"), strings.Index(first, "- limit"))
	assert.Less(t, strings.Index(first, "- limit"), strings.Index(first, "- query"))

	// Enum capped at five options.
	assert.Contains(t, first, "[options: a, b, c, d, e]")
	assert.NotContains(t, first, ", f")

	assert.Contains(t, first, "- query (string) [REQUIRED]")
	assert.Contains(t, first, "[default: 10]")
}

func TestRefinementContext(t *testing.T) {
	assert.Equal(t, "", RefinementContext(0, "anything"))
	assert.Equal(t, "", RefinementContext(2, ""))

	got := RefinementContext(1, "narrow the date range")
	assert.Contains(t, got, "**Previous Attempt #1 Failed**")
	assert.Contains(t, got, "narrow the date range")
}

func TestRenderSystemPrompt(t *testing.T) {
	got := RenderSystemPrompt(DefaultSystemPrompt, testDescriptors())
	assert.NotContains(t, got, ToolsListPlaceholder)
	assert.Contains(t, got, "- search_elog:")
	assert.Contains(t, got, "- get_elog_thread: fetch a thread")

	// Templates without the placeholder pass through untouched.
	assert.Equal(t, "static", RenderSystemPrompt("static", testDescriptors()))

	empty := RenderSystemPrompt(DefaultSystemPrompt, nil)
	assert.Contains(t, empty, "(no tools available)")
}

func TestTemplatesEmbedSections(t *testing.T) {
	sys := SystemContext(time.Now())

	decide := DecideTools(sys, "what broke?", "tools here", "", "")
	assert.Contains(t, decide, "**Current User Question:** what broke?")
	assert.Contains(t, decide, `"needs_tools"`)

	selectP := SelectTools(sys, "q", "tools", "", RefinementContext(1, "try harder"))
	assert.Contains(t, selectP, `"tool_name"`)
	assert.Contains(t, selectP, "**Previous Attempt #1 Failed**")

	eval := EvaluateResults(sys, "q", "summary", "calls")
	assert.Contains(t, eval, `"adequate"`)
	assert.Contains(t, eval, "**Tools Called:**")

	evalNoCalls := EvaluateResults("", "q", "summary", "")
	assert.NotContains(t, evalNoCalls, "**Tools Called:**")

	answer := AnswerWithTools(sys, "q", "ctx", "refs", "imgs")
	assert.Contains(t, answer, "**Context from Tools:**\nctx")

	direct := AnswerDirect(sys, "q", "", "")
	assert.Contains(t, direct, "**Current Question:** q")
}

func TestAskUser(t *testing.T) {
	attempts := []string{
		`search_elog(query="beam dump") - no entries in range`,
		`search_accelerator_knowledge(query="beam dump", accelerator="hipa") - irrelevant hits`,
	}
	got := AskUser("q", attempts, "no entries in range")
	assert.Contains(t, got, "no entries in range")
	assert.Contains(t, got, "**What I tried:**")
	assert.Contains(t, got, `- search_elog(query="beam dump")`)
	assert.Contains(t, got, "1. Give me more specific filters")
	assert.Contains(t, got, "2. Ask me to answer from general knowledge")
	assert.Contains(t, got, "3. Redirect me")

	noAttempts := AskUser("q", nil, "")
	assert.NotContains(t, noAttempts, "**What I tried:**")
}
