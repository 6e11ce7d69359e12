package elog

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCleanHTMLStripsTagsAndEntities(t *testing.T) {
	in := `<p>Beam &amp; laser <b>stable</b>&nbsp;again</p><script>alert(1)</script>`
	got := CleanHTML(in)
	assert.Equal(t, "Beam & laser stable again", got)
}

func TestCleanHTMLPreservesLineBreaks(t *testing.T) {
	in := `line one<br>line two<br/>line three`
	got := CleanHTML(in)
	assert.Equal(t, "line one\nline two\nline three", got)
}

func TestCleanHTMLCollapsesBlankRuns(t *testing.T) {
	in := "<p>a</p><p></p><p></p><p>b</p>"
	got := CleanHTML(in)
	assert.NotContains(t, got, "\n\n\n")
	assert.Contains(t, got, "a")
	assert.Contains(t, got, "b")
}

func TestCleanHTMLTableToMarkdown(t *testing.T) {
	in := `<table>
		<tr><th>Station</th><th>Status</th></tr>
		<tr><td>S10</td><td>ok</td></tr>
		<tr><td>S20</td><td>tripped</td></tr>
	</table>`
	got := CleanHTML(in)

	assert.Contains(t, got, "| Station | Status |")
	assert.Contains(t, got, "|---|---|")
	assert.Contains(t, got, "| S10 | ok |")
	assert.Contains(t, got, "| S20 | tripped |")
}

func TestCleanHTMLEmpty(t *testing.T) {
	assert.Equal(t, "", CleanHTML(""))
	assert.Equal(t, "", CleanHTML("<div><style>a{}</style></div>"))
}

func TestCapWords(t *testing.T) {
	long := strings.Repeat("word ", 600)
	got := capWords(long, maxBodyWords)
	assert.True(t, strings.HasSuffix(got, "..."))
	assert.Len(t, strings.Fields(got), maxBodyWords)

	short := "just a few words"
	assert.Equal(t, short, capWords(short, maxBodyWords))
}
