package knowledge

import (
	"fmt"
	"strings"
)

// maxContentWords caps the excerpt in a formatted context block.
const maxContentWords = 500

// FormatResult renders one search result as markdown for prompt use.
func FormatResult(r Result) string {
	var b strings.Builder

	title := r.Article.Title
	if title == "" {
		title = "Untitled"
	}

	fmt.Fprintf(&b, "### %s\n\n", title)
	fmt.Fprintf(&b, "**URL:** %s\n", r.Article.URL)
	if r.Article.Accelerator != "" {
		fmt.Fprintf(&b, "**Accelerator:** %s\n", r.Article.Accelerator)
	}
	fmt.Fprintf(&b, "**Relevance:** %.3f\n", r.Score)
	fmt.Fprintf(&b, "**Article ID:** %s\n\n", r.Article.ID)
	fmt.Fprintf(&b, "**Content:**\n%s\n", excerpt(r.Article.Content, maxContentWords))

	return b.String()
}

// excerpt truncates text to at most n words, marking the cut.
func excerpt(text string, n int) string {
	words := strings.Fields(text)
	if len(words) <= n {
		return text
	}
	return strings.Join(words[:n], " ") + "..."
}
