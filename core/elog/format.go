package elog

import (
	"fmt"
	"strings"
)

// Hit is one search result ready for prompt assembly.
type Hit struct {
	Entry            *Entry
	BodyClean        string
	SemanticScore    float64
	FinalScore       float64
	FormattedContext string
}

func orNA(v string) string {
	if v == "" {
		return "N/A"
	}
	return v
}

// FormatEntry renders the canonical markdown block for one entry. This
// is the only formatting the model ever sees for logbook content, so
// downstream prompts can rely on its exact shape.
func FormatEntry(entry *Entry, bodyClean string) string {
	dateStr, timeStr := "N/A", "N/A"
	if !entry.Timestamp.IsZero() {
		dateStr = entry.Timestamp.Format("2006-01-02")
		timeStr = entry.Timestamp.Format("15:04:05")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "### ELOG Entry #%d: %s\n\n", entry.ID, orNA(entry.Title))
	fmt.Fprintf(&b, "**Date/Time:** %s at %s\n", dateStr, timeStr)
	fmt.Fprintf(&b, "**Author:** %s\n", orDefault(entry.Author, "Unknown"))
	fmt.Fprintf(&b, "**Category:** %s\n", orNA(entry.Category))
	fmt.Fprintf(&b, "**System:** %s | **Domain:** %s\n", orNA(entry.System), orNA(entry.Domain))
	fmt.Fprintf(&b, "**Effect:** %s\n", orNA(entry.Effect))
	fmt.Fprintf(&b, "**Link:** [elog-gfa.psi.ch/%d](%s)\n\n", entry.ID, entry.URL)
	fmt.Fprintf(&b, "**Content:**\n%s\n", bodyClean)

	if len(entry.Attachments) > 0 {
		fmt.Fprintf(&b, "\n**Attachments (%d file(s)):**\n", len(entry.Attachments))
		for _, att := range entry.Attachments {
			name := att[strings.LastIndex(att, "/")+1:]
			fmt.Fprintf(&b, "- [%s](%s)\n", name, att)
		}
	}

	return b.String()
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
