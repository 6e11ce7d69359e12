package elog

import (
	"html"
	"regexp"
	"strings"
)

// maxBodyWords caps the cleaned body length to keep prompt sizes sane.
const maxBodyWords = 500

var (
	scriptRe    = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	styleRe     = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
	tableRe     = regexp.MustCompile(`(?is)<table[^>]*>.*?</table>`)
	rowRe       = regexp.MustCompile(`(?is)<tr[^>]*>(.*?)</tr>`)
	cellRe      = regexp.MustCompile(`(?is)<t[dh][^>]*>(.*?)</t[dh]>`)
	headerRe    = regexp.MustCompile(`(?is)<th[^>]*>`)
	breakRe     = regexp.MustCompile(`(?i)<br\s*/?>`)
	paraCloseRe = regexp.MustCompile(`(?i)</(p|div|li|h[1-6])>`)
	anyTagRe    = regexp.MustCompile(`<[^>]+>`)
	spacesRe    = regexp.MustCompile(`[ \t]+`)
	blankRunRe  = regexp.MustCompile(`\n{3,}`)
)

// CleanHTML converts a logbook entry body to plain text: tables become
// markdown, structural tags become line breaks, everything else is
// stripped and entity-decoded, and whitespace is normalized.
func CleanHTML(text string) string {
	if text == "" {
		return ""
	}

	text = scriptRe.ReplaceAllString(text, "")
	text = styleRe.ReplaceAllString(text, "")

	text = tableRe.ReplaceAllStringFunc(text, tableToMarkdown)

	text = breakRe.ReplaceAllString(text, "\n")
	text = paraCloseRe.ReplaceAllString(text, "\n\n")

	text = anyTagRe.ReplaceAllString(text, "")
	text = html.UnescapeString(text)
	// &nbsp; decodes to a non-breaking space, which reads as a normal one.
	text = strings.ReplaceAll(text, "\u00a0", " ")

	text = spacesRe.ReplaceAllString(text, " ")

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	text = strings.Join(lines, "\n")
	text = blankRunRe.ReplaceAllString(text, "\n\n")

	return strings.TrimSpace(text)
}

// tableToMarkdown renders one html table as a markdown table. A header
// separator is inserted when the table has <th> cells.
func tableToMarkdown(tableHTML string) string {
	var rows []string
	cellCount := 0

	for _, rowMatch := range rowRe.FindAllStringSubmatch(tableHTML, -1) {
		var cells []string
		for _, cellMatch := range cellRe.FindAllStringSubmatch(rowMatch[1], -1) {
			cell := anyTagRe.ReplaceAllString(cellMatch[1], "")
			cell = strings.TrimSpace(html.UnescapeString(cell))
			cells = append(cells, cell)
		}
		if len(cells) > 0 {
			if cellCount == 0 {
				cellCount = len(cells)
			}
			rows = append(rows, "| "+strings.Join(cells, " | ")+" |")
		}
	}

	if len(rows) == 0 {
		return ""
	}

	if len(rows) > 1 && headerRe.MatchString(tableHTML) {
		sep := "|" + strings.Repeat("---|", cellCount)
		rows = append(rows[:1], append([]string{sep}, rows[1:]...)...)
	}

	return "\n" + strings.Join(rows, "\n") + "\n"
}

// capWords truncates text to at most n words, appending "..." when cut.
func capWords(text string, n int) string {
	words := strings.Fields(text)
	if len(words) <= n {
		return text
	}
	return strings.Join(words[:n], " ") + "..."
}
