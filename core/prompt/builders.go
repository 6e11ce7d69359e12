// Package prompt assembles every string the agent sends to the model:
// context builders and the templates of the five LLM calls. All
// builders are pure functions of their inputs.
package prompt

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/psi-gfa/opsagent/core/tools"
)

const (
	// historyMessages is the default window of recent conversation turns.
	historyMessages = 6

	historyTruncate     = 200
	previewTruncate     = 100
	summaryDescTruncate = 100
	systemDescTruncate  = 150
	enumDisplayLimit    = 5
)

// Message is one conversation turn as the builders see it.
type Message struct {
	Role    string
	Content string
}

// File is one uploaded file as the builders see it.
type File struct {
	// Type is "image" or "document".
	Type    string
	Name    string
	Preview string
	Content string
}

// SystemContext renders the assistant identity plus the current date
// and time. The bare date line exists so date arithmetic in tool
// selection has a machine-friendly anchor.
func SystemContext(now time.Time) string {
	return fmt.Sprintf(`You are the PSI assistant at the Paul Scherrer Institute, a renowned research institute in Switzerland.

**Current Date and Time:** %s
**Current Date (for calculations):** %s

**Your Role:**
- Provide concise, accurate, and scientific answers
- Ground your responses in factual information
- Use proper technical terminology
- Cite sources when using external information
`,
		now.Format("Monday, January 02, 2006 at 15:04:05"),
		now.Format("2006-01-02"),
	)
}

// ConversationContext renders the last n messages, each truncated. Zero
// n uses the default window. Empty history yields an empty string so
// the prompt section disappears entirely.
func ConversationContext(history []Message, n int) string {
	if len(history) == 0 {
		return ""
	}
	if n <= 0 {
		n = historyMessages
	}
	if len(history) > n {
		history = history[len(history)-n:]
	}

	var lines []string
	for _, msg := range history {
		role := msg.Role
		if role != "" {
			role = strings.ToUpper(role[:1]) + role[1:]
		}
		lines = append(lines, fmt.Sprintf("%s: %s", role, truncate(msg.Content, historyTruncate)))
	}

	return fmt.Sprintf("\n**Recent Conversation:**\n%s\n", strings.Join(lines, "\n"))
}

// FilesSummary lists uploaded files with short previews, for decision
// nodes that only need to know what exists.
func FilesSummary(files []File) string {
	if len(files) == 0 {
		return ""
	}

	var lines []string
	for _, f := range files {
		if f.Type == "image" {
			lines = append(lines, fmt.Sprintf("- Image: %s", f.Name))
		} else {
			lines = append(lines, fmt.Sprintf("- Document: %s - %s", f.Name, truncate(f.Preview, previewTruncate)))
		}
	}

	return fmt.Sprintf("\n**Uploaded Files:**\n%s\n", strings.Join(lines, "\n"))
}

// FilesFull renders uploaded files with their complete extracted text.
// The caller owns the token budget.
func FilesFull(files []File) string {
	if len(files) == 0 {
		return ""
	}

	var parts []string
	for _, f := range files {
		if f.Type == "image" {
			parts = append(parts, fmt.Sprintf("**Image: %s**\n[Image uploaded]", f.Name))
			continue
		}
		content := f.Content
		if content == "" {
			content = "[No preview available]"
		}
		parts = append(parts, fmt.Sprintf("**Document: %s**\n%s", f.Name, content))
	}

	return fmt.Sprintf("\n**Uploaded Files:**\n%s\n\n", strings.Join(parts, "\n"))
}

// ToolsSummary renders one line per tool with a truncated description.
func ToolsSummary(descriptors []tools.Descriptor) string {
	sorted := sortedByName(descriptors)
	var lines []string
	for _, desc := range sorted {
		lines = append(lines, fmt.Sprintf("- %s: %s", desc.Name, truncate(desc.Description, summaryDescTruncate)))
	}
	return strings.Join(lines, "\n")
}

// ToolsDetailed renders full parameter schemas for tool selection.
// Output is deterministic: tools sorted by name, parameters sorted by
// name, enums capped at the first five values.
func ToolsDetailed(descriptors []tools.Descriptor) string {
	sorted := sortedByName(descriptors)

	var blocks []string
	for _, desc := range sorted {
		var b strings.Builder
		fmt.Fprintf(&b, "**%s**\n", desc.Name)
		fmt.Fprintf(&b, "  Description: %s\n", desc.Description)

		if len(desc.InputSchema.Properties) > 0 {
			b.WriteString("  Parameters:\n")

			names := make([]string, 0, len(desc.InputSchema.Properties))
			for name := range desc.InputSchema.Properties {
				names = append(names, name)
			}
			sort.Strings(names)

			for _, name := range names {
				prop := desc.InputSchema.Properties[name]
				paramType := prop.Type
				if paramType == "" {
					paramType = "any"
				}
				fmt.Fprintf(&b, "    - %s (%s)", name, paramType)

				if len(prop.Enum) > 0 {
					shown := prop.Enum
					if len(shown) > enumDisplayLimit {
						shown = shown[:enumDisplayLimit]
					}
					fmt.Fprintf(&b, " [options: %s]", strings.Join(shown, ", "))
				}
				if prop.Default != nil {
					fmt.Fprintf(&b, " [default: %v]", prop.Default)
				}
				if desc.InputSchema.IsRequired(name) {
					b.WriteString(" [REQUIRED]")
				}
				b.WriteString("\n")
			}
		}
		blocks = append(blocks, b.String())
	}

	return strings.Join(blocks, "\n")
}

// RefinementContext renders the retry hint for iterations after the
// first. Iteration is zero-based; the first attempt gets no hint.
func RefinementContext(iteration int, suggestion string) string {
	if iteration == 0 || suggestion == "" {
		return ""
	}
	return fmt.Sprintf(`
**Previous Attempt #%d Failed**
Refinement suggestion: %s
Try a different approach or different tool arguments.
`, iteration, suggestion)
}

func sortedByName(descriptors []tools.Descriptor) []tools.Descriptor {
	out := make([]tools.Descriptor, len(descriptors))
	copy(out, descriptors)
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
