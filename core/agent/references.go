package agent

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/gobwas/glob"
)

// imageGlobs match attachment and URL basenames that should be offered
// to the synthesis prompt as inline images.
var imageGlobs = func() []glob.Glob {
	patterns := []string{"*.png", "*.jpg", "*.jpeg", "*.gif", "*.bmp", "*.svg", "*.webp"}
	globs := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		globs = append(globs, glob.MustCompile(p))
	}
	return globs
}()

func isImageName(name string) bool {
	base := strings.ToLower(name)
	if idx := strings.LastIndexByte(base, '/'); idx >= 0 {
		base = base[idx+1:]
	}
	if idx := strings.IndexByte(base, '?'); idx >= 0 {
		base = base[:idx]
	}
	for _, g := range imageGlobs {
		if g.Match(base) {
			return true
		}
	}
	return false
}

// turnContext is everything SYNTHESIZE needs from the execution log:
// truncated result bodies, the deduplicated reference list, and image
// URLs found in results.
type turnContext struct {
	Results    string
	References []string
	Images     []string
}

const perResultBudget = 4000

// buildTurnContext walks the successful invocations in submission
// order. References are URL fields deduplicated by exact URL, first
// occurrence wins; URLs naming an image file are additionally offered
// for inline embedding.
func buildTurnContext(invocations []*Invocation) *turnContext {
	tc := &turnContext{}
	seenURL := make(map[string]struct{})

	var blocks []string
	for _, inv := range invocations {
		if inv.Err != nil || inv.Result == "" {
			continue
		}
		blocks = append(blocks, fmt.Sprintf("**Result from %s%s:**\n%s",
			inv.Tool, renderArgs(inv.Arguments), truncateRunes(inv.Result, perResultBudget)))

		var decoded any
		if err := json.Unmarshal([]byte(inv.Result), &decoded); err != nil {
			continue
		}
		for _, u := range collectURLs(decoded) {
			if _, seen := seenURL[u]; seen {
				continue
			}
			seenURL[u] = struct{}{}
			if isImageName(u) {
				tc.Images = append(tc.Images, u)
				continue
			}
			tc.References = append(tc.References, u)
		}
	}

	tc.Results = strings.Join(blocks, "\n\n")
	return tc
}

// ReferencesText renders the deduplicated reference list with the URL
// host as link text.
func (tc *turnContext) ReferencesText() string {
	if len(tc.References) == 0 {
		return "(no references)"
	}
	var lines []string
	for _, u := range tc.References {
		lines = append(lines, fmt.Sprintf("- [%s](%s)", urlHost(u), u))
	}
	return strings.Join(lines, "\n")
}

// ImagesText renders image URLs for the synthesis prompt, or nothing.
func (tc *turnContext) ImagesText() string {
	if len(tc.Images) == 0 {
		return ""
	}
	var lines []string
	for _, u := range tc.Images {
		lines = append(lines, fmt.Sprintf("- %s", u))
	}
	return "\n**Available Images:**\n" + strings.Join(lines, "\n")
}

func urlHost(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return raw
	}
	return parsed.Host
}

// collectURLs walks a decoded JSON payload depth-first and gathers
// every string that is an http(s) URL, whether it sits in a "url"
// field, an attachments list, or anywhere else.
func collectURLs(decoded any) []string {
	var out []string
	var walk func(value any)
	walk = func(value any) {
		switch v := value.(type) {
		case string:
			if strings.HasPrefix(v, "http://") || strings.HasPrefix(v, "https://") {
				out = append(out, v)
			}
		case []any:
			for _, item := range v {
				walk(item)
			}
		case map[string]any:
			// Sorted keys keep the reference list deterministic.
			keys := make([]string, 0, len(v))
			for k := range v {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				walk(v[k])
			}
		}
	}
	walk(decoded)
	return out
}
