package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

const (
	summaryTopTitles   = 3
	summaryTitleLimit  = 80
	summaryBodyPreview = 300
)

// summarizeInvocation renders one tool result compactly for the
// evaluator: outcome, hit count, top titles, and a score distribution
// when the result carries scores. Structured fields are best-effort;
// a result that does not decode falls back to a raw preview.
func summarizeInvocation(inv *Invocation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**%s%s**: ", inv.Tool, renderArgs(inv.Arguments))

	if inv.Err != nil {
		fmt.Fprintf(&b, "FAILED (%v) - no result\n", inv.Err)
		return b.String()
	}

	var decoded any
	if err := json.Unmarshal([]byte(inv.Result), &decoded); err != nil {
		fmt.Fprintf(&b, "%s\n", truncateRunes(inv.Result, summaryBodyPreview))
		return b.String()
	}

	hits := collectHits(decoded)
	if total, ok := findNumber(decoded, "total_found"); ok {
		fmt.Fprintf(&b, "%d found, %d returned.", int(total), len(hits))
	} else {
		fmt.Fprintf(&b, "%d results.", len(hits))
	}

	titles := collectStrings(hits, "title")
	if len(titles) > summaryTopTitles {
		titles = titles[:summaryTopTitles]
	}
	if len(titles) > 0 {
		b.WriteString(" Top: ")
		for i, title := range titles {
			if i > 0 {
				b.WriteString("; ")
			}
			b.WriteString(truncateRunes(title, summaryTitleLimit))
		}
		b.WriteByte('.')
	}

	if line := scoreDistribution(collectScores(hits)); line != "" {
		b.WriteByte(' ')
		b.WriteString(line)
	}
	b.WriteByte('\n')
	return b.String()
}

// scoreDistribution renders n/mean/stddev/min/max over result scores.
// Fewer than two scores give no meaningful spread, so nothing is shown.
func scoreDistribution(scores []float64) string {
	if len(scores) < 2 {
		return ""
	}
	return fmt.Sprintf("Scores: n=%d mean=%.3f stddev=%.3f min=%.3f max=%.3f.",
		len(scores),
		stat.Mean(scores, nil),
		stat.StdDev(scores, nil),
		floats.Min(scores),
		floats.Max(scores),
	)
}

// renderArgs renders an argument map compactly and deterministically
// for log lines and the ask-user message.
func renderArgs(args map[string]any) string {
	if len(args) == 0 {
		return "()"
	}
	encoded, err := json.Marshal(args)
	if err != nil {
		return "()"
	}
	return "(" + string(encoded) + ")"
}

// collectHits pulls the result list out of a decoded payload: the
// {ok, data} envelope is unwrapped first, then the first of the known
// list keys wins.
func collectHits(decoded any) []map[string]any {
	obj, ok := decoded.(map[string]any)
	if !ok {
		if arr, isArr := decoded.([]any); isArr {
			return onlyObjects(arr)
		}
		return nil
	}

	if data, hasData := obj["data"]; hasData {
		if inner := collectHits(data); inner != nil {
			return inner
		}
	}
	for _, key := range []string{"hits", "results", "articles", "entries", "messages"} {
		if arr, isArr := obj[key].([]any); isArr {
			return onlyObjects(arr)
		}
	}
	return nil
}

func onlyObjects(arr []any) []map[string]any {
	out := make([]map[string]any, 0, len(arr))
	for _, item := range arr {
		if obj, ok := item.(map[string]any); ok {
			out = append(out, obj)
		}
	}
	return out
}

func collectStrings(hits []map[string]any, key string) []string {
	var out []string
	for _, hit := range hits {
		if s, ok := hit[key].(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

func collectScores(hits []map[string]any) []float64 {
	var out []float64
	for _, hit := range hits {
		for _, key := range []string{"final_score", "score", "relevance"} {
			if f, ok := hit[key].(float64); ok {
				out = append(out, f)
				break
			}
		}
	}
	return out
}

// findNumber looks for a numeric field at the top level or under the
// data envelope.
func findNumber(decoded any, key string) (float64, bool) {
	obj, ok := decoded.(map[string]any)
	if !ok {
		return 0, false
	}
	if f, isNum := obj[key].(float64); isNum {
		return f, true
	}
	if data, hasData := obj["data"]; hasData {
		return findNumber(data, key)
	}
	return 0, false
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
