// Package agent drives one conversation turn through the planner and
// executor state machine: decide whether tools are needed, select and
// run them, evaluate the evidence, refine or give up, and finally
// stream a synthesized answer.
package agent

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	opserr "github.com/psi-gfa/opsagent/core/errors"
)

const (
	// DefaultMaxCallsPerTool caps invocations of one tool per turn.
	DefaultMaxCallsPerTool = 3

	// DefaultMaxTotalCalls caps all tool invocations per turn.
	DefaultMaxTotalCalls = 8
)

// UsageLedger enforces the per-turn tool call budget: a per-tool cap, a
// total cap, and rejection of exact duplicate (tool, arguments) pairs.
// It lives for one turn and is not safe for concurrent use; admission
// happens during selection validation, which is single-threaded.
type UsageLedger struct {
	maxPerTool int
	maxTotal   int

	perTool map[string]int
	seen    map[string]struct{}
	total   int
}

func NewUsageLedger(maxPerTool, maxTotal int) *UsageLedger {
	if maxPerTool <= 0 {
		maxPerTool = DefaultMaxCallsPerTool
	}
	if maxTotal <= 0 {
		maxTotal = DefaultMaxTotalCalls
	}
	return &UsageLedger{
		maxPerTool: maxPerTool,
		maxTotal:   maxTotal,
		perTool:    make(map[string]int),
		seen:       make(map[string]struct{}),
	}
}

// Admit records the invocation if the budget allows it. A rejected
// invocation does not change the ledger.
func (l *UsageLedger) Admit(tool string, args map[string]any) error {
	if l.total >= l.maxTotal {
		return opserr.New(opserr.KindPolicyRejection,
			fmt.Sprintf("total tool call budget (%d) exhausted", l.maxTotal),
			opserr.ErrToolCallBudget)
	}
	if l.perTool[tool] >= l.maxPerTool {
		return opserr.New(opserr.KindPolicyRejection,
			fmt.Sprintf("per-tool budget (%d) exhausted for %s", l.maxPerTool, tool),
			opserr.ErrToolCallBudget)
	}

	hash := invocationHash(tool, args)
	if _, dup := l.seen[hash]; dup {
		return opserr.New(opserr.KindPolicyRejection,
			fmt.Sprintf("duplicate invocation of %s", tool),
			opserr.ErrDuplicateInvocation)
	}

	l.seen[hash] = struct{}{}
	l.perTool[tool]++
	l.total++
	return nil
}

// Total reports the number of admitted invocations.
func (l *UsageLedger) Total() int {
	return l.total
}

// CountFor reports admitted invocations of one tool.
func (l *UsageLedger) CountFor(tool string) int {
	return l.perTool[tool]
}

// invocationHash computes the duplicate-detection key: SHA-256 over the
// tool name and a canonical rendering of the arguments. Canonical form
// sorts object keys and normalizes numbers, so {"a":1,"b":2} and
// {"b":2.0,"a":1} collide as intended.
func invocationHash(tool string, args map[string]any) string {
	var b strings.Builder
	b.WriteString(tool)
	b.WriteByte(0)
	writeCanonical(&b, args)

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func writeCanonical(b *strings.Builder, value any) {
	switch v := value.(type) {
	case nil:
		b.WriteString("null")
	case bool:
		b.WriteString(strconv.FormatBool(v))
	case string:
		encoded, _ := json.Marshal(v)
		b.Write(encoded)
	case float64:
		b.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
	case float32:
		b.WriteString(strconv.FormatFloat(float64(v), 'g', -1, 64))
	case int:
		b.WriteString(strconv.FormatFloat(float64(v), 'g', -1, 64))
	case int64:
		b.WriteString(strconv.FormatFloat(float64(v), 'g', -1, 64))
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			b.WriteString(v.String())
			return
		}
		b.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	case []any:
		b.WriteByte('[')
		for i, item := range v {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonical(b, item)
		}
		b.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			encoded, _ := json.Marshal(k)
			b.Write(encoded)
			b.WriteByte(':')
			writeCanonical(b, v[k])
		}
		b.WriteByte('}')
	default:
		// Unexpected types fall back to their fmt rendering.
		fmt.Fprintf(b, "%v", v)
	}
}
