package agent

import (
	"encoding/json"
	"regexp"

	opserr "github.com/psi-gfa/opsagent/core/errors"
)

// The model is asked for JSON only, but local models wrap it in prose
// or markdown fences often enough that each step extracts its object
// with a shape-specific pattern before decoding.
var (
	decideJSONRe   = regexp.MustCompile(`\{[^{}]*\}`)
	selectJSONRe   = regexp.MustCompile(`(?s)\{.*"tools".*\}`)
	evaluateJSONRe = regexp.MustCompile(`(?s)\{.*"adequate".*\}`)
)

// decision is the DECIDE_TOOLS verdict.
type decision struct {
	NeedsTools bool   `json:"needs_tools"`
	Reasoning  string `json:"reasoning"`
}

// toolSelection is one planned invocation from SELECT_TOOLS.
type toolSelection struct {
	ToolName  string         `json:"tool_name"`
	Arguments map[string]any `json:"arguments"`
	Reasoning string         `json:"reasoning"`
}

// selectionPlan is the SELECT_TOOLS response shape.
type selectionPlan struct {
	Tools []toolSelection `json:"tools"`
}

// verdict is the EVALUATE response shape.
type verdict struct {
	Adequate   bool   `json:"adequate"`
	Reasoning  string `json:"reasoning"`
	Refinement string `json:"refinement"`
}

func parseError(step string, err error) error {
	return opserr.New(opserr.KindLLMParse, step+" response not parseable", err)
}

func parseDecision(raw string) (*decision, error) {
	match := decideJSONRe.FindString(raw)
	if match == "" {
		return nil, parseError("decide", nil)
	}
	var d decision
	if err := json.Unmarshal([]byte(match), &d); err != nil {
		return nil, parseError("decide", err)
	}
	return &d, nil
}

func parsePlan(raw string) (*selectionPlan, error) {
	match := selectJSONRe.FindString(raw)
	if match == "" {
		return nil, parseError("select", nil)
	}
	var plan selectionPlan
	if err := json.Unmarshal([]byte(match), &plan); err != nil {
		return nil, parseError("select", err)
	}
	return &plan, nil
}

func parseVerdict(raw string) (*verdict, error) {
	match := evaluateJSONRe.FindString(raw)
	if match == "" {
		return nil, parseError("evaluate", nil)
	}
	var v verdict
	if err := json.Unmarshal([]byte(match), &v); err != nil {
		return nil, parseError("evaluate", err)
	}
	return &v, nil
}
