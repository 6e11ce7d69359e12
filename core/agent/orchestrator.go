package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	opserr "github.com/psi-gfa/opsagent/core/errors"
	"github.com/psi-gfa/opsagent/core/events"
	"github.com/psi-gfa/opsagent/core/prompt"
	"github.com/psi-gfa/opsagent/core/providers"
	"github.com/psi-gfa/opsagent/core/tools"
)

// Orchestrator steps, as reported on the events bus.
const (
	StepDecide       = "decide_tools"
	StepSelect       = "select_tools"
	StepExecute      = "execute"
	StepEvaluate     = "evaluate"
	StepRefine       = "refine"
	StepSynthesize   = "synthesize"
	StepAnswerDirect = "answer_direct"
	StepAskUser      = "ask_user"
)

const (
	// DefaultMaxIterations bounds the select/execute/evaluate loop.
	DefaultMaxIterations = 3

	// DefaultToolTimeout bounds each tool call inside EXECUTE.
	DefaultToolTimeout = 30 * time.Second
)

// Node temperatures. Decision nodes run cold so JSON shapes survive;
// synthesis runs warmer unless the session overrides it.
const (
	decideTemperature     = 0.1
	selectTemperature     = 0.2
	evaluateTemperature   = 0.1
	synthesizeTemperature = 0.3
)

const strictJSONReminder = "\n\nYour previous reply was not valid JSON. Reply with ONLY the requested JSON object, no prose, no markdown fences."

// LLM is the slice of the provider client the orchestrator uses.
type LLM interface {
	Complete(ctx context.Context, req providers.Request) (*providers.Response, error)
	Stream(ctx context.Context, req providers.Request, handler providers.StreamHandler) error
}

// ToolCaller routes an invocation to the session owning the tool.
type ToolCaller interface {
	Call(ctx context.Context, serverID, tool string, args map[string]any) (string, error)
}

// Options are the per-turn knobs, normally filled from the session
// settings and config.
type Options struct {
	Model              string
	Temperature        float64
	ToolsEnabled       bool
	MaxIterations      int
	MaxHistoryMessages int
	MaxCallsPerTool    int
	MaxTotalCalls      int
	ToolTimeout        time.Duration

	// SystemPrompt is sent as the provider-level system prompt on the
	// answer-producing calls. Rendered from the session template.
	SystemPrompt string

	// Now is injectable for date-sensitive prompt tests.
	Now func() time.Time
}

func (o *Options) normalize() {
	if o.MaxIterations < 1 {
		o.MaxIterations = DefaultMaxIterations
	}
	if o.ToolTimeout <= 0 {
		o.ToolTimeout = DefaultToolTimeout
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// TurnInput is one user turn.
type TurnInput struct {
	TurnID  string
	Query   string
	History []prompt.Message
	Files   []prompt.File
}

// Invocation is one executed tool call in the turn's execution log.
type Invocation struct {
	Tool      string
	Arguments map[string]any
	Reasoning string
	Result    string
	Err       error
	Duration  time.Duration
}

// Rejection records a dropped tool selection and why.
type Rejection struct {
	Tool   string
	Reason string
}

// TurnResult is the outcome of one turn.
type TurnResult struct {
	Answer      string
	FinalStep   string
	Iterations  int
	Invocations []*Invocation
	Rejections  []Rejection
	References  []string
}

// Orchestrator runs turns against a fixed set of collaborators. It is
// stateless between turns; all per-turn state lives on the stack.
type Orchestrator struct {
	llm      LLM
	registry *tools.Registry
	caller   ToolCaller
	bus      *events.Bus
	logger   *slog.Logger
	opts     Options
}

func New(llm LLM, registry *tools.Registry, caller ToolCaller, bus *events.Bus, logger *slog.Logger, opts Options) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	opts.normalize()
	return &Orchestrator{
		llm:      llm,
		registry: registry,
		caller:   caller,
		bus:      bus,
		logger:   logger,
		opts:     opts,
	}
}

// RunTurn drives one turn to completion. The returned result carries
// the final answer (also streamed as token events for the synthesis
// paths) and the execution log.
func (o *Orchestrator) RunTurn(ctx context.Context, input TurnInput) (*TurnResult, error) {
	result := &TurnResult{}

	systemCtx := prompt.SystemContext(o.opts.Now())
	historyCtx := prompt.ConversationContext(input.History, o.opts.MaxHistoryMessages)
	filesCtx := prompt.FilesSummary(input.Files)

	if !o.opts.ToolsEnabled {
		return o.answerDirect(ctx, input, result, systemCtx, historyCtx)
	}
	if o.registry.Len() == 0 {
		err := opserr.ErrEmptyRegistry
		o.bus.Error(input.TurnID, err.Error())
		return nil, err
	}

	needsTools, err := o.decide(ctx, input, systemCtx, historyCtx, filesCtx)
	if err != nil {
		return nil, o.fatal(input.TurnID, err)
	}
	if !needsTools {
		return o.answerDirect(ctx, input, result, systemCtx, historyCtx)
	}

	ledger := NewUsageLedger(o.opts.MaxCallsPerTool, o.opts.MaxTotalCalls)
	toolsDetailed := prompt.ToolsDetailed(o.registry.List())

	refinement := ""
	lastReasoning := ""

	for iteration := 0; iteration < o.opts.MaxIterations; iteration++ {
		result.Iterations = iteration + 1

		selections, err := o.selectTools(ctx, input, result, ledger, systemCtx, historyCtx, toolsDetailed, iteration, refinement)
		if err != nil {
			return nil, o.fatal(input.TurnID, err)
		}

		executed, err := o.execute(ctx, input.TurnID, selections)
		if err != nil {
			return nil, o.fatal(input.TurnID, err)
		}
		result.Invocations = append(result.Invocations, executed...)

		v, err := o.evaluate(ctx, input, result, systemCtx)
		if err != nil {
			return nil, o.fatal(input.TurnID, err)
		}
		lastReasoning = v.Reasoning

		if v.Adequate {
			return o.synthesize(ctx, input, result, systemCtx)
		}

		refinement = v.Refinement
		if refinement == "" {
			refinement = "rephrase and retry"
		}
		if iteration+1 < o.opts.MaxIterations {
			o.bus.StepStarted(input.TurnID, StepRefine)
			o.bus.StepFinished(input.TurnID, StepRefine, map[string]any{"refinement": refinement})
			o.logger.Info("evaluation inadequate, refining",
				"turn", input.TurnID, "iteration", iteration, "refinement", refinement)
		}
	}

	return o.askUser(ctx, input, result, lastReasoning)
}

// complete issues one cold LLM call for a decision node.
func (o *Orchestrator) complete(ctx context.Context, text string, temperature float64) (string, error) {
	resp, err := o.llm.Complete(ctx, providers.Request{
		Model:       o.opts.Model,
		Temperature: &temperature,
		Messages:    []providers.Message{{Role: providers.RoleUser, Content: text}},
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// completeParsed runs a decision node with one stricter retry when the
// response does not parse. The caller applies its safe default when
// the second attempt fails too.
func completeParsed[T any](o *Orchestrator, ctx context.Context, text string, temperature float64, parse func(string) (T, error)) (T, error) {
	var zero T

	raw, err := o.complete(ctx, text, temperature)
	if err != nil {
		return zero, err
	}
	parsed, parseErr := parse(raw)
	if parseErr == nil {
		return parsed, nil
	}
	if ctx.Err() != nil {
		return zero, opserr.New(opserr.KindCancellation, "turn canceled", ctx.Err())
	}
	o.logger.Warn("llm response not parseable, retrying stricter", "error", parseErr)

	raw, err = o.complete(ctx, text+strictJSONReminder, temperature)
	if err != nil {
		return zero, err
	}
	return parse(raw)
}

func (o *Orchestrator) decide(ctx context.Context, input TurnInput, systemCtx, historyCtx, filesCtx string) (bool, error) {
	o.bus.StepStarted(input.TurnID, StepDecide)

	text := prompt.DecideTools(systemCtx, input.Query, prompt.ToolsSummary(o.registry.List()), historyCtx, filesCtx)
	d, err := completeParsed(o, ctx, text, decideTemperature, parseDecision)
	if err != nil {
		if opserr.IsKind(err, opserr.KindLLMParse) {
			// Unparseable twice: the safe default is to reach for tools.
			o.logger.Warn("decide response unparseable twice, defaulting to tools", "turn", input.TurnID)
			o.bus.StepFinished(input.TurnID, StepDecide, map[string]any{"needs_tools": true, "defaulted": true})
			return true, nil
		}
		return false, err
	}

	o.bus.StepFinished(input.TurnID, StepDecide, map[string]any{
		"needs_tools": d.NeedsTools,
		"reasoning":   d.Reasoning,
	})
	return d.NeedsTools, nil
}

// selectTools asks the model for a plan and validates every selection
// against the schema and the ledger. Invalid selections are dropped
// with a recorded reason; an empty surviving set is a legal outcome
// that evaluation will judge.
func (o *Orchestrator) selectTools(ctx context.Context, input TurnInput, result *TurnResult, ledger *UsageLedger, systemCtx, historyCtx, toolsDetailed string, iteration int, refinement string) ([]toolSelection, error) {
	o.bus.StepStarted(input.TurnID, StepSelect)

	text := prompt.SelectTools(systemCtx, input.Query, toolsDetailed, historyCtx,
		prompt.RefinementContext(iteration, refinement))

	plan, err := completeParsed(o, ctx, text, selectTemperature, parsePlan)
	if err != nil {
		if opserr.IsKind(err, opserr.KindLLMParse) {
			// No plan survives; evaluation over an empty result set
			// decides between refine and ask-user.
			o.logger.Warn("select response unparseable twice, empty plan", "turn", input.TurnID)
			o.bus.StepFinished(input.TurnID, StepSelect, map[string]any{"selected": 0})
			return nil, nil
		}
		return nil, err
	}

	var accepted []toolSelection
	for _, sel := range plan.Tools {
		if err := o.registry.Validate(sel.ToolName, sel.Arguments); err != nil {
			o.logger.Warn("tool selection dropped", "tool", sel.ToolName, "reason", err)
			result.Rejections = append(result.Rejections, Rejection{Tool: sel.ToolName, Reason: err.Error()})
			continue
		}
		if err := ledger.Admit(sel.ToolName, sel.Arguments); err != nil {
			o.logger.Warn("tool selection rejected by ledger", "tool", sel.ToolName, "reason", err)
			result.Rejections = append(result.Rejections, Rejection{Tool: sel.ToolName, Reason: err.Error()})
			continue
		}
		accepted = append(accepted, sel)
	}

	o.bus.StepFinished(input.TurnID, StepSelect, map[string]any{
		"selected": len(accepted),
		"dropped":  len(plan.Tools) - len(accepted),
	})
	return accepted, nil
}

// execute runs the accepted selections concurrently, one goroutine per
// invocation with its own timeout. Results come back in submission
// order so the evaluation prompt is deterministic.
func (o *Orchestrator) execute(ctx context.Context, turnID string, selections []toolSelection) ([]*Invocation, error) {
	o.bus.StepStarted(turnID, StepExecute)

	invocations := make([]*Invocation, len(selections))
	var wg sync.WaitGroup
	for i, sel := range selections {
		inv := &Invocation{
			Tool:      sel.ToolName,
			Arguments: sel.Arguments,
			Reasoning: sel.Reasoning,
		}
		invocations[i] = inv

		desc, ok := o.registry.Get(sel.ToolName)
		if !ok {
			inv.Err = fmt.Errorf("tool %s vanished from registry", sel.ToolName)
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()

			callCtx, cancel := context.WithTimeout(ctx, o.opts.ToolTimeout)
			defer cancel()

			start := time.Now()
			result, err := o.caller.Call(callCtx, desc.ServerID, inv.Tool, inv.Arguments)
			inv.Duration = time.Since(start)
			inv.Result = result
			inv.Err = err
			if err != nil {
				o.logger.Warn("tool call failed", "turn", turnID, "tool", inv.Tool, "error", err)
			}
		}()
	}
	wg.Wait()

	if ctx.Err() != nil {
		return nil, opserr.New(opserr.KindCancellation, "turn canceled", ctx.Err())
	}

	failed := 0
	for _, inv := range invocations {
		if inv.Err != nil {
			failed++
		}
	}
	o.bus.StepFinished(turnID, StepExecute, map[string]any{
		"calls":  len(invocations),
		"failed": failed,
	})
	return invocations, nil
}

func (o *Orchestrator) evaluate(ctx context.Context, input TurnInput, result *TurnResult, systemCtx string) (*verdict, error) {
	o.bus.StepStarted(input.TurnID, StepEvaluate)

	var summaries, calls []string
	for _, inv := range result.Invocations {
		summaries = append(summaries, summarizeInvocation(inv))
		calls = append(calls, fmt.Sprintf("- %s%s", inv.Tool, renderArgs(inv.Arguments)))
	}
	summaryText := joinOr(summaries, "(no tool results this turn)")

	text := prompt.EvaluateResults(systemCtx, input.Query, summaryText, joinOr(calls, ""))
	v, err := completeParsed(o, ctx, text, evaluateTemperature, parseVerdict)
	if err != nil {
		if opserr.IsKind(err, opserr.KindLLMParse) || opserr.IsKind(err, opserr.KindLLMService) {
			// A broken evaluator must not end the turn.
			o.logger.Warn("evaluator failed, treating as inadequate", "turn", input.TurnID, "error", err)
			v = &verdict{Adequate: false, Reasoning: "evaluator failed", Refinement: "rephrase and retry"}
		} else {
			return nil, err
		}
	}

	o.bus.StepFinished(input.TurnID, StepEvaluate, map[string]any{
		"adequate":   v.Adequate,
		"reasoning":  v.Reasoning,
		"refinement": v.Refinement,
	})
	return v, nil
}

// synthesize streams the final answer token by token over the bus.
func (o *Orchestrator) synthesize(ctx context.Context, input TurnInput, result *TurnResult, systemCtx string) (*TurnResult, error) {
	o.bus.StepStarted(input.TurnID, StepSynthesize)

	tc := buildTurnContext(result.Invocations)
	result.References = tc.References

	text := prompt.AnswerWithTools(systemCtx, input.Query, tc.Results, tc.ReferencesText(), tc.ImagesText())
	answer, err := o.stream(ctx, input.TurnID, text, o.synthesizeTemperature())
	if err != nil {
		return nil, o.fatal(input.TurnID, err)
	}

	result.Answer = answer
	result.FinalStep = StepSynthesize
	o.bus.StepFinished(input.TurnID, StepSynthesize, map[string]any{"references": len(result.References)})
	return result, nil
}

// answerDirect streams an answer from knowledge, history, and files,
// without touching the registry.
func (o *Orchestrator) answerDirect(ctx context.Context, input TurnInput, result *TurnResult, systemCtx, historyCtx string) (*TurnResult, error) {
	o.bus.StepStarted(input.TurnID, StepAnswerDirect)

	text := prompt.AnswerDirect(systemCtx, input.Query, historyCtx, prompt.FilesFull(input.Files))
	answer, err := o.stream(ctx, input.TurnID, text, o.synthesizeTemperature())
	if err != nil {
		return nil, o.fatal(input.TurnID, err)
	}

	result.Answer = answer
	result.FinalStep = StepAnswerDirect
	o.bus.StepFinished(input.TurnID, StepAnswerDirect, nil)
	return result, nil
}

// askUser ends the turn with a clarification message instead of a
// synthesized answer.
func (o *Orchestrator) askUser(ctx context.Context, input TurnInput, result *TurnResult, lastReasoning string) (*TurnResult, error) {
	if ctx.Err() != nil {
		return nil, o.fatal(input.TurnID, opserr.New(opserr.KindCancellation, "turn canceled", ctx.Err()))
	}

	o.bus.StepStarted(input.TurnID, StepAskUser)

	var attempts []string
	for _, inv := range result.Invocations {
		line := inv.Tool + renderArgs(inv.Arguments)
		if inv.Err != nil {
			line += fmt.Sprintf(" - failed: %v", inv.Err)
		}
		attempts = append(attempts, line)
	}

	message := prompt.AskUser(input.Query, attempts, lastReasoning)
	o.bus.Clarification(input.TurnID, message)

	result.Answer = message
	result.FinalStep = StepAskUser
	o.bus.StepFinished(input.TurnID, StepAskUser, nil)
	return result, nil
}

// stream runs one streaming LLM call, forwarding each chunk as a token
// event and accumulating the full answer.
func (o *Orchestrator) stream(ctx context.Context, turnID, text string, temperature float64) (string, error) {
	var answer []byte
	err := o.llm.Stream(ctx, providers.Request{
		Model:        o.opts.Model,
		Temperature:  &temperature,
		SystemPrompt: o.opts.SystemPrompt,
		Messages:     []providers.Message{{Role: providers.RoleUser, Content: text}},
	}, func(chunk providers.StreamChunk) error {
		if chunk.Text != "" {
			answer = append(answer, chunk.Text...)
			o.bus.Token(turnID, chunk.Text)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return string(answer), nil
}

func (o *Orchestrator) synthesizeTemperature() float64 {
	if o.opts.Temperature > 0 {
		return o.opts.Temperature
	}
	return synthesizeTemperature
}

// fatal emits the terminal event matching the error kind and passes the
// error through.
func (o *Orchestrator) fatal(turnID string, err error) error {
	if opserr.IsKind(err, opserr.KindCancellation) {
		o.bus.Canceled(turnID)
		return err
	}
	o.bus.Error(turnID, err.Error())
	return err
}

func joinOr(parts []string, fallback string) string {
	if len(parts) == 0 {
		return fallback
	}
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += "\n"
		}
		out += p
	}
	return out
}
