package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/antoniostano/taskforge/internal/guard"
	"github.com/antoniostano/taskforge/internal/observability"
	"github.com/antoniostano/taskforge/internal/plan"
	"github.com/antoniostano/taskforge/internal/provider"
	"github.com/antoniostano/taskforge/internal/task"
	"github.com/antoniostano/taskforge/internal/tools"
)

// StepOutcome is the ordinary return value of a step execution. A pause
// (approval gate, policy-gated tool) is a variant of the outcome, not an
// error and not control-flow trickery.
type StepOutcome struct {
	Result string

	Paused         bool
	PauseReason    task.PauseReason
	PendingContent string
	ResumeAt       *time.Time
}

type Config struct {
	// EstCostPerCallUSD is the optimistic cost reserved against the
	// budget windows before each LLM call.
	EstCostPerCallUSD float64
	LLMTimeout        time.Duration
}

// Executor dispatches a single step to its handler: LLM call through the
// guard, tool call through the runtime and its policy, approval gates,
// and the pure condition/aggregate transforms.
type Executor struct {
	cfg      Config
	provider provider.Provider
	tools    tools.Runtime
	guard    *guard.Guard
	metrics  *observability.Metrics
}

func New(cfg Config, p provider.Provider, rt tools.Runtime, g *guard.Guard, metrics *observability.Metrics) *Executor {
	if cfg.EstCostPerCallUSD <= 0 {
		cfg.EstCostPerCallUSD = 0.05
	}
	if cfg.LLMTimeout <= 0 {
		cfg.LLMTimeout = 60 * time.Second
	}
	return &Executor{cfg: cfg, provider: p, tools: rt, guard: g, metrics: metrics}
}

// Execute runs one step against the execution context. approvalGranted is
// set when a human already approved this exact step, which lets a
// policy-gated tool call proceed.
func (e *Executor) Execute(ctx context.Context, t task.Task, step *plan.Step, ectx *plan.ExecutionContext, approvalGranted bool) (StepOutcome, error) {
	switch step.Kind {
	case plan.ActionLLMCall:
		return e.execLLM(ctx, t, step, ectx)
	case plan.ActionToolCall:
		return e.execTool(ctx, t, step, ectx, approvalGranted)
	case plan.ActionApproval:
		return e.execApproval(step, ectx)
	case plan.ActionCondition:
		return e.execCondition(step, ectx)
	case plan.ActionAggregate:
		return e.execAggregate(step, ectx)
	default:
		return StepOutcome{}, fmt.Errorf("%w: unknown action kind %q", plan.ErrInvalidStepInput, step.Kind)
	}
}

func (e *Executor) execLLM(ctx context.Context, t task.Task, step *plan.Step, ectx *plan.ExecutionContext) (StepOutcome, error) {
	inputs := make(map[string]string, len(step.Action.PromptInputs))
	for name, ref := range step.Action.PromptInputs {
		v, err := ectx.Resolve(ref)
		if err != nil {
			return StepOutcome{}, err
		}
		inputs[name] = v
	}

	entry, err := e.guard.Reserve(ctx, t.UserID, t.ID, "llm", step.Action.ModelHint, e.cfg.EstCostPerCallUSD)
	if err != nil {
		switch {
		case errors.Is(err, guard.ErrRateLimited):
			e.metrics.ObserveGuardRejection("rate_limited")
		case errors.Is(err, guard.ErrBudgetExceeded):
			e.metrics.ObserveGuardRejection("budget_exceeded")
		}
		return StepOutcome{}, err
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.LLMTimeout)
	defer cancel()
	resp, err := e.provider.Complete(callCtx, provider.Request{
		PromptTemplate: step.Action.PromptTemplate,
		Inputs:         inputs,
		ModelHint:      step.Action.ModelHint,
		UserID:         t.UserID,
		TaskID:         t.ID,
	})
	if err != nil {
		// The request still counts against the rate windows; only the
		// reserved cost is released.
		entry.CostUSD = 0
		_ = e.guard.Finalize(ctx, entry)
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return StepOutcome{}, fmt.Errorf("%w: %v", provider.ErrProviderTimeout, err)
		}
		if errors.Is(err, provider.ErrProvider) || errors.Is(err, provider.ErrProviderTimeout) {
			return StepOutcome{}, err
		}
		return StepOutcome{}, fmt.Errorf("%w: %v", provider.ErrProvider, err)
	}

	entry.Model = resp.Model
	entry.TokensIn = resp.TokensIn
	entry.TokensOut = resp.TokensOut
	entry.CostUSD = resp.CostUSD
	if err := e.guard.Finalize(ctx, entry); err != nil {
		return StepOutcome{}, err
	}
	if e.metrics != nil {
		e.metrics.LedgerCostUSD.Add(resp.CostUSD)
	}
	return StepOutcome{Result: resp.Text}, nil
}

func (e *Executor) execTool(ctx context.Context, t task.Task, step *plan.Step, ectx *plan.ExecutionContext, approvalGranted bool) (StepOutcome, error) {
	name := step.Action.ToolName
	pol, err := e.tools.PolicyFor(name, t.Type)
	if err != nil {
		return StepOutcome{}, err
	}

	args := make(map[string]string, len(step.Action.ToolArgs))
	for k, ref := range step.Action.ToolArgs {
		v, err := ectx.Resolve(ref)
		if err != nil {
			return StepOutcome{}, err
		}
		args[k] = v
	}

	if pol.RequiresApproval && !approvalGranted {
		return StepOutcome{
			Paused:         true,
			PauseReason:    task.PauseReasonApproval,
			PendingContent: renderInvocation(name, args),
		}, nil
	}

	out, err := e.tools.Invoke(ctx, name, args)
	if err != nil {
		return StepOutcome{}, err
	}
	return StepOutcome{Result: out}, nil
}

func (e *Executor) execApproval(step *plan.Step, ectx *plan.ExecutionContext) (StepOutcome, error) {
	content := ""
	if ref := step.Action.ContentFrom; ref != "" {
		v, err := ectx.Resolve(ref)
		if err != nil {
			return StepOutcome{}, err
		}
		content = v
	}
	return StepOutcome{
		Paused:         true,
		PauseReason:    task.PauseReasonApproval,
		PendingContent: content,
	}, nil
}

// execCondition selects the first upstream result that exists and is
// non-empty, in the declared priority order.
func (e *Executor) execCondition(step *plan.Step, ectx *plan.ExecutionContext) (StepOutcome, error) {
	if len(step.Action.From) == 0 {
		return StepOutcome{}, fmt.Errorf("%w: condition step %q has no sources", plan.ErrInvalidStepInput, step.Name)
	}
	for _, name := range step.Action.From {
		if v, ok := ectx.Result(name); ok && strings.TrimSpace(v) != "" {
			return StepOutcome{Result: v}, nil
		}
	}
	return StepOutcome{}, fmt.Errorf("%w: condition step %q found no usable source", plan.ErrInvalidStepInput, step.Name)
}

// execAggregate merges the available upstream results in declared order.
func (e *Executor) execAggregate(step *plan.Step, ectx *plan.ExecutionContext) (StepOutcome, error) {
	if len(step.Action.From) == 0 {
		return StepOutcome{}, fmt.Errorf("%w: aggregate step %q has no sources", plan.ErrInvalidStepInput, step.Name)
	}
	parts := make([]string, 0, len(step.Action.From))
	for _, name := range step.Action.From {
		if v, ok := ectx.Result(name); ok {
			parts = append(parts, name+": "+v)
		}
	}
	if len(parts) == 0 {
		return StepOutcome{}, fmt.Errorf("%w: aggregate step %q has no completed sources", plan.ErrInvalidStepInput, step.Name)
	}
	return StepOutcome{Result: strings.Join(parts, "\n")}, nil
}

func renderInvocation(name string, args map[string]string) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+args[k])
	}
	return fmt.Sprintf("%s(%s)", name, strings.Join(parts, ", "))
}
