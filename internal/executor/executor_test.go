package executor_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/antoniostano/taskforge/internal/executor"
	"github.com/antoniostano/taskforge/internal/guard"
	"github.com/antoniostano/taskforge/internal/plan"
	"github.com/antoniostano/taskforge/internal/policy"
	"github.com/antoniostano/taskforge/internal/provider"
	"github.com/antoniostano/taskforge/internal/store"
	"github.com/antoniostano/taskforge/internal/task"
	"github.com/antoniostano/taskforge/internal/tools"
)

func openLimits() guard.Limits {
	return guard.Limits{
		RequestsPerMinute:    100,
		RequestsPerHour:      1000,
		CostPerHourUSD:       100,
		CostPerDayUSD:        1000,
		MaxCostPerRequestUSD: 10,
	}
}

func testTask() task.Task {
	return task.Task{ID: "t1", UserID: "u1", Type: "generate"}
}

func testContext() *plan.ExecutionContext {
	return plan.NewExecutionContext("t1", "u1", "", map[string]string{"topic": "go"})
}

func TestExecuteLLMResolvesInputsAndRecordsCost(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	mock := provider.NewMock()
	mock.Script("generate_post", provider.Response{
		Text: "draft post", Model: "mock-1", TokensIn: 20, TokensOut: 10, CostUSD: 0.02,
	})
	e := executor.New(executor.Config{EstCostPerCallUSD: 0.05, LLMTimeout: time.Second},
		mock, tools.NewRegistry(time.Second), guard.New(openLimits(), s), nil)

	ectx := testContext()
	ectx.Record("search-memory", "notes")
	step := &plan.Step{
		ID: "s2", Name: "llm-generate", Kind: plan.ActionLLMCall,
		Action: plan.Action{
			PromptTemplate: "generate_post",
			PromptInputs:   map[string]string{"topic": "input.topic", "notes": "step.search-memory"},
		},
	}

	out, err := e.Execute(ctx, testTask(), step, ectx, false)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if out.Result != "draft post" {
		t.Fatalf("Result = %q, want %q", out.Result, "draft post")
	}

	reqs, cost, err := s.LedgerWindow(ctx, "u1", time.Time{})
	if err != nil {
		t.Fatalf("LedgerWindow() error = %v", err)
	}
	if reqs != 1 {
		t.Fatalf("ledger requests = %d, want 1", reqs)
	}
	if cost != 0.02 {
		t.Fatalf("ledger cost = %v, want 0.02", cost)
	}
}

func TestExecuteLLMFailureReleasesReservedCost(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	mock := provider.NewMock()
	mock.FailNext("generate_post", provider.ErrProvider)
	e := executor.New(executor.Config{EstCostPerCallUSD: 0.05, LLMTimeout: time.Second},
		mock, tools.NewRegistry(time.Second), guard.New(openLimits(), s), nil)

	step := &plan.Step{
		ID: "s1", Name: "llm-generate", Kind: plan.ActionLLMCall,
		Action: plan.Action{PromptTemplate: "generate_post"},
	}
	_, err := e.Execute(ctx, testTask(), step, testContext(), false)
	if !errors.Is(err, provider.ErrProvider) {
		t.Fatalf("Execute() error = %v, want ErrProvider", err)
	}

	// The failed request still counts against the rate windows, at zero cost.
	reqs, cost, err := s.LedgerWindow(ctx, "u1", time.Time{})
	if err != nil {
		t.Fatalf("LedgerWindow() error = %v", err)
	}
	if reqs != 1 || cost != 0 {
		t.Fatalf("ledger after failure = %d requests / %v USD, want 1 / 0", reqs, cost)
	}
}

func TestExecuteLLMBudgetRejectedBeforeCall(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	mock := provider.NewMock()
	limits := openLimits()
	limits.CostPerHourUSD = 0.01
	e := executor.New(executor.Config{EstCostPerCallUSD: 0.05, LLMTimeout: time.Second},
		mock, tools.NewRegistry(time.Second), guard.New(limits, s), nil)

	step := &plan.Step{
		ID: "s1", Name: "llm-generate", Kind: plan.ActionLLMCall,
		Action: plan.Action{PromptTemplate: "generate_post"},
	}
	_, err := e.Execute(ctx, testTask(), step, testContext(), false)
	if !errors.Is(err, guard.ErrBudgetExceeded) {
		t.Fatalf("Execute() error = %v, want ErrBudgetExceeded", err)
	}
	if mock.Calls() != 0 {
		t.Fatalf("provider calls = %d, want 0", mock.Calls())
	}
	reqs, _, err := s.LedgerWindow(ctx, "u1", time.Time{})
	if err != nil {
		t.Fatalf("LedgerWindow() error = %v", err)
	}
	if reqs != 0 {
		t.Fatalf("ledger requests = %d, want 0", reqs)
	}
}

func TestExecuteToolResolvesArgs(t *testing.T) {
	rt := tools.NewRegistry(time.Second)
	rt.Register(&tools.EchoTool{ToolName: "search_memory"}, policy.ToolPolicy{}, 0)
	e := executor.New(executor.Config{}, provider.NewMock(), rt,
		guard.New(openLimits(), store.NewMemoryStore()), nil)

	step := &plan.Step{
		ID: "s1", Name: "search-memory", Kind: plan.ActionToolCall,
		Action: plan.Action{
			ToolName: "search_memory",
			ToolArgs: map[string]string{"query": "input.topic"},
		},
	}
	out, err := e.Execute(context.Background(), testTask(), step, testContext(), false)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if out.Result != "search_memory(query=go)" {
		t.Fatalf("Result = %q, want %q", out.Result, "search_memory(query=go)")
	}
}

func TestExecuteToolRejectsDisallowedTaskType(t *testing.T) {
	rt := tools.NewRegistry(time.Second)
	rt.Register(&tools.EchoTool{ToolName: "compute_metrics"},
		policy.ToolPolicy{AllowedTaskTypes: []string{"analyze"}}, 0)
	e := executor.New(executor.Config{}, provider.NewMock(), rt,
		guard.New(openLimits(), store.NewMemoryStore()), nil)

	step := &plan.Step{
		ID: "s1", Name: "compute", Kind: plan.ActionToolCall,
		Action: plan.Action{ToolName: "compute_metrics"},
	}
	_, err := e.Execute(context.Background(), testTask(), step, testContext(), false)
	if !errors.Is(err, tools.ErrPolicyViolation) {
		t.Fatalf("Execute() error = %v, want ErrPolicyViolation", err)
	}
}

func TestExecuteGatedToolPausesUntilApproved(t *testing.T) {
	rt := tools.NewRegistry(time.Second)
	rt.Register(&tools.EchoTool{ToolName: "publish_post"},
		policy.ToolPolicy{RequiresApproval: true, Impact: policy.ImpactHigh}, 0)
	e := executor.New(executor.Config{}, provider.NewMock(), rt,
		guard.New(openLimits(), store.NewMemoryStore()), nil)

	ectx := testContext()
	ectx.Record("llm-generate", "draft post")
	step := &plan.Step{
		ID: "s3", Name: "publish", Kind: plan.ActionToolCall,
		Action: plan.Action{
			ToolName: "publish_post",
			ToolArgs: map[string]string{"text": "step.llm-generate"},
		},
	}

	out, err := e.Execute(context.Background(), testTask(), step, ectx, false)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !out.Paused || out.PauseReason != task.PauseReasonApproval {
		t.Fatalf("outcome = %+v, want approval pause", out)
	}
	if out.PendingContent != "publish_post(text=draft post)" {
		t.Fatalf("PendingContent = %q", out.PendingContent)
	}

	out, err = e.Execute(context.Background(), testTask(), step, ectx, true)
	if err != nil {
		t.Fatalf("Execute(approved) error = %v", err)
	}
	if out.Paused {
		t.Fatal("approved call still paused")
	}
	if out.Result != "publish_post(text=draft post)" {
		t.Fatalf("Result = %q", out.Result)
	}
}

func TestExecuteApprovalPausesWithContent(t *testing.T) {
	e := executor.New(executor.Config{}, provider.NewMock(), tools.NewRegistry(time.Second),
		guard.New(openLimits(), store.NewMemoryStore()), nil)

	ectx := testContext()
	ectx.Record("llm-generate", "draft post")
	step := &plan.Step{
		ID: "s3", Name: "approval", Kind: plan.ActionApproval,
		Action: plan.Action{ContentFrom: "step.llm-generate"},
	}
	out, err := e.Execute(context.Background(), testTask(), step, ectx, false)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !out.Paused || out.PauseReason != task.PauseReasonApproval {
		t.Fatalf("outcome = %+v, want approval pause", out)
	}
	if out.PendingContent != "draft post" {
		t.Fatalf("PendingContent = %q, want %q", out.PendingContent, "draft post")
	}
}

func TestExecuteConditionPicksFirstNonEmptySource(t *testing.T) {
	e := executor.New(executor.Config{}, provider.NewMock(), tools.NewRegistry(time.Second),
		guard.New(openLimits(), store.NewMemoryStore()), nil)

	ectx := testContext()
	ectx.Record("web-search", "")
	ectx.Record("search-memory", "old notes")
	step := &plan.Step{
		ID: "s3", Name: "pick-source", Kind: plan.ActionCondition,
		Action: plan.Action{From: []string{"web-search", "search-memory"}},
	}
	out, err := e.Execute(context.Background(), testTask(), step, ectx, false)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if out.Result != "old notes" {
		t.Fatalf("Result = %q, want %q", out.Result, "old notes")
	}

	empty := &plan.Step{
		ID: "s4", Name: "pick-none", Kind: plan.ActionCondition,
		Action: plan.Action{From: []string{"web-search"}},
	}
	if _, err := e.Execute(context.Background(), testTask(), empty, ectx, false); !errors.Is(err, plan.ErrInvalidStepInput) {
		t.Fatalf("Execute(no usable source) error = %v, want ErrInvalidStepInput", err)
	}
}

func TestExecuteAggregateMergesInDeclaredOrder(t *testing.T) {
	e := executor.New(executor.Config{}, provider.NewMock(), tools.NewRegistry(time.Second),
		guard.New(openLimits(), store.NewMemoryStore()), nil)

	ectx := testContext()
	ectx.Record("compute-metrics", "views=10")
	ectx.Record("llm-analyze", "steady growth")
	step := &plan.Step{
		ID: "s4", Name: "report", Kind: plan.ActionAggregate,
		Action: plan.Action{From: []string{"compute-metrics", "llm-analyze"}},
	}
	out, err := e.Execute(context.Background(), testTask(), step, ectx, false)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	want := strings.Join([]string{"compute-metrics: views=10", "llm-analyze: steady growth"}, "\n")
	if out.Result != want {
		t.Fatalf("Result = %q, want %q", out.Result, want)
	}
}

func TestExecuteUnknownKindIsInvalidInput(t *testing.T) {
	e := executor.New(executor.Config{}, provider.NewMock(), tools.NewRegistry(time.Second),
		guard.New(openLimits(), store.NewMemoryStore()), nil)

	step := &plan.Step{ID: "s1", Name: "odd", Kind: plan.ActionKind("teleport")}
	_, err := e.Execute(context.Background(), testTask(), step, testContext(), false)
	if !errors.Is(err, plan.ErrInvalidStepInput) {
		t.Fatalf("Execute() error = %v, want ErrInvalidStepInput", err)
	}
}
