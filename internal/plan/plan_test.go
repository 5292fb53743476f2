package plan

import (
	"errors"
	"testing"
	"time"
)

func testPlan(steps ...Step) Plan {
	return Plan{
		ID:        "p1",
		TaskID:    "t1",
		TaskType:  "test",
		Version:   1,
		Steps:     steps,
		CreatedAt: time.Now().UTC(),
	}
}

func pendingStep(id, name string, index int, deps ...string) Step {
	return Step{
		ID:        id,
		PlanID:    "p1",
		Name:      name,
		Index:     index,
		Kind:      ActionToolCall,
		Action:    Action{ToolName: "noop"},
		DependsOn: deps,
		Status:    StepStatusPending,
	}
}

func TestValidateAcceptsLinearPlan(t *testing.T) {
	p := testPlan(
		pendingStep("s1", "a", 0),
		pendingStep("s2", "b", 1, "s1"),
		pendingStep("s3", "c", 2, "s2"),
	)
	if err := p.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestValidateRejectsCycle(t *testing.T) {
	p := testPlan(
		pendingStep("s1", "a", 0, "s2"),
		pendingStep("s2", "b", 1, "s1"),
	)
	if err := p.Validate(); !errors.Is(err, ErrPlanCorrupt) {
		t.Fatalf("Validate() error = %v, want ErrPlanCorrupt", err)
	}
}

func TestValidateRejectsUnknownDependency(t *testing.T) {
	p := testPlan(pendingStep("s1", "a", 0, "s9"))
	if err := p.Validate(); !errors.Is(err, ErrPlanCorrupt) {
		t.Fatalf("Validate() error = %v, want ErrPlanCorrupt", err)
	}
}

func TestValidateRejectsDuplicateNames(t *testing.T) {
	p := testPlan(
		pendingStep("s1", "a", 0),
		pendingStep("s2", "a", 1),
	)
	if err := p.Validate(); !errors.Is(err, ErrPlanCorrupt) {
		t.Fatalf("Validate() error = %v, want ErrPlanCorrupt", err)
	}
}

func TestFinalResultUsesHighestIndexDoneStep(t *testing.T) {
	a := pendingStep("s1", "a", 0)
	a.Status = StepStatusDone
	a.Result = "first"
	b := pendingStep("s2", "b", 1, "s1")
	b.Status = StepStatusDone
	b.Result = "last"
	c := pendingStep("s3", "c", 2, "s2")
	c.Status = StepStatusSkipped

	p := testPlan(a, b, c)
	if got := p.FinalResult(); got != "last" {
		t.Fatalf("FinalResult() = %q, want %q", got, "last")
	}
}

func TestFinishedAndFailed(t *testing.T) {
	a := pendingStep("s1", "a", 0)
	a.Status = StepStatusFailed
	b := pendingStep("s2", "b", 1, "s1")
	b.Status = StepStatusSkipped

	p := testPlan(a, b)
	if !p.Finished() {
		t.Fatal("Finished() = false, want true")
	}
	if !p.Failed() {
		t.Fatal("Failed() = false, want true")
	}

	a.Status = StepStatusDone
	b.Status = StepStatusPending
	p = testPlan(a, b)
	if p.Finished() {
		t.Fatal("Finished() = true, want false")
	}
	if p.Failed() {
		t.Fatal("Failed() = true, want false")
	}
}

func TestFailedIgnoresOptionalSteps(t *testing.T) {
	a := pendingStep("s1", "a", 0)
	a.Status = StepStatusFailed
	a.Optional = true
	b := pendingStep("s2", "b", 1)
	b.Status = StepStatusDone

	p := testPlan(a, b)
	if p.Failed() {
		t.Fatal("Failed() = true, want false for optional failure")
	}
}

func TestExecutionContextResolve(t *testing.T) {
	ectx := NewExecutionContext("t1", "u1", "write about go", map[string]string{"topic": "go"})
	ectx.Record("search", "three notes")

	cases := []struct {
		ref  string
		want string
	}{
		{"input", "write about go"},
		{"input.topic", "go"},
		{"step.search", "three notes"},
		{"plain literal", "plain literal"},
	}
	for _, tc := range cases {
		got, err := ectx.Resolve(tc.ref)
		if err != nil {
			t.Fatalf("Resolve(%q) error = %v", tc.ref, err)
		}
		if got != tc.want {
			t.Fatalf("Resolve(%q) = %q, want %q", tc.ref, got, tc.want)
		}
	}

	if _, err := ectx.Resolve("step.missing"); !errors.Is(err, ErrInvalidStepInput) {
		t.Fatalf("Resolve(step.missing) error = %v, want ErrInvalidStepInput", err)
	}
	if _, err := ectx.Resolve("input.missing"); !errors.Is(err, ErrInvalidStepInput) {
		t.Fatalf("Resolve(input.missing) error = %v, want ErrInvalidStepInput", err)
	}
}
