package plan

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrPlanCorrupt      = errors.New("plan corrupt")
	ErrInvalidStepInput = errors.New("invalid step input")
)

type ActionKind string

const (
	ActionLLMCall   ActionKind = "llm_call"
	ActionToolCall  ActionKind = "tool_call"
	ActionApproval  ActionKind = "approval"
	ActionCondition ActionKind = "condition"
	ActionAggregate ActionKind = "aggregate"
)

type StepStatus string

const (
	StepStatusPending StepStatus = "pending"
	StepStatusRunning StepStatus = "running"
	StepStatusDone    StepStatus = "done"
	StepStatusFailed  StepStatus = "failed"
	StepStatusSkipped StepStatus = "skipped"
)

func (s StepStatus) Terminal() bool {
	switch s {
	case StepStatusDone, StepStatusFailed, StepStatusSkipped:
		return true
	default:
		return false
	}
}

// Action carries the kind-specific payload of a step. Only the fields for
// the step's kind are meaningful; the rest stay zero.
type Action struct {
	// llm_call
	PromptTemplate string            `json:"prompt_template,omitempty"`
	PromptInputs   map[string]string `json:"prompt_inputs,omitempty"`
	ModelHint      string            `json:"model_hint,omitempty"`

	// tool_call
	ToolName string            `json:"tool_name,omitempty"`
	ToolArgs map[string]string `json:"tool_args,omitempty"`

	// approval
	ContentFrom string `json:"content_from,omitempty"`

	// condition / aggregate: upstream step names, in priority/merge order.
	From []string `json:"from,omitempty"`
}

type Step struct {
	ID        string     `json:"id"`
	PlanID    string     `json:"plan_id"`
	Name      string     `json:"name"`
	Index     int        `json:"index"`
	Kind      ActionKind `json:"kind"`
	Action    Action     `json:"action"`
	DependsOn []string   `json:"depends_on,omitempty"`
	Optional  bool       `json:"optional,omitempty"`

	Status    StepStatus `json:"status"`
	Result    string     `json:"result,omitempty"`
	Error     string     `json:"error,omitempty"`
	Attempts  int        `json:"attempts,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Plan is the dependency graph of steps built for one task. The graph
// (step identities, kinds, payloads, edges) is immutable once built; only
// per-step execution state mutates afterwards.
type Plan struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	TaskType  string    `json:"task_type"`
	Version   int       `json:"version"`
	Steps     []Step    `json:"steps"`
	CreatedAt time.Time `json:"created_at"`
}

func (p Plan) Clone() Plan {
	out := p
	if p.Steps != nil {
		out.Steps = make([]Step, len(p.Steps))
		copy(out.Steps, p.Steps)
		for i := range out.Steps {
			out.Steps[i].DependsOn = append([]string(nil), p.Steps[i].DependsOn...)
		}
	}
	return out
}

func (p *Plan) Step(id string) *Step {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i]
		}
	}
	return nil
}

func (p *Plan) StepByName(name string) *Step {
	for i := range p.Steps {
		if p.Steps[i].Name == name {
			return &p.Steps[i]
		}
	}
	return nil
}

// Validate checks the DAG invariants: unique step ids and names, every
// dependency referencing a step inside the plan, and no cycles.
func (p *Plan) Validate() error {
	ids := make(map[string]bool, len(p.Steps))
	names := make(map[string]bool, len(p.Steps))
	for i := range p.Steps {
		s := &p.Steps[i]
		if s.ID == "" {
			return fmt.Errorf("%w: step %d has empty id", ErrPlanCorrupt, i)
		}
		if ids[s.ID] {
			return fmt.Errorf("%w: duplicate step id %q", ErrPlanCorrupt, s.ID)
		}
		ids[s.ID] = true
		if s.Name != "" {
			if names[s.Name] {
				return fmt.Errorf("%w: duplicate step name %q", ErrPlanCorrupt, s.Name)
			}
			names[s.Name] = true
		}
	}
	for i := range p.Steps {
		for _, dep := range p.Steps[i].DependsOn {
			if !ids[dep] {
				return fmt.Errorf("%w: step %q depends on unknown step %q", ErrPlanCorrupt, p.Steps[i].ID, dep)
			}
			if dep == p.Steps[i].ID {
				return fmt.Errorf("%w: step %q depends on itself", ErrPlanCorrupt, p.Steps[i].ID)
			}
		}
	}

	// Kahn's algorithm; leftovers mean a cycle.
	indegree := make(map[string]int, len(p.Steps))
	dependents := make(map[string][]string, len(p.Steps))
	for i := range p.Steps {
		s := &p.Steps[i]
		indegree[s.ID] += 0
		for _, dep := range s.DependsOn {
			indegree[s.ID]++
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}
	queue := make([]string, 0, len(p.Steps))
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if visited != len(p.Steps) {
		return fmt.Errorf("%w: dependency cycle detected", ErrPlanCorrupt)
	}
	return nil
}

// Finished reports whether every step has reached a terminal state.
func (p *Plan) Finished() bool {
	for i := range p.Steps {
		if !p.Steps[i].Status.Terminal() {
			return false
		}
	}
	return true
}

// Failed reports whether any non-optional step failed.
func (p *Plan) Failed() bool {
	for i := range p.Steps {
		if p.Steps[i].Status == StepStatusFailed && !p.Steps[i].Optional {
			return true
		}
	}
	return false
}

// FinalResult returns the result of the highest-index completed step,
// which by construction is the plan's terminal output.
func (p *Plan) FinalResult() string {
	result := ""
	best := -1
	for i := range p.Steps {
		s := &p.Steps[i]
		if s.Status == StepStatusDone && s.Index > best {
			best = s.Index
			result = s.Result
		}
	}
	return result
}
