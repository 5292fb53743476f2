package plan

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var ErrUnknownTaskType = errors.New("unknown task type")

// TemplateStep describes one step of a task-type template. Dependencies are
// expressed by step name and resolved to ids at build time.
type TemplateStep struct {
	Name      string
	Kind      ActionKind
	Action    Action
	DependsOn []string
	Optional  bool
}

// Template is the fixed step graph for one task type. Building the same
// template twice yields isomorphic plans: step names, kinds, payloads,
// edges, and ordering are all reproduced; only the plan id is fresh.
type Template struct {
	Type    string
	Version int
	Steps   []TemplateStep
}

// Builder turns (task type, input) into a Plan from its registered
// templates. The registry is injected, never a process-wide global.
type Builder struct {
	templates map[string]Template
}

func NewBuilder(templates ...Template) *Builder {
	b := &Builder{templates: make(map[string]Template, len(templates))}
	for _, t := range templates {
		b.templates[t.Type] = t
	}
	return b
}

func (b *Builder) Build(taskID, taskType string) (Plan, error) {
	tpl, ok := b.templates[taskType]
	if !ok {
		return Plan{}, fmt.Errorf("%w: %q", ErrUnknownTaskType, taskType)
	}

	now := time.Now().UTC()
	p := Plan{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		TaskType:  taskType,
		Version:   tpl.Version,
		Steps:     make([]Step, 0, len(tpl.Steps)),
		CreatedAt: now,
	}

	idByName := make(map[string]string, len(tpl.Steps))
	for i, ts := range tpl.Steps {
		idByName[ts.Name] = fmt.Sprintf("s%d", i+1)
	}
	for i, ts := range tpl.Steps {
		deps := make([]string, 0, len(ts.DependsOn))
		for _, depName := range ts.DependsOn {
			depID, ok := idByName[depName]
			if !ok {
				return Plan{}, fmt.Errorf("%w: template %q step %q depends on unknown step %q",
					ErrPlanCorrupt, tpl.Type, ts.Name, depName)
			}
			deps = append(deps, depID)
		}
		p.Steps = append(p.Steps, Step{
			ID:        idByName[ts.Name],
			PlanID:    p.ID,
			Name:      ts.Name,
			Index:     i,
			Kind:      ts.Kind,
			Action:    ts.Action,
			DependsOn: deps,
			Optional:  ts.Optional,
			Status:    StepStatusPending,
		})
	}

	if err := p.Validate(); err != nil {
		return Plan{}, err
	}
	return p, nil
}

func (b *Builder) Has(taskType string) bool {
	_, ok := b.templates[taskType]
	return ok
}

// DefaultTemplates returns the built-in task-type templates.
func DefaultTemplates() []Template {
	return []Template{
		{
			Type:    "generate",
			Version: 1,
			Steps: []TemplateStep{
				{
					Name: "search-memory",
					Kind: ActionToolCall,
					Action: Action{
						ToolName: "search_memory",
						ToolArgs: map[string]string{"query": "input.topic"},
					},
				},
				{
					Name: "llm-generate",
					Kind: ActionLLMCall,
					Action: Action{
						PromptTemplate: "generate_post",
						PromptInputs: map[string]string{
							"topic": "input.topic",
							"notes": "step.search-memory",
						},
					},
					DependsOn: []string{"search-memory"},
				},
				{
					Name:      "approval",
					Kind:      ActionApproval,
					Action:    Action{ContentFrom: "step.llm-generate"},
					DependsOn: []string{"llm-generate"},
				},
			},
		},
		{
			Type:    "research",
			Version: 1,
			Steps: []TemplateStep{
				{
					Name: "search-memory",
					Kind: ActionToolCall,
					Action: Action{
						ToolName: "search_memory",
						ToolArgs: map[string]string{"query": "input.topic"},
					},
					Optional: true,
				},
				{
					Name: "web-search",
					Kind: ActionToolCall,
					Action: Action{
						ToolName: "web_search",
						ToolArgs: map[string]string{"query": "input.topic"},
					},
					Optional: true,
				},
				{
					Name:      "pick-source",
					Kind:      ActionCondition,
					Action:    Action{From: []string{"web-search", "search-memory"}},
					DependsOn: []string{"search-memory", "web-search"},
				},
				{
					Name: "llm-generate",
					Kind: ActionLLMCall,
					Action: Action{
						PromptTemplate: "generate_post",
						PromptInputs: map[string]string{
							"topic": "input.topic",
							"notes": "step.pick-source",
						},
					},
					DependsOn: []string{"pick-source"},
				},
				{
					Name:      "approval",
					Kind:      ActionApproval,
					Action:    Action{ContentFrom: "step.llm-generate"},
					DependsOn: []string{"llm-generate"},
				},
			},
		},
		{
			Type:    "analyze",
			Version: 1,
			Steps: []TemplateStep{
				{
					Name: "parse",
					Kind: ActionToolCall,
					Action: Action{
						ToolName: "parse_channel",
						ToolArgs: map[string]string{"channel": "input.channel"},
					},
				},
				{
					Name: "compute-metrics",
					Kind: ActionToolCall,
					Action: Action{
						ToolName: "compute_metrics",
						ToolArgs: map[string]string{"data": "step.parse"},
					},
					DependsOn: []string{"parse"},
				},
				{
					Name: "llm-analyze",
					Kind: ActionLLMCall,
					Action: Action{
						PromptTemplate: "analyze_channel",
						PromptInputs: map[string]string{
							"metrics": "step.compute-metrics",
						},
					},
					DependsOn: []string{"compute-metrics"},
				},
				{
					Name:      "report",
					Kind:      ActionAggregate,
					Action:    Action{From: []string{"compute-metrics", "llm-analyze"}},
					DependsOn: []string{"compute-metrics", "llm-analyze"},
				},
			},
		},
	}
}
