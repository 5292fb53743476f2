// Package tools defines the tool-runtime collaborator boundary: a registry
// of named tools, each carrying an execution policy and a bounded
// invocation timeout. Real tool implementations (browser automation,
// scraping, posting) live outside the kernel.
package tools

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/antoniostano/taskforge/internal/policy"
)

var (
	ErrToolNotFound    = errors.New("tool not found")
	ErrToolError       = errors.New("tool error")
	ErrToolTimeout     = errors.New("tool timeout")
	ErrPolicyViolation = errors.New("tool policy violation")
)

type Tool interface {
	Name() string
	Invoke(ctx context.Context, args map[string]string) (string, error)
}

// Runtime is the contract the step executor consumes. PolicyFor answers
// whether the named tool may run for the task type at all; the returned
// policy carries the approval and impact requirements for a permitted call.
type Runtime interface {
	Invoke(ctx context.Context, name string, args map[string]string) (string, error)
	PolicyFor(name, taskType string) (policy.ToolPolicy, error)
}

type registration struct {
	tool    Tool
	policy  policy.ToolPolicy
	timeout time.Duration
}

// Registry is the injected tool registry. Construction fixes the tool set;
// there is no global registration.
type Registry struct {
	defaultTimeout time.Duration
	tools          map[string]registration
}

func NewRegistry(defaultTimeout time.Duration) *Registry {
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	return &Registry{
		defaultTimeout: defaultTimeout,
		tools:          make(map[string]registration),
	}
}

// Register adds a tool with its policy. A zero timeout uses the registry
// default.
func (r *Registry) Register(t Tool, p policy.ToolPolicy, timeout time.Duration) {
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	r.tools[t.Name()] = registration{tool: t, policy: p, timeout: timeout}
}

func (r *Registry) PolicyFor(name, taskType string) (policy.ToolPolicy, error) {
	reg, ok := r.tools[name]
	if !ok {
		return policy.ToolPolicy{}, fmt.Errorf("%w: %q", ErrToolNotFound, name)
	}
	if !reg.policy.Allows(taskType) {
		return policy.ToolPolicy{}, fmt.Errorf("%w: tool %q is not allowed for task type %q", ErrPolicyViolation, name, taskType)
	}
	return reg.policy, nil
}

// Invoke runs the named tool under its bounded timeout. Deadline overruns
// come back as ErrToolTimeout; other tool failures wrap ErrToolError.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]string) (string, error) {
	reg, ok := r.tools[name]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrToolNotFound, name)
	}

	ctx, cancel := context.WithTimeout(ctx, reg.timeout)
	defer cancel()

	out, err := reg.tool.Invoke(ctx, args)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: %s after %s", ErrToolTimeout, name, reg.timeout)
		}
		if errors.Is(err, ErrToolError) || errors.Is(err, ErrToolTimeout) {
			return "", err
		}
		return "", fmt.Errorf("%w: %s: %v", ErrToolError, name, err)
	}
	return out, nil
}
