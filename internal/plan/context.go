package plan

import (
	"fmt"
	"strings"
	"sync"
)

// ExecutionContext carries the data flow of one task run: the task input
// and the results of completed steps, addressable by step name. All
// step-to-step data passes through here; there is no other shared state.
type ExecutionContext struct {
	TaskID string
	UserID string

	input   string
	payload map[string]string

	mu      sync.RWMutex
	results map[string]string
}

func NewExecutionContext(taskID, userID, input string, payload map[string]string) *ExecutionContext {
	return &ExecutionContext{
		TaskID:  taskID,
		UserID:  userID,
		input:   input,
		payload: payload,
		results: make(map[string]string),
	}
}

func (c *ExecutionContext) Record(stepName, result string) {
	if stepName == "" {
		return
	}
	c.mu.Lock()
	c.results[stepName] = result
	c.mu.Unlock()
}

func (c *ExecutionContext) Result(stepName string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.results[stepName]
	return r, ok
}

// Resolve maps a data-flow reference to its value:
//
//	"input"        the task's free-form input text
//	"input.<key>"  a structured input payload field
//	"step.<name>"  the recorded result of a completed step
//
// Anything else is treated as a literal value.
func (c *ExecutionContext) Resolve(ref string) (string, error) {
	switch {
	case ref == "input":
		return c.input, nil
	case strings.HasPrefix(ref, "input."):
		key := strings.TrimPrefix(ref, "input.")
		v, ok := c.payload[key]
		if !ok {
			return "", fmt.Errorf("%w: input payload has no key %q", ErrInvalidStepInput, key)
		}
		return v, nil
	case strings.HasPrefix(ref, "step."):
		name := strings.TrimPrefix(ref, "step.")
		v, ok := c.Result(name)
		if !ok {
			return "", fmt.Errorf("%w: no recorded result for step %q", ErrInvalidStepInput, name)
		}
		return v, nil
	default:
		return ref, nil
	}
}
