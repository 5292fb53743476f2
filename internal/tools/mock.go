package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// EchoTool returns a stable rendering of its arguments. It backs the dev
// registry and most tests.
type EchoTool struct {
	ToolName string
}

func (e *EchoTool) Name() string { return e.ToolName }

func (e *EchoTool) Invoke(ctx context.Context, args map[string]string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+args[k])
	}
	return fmt.Sprintf("%s(%s)", e.ToolName, strings.Join(parts, ", ")), nil
}

// FlakyTool fails a fixed number of invocations before succeeding, for
// exercising step-level retry paths.
type FlakyTool struct {
	ToolName string
	FailWith error

	mu       sync.Mutex
	failures int
	calls    int
}

func NewFlakyTool(name string, failures int, failWith error) *FlakyTool {
	return &FlakyTool{ToolName: name, FailWith: failWith, failures: failures}
}

func (f *FlakyTool) Name() string { return f.ToolName }

func (f *FlakyTool) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *FlakyTool) Invoke(ctx context.Context, args map[string]string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return "", f.FailWith
	}
	return f.ToolName + ": ok", nil
}
