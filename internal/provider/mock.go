package provider

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Mock is a deterministic in-process provider for development and tests.
// Responses can be scripted per prompt template; anything unscripted gets
// a stable echo of the request.
type Mock struct {
	mu        sync.Mutex
	responses map[string]Response
	failures  map[string][]error
	calls     int
}

func NewMock() *Mock {
	return &Mock{
		responses: make(map[string]Response),
		failures:  make(map[string][]error),
	}
}

// Script fixes the response returned for a prompt template.
func (m *Mock) Script(promptTemplate string, resp Response) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[promptTemplate] = resp
}

// FailNext queues errors returned for a template before any scripted or
// echoed response, one per call.
func (m *Mock) FailNext(promptTemplate string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[promptTemplate] = append(m.failures[promptTemplate], errs...)
}

func (m *Mock) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *Mock) Complete(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrProviderTimeout, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++

	if queue := m.failures[req.PromptTemplate]; len(queue) > 0 {
		err := queue[0]
		m.failures[req.PromptTemplate] = queue[1:]
		return Response{}, err
	}
	if resp, ok := m.responses[req.PromptTemplate]; ok {
		return resp, nil
	}

	keys := make([]string, 0, len(req.Inputs))
	for k := range req.Inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+req.Inputs[k])
	}
	text := fmt.Sprintf("mock(%s: %s)", req.PromptTemplate, strings.Join(parts, ", "))
	return Response{
		Text:      text,
		Model:     "mock-1",
		TokensIn:  len(req.PromptTemplate) + len(text),
		TokensOut: len(text),
		CostUSD:   0.001,
	}, nil
}
