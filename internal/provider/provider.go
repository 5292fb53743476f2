// Package provider defines the LLM collaborator contract consumed by the
// step executor. Real provider adapters live outside the kernel; the
// kernel only depends on this interface.
package provider

import (
	"context"
	"errors"
)

var (
	ErrProvider        = errors.New("provider error")
	ErrProviderTimeout = errors.New("provider timeout")
)

type Request struct {
	PromptTemplate string
	Inputs         map[string]string
	ModelHint      string
	UserID         string
	TaskID         string
}

type Response struct {
	Text      string
	Model     string
	TokensIn  int
	TokensOut int
	CostUSD   float64
}

type Provider interface {
	Complete(ctx context.Context, req Request) (Response, error)
}
