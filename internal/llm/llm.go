// Package llm abstracts chat-completion providers behind a small port and
// provides the ordered model-fallback cascade.
package llm

import (
	"context"
	"errors"
)

// Request is a single completion request. JSONOnly asks the provider for a
// JSON-object response format when it supports one.
type Request struct {
	System   string
	User     string
	JSONOnly bool
}

// Client generates one completion. Implementations must return an error
// rather than blocking past ctx.
type Client interface {
	Generate(ctx context.Context, req Request) (string, error)
	Model() string
}

// ErrModelUnavailable is returned when no configured model can answer:
// every cascade candidate failed, or no credential is configured.
var ErrModelUnavailable = errors.New("no language model available")
