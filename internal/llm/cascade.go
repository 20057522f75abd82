package llm

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"
)

const (
	defaultAttemptTimeout = 20 * time.Second
	defaultTotalTimeout   = 60 * time.Second
)

// Cascade tries an ordered list of clients until one answers. Every failed
// attempt is logged and the next candidate tried; when the list is exhausted
// the caller gets ErrModelUnavailable wrapping the last failure.
type Cascade struct {
	Clients        []Client
	AttemptTimeout time.Duration
	TotalTimeout   time.Duration
	Logger         *log.Logger
}

func NewCascade(clients []Client, attemptTimeout, totalTimeout time.Duration) *Cascade {
	if attemptTimeout <= 0 {
		attemptTimeout = defaultAttemptTimeout
	}
	if totalTimeout <= 0 {
		totalTimeout = defaultTotalTimeout
	}
	return &Cascade{Clients: clients, AttemptTimeout: attemptTimeout, TotalTimeout: totalTimeout}
}

func (c *Cascade) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.Default()
}

// Model reports the first candidate, for labeling.
func (c *Cascade) Model() string {
	if len(c.Clients) == 0 {
		return ""
	}
	return c.Clients[0].Model()
}

func (c *Cascade) Generate(ctx context.Context, req Request) (string, error) {
	if len(c.Clients) == 0 {
		return "", fmt.Errorf("no models configured: %w", ErrModelUnavailable)
	}
	ctx, cancel := context.WithTimeout(ctx, c.TotalTimeout)
	defer cancel()

	var lastErr error
	for _, client := range c.Clients {
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}
		attemptCtx, cancelAttempt := context.WithTimeout(ctx, c.AttemptTimeout)
		out, err := client.Generate(attemptCtx, req)
		cancelAttempt()
		if err == nil {
			return out, nil
		}
		lastErr = err
		c.logger().Printf("llm: model %s failed, trying next: %v", client.Model(), err)
	}
	if errors.Is(lastErr, ErrModelUnavailable) {
		return "", lastErr
	}
	return "", fmt.Errorf("all models failed: %w (last: %v)", ErrModelUnavailable, lastErr)
}

// FromCascadeModels builds one OpenAI client per configured model name.
func FromCascadeModels(apiKey string, models []string, maxTokens int, attemptTimeout, totalTimeout time.Duration) *Cascade {
	clients := make([]Client, 0, len(models))
	for _, m := range models {
		clients = append(clients, NewOpenAI(apiKey, m, maxTokens))
	}
	return NewCascade(clients, attemptTimeout, totalTimeout)
}
