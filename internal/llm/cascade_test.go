package llm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"testing"
	"time"
)

type stubClient struct {
	model string
	out   string
	err   error
	calls int
}

func (s *stubClient) Model() string { return s.model }

func (s *stubClient) Generate(ctx context.Context, req Request) (string, error) {
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return s.out, nil
}

func TestCascadeFallsBackInOrder(t *testing.T) {
	first := &stubClient{model: "gpt-4o", err: fmt.Errorf("rate limited")}
	second := &stubClient{model: "gpt-4o-mini", out: "answer"}
	third := &stubClient{model: "gpt-3.5-turbo", out: "unused"}

	var buf bytes.Buffer
	c := NewCascade([]Client{first, second, third}, time.Second, 5*time.Second)
	c.Logger = log.New(&buf, "", 0)

	out, err := c.Generate(context.Background(), Request{User: "hi"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if out != "answer" {
		t.Fatalf("out = %q", out)
	}
	if first.calls != 1 || second.calls != 1 || third.calls != 0 {
		t.Fatalf("calls = %d/%d/%d", first.calls, second.calls, third.calls)
	}
	if !strings.Contains(buf.String(), "gpt-4o failed") {
		t.Fatalf("failure not logged: %q", buf.String())
	}
}

func TestCascadeExhaustedReturnsModelUnavailable(t *testing.T) {
	first := &stubClient{model: "gpt-4o", err: fmt.Errorf("boom")}
	second := &stubClient{model: "gpt-4o-mini", err: fmt.Errorf("boom again")}
	c := NewCascade([]Client{first, second}, time.Second, 5*time.Second)
	c.Logger = log.New(&bytes.Buffer{}, "", 0)

	_, err := c.Generate(context.Background(), Request{User: "hi"})
	if !errors.Is(err, ErrModelUnavailable) {
		t.Fatalf("err = %v, want ErrModelUnavailable", err)
	}
}

func TestCascadeEmptyList(t *testing.T) {
	c := NewCascade(nil, time.Second, time.Second)
	if _, err := c.Generate(context.Background(), Request{}); !errors.Is(err, ErrModelUnavailable) {
		t.Fatalf("err = %v, want ErrModelUnavailable", err)
	}
}

func TestCascadeMissingKeySurfacesAtFirstCall(t *testing.T) {
	c := FromCascadeModels("", []string{"gpt-4o", "gpt-4o-mini"}, 0, time.Second, 2*time.Second)
	c.Logger = log.New(&bytes.Buffer{}, "", 0)
	_, err := c.Generate(context.Background(), Request{User: "hi"})
	if !errors.Is(err, ErrModelUnavailable) {
		t.Fatalf("err = %v, want ErrModelUnavailable", err)
	}
}
