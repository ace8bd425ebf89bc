package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// MockGenerator is a scripted Generator for tests and offline runs. Replies
// are matched by substring against the incoming prompt, in registration
// order; unmatched prompts fall through to the default reply or an error.
type MockGenerator struct {
	mu       sync.Mutex
	rules    []mockRule
	fallback string
	failWith error
	calls    []string
}

type mockRule struct {
	marker string
	reply  string
	err    error
}

// NewMockGenerator creates an empty mock. With no rules and no default it
// fails every call, which keeps accidental network-free test paths loud.
func NewMockGenerator() *MockGenerator {
	return &MockGenerator{}
}

// Reply registers a scripted reply for prompts containing marker.
func (m *MockGenerator) Reply(marker, reply string) *MockGenerator {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, mockRule{marker: marker, reply: reply})
	return m
}

// FailOn registers an error for prompts containing marker.
func (m *MockGenerator) FailOn(marker string, err error) *MockGenerator {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, mockRule{marker: marker, err: err})
	return m
}

// Default sets the reply used when no rule matches.
func (m *MockGenerator) Default(reply string) *MockGenerator {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback = reply
	return m
}

// FailAll makes every call return err, overriding all rules.
func (m *MockGenerator) FailAll(err error) *MockGenerator {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWith = err
	return m
}

// Calls returns the prompts seen so far.
func (m *MockGenerator) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns the number of Generate invocations.
func (m *MockGenerator) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// Generate implements Generator.
func (m *MockGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, prompt)

	if m.failWith != nil {
		return "", m.failWith
	}
	for _, r := range m.rules {
		if strings.Contains(prompt, r.marker) {
			if r.err != nil {
				return "", r.err
			}
			return r.reply, nil
		}
	}
	if m.fallback != "" {
		return m.fallback, nil
	}
	return "", fmt.Errorf("mock generator: no rule matches prompt %q", truncate(prompt, 80))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

var _ Generator = (*MockGenerator)(nil)
