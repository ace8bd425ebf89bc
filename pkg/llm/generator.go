// Package llm provides the connection to the external reasoning service.
// The coordination layer treats the service as a black box: prompt text in,
// generated text out. Everything schema-related (strict JSON parsing,
// retries, fallbacks) lives with the callers.
package llm

import "context"

// Generator is the capability the coordination layer consumes. Both the
// intent classifier and the agent proxies depend on this interface, never
// on a concrete connection.
type Generator interface {
	// Generate sends a prompt to the reasoning service and returns the raw
	// generated text. Implementations must honor ctx cancellation.
	Generate(ctx context.Context, prompt string) (string, error)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, prompt string) (string, error)

// Generate implements Generator.
func (f GeneratorFunc) Generate(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}
