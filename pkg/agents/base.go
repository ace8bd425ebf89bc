// Package agents provides the in-process agent proxies the router
// dispatches to. Each proxy publishes an AgentCard, owns a fixed method
// table, and answers every a2a request with exactly one response message;
// failures surface as JSON-RPC error objects, never as Go errors crossing
// the dispatch boundary.
package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/agentlink/servicedesk/pkg/a2a"
	"github.com/agentlink/servicedesk/pkg/tooling"
)

// Proxy is a dispatchable agent. Handle must always return a response
// correlated to the request id, with either a result or an error set.
type Proxy interface {
	Card() *a2a.AgentCard
	Handle(ctx context.Context, req *a2a.Message) *a2a.Message
}

// toolInvoker is the slice of the tool client the agents consume.
type toolInvoker interface {
	Invoke(ctx context.Context, name string, args map[string]any) (json.RawMessage, error)
}

// handlerFunc implements one agent method over already-decoded params.
type handlerFunc func(ctx context.Context, params map[string]any) (any, error)

// baseAgent carries the card, the method table, and the shared
// request-to-response plumbing. Concrete agents embed it and register
// their handlers.
type baseAgent struct {
	card     *a2a.AgentCard
	handlers map[string]handlerFunc
	logger   *slog.Logger
}

func newBaseAgent(card *a2a.AgentCard, logger *slog.Logger) *baseAgent {
	if logger == nil {
		logger = slog.Default()
	}
	return &baseAgent{
		card:     card,
		handlers: make(map[string]handlerFunc),
		logger:   logger.With("agent", card.AgentID),
	}
}

func (a *baseAgent) register(method string, h handlerFunc) {
	a.handlers[method] = h
}

// Card returns the agent's capability card.
func (a *baseAgent) Card() *a2a.AgentCard {
	return a.card
}

// Handle validates the request, consults the agent card, and converts
// handler outcomes into a correlated response. The card is the source of
// truth for supported methods and is checked before any side effect.
func (a *baseAgent) Handle(ctx context.Context, req *a2a.Message) *a2a.Message {
	if err := req.Validate(); err != nil {
		return req.ReplyError(a2a.CodeInvalidRequest, err.Error())
	}
	if !req.IsRequest() {
		return req.ReplyError(a2a.CodeInvalidRequest, "message is not a request")
	}

	if !a.card.Supports(req.Method) {
		a.logger.Warn("unsupported method", "method", req.Method)
		err := fmt.Errorf("%w: %s on agent %s", a2a.ErrUnsupportedMethod, req.Method, a.card.AgentID)
		return req.ReplyError(a2a.CodeMethodNotFound, err.Error())
	}
	h, ok := a.handlers[req.Method]
	if !ok {
		// The card and handler table only drift through a registration bug.
		return req.ReplyError(a2a.CodeInternalError,
			fmt.Sprintf("method %s listed on card but not registered", req.Method))
	}

	result, err := h(ctx, req.Params)
	if err != nil {
		a.logger.Error("method failed", "method", req.Method, "error", err)
		return req.ReplyError(errorCode(err), err.Error())
	}
	a.logger.Debug("method handled", "method", req.Method)
	return req.Reply(result)
}

// errorCode maps handler errors onto the wire error codes.
func errorCode(err error) int {
	switch {
	case errors.Is(err, tooling.ErrToolUnavailable):
		return a2a.CodeToolUnavailable
	case errors.Is(err, tooling.ErrToolArgument), errors.Is(err, errBadParam):
		return a2a.CodeInvalidParams
	case errors.Is(err, tooling.ErrToolExecution):
		return a2a.CodeToolExecution
	case errors.Is(err, context.DeadlineExceeded):
		return a2a.CodeBranchTimeout
	default:
		return a2a.CodeInternalError
	}
}

var errBadParam = errors.New("invalid parameter")

// intParam extracts an integer parameter. JSON numbers decode as float64,
// so both forms are accepted.
func intParam(params map[string]any, key string) (int64, error) {
	v, ok := params[key]
	if !ok {
		return 0, fmt.Errorf("%w: missing %q", errBadParam, key)
	}
	switch n := v.(type) {
	case float64:
		return int64(n), nil
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("%w: %q must be a number", errBadParam, key)
	}
}

// stringParam extracts a required string parameter.
func stringParam(params map[string]any, key string) (string, error) {
	v, ok := params[key]
	if !ok {
		return "", fmt.Errorf("%w: missing %q", errBadParam, key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("%w: %q must be a non-empty string", errBadParam, key)
	}
	return s, nil
}

// optionalString extracts a string parameter, returning fallback when absent.
func optionalString(params map[string]any, key, fallback string) string {
	if v, ok := params[key]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return fallback
}

// decodeRaw unmarshals a tool result into a generic value for the response
// payload.
func decodeRaw(raw json.RawMessage) (any, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode tool result: %w", err)
	}
	return v, nil
}
