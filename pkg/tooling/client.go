// Package tooling manages the external tool server subprocess. A Client owns
// exactly one subprocess at a time, discovers its tools during the handshake,
// and serializes invocations over the stdio pipe. Crashed subprocesses are
// restarted with exponential backoff up to a bounded number of attempts;
// once the budget is spent the client reports tools as permanently
// unavailable instead of looping forever.
package tooling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/agentlink/servicedesk/internal/stdiorpc"
)

var (
	// ErrToolUnavailable indicates the tool server cannot be reached
	// within the restart budget.
	ErrToolUnavailable = errors.New("tooling: tool unavailable")
	// ErrToolArgument indicates the tool name is not in the discovered
	// catalog or the arguments do not satisfy its input schema.
	ErrToolArgument = errors.New("tooling: invalid tool argument")
	// ErrToolExecution indicates the tool server accepted the call but
	// failed while executing it.
	ErrToolExecution = errors.New("tooling: tool execution failed")
	// ErrClientClosed is returned after Shutdown.
	ErrClientClosed = errors.New("tooling: client closed")
)

// Property describes one field of a tool input schema.
type Property struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// Schema is the JSON-schema subset the tool server publishes per tool.
type Schema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties,omitempty"`
	Required   []string            `json:"required,omitempty"`
}

// ToolSpec is one tool as discovered from the server during the handshake.
type ToolSpec struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema Schema `json:"inputSchema"`
}

// transport is one live tool server session.
type transport interface {
	Send(msg *stdiorpc.Message) error
	Recv() (*stdiorpc.Message, error)
	Close() error
}

// launcher spawns a fresh session. Production uses the subprocess launcher
// from StartProcess; tests substitute an in-memory one.
type launcher func(ctx context.Context) (transport, error)

// Config controls subprocess lifecycle and invocation limits.
type Config struct {
	// Command is the tool server argv, e.g. []string{"toolserver", "--db", path}.
	Command []string
	// InvokeTimeout bounds a single tools/call round trip.
	InvokeTimeout time.Duration
	// HandshakeTimeout bounds initialize plus tools/list on startup.
	HandshakeTimeout time.Duration
	// MaxRestarts bounds how many times a dead subprocess is relaunched.
	MaxRestarts uint64
	// RestartBackoff is the initial delay between restart attempts.
	RestartBackoff time.Duration
}

// DefaultConfig returns the standard limits.
func DefaultConfig() *Config {
	return &Config{
		InvokeTimeout:    15 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		MaxRestarts:      3,
		RestartBackoff:   200 * time.Millisecond,
	}
}

// Client invokes tools on a managed subprocess. All methods are safe for
// concurrent use; invocations are serialized so at most one call is in
// flight on the pipe.
type Client struct {
	cfg    *Config
	logger *slog.Logger
	launch launcher

	mu        sync.Mutex
	sess      transport
	tools     map[string]ToolSpec
	toolOrder []string
	nextID    int64
	exhausted bool
	closed    bool
}

// NewClient creates a client that launches cfg.Command as its tool server.
// The subprocess is not started until Start is called.
func NewClient(cfg *Config, logger *slog.Logger) *Client {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{cfg: cfg, logger: logger}
	c.launch = func(ctx context.Context) (transport, error) {
		return startProcess(ctx, cfg.Command)
	}
	return c
}

// newClientWithLauncher is the test seam.
func newClientWithLauncher(cfg *Config, logger *slog.Logger, launch launcher) *Client {
	c := NewClient(cfg, logger)
	c.launch = launch
	return c
}

// Start launches the subprocess and performs the handshake. It must be
// called once before Invoke; a failed Start counts against the restart
// budget the same way a crash does.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	return c.connectLocked(ctx)
}

// connectLocked launches and handshakes with restart backoff. Callers hold mu.
func (c *Client) connectLocked(ctx context.Context) error {
	if c.exhausted {
		return fmt.Errorf("%w: restart budget exhausted", ErrToolUnavailable)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.RestartBackoff
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, c.cfg.MaxRestarts), ctx)

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		if err := c.handshakeLocked(ctx); err != nil {
			c.logger.Warn("tool server handshake failed",
				"attempt", attempt, "error", err)
			return err
		}
		return nil
	}, policy)
	if err != nil {
		c.exhausted = true
		return fmt.Errorf("%w: %v", ErrToolUnavailable, err)
	}
	return nil
}

// handshakeLocked launches one session and runs initialize + tools/list.
func (c *Client) handshakeLocked(ctx context.Context) error {
	hctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	sess, err := c.launch(hctx)
	if err != nil {
		return fmt.Errorf("launch tool server: %w", err)
	}

	if _, err := c.roundTrip(hctx, sess, "initialize", map[string]any{
		"clientInfo": map[string]any{"name": "servicedesk"},
	}); err != nil {
		sess.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	raw, err := c.roundTrip(hctx, sess, "tools/list", nil)
	if err != nil {
		sess.Close()
		return fmt.Errorf("tools/list: %w", err)
	}
	var listed struct {
		Tools []ToolSpec `json:"tools"`
	}
	if err := json.Unmarshal(raw, &listed); err != nil {
		sess.Close()
		return fmt.Errorf("decode tools/list result: %w", err)
	}
	if len(listed.Tools) == 0 {
		sess.Close()
		return fmt.Errorf("tool server advertised no tools")
	}

	tools := make(map[string]ToolSpec, len(listed.Tools))
	order := make([]string, 0, len(listed.Tools))
	for _, t := range listed.Tools {
		tools[t.Name] = t
		order = append(order, t.Name)
	}
	c.sess = sess
	c.tools = tools
	c.toolOrder = order
	c.logger.Info("tool server ready", "tools", len(order))
	return nil
}

// Tools returns the discovered tool specs in advertisement order. It is
// empty before a successful Start.
func (c *Client) Tools() []ToolSpec {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ToolSpec, 0, len(c.toolOrder))
	for _, name := range c.toolOrder {
		out = append(out, c.tools[name])
	}
	return out
}

// Invoke calls the named tool and returns its raw JSON result. Arguments
// are validated against the discovered schema before anything crosses the
// pipe. If the subprocess is dead it is restarted first, within the budget.
func (c *Client) Invoke(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClientClosed
	}

	if c.sess == nil {
		if err := c.connectLocked(ctx); err != nil {
			return nil, err
		}
	}

	spec, ok := c.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown tool %q", ErrToolArgument, name)
	}
	if err := validateArgs(spec.InputSchema, args); err != nil {
		return nil, err
	}

	ictx, cancel := context.WithTimeout(ctx, c.cfg.InvokeTimeout)
	defer cancel()

	raw, err := c.roundTrip(ictx, c.sess, "tools/call", map[string]any{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		var rpcErr *stdiorpc.Error
		if errors.As(err, &rpcErr) {
			// Server-side failure: the session is still healthy.
			if rpcErr.Code == stdiorpc.CodeInvalidParams {
				return nil, fmt.Errorf("%w: %s", ErrToolArgument, rpcErr.Message)
			}
			return nil, fmt.Errorf("%w: %s", ErrToolExecution, rpcErr.Message)
		}
		// Transport failure or timeout: drop the session so the next call
		// triggers a restart.
		c.teardownLocked()
		return nil, fmt.Errorf("%w: %v", ErrToolExecution, err)
	}
	return raw, nil
}

// roundTrip sends one request on sess and waits for the matching response.
// The pipe carries one call at a time, so any response with a mismatched id
// is a protocol violation.
func (c *Client) roundTrip(ctx context.Context, sess transport, method string, params any) (json.RawMessage, error) {
	c.nextID++
	id := c.nextID
	req, err := stdiorpc.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}
	if err := sess.Send(req); err != nil {
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	type recvResult struct {
		msg *stdiorpc.Message
		err error
	}
	ch := make(chan recvResult, 1)
	go func() {
		msg, err := sess.Recv()
		ch <- recvResult{msg, err}
	}()

	select {
	case <-ctx.Done():
		// Unblock the reader; the session is unusable after this.
		sess.Close()
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("recv %s: %w", method, r.err)
		}
		if r.msg.ID != id {
			return nil, fmt.Errorf("response id %d does not match request %d", r.msg.ID, id)
		}
		if r.msg.Error != nil {
			return nil, r.msg.Error
		}
		return r.msg.Result, nil
	}
}

// Shutdown sends a best-effort shutdown request and terminates the
// subprocess. The client cannot be restarted afterwards.
func (c *Client) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.sess == nil {
		return nil
	}

	sctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := c.roundTrip(sctx, c.sess, "shutdown", nil); err != nil {
		c.logger.Warn("tool server shutdown request failed", "error", err)
	}
	err := c.sess.Close()
	c.sess = nil
	c.tools = nil
	c.toolOrder = nil
	return err
}

func (c *Client) teardownLocked() {
	if c.sess != nil {
		c.sess.Close()
		c.sess = nil
	}
}

// validateArgs checks required fields and rejects arguments not declared in
// the schema. Value types are left to the server, which owns the schema.
func validateArgs(schema Schema, args map[string]any) error {
	for _, req := range schema.Required {
		if _, ok := args[req]; !ok {
			return fmt.Errorf("%w: missing required argument %q", ErrToolArgument, req)
		}
	}
	if schema.Properties != nil {
		for k := range args {
			if _, ok := schema.Properties[k]; !ok {
				return fmt.Errorf("%w: unknown argument %q", ErrToolArgument, k)
			}
		}
	}
	return nil
}
