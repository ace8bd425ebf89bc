package tooling

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/agentlink/servicedesk/internal/stdiorpc"
)

// fakeSession scripts the tool server side of the pipe. Send runs the
// handler and queues its response for Recv.
type fakeSession struct {
	handler func(*stdiorpc.Message) *stdiorpc.Message

	inbox chan *stdiorpc.Message
	once  sync.Once
	dead  chan struct{}

	mu      sync.Mutex
	methods []string
}

func newFakeSession(handler func(*stdiorpc.Message) *stdiorpc.Message) *fakeSession {
	return &fakeSession{
		handler: handler,
		inbox:   make(chan *stdiorpc.Message, 4),
		dead:    make(chan struct{}),
	}
}

func (s *fakeSession) Send(msg *stdiorpc.Message) error {
	select {
	case <-s.dead:
		return io.ErrClosedPipe
	default:
	}
	s.mu.Lock()
	s.methods = append(s.methods, msg.Method)
	s.mu.Unlock()
	if resp := s.handler(msg); resp != nil {
		s.inbox <- resp
	}
	return nil
}

func (s *fakeSession) Recv() (*stdiorpc.Message, error) {
	select {
	case msg := <-s.inbox:
		return msg, nil
	case <-s.dead:
		return nil, io.EOF
	}
}

func (s *fakeSession) Close() error {
	s.once.Do(func() { close(s.dead) })
	return nil
}

func (s *fakeSession) sentMethods() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.methods...)
}

var testTools = []ToolSpec{
	{
		Name:        "get_customer",
		Description: "Fetch one customer record",
		InputSchema: Schema{
			Type: "object",
			Properties: map[string]Property{
				"customer_id": {Type: "integer"},
			},
			Required: []string{"customer_id"},
		},
	},
	{
		Name:        "list_customers",
		Description: "List customer records",
		InputSchema: Schema{
			Type: "object",
			Properties: map[string]Property{
				"status": {Type: "string"},
			},
		},
	},
}

// happyHandler services the handshake and echoes tools/call arguments.
func happyHandler(msg *stdiorpc.Message) *stdiorpc.Message {
	switch msg.Method {
	case "initialize":
		resp, _ := stdiorpc.NewResponse(msg.ID, map[string]any{"serverInfo": map[string]any{"name": "fake"}})
		return resp
	case "tools/list":
		resp, _ := stdiorpc.NewResponse(msg.ID, map[string]any{"tools": testTools})
		return resp
	case "tools/call":
		var params struct {
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
		}
		json.Unmarshal(msg.Params, &params)
		resp, _ := stdiorpc.NewResponse(msg.ID, map[string]any{"called": params.Name})
		return resp
	case "shutdown":
		resp, _ := stdiorpc.NewResponse(msg.ID, map[string]any{})
		return resp
	default:
		return stdiorpc.NewErrorResponse(msg.ID, stdiorpc.CodeMethodNotFound, "no such method")
	}
}

func quickConfig() *Config {
	return &Config{
		InvokeTimeout:    time.Second,
		HandshakeTimeout: time.Second,
		MaxRestarts:      2,
		RestartBackoff:   time.Millisecond,
	}
}

func TestStartDiscoversTools(t *testing.T) {
	sess := newFakeSession(happyHandler)
	c := newClientWithLauncher(quickConfig(), nil, func(ctx context.Context) (transport, error) {
		return sess, nil
	})

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	tools := c.Tools()
	if len(tools) != 2 {
		t.Fatalf("Tools() len = %d, want 2", len(tools))
	}
	if tools[0].Name != "get_customer" || tools[1].Name != "list_customers" {
		t.Errorf("tool order = %q, %q", tools[0].Name, tools[1].Name)
	}
	got := sess.sentMethods()
	if len(got) != 2 || got[0] != "initialize" || got[1] != "tools/list" {
		t.Errorf("handshake methods = %v, want [initialize tools/list]", got)
	}
}

func TestInvokeReturnsResult(t *testing.T) {
	sess := newFakeSession(happyHandler)
	c := newClientWithLauncher(quickConfig(), nil, func(ctx context.Context) (transport, error) {
		return sess, nil
	})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	raw, err := c.Invoke(context.Background(), "get_customer", map[string]any{"customer_id": 5})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	var result struct {
		Called string `json:"called"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result.Called != "get_customer" {
		t.Errorf("Called = %q, want get_customer", result.Called)
	}
}

func TestInvokeUnknownTool(t *testing.T) {
	sess := newFakeSession(happyHandler)
	c := newClientWithLauncher(quickConfig(), nil, func(ctx context.Context) (transport, error) {
		return sess, nil
	})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	_, err := c.Invoke(context.Background(), "drop_database", nil)
	if !errors.Is(err, ErrToolArgument) {
		t.Fatalf("Invoke() error = %v, want ErrToolArgument", err)
	}
	if errors.Is(err, ErrToolUnavailable) {
		t.Fatalf("Invoke() error = %v, must not be ErrToolUnavailable", err)
	}
	if got := sess.sentMethods(); len(got) != 2 {
		t.Errorf("unknown tool must not reach the server, sent %v", got)
	}
}

func TestInvokeArgumentValidation(t *testing.T) {
	sess := newFakeSession(happyHandler)
	c := newClientWithLauncher(quickConfig(), nil, func(ctx context.Context) (transport, error) {
		return sess, nil
	})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	before := len(sess.sentMethods())

	tests := []struct {
		name string
		tool string
		args map[string]any
	}{
		{"missing required", "get_customer", map[string]any{}},
		{"unknown argument", "list_customers", map[string]any{"color": "red"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Invoke(context.Background(), tt.tool, tt.args)
			if !errors.Is(err, ErrToolArgument) {
				t.Fatalf("Invoke() error = %v, want ErrToolArgument", err)
			}
		})
	}
	if after := len(sess.sentMethods()); after != before {
		t.Errorf("invalid arguments crossed the pipe: %d sends", after-before)
	}
}

func TestInvokeServerErrorKeepsSession(t *testing.T) {
	calls := 0
	handler := func(msg *stdiorpc.Message) *stdiorpc.Message {
		if msg.Method == "tools/call" {
			calls++
			if calls == 1 {
				return stdiorpc.NewErrorResponse(msg.ID, stdiorpc.CodeInternalError, "db locked")
			}
		}
		return happyHandler(msg)
	}
	sess := newFakeSession(handler)
	launches := 0
	c := newClientWithLauncher(quickConfig(), nil, func(ctx context.Context) (transport, error) {
		launches++
		return sess, nil
	})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	_, err := c.Invoke(context.Background(), "list_customers", map[string]any{})
	if !errors.Is(err, ErrToolExecution) {
		t.Fatalf("first Invoke() error = %v, want ErrToolExecution", err)
	}
	if _, err := c.Invoke(context.Background(), "list_customers", map[string]any{}); err != nil {
		t.Fatalf("second Invoke() error = %v, want success on same session", err)
	}
	if launches != 1 {
		t.Errorf("launches = %d, want 1 (server errors must not restart)", launches)
	}
}

func TestInvokeInvalidParamsError(t *testing.T) {
	handler := func(msg *stdiorpc.Message) *stdiorpc.Message {
		if msg.Method == "tools/call" {
			return stdiorpc.NewErrorResponse(msg.ID, stdiorpc.CodeInvalidParams, "customer_id must be positive")
		}
		return happyHandler(msg)
	}
	c := newClientWithLauncher(quickConfig(), nil, func(ctx context.Context) (transport, error) {
		return newFakeSession(handler), nil
	})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	_, err := c.Invoke(context.Background(), "get_customer", map[string]any{"customer_id": -1})
	if !errors.Is(err, ErrToolArgument) {
		t.Fatalf("Invoke() error = %v, want ErrToolArgument", err)
	}
}

func TestInvokeRestartsAfterCrash(t *testing.T) {
	cfg := quickConfig()
	cfg.InvokeTimeout = 50 * time.Millisecond
	launches := 0
	c := newClientWithLauncher(cfg, nil, func(ctx context.Context) (transport, error) {
		launches++
		n := launches
		return newFakeSession(func(msg *stdiorpc.Message) *stdiorpc.Message {
			if msg.Method == "tools/call" && n == 1 {
				return nil // first session goes silent mid-call
			}
			return happyHandler(msg)
		}), nil
	})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	_, err := c.Invoke(context.Background(), "list_customers", map[string]any{})
	if !errors.Is(err, ErrToolExecution) {
		t.Fatalf("crashed Invoke() error = %v, want ErrToolExecution", err)
	}
	if _, err := c.Invoke(context.Background(), "list_customers", map[string]any{}); err != nil {
		t.Fatalf("Invoke() after restart error = %v", err)
	}
	if launches != 2 {
		t.Errorf("launches = %d, want 2", launches)
	}
}

func TestRestartBudgetExhaustion(t *testing.T) {
	launches := 0
	c := newClientWithLauncher(quickConfig(), nil, func(ctx context.Context) (transport, error) {
		launches++
		return nil, errors.New("spawn failed")
	})

	err := c.Start(context.Background())
	if !errors.Is(err, ErrToolUnavailable) {
		t.Fatalf("Start() error = %v, want ErrToolUnavailable", err)
	}
	wantLaunches := launches
	if wantLaunches != 3 { // initial attempt plus MaxRestarts retries
		t.Errorf("launches = %d, want 3", wantLaunches)
	}

	_, err = c.Invoke(context.Background(), "get_customer", map[string]any{"customer_id": 1})
	if !errors.Is(err, ErrToolUnavailable) {
		t.Fatalf("Invoke() error = %v, want ErrToolUnavailable", err)
	}
	if launches != wantLaunches {
		t.Errorf("exhausted client relaunched: %d launches", launches)
	}
}

func TestShutdown(t *testing.T) {
	sess := newFakeSession(happyHandler)
	c := newClientWithLauncher(quickConfig(), nil, func(ctx context.Context) (transport, error) {
		return sess, nil
	})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	methods := sess.sentMethods()
	if methods[len(methods)-1] != "shutdown" {
		t.Errorf("last method = %q, want shutdown", methods[len(methods)-1])
	}
	if _, err := c.Invoke(context.Background(), "get_customer", nil); !errors.Is(err, ErrClientClosed) {
		t.Errorf("Invoke() after Shutdown error = %v, want ErrClientClosed", err)
	}
	if err := c.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown() error = %v, want nil", err)
	}
}
