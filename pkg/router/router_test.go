package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/agentlink/servicedesk/pkg/a2a"
	"github.com/agentlink/servicedesk/pkg/agents"
	"github.com/agentlink/servicedesk/pkg/intent"
	"github.com/agentlink/servicedesk/pkg/llm"
	"github.com/agentlink/servicedesk/pkg/tooling"
	"github.com/agentlink/servicedesk/pkg/trace"
)

type classifierFunc func(ctx context.Context, query string, customerID *int64) (*intent.Result, error)

func (f classifierFunc) Classify(ctx context.Context, query string, customerID *int64) (*intent.Result, error) {
	return f(ctx, query, customerID)
}

func fixedIntent(res *intent.Result) classifierFunc {
	return func(context.Context, string, *int64) (*intent.Result, error) {
		return res, nil
	}
}

// stubTools answers tool invocations from a canned table.
type stubTools struct {
	results map[string]any
	errs    map[string]error
}

func newStubTools() *stubTools {
	return &stubTools{results: make(map[string]any), errs: make(map[string]error)}
}

func (s *stubTools) Invoke(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	if err, ok := s.errs[name]; ok {
		return nil, err
	}
	if res, ok := s.results[name]; ok {
		return json.Marshal(res)
	}
	return json.Marshal(map[string]any{"success": true})
}

// testEnv bundles a router over real agents with stubbed externals.
type testEnv struct {
	router   *Router
	tracer   *trace.Recorder
	tools    *stubTools
	registry *agents.Registry
}

func newTestEnv(t *testing.T, cls classifier, gen llm.Generator) *testEnv {
	t.Helper()
	tools := newStubTools()
	reg := agents.NewRegistry()
	if err := reg.Register(agents.NewDataAgent(tools, gen, nil)); err != nil {
		t.Fatalf("register data agent: %v", err)
	}
	if err := reg.Register(agents.NewSupportAgent(tools, gen, nil)); err != nil {
		t.Fatalf("register support agent: %v", err)
	}
	tracer := trace.NewRecorder()
	return &testEnv{
		router:   New(DefaultConfig(), cls, reg, tracer, gen, nil),
		tracer:   tracer,
		tools:    tools,
		registry: reg,
	}
}

func int64p(v int64) *int64 { return &v }

func TestSimpleRetrievalSingleDispatch(t *testing.T) {
	cls := fixedIntent(&intent.Result{
		Type:              intent.QuerySimpleDataRetrieval,
		Intents:           []string{"get_customer"},
		RequiresDataAgent: true,
		CustomerID:        int64p(5),
	})
	env := newTestEnv(t, cls, llm.NewMockGenerator())
	env.tools.results["get_customer"] = map[string]any{
		"success":  true,
		"customer": map[string]any{"id": 5, "name": "Carol Davis"},
	}

	out, err := env.router.HandleQuery(context.Background(), "Get customer information for ID 5", nil)
	if err != nil {
		t.Fatalf("HandleQuery() error = %v", err)
	}
	if out.State != StateCompleted {
		t.Errorf("State = %s, want %s", out.State, StateCompleted)
	}
	if out.Partial {
		t.Error("Partial = true, want false")
	}
	if !out.Success || out.Err != nil {
		t.Errorf("completed run: Success = %v, Err = %v", out.Success, out.Err)
	}
	if len(out.Branches) != 1 {
		t.Fatalf("branches = %d, want 1", len(out.Branches))
	}
	b := out.Branches[0]
	if b.Agent != agents.DataAgentID || b.Method != "get_customer" {
		t.Errorf("dispatched %s.%s, want %s.get_customer", b.Agent, b.Method, agents.DataAgentID)
	}
	if env.tracer.Len() != 2 {
		t.Errorf("traced messages = %d, want 2", env.tracer.Len())
	}
}

func TestSimpleRetrievalRequiresCustomerID(t *testing.T) {
	cls := fixedIntent(&intent.Result{
		Type:              intent.QuerySimpleDataRetrieval,
		Intents:           []string{"get_customer"},
		RequiresDataAgent: true,
	})
	env := newTestEnv(t, cls, llm.NewMockGenerator())

	out, err := env.router.HandleQuery(context.Background(), "Show me the customer", nil)
	if err != nil {
		t.Fatalf("HandleQuery() error = %v", err)
	}
	if out.State != StateFailed {
		t.Errorf("State = %s, want %s", out.State, StateFailed)
	}
	if out.Success {
		t.Error("Success = true on a failed run")
	}
	if out.Err == nil {
		t.Fatal("failed run must carry an error detail")
	}
	if out.Err.Code != a2a.CodeInvalidRequest {
		t.Errorf("Err.Code = %d, want %d", out.Err.Code, a2a.CodeInvalidRequest)
	}
	if !strings.Contains(out.Err.Message, "customer id") {
		t.Errorf("Err.Message = %q, want the missing-id reason", out.Err.Message)
	}
}

func TestCoordinatedSequentialDispatch(t *testing.T) {
	cls := fixedIntent(&intent.Result{
		Type:                 intent.QueryCoordinatedLookup,
		RequiresDataAgent:    true,
		RequiresSupportAgent: true,
		CustomerID:           int64p(1),
	})
	gen := llm.NewMockGenerator().
		Reply("professional customer support agent", `{"response": "Here is how to upgrade.", "priority": "medium", "requires_escalation": false}`)
	env := newTestEnv(t, cls, gen)
	env.tools.results["get_customer"] = map[string]any{
		"success":  true,
		"customer": map[string]any{"id": 1, "name": "Alice Johnson", "status": "active"},
	}

	out, err := env.router.HandleQuery(context.Background(),
		"I'm customer 1 and need help upgrading my account", nil)
	if err != nil {
		t.Fatalf("HandleQuery() error = %v", err)
	}
	if out.State != StateCompleted || out.Partial {
		t.Fatalf("state = %s partial = %v, want completed/false", out.State, out.Partial)
	}
	if len(out.Branches) != 2 {
		t.Fatalf("branches = %d, want 2", len(out.Branches))
	}
	if out.Branches[0].Label != "customer_context" || out.Branches[1].Label != "support_response" {
		t.Errorf("branch order = %s, %s", out.Branches[0].Label, out.Branches[1].Label)
	}
	// The lookup result must feed the support request.
	cc, ok := out.Branches[1].Request.Params["customer_context"].(map[string]any)
	if !ok || cc["name"] != "Alice Johnson" {
		t.Errorf("support request customer_context = %v", out.Branches[1].Request.Params["customer_context"])
	}
	if _, ok := out.Result["support_response"]; !ok {
		t.Error("synthesized result missing support_response")
	}
}

func TestCoordinatedDegradesWhenLookupFails(t *testing.T) {
	cls := fixedIntent(&intent.Result{
		Type:                 intent.QueryCoordinatedLookup,
		RequiresDataAgent:    true,
		RequiresSupportAgent: true,
		CustomerID:           int64p(1),
	})
	gen := llm.NewMockGenerator().
		Reply("professional customer support agent", `{"response": "Happy to help."}`)
	env := newTestEnv(t, cls, gen)
	env.tools.errs["get_customer"] = fmt.Errorf("%w: restart budget exhausted", tooling.ErrToolUnavailable)

	out, err := env.router.HandleQuery(context.Background(), "I need help with my account", nil)
	if err != nil {
		t.Fatalf("HandleQuery() error = %v", err)
	}
	if out.State != StateCompleted {
		t.Fatalf("State = %s, want %s", out.State, StateCompleted)
	}
	if !out.Partial {
		t.Error("Partial = false, want true")
	}
	if len(out.Missing) != 1 || out.Missing[0].Label != "customer_context" {
		t.Errorf("Missing = %v, want customer_context", out.Missing)
	}
	if _, ok := out.Result["support_response"]; !ok {
		t.Error("surviving branch missing from result")
	}
	if _, ok := out.Result["customer_context"]; ok {
		t.Error("failed branch leaked into result")
	}
}

func TestEscalationParallelJoinOrder(t *testing.T) {
	cls := fixedIntent(&intent.Result{
		Type:                 intent.QueryEscalation,
		RequiresSupportAgent: true,
		Urgency:              "high",
	})
	// The urgency reply arrives slower than the support reply; join order
	// must still follow dispatch order.
	gen := llm.GeneratorFunc(func(ctx context.Context, prompt string) (string, error) {
		if strings.Contains(prompt, "Analyze the urgency") {
			time.Sleep(30 * time.Millisecond)
			return `{"priority": "high", "is_urgent": true}`, nil
		}
		return `{"response": "We are on it.", "requires_escalation": true}`, nil
	})
	env := newTestEnv(t, cls, gen)

	out, err := env.router.HandleQuery(context.Background(),
		"I was charged twice and need a refund immediately!", nil)
	if err != nil {
		t.Fatalf("HandleQuery() error = %v", err)
	}
	if out.State != StateCompleted || out.Partial {
		t.Fatalf("state = %s partial = %v", out.State, out.Partial)
	}
	if len(out.Branches) != 2 {
		t.Fatalf("branches = %d, want 2", len(out.Branches))
	}
	if out.Branches[0].Label != "urgency_analysis" || out.Branches[1].Label != "support_response" {
		t.Errorf("join order = %s, %s, want dispatch order", out.Branches[0].Label, out.Branches[1].Label)
	}
	if out.Result["escalated"] != true {
		t.Error("result not flagged escalated")
	}
}

func TestEscalationPartialWhenOneBranchFails(t *testing.T) {
	cls := fixedIntent(&intent.Result{
		Type:                 intent.QueryEscalation,
		RequiresSupportAgent: true,
	})
	gen := llm.NewMockGenerator().
		FailOn("Analyze the urgency", errors.New("model overloaded")).
		Reply("professional customer support agent", `{"response": "We are on it."}`)
	env := newTestEnv(t, cls, gen)

	out, err := env.router.HandleQuery(context.Background(), "urgent!", nil)
	if err != nil {
		t.Fatalf("HandleQuery() error = %v", err)
	}
	if out.State != StateCompleted || !out.Partial {
		t.Fatalf("state = %s partial = %v, want completed/true", out.State, out.Partial)
	}
	if len(out.Missing) != 1 || out.Missing[0].Label != "urgency_analysis" {
		t.Errorf("Missing = %v", out.Missing)
	}
}

func TestAggregatedChainFeedsCustomerIDs(t *testing.T) {
	cls := fixedIntent(&intent.Result{
		Type:                 intent.QueryAggregatedQuery,
		RequiresDataAgent:    true,
		RequiresSupportAgent: true,
	})
	env := newTestEnv(t, cls, llm.NewMockGenerator())
	env.tools.results["list_customers"] = map[string]any{
		"success": true,
		"customers": []map[string]any{
			{"id": 1, "name": "Alice Johnson"},
			{"id": 3, "name": "Carol Davis"},
		},
	}
	env.tools.results["get_tickets"] = map[string]any{
		"success": true,
		"tickets": []map[string]any{{"id": 7, "status": "open"}},
		"count":   1,
	}

	out, err := env.router.HandleQuery(context.Background(),
		"Show me all active customers and any open support tickets", nil)
	if err != nil {
		t.Fatalf("HandleQuery() error = %v", err)
	}
	if out.State != StateCompleted || out.Partial {
		t.Fatalf("state = %s partial = %v", out.State, out.Partial)
	}
	ids, ok := out.Branches[1].Request.Params["customer_ids"].([]any)
	if !ok || len(ids) != 2 {
		t.Errorf("customer_ids = %v, want 2 ids from the listing", out.Branches[1].Request.Params["customer_ids"])
	}
	summary, _ := out.Result["summary"].(string)
	if !strings.Contains(summary, "2 active customers") || !strings.Contains(summary, "1 open tickets") {
		t.Errorf("summary = %q", summary)
	}
}

func TestMultiIntentParallelBranches(t *testing.T) {
	cls := fixedIntent(&intent.Result{
		Type:              intent.QueryMultiIntent,
		Intents:           []string{"update_email", "get_history"},
		RequiresDataAgent: true,
		CustomerID:        int64p(2),
	})
	gen := llm.NewMockGenerator().
		Reply("Extract the email address", "bob.new@example.com").
		Reply("Validate this email address", `{"valid": true, "message": "ok"}`)
	env := newTestEnv(t, cls, gen)

	out, err := env.router.HandleQuery(context.Background(),
		"Update my email to bob.new@example.com and show my ticket history", nil)
	if err != nil {
		t.Fatalf("HandleQuery() error = %v", err)
	}
	if out.State != StateCompleted || out.Partial {
		t.Fatalf("state = %s partial = %v", out.State, out.Partial)
	}
	if len(out.Branches) != 2 {
		t.Fatalf("branches = %d, want 2", len(out.Branches))
	}
	if out.Branches[0].Label != "email_update" || out.Branches[1].Label != "ticket_history" {
		t.Errorf("branch order = %s, %s", out.Branches[0].Label, out.Branches[1].Label)
	}
	if got := out.Branches[0].Request.Params["email"]; got != "bob.new@example.com" {
		t.Errorf("extracted email = %v", got)
	}
	processed, _ := out.Result["intents_processed"].([]string)
	if len(processed) != 2 {
		t.Errorf("intents_processed = %v", out.Result["intents_processed"])
	}
}

func TestClassificationFallbackRoutesToSupport(t *testing.T) {
	cls := classifierFunc(func(context.Context, string, *int64) (*intent.Result, error) {
		return nil, fmt.Errorf("%w: no valid JSON", intent.ErrClassification)
	})
	gen := llm.NewMockGenerator().
		Reply("professional customer support agent", `{"response": "Let me help with that."}`)
	env := newTestEnv(t, cls, gen)

	out, err := env.router.HandleQuery(context.Background(), "gibberish query", nil)
	if err != nil {
		t.Fatalf("HandleQuery() error = %v", err)
	}
	if !out.Fallback {
		t.Error("Fallback = false, want true")
	}
	if out.State != StateCompleted {
		t.Errorf("State = %s, want %s", out.State, StateCompleted)
	}
	if len(out.Branches) != 1 || out.Branches[0].Agent != agents.SupportAgentID {
		t.Fatalf("fallback dispatched to %v", out.Branches)
	}
	if out.Branches[0].Method != "handle_support_query" {
		t.Errorf("fallback method = %s", out.Branches[0].Method)
	}
	if got := out.Branches[0].Request.Params["query"]; got != "gibberish query" {
		t.Errorf("fallback did not carry the raw query: %v", got)
	}
}

func TestAllBranchesFailedIsFailedState(t *testing.T) {
	cls := fixedIntent(&intent.Result{
		Type:              intent.QuerySimpleDataRetrieval,
		Intents:           []string{"get_customer"},
		RequiresDataAgent: true,
		CustomerID:        int64p(9),
	})
	env := newTestEnv(t, cls, llm.NewMockGenerator())
	env.tools.errs["get_customer"] = fmt.Errorf("%w: restart budget exhausted", tooling.ErrToolUnavailable)

	out, err := env.router.HandleQuery(context.Background(), "Get customer 9", nil)
	if err != nil {
		t.Fatalf("HandleQuery() error = %v", err)
	}
	if out.State != StateFailed {
		t.Errorf("State = %s, want %s", out.State, StateFailed)
	}
	if out.Branches[0].Response.Error == nil ||
		out.Branches[0].Response.Error.Code != a2a.CodeToolUnavailable {
		t.Errorf("branch error = %v, want tool unavailable", out.Branches[0].Response.Error)
	}
	if out.Err == nil || out.Err.Code != a2a.CodeToolUnavailable {
		t.Errorf("Err = %v, want the failed branch's error detail", out.Err)
	}
}

// slowProxy answers after a delay, for timeout coverage.
type slowProxy struct {
	card  *a2a.AgentCard
	delay time.Duration
}

func (p *slowProxy) Card() *a2a.AgentCard { return p.card }

func (p *slowProxy) Handle(ctx context.Context, req *a2a.Message) *a2a.Message {
	select {
	case <-time.After(p.delay):
		return req.Reply(map[string]any{"success": true})
	case <-ctx.Done():
		return req.ReplyError(a2a.CodeBranchTimeout, "canceled")
	}
}

func TestBranchTimeout(t *testing.T) {
	cls := fixedIntent(&intent.Result{
		Type:              intent.QuerySimpleDataRetrieval,
		Intents:           []string{"get_customer"},
		RequiresDataAgent: true,
		CustomerID:        int64p(1),
	})
	reg := agents.NewRegistry()
	slow := &slowProxy{
		delay: time.Second,
		card: &a2a.AgentCard{
			AgentID:     agents.DataAgentID,
			Name:        "Slow Data Agent",
			Description: "answers too late",
			Version:     "1.0.0",
			Methods:     []a2a.MethodSpec{{Name: "get_customer"}},
		},
	}
	if err := reg.Register(slow); err != nil {
		t.Fatalf("register slow proxy: %v", err)
	}
	cfg := DefaultConfig()
	cfg.BranchTimeout = 20 * time.Millisecond
	r := New(cfg, cls, reg, trace.NewRecorder(), llm.NewMockGenerator(), nil)

	out, err := r.HandleQuery(context.Background(), "Get customer 1", nil)
	if err != nil {
		t.Fatalf("HandleQuery() error = %v", err)
	}
	if out.State != StateFailed {
		t.Fatalf("State = %s, want %s", out.State, StateFailed)
	}
	if out.Branches[0].Response.Error.Code != a2a.CodeBranchTimeout {
		t.Errorf("error code = %d, want %d", out.Branches[0].Response.Error.Code, a2a.CodeBranchTimeout)
	}
}

func TestExplicitCustomerIDWins(t *testing.T) {
	cls := fixedIntent(&intent.Result{
		Type:              intent.QuerySimpleDataRetrieval,
		Intents:           []string{"get_customer"},
		RequiresDataAgent: true,
		CustomerID:        int64p(5),
	})
	env := newTestEnv(t, cls, llm.NewMockGenerator())

	out, err := env.router.HandleQuery(context.Background(), "Get my info", int64p(2))
	if err != nil {
		t.Fatalf("HandleQuery() error = %v", err)
	}
	if got := out.Branches[0].Request.Params["customer_id"]; got != int64(2) {
		t.Errorf("customer_id = %v, want explicit 2", got)
	}
}
