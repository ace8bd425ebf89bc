// Package router implements the central orchestration state machine. A
// query is classified, mapped onto a dispatch topology (single target,
// sequential chain, or parallel fan-out), executed against the agent
// registry, and synthesized into one combined result. Branch failures
// degrade the result instead of aborting siblings; the outcome records
// which contributions are missing and why.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agentlink/servicedesk/pkg/a2a"
	"github.com/agentlink/servicedesk/pkg/agents"
	"github.com/agentlink/servicedesk/pkg/intent"
	"github.com/agentlink/servicedesk/pkg/llm"
	"github.com/agentlink/servicedesk/pkg/trace"
)

// RouterID is the router's wire identity on traced messages.
const RouterID = "router"

// ErrNoUsableBranch indicates every branch of a dispatch failed, leaving
// nothing to synthesize.
var ErrNoUsableBranch = errors.New("router: all branches failed")

// State is one position in the dispatch state machine.
type State string

const (
	StateReceived          State = "received"
	StateClassified        State = "classified"
	StateDispatching       State = "dispatching"
	StateAwaitingResponses State = "awaiting_responses"
	StateSynthesizing      State = "synthesizing"
	StateCompleted         State = "completed"
	StateFailed            State = "failed"
)

// Branch is one dispatch target and its response.
type Branch struct {
	Label    string        `json:"label"`
	Agent    string        `json:"agent"`
	Method   string        `json:"method"`
	Request  *a2a.Message  `json:"request"`
	Response *a2a.Message  `json:"response"`
	Elapsed  time.Duration `json:"elapsed"`
}

// OK reports whether the branch produced a usable result.
func (b *Branch) OK() bool {
	return b.Response != nil && b.Response.Error == nil
}

// result returns the branch result as a map when possible.
func (b *Branch) result() map[string]any {
	if !b.OK() {
		return nil
	}
	if m, ok := b.Response.Result.(map[string]any); ok {
		return m
	}
	return nil
}

// Degradation explains one missing branch contribution.
type Degradation struct {
	Label  string `json:"label"`
	Agent  string `json:"agent"`
	Reason string `json:"reason"`
}

// Outcome is the final state of one query run. Exactly one of Result and
// Err is populated: Success mirrors which.
type Outcome struct {
	Query    string           `json:"query"`
	State    State            `json:"state"`
	Success  bool             `json:"success"`
	Intent   *intent.Result   `json:"intent,omitempty"`
	Fallback bool             `json:"fallback,omitempty"`
	Partial  bool             `json:"partial"`
	Branches []Branch         `json:"branches"`
	Missing  []Degradation    `json:"missing,omitempty"`
	Result   map[string]any   `json:"result,omitempty"`
	Err      *a2a.ErrorObject `json:"error,omitempty"`
	Elapsed  time.Duration    `json:"elapsed"`
}

// classifier is the slice of the intent package the router consumes.
type classifier interface {
	Classify(ctx context.Context, query string, customerID *int64) (*intent.Result, error)
}

// Config bounds a query run.
type Config struct {
	// QueryTimeout bounds the whole run, classification included.
	QueryTimeout time.Duration
	// BranchTimeout bounds one dispatched branch.
	BranchTimeout time.Duration
}

// DefaultConfig returns the standard limits.
func DefaultConfig() *Config {
	return &Config{
		QueryTimeout:  60 * time.Second,
		BranchTimeout: 20 * time.Second,
	}
}

// Router coordinates classification, dispatch, and synthesis.
type Router struct {
	cfg        *Config
	classifier classifier
	registry   *agents.Registry
	tracer     *trace.Recorder
	gen        llm.Generator
	logger     *slog.Logger
}

// New wires the router to its collaborators. The generator is used only
// for entity extraction on multi-intent queries.
func New(cfg *Config, cls classifier, reg *agents.Registry, tracer *trace.Recorder, gen llm.Generator, logger *slog.Logger) *Router {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		cfg:        cfg,
		classifier: cls,
		registry:   reg,
		tracer:     tracer,
		gen:        gen,
		logger:     logger.With("component", "router"),
	}
}

// HandleQuery runs one query through the state machine. The returned error
// is non-nil only for context cancellation; classification and branch
// failures are reported through the Outcome.
func (r *Router) HandleQuery(ctx context.Context, query string, customerID *int64) (*Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.QueryTimeout)
	defer cancel()

	started := time.Now()
	out := &Outcome{Query: query, State: StateReceived}
	r.logger.Info("query received", "query", query)

	res, err := r.classifier.Classify(ctx, query, customerID)
	switch {
	case err == nil:
		out.Intent = res
		out.State = StateClassified
		r.logger.Info("query classified", "type", res.Type, "intents", res.Intents)
	case errors.Is(err, intent.ErrClassification):
		// Deterministic fallback: route the raw query to the support
		// agent as a single dispatch rather than guessing a topology.
		out.Fallback = true
		out.State = StateClassified
		r.logger.Warn("classification failed, using support fallback", "error", err)
	default:
		out.State = StateFailed
		out.Err = a2a.NewErrorObject(a2a.CodeInternalError, err.Error())
		out.Elapsed = time.Since(started)
		return out, err
	}

	out.State = StateDispatching
	if err := r.dispatchByType(ctx, out, customerID); err != nil {
		out.State = StateFailed
		out.Err = failureDetail(out, err)
		out.Elapsed = time.Since(started)
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		return out, nil
	}

	out.State = StateSynthesizing
	r.synthesize(out)
	out.Elapsed = time.Since(started)
	r.logger.Info("query finished",
		"state", out.State, "partial", out.Partial, "branches", len(out.Branches))
	return out, nil
}

// dispatchByType executes the topology for the classified type and fills
// out.Branches. It returns an error only when nothing usable was produced.
func (r *Router) dispatchByType(ctx context.Context, out *Outcome, customerID *int64) error {
	if out.Fallback {
		return r.runFallback(ctx, out)
	}

	id := resolveCustomerID(customerID, out.Intent)
	switch out.Intent.Type {
	case intent.QuerySimpleDataRetrieval:
		return r.runSimple(ctx, out, id)
	case intent.QueryCoordinatedLookup:
		return r.runCoordinated(ctx, out, id)
	case intent.QueryAggregatedQuery:
		return r.runAggregated(ctx, out)
	case intent.QueryEscalation:
		return r.runEscalation(ctx, out)
	case intent.QueryMultiIntent:
		return r.runMultiIntent(ctx, out, id)
	default:
		return fmt.Errorf("unhandled query type %q", out.Intent.Type)
	}
}

// resolveCustomerID prefers the id supplied with the query over the one
// the classifier extracted from the text.
func resolveCustomerID(explicit *int64, res *intent.Result) *int64 {
	if explicit != nil {
		return explicit
	}
	if res != nil && res.CustomerID != nil {
		return res.CustomerID
	}
	return nil
}

// dispatch sends one request to one agent and waits for the response
// within the branch timeout. Both messages are traced. The returned branch
// always carries a response; timeouts and missing agents become error
// responses so synthesis has a uniform view.
func (r *Router) dispatch(ctx context.Context, label, agentID, method string, params map[string]any) Branch {
	req := a2a.NewRequest(method, params, RouterID, agentID)
	r.tracer.Record(req)
	started := time.Now()

	b := Branch{Label: label, Agent: agentID, Method: method, Request: req}

	proxy, err := r.registry.Get(agentID)
	if err != nil {
		b.Response = req.ReplyError(a2a.CodeAgentNotFound, err.Error())
		b.Elapsed = time.Since(started)
		r.tracer.Record(b.Response)
		return b
	}

	bctx, cancel := context.WithTimeout(ctx, r.cfg.BranchTimeout)
	defer cancel()
	ch := make(chan *a2a.Message, 1)
	go func() { ch <- proxy.Handle(bctx, req) }()

	select {
	case resp := <-ch:
		b.Response = resp
	case <-bctx.Done():
		b.Response = req.ReplyError(a2a.CodeBranchTimeout,
			fmt.Sprintf("agent %s did not answer %s within %s", agentID, method, r.cfg.BranchTimeout))
	}
	b.Elapsed = time.Since(started)
	r.tracer.Record(b.Response)

	if !b.OK() {
		r.logger.Warn("branch degraded",
			"label", label, "agent", agentID, "method", method, "error", b.Response.Error)
	}
	return b
}

func (r *Router) runFallback(ctx context.Context, out *Outcome) error {
	support, err := r.registry.FindByCapability("customer_support")
	if err != nil {
		return err
	}
	out.State = StateAwaitingResponses
	b := r.dispatch(ctx, "support_response", support.Card().AgentID, "handle_support_query",
		map[string]any{"query": out.Query})
	out.Branches = append(out.Branches, b)
	if !b.OK() {
		return ErrNoUsableBranch
	}
	return nil
}

// runSimple is the single-target topology: one data lookup.
func (r *Router) runSimple(ctx context.Context, out *Outcome, customerID *int64) error {
	method, params, err := simplePlan(out.Intent, customerID)
	if err != nil {
		return err
	}
	out.State = StateAwaitingResponses
	b := r.dispatch(ctx, "data", agents.DataAgentID, method, params)
	out.Branches = append(out.Branches, b)
	if !b.OK() {
		return ErrNoUsableBranch
	}
	return nil
}

// simplePlan picks the data method for a simple retrieval from the
// extracted intents. Id-less list lookups stay valid without a customer id;
// everything else requires one.
func simplePlan(res *intent.Result, customerID *int64) (string, map[string]any, error) {
	for _, it := range res.Intents {
		switch {
		case strings.Contains(it, "list"):
			return "list_customers", map[string]any{"status": "all"}, nil
		case strings.Contains(it, "history"):
			if customerID == nil {
				return "", nil, fmt.Errorf("customer id required for %s", it)
			}
			return "get_customer_history", map[string]any{"customer_id": *customerID}, nil
		case strings.Contains(it, "ticket"):
			return "get_tickets", map[string]any{"status": "all"}, nil
		}
	}
	if customerID == nil {
		return "", nil, fmt.Errorf("customer id required but not provided")
	}
	return "get_customer", map[string]any{"customer_id": *customerID}, nil
}

// runCoordinated is the sequential topology: the customer lookup feeds
// context into the support response. A failed lookup degrades the chain
// instead of aborting it.
func (r *Router) runCoordinated(ctx context.Context, out *Outcome, customerID *int64) error {
	out.State = StateAwaitingResponses
	var customerContext any
	if customerID != nil {
		b := r.dispatch(ctx, "customer_context", agents.DataAgentID, "get_customer",
			map[string]any{"customer_id": *customerID})
		out.Branches = append(out.Branches, b)
		if body := b.result(); body != nil {
			customerContext = body["customer"]
		}
	}

	params := map[string]any{"query": out.Query}
	if customerContext != nil {
		params["customer_context"] = customerContext
	}
	b := r.dispatch(ctx, "support_response", agents.SupportAgentID, "handle_support_query", params)
	out.Branches = append(out.Branches, b)

	if !anyOK(out.Branches) {
		return ErrNoUsableBranch
	}
	return nil
}

// runAggregated is the sequential topology chaining two list lookups: the
// customer listing's ids scope the ticket lookup.
func (r *Router) runAggregated(ctx context.Context, out *Outcome) error {
	out.State = StateAwaitingResponses
	first := r.dispatch(ctx, "active_customers", agents.DataAgentID, "list_customers",
		map[string]any{"status": "active", "limit": 50})
	out.Branches = append(out.Branches, first)
	if !first.OK() {
		return ErrNoUsableBranch
	}

	params := map[string]any{"status": "open"}
	if ids := customerIDs(first.result()); len(ids) > 0 {
		params["customer_ids"] = ids
	}
	second := r.dispatch(ctx, "open_tickets", agents.SupportAgentID, "get_tickets", params)
	out.Branches = append(out.Branches, second)
	return nil
}

func customerIDs(body map[string]any) []any {
	if body == nil {
		return nil
	}
	customers, ok := body["customers"].([]any)
	if !ok {
		return nil
	}
	ids := make([]any, 0, len(customers))
	for _, c := range customers {
		if m, ok := c.(map[string]any); ok {
			if id, ok := m["id"]; ok {
				ids = append(ids, id)
			}
		}
	}
	return ids
}

// runEscalation is the parallel topology: the urgency analysis and the
// support response are independent, so they fan out concurrently and join
// in dispatch order.
func (r *Router) runEscalation(ctx context.Context, out *Outcome) error {
	plan := []branchPlan{
		{label: "urgency_analysis", agent: agents.SupportAgentID, method: "analyze_urgency",
			params: map[string]any{"query": out.Query}},
		{label: "support_response", agent: agents.SupportAgentID, method: "handle_support_query",
			params: map[string]any{
				"query":            out.Query,
				"customer_context": map[string]any{"escalation": true},
			}},
	}
	out.State = StateAwaitingResponses
	out.Branches = append(out.Branches, r.fanOut(ctx, plan)...)
	if !anyOK(out.Branches) {
		return ErrNoUsableBranch
	}
	return nil
}

// runMultiIntent fans out one branch per recognized intent. Unrecognized
// intents fall through to a support response so no part of the query is
// silently dropped.
func (r *Router) runMultiIntent(ctx context.Context, out *Outcome, customerID *int64) error {
	var plan []branchPlan
	needSupport := false
	for _, it := range out.Intent.Intents {
		switch {
		case strings.Contains(it, "email"):
			if customerID == nil {
				needSupport = true
				continue
			}
			email, err := r.extractEmail(ctx, out.Query)
			if err != nil {
				r.logger.Warn("email extraction failed", "error", err)
				needSupport = true
				continue
			}
			plan = append(plan, branchPlan{label: "email_update", agent: agents.DataAgentID,
				method: "update_customer",
				params: map[string]any{"customer_id": *customerID, "email": email}})
		case strings.Contains(it, "history"), strings.Contains(it, "ticket"):
			if customerID == nil {
				needSupport = true
				continue
			}
			plan = append(plan, branchPlan{label: "ticket_history", agent: agents.DataAgentID,
				method: "get_customer_history",
				params: map[string]any{"customer_id": *customerID}})
		default:
			needSupport = true
		}
	}
	if needSupport || len(plan) == 0 {
		plan = append(plan, branchPlan{label: "support_response", agent: agents.SupportAgentID,
			method: "handle_support_query",
			params: map[string]any{"query": out.Query}})
	}

	out.State = StateAwaitingResponses
	out.Branches = append(out.Branches, r.fanOut(ctx, plan)...)
	if !anyOK(out.Branches) {
		return ErrNoUsableBranch
	}
	return nil
}

// extractEmail pulls the email address out of the query text via the
// reasoning service.
func (r *Router) extractEmail(ctx context.Context, query string) (string, error) {
	prompt := fmt.Sprintf("Extract the email address from: %s. Respond with only the email address.", query)
	out, err := r.gen.Generate(ctx, prompt)
	if err != nil {
		return "", err
	}
	email := strings.TrimSpace(out)
	if email == "" || !strings.Contains(email, "@") {
		return "", fmt.Errorf("no email address in query")
	}
	return email, nil
}

type branchPlan struct {
	label  string
	agent  string
	method string
	params map[string]any
}

// fanOut dispatches all planned branches concurrently and joins them in
// dispatch order. Branch failures never abort siblings; each slot always
// holds a completed branch.
func (r *Router) fanOut(ctx context.Context, plan []branchPlan) []Branch {
	results := make([]Branch, len(plan))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range plan {
		i, p := i, p
		g.Go(func() error {
			results[i] = r.dispatch(gctx, p.label, p.agent, p.method, p.params)
			return nil
		})
	}
	g.Wait()
	return results
}

func anyOK(branches []Branch) bool {
	for i := range branches {
		if branches[i].OK() {
			return true
		}
	}
	return false
}

// synthesize combines branch results in dispatch order into the final
// payload and annotates missing contributions.
func (r *Router) synthesize(out *Outcome) {
	result := make(map[string]any)
	for i := range out.Branches {
		b := &out.Branches[i]
		if !b.OK() {
			out.Partial = true
			reason := "no response"
			if b.Response != nil && b.Response.Error != nil {
				reason = b.Response.Error.Message
			}
			out.Missing = append(out.Missing, Degradation{
				Label: b.Label, Agent: b.Agent, Reason: reason,
			})
			continue
		}
		result[b.Label] = b.Response.Result
	}

	if out.Intent != nil {
		switch out.Intent.Type {
		case intent.QueryEscalation:
			result["escalated"] = true
		case intent.QueryAggregatedQuery:
			r.summarizeAggregate(out, result)
		case intent.QueryMultiIntent:
			result["intents_processed"] = out.Intent.Intents
		}
	}
	out.Result = result
	out.State = StateCompleted
	out.Success = true
}

// failureDetail names the cause of a failed run: the first branch error
// when any branch was dispatched, otherwise the planning error itself.
func failureDetail(out *Outcome, err error) *a2a.ErrorObject {
	for i := range out.Branches {
		b := &out.Branches[i]
		if b.Response != nil && b.Response.Error != nil {
			return b.Response.Error
		}
	}
	return a2a.NewErrorObject(a2a.CodeInvalidRequest, err.Error())
}

// summarizeAggregate adds the headline counts for the customer/ticket join.
func (r *Router) summarizeAggregate(out *Outcome, result map[string]any) {
	customers := 0
	tickets := 0
	for i := range out.Branches {
		body := out.Branches[i].result()
		if body == nil {
			continue
		}
		switch out.Branches[i].Label {
		case "active_customers":
			if list, ok := body["customers"].([]any); ok {
				customers = len(list)
			}
		case "open_tickets":
			if list, ok := body["tickets"].([]any); ok {
				tickets = len(list)
			}
		}
	}
	result["summary"] = fmt.Sprintf("Found %d active customers with %d open tickets", customers, tickets)
}
