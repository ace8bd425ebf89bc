package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/agentlink/servicedesk/pkg/a2a"
	"github.com/agentlink/servicedesk/pkg/llm"
)

// DataAgentID is the wire identity of the data agent.
const DataAgentID = "data_agent"

// DataAgent answers customer-record and ticket methods by invoking tools on
// the tool server. Writes that carry an email address are validated through
// the reasoning service before the tool is called.
type DataAgent struct {
	*baseAgent
	tools toolInvoker
	gen   llm.Generator
}

// NewDataAgent wires the data agent to its tool client and reasoning
// connection.
func NewDataAgent(tools toolInvoker, gen llm.Generator, logger *slog.Logger) *DataAgent {
	a := &DataAgent{
		baseAgent: newBaseAgent(dataAgentCard(), logger),
		tools:     tools,
		gen:       gen,
	}
	a.register("get_customer", a.getCustomer)
	a.register("list_customers", a.listCustomers)
	a.register("update_customer", a.updateCustomer)
	a.register("get_customer_history", a.getCustomerHistory)
	a.register("create_ticket", a.createTicket)
	a.register("get_tickets", a.getTickets)
	return a
}

var _ Proxy = (*DataAgent)(nil)

func dataAgentCard() *a2a.AgentCard {
	return &a2a.AgentCard{
		AgentID:     DataAgentID,
		Name:        "Data Agent",
		Description: "Customer records and ticket persistence backed by the tool server",
		Version:     "1.0.0",
		Capabilities: []string{
			"customer_data", "ticket_data",
		},
		Methods: []a2a.MethodSpec{
			{Name: "get_customer", Description: "Fetch one customer by id",
				Params: map[string]string{"customer_id": "integer"}, Returns: "customer record"},
			{Name: "list_customers", Description: "List customers, optionally filtered by status",
				Params: map[string]string{"status": "string", "limit": "integer"}, Returns: "customer list"},
			{Name: "update_customer", Description: "Update one customer field after validation",
				Params: map[string]string{"customer_id": "integer", "name": "string", "email": "string", "phone": "string", "status": "string"}, Returns: "updated record"},
			{Name: "get_customer_history", Description: "Fetch the ticket history for one customer",
				Params: map[string]string{"customer_id": "integer"}, Returns: "ticket history"},
			{Name: "create_ticket", Description: "Open a new support ticket",
				Params: map[string]string{"customer_id": "integer", "issue": "string", "priority": "string"}, Returns: "created ticket"},
			{Name: "get_tickets", Description: "List tickets filtered by status and priority",
				Params: map[string]string{"status": "string", "priority": "string"}, Returns: "ticket list"},
		},
	}
}

func (a *DataAgent) getCustomer(ctx context.Context, params map[string]any) (any, error) {
	id, err := intParam(params, "customer_id")
	if err != nil {
		return nil, err
	}
	raw, err := a.tools.Invoke(ctx, "get_customer", map[string]any{"customer_id": id})
	if err != nil {
		return nil, err
	}
	return decodeRaw(raw)
}

func (a *DataAgent) listCustomers(ctx context.Context, params map[string]any) (any, error) {
	args := map[string]any{
		"status": optionalString(params, "status", "all"),
	}
	if limit, err := intParam(params, "limit"); err == nil {
		args["limit"] = limit
	}
	raw, err := a.tools.Invoke(ctx, "list_customers", args)
	if err != nil {
		return nil, err
	}
	return decodeRaw(raw)
}

// updateCustomer validates the email field through the reasoning service
// before the write crosses the tool pipe. Other fields pass through; the
// tool server owns their constraints.
func (a *DataAgent) updateCustomer(ctx context.Context, params map[string]any) (any, error) {
	id, err := intParam(params, "customer_id")
	if err != nil {
		return nil, err
	}
	args := map[string]any{"customer_id": id}
	for _, field := range []string{"name", "email", "phone", "status"} {
		if v := optionalString(params, field, ""); v != "" {
			args[field] = v
		}
	}
	if len(args) == 1 {
		return nil, fmt.Errorf("%w: no fields to update", errBadParam)
	}

	if email, ok := args["email"].(string); ok {
		if err := a.validateEmail(ctx, email); err != nil {
			return nil, err
		}
	}

	raw, err := a.tools.Invoke(ctx, "update_customer", args)
	if err != nil {
		return nil, err
	}
	return decodeRaw(raw)
}

func (a *DataAgent) validateEmail(ctx context.Context, email string) error {
	prompt := fmt.Sprintf(`Validate this email address: %s

Respond with JSON:
{
    "valid": true/false,
    "message": "explanation"
}`, email)

	out, err := a.gen.Generate(ctx, prompt)
	if err != nil {
		return fmt.Errorf("email validation: %w", err)
	}
	var verdict struct {
		Valid   bool   `json:"valid"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal([]byte(stripFences(out)), &verdict); err != nil {
		return fmt.Errorf("email validation: decode verdict: %w", err)
	}
	if !verdict.Valid {
		return fmt.Errorf("%w: invalid email %q: %s", errBadParam, email, verdict.Message)
	}
	return nil
}

func (a *DataAgent) getCustomerHistory(ctx context.Context, params map[string]any) (any, error) {
	id, err := intParam(params, "customer_id")
	if err != nil {
		return nil, err
	}
	raw, err := a.tools.Invoke(ctx, "get_customer_history", map[string]any{"customer_id": id})
	if err != nil {
		return nil, err
	}
	return decodeRaw(raw)
}

func (a *DataAgent) createTicket(ctx context.Context, params map[string]any) (any, error) {
	id, err := intParam(params, "customer_id")
	if err != nil {
		return nil, err
	}
	issue, err := stringParam(params, "issue")
	if err != nil {
		return nil, err
	}
	raw, err := a.tools.Invoke(ctx, "create_ticket", map[string]any{
		"customer_id": id,
		"issue":       issue,
		"priority":    optionalString(params, "priority", "medium"),
	})
	if err != nil {
		return nil, err
	}
	return decodeRaw(raw)
}

func (a *DataAgent) getTickets(ctx context.Context, params map[string]any) (any, error) {
	args := map[string]any{
		"status":   optionalString(params, "status", "all"),
		"priority": optionalString(params, "priority", "all"),
	}
	if ids, ok := params["customer_ids"].([]any); ok && len(ids) > 0 {
		args["customer_ids"] = ids
	}
	raw, err := a.tools.Invoke(ctx, "get_tickets", args)
	if err != nil {
		return nil, err
	}
	return decodeRaw(raw)
}

// stripFences removes markdown code fences some providers wrap JSON in.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "```json", "")
	s = strings.ReplaceAll(s, "```", "")
	return strings.TrimSpace(s)
}
