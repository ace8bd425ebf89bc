package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/agentlink/servicedesk/pkg/a2a"
	"github.com/agentlink/servicedesk/pkg/llm"
)

// SupportAgentID is the wire identity of the support agent.
const SupportAgentID = "support_agent"

// SupportAgent generates customer-facing responses and urgency analyses
// through the reasoning service. Its ticket lookups go through the same
// tool server the data agent uses.
type SupportAgent struct {
	*baseAgent
	tools toolInvoker
	gen   llm.Generator
}

// NewSupportAgent wires the support agent to its reasoning connection and
// tool client.
func NewSupportAgent(tools toolInvoker, gen llm.Generator, logger *slog.Logger) *SupportAgent {
	a := &SupportAgent{
		baseAgent: newBaseAgent(supportAgentCard(), logger),
		tools:     tools,
		gen:       gen,
	}
	a.register("handle_support_query", a.handleSupportQuery)
	a.register("analyze_urgency", a.analyzeUrgency)
	a.register("generate_response", a.generateResponse)
	a.register("get_tickets", a.getTickets)
	return a
}

var _ Proxy = (*SupportAgent)(nil)

func supportAgentCard() *a2a.AgentCard {
	return &a2a.AgentCard{
		AgentID:     SupportAgentID,
		Name:        "Support Agent",
		Description: "Customer support responses and urgency analysis via the reasoning service",
		Version:     "1.0.0",
		Capabilities: []string{
			"customer_support", "urgency_analysis",
		},
		Methods: []a2a.MethodSpec{
			{Name: "handle_support_query", Description: "Analyze a query and produce a full support response",
				Params: map[string]string{"query": "string", "customer_context": "object", "ticket_context": "array"}, Returns: "support analysis"},
			{Name: "analyze_urgency", Description: "Classify the urgency of a query",
				Params: map[string]string{"query": "string"}, Returns: "urgency analysis"},
			{Name: "generate_response", Description: "Generate a customer-facing reply",
				Params: map[string]string{"query": "string", "context": "object"}, Returns: "generated response"},
			{Name: "get_tickets", Description: "List tickets filtered by status and priority",
				Params: map[string]string{"status": "string", "priority": "string"}, Returns: "ticket list"},
		},
	}
}

// generateJSON runs one prompt and strictly decodes the JSON reply into out.
func (a *SupportAgent) generateJSON(ctx context.Context, prompt string, out any) error {
	text, err := a.gen.Generate(ctx, prompt)
	if err != nil {
		return fmt.Errorf("reasoning call: %w", err)
	}
	if err := json.Unmarshal([]byte(stripFences(text)), out); err != nil {
		return fmt.Errorf("decode reasoning output: %w", err)
	}
	return nil
}

func (a *SupportAgent) handleSupportQuery(ctx context.Context, params map[string]any) (any, error) {
	query, err := stringParam(params, "query")
	if err != nil {
		return nil, err
	}

	contextStr := "Customer Context:\n"
	if cc, ok := params["customer_context"]; ok && cc != nil {
		blob, _ := json.MarshalIndent(cc, "", "  ")
		contextStr += string(blob)
	} else {
		contextStr += "No customer context available"
	}
	if tc, ok := params["ticket_context"].([]any); ok && len(tc) > 0 {
		if len(tc) > 3 {
			tc = tc[:3]
		}
		blob, _ := json.MarshalIndent(tc, "", "  ")
		contextStr += fmt.Sprintf("\n\nPrevious Tickets (%d):\n%s", len(tc), blob)
	}

	prompt := fmt.Sprintf(`You are a professional customer support agent. Analyze this query and provide a helpful response.

%s

Customer Query: %s

Respond with JSON containing:
{
    "response": "Your professional customer-facing response",
    "query_type": "general_inquiry | technical_support | billing_question | cancellation_refund | feature_request | account_issue",
    "priority": "low | medium | high",
    "requires_escalation": true/false,
    "recommended_action": "What should be done next",
    "internal_notes": "Notes for support team"
}

Be professional, empathetic, and helpful. Provide actionable solutions.`, contextStr, query)

	var result map[string]any
	if err := a.generateJSON(ctx, prompt, &result); err != nil {
		return nil, err
	}
	return result, nil
}

func (a *SupportAgent) analyzeUrgency(ctx context.Context, params map[string]any) (any, error) {
	query, err := stringParam(params, "query")
	if err != nil {
		return nil, err
	}

	prompt := fmt.Sprintf(`Analyze the urgency of this customer support query.

Query: %s

Respond with JSON:
{
    "priority": "low | medium | high",
    "is_urgent": true/false,
    "urgency_factors": ["factor1", "factor2"],
    "recommended_response_time": "immediate | within 1 hour | within 24 hours | within 3 days",
    "explanation": "Why this priority level"
}

Consider factors like:
- Words indicating urgency (immediately, urgent, critical, emergency)
- Financial impact (charged twice, billing error, refund)
- Service disruption (cannot access, not working, down)
- Security concerns (hacked, unauthorized access)`, query)

	var result map[string]any
	if err := a.generateJSON(ctx, prompt, &result); err != nil {
		return nil, err
	}
	return result, nil
}

func (a *SupportAgent) generateResponse(ctx context.Context, params map[string]any) (any, error) {
	query, err := stringParam(params, "query")
	if err != nil {
		return nil, err
	}
	contextBlob := "{}"
	if cc, ok := params["context"]; ok && cc != nil {
		blob, _ := json.MarshalIndent(cc, "", "  ")
		contextBlob = string(blob)
	}

	prompt := fmt.Sprintf(`Generate a professional customer support response.

Query: %s

Context: %s

Provide a warm, professional, and helpful response. Address the customer's concerns directly and offer clear next steps if applicable.

Respond with JSON:
{
    "response": "Your customer-facing response"
}`, query, contextBlob)

	var result map[string]any
	if err := a.generateJSON(ctx, prompt, &result); err != nil {
		return nil, err
	}
	return result, nil
}

func (a *SupportAgent) getTickets(ctx context.Context, params map[string]any) (any, error) {
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
