// Package intent turns a free-text customer query into a structured routing
// decision using the external reasoning service. The service's output is
// schema-fragile, so the classifier enforces a strict JSON parse with one
// bounded retry; anything still unparsable is a classification failure the
// router must handle with its documented fallback, never a silent guess.
package intent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// ErrClassification indicates the reasoning service produced no schema-valid
// intent within the retry budget.
var ErrClassification = errors.New("intent: classification failed")

// QueryType enumerates the routing categories the classifier may produce.
type QueryType string

const (
	// QuerySimpleDataRetrieval is a direct data fetch handled by one agent.
	QuerySimpleDataRetrieval QueryType = "simple_data_retrieval"
	// QueryCoordinatedLookup needs a data lookup feeding a support response.
	QueryCoordinatedLookup QueryType = "coordinated_lookup"
	// QueryAggregatedQuery chains list-style lookups across both agents.
	QueryAggregatedQuery QueryType = "aggregated_query"
	// QueryEscalation is an urgent issue needing urgency analysis.
	QueryEscalation QueryType = "escalation"
	// QueryMultiIntent bundles several independent actions in one query.
	QueryMultiIntent QueryType = "multi_intent"
)

// IsValid reports whether the query type is one of the enumerated values.
func (t QueryType) IsValid() bool {
	switch t {
	case QuerySimpleDataRetrieval, QueryCoordinatedLookup, QueryAggregatedQuery,
		QueryEscalation, QueryMultiIntent:
		return true
	default:
		return false
	}
}

// Result is the structured routing decision for one query. It is consumed
// only by the router and never persisted.
type Result struct {
	Type                 QueryType `json:"type"`
	Intents              []string  `json:"intents,omitempty"`
	RequiresDataAgent    bool      `json:"requires_data_agent"`
	RequiresSupportAgent bool      `json:"requires_support_agent"`
	CustomerID           *int64    `json:"customer_id_mentioned,omitempty"`
	Urgency              string    `json:"urgency,omitempty"`
	Explanation          string    `json:"explanation,omitempty"`
}

// generator is the slice of the reasoning service the classifier needs.
type generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Classifier produces routing decisions from query text.
type Classifier struct {
	gen    generator
	logger *slog.Logger
}

// NewClassifier creates a classifier over the given reasoning connection.
func NewClassifier(gen generator, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{gen: gen, logger: logger}
}

const strictSuffix = "\n\nIMPORTANT: Respond with the JSON object ONLY. No prose, no markdown, no explanation outside the JSON."

// Classify analyzes the query and returns a schema-valid Result. The first
// parse failure triggers exactly one retry with a stricter JSON-only
// instruction; a second failure returns ErrClassification.
func (c *Classifier) Classify(ctx context.Context, query string, customerID *int64) (*Result, error) {
	prompt := c.buildPrompt(query, customerID)

	res, firstErr := c.attempt(ctx, prompt)
	if firstErr == nil {
		return res, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	c.logger.Warn("intent parse failed, retrying with strict instruction",
		"error", firstErr)

	res, retryErr := c.attempt(ctx, prompt+strictSuffix)
	if retryErr == nil {
		return res, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return nil, fmt.Errorf("%w: %v (retry: %v)", ErrClassification, firstErr, retryErr)
}

func (c *Classifier) attempt(ctx context.Context, prompt string) (*Result, error) {
	raw, err := c.gen.Generate(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("reasoning call: %w", err)
	}
	return parseResult(raw)
}

// parseResult strictly decodes the service output into a Result. Markdown
// code fences are stripped first because several providers wrap JSON in
// them regardless of instructions.
func parseResult(raw string) (*Result, error) {
	text := stripFences(raw)

	var res Result
	dec := json.NewDecoder(strings.NewReader(text))
	if err := dec.Decode(&res); err != nil {
		return nil, fmt.Errorf("decode intent JSON: %w", err)
	}
	if !res.Type.IsValid() {
		return nil, fmt.Errorf("unsupported query type %q", res.Type)
	}
	if !res.RequiresDataAgent && !res.RequiresSupportAgent {
		return nil, fmt.Errorf("intent requires no agent")
	}
	return &res, nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "```json", "")
	s = strings.ReplaceAll(s, "```", "")
	return strings.TrimSpace(s)
}

func (c *Classifier) buildPrompt(query string, customerID *int64) string {
	customer := "Not provided"
	if customerID != nil {
		customer = fmt.Sprintf("%d", *customerID)
	}

	return fmt.Sprintf(`Analyze this customer service query and determine how to route it.

Customer Query: %s
Customer ID: %s

Respond with JSON:
{
    "type": "simple_data_retrieval | coordinated_lookup | aggregated_query | escalation | multi_intent",
    "intents": ["list of intents like 'get_customer', 'update_email', 'create_ticket'"],
    "requires_data_agent": true/false,
    "requires_support_agent": true/false,
    "customer_id_mentioned": integer or null,
    "urgency": "low | medium | high",
    "explanation": "Brief explanation of the routing decision"
}

Query Types:
- simple_data_retrieval: Direct data fetch (e.g., "Get customer 5", "Show customer info")
- coordinated_lookup: Needs customer data and a support response (e.g., "I need help with my account")
- aggregated_query: Multiple chained lookups (e.g., "Show all active customers with open tickets")
- escalation: Urgent issues (e.g., "charged twice", "refund immediately")
- multi_intent: Multiple independent actions (e.g., "Update my email AND show my history")

Extract the customer ID if mentioned (e.g., "customer 5", "ID 12345", "I'm customer 1").`, query, customer)
}
