package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/agentlink/servicedesk/internal/stdiorpc"
	"github.com/agentlink/servicedesk/internal/toolstore"
)

// toolDef is one advertised tool: its published schema plus the handler
// that executes it against the store.
type toolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`

	handler func(ctx context.Context, store *toolstore.Store, args map[string]any) (any, error)
}

// catalog lists the tools in their advertised order.
func catalog() []toolDef {
	object := func(required []string, props map[string]any) map[string]any {
		schema := map[string]any{"type": "object", "properties": props}
		if len(required) > 0 {
			schema["required"] = required
		}
		return schema
	}
	return []toolDef{
		{
			Name:        "get_customer",
			Description: "Get customer details by ID",
			InputSchema: object([]string{"customer_id"}, map[string]any{
				"customer_id": map[string]any{"type": "integer", "description": "Customer ID"},
			}),
			handler: handleGetCustomer,
		},
		{
			Name:        "list_customers",
			Description: "List customers with optional status filter",
			InputSchema: object(nil, map[string]any{
				"status": map[string]any{"type": "string", "description": "Filter: active, disabled, or all"},
				"limit":  map[string]any{"type": "integer", "description": "Maximum results"},
			}),
			handler: handleListCustomers,
		},
		{
			Name:        "update_customer",
			Description: "Update customer information",
			InputSchema: object([]string{"customer_id"}, map[string]any{
				"customer_id": map[string]any{"type": "integer", "description": "Customer ID"},
				"name":        map[string]any{"type": "string"},
				"email":       map[string]any{"type": "string"},
				"phone":       map[string]any{"type": "string"},
				"status":      map[string]any{"type": "string"},
			}),
			handler: handleUpdateCustomer,
		},
		{
			Name:        "get_customer_history",
			Description: "Get customer ticket history",
			InputSchema: object([]string{"customer_id"}, map[string]any{
				"customer_id": map[string]any{"type": "integer", "description": "Customer ID"},
			}),
			handler: handleGetCustomerHistory,
		},
		{
			Name:        "create_ticket",
			Description: "Create a new support ticket",
			InputSchema: object([]string{"customer_id", "issue"}, map[string]any{
				"customer_id": map[string]any{"type": "integer", "description": "Customer ID"},
				"issue":       map[string]any{"type": "string", "description": "Issue description"},
				"priority":    map[string]any{"type": "string", "description": "low, medium, or high"},
			}),
			handler: handleCreateTicket,
		},
		{
			Name:        "get_tickets",
			Description: "Query tickets with filters",
			InputSchema: object(nil, map[string]any{
				"status":       map[string]any{"type": "string", "description": "open, in_progress, resolved, or all"},
				"priority":     map[string]any{"type": "string", "description": "low, medium, high, or all"},
				"customer_ids": map[string]any{"type": "array", "description": "Restrict to these customers"},
			}),
			handler: handleGetTickets,
		},
	}
}

// serve answers requests on conn until EOF or a shutdown request. One
// request is handled at a time, matching the client's serialized pipe.
func serve(conn *stdiorpc.Conn, store *toolstore.Store, logger *slog.Logger) error {
	tools := catalog()
	byName := make(map[string]toolDef, len(tools))
	for _, t := range tools {
		byName[t.Name] = t
	}

	for {
		req, err := conn.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read request: %w", err)
		}

		var resp *stdiorpc.Message
		switch req.Method {
		case "initialize":
			resp, err = stdiorpc.NewResponse(req.ID, map[string]any{
				"serverInfo": map[string]any{"name": "toolserver", "version": "1.0.0"},
			})
		case "tools/list":
			resp, err = stdiorpc.NewResponse(req.ID, map[string]any{"tools": tools})
		case "tools/call":
			resp = handleCall(req, byName, store, logger)
		case "shutdown":
			resp, err = stdiorpc.NewResponse(req.ID, map[string]any{})
			if err == nil {
				if werr := conn.Write(resp); werr != nil {
					return fmt.Errorf("write shutdown response: %w", werr)
				}
			}
			logger.Info("shutdown requested")
			return nil
		default:
			resp = stdiorpc.NewErrorResponse(req.ID, stdiorpc.CodeMethodNotFound,
				fmt.Sprintf("unknown method %q", req.Method))
		}
		if err != nil {
			resp = stdiorpc.NewErrorResponse(req.ID, stdiorpc.CodeInternalError, err.Error())
		}
		if err := conn.Write(resp); err != nil {
			return fmt.Errorf("write response: %w", err)
		}
	}
}

func handleCall(req *stdiorpc.Message, byName map[string]toolDef, store *toolstore.Store, logger *slog.Logger) *stdiorpc.Message {
	var params struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return stdiorpc.NewErrorResponse(req.ID, stdiorpc.CodeInvalidParams,
			fmt.Sprintf("decode params: %v", err))
	}
	tool, ok := byName[params.Name]
	if !ok {
		return stdiorpc.NewErrorResponse(req.ID, stdiorpc.CodeMethodNotFound,
			fmt.Sprintf("unknown tool %q", params.Name))
	}

	logger.Info("tool call", "tool", params.Name)
	result, err := tool.handler(context.Background(), store, params.Arguments)
	if err != nil {
		logger.Error("tool failed", "tool", params.Name, "error", err)
		return stdiorpc.NewErrorResponse(req.ID, stdiorpc.CodeInternalError, err.Error())
	}
	resp, err := stdiorpc.NewResponse(req.ID, result)
	if err != nil {
		return stdiorpc.NewErrorResponse(req.ID, stdiorpc.CodeInternalError, err.Error())
	}
	return resp
}

func argInt(args map[string]any, key string) (int64, bool) {
	switch v := args[key].(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	default:
		return 0, false
	}
}

func argString(args map[string]any, key, fallback string) string {
	if s, ok := args[key].(string); ok && s != "" {
		return s
	}
	return fallback
}

// Tool handlers keep the lookup-miss shape of a result with an "error"
// field: a missing record is data, not a protocol failure.

func handleGetCustomer(ctx context.Context, store *toolstore.Store, args map[string]any) (any, error) {
	id, ok := argInt(args, "customer_id")
	if !ok {
		return nil, fmt.Errorf("customer_id is required")
	}
	customer, err := store.GetCustomer(ctx, id)
	if errors.Is(err, toolstore.ErrNotFound) {
		return map[string]any{"error": "Customer not found", "customer_id": id}, nil
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{"success": true, "customer": customer}, nil
}

func handleListCustomers(ctx context.Context, store *toolstore.Store, args map[string]any) (any, error) {
	limit, _ := argInt(args, "limit")
	customers, err := store.ListCustomers(ctx, argString(args, "status", "all"), int(limit))
	if err != nil {
		return nil, err
	}
	return map[string]any{"success": true, "count": len(customers), "customers": customers}, nil
}

func handleUpdateCustomer(ctx context.Context, store *toolstore.Store, args map[string]any) (any, error) {
	id, ok := argInt(args, "customer_id")
	if !ok {
		return nil, fmt.Errorf("customer_id is required")
	}
	fields := make(map[string]string)
	for _, f := range []string{"name", "email", "phone", "status"} {
		if v := argString(args, f, ""); v != "" {
			fields[f] = v
		}
	}
	customer, err := store.UpdateCustomer(ctx, id, fields)
	if errors.Is(err, toolstore.ErrNotFound) {
		return map[string]any{"error": "Customer not found or no changes made", "customer_id": id}, nil
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{"success": true, "message": "Customer updated successfully", "customer": customer}, nil
}

func handleGetCustomerHistory(ctx context.Context, store *toolstore.Store, args map[string]any) (any, error) {
	id, ok := argInt(args, "customer_id")
	if !ok {
		return nil, fmt.Errorf("customer_id is required")
	}
	customer, tickets, err := store.GetCustomerHistory(ctx, id)
	if errors.Is(err, toolstore.ErrNotFound) {
		return map[string]any{"error": "Customer not found", "customer_id": id}, nil
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"success":      true,
		"customer":     customer,
		"ticket_count": len(tickets),
		"tickets":      tickets,
	}, nil
}

func handleCreateTicket(ctx context.Context, store *toolstore.Store, args map[string]any) (any, error) {
	id, ok := argInt(args, "customer_id")
	if !ok {
		return nil, fmt.Errorf("customer_id is required")
	}
	issue := argString(args, "issue", "")
	if issue == "" {
		return nil, fmt.Errorf("issue is required")
	}
	ticket, err := store.CreateTicket(ctx, id, issue, argString(args, "priority", "medium"))
	if errors.Is(err, toolstore.ErrNotFound) {
		return map[string]any{"error": "Customer not found", "customer_id": id}, nil
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{"success": true, "message": "Ticket created successfully", "ticket": ticket}, nil
}

func handleGetTickets(ctx context.Context, store *toolstore.Store, args map[string]any) (any, error) {
	filter := toolstore.TicketFilter{
		Status:   argString(args, "status", "all"),
		Priority: argString(args, "priority", "all"),
	}
	if raw, ok := args["customer_ids"].([]any); ok {
		for _, v := range raw {
			if n, ok := v.(float64); ok {
				filter.CustomerIDs = append(filter.CustomerIDs, int64(n))
			}
		}
	}
	tickets, err := store.GetTickets(ctx, filter)
	if err != nil {
		return nil, err
	}
	return map[string]any{"success": true, "count": len(tickets), "tickets": tickets}, nil
}
