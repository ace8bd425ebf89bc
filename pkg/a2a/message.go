// Package a2a implements the agent-to-agent message protocol: JSON-RPC 2.0
// request/response messages addressed between agents, agent cards describing
// each agent's capability set, and the error vocabulary shared across the
// coordination layer.
package a2a

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Version is the protocol version tag carried by every message.
const Version = "2.0"

// ErrorObject is the JSON-RPC 2.0 error payload attached to failed responses.
type ErrorObject struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface so ErrorObject can travel through
// error-returning call chains.
func (e *ErrorObject) Error() string {
	return e.Message
}

// NewErrorObject builds an error payload from a code and message.
func NewErrorObject(code int, message string) *ErrorObject {
	return &ErrorObject{Code: code, Message: message}
}

// Message is a single agent-to-agent exchange in JSON-RPC 2.0 shape. A
// request carries Method and Params and neither Result nor Error; a response
// carries the same ID as its request and exactly one of Result or Error.
type Message struct {
	JSONRPC   string         `json:"jsonrpc"`
	ID        string         `json:"id"`
	Method    string         `json:"method,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
	FromAgent string         `json:"from_agent"`
	ToAgent   string         `json:"to_agent"`
	Timestamp time.Time      `json:"timestamp"`
	Result    any            `json:"result,omitempty"`
	Error     *ErrorObject   `json:"error,omitempty"`
}

// NewRequest creates a request message with a generated id and the current
// UTC timestamp.
func NewRequest(method string, params map[string]any, from, to string) *Message {
	if params == nil {
		params = map[string]any{}
	}
	return &Message{
		JSONRPC:   Version,
		ID:        uuid.New().String(),
		Method:    method,
		Params:    params,
		FromAgent: from,
		ToAgent:   to,
		Timestamp: time.Now().UTC(),
	}
}

// Reply creates a success response correlated to this request. The sender
// and receiver are swapped and the request id is preserved.
func (m *Message) Reply(result any) *Message {
	return &Message{
		JSONRPC:   Version,
		ID:        m.ID,
		FromAgent: m.ToAgent,
		ToAgent:   m.FromAgent,
		Timestamp: time.Now().UTC(),
		Result:    result,
	}
}

// ReplyError creates an error response correlated to this request.
func (m *Message) ReplyError(code int, message string) *Message {
	return &Message{
		JSONRPC:   Version,
		ID:        m.ID,
		FromAgent: m.ToAgent,
		ToAgent:   m.FromAgent,
		Timestamp: time.Now().UTC(),
		Error:     NewErrorObject(code, message),
	}
}

// IsResponse reports whether the message carries a result or error payload.
func (m *Message) IsResponse() bool {
	return m.Result != nil || m.Error != nil
}

// IsRequest reports whether the message is a method invocation.
func (m *Message) IsRequest() bool {
	return !m.IsResponse()
}

// Validate checks the structural invariants of the message: required
// addressing fields, the protocol version tag, and the exactly-one-of
// result/error rule for responses.
func (m *Message) Validate() error {
	if m.JSONRPC != Version {
		return ErrInvalidVersion
	}
	if m.ID == "" {
		return ErrMessageMissingID
	}
	if m.FromAgent == "" {
		return ErrMessageMissingFrom
	}
	if m.ToAgent == "" {
		return ErrMessageMissingTo
	}
	if m.Timestamp.IsZero() {
		return ErrMessageMissingTimestamp
	}
	if m.Result != nil && m.Error != nil {
		return ErrMessageResultAndError
	}
	if m.IsRequest() && m.Method == "" {
		return ErrMessageMissingMethod
	}
	if m.IsResponse() && m.Method != "" {
		return ErrMessageRequestPayload
	}
	return nil
}

// Clone creates a deep copy of the message. Params, Result and Error.Data
// are copied through a JSON round trip so the clone shares no mutable state
// with the original.
func (m *Message) Clone() *Message {
	clone := &Message{
		JSONRPC:   m.JSONRPC,
		ID:        m.ID,
		Method:    m.Method,
		FromAgent: m.FromAgent,
		ToAgent:   m.ToAgent,
		Timestamp: m.Timestamp,
	}
	if m.Params != nil {
		clone.Params = deepCopyMap(m.Params)
	}
	if m.Result != nil {
		clone.Result = deepCopyValue(m.Result)
	}
	if m.Error != nil {
		e := *m.Error
		if e.Data != nil {
			e.Data = deepCopyValue(e.Data)
		}
		clone.Error = &e
	}
	return clone
}

// ToJSON serializes the message.
func (m *Message) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// ParseMessage decodes and validates a message from JSON bytes.
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return &msg, nil
}

func deepCopyMap(in map[string]any) map[string]any {
	data, err := json.Marshal(in)
	if err != nil {
		out := make(map[string]any, len(in))
		for k, v := range in {
			out[k] = v
		}
		return out
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		out = make(map[string]any, len(in))
		for k, v := range in {
			out[k] = v
		}
	}
	return out
}

func deepCopyValue(in any) any {
	data, err := json.Marshal(in)
	if err != nil {
		return in
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return in
	}
	return out
}
