package a2a

import "errors"

// Agent card validation errors.
var (
	// ErrCardMissingID indicates the agent card is missing an agent id.
	ErrCardMissingID = errors.New("agent card: missing agent_id")
	// ErrCardMissingName indicates the agent card is missing a name.
	ErrCardMissingName = errors.New("agent card: missing name")
	// ErrCardMissingDescription indicates the agent card is missing a description.
	ErrCardMissingDescription = errors.New("agent card: missing description")
	// ErrCardNoMethods indicates the agent card declares no callable methods.
	ErrCardNoMethods = errors.New("agent card: no methods declared")
)

// Message validation errors.
var (
	// ErrMessageMissingID indicates the message is missing an id.
	ErrMessageMissingID = errors.New("a2a message: missing id")
	// ErrMessageMissingMethod indicates a request message is missing a method.
	ErrMessageMissingMethod = errors.New("a2a message: missing method")
	// ErrMessageMissingFrom indicates the message is missing a sender.
	ErrMessageMissingFrom = errors.New("a2a message: missing from_agent")
	// ErrMessageMissingTo indicates the message is missing a receiver.
	ErrMessageMissingTo = errors.New("a2a message: missing to_agent")
	// ErrMessageMissingTimestamp indicates the message is missing a timestamp.
	ErrMessageMissingTimestamp = errors.New("a2a message: missing timestamp")
	// ErrMessageResultAndError indicates a response carries both result and error.
	ErrMessageResultAndError = errors.New("a2a message: response carries both result and error")
	// ErrMessageRequestPayload indicates a request carries a result or error payload.
	ErrMessageRequestPayload = errors.New("a2a message: request carries result or error")
	// ErrInvalidVersion indicates the protocol version tag is not "2.0".
	ErrInvalidVersion = errors.New(`a2a message: jsonrpc must be "2.0"`)
)

// Protocol errors.
var (
	// ErrUnsupportedMethod indicates the receiver's card does not list the method.
	ErrUnsupportedMethod = errors.New("a2a: unsupported method")
	// ErrAgentNotFound indicates no agent is registered under the requested id.
	ErrAgentNotFound = errors.New("a2a: agent not found")
)

// JSON-RPC 2.0 error codes used on the wire. The -32000 range carries
// application-level tool and timeout failures.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	CodeToolUnavailable = -32000
	CodeToolExecution   = -32001
	CodeBranchTimeout   = -32002
	CodeAgentNotFound   = -32003
)
