// Package stdiorpc implements the JSON-RPC 2.0 framing used between the
// coordination layer and the tool subprocess: each message is a JSON body
// preceded by a Content-Length header, written to the process's stdin and
// read from its stdout.
package stdiorpc

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// Version is the JSON-RPC version tag.
const Version = "2.0"

// Standard JSON-RPC 2.0 error codes used on the tool pipe.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// ErrInvalidFrame indicates a frame without a parsable Content-Length header.
var ErrInvalidFrame = errors.New("stdiorpc: invalid frame header")

// Error is the JSON-RPC error payload.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Message is a single JSON-RPC frame: a request when Method is set, a
// response when Result or Error is set.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// NewRequest builds a request message, marshaling params.
func NewRequest(id int64, method string, params any) (*Message, error) {
	msg := &Message{JSONRPC: Version, ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		msg.Params = raw
	}
	return msg, nil
}

// NewResponse builds a success response, marshaling the result.
func NewResponse(id int64, result any) (*Message, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &Message{JSONRPC: Version, ID: id, Result: raw}, nil
}

// NewErrorResponse builds an error response.
func NewErrorResponse(id int64, code int, message string) *Message {
	return &Message{JSONRPC: Version, ID: id, Error: &Error{Code: code, Message: message}}
}

// Conn frames messages over a reader/writer pair. Writes are serialized by
// an internal mutex; reads must come from a single goroutine.
type Conn struct {
	reader  *bufio.Reader
	writer  io.Writer
	writeMu sync.Mutex
}

// NewConn creates a connection over the given streams.
func NewConn(r io.Reader, w io.Writer) *Conn {
	return &Conn{
		reader: bufio.NewReader(r),
		writer: w,
	}
}

// Write frames and sends one message.
func (c *Conn) Write(msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(body))
	if _, err := io.WriteString(c.writer, header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if _, err := c.writer.Write(body); err != nil {
		return fmt.Errorf("write body: %w", err)
	}
	return nil
}

// Read blocks until one complete message arrives.
func (c *Conn) Read() (*Message, error) {
	contentLength := -1
	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		if line == "\r\n" || line == "\n" {
			break
		}
		if _, err := fmt.Sscanf(line, "Content-Length: %d", &contentLength); err == nil {
			continue
		}
	}
	if contentLength < 0 {
		return nil, ErrInvalidFrame
	}

	body := make([]byte, contentLength)
	if _, err := io.ReadFull(c.reader, body); err != nil {
		return nil, err
	}

	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal message: %w", err)
	}
	return &msg, nil
}
