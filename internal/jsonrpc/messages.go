// Package jsonrpc models JSON-RPC 2.0 messages as carried by the MCP
// transports.
package jsonrpc

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ProtocolVersion is the supported JSON-RPC protocol version.
const ProtocolVersion = "2.0"

// Kind classifies a decoded message.
type Kind int

const (
	KindRequest Kind = iota + 1
	KindNotification
	KindResponse
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindNotification:
		return "notification"
	case KindResponse:
		return "response"
	}
	return "unknown"
}

// AnyMessage is a request, notification or response as read off the wire.
type AnyMessage struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Method         string          `json:"method,omitempty"`
	Params         json.RawMessage `json:"params,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *Error          `json:"error,omitempty"`
	ID             *RequestID      `json:"id,omitempty"`
}

// Request is a request (with an id) or a notification (without).
type Request struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Method         string          `json:"method"`
	Params         json.RawMessage `json:"params,omitempty"`
	ID             *RequestID      `json:"id,omitempty"`
}

// Response carries exactly one of Result or Error.
type Response struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *Error          `json:"error,omitempty"`
	ID             *RequestID      `json:"id"`
}

var (
	ErrBatchUnsupported = errors.New("jsonrpc: batch messages are not supported")
	ErrInvalidVersion   = errors.New("jsonrpc: invalid version")
	ErrInvalidShape     = errors.New("jsonrpc: invalid message shape")
)

// Decode parses a single message and enforces JSON-RPC 2.0 structure.
// Syntax errors are returned unwrapped so callers can answer with a parse
// error; structural problems wrap ErrInvalidVersion or ErrInvalidShape.
func Decode(data []byte) (*AnyMessage, error) {
	for _, b := range data {
		if b == ' ' || b == '\t' || b == '\r' || b == '\n' {
			continue
		}
		if b == '[' {
			return nil, ErrBatchUnsupported
		}
		break
	}

	var m AnyMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if m.JSONRPCVersion != ProtocolVersion {
		return nil, fmt.Errorf("%w: expected %q, got %q", ErrInvalidVersion, ProtocolVersion, m.JSONRPCVersion)
	}

	hasResult := len(m.Result) > 0
	hasError := m.Error != nil
	switch {
	case m.Method != "" && (hasResult || hasError):
		return nil, fmt.Errorf("%w: request cannot carry result or error", ErrInvalidShape)
	case m.Method == "" && hasResult && hasError:
		return nil, fmt.Errorf("%w: response cannot carry both result and error", ErrInvalidShape)
	case m.Method == "" && !hasResult && !hasError:
		return nil, fmt.Errorf("%w: missing method, result or error", ErrInvalidShape)
	}
	return &m, nil
}

// Kind reports whether m is a request, a notification or a response.
func (m *AnyMessage) Kind() Kind {
	switch {
	case m.Method == "":
		return KindResponse
	case m.ID.IsNil():
		return KindNotification
	default:
		return KindRequest
	}
}

// AsRequest returns m as a Request, or nil for responses.
func (m *AnyMessage) AsRequest() *Request {
	if m.Method == "" {
		return nil
	}
	return &Request{JSONRPCVersion: m.JSONRPCVersion, Method: m.Method, Params: m.Params, ID: m.ID}
}

// NewResultResponse builds a successful response.
func NewResultResponse(id *RequestID, result any) (*Response, error) {
	b, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("jsonrpc: marshal result: %w", err)
	}
	return &Response{JSONRPCVersion: ProtocolVersion, Result: b, ID: id}, nil
}

// NewErrorResponse builds an error response.
func NewErrorResponse(id *RequestID, code ErrorCode, message string, data any) *Response {
	return &Response{
		JSONRPCVersion: ProtocolVersion,
		Error:          &Error{Code: code, Message: message, Data: data},
		ID:             id,
	}
}
