// Package protocol defines the WebSocket wire frames shared by the
// gateway server and its clients.
package protocol

import "encoding/json"

// ProtocolVersion is bumped on breaking wire changes.
const ProtocolVersion = 1

// Frame types.
const (
	FrameTypeRequest  = "req"
	FrameTypeResponse = "res"
	FrameTypeEvent    = "event"
)

// Error codes.
const (
	ErrInvalidRequest = "invalid_request"
	ErrUnauthorized   = "unauthorized"
	ErrNotFound       = "not_found"
	ErrRateLimited    = "rate_limited"
	ErrInternal       = "internal"
)

// RequestFrame is a client→server RPC call.
type RequestFrame struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ResponseFrame is the server's reply to a RequestFrame.
type ResponseFrame struct {
	Type    string        `json:"type"`
	ID      string        `json:"id"`
	OK      bool          `json:"ok"`
	Payload interface{}   `json:"payload,omitempty"`
	Error   *ErrorPayload `json:"error,omitempty"`
}

// ErrorPayload describes a failed RPC.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// EventFrame is a server→client push notification.
type EventFrame struct {
	Type    string      `json:"type"`
	Event   string      `json:"event"`
	Payload interface{} `json:"payload,omitempty"`
}

// NewResponse builds a successful response frame.
func NewResponse(id string, payload interface{}) *ResponseFrame {
	return &ResponseFrame{Type: FrameTypeResponse, ID: id, OK: true, Payload: payload}
}

// NewErrorResponse builds a failed response frame.
func NewErrorResponse(id, code, message string) *ResponseFrame {
	return &ResponseFrame{
		Type:  FrameTypeResponse,
		ID:    id,
		OK:    false,
		Error: &ErrorPayload{Code: code, Message: message},
	}
}

// NewEvent builds an event frame.
func NewEvent(event string, payload interface{}) *EventFrame {
	return &EventFrame{Type: FrameTypeEvent, Event: event, Payload: payload}
}

// ParseFrameType peeks at a raw frame's type without a full decode.
func ParseFrameType(raw []byte) (string, error) {
	var peek struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &peek); err != nil {
		return "", err
	}
	return peek.Type, nil
}
