package protocol

import "fmt"

// Error codes carried in sys.error payloads. Stable across releases;
// clients key retry/UX behavior off these numbers.
const (
	CodeUnknown            = 1000
	CodeInvalidProtocol    = 1001
	CodeUnsupportedVersion = 1002
	CodeAuthRequired       = 1003
	CodeAuthFailed         = 1004
	CodeTokenExpired       = 1005
	CodeSessionNotFound    = 1006
	CodeSessionDuplicate   = 1007
	CodeHandlerNotFound    = 1008
	CodeValidationFailed   = 1009
	CodeRateLimited        = 1010
	CodeRoomNotFound       = 1011
	CodeForbidden          = 1012
	CodeInternal           = 1500
)

// WebSocket close codes used by the server. 4xxx codes are application
// defined per RFC 6455 section 7.4.2.
const (
	CloseNormal           = 1000
	CloseGoingAway        = 1001
	CloseProtocolError    = 1002
	CloseMessageTooBig    = 1009
	CloseInternalError    = 1011
	CloseAuthRequired     = 4001
	CloseAuthFailed       = 4002
	CloseSessionDuplicate = 4003
	CloseInactivity       = 4004
	CloseSessionExpired   = 4005
)

// Error is the structured error crossing the dispatcher boundary and the
// wire. It carries a taxonomy code plus optional details for the client.
type Error struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the Go error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%d: %s", e.Code, e.Message)
}

// NewError creates a structured protocol error.
func NewError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

// ValidationError creates the typed failure for a payload field, the one
// error kind that carries structured information out of handler execution.
func ValidationError(field string) *Error {
	return &Error{
		Code:    CodeValidationFailed,
		Message: fmt.Sprintf("Validation failed for field: %s", field),
		Details: map[string]any{"field": field},
	}
}

// ErrorFromPayload reconstructs a structured error from a sys.error payload.
// Unrecognized shapes collapse to CodeUnknown.
func ErrorFromPayload(payload map[string]any) *Error {
	e := &Error{Code: CodeUnknown, Message: "unknown error"}
	if payload == nil {
		return e
	}
	switch c := payload["code"].(type) {
	case float64:
		e.Code = int(c)
	case int:
		e.Code = c
	}
	if m, ok := payload["message"].(string); ok {
		e.Message = m
	}
	if d, ok := payload["details"].(map[string]any); ok {
		e.Details = d
	}
	return e
}

// Message converts the error into its sys.error wire form.
func (e *Error) ToMessage() *Message {
	return NewErrorMessage(e.Code, e.Message, e.Details)
}
