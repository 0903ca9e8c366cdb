package protocol

import "encoding/json"

// JSON-RPC method names.
const (
	MethodSendTask            = "tasks/send"
	MethodSendTaskSubscribe   = "tasks/sendSubscribe"
	MethodGetTask             = "tasks/get"
	MethodCancelTask          = "tasks/cancel"
	MethodSetPushNotification = "tasks/pushNotification/set"
	MethodGetPushNotification = "tasks/pushNotification/get"
	MethodResubscribe         = "tasks/resubscribe"
)

// Error codes. Standard JSON-RPC codes plus protocol-specific ones.
const (
	CodeParseError           = -32700
	CodeInvalidRequest       = -32600
	CodeMethodNotFound       = -32601
	CodeInvalidParams        = -32602
	CodeInternalError        = -32603
	CodeTaskNotFound         = -32001
	CodeTaskNotCancelable    = -32002
	CodePushUnsupported      = -32003
	CodeUnsupportedOperation = -32004
	CodeIncompatibleTypes    = -32005
)

// Request is the JSON-RPC request envelope. Params stay raw until the
// method is dispatched.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is the JSON-RPC response envelope.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string { return e.Message }

// NewResponse builds a success response for the given request id.
func NewResponse(id json.RawMessage, result any) *Response {
	return &Response{JSONRPC: "2.0", ID: id, Result: result}
}

// NewErrorResponse builds an error response for the given request id.
func NewErrorResponse(id json.RawMessage, err *Error) *Response {
	return &Response{JSONRPC: "2.0", ID: id, Error: err}
}

// ErrParse reports a body that was not valid JSON.
func ErrParse() *Error { return &Error{Code: CodeParseError, Message: "Invalid JSON payload"} }

// ErrInvalidRequest reports a structurally invalid request.
func ErrInvalidRequest(data any) *Error {
	return &Error{Code: CodeInvalidRequest, Message: "Request payload validation error", Data: data}
}

// ErrMethodNotFound reports an unknown method.
func ErrMethodNotFound() *Error {
	return &Error{Code: CodeMethodNotFound, Message: "Method not found"}
}

// ErrInternal reports a server-side failure.
func ErrInternal(msg string) *Error {
	if msg == "" {
		msg = "Internal error"
	}
	return &Error{Code: CodeInternalError, Message: msg}
}

// ErrTaskNotFound reports an unknown task id.
func ErrTaskNotFound() *Error { return &Error{Code: CodeTaskNotFound, Message: "Task not found"} }

// ErrTaskNotCancelable reports a cancel request against a terminal task.
func ErrTaskNotCancelable() *Error {
	return &Error{Code: CodeTaskNotCancelable, Message: "Task cannot be canceled"}
}

// ErrPushUnsupported reports that push notifications are not available.
func ErrPushUnsupported() *Error {
	return &Error{Code: CodePushUnsupported, Message: "Push Notification is not supported"}
}

// ErrIncompatibleTypes reports that no accepted output mode is supported.
func ErrIncompatibleTypes() *Error {
	return &Error{Code: CodeIncompatibleTypes, Message: "Incompatible content types"}
}
