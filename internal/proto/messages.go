package proto

import "encoding/json"

const Version = "2.0"

// Request is a JSON-RPC call from a management client. A missing ID makes it
// a notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response answers a Request with the same ID. Exactly one of Result and
// Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// NewResult builds a success response; a nil v encodes as null.
func NewResult(id json.RawMessage, v any) (Response, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Response{}, err
	}
	return Response{JSONRPC: Version, ID: nullID(id), Result: b}, nil
}

func NewError(id json.RawMessage, code int, msg string) Response {
	return Response{JSONRPC: Version, ID: nullID(id), Error: &Error{Code: code, Message: msg}}
}

func nullID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}

type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string { return e.Message }

const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeRateLimited    = -32000
)

// Notification is pushed server -> client for a subscription.
type Notification struct {
	JSONRPC string             `json:"jsonrpc"`
	Method  string             `json:"method"`
	Params  SubscriptionResult `json:"params"`
}

type SubscriptionResult struct {
	Subscription string `json:"subscription"`
	Result       any    `json:"result"`
}

// Method names served on the management interface.
const (
	MethodSetTargetState = "set_target_state"
	MethodGetState       = "get_state"
	MethodSubscribe      = "new_state_subscribe"
	MethodUnsubscribe    = "new_state_unsubscribe"
	MethodNewState       = "new_state"
)

// PluginEvent is the line the OpenVPN event shim writes to the monitor socket.
type PluginEvent struct {
	Event int    `json:"event"`
	Name  string `json:"name"`
}
