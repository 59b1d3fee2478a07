// Package protocol defines the JSON-RPC 2.0 envelopes exchanged with pages
// and host clients over WebSocket.
//
// Requests carry an id and expect exactly one reply; envelopes without an id
// are fire-and-forget. Older pages name the command in "command" or "type"
// instead of "method" and put arguments in "data"; both are accepted.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const Version = "2.0"

const (
	ErrCodeParse          = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternal       = -32603

	// Application errors.
	ErrCodeInvalid     = 1000
	ErrCodeUnavailable = 1001
	ErrCodeNotFound    = 1004
)

// Page commands.
const (
	MethodRequestOfflineMessages = "REQUEST_OFFLINE_MESSAGES"
	MethodOfflineMessages        = "OFFLINE_MESSAGES"
	MethodPageIsReady            = "PAGE_IS_READY"
	MethodNotificationClick      = "NOTIFICATION_CLICK"
	MethodReadyForMessage        = "READY_FOR_MESSAGE"
	MethodFocus                  = "FOCUS"
	MethodControllerChanged      = "CONTROLLER_CHANGED"
)

// Host methods and notifications.
const (
	MethodHostClick  = "notification.click"
	MethodHostClose  = "notification.close"
	MethodHostList   = "notification.list"
	MethodHostShown  = "notification.shown"
	MethodHostClosed = "notification.closed"
	MethodHostEvent  = "agent.event"
)

// StatusOK is the reply body for readiness requests.
const StatusOK = "OK"

var ErrMalformed = errors.New("malformed envelope")

// Envelope is a request, reply or notification on the wire.
type Envelope struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Command string          `json:"command,omitempty"`
	Type    string          `json:"type,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Name returns the command named by the envelope: method, then command,
// then type.
func (e Envelope) Name() string {
	for _, v := range []string{e.Method, e.Command, e.Type} {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// Arguments returns params, or the legacy data field when params is absent.
func (e Envelope) Arguments() json.RawMessage {
	if len(e.Params) > 0 {
		return e.Params
	}
	return e.Data
}

// IsRequest reports whether the envelope expects a reply.
func (e Envelope) IsRequest() bool {
	return len(e.ID) > 0 && string(e.ID) != "null" && e.Name() != ""
}

// IsReply reports whether the envelope answers an earlier request.
func (e Envelope) IsReply() bool {
	return len(e.ID) > 0 && e.Name() == "" && (len(e.Result) > 0 || e.Error != nil)
}

// Decode parses one envelope from raw.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Name() == "" && len(env.ID) == 0 {
		return Envelope{}, fmt.Errorf("%w: no method", ErrMalformed)
	}
	return env, nil
}

// DecodeArgs unmarshals the envelope arguments into v. Absent arguments
// leave v untouched.
func (e Envelope) DecodeArgs(v any) error {
	args := e.Arguments()
	if len(args) == 0 || string(args) == "null" {
		return nil
	}
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("%w: params: %v", ErrMalformed, err)
	}
	return nil
}

// Notification builds a fire-and-forget envelope. The command is set in
// both method and type so older pages keep working.
func Notification(method string, params any) (Envelope, error) {
	env := Envelope{JSONRPC: Version, Method: method, Type: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s params: %w", method, err)
		}
		env.Params = raw
	}
	return env, nil
}

// Request is Notification with an id.
func Request(id, method string, params any) (Envelope, error) {
	env, err := Notification(method, params)
	if err != nil {
		return Envelope{}, err
	}
	env.ID, _ = json.Marshal(id)
	return env, nil
}

// Reply answers the request with the given id.
func Reply(id json.RawMessage, result any) (Envelope, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal result: %w", err)
	}
	return Envelope{JSONRPC: Version, ID: id, Result: raw}, nil
}

// ErrorReply answers the request with the given id with an error.
func ErrorReply(id json.RawMessage, code int, msg string) Envelope {
	return Envelope{JSONRPC: Version, ID: id, Error: &Error{Code: code, Message: msg}}
}

// RequestID returns the id as a string key for matching replies.
func RequestID(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}

// NotificationClick is posted to a page when its notification is clicked.
type NotificationClick struct {
	ChatID  string          `json:"chatId,omitempty"`
	Message json.RawMessage `json:"message,omitempty"`
}

// OfflineMessages carries a drained backlog to the requesting page.
type OfflineMessages struct {
	Messages []OfflineMessage `json:"messages"`
}

// OfflineMessage is one queued chat message as a page sees it.
type OfflineMessage struct {
	ChatID  string          `json:"chatId"`
	Message json.RawMessage `json:"message"`
}

// Status is the reply to PAGE_IS_READY and READY_FOR_MESSAGE.
type Status struct {
	Status string `json:"status"`
}

// ControllerChanged tells a page which cache generation now controls it.
type ControllerChanged struct {
	Generation string `json:"generation"`
}

// NotificationRef names a notification in host requests.
type NotificationRef struct {
	ID string `json:"id"`
}
