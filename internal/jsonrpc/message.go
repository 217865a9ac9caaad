// Copyright 2021-2023 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package jsonrpc

// This file contains the message model for the JSON-RPC 2.0 traffic the
// daemon exchanges with its clients.  Messages are parsed with a dynamic
// JSON layer first so that malformed envelopes can be rejected with the
// exact error codes mandated by the specification before any typed
// unmarshalling is attempted.

import (
	"encoding/json"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
)

// Version is the only protocol revision accepted or emitted on the wire.
const Version = "2.0"

// Standard JSON-RPC 2.0 error codes, plus the implementation defined
// catch-all used for any internal daemon failure.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32000
)

// Kind discriminates the four message shapes JSON-RPC 2.0 defines.
type Kind int

const (
	KindInvalid Kind = iota
	KindRequest
	KindNotification
	KindResponse
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindNotification:
		return "notification"
	case KindResponse:
		return "response"
	case KindError:
		return "error"
	}
	return "invalid"
}

// Error carries the code, message and optional diagnostic payload of a
// JSON-RPC error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// ErrorData is the shape used for the data member of errors the daemon
// originates.  The description carries the human readable detail required
// for invalid parameter rejections.
type ErrorData struct {
	Description string `json:"description"`
}

// NewError produces an error object for one of the well known codes with
// an optional free text description in the data member.
func NewError(code int, description string) (rpcErr *Error) {
	rpcErr = &Error{
		Code:    code,
		Message: codeText(code),
	}
	if len(description) != 0 {
		data, errGo := json.Marshal(ErrorData{Description: description})
		if errGo == nil {
			rpcErr.Data = data
		}
	}
	return rpcErr
}

func codeText(code int) (text string) {
	switch code {
	case CodeParseError:
		return "Parse error"
	case CodeInvalidRequest:
		return "Invalid Request"
	case CodeMethodNotFound:
		return "Method not found"
	case CodeInvalidParams:
		return "Invalid params"
	default:
		return "Server error"
	}
}

// Message is the in-memory form of a single JSON-RPC message.  The ID is
// retained as raw JSON because clients are free to use any scalar type and
// the daemon must echo whatever it was sent.
type Message struct {
	Kind   Kind
	ID     json.RawMessage
	Method string
	Params json.RawMessage
	Result json.RawMessage
	Error  *Error
}

// wireMessage is the envelope used when serializing messages.  Pointers
// are used for the members whose presence or absence is significant on the
// wire.
type wireMessage struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      *json.RawMessage `json:"id,omitempty"`
	Method  string           `json:"method,omitempty"`
	Params  *json.RawMessage `json:"params,omitempty"`
	Result  *json.RawMessage `json:"result,omitempty"`
	Error   *Error           `json:"error,omitempty"`
}

// NewRequest assembles a request message.  The caller owns the id, which
// for daemon originated requests should come from an IDTable allocation.
func NewRequest(id json.RawMessage, method string, params interface{}) (msg *Message, err kv.Error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{Kind: KindRequest, ID: id, Method: method, Params: raw}, nil
}

// NewNotification assembles a notification, a request with no id and for
// which no response may ever be sent.
func NewNotification(method string, params interface{}) (msg *Message, err kv.Error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{Kind: KindNotification, Method: method, Params: raw}, nil
}

// NewResponse assembles the successful response to a request, echoing the
// id of the request verbatim.
func NewResponse(id json.RawMessage, result interface{}) (msg *Message, err kv.Error) {
	raw, errGo := json.Marshal(result)
	if errGo != nil {
		return nil, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}
	return &Message{Kind: KindResponse, ID: id, Result: raw}, nil
}

// NewErrorResponse assembles an error response for the supplied id.  A nil
// id is emitted as JSON null, which is the mandated form when the id of
// the offending request could not be recovered.
func NewErrorResponse(id json.RawMessage, rpcErr *Error) (msg *Message) {
	return &Message{Kind: KindError, ID: id, Error: rpcErr}
}

func marshalParams(params interface{}) (raw json.RawMessage, err kv.Error) {
	if params == nil {
		return nil, nil
	}
	data, errGo := json.Marshal(params)
	if errGo != nil {
		return nil, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}
	return data, nil
}

// Marshal renders a single message into its wire form.
func (msg *Message) Marshal() (data []byte, err kv.Error) {
	wire := wireMessage{JSONRPC: Version}

	switch msg.Kind {
	case KindRequest, KindNotification:
		wire.Method = msg.Method
		if msg.Params != nil {
			wire.Params = &msg.Params
		}
		if msg.Kind == KindRequest {
			id := msg.ID
			wire.ID = &id
		}
	case KindResponse:
		id := nullableID(msg.ID)
		wire.ID = &id
		result := msg.Result
		wire.Result = &result
	case KindError:
		id := nullableID(msg.ID)
		wire.ID = &id
		wire.Error = msg.Error
	default:
		return nil, kv.NewError("message kind cannot be serialized").With("kind", msg.Kind.String()).With("stack", stack.Trace().TrimRuntime())
	}

	data, errGo := json.Marshal(wire)
	if errGo != nil {
		return nil, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}
	return data, nil
}

// MarshalBatch renders a collection of messages as a JSON array in the
// supplied order.
func MarshalBatch(msgs []*Message) (data []byte, err kv.Error) {
	parts := make([]json.RawMessage, 0, len(msgs))
	for _, msg := range msgs {
		part, err := msg.Marshal()
		if err != nil {
			return nil, err
		}
		parts = append(parts, part)
	}
	data, errGo := json.Marshal(parts)
	if errGo != nil {
		return nil, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}
	return data, nil
}

func nullableID(id json.RawMessage) (out json.RawMessage) {
	if id == nil {
		return json.RawMessage("null")
	}
	return id
}
