// Copyright 2021-2023 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package jsonrpc

// This file implements the inbound side of the RPC layer.  Payloads are
// interrogated with the fastjson dynamic parser so that every envelope
// violation can be rejected with the precise error code the specification
// requires, without tripping over Go's typed unmarshalling first.

import (
	"encoding/json"
	"fmt"

	"github.com/valyala/fastjson"
)

// ParseResult is the outcome for one element of an inbound payload.  When
// Err is populated Msg is nil and the element must be answered with an
// error response carrying the id recovered from the element, if any.
type ParseResult struct {
	Msg *Message
	ID  json.RawMessage
	Err *Error
}

// Parse decodes an inbound payload into its constituent messages.  A
// top-level array marks a batch, with each element validated
// independently in array order.  A payload that is not valid JSON at all
// yields a single parse error result.
func Parse(data []byte) (results []ParseResult, batch bool) {
	var parser fastjson.Parser
	root, errGo := parser.ParseBytes(data)
	if errGo != nil {
		return []ParseResult{{Err: NewError(CodeParseError, errGo.Error())}}, false
	}

	if root.Type() == fastjson.TypeArray {
		elements, _ := root.Array()
		if len(elements) == 0 {
			return []ParseResult{{Err: NewError(CodeInvalidRequest, "empty batch")}}, false
		}
		results = make([]ParseResult, 0, len(elements))
		for _, element := range elements {
			results = append(results, parseOne(element))
		}
		return results, true
	}

	return []ParseResult{parseOne(root)}, false
}

// parseOne validates a single envelope.  The checks mirror §4 of the
// JSON-RPC 2.0 specification: the version marker must be the exact string
// "2.0", a method must be a string when present, and result and error are
// mutually exclusive.
func parseOne(v *fastjson.Value) (result ParseResult) {
	if v.Type() != fastjson.TypeObject {
		return ParseResult{Err: NewError(CodeInvalidRequest, fmt.Sprintf("message must be an object, got %s", v.Type()))}
	}

	result.ID = rawMember(v, "id")

	version := v.Get("jsonrpc")
	if version == nil {
		return ParseResult{ID: result.ID, Err: NewError(CodeInvalidRequest, "missing jsonrpc version member")}
	}
	if versionStr, errGo := version.StringBytes(); errGo != nil || string(versionStr) != Version {
		return ParseResult{ID: result.ID, Err: NewError(CodeInvalidRequest, "jsonrpc version must be the string \"2.0\"")}
	}

	hasMethod := v.Exists("method")
	hasResult := v.Exists("result")
	hasError := v.Exists("error")
	hasID := v.Exists("id")

	if hasResult && hasError {
		return ParseResult{ID: result.ID, Err: NewError(CodeInvalidRequest, "message carries both result and error members")}
	}

	switch {
	case hasMethod:
		if hasResult || hasError {
			return ParseResult{ID: result.ID, Err: NewError(CodeInvalidRequest, "method combined with result or error")}
		}
		methodBytes, errGo := v.Get("method").StringBytes()
		if errGo != nil {
			return ParseResult{ID: result.ID, Err: NewError(CodeInvalidRequest, "method member must be a string")}
		}
		msg := &Message{
			Method: string(methodBytes),
			Params: rawMember(v, "params"),
		}
		if hasID && v.Get("id").Type() != fastjson.TypeNull {
			msg.Kind = KindRequest
			msg.ID = result.ID
		} else {
			msg.Kind = KindNotification
		}
		result.Msg = msg
		return result

	case hasResult:
		if !hasID {
			return ParseResult{Err: NewError(CodeInvalidRequest, "response without an id")}
		}
		result.Msg = &Message{Kind: KindResponse, ID: result.ID, Result: rawMember(v, "result")}
		return result

	case hasError:
		if !hasID {
			return ParseResult{Err: NewError(CodeInvalidRequest, "error without an id")}
		}
		rpcErr := &Error{}
		if errGo := json.Unmarshal(rawMember(v, "error"), rpcErr); errGo != nil {
			return ParseResult{ID: result.ID, Err: NewError(CodeInvalidRequest, "error member is not a valid error object")}
		}
		result.Msg = &Message{Kind: KindError, ID: result.ID, Error: rpcErr}
		return result
	}

	return ParseResult{ID: result.ID, Err: NewError(CodeInvalidRequest, "message carries none of method, result, or error")}
}

// rawMember extracts the raw JSON bytes of a member, or nil when absent.
func rawMember(v *fastjson.Value, key string) (raw json.RawMessage) {
	member := v.Get(key)
	if member == nil {
		return nil
	}
	return member.MarshalTo(nil)
}
