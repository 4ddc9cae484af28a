// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package wisp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Version is the JSON-RPC protocol version tag carried by request, result,
// and error envelopes.
const Version = "2.0"

// JSON-RPC error codes produced by a Coordinator. Codes in the -32000..-32099
// range are implementation-defined server errors.
const (
	CodeParseError     = -32700 // unparsable request envelope
	CodeInvalidRequest = -32600 // structurally invalid request
	CodeUnknownMethod  = -32601 // method not bound
	CodeInvalidParams  = -32602 // params do not match the handler
	CodeServerError    = -32000 // handler fault
	CodeShuttingDown   = -32001 // coordinator is shutting down
	CodeRateLimited    = -32005 // inbound request over rate budget
)

// An RPCError is an error carrying a JSON-RPC error code. A handler may
// return an *RPCError to control the code reported to the peer; any other
// error is reported with [CodeServerError].
type RPCError struct {
	Code    int
	Message string
}

// Error satisfies the error interface.
func (e *RPCError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("[code %d] %s", e.Code, e.Message)
	}
	return e.Message
}

// InvalidParams returns an *RPCError with [CodeInvalidParams] and the given
// message.
func InvalidParams(msg string, args ...any) *RPCError {
	return &RPCError{Code: CodeInvalidParams, Message: fmt.Sprintf(msg, args...)}
}

// A Request is one validated inbound call envelope. A Request is immutable
// once constructed; the Coordinator owns it for the duration of dispatch.
type Request struct {
	Method string          // the method name (always non-empty)
	Params json.RawMessage // positional array or keyed object; nil if absent
	ID     json.RawMessage // opaque caller-chosen token; nil for notifications

	ReceivedAt time.Time // local arrival time
}

// IsNotification reports whether r carries no ID and is therefore owed no
// response.
func (r *Request) IsNotification() bool { return r.ID == nil }

// String returns a human-friendly rendering of the request.
func (r *Request) String() string {
	return fmt.Sprintf("Request(Method=%q, ID=%s, Params=%s)", r.Method, fmtRaw(r.ID), fmtRaw(r.Params))
}

// ParseRequest parses and validates one request envelope. It reports an error
// if the document is not valid JSON, if the method field is missing or empty,
// or if params is present but neither an array nor an object. A JSON null ID
// is treated the same as an absent ID.
func ParseRequest(data []byte, now time.Time) (*Request, error) {
	var env struct {
		Method *string         `json:"method"`
		Params json.RawMessage `json:"params"`
		ID     json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	if env.Method == nil || *env.Method == "" {
		return nil, fmt.Errorf("invalid request: missing method")
	}
	if p := skipSpace(env.Params); len(p) != 0 && p[0] != '[' && p[0] != '{' {
		return nil, fmt.Errorf("invalid request: params must be an array or object")
	}
	return &Request{
		Method:     *env.Method,
		Params:     env.Params,
		ID:         normalizeID(env.ID),
		ReceivedAt: now,
	}, nil
}

// A Kind distinguishes the variants of a Response.
type Kind int

const (
	KindResult Kind = 1 + iota // immediate result of a SYNC call
	KindAck                    // receipt of an ASYNC or ASYNC_STREAM call
	KindUpdate                 // one intermediate value of a streaming call
	KindFinal                  // terminal value of an ASYNC or streaming call
	KindError                  // terminal error
)

func (k Kind) String() string {
	switch k {
	case KindResult:
		return "RESULT"
	case KindAck:
		return "ACK"
	case KindUpdate:
		return "UPDATE"
	case KindFinal:
		return "FINAL"
	case KindError:
		return "ERROR"
	default:
		return fmt.Sprintf("KIND:%d", int(k))
	}
}

// Terminal reports whether k ends the response sequence for its call ID.
func (k Kind) Terminal() bool { return k == KindResult || k == KindFinal || k == KindError }

// A Response is one outbound reply envelope, a tagged union over the result,
// ack, update, final, and error wire shapes. Use the constructor functions to
// build values; the zero Response is not valid.
type Response struct {
	Kind  Kind
	ID    json.RawMessage // nil encodes as null (error responses only)
	Value json.RawMessage // result, update, or final payload
	Code  int             // error code (KindError only)
	Text  string          // error message (KindError only)
}

// Result constructs an immediate result response.
func Result(id, value json.RawMessage) *Response {
	return &Response{Kind: KindResult, ID: id, Value: value}
}

// Ack constructs a receipt for an asynchronous call.
func Ack(id json.RawMessage) *Response { return &Response{Kind: KindAck, ID: id} }

// Update constructs one intermediate streaming value.
func Update(id, value json.RawMessage) *Response {
	return &Response{Kind: KindUpdate, ID: id, Value: value}
}

// Final constructs the terminal value of an asynchronous or streaming call.
func Final(id, value json.RawMessage) *Response {
	return &Response{Kind: KindFinal, ID: id, Value: value}
}

// Errorf constructs a terminal error response for id, which may be nil when
// no request ID is attributable.
func Errorf(id json.RawMessage, code int, msg string, args ...any) *Response {
	return &Response{Kind: KindError, ID: id, Code: code, Text: fmt.Sprintf(msg, args...)}
}

// String returns a human-friendly rendering of the response.
func (r *Response) String() string {
	switch r.Kind {
	case KindError:
		return fmt.Sprintf("Response(%v, ID=%s, Code=%d, %q)", r.Kind, fmtRaw(r.ID), r.Code, r.Text)
	default:
		return fmt.Sprintf("Response(%v, ID=%s, Value=%s)", r.Kind, fmtRaw(r.ID), fmtRaw(r.Value))
	}
}

// Wire envelope shapes. Result and error envelopes carry the jsonrpc version
// tag; ack, update, and final markers do not.
type (
	wireResult struct {
		JSONRPC string          `json:"jsonrpc"`
		Result  json.RawMessage `json:"result"`
		ID      json.RawMessage `json:"id"`
	}
	wireError struct {
		JSONRPC string          `json:"jsonrpc"`
		Error   wireErrorBody   `json:"error"`
		ID      json.RawMessage `json:"id"`
	}
	wireErrorBody struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	wireAck struct {
		Result struct {
			Ack bool `json:"ack"`
		} `json:"result"`
		ID json.RawMessage `json:"id"`
	}
	wireUpdate struct {
		Result struct {
			Update json.RawMessage `json:"update"`
		} `json:"result"`
		ID json.RawMessage `json:"id"`
	}
	wireFinal struct {
		Result struct {
			Value json.RawMessage `json:"value"`
			Stop  bool            `json:"stop"`
		} `json:"result"`
		ID json.RawMessage `json:"id"`
	}
)

// Encode encodes r as one UTF-8 JSON document in the wire shape for its kind.
func (r *Response) Encode() ([]byte, error) {
	switch r.Kind {
	case KindResult:
		return json.Marshal(wireResult{JSONRPC: Version, Result: orNull(r.Value), ID: r.ID})
	case KindAck:
		var w wireAck
		w.Result.Ack = true
		w.ID = r.ID
		return json.Marshal(w)
	case KindUpdate:
		var w wireUpdate
		w.Result.Update = orNull(r.Value)
		w.ID = r.ID
		return json.Marshal(w)
	case KindFinal:
		var w wireFinal
		w.Result.Value = orNull(r.Value)
		w.Result.Stop = true
		w.ID = r.ID
		return json.Marshal(w)
	case KindError:
		return json.Marshal(wireError{
			JSONRPC: Version,
			Error:   wireErrorBody{Code: r.Code, Message: r.Text},
			ID:      r.ID,
		})
	default:
		return nil, fmt.Errorf("invalid response kind %v", r.Kind)
	}
}

// ParseResponse parses one response envelope and classifies it by its shape:
// an error member yields KindError; a result object containing "ack":true is
// an Ack, one containing "stop":true is a Final, and one containing an
// "update" member is an Update; anything else is a plain Result.
func ParseResponse(data []byte) (*Response, error) {
	var env struct {
		Result json.RawMessage `json:"result"`
		Error  *wireErrorBody  `json:"error"`
		ID     json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("invalid response: %w", err)
	}
	id := normalizeID(env.ID)
	if env.Error != nil {
		return &Response{Kind: KindError, ID: id, Code: env.Error.Code, Text: env.Error.Message}, nil
	}
	if env.Result == nil {
		return nil, fmt.Errorf("invalid response: no result or error")
	}
	if p := skipSpace(env.Result); len(p) != 0 && p[0] == '{' {
		var mark struct {
			Ack    bool            `json:"ack"`
			Update json.RawMessage `json:"update"`
			Value  json.RawMessage `json:"value"`
			Stop   bool            `json:"stop"`
		}
		if err := json.Unmarshal(env.Result, &mark); err == nil {
			switch {
			case mark.Ack:
				return &Response{Kind: KindAck, ID: id}, nil
			case mark.Stop:
				return &Response{Kind: KindFinal, ID: id, Value: mark.Value}, nil
			case mark.Update != nil:
				return &Response{Kind: KindUpdate, ID: id, Value: mark.Update}, nil
			}
		}
	}
	return &Response{Kind: KindResult, ID: id, Value: env.Result}, nil
}

// Heartbeat wire documents. A ping is answered with a pong by the transport;
// neither is ever surfaced to the Coordinator.
var (
	pingMessage = []byte(`{"ping":true}`)
	pongMessage = []byte(`{"pong":true}`)
)

// Ping returns the heartbeat probe document.
func Ping() []byte { return pingMessage }

// Pong returns the heartbeat reply document.
func Pong() []byte { return pongMessage }

// IsHeartbeat reports whether msg is a heartbeat document, and if so whether
// it is a ping (as opposed to a pong).
func IsHeartbeat(msg []byte) (ping, ok bool) {
	var hb struct {
		Ping bool `json:"ping"`
		Pong bool `json:"pong"`
	}
	if err := json.Unmarshal(msg, &hb); err != nil {
		return false, false
	}
	if hb.Ping || hb.Pong {
		return hb.Ping, true
	}
	return false, false
}

// normalizeID compacts a raw ID token so that equal IDs key equally, and
// folds a JSON null to nil (no ID).
func normalizeID(id json.RawMessage) json.RawMessage {
	id = skipSpace(id)
	if len(id) == 0 || bytes.Equal(id, []byte("null")) {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, id); err != nil {
		return id
	}
	return buf.Bytes()
}

func skipSpace(p []byte) json.RawMessage { return bytes.TrimLeft(p, " \t\r\n") }

func orNull(p json.RawMessage) json.RawMessage {
	if len(p) == 0 {
		return json.RawMessage("null")
	}
	return p
}

func fmtRaw(p json.RawMessage) string {
	if len(p) == 0 {
		return "<nil>"
	}
	return string(p)
}
