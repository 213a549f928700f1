package mcp

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// RequestID identifies a request and correlates it with its response. The protocol allows
// either a string or an integer; RequestID keeps the original JSON type so it round-trips
// unchanged. RequestID is comparable and can be used as a map key: the integer 1 and the
// string "1" are different ids.
type RequestID struct {
	str   string
	num   int64
	isStr bool
}

// JSONRPCMessage is the wire representation of every MCP message. It can represent a request,
// a response, or a notification depending on which fields are populated:
//   - Request: JSONRPC, ID, Method, and optionally Params are set
//   - Response: JSONRPC, ID, and either Result or Error are set
//   - Notification: JSONRPC and Method are set (no ID)
//
// Use Encode and Decode to convert between JSONRPCMessage and the typed envelopes, which
// enforce those combinations.
type JSONRPCMessage struct {
	// JSONRPC must always be "2.0".
	JSONRPC string `json:"jsonrpc"`
	// ID is nil for notifications.
	ID *RequestID `json:"id,omitempty"`
	// Method contains the RPC method name for requests and notifications.
	Method string `json:"method,omitempty"`
	// Params contains the method parameters as raw JSON.
	Params json.RawMessage `json:"params,omitempty"`
	// Result contains the successful response data as raw JSON.
	Result json.RawMessage `json:"result,omitempty"`
	// Error contains error details if the request failed.
	Error *JSONRPCError `json:"error,omitempty"`
}

// JSONRPCError represents an error response in the JSON-RPC 2.0 protocol. It implements
// error, so request handlers may return it to control the code sent to the peer, and
// SendRequest returns it when the peer answered with an error.
type JSONRPCError struct {
	// Code indicates the error type that occurred.
	// Must use standard JSON-RPC error codes or custom codes outside the reserved range.
	Code int `json:"code"`

	// Message provides a short description of the error.
	Message string `json:"message"`

	// Data contains additional information about the error. May be omitted.
	Data json.RawMessage `json:"data,omitempty"`
}

// Message is one of *Request, *Notification or *Response.
type Message interface {
	isMessage()
}

// Request is a message that expects exactly one Response with the same ID.
type Request struct {
	ID     RequestID
	Method string
	Params json.RawMessage
}

// Notification is a message without an ID. It never elicits a Response.
type Notification struct {
	Method string
	Params json.RawMessage
}

// Response answers the Request with the same ID with either a Result or an Error.
type Response struct {
	ID     RequestID
	Result json.RawMessage
	Error  *JSONRPCError
}

// JSON-RPC and MCP error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	CodeToolNotFound            = -32001
	CodeToolExecutionError      = -32002
	CodeResourceNotFound        = -32003
	CodeResourceAccessError     = -32004
	CodePromptNotFound          = -32005
	CodePromptExecutionError    = -32006
	CodeInitializationError     = -32007
	CodeCapabilityMismatch      = -32008
	CodeTransportError          = -32009
	CodeProtocolVersionMismatch = -32010
	CodeAuthenticationError     = -32011
	CodeAuthorizationError      = -32012
	CodeRateLimitExceeded       = -32013
	CodeSchemaValidationError   = -32014
	CodeCancelled               = -32015
)

const (
	// JSONRPCVersion specifies the JSON-RPC protocol version tag carried by every message.
	JSONRPCVersion = "2.0"

	errMsgMethodNotFound   = "Method not found"
	errMsgInvalidParams    = "Invalid params"
	errMsgInternalError    = "Internal error"
	errMsgNotInitialized   = "Session not initialized"
	errMsgVersionMismatch  = "Unsupported protocol version"
	errMsgInvalidRequest   = "Invalid Request"
	errMsgRequestCancelled = "Request cancelled"
)

var emptyObject = json.RawMessage(`{}`)

// NewRequestID returns an integer RequestID.
func NewRequestID(n int64) RequestID {
	return RequestID{num: n}
}

// NewStringRequestID returns a string RequestID.
func NewStringRequestID(s string) RequestID {
	return RequestID{str: s, isStr: true}
}

// IsString reports whether the id was a JSON string.
func (id RequestID) IsString() bool { return id.isStr }

// Int returns the integer value of the id and whether the id is an integer.
func (id RequestID) Int() (int64, bool) { return id.num, !id.isStr }

func (id RequestID) String() string {
	if id.isStr {
		return id.str
	}
	return strconv.FormatInt(id.num, 10)
}

// MarshalJSON encodes the id as a JSON string or number, matching how it was created.
func (id RequestID) MarshalJSON() ([]byte, error) {
	if id.isStr {
		return json.Marshal(id.str)
	}
	return []byte(strconv.FormatInt(id.num, 10)), nil
}

// UnmarshalJSON accepts a JSON string or an integral JSON number.
func (id *RequestID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = NewStringRequestID(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or integer, got %s", data)
	}
	v, err := n.Int64()
	if err != nil {
		return fmt.Errorf("id must be a string or integer, got %s", data)
	}
	*id = NewRequestID(v)
	return nil
}

// NewJSONRPCError builds a JSONRPCError. A non-nil data is marshaled into the Data field; if
// marshaling fails the data is dropped.
func NewJSONRPCError(code int, message string, data any) *JSONRPCError {
	e := &JSONRPCError{Code: code, Message: message}
	if data != nil {
		if bs, err := json.Marshal(data); err == nil {
			e.Data = bs
		}
	}
	return e
}

func (j JSONRPCError) Error() string {
	if len(j.Data) == 0 {
		return fmt.Sprintf("request error, code: %d, message: %s", j.Code, j.Message)
	}
	return fmt.Sprintf("request error, code: %d, message: %s, data %s", j.Code, j.Message, j.Data)
}

func (*Request) isMessage()      {}
func (*Notification) isMessage() {}
func (*Response) isMessage()     {}

// Encode converts a typed envelope into its wire representation. A Response without an error
// and without a result is encoded with an explicit empty-object result, so a successful but
// empty response stays distinguishable from a malformed one.
func Encode(m Message) (JSONRPCMessage, error) {
	switch m := m.(type) {
	case *Request:
		if m.Method == "" {
			return JSONRPCMessage{}, errors.New("request method is required")
		}
		id := m.ID
		return JSONRPCMessage{
			JSONRPC: JSONRPCVersion,
			ID:      &id,
			Method:  m.Method,
			Params:  m.Params,
		}, nil
	case *Notification:
		if m.Method == "" {
			return JSONRPCMessage{}, errors.New("notification method is required")
		}
		return JSONRPCMessage{
			JSONRPC: JSONRPCVersion,
			Method:  m.Method,
			Params:  m.Params,
		}, nil
	case *Response:
		id := m.ID
		msg := JSONRPCMessage{
			JSONRPC: JSONRPCVersion,
			ID:      &id,
		}
		if m.Error != nil {
			e := *m.Error
			msg.Error = &e
			return msg, nil
		}
		msg.Result = m.Result
		if len(msg.Result) == 0 {
			msg.Result = emptyObject
		}
		return msg, nil
	case nil:
		return JSONRPCMessage{}, errors.New("nil message")
	default:
		return JSONRPCMessage{}, fmt.Errorf("unknown message type %T", m)
	}
}

// Decode classifies a wire message into a *Request, *Notification or *Response by the
// presence of its id, method, result and error members. It returns a *ParseError when the
// combination is ambiguous or incomplete.
func Decode(msg JSONRPCMessage) (Message, error) {
	if msg.JSONRPC != JSONRPCVersion {
		return nil, &ParseError{Reason: fmt.Sprintf("invalid jsonrpc version %q", msg.JSONRPC)}
	}

	hasMethod := msg.Method != ""
	hasResult := len(msg.Result) > 0
	hasError := msg.Error != nil

	if hasMethod {
		if hasResult || hasError {
			return nil, &ParseError{Reason: "message with method cannot carry result or error"}
		}
		if msg.ID == nil {
			return &Notification{Method: msg.Method, Params: msg.Params}, nil
		}
		return &Request{ID: *msg.ID, Method: msg.Method, Params: msg.Params}, nil
	}

	switch {
	case hasResult && hasError:
		return nil, &ParseError{Reason: "response cannot carry both result and error"}
	case !hasResult && !hasError:
		return nil, &ParseError{Reason: "message has neither method nor result/error"}
	case msg.ID == nil:
		if hasError {
			return nil, &ParseError{Reason: "error response without id", Err: msg.Error}
		}
		return nil, &ParseError{Reason: "response without id"}
	}

	res := &Response{ID: *msg.ID, Result: msg.Result}
	if hasError {
		e := *msg.Error
		res.Result = nil
		res.Error = &e
	}
	return res, nil
}

// MarshalMessage encodes m and serializes it to JSON.
func MarshalMessage(m Message) ([]byte, error) {
	msg, err := Encode(m)
	if err != nil {
		return nil, err
	}
	return json.Marshal(msg)
}

// UnmarshalMessage parses data and classifies it with Decode. Invalid JSON is reported as a
// *ParseError as well.
func UnmarshalMessage(data []byte) (Message, error) {
	msg, err := parseJSONRPCMessage(data)
	if err != nil {
		return nil, err
	}
	return Decode(msg)
}

func parseJSONRPCMessage(data []byte) (JSONRPCMessage, error) {
	var msg JSONRPCMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return JSONRPCMessage{}, &ParseError{Reason: "invalid json", Raw: data, Err: err}
	}
	return msg, nil
}

func marshalParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	}
	bs, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}
	return bs, nil
}
