// Package jsonrpc implements the JSON-RPC 2.0 message model used by the
// MCP wire protocol: typed requests, responses, and notifications, plus
// lossless encoding and decoding between wire bytes and those types.
//
// This layer is pure data transformation. It performs no I/O, keeps no
// state, and is deterministic: for every valid message m,
// Decode(Encode(m)) yields m.
package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Version is the JSON-RPC protocol version used by MCP.
const Version = "2.0"

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// ID is a request correlation token. JSON-RPC permits either an integer
// or a string; ID preserves whichever form was used so a response can be
// matched byte-for-byte against its request. The zero value is "unset"
// (a notification has no ID). ID is comparable and usable as a map key.
type ID struct {
	num   int64
	str   string
	isStr bool
	set   bool
}

// IntID returns an integer-valued ID.
func IntID(n int64) ID {
	return ID{num: n, set: true}
}

// StringID returns a string-valued ID.
func StringID(s string) ID {
	return ID{str: s, isStr: true, set: true}
}

// IsSet reports whether the ID carries a value.
func (id ID) IsSet() bool { return id.set }

// String renders the ID for logging.
func (id ID) String() string {
	switch {
	case !id.set:
		return "<none>"
	case id.isStr:
		return id.str
	default:
		return strconv.FormatInt(id.num, 10)
	}
}

// MarshalJSON implements json.Marshaler.
func (id ID) MarshalJSON() ([]byte, error) {
	if !id.set {
		return []byte("null"), nil
	}
	if id.isStr {
		return json.Marshal(id.str)
	}
	return json.Marshal(id.num)
}

// UnmarshalJSON implements json.Unmarshaler. Fractional numeric IDs are
// rejected; the protocol treats IDs as opaque integers or strings.
func (id *ID) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*id = ID{}
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = StringID(s)
		return nil
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("jsonrpc: id must be an integer or string: %q", data)
	}
	*id = IntID(n)
	return nil
}

// Message is one JSON-RPC message: a *Request, *Response, or
// *Notification. The set of implementations is closed.
type Message interface {
	message()
}

// Request is a message that expects a Response with a matching ID.
type Request struct {
	ID     ID
	Method string
	Params json.RawMessage
}

// Response carries either Result or Err for a previously sent Request.
// Exactly one of the two is non-nil in a well-formed response.
type Response struct {
	ID     ID
	Result json.RawMessage
	Err    *Error
}

// Notification is a fire-and-forget message; it carries no ID and must
// never be answered.
type Notification struct {
	Method string
	Params json.RawMessage
}

func (*Request) message()      {}
func (*Response) message()     {}
func (*Notification) message() {}

// Error is the JSON-RPC error object carried inside a Response in place
// of a result.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// DecodeError reports malformed wire data. It is local and
// non-retryable: the payload itself is wrong, not the connection.
type DecodeError struct {
	Reason string
}

// Error implements the error interface.
func (e *DecodeError) Error() string {
	return "jsonrpc decode: " + e.Reason
}

// envelope is the superset wire form used for both directions.
type envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *ID             `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Encode serializes one message to its canonical JSON-RPC 2.0 envelope.
// Field presence is deterministic: a Request never carries result or
// error, a Notification never carries an id.
func Encode(msg Message) ([]byte, error) {
	var env envelope
	env.JSONRPC = Version

	switch m := msg.(type) {
	case *Request:
		if !m.ID.IsSet() {
			return nil, fmt.Errorf("jsonrpc: request %q has no id", m.Method)
		}
		id := m.ID
		env.ID = &id
		env.Method = m.Method
		env.Params = m.Params
	case *Notification:
		env.Method = m.Method
		env.Params = m.Params
	case *Response:
		if !m.ID.IsSet() {
			return nil, fmt.Errorf("jsonrpc: response has no id")
		}
		if m.Err != nil && m.Result != nil {
			return nil, fmt.Errorf("jsonrpc: response carries both result and error")
		}
		id := m.ID
		env.ID = &id
		env.Error = m.Err
		if m.Err == nil {
			// A success response must carry a result member, even if null.
			env.Result = m.Result
			if env.Result == nil {
				env.Result = json.RawMessage("null")
			}
		}
	default:
		return nil, fmt.Errorf("jsonrpc: unknown message type %T", msg)
	}

	return json.Marshal(&env)
}

// Decode parses one frame of wire bytes into messages. A frame is either
// a single JSON object (one message) or a JSON array (a batch, decoded
// in array order). An empty batch is a decode error, as is invalid JSON,
// a version mismatch, or an envelope mixing mutually exclusive fields.
func Decode(data []byte) ([]Message, error) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 {
		return nil, &DecodeError{Reason: "empty payload"}
	}

	if trimmed[0] == '[' {
		var envs []json.RawMessage
		if err := json.Unmarshal(trimmed, &envs); err != nil {
			return nil, &DecodeError{Reason: fmt.Sprintf("invalid batch: %v", err)}
		}
		if len(envs) == 0 {
			return nil, &DecodeError{Reason: "empty batch"}
		}
		msgs := make([]Message, 0, len(envs))
		for i, raw := range envs {
			msg, err := decodeOne(raw)
			if err != nil {
				return nil, &DecodeError{Reason: fmt.Sprintf("batch[%d]: %v", i, err)}
			}
			msgs = append(msgs, msg)
		}
		return msgs, nil
	}

	msg, err := decodeOne(trimmed)
	if err != nil {
		return nil, err
	}
	return []Message{msg}, nil
}

// decodeOne classifies a single envelope. An object with a method is a
// Request (id present) or Notification (id absent); anything else must
// be a well-formed Response.
func decodeOne(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &DecodeError{Reason: fmt.Sprintf("invalid JSON: %v", err)}
	}
	if env.JSONRPC != Version {
		return nil, &DecodeError{Reason: fmt.Sprintf("jsonrpc version %q, want %q", env.JSONRPC, Version)}
	}

	if env.Method != "" {
		if env.Result != nil || env.Error != nil {
			return nil, &DecodeError{Reason: fmt.Sprintf("method %q mixed with result/error", env.Method)}
		}
		if env.ID != nil && env.ID.IsSet() {
			return &Request{ID: *env.ID, Method: env.Method, Params: env.Params}, nil
		}
		return &Notification{Method: env.Method, Params: env.Params}, nil
	}

	if env.Result != nil && env.Error != nil {
		return nil, &DecodeError{Reason: "response carries both result and error"}
	}
	if env.Result == nil && env.Error == nil {
		return nil, &DecodeError{Reason: "message has neither method nor result/error"}
	}
	if env.ID == nil || !env.ID.IsSet() {
		return nil, &DecodeError{Reason: "response has no id"}
	}
	return &Response{ID: *env.ID, Result: env.Result, Err: env.Error}, nil
}
