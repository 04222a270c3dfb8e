// Package jsonrpc implements newline-delimited JSON-RPC 2.0 connections to agent backends.
package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// ID is a request id as it appeared on the wire. Backends answer with
// either numbers or strings, so ids are compared through Key.
type ID struct {
	raw json.RawMessage
}

// NumericID builds an id from an integer.
func NumericID(n uint64) ID {
	return ID{raw: json.RawMessage(strconv.FormatUint(n, 10))}
}

// StringID builds an id from a string.
func StringID(s string) ID {
	b, _ := json.Marshal(s)
	return ID{raw: b}
}

// Key returns the normalised form used for correlation: 7 and "7" share a key.
func (id ID) Key() string {
	if len(id.raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(id.raw, &s); err == nil {
		return s
	}
	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(id.raw))
	dec.UseNumber()
	if err := dec.Decode(&n); err == nil {
		if i, err := n.Int64(); err == nil {
			return strconv.FormatInt(i, 10)
		}
		return n.String()
	}
	return string(id.raw)
}

// IsZero reports whether the id is absent or null.
func (id ID) IsZero() bool {
	return len(id.raw) == 0 || string(id.raw) == "null"
}

func (id ID) String() string {
	return id.Key()
}

// MarshalJSON writes the id exactly as received.
func (id ID) MarshalJSON() ([]byte, error) {
	if len(id.raw) == 0 {
		return []byte("null"), nil
	}
	return id.raw, nil
}

// UnmarshalJSON keeps the raw id.
func (id *ID) UnmarshalJSON(data []byte) error {
	id.raw = append(id.raw[:0], data...)
	return nil
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Message is any JSON-RPC frame: request, notification or response.
// Native SDK event lines carry a Type instead of a Method.
type Message struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      *ID             `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	Type    string          `json:"type,omitempty"`
}

func (m *Message) hasID() bool {
	return m.ID != nil && !m.ID.IsZero()
}

// IsResponse reports whether m answers one of our requests.
func (m *Message) IsResponse() bool {
	return m.hasID() && m.Method == "" && (m.Result != nil || m.Error != nil)
}

// IsRequest reports whether m is a server-initiated request that expects a reply.
func (m *Message) IsRequest() bool {
	return m.hasID() && m.Method != ""
}

// IsNotification reports whether m is a one-way message from the backend.
// Native SDK events may carry their own "id", which is not a request id.
func (m *Message) IsNotification() bool {
	if m.Method != "" {
		return !m.hasID()
	}
	return m.Type != "" && m.Result == nil && m.Error == nil
}

// DecodeError reports an inbound line that could not be parsed.
type DecodeError struct {
	Raw string
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode inbound line: %v (raw: %s)", e.Err, truncate(e.Raw, 200))
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Decode parses one line into a Message.
func Decode(line []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, &DecodeError{Raw: string(line), Err: err}
	}
	if !msg.IsResponse() && !msg.IsRequest() && !msg.IsNotification() {
		return nil, &DecodeError{Raw: string(line), Err: fmt.Errorf("not a request, response or notification")}
	}
	return &msg, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
