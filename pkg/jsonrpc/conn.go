package jsonrpc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned for calls that were in flight when the connection went away.
var ErrClosed = errors.New("connection closed")

// Inbound is one unsolicited frame from the backend: a notification, a
// server request, or a line that failed to decode.
type Inbound struct {
	Message *Message
	Raw     json.RawMessage
	Err     error
}

// Conn correlates requests with responses over a Transport and forwards
// everything else on a bounded channel. A full channel blocks the reader.
type Conn struct {
	transport Transport

	nextID  atomic.Uint64
	mu      sync.Mutex
	pending map[string]chan *Message

	inbound chan Inbound
	done    chan struct{}
	once    sync.Once
	err     error
}

// NewConn starts reading from t. buffer bounds the inbound channel.
func NewConn(t Transport, buffer int) *Conn {
	if buffer <= 0 {
		buffer = 1
	}
	c := &Conn{
		transport: t,
		pending:   make(map[string]chan *Message),
		inbound:   make(chan Inbound, buffer),
		done:      make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Inbound is closed once the transport stops producing lines.
func (c *Conn) Inbound() <-chan Inbound {
	return c.inbound
}

// Done closes when the connection is shut down for any reason.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err reports why the connection ended; nil for a clean EOF or Close.
func (c *Conn) Err() error {
	<-c.done
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Call sends a request and waits for the matching response.
func (c *Conn) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	n := c.nextID.Add(1)
	id := NumericID(n)
	key := id.Key()

	ch := make(chan *Message, 1)
	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return nil, ErrClosed
	default:
	}
	c.pending[key] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, key)
		c.mu.Unlock()
	}()

	if err := c.write(&Message{ID: &id, Method: method}, params); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	}
}

// Notify sends a message that expects no reply.
func (c *Conn) Notify(method string, params any) error {
	return c.write(&Message{Method: method}, params)
}

// Respond answers a server request.
func (c *Conn) Respond(id ID, result any) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return c.write(&Message{ID: &id, Result: data}, nil)
}

// RespondError rejects a server request.
func (c *Conn) RespondError(id ID, code int, message string) error {
	return c.write(&Message{ID: &id, Error: &Error{Code: code, Message: message}}, nil)
}

// Close shuts the transport down and fails pending calls.
func (c *Conn) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *Conn) write(msg *Message, params any) error {
	msg.JSONRPC = "2.0"
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return err
		}
		msg.Params = data
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	return c.transport.WriteLine(data)
}

func (c *Conn) readLoop() {
	defer close(c.inbound)

	for {
		line, err := c.transport.ReadLine()
		var tooLong *LineTooLongError
		if errors.As(err, &tooLong) {
			in := Inbound{Raw: json.RawMessage(tooLong.Prefix), Err: &DecodeError{Raw: tooLong.Prefix, Err: tooLong}}
			if !c.deliver(in) {
				return
			}
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = nil
			}
			c.shutdown(err)
			return
		}
		if strings.TrimSpace(string(line)) == "" {
			continue
		}
		raw := make([]byte, len(line))
		copy(raw, line)

		msg, err := Decode(raw)
		if err != nil {
			if !c.deliver(Inbound{Raw: raw, Err: err}) {
				return
			}
			continue
		}

		if msg.IsResponse() {
			c.mu.Lock()
			ch, ok := c.pending[msg.ID.Key()]
			c.mu.Unlock()
			if ok {
				select {
				case ch <- msg:
				default:
				}
			}
			continue
		}

		if !c.deliver(Inbound{Message: msg, Raw: raw}) {
			return
		}
	}
}

func (c *Conn) deliver(in Inbound) bool {
	select {
	case c.inbound <- in:
		return true
	case <-c.done:
		return false
	}
}

func (c *Conn) shutdown(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		close(c.done)
		c.mu.Unlock()
		c.transport.Close()
	})
}
