package control

import (
	"context"
	"encoding/json"
)

// StreamHandlerFunc handles a request that turns the connection into an
// event subscriber. The handler registers its cleanup with stream.OnClose
// and pushes events with stream.Send; its return value acknowledges the
// subscription.
type StreamHandlerFunc func(ctx context.Context, params json.RawMessage, stream *Stream) (any, error)

// Stream pushes events to one subscribed connection.
type Stream struct {
	client *clientConn
}

// Send writes an event to the subscriber. It returns false once the
// connection is gone or too slow to accept the write.
func (s *Stream) Send(ev Event) bool {
	return s.client.write(ev)
}

// Done is closed when the subscriber disconnects.
func (s *Stream) Done() <-chan struct{} {
	return s.client.ctx.Done()
}

// OnClose registers fn to run when the connection closes. If it has
// already closed, fn runs immediately.
func (s *Stream) OnClose(fn func()) {
	c := s.client
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		fn()
		return
	}
	c.onClose = append(c.onClose, fn)
	c.mu.Unlock()
}

// HandleStream registers a streaming handler for a method.
func (s *Server) HandleStream(method string, handler StreamHandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams[method] = handler
}
