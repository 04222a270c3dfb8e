// Package control provides the daemon control plane API: newline-delimited
// JSON requests and responses over a Unix socket, plus pushed events for
// stream subscribers.
package control

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/drewfead/conductor/internal/logging"
)

const (
	maxLineSize  = 16 * 1024 * 1024
	writeTimeout = 5 * time.Second
)

// Server handles incoming connections on the Unix socket.
type Server struct {
	socketPath string
	listener   net.Listener
	handlers   map[string]HandlerFunc
	streams    map[string]StreamHandlerFunc
	mu         sync.RWMutex
	clients    map[*clientConn]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// HandlerFunc is the signature for API method handlers. ctx is cancelled
// when the client disconnects or the server stops.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

// Request represents an incoming API request.
type Request struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
	ID     string          `json:"id,omitempty"`
}

// Response represents an outgoing API response.
type Response struct {
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
	ID    string `json:"id,omitempty"`
}

// Event represents a pushed event to clients.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Pushed event types.
const (
	EventCanonical      = "event"
	EventDaemonStopping = "daemon_stopping"
)

// NewServer creates a new control server.
func NewServer(socketPath string) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		socketPath: socketPath,
		handlers:   make(map[string]HandlerFunc),
		streams:    make(map[string]StreamHandlerFunc),
		clients:    make(map[*clientConn]struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Handle registers a handler for a method.
func (s *Server) Handle(method string, handler HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = handler
}

// Start begins listening for connections. It refuses to take over a socket
// another live daemon is serving.
func (s *Server) Start() error {
	if conn, err := net.DialTimeout("unix", s.socketPath, 500*time.Millisecond); err == nil {
		conn.Close()
		return fmt.Errorf("another daemon is listening on %s", s.socketPath)
	}
	os.Remove(s.socketPath)

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on socket: %w", err)
	}
	s.listener = listener

	os.Chmod(s.socketPath, 0700)

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Stop closes the listener and every client connection, then waits for
// in-flight handlers to return.
func (s *Server) Stop() error {
	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}

	s.mu.Lock()
	for c := range s.clients {
		c.conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	os.Remove(s.socketPath)
	return nil
}

// Broadcast sends an event to all connected clients.
func (s *Server) Broadcast(event Event) {
	s.mu.RLock()
	clients := make([]*clientConn, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()

	for _, c := range clients {
		c.write(event)
	}
}

// ClientCount returns the number of open connections.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			logging.Warn("control accept failed", "error", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}

		c := newClientConn(s.ctx, conn)
		s.mu.Lock()
		s.clients[c] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConnection(c)
	}
}

func (s *Server) handleConnection(c *clientConn) {
	defer s.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			logging.CapturePanic(r, "component", "control-conn")
		}
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
		c.close()
	}()

	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		var req Request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			c.write(Response{Error: "invalid request: " + err.Error()})
			continue
		}

		s.mu.RLock()
		handler, ok := s.handlers[req.Method]
		stream, isStream := s.streams[req.Method]
		s.mu.RUnlock()

		var (
			data any
			err  error
		)
		switch {
		case ok:
			data, err = s.call(c.ctx, req, handler)
		case isStream:
			data, err = s.call(c.ctx, req, func(ctx context.Context, params json.RawMessage) (any, error) {
				return stream(ctx, params, &Stream{client: c})
			})
		default:
			err = fmt.Errorf("unknown method: %s", req.Method)
		}

		if err != nil {
			c.write(Response{Error: err.Error(), ID: req.ID})
			continue
		}
		c.write(Response{Data: data, ID: req.ID})
	}
}

// call runs a handler, turning a panic into an error response.
func (s *Server) call(ctx context.Context, req Request, handler HandlerFunc) (data any, err error) {
	defer func() {
		if r := recover(); r != nil {
			logging.CapturePanic(r, "component", "control-handler", "method", req.Method)
			err = fmt.Errorf("internal error in %s", req.Method)
		}
	}()
	start := time.Now()
	data, err = handler(ctx, req.Params)
	logging.Debug("control request", "method", req.Method, "duration", time.Since(start), "error", err)
	return data, err
}

// clientConn serializes writes to one connection.
type clientConn struct {
	conn   net.Conn
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closed  bool
	onClose []func()
}

func newClientConn(parent context.Context, conn net.Conn) *clientConn {
	ctx, cancel := context.WithCancel(parent)
	return &clientConn{conn: conn, ctx: ctx, cancel: cancel}
}

func (c *clientConn) write(v any) bool {
	encoded, err := json.Marshal(v)
	if err != nil {
		logging.Warn("control encode failed", "error", err)
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := c.conn.Write(append(encoded, '\n')); err != nil {
		return false
	}
	return true
}

func (c *clientConn) close() {
	c.cancel()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	hooks := c.onClose
	c.onClose = nil
	c.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
	c.conn.Close()
}
