package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drewfead/conductor/internal/logging"
	"github.com/drewfead/conductor/pkg/jsonrpc"
)

const tracerName = "github.com/drewfead/conductor/internal/backend"

// Connection is the live link to one workspace's backend.
type Connection struct {
	workspaceID string
	path        string
	opts        Options

	rpc  *jsonrpc.Conn
	proc *jsonrpc.Process

	inbound chan Inbound
	tracer  trace.Tracer
	log     *slog.Logger

	syncs     chan chan struct{}
	forwarded chan struct{}
	closeOnce sync.Once
	closed    chan struct{}
}

// Connect starts the backend for a workspace and completes the handshake.
// Every failure is a *ConnectError and leaves nothing running.
func Connect(ctx context.Context, workspaceID, path string, opts Options) (*Connection, error) {
	opts = opts.withDefaults()

	var (
		transport jsonrpc.Transport
		proc      *jsonrpc.Process
	)
	switch opts.Kind {
	case KindRemote:
		header := http.Header{}
		if opts.TokenSecret != "" {
			token, err := SignToken(workspaceID, opts.TokenSecret, opts.TokenTTL, time.Now())
			if err != nil {
				return nil, &ConnectError{WorkspaceID: workspaceID, Err: err}
			}
			header.Set("Authorization", "Bearer "+token)
		}
		header.Set("X-Workspace-Path", path)
		dialCtx, cancel := context.WithTimeout(ctx, opts.InitTimeout)
		ws, err := jsonrpc.DialWebSocket(dialCtx, opts.RemoteURL, header)
		cancel()
		if err != nil {
			return nil, &ConnectError{WorkspaceID: workspaceID, Err: err}
		}
		transport = ws
	default:
		// The child must outlive ctx, which only scopes the handshake.
		p, err := jsonrpc.Spawn(context.Background(), jsonrpc.SpawnOptions{
			Bin:     opts.Bin,
			Args:    opts.Args,
			WorkDir: path,
			Env:     opts.Env,
		})
		if err != nil {
			return nil, &ConnectError{WorkspaceID: workspaceID, Err: err}
		}
		transport = p
		proc = p
	}

	c := newConnection(workspaceID, path, opts, transport, proc)
	if err := c.handshake(ctx); err != nil {
		c.teardown()
		return nil, &ConnectError{WorkspaceID: workspaceID, Err: err}
	}
	return c, nil
}

// Attach runs the handshake over an existing transport.
func Attach(ctx context.Context, workspaceID, path string, opts Options, transport jsonrpc.Transport) (*Connection, error) {
	opts = opts.withDefaults()
	c := newConnection(workspaceID, path, opts, transport, nil)
	if err := c.handshake(ctx); err != nil {
		c.teardown()
		return nil, &ConnectError{WorkspaceID: workspaceID, Err: err}
	}
	return c, nil
}

func newConnection(workspaceID, path string, opts Options, transport jsonrpc.Transport, proc *jsonrpc.Process) *Connection {
	c := &Connection{
		workspaceID: workspaceID,
		path:        path,
		opts:        opts,
		rpc:         jsonrpc.NewConn(transport, opts.InboundBuffer),
		proc:        proc,
		inbound:     make(chan Inbound, opts.InboundBuffer),
		tracer:      otel.Tracer(tracerName),
		log:         logging.With("workspace_id", workspaceID, "kind", string(opts.Kind)),
		syncs:       make(chan chan struct{}),
		forwarded:   make(chan struct{}),
		closed:      make(chan struct{}),
	}
	go c.forwardLoop()
	return c
}

// WorkspaceID returns the owning workspace.
func (c *Connection) WorkspaceID() string {
	return c.workspaceID
}

// Kind returns the backend family.
func (c *Connection) Kind() Kind {
	return c.opts.Kind
}

// Path returns the workspace working directory.
func (c *Connection) Path() string {
	return c.path
}

// PID returns the backend process id, or 0 for remote backends.
func (c *Connection) PID() int {
	if c.proc == nil {
		return 0
	}
	return c.proc.PID()
}

// Inbound delivers notifications, server requests, stderr lines, decode
// errors and finally one InboundClosed. It is closed after that.
func (c *Connection) Inbound() <-chan Inbound {
	return c.inbound
}

// Send issues a request bounded by the configured request timeout.
func (c *Connection) Send(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return c.SendWithTimeout(ctx, method, params, c.opts.RequestTimeout)
}

// SendWithTimeout issues a request with an explicit deadline.
func (c *Connection) SendWithTimeout(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	ctx, span := c.tracer.Start(ctx, "backend.request", trace.WithAttributes(
		attribute.String("workspace.id", c.workspaceID),
		attribute.String("backend.kind", string(c.opts.Kind)),
		attribute.String("rpc.method", method),
	))
	defer span.End()

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	result, err := c.rpc.Call(reqCtx, method, params)
	elapsed := time.Since(start)

	if err != nil {
		err = c.classify(ctx, method, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.log.Debug("backend request failed", "method", method, "elapsed", elapsed, "error", err)
		return nil, err
	}
	c.log.Debug("backend request", "method", method, "elapsed", elapsed)
	return result, nil
}

func (c *Connection) classify(ctx context.Context, method string, err error) error {
	var rpcErr *jsonrpc.Error
	switch {
	case errors.As(err, &rpcErr):
		return &BackendError{Method: method, Code: rpcErr.Code, Message: rpcErr.Message, Data: rpcErr.Data}
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		return fmt.Errorf("%s: %w", method, ErrTimeout)
	case errors.Is(err, jsonrpc.ErrClosed), errors.Is(err, jsonrpc.ErrTransportClosed):
		return fmt.Errorf("%s: %w", method, ErrDisconnected)
	default:
		return err
	}
}

// Notify sends a one-way message.
func (c *Connection) Notify(method string, params any) error {
	return c.rpc.Notify(method, params)
}

// Respond answers a server request such as an approval.
func (c *Connection) Respond(id jsonrpc.ID, result any) error {
	return c.rpc.Respond(id, result)
}

// RespondError rejects a server request.
func (c *Connection) RespondError(id jsonrpc.ID, code int, message string) error {
	return c.rpc.RespondError(id, code, message)
}

// Disconnect asks the backend to end its session, then tears the process
// or socket down. Teardown always happens; remote-side failures are logged.
func (c *Connection) Disconnect(ctx context.Context) error {
	select {
	case <-c.closed:
		return nil
	default:
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	if _, err := c.SendWithTimeout(shutdownCtx, "shutdown", nil, 2*time.Second); err != nil {
		c.log.Debug("backend shutdown request failed", "error", err)
	}
	cancel()

	c.teardown()
	return nil
}

func (c *Connection) teardown() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.rpc.Close()
		if c.proc != nil {
			c.proc.Close()
		}
	})
}

func (c *Connection) handshake(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.InitTimeout)
	defer cancel()

	clientInfo := map[string]any{
		"name":    c.opts.ClientName,
		"title":   c.opts.ClientName,
		"version": c.opts.ClientVersion,
	}

	var params any
	switch c.opts.Kind {
	case KindSDK:
		params = map[string]any{
			"protocolVersion": 1,
			"clientCapabilities": map[string]any{
				"fs": map[string]any{
					"readTextFile":  false,
					"writeTextFile": false,
				},
				"terminal": false,
			},
			"clientInfo": clientInfo,
		}
	default:
		params = map[string]any{"clientInfo": clientInfo}
	}

	if _, err := c.SendWithTimeout(ctx, "initialize", params, c.opts.InitTimeout); err != nil {
		if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("backend did not respond to initialize within %s", c.opts.InitTimeout)
		}
		return fmt.Errorf("initialize: %w", err)
	}

	if c.opts.Kind != KindSDK {
		if err := c.rpc.Notify("initialized", map[string]any{}); err != nil {
			return fmt.Errorf("initialized: %w", err)
		}
	}
	return nil
}

// forwardLoop merges the rpc stream with stderr into one ordered channel.
// Blocking sends give the consumer backpressure over the reader.
func (c *Connection) forwardLoop() {
	defer close(c.inbound)
	defer close(c.forwarded)
	defer func() {
		if r := recover(); r != nil {
			logging.CapturePanic(r, "component", "backend-forward", "workspace_id", c.workspaceID)
		}
	}()

	var stderr <-chan string
	if c.proc != nil {
		stderr = c.proc.Stderr()
	}

	for {
		select {
		case in, ok := <-c.rpc.Inbound():
			if !ok {
				c.emit(Inbound{Kind: InboundClosed, Err: c.closeReason()})
				return
			}
			if !c.forward(in) {
				return
			}
		case barrier := <-c.syncs:
			// Frames the reader queued before the barrier was requested
			// must reach the consumer ahead of it.
			rpcIn := c.rpc.Inbound()
			for len(rpcIn) > 0 {
				in, ok := <-rpcIn
				if !ok {
					break
				}
				if !c.forward(in) {
					return
				}
			}
			if !c.emit(Inbound{Kind: InboundBarrier, Barrier: barrier}) {
				return
			}
		case line := <-stderr:
			if !c.emit(Inbound{Kind: InboundStderr, Line: line}) {
				return
			}
		}
	}
}

func (c *Connection) forward(in jsonrpc.Inbound) bool {
	if in.Err != nil {
		c.log.Warn("dropping malformed backend line", "error", in.Err)
		return c.emit(Inbound{Kind: InboundDecodeError, Line: string(in.Raw), Err: in.Err})
	}
	return c.emit(Inbound{Kind: InboundMessage, Native: c.native(in)})
}

// Sync returns once the consumer of Inbound has handled every frame that
// arrived before the call. Responses are routed only after the frames
// preceding them are queued, so calling Sync after Send covers everything
// the backend emitted while that request was outstanding.
func (c *Connection) Sync(ctx context.Context) error {
	select {
	case <-c.closed:
		return ErrDisconnected
	default:
	}
	barrier := make(chan struct{})
	select {
	case c.syncs <- barrier:
	case <-c.forwarded:
		return ErrDisconnected
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-barrier:
		return nil
	case <-c.forwarded:
		select {
		case <-barrier:
			return nil
		default:
			return ErrDisconnected
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Connection) emit(in Inbound) bool {
	select {
	case c.inbound <- in:
		return true
	case <-c.closed:
		return false
	}
}

func (c *Connection) native(in jsonrpc.Inbound) Native {
	msg := in.Message
	n := Native{Kind: c.opts.Kind, Method: msg.Method}
	if msg.Method == "" {
		n.Type = msg.Type
		n.Params = in.Raw
		return n
	}
	if msg.IsRequest() {
		id := *msg.ID
		n.RequestID = &id
	}
	n.Params = msg.Params
	return n
}

func (c *Connection) closeReason() error {
	if err := c.rpc.Err(); err != nil {
		return err
	}
	select {
	case <-c.closed:
		return nil
	default:
	}
	if c.proc != nil {
		select {
		case <-c.proc.Done():
			if err := c.proc.ExitErr(); err != nil {
				return fmt.Errorf("backend exited: %w", err)
			}
			return fmt.Errorf("backend exited with code %d", c.proc.ExitCode())
		case <-time.After(500 * time.Millisecond):
		}
	}
	return errors.New("backend closed its output")
}
