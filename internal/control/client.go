package control

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/drewfead/conductor/internal/event"
	"github.com/drewfead/conductor/internal/orchestrator"
	"github.com/drewfead/conductor/internal/store"
	"github.com/drewfead/conductor/internal/thread"
)

// ErrClientClosed is returned for calls on a closed client.
var ErrClientClosed = errors.New("client closed")

// PushedEvent is an event as received by a client.
type PushedEvent struct {
	Type    string
	Payload json.RawMessage
}

// envelope is the union of a response line and an event line.
type envelope struct {
	ID      string          `json:"id"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Client connects to the conductor daemon.
type Client struct {
	conn      net.Conn
	scanner   *bufio.Scanner
	mu        sync.Mutex
	wmu       sync.Mutex
	pending   map[string]chan *envelope
	events    chan PushedEvent
	done      chan struct{}
	closeOnce sync.Once
	connected atomic.Bool
}

// NewClient creates a new daemon client.
func NewClient(socketPath string) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to daemon: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	c := &Client{
		conn:    conn,
		scanner: scanner,
		pending: make(map[string]chan *envelope),
		events:  make(chan PushedEvent, 256),
		done:    make(chan struct{}),
	}
	c.connected.Store(true)

	go c.readLoop()
	return c, nil
}

// Close disconnects from the daemon.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.connected.Store(false)
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// Events returns pushed events. The channel closes when the connection does.
func (c *Client) Events() <-chan PushedEvent {
	return c.events
}

// Call makes an RPC call to the daemon and decodes the result into out,
// which may be nil.
func (c *Client) Call(ctx context.Context, method string, params any, out any) error {
	if !c.connected.Load() {
		return fmt.Errorf("not connected to daemon")
	}

	id := uuid.NewString()
	req := Request{Method: method, ID: id}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return err
		}
		req.Params = raw
	}

	respChan := make(chan *envelope, 1)
	c.mu.Lock()
	c.pending[id] = respChan
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	encoded, err := json.Marshal(req)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	_, err = c.conn.Write(append(encoded, '\n'))
	c.wmu.Unlock()
	if err != nil {
		return err
	}

	select {
	case resp := <-respChan:
		if resp.Error != "" {
			return errors.New(resp.Error)
		}
		if out != nil && len(resp.Data) > 0 {
			if err := json.Unmarshal(resp.Data, out); err != nil {
				return fmt.Errorf("decode %s response: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClientClosed
	}
}

func (c *Client) readLoop() {
	defer func() {
		c.connected.Store(false)
		close(c.events)
		c.Close()
	}()

	for c.scanner.Scan() {
		var env envelope
		if err := json.Unmarshal(c.scanner.Bytes(), &env); err != nil {
			continue
		}

		if env.Type != "" && env.ID == "" {
			select {
			case c.events <- PushedEvent{Type: env.Type, Payload: env.Payload}:
			case <-c.done:
				return
			}
			continue
		}

		if env.ID != "" {
			c.mu.Lock()
			if ch, ok := c.pending[env.ID]; ok {
				select {
				case ch <- &env:
				default:
				}
			}
			c.mu.Unlock()
		}
	}
}

// Subscribe turns this client into an event subscriber and returns the
// canonical events it receives. The channel closes with the connection.
func (c *Client) Subscribe(ctx context.Context, req SubscribeRequest) (<-chan event.Event, error) {
	if err := c.Call(ctx, "subscribe_events", req, nil); err != nil {
		return nil, err
	}
	out := make(chan event.Event, 64)
	go func() {
		defer close(out)
		for pe := range c.events {
			if pe.Type != EventCanonical {
				continue
			}
			var ev event.Event
			if err := json.Unmarshal(pe.Payload, &ev); err != nil {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Status describes the daemon.
func (c *Client) Status(ctx context.Context) (*StatusInfo, error) {
	var info StatusInfo
	if err := c.Call(ctx, "status", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// ListWorkspaces retrieves all registered workspaces.
func (c *Client) ListWorkspaces(ctx context.Context) ([]WorkspaceInfo, error) {
	var out []WorkspaceInfo
	err := c.Call(ctx, "list_workspaces", nil, &out)
	return out, err
}

// AddWorkspace registers a workspace.
func (c *Client) AddWorkspace(ctx context.Context, req AddWorkspaceRequest) (*WorkspaceInfo, error) {
	var out WorkspaceInfo
	if err := c.Call(ctx, "add_workspace", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RemoveWorkspace disconnects and forgets a workspace.
func (c *Client) RemoveWorkspace(ctx context.Context, workspaceID string) error {
	return c.Call(ctx, "remove_workspace", WorkspaceRequest{WorkspaceID: workspaceID}, nil)
}

// ConnectWorkspace starts the workspace's backend.
func (c *Client) ConnectWorkspace(ctx context.Context, workspaceID string) error {
	return c.Call(ctx, "connect_workspace", WorkspaceRequest{WorkspaceID: workspaceID}, nil)
}

// DisconnectWorkspace stops the workspace's backend.
func (c *Client) DisconnectWorkspace(ctx context.Context, workspaceID string) error {
	return c.Call(ctx, "disconnect_workspace", WorkspaceRequest{WorkspaceID: workspaceID}, nil)
}

// AppFocus reconnects dropped workspaces and rediscovers threads.
func (c *Client) AppFocus(ctx context.Context) ([]WorkspaceInfo, error) {
	var out []WorkspaceInfo
	err := c.Call(ctx, "app_focus", nil, &out)
	return out, err
}

// StartThread opens a new thread.
func (c *Client) StartThread(ctx context.Context, workspaceID string) (*thread.Thread, error) {
	var out thread.Thread
	if err := c.Call(ctx, "start_thread", WorkspaceRequest{WorkspaceID: workspaceID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListThreads lists thread summaries.
func (c *Client) ListThreads(ctx context.Context, workspaceID string, includeArchived bool) ([]thread.Thread, error) {
	var out []thread.Thread
	err := c.Call(ctx, "list_threads", ListThreadsRequest{WorkspaceID: workspaceID, IncludeArchived: includeArchived}, &out)
	return out, err
}

// GetThread returns a thread with its items.
func (c *Client) GetThread(ctx context.Context, workspaceID, threadID string) (*thread.Thread, error) {
	var out thread.Thread
	if err := c.Call(ctx, "get_thread", ThreadRequest{WorkspaceID: workspaceID, ThreadID: threadID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ResumeThread reloads a thread's items from the backend.
func (c *Client) ResumeThread(ctx context.Context, workspaceID, threadID string) (*thread.Thread, error) {
	var out thread.Thread
	if err := c.Call(ctx, "resume_thread", ThreadRequest{WorkspaceID: workspaceID, ThreadID: threadID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ArchiveThread hides a thread.
func (c *Client) ArchiveThread(ctx context.Context, workspaceID, threadID string) error {
	return c.Call(ctx, "archive_thread", ThreadRequest{WorkspaceID: workspaceID, ThreadID: threadID}, nil)
}

// RemoveThread deletes a thread.
func (c *Client) RemoveThread(ctx context.Context, workspaceID, threadID string) error {
	return c.Call(ctx, "remove_thread", ThreadRequest{WorkspaceID: workspaceID, ThreadID: threadID}, nil)
}

// ForkThread forks a thread.
func (c *Client) ForkThread(ctx context.Context, req ForkThreadRequest) (*thread.Thread, error) {
	var out thread.Thread
	if err := c.Call(ctx, "fork_thread", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StartReview starts a review and returns the thread it runs in.
func (c *Client) StartReview(ctx context.Context, req StartReviewRequest) (string, error) {
	var out StartReviewResponse
	if err := c.Call(ctx, "start_review", req, &out); err != nil {
		return "", err
	}
	return out.ReviewThreadID, nil
}

// SetThreadName renames a thread.
func (c *Client) SetThreadName(ctx context.Context, req SetThreadNameRequest) error {
	return c.Call(ctx, "set_thread_name", req, nil)
}

// PinThread pins or unpins a thread.
func (c *Client) PinThread(ctx context.Context, req PinThreadRequest) error {
	return c.Call(ctx, "pin_thread", req, nil)
}

// MarkThreadRead clears a thread's unread flag.
func (c *Client) MarkThreadRead(ctx context.Context, workspaceID, threadID string) error {
	return c.Call(ctx, "mark_thread_read", ThreadRequest{WorkspaceID: workspaceID, ThreadID: threadID}, nil)
}

// SetActiveThread focuses a thread.
func (c *Client) SetActiveThread(ctx context.Context, workspaceID, threadID string) error {
	return c.Call(ctx, "set_active_thread", ThreadRequest{WorkspaceID: workspaceID, ThreadID: threadID}, nil)
}

// SendUserMessage starts a turn and returns its id.
func (c *Client) SendUserMessage(ctx context.Context, req SendMessageRequest) (string, error) {
	var out SendMessageResponse
	if err := c.Call(ctx, "send_user_message", req, &out); err != nil {
		return "", err
	}
	return out.TurnID, nil
}

// InterruptTurn asks the backend to stop the active turn.
func (c *Client) InterruptTurn(ctx context.Context, workspaceID, threadID string) error {
	return c.Call(ctx, "interrupt_turn", ThreadRequest{WorkspaceID: workspaceID, ThreadID: threadID}, nil)
}

// ListApprovals returns pending approvals and the allowlist.
func (c *Client) ListApprovals(ctx context.Context, workspaceID string) (*ApprovalsInfo, error) {
	var out ApprovalsInfo
	if err := c.Call(ctx, "list_approvals", WorkspaceRequest{WorkspaceID: workspaceID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RespondToApproval resolves an approval.
func (c *Client) RespondToApproval(ctx context.Context, req RespondApprovalRequest) error {
	return c.Call(ctx, "respond_to_approval", req, nil)
}

// RememberApprovalRule adds an allowlist rule.
func (c *Client) RememberApprovalRule(ctx context.Context, req RememberRuleRequest) ([]orchestrator.Rule, error) {
	var out []orchestrator.Rule
	err := c.Call(ctx, "remember_approval_rule", req, &out)
	return out, err
}

// ModelList returns the backend's models.
func (c *Client) ModelList(ctx context.Context, workspaceID string) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.Call(ctx, "model_list", WorkspaceRequest{WorkspaceID: workspaceID}, &out)
	return out, err
}

// AccountRead returns the backend account.
func (c *Client) AccountRead(ctx context.Context, workspaceID string) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.Call(ctx, "account_read", WorkspaceRequest{WorkspaceID: workspaceID}, &out)
	return out, err
}

// AccountRateLimits returns the backend's usage limits.
func (c *Client) AccountRateLimits(ctx context.Context, workspaceID string) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.Call(ctx, "account_rate_limits", WorkspaceRequest{WorkspaceID: workspaceID}, &out)
	return out, err
}

// ListEvents reads the event journal, oldest first.
func (c *Client) ListEvents(ctx context.Context, req ListEventsRequest) ([]*store.JournalEntry, error) {
	var out []*store.JournalEntry
	err := c.Call(ctx, "list_events", req, &out)
	return out, err
}
