// Package backend owns the per-workspace connection to an agent backend:
// spawning or dialing it, the initialize handshake, request/response
// correlation and the stream of unsolicited inbound messages.
package backend

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/drewfead/conductor/pkg/jsonrpc"
)

// Kind selects the backend protocol family.
type Kind string

const (
	KindLegacy Kind = "legacy"
	KindSDK    Kind = "sdk"
	KindRemote Kind = "remote"
)

// ParseKind accepts the configured backend name.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(KindLegacy), "codex":
		return KindLegacy, nil
	case string(KindSDK), "acp", "copilot":
		return KindSDK, nil
	case string(KindRemote):
		return KindRemote, nil
	default:
		return "", fmt.Errorf("unknown backend kind: %s", s)
	}
}

// Prefix tags passthrough events from this family.
func (k Kind) Prefix() string {
	switch k {
	case KindSDK:
		return "sdk"
	case KindRemote:
		return "remote"
	default:
		return "codex"
	}
}

// Options configures Connect.
type Options struct {
	Kind Kind

	// Subprocess kinds.
	Bin  string
	Args []string
	Env  map[string]string

	// Remote kind.
	RemoteURL   string
	TokenSecret string
	TokenTTL    time.Duration

	InitTimeout    time.Duration
	RequestTimeout time.Duration
	InboundBuffer  int

	ClientName    string
	ClientVersion string
}

func (o Options) withDefaults() Options {
	if o.Kind == "" {
		o.Kind = KindLegacy
	}
	if o.InitTimeout <= 0 {
		o.InitTimeout = 15 * time.Second
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 90 * time.Second
	}
	if o.InboundBuffer <= 0 {
		o.InboundBuffer = 256
	}
	if o.TokenTTL <= 0 {
		o.TokenTTL = 10 * time.Minute
	}
	if o.ClientName == "" {
		o.ClientName = "conductor"
	}
	if o.ClientVersion == "" {
		o.ClientVersion = "dev"
	}
	return o
}

// ErrTimeout is returned when a request outlives its deadline. The
// connection stays usable.
var ErrTimeout = errors.New("request timed out")

// ErrDisconnected is returned for requests on a connection that has gone away.
var ErrDisconnected = errors.New("backend disconnected")

// ConnectError reports a failed spawn, dial or handshake.
type ConnectError struct {
	WorkspaceID string
	Err         error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect workspace %s: %v", e.WorkspaceID, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// BackendError is an explicit error envelope returned by the backend.
type BackendError struct {
	Method  string
	Code    int
	Message string
	Data    json.RawMessage
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s failed: %s (code %d)", e.Method, e.Message, e.Code)
}

// IsMethodNotFound reports whether err says the backend does not implement the method.
func IsMethodNotFound(err error) bool {
	var be *BackendError
	return errors.As(err, &be) && be.Code == jsonrpc.CodeMethodNotFound
}

// Native is one backend message before translation.
type Native struct {
	Kind Kind
	// Method is empty for bare SDK event lines.
	Method string
	// Type is the SDK event type for bare event lines.
	Type string
	// RequestID is set when the backend expects a reply.
	RequestID *jsonrpc.ID
	// Params holds the params object, or the whole line for bare events.
	Params json.RawMessage
}

// IsRequest reports whether the backend is waiting on an answer.
func (n Native) IsRequest() bool {
	return n.RequestID != nil
}

// InboundKind classifies values on Connection.Inbound.
type InboundKind int

const (
	InboundMessage InboundKind = iota
	InboundStderr
	InboundDecodeError
	InboundClosed
	// InboundBarrier marks a point in the stream; the consumer closes
	// Barrier once it has handled everything before it.
	InboundBarrier
)

// Inbound is a value delivered by the connection to its consumer.
type Inbound struct {
	Kind   InboundKind
	Native Native
	// Line is the stderr text or the raw undecodable line.
	Line string
	// Err is the decode error, or why the connection closed.
	Err     error
	Barrier chan struct{}
}
