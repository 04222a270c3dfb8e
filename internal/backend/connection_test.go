package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/drewfead/conductor/pkg/jsonrpc"
)

// scriptedBackend answers requests by method and lets tests push lines.
type scriptedBackend struct {
	out      *io.PipeWriter
	requests chan jsonrpc.Message
	replies  map[string]string
}

func setupConnection(t *testing.T, kind Kind, replies map[string]string) (*Connection, *scriptedBackend, func()) {
	t.Helper()

	toBackendR, toBackendW := io.Pipe()
	fromBackendR, fromBackendW := io.Pipe()

	sb := &scriptedBackend{
		out:      fromBackendW,
		requests: make(chan jsonrpc.Message, 32),
		replies:  replies,
	}
	go sb.serve(toBackendR)

	opts := Options{Kind: kind, InitTimeout: 2 * time.Second, RequestTimeout: 200 * time.Millisecond, InboundBuffer: 8}
	conn, err := Attach(context.Background(), "ws-1", "/tmp/project", opts, jsonrpc.NewPipeTransport(fromBackendR, toBackendW))
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}

	cleanup := func() {
		conn.Disconnect(context.Background())
		fromBackendW.Close()
		toBackendR.Close()
	}
	return conn, sb, cleanup
}

func (s *scriptedBackend) serve(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		var msg jsonrpc.Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}
		s.requests <- msg
		if msg.ID == nil {
			continue
		}
		reply, ok := s.replies[msg.Method]
		if msg.Method == "shutdown" {
			reply, ok = `"result":null`, true
		}
		if !ok {
			continue // let the caller time out
		}
		id, _ := json.Marshal(msg.ID)
		s.push(`{"jsonrpc":"2.0","id":` + string(id) + `,` + reply + `}`)
	}
}

func (s *scriptedBackend) push(line string) {
	s.out.Write([]byte(line + "\n"))
}

func TestHandshake(t *testing.T) {
	t.Run("LegacySendsInitialized", func(t *testing.T) {
		_, sb, cleanup := setupConnection(t, KindLegacy, map[string]string{"initialize": `"result":{}`})
		defer cleanup()

		initReq := <-sb.requests
		if initReq.Method != "initialize" {
			t.Fatalf("expected initialize first, got %s", initReq.Method)
		}
		next := <-sb.requests
		if next.Method != "initialized" || next.ID != nil {
			t.Errorf("expected initialized notification, got %+v", next)
		}
	})

	t.Run("SDKAdvertisesProtocolVersion", func(t *testing.T) {
		_, sb, cleanup := setupConnection(t, KindSDK, map[string]string{"initialize": `"result":{"protocolVersion":1}`})
		defer cleanup()

		initReq := <-sb.requests
		var params struct {
			ProtocolVersion int `json:"protocolVersion"`
		}
		if err := json.Unmarshal(initReq.Params, &params); err != nil {
			t.Fatalf("bad params: %v", err)
		}
		if params.ProtocolVersion != 1 {
			t.Errorf("expected protocolVersion 1, got %d", params.ProtocolVersion)
		}
	})

	t.Run("FailureIsConnectError", func(t *testing.T) {
		toBackendR, toBackendW := io.Pipe()
		fromBackendR, fromBackendW := io.Pipe()
		defer fromBackendW.Close()
		go io.Copy(io.Discard, toBackendR)

		opts := Options{Kind: KindLegacy, InitTimeout: 50 * time.Millisecond}
		_, err := Attach(context.Background(), "ws-2", "/tmp", opts, jsonrpc.NewPipeTransport(fromBackendR, toBackendW))
		var connectErr *ConnectError
		if !errors.As(err, &connectErr) {
			t.Fatalf("expected ConnectError, got %v", err)
		}
		if connectErr.WorkspaceID != "ws-2" {
			t.Errorf("expected workspace ws-2, got %s", connectErr.WorkspaceID)
		}
	})
}

func TestSend(t *testing.T) {
	conn, _, cleanup := setupConnection(t, KindLegacy, map[string]string{
		"initialize":   `"result":{}`,
		"thread/list":  `"result":{"data":[]}`,
		"account/read": `"error":{"code":-32601,"message":"method not found"}`,
	})
	defer cleanup()

	t.Run("Result", func(t *testing.T) {
		result, err := conn.Send(context.Background(), "thread/list", map[string]any{"limit": 50})
		if err != nil {
			t.Fatalf("Send failed: %v", err)
		}
		if string(result) != `{"data":[]}` {
			t.Errorf("unexpected result %s", result)
		}
	})

	t.Run("BackendError", func(t *testing.T) {
		_, err := conn.Send(context.Background(), "account/read", nil)
		var be *BackendError
		if !errors.As(err, &be) {
			t.Fatalf("expected BackendError, got %v", err)
		}
		if !IsMethodNotFound(err) {
			t.Errorf("expected method-not-found, got code %d", be.Code)
		}
	})

	t.Run("Timeout", func(t *testing.T) {
		_, err := conn.Send(context.Background(), "turn/start", nil)
		if !errors.Is(err, ErrTimeout) {
			t.Fatalf("expected ErrTimeout, got %v", err)
		}
		// Connection survives a timeout.
		if _, err := conn.Send(context.Background(), "thread/list", nil); err != nil {
			t.Errorf("expected connection to stay usable, got %v", err)
		}
	})
}

func TestInbound(t *testing.T) {
	conn, sb, cleanup := setupConnection(t, KindSDK, map[string]string{"initialize": `"result":{}`})
	defer cleanup()

	sb.push(`{"jsonrpc":"2.0","method":"session/update","params":{"sessionId":"s1"}}`)
	sb.push(`{oops`)
	sb.push(`{"jsonrpc":"2.0","id":"perm-1","method":"session/request_permission","params":{"sessionId":"s1"}}`)
	sb.push(`{"type":"assistant.turn_start","id":"t1"}`)

	in := <-conn.Inbound()
	if in.Kind != InboundMessage || in.Native.Method != "session/update" || in.Native.IsRequest() {
		t.Fatalf("expected session/update notification, got %+v", in)
	}
	if in.Native.Kind != KindSDK {
		t.Errorf("expected sdk kind, got %s", in.Native.Kind)
	}

	in = <-conn.Inbound()
	if in.Kind != InboundDecodeError || in.Line != "{oops" {
		t.Fatalf("expected decode error for malformed line, got %+v", in)
	}

	in = <-conn.Inbound()
	if !in.Native.IsRequest() || in.Native.RequestID.Key() != "perm-1" {
		t.Fatalf("expected permission request, got %+v", in)
	}

	in = <-conn.Inbound()
	if in.Native.Type != "assistant.turn_start" || in.Native.Method != "" {
		t.Fatalf("expected bare sdk event, got %+v", in)
	}
	if string(in.Native.Params) != `{"type":"assistant.turn_start","id":"t1"}` {
		t.Errorf("expected raw line as params, got %s", in.Native.Params)
	}

	sb.out.Close()
	for in := range conn.Inbound() {
		if in.Kind == InboundClosed {
			return
		}
	}
	t.Error("expected InboundClosed before channel close")
}

func TestSync(t *testing.T) {
	t.Run("FramesBeforeResponseComeFirst", func(t *testing.T) {
		conn, sb, cleanup := setupConnection(t, KindSDK, map[string]string{
			"initialize":   `"result":{}`,
			"session/load": `"result":null`,
		})
		defer cleanup()

		seen := make(chan string, 16)
		go func() {
			for in := range conn.Inbound() {
				switch in.Kind {
				case InboundBarrier:
					seen <- "barrier"
					close(in.Barrier)
				case InboundMessage:
					seen <- in.Native.Method
				}
			}
		}()

		sb.push(`{"jsonrpc":"2.0","method":"session/update","params":{"sessionId":"s1","n":1}}`)
		sb.push(`{"jsonrpc":"2.0","method":"session/update","params":{"sessionId":"s1","n":2}}`)
		if _, err := conn.Send(context.Background(), "session/load", map[string]any{"sessionId": "s1"}); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := conn.Sync(ctx); err != nil {
			t.Fatalf("Sync failed: %v", err)
		}

		want := []string{"session/update", "session/update", "barrier"}
		for i, w := range want {
			select {
			case got := <-seen:
				if got != w {
					t.Errorf("position %d: expected %s, got %s", i, w, got)
				}
			default:
				t.Fatalf("position %d: expected %s to be handled before Sync returned", i, w)
			}
		}
	})

	t.Run("ClosedConnection", func(t *testing.T) {
		conn, _, cleanup := setupConnection(t, KindSDK, map[string]string{"initialize": `"result":{}`})
		cleanup()
		go func() {
			for range conn.Inbound() {
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := conn.Sync(ctx); !errors.Is(err, ErrDisconnected) {
			t.Errorf("expected ErrDisconnected, got %v", err)
		}
	})
}

func TestToken(t *testing.T) {
	token, err := SignToken("ws-9", "secret", time.Minute, time.Now())
	if err != nil {
		t.Fatalf("SignToken failed: %v", err)
	}
	ws, err := VerifyToken(token, "secret")
	if err != nil {
		t.Fatalf("VerifyToken failed: %v", err)
	}
	if ws != "ws-9" {
		t.Errorf("expected subject ws-9, got %s", ws)
	}
	if _, err := VerifyToken(token, "other"); err == nil {
		t.Error("expected verification failure with wrong secret")
	}
}

func TestParseKind(t *testing.T) {
	cases := map[string]Kind{"": KindLegacy, "codex": KindLegacy, "ACP": KindSDK, "sdk": KindSDK, "remote": KindRemote}
	for in, want := range cases {
		got, err := ParseKind(in)
		if err != nil || got != want {
			t.Errorf("ParseKind(%q) = %s, %v; want %s", in, got, err, want)
		}
	}
	if _, err := ParseKind("gemini"); err == nil {
		t.Error("expected error for unknown kind")
	}
}
