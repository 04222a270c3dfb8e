package jsonrpc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestWebSocketTransport(t *testing.T) {
	upgrader := websocket.Upgrader{}
	gotAuth := make(chan string, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth <- r.Header.Get("Authorization")
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		ws.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","method":"codex/connected","params":{}}`))
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var req Message
			if err := json.Unmarshal(data, &req); err != nil || req.ID == nil {
				continue
			}
			resp, _ := json.Marshal(Message{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(`{"ok":true}`)})
			ws.WriteMessage(websocket.TextMessage, resp)
		}
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	header := http.Header{}
	header.Set("Authorization", "Bearer token")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	transport, err := DialWebSocket(ctx, url, header)
	if err != nil {
		t.Fatalf("DialWebSocket failed: %v", err)
	}
	conn := NewConn(transport, 4)
	defer conn.Close()

	if auth := <-gotAuth; auth != "Bearer token" {
		t.Errorf("expected bearer header, got %q", auth)
	}

	in := <-conn.Inbound()
	if in.Message == nil || in.Message.Method != "codex/connected" {
		t.Fatalf("expected connected notification, got %+v", in)
	}

	result, err := conn.Call(ctx, "thread/list", map[string]any{"limit": 10})
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if string(result) != `{"ok":true}` {
		t.Errorf("unexpected result: %s", result)
	}
}
