package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/drewfead/conductor/internal/backend"
	"github.com/drewfead/conductor/internal/event"
	"github.com/drewfead/conductor/internal/thread"
	"github.com/drewfead/conductor/pkg/jsonrpc"
)

type handlerFunc func(params any) (json.RawMessage, error)

type sentCall struct {
	method string
	params any
}

type response struct {
	id     string
	result any
}

// fakeSession scripts a backend: replies come from per-method handlers and
// inbound traffic is pushed by the test.
type fakeSession struct {
	kind    backend.Kind
	inbound chan backend.Inbound

	mu        sync.Mutex
	handlers  map[string]handlerFunc
	calls     []sentCall
	notifies  []sentCall
	responses []response
	rejected  []string
	closeOnce sync.Once
}

func newFakeSession(kind backend.Kind) *fakeSession {
	return &fakeSession{
		kind:     kind,
		inbound:  make(chan backend.Inbound, 64),
		handlers: make(map[string]handlerFunc),
	}
}

func (f *fakeSession) Kind() backend.Kind              { return f.kind }
func (f *fakeSession) Inbound() <-chan backend.Inbound { return f.inbound }

func (f *fakeSession) handle(method string, fn handlerFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[method] = fn
}

func (f *fakeSession) reply(method, result string) {
	f.handle(method, func(any) (json.RawMessage, error) { return json.RawMessage(result), nil })
}

func (f *fakeSession) Send(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return f.SendWithTimeout(ctx, method, params, time.Minute)
}

func (f *fakeSession) SendWithTimeout(_ context.Context, method string, params any, _ time.Duration) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, sentCall{method, params})
	fn := f.handlers[method]
	f.mu.Unlock()
	if fn == nil {
		return json.RawMessage(`{}`), nil
	}
	return fn(params)
}

func (f *fakeSession) Notify(method string, params any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifies = append(f.notifies, sentCall{method, params})
	return nil
}

func (f *fakeSession) Respond(id jsonrpc.ID, result any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, response{id.Key(), result})
	return nil
}

func (f *fakeSession) RespondError(id jsonrpc.ID, _ int, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejected = append(f.rejected, id.Key())
	return nil
}

func (f *fakeSession) Sync(ctx context.Context) error {
	barrier := make(chan struct{})
	f.inbound <- backend.Inbound{Kind: backend.InboundBarrier, Barrier: barrier}
	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeSession) Disconnect(context.Context) error {
	f.closeOnce.Do(func() { close(f.inbound) })
	return nil
}

func (f *fakeSession) push(n backend.Native) {
	f.inbound <- backend.Inbound{Kind: backend.InboundMessage, Native: n}
}

func (f *fakeSession) notify(method, params string) {
	f.push(backend.Native{Kind: f.kind, Method: method, Params: json.RawMessage(params)})
}

func (f *fakeSession) request(id int, method, params string) {
	rid := jsonrpc.NumericID(uint64(id))
	f.push(backend.Native{Kind: f.kind, Method: method, RequestID: &rid, Params: json.RawMessage(params)})
}

func (f *fakeSession) callCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.method == method {
			n++
		}
	}
	return n
}

func (f *fakeSession) responseList() []response {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]response(nil), f.responses...)
}

type captureSink struct {
	mu     sync.Mutex
	events []event.Event
}

func (c *captureSink) Publish(ev event.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *captureSink) byMethod(method string) []event.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []event.Event
	for _, ev := range c.events {
		if ev.Method == method {
			out = append(out, ev)
		}
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func setupOrchestrator(t *testing.T, kind backend.Kind, configure ...func(*Options)) (*Orchestrator, *fakeSession, *captureSink, func()) {
	t.Helper()

	fake := newFakeSession(kind)
	sink := &captureSink{}
	opts := Options{
		Dial: func(context.Context, Workspace) (Session, error) { return fake, nil },
		Sink: sink,
	}
	for _, fn := range configure {
		fn(&opts)
	}
	o := New(opts)
	o.Register(Workspace{ID: "W", Name: "web", Path: "/src/web", Kind: kind})
	if err := o.Connect(context.Background(), "W"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		o.Shutdown(ctx)
	}
	return o, fake, sink, cleanup
}

func threadState(t *testing.T, o *Orchestrator, id string) thread.Thread {
	t.Helper()
	th, err := o.GetThread("W", id)
	if err != nil {
		t.Fatalf("GetThread(%s) failed: %v", id, err)
	}
	return th
}

func hasThread(o *Orchestrator, id string) bool {
	_, err := o.GetThread("W", id)
	return err == nil
}

func startLegacyThread(t *testing.T, o *Orchestrator, fake *fakeSession, id string) {
	t.Helper()
	fake.reply("thread/start", `{"thread":{"id":"`+id+`","preview":"hello"}}`)
	if _, err := o.StartThread(context.Background(), "W"); err != nil {
		t.Fatalf("StartThread failed: %v", err)
	}
}

func TestConnect(t *testing.T) {
	t.Run("PublishesConnectedAndDiscovers", func(t *testing.T) {
		o, fake, sink, cleanup := setupOrchestrator(t, backend.KindLegacy)
		defer cleanup()

		if len(sink.byMethod(event.Connected)) != 1 {
			t.Errorf("expected one codex/connected event")
		}

		fake.reply("thread/list", `{"data":[
			{"id":"a","cwd":"/src/web","preview":"fix the build","createdAt":1700000000},
			{"id":"b","cwd":"/elsewhere","preview":"not ours"}
		]}`)
		o.Focus(context.Background())

		threads, err := o.ListThreads("W", false)
		if err != nil {
			t.Fatalf("ListThreads failed: %v", err)
		}
		if len(threads) != 1 || threads[0].ID != "a" || threads[0].Name != "fix the build" {
			t.Fatalf("expected only thread a to be discovered, got %+v", threads)
		}
		if threads[0].Status.Busy() {
			t.Errorf("discovered threads must not be live")
		}
	})

	t.Run("DiscoveryAfterUnregister", func(t *testing.T) {
		o, fake, _, cleanup := setupOrchestrator(t, backend.KindLegacy)
		defer cleanup()

		fake.reply("thread/list", `{"data":[{"id":"a","cwd":"/src/web","preview":"late page"}]}`)
		if err := o.discover(context.Background(), "gone", fake, "/src/web"); err != nil {
			t.Fatalf("discover failed: %v", err)
		}
		if _, err := o.GetThread("gone", "a"); err == nil {
			t.Errorf("threads must not be recorded for an unknown workspace")
		}
		if hasThread(o, "a") {
			t.Errorf("discovery for another workspace leaked into W")
		}
	})

	t.Run("DialFailure", func(t *testing.T) {
		sink := &captureSink{}
		o := New(Options{
			Dial: func(context.Context, Workspace) (Session, error) { return nil, errors.New("exec: codex not found") },
			Sink: sink,
		})
		o.Register(Workspace{ID: "W", Path: "/src/web"})

		err := o.Connect(context.Background(), "W")
		var ce *backend.ConnectError
		if !errors.As(err, &ce) {
			t.Fatalf("expected ConnectError, got %v", err)
		}
		errs := sink.byMethod(event.Error)
		if len(errs) != 1 || errs[0].Map("error")["code"] != "connect" {
			t.Errorf("expected a connect error event, got %+v", errs)
		}
		if _, err := o.StartThread(context.Background(), "W"); !errors.Is(err, ErrNotConnected) {
			t.Errorf("expected ErrNotConnected, got %v", err)
		}
	})

	t.Run("DisconnectIsIdempotent", func(t *testing.T) {
		o, _, sink, cleanup := setupOrchestrator(t, backend.KindLegacy)
		defer cleanup()

		for i := 0; i < 2; i++ {
			if err := o.Disconnect(context.Background(), "W"); err != nil {
				t.Fatalf("Disconnect #%d failed: %v", i+1, err)
			}
		}
		if got := len(sink.byMethod(event.Disconnected)); got != 1 {
			t.Errorf("expected one codex/disconnected event, got %d", got)
		}
	})
}

func TestSDKTurnStart(t *testing.T) {
	o, fake, sink, cleanup := setupOrchestrator(t, backend.KindSDK)
	defer cleanup()

	fake.push(backend.Native{
		Kind:   backend.KindSDK,
		Type:   "assistant.turn_start",
		Params: json.RawMessage(`{"type":"assistant.turn_start","id":"t1"}`),
	})
	waitFor(t, "thread W", func() bool { return hasThread(o, "W") })

	th := threadState(t, o, "W")
	if !th.Status.Processing || th.Status.ActiveTurnID != "t1" {
		t.Errorf("expected processing with turn t1, got %+v", th.Status)
	}

	started := sink.byMethod(event.TurnStarted)
	if len(started) != 1 {
		t.Fatalf("expected one turn/started, got %d", len(started))
	}
	data, _ := started[0].Marshal()
	want := `{"workspaceId":"W","method":"turn/started","params":{"turn":{"id":"t1","threadId":"W"}}}`
	if string(data) != want {
		t.Errorf("unexpected event\n got: %s\nwant: %s", data, want)
	}
}

func TestSendUserMessage(t *testing.T) {
	t.Run("BusyRejectsSecondSend", func(t *testing.T) {
		o, fake, sink, cleanup := setupOrchestrator(t, backend.KindLegacy)
		defer cleanup()
		startLegacyThread(t, o, fake, "th1")
		fake.reply("turn/start", `{"turn":{"id":"turn-1"}}`)

		turnID, err := o.SendUserMessage(context.Background(), "W", "th1", "  run the tests  ", SendOptions{Model: "gpt-5"})
		if err != nil {
			t.Fatalf("SendUserMessage failed: %v", err)
		}
		if turnID != "turn-1" {
			t.Errorf("expected turn-1, got %s", turnID)
		}
		if th := threadState(t, o, "th1"); !th.Status.Processing || th.Status.ActiveTurnID != "turn-1" {
			t.Errorf("expected processing turn-1, got %+v", th.Status)
		}

		_, err = o.SendUserMessage(context.Background(), "W", "th1", "again", SendOptions{})
		if !errors.Is(err, ErrBusy) {
			t.Fatalf("expected ErrBusy, got %v", err)
		}
		if got := fake.callCount("turn/start"); got != 1 {
			t.Errorf("expected one turn/start request, got %d", got)
		}
		if got := len(sink.byMethod(event.TurnStarted)); got != 1 {
			t.Errorf("expected one turn/started event, got %d", got)
		}
		if th := threadState(t, o, "th1"); th.Status.ActiveTurnID != "turn-1" {
			t.Errorf("busy rejection must not touch state, got %+v", th.Status)
		}
	})

	t.Run("EmptyMessage", func(t *testing.T) {
		o, fake, _, cleanup := setupOrchestrator(t, backend.KindLegacy)
		defer cleanup()
		startLegacyThread(t, o, fake, "th1")

		if _, err := o.SendUserMessage(context.Background(), "W", "th1", " \n\t", SendOptions{}); !errors.Is(err, ErrEmptyMessage) {
			t.Errorf("expected ErrEmptyMessage, got %v", err)
		}
	})

	t.Run("ConcurrentSendsStartOneTurn", func(t *testing.T) {
		o, fake, sink, cleanup := setupOrchestrator(t, backend.KindLegacy)
		defer cleanup()
		startLegacyThread(t, o, fake, "th1")

		release := make(chan struct{})
		fake.handle("turn/start", func(any) (json.RawMessage, error) {
			<-release
			return json.RawMessage(`{"turn":{"id":"turn-1"}}`), nil
		})

		const senders = 8
		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			started  []string
			busy     int
			failures []error
		)
		for i := 0; i < senders; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				turnID, err := o.SendUserMessage(context.Background(), "W", "th1", "go", SendOptions{})
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					started = append(started, turnID)
				case errors.Is(err, ErrBusy):
					busy++
				default:
					failures = append(failures, err)
				}
			}()
		}
		waitFor(t, "losing senders", func() bool {
			mu.Lock()
			defer mu.Unlock()
			return busy+len(failures) == senders-1
		})
		close(release)
		wg.Wait()

		if len(failures) != 0 {
			t.Errorf("unexpected errors: %v", failures)
		}
		if len(started) != 1 || started[0] != "turn-1" {
			t.Errorf("expected exactly one started turn, got %v", started)
		}
		if busy != senders-1 {
			t.Errorf("expected %d ErrBusy results, got %d", senders-1, busy)
		}
		if got := fake.callCount("turn/start"); got != 1 {
			t.Errorf("expected one turn/start request, got %d", got)
		}
		if got := len(sink.byMethod(event.TurnStarted)); got != 1 {
			t.Errorf("expected one turn/started event, got %d", got)
		}
	})

	t.Run("PendingSendDoesNotBlockOtherThreads", func(t *testing.T) {
		o, fake, _, cleanup := setupOrchestrator(t, backend.KindLegacy)
		defer cleanup()
		startLegacyThread(t, o, fake, "th1")
		startLegacyThread(t, o, fake, "th2")

		release := make(chan struct{})
		fake.handle("turn/start", func(any) (json.RawMessage, error) {
			<-release
			return json.RawMessage(`{"turn":{"id":"turn-1"}}`), nil
		})

		done := make(chan error, 1)
		go func() {
			_, err := o.SendUserMessage(context.Background(), "W", "th1", "slow", SendOptions{})
			done <- err
		}()
		waitFor(t, "turn/start in flight", func() bool { return fake.callCount("turn/start") == 1 })

		fake.notify("item/completed", `{"threadId":"th2","turnId":"t9","item":{"id":"m1","type":"agentMessage","text":"still flowing"}}`)
		fake.notify("item/completed", `{"threadId":"th1","turnId":"t0","item":{"id":"m2","type":"agentMessage","text":"also th1"}}`)
		waitFor(t, "events for both threads", func() bool {
			return len(threadState(t, o, "th2").Items) == 1 && len(threadState(t, o, "th1").Items) == 1
		})

		select {
		case err := <-done:
			t.Fatalf("send returned before its request was answered: %v", err)
		default:
		}
		close(release)
		if err := <-done; err != nil {
			t.Errorf("SendUserMessage failed: %v", err)
		}
		if th := threadState(t, o, "th1"); th.Status.ActiveTurnID != "turn-1" {
			t.Errorf("expected th1 processing turn-1, got %+v", th.Status)
		}
	})

	t.Run("SDKPrompt", func(t *testing.T) {
		o, fake, sink, cleanup := setupOrchestrator(t, backend.KindSDK)
		defer cleanup()

		release := make(chan struct{})
		fake.reply("session/new", `{"sessionId":"s1"}`)
		fake.handle("session/prompt", func(any) (json.RawMessage, error) {
			<-release
			return json.RawMessage(`{"stopReason":"end_turn"}`), nil
		})

		th, err := o.StartThread(context.Background(), "W")
		if err != nil {
			t.Fatalf("StartThread failed: %v", err)
		}
		if th.ID != "s1" {
			t.Fatalf("expected thread s1, got %s", th.ID)
		}

		turnID, err := o.SendUserMessage(context.Background(), "W", "s1", "hi", SendOptions{})
		if err != nil {
			t.Fatalf("SendUserMessage failed: %v", err)
		}
		fake.notify("session/update", `{"sessionId":"s1","update":{"sessionUpdate":"agent_message_chunk","content":{"type":"text","text":"Hello"}}}`)
		waitFor(t, "streamed message", func() bool {
			return len(threadState(t, o, "s1").Items) == 2
		})
		close(release)
		waitFor(t, "turn completion", func() bool {
			return !threadState(t, o, "s1").Status.Busy()
		})

		items := threadState(t, o, "s1").Items
		if items[0].ID != turnID+":userMessage" || items[0].Text != "hi" {
			t.Errorf("unexpected user item %+v", items[0])
		}
		if items[1].ID != turnID+":agentMessage" || items[1].Text != "Hello" {
			t.Errorf("unexpected agent item %+v", items[1])
		}
		completed := sink.byMethod(event.TurnCompleted)
		if len(completed) != 1 || completed[0].Map("turn")["status"] != "completed" {
			t.Errorf("expected one completed turn, got %+v", completed)
		}
	})
}

func TestInterruptTurn(t *testing.T) {
	t.Run("NoActiveTurnIsNoop", func(t *testing.T) {
		o, fake, _, cleanup := setupOrchestrator(t, backend.KindLegacy)
		defer cleanup()
		startLegacyThread(t, o, fake, "th1")

		if err := o.InterruptTurn(context.Background(), "W", "th1"); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if fake.callCount("turn/interrupt") != 0 {
			t.Errorf("expected no backend request")
		}
	})

	t.Run("GraceClearsTurn", func(t *testing.T) {
		o, fake, sink, cleanup := setupOrchestrator(t, backend.KindLegacy, func(opts *Options) {
			opts.InterruptGrace = 20 * time.Millisecond
		})
		defer cleanup()
		startLegacyThread(t, o, fake, "th1")
		fake.reply("turn/start", `{"turn":{"id":"turn-1"}}`)
		if _, err := o.SendUserMessage(context.Background(), "W", "th1", "loop forever", SendOptions{}); err != nil {
			t.Fatalf("SendUserMessage failed: %v", err)
		}

		if err := o.InterruptTurn(context.Background(), "W", "th1"); err != nil {
			t.Fatalf("InterruptTurn failed: %v", err)
		}
		waitFor(t, "forced completion", func() bool {
			return !threadState(t, o, "th1").Status.Busy()
		})
		completed := sink.byMethod(event.TurnCompleted)
		if len(completed) != 1 || completed[0].Map("turn")["status"] != "interrupted" {
			t.Errorf("expected one interrupted completion, got %+v", completed)
		}
	})

	t.Run("CompletionBeforeGrace", func(t *testing.T) {
		o, fake, sink, cleanup := setupOrchestrator(t, backend.KindLegacy, func(opts *Options) {
			opts.InterruptGrace = 50 * time.Millisecond
		})
		defer cleanup()
		startLegacyThread(t, o, fake, "th1")
		fake.reply("turn/start", `{"turn":{"id":"turn-1"}}`)
		if _, err := o.SendUserMessage(context.Background(), "W", "th1", "go", SendOptions{}); err != nil {
			t.Fatalf("SendUserMessage failed: %v", err)
		}
		if err := o.InterruptTurn(context.Background(), "W", "th1"); err != nil {
			t.Fatalf("InterruptTurn failed: %v", err)
		}
		fake.notify("turn/completed", `{"threadId":"th1","turn":{"id":"turn-1","status":"interrupted"}}`)
		waitFor(t, "completion", func() bool { return !threadState(t, o, "th1").Status.Busy() })

		time.Sleep(100 * time.Millisecond)
		if got := len(sink.byMethod(event.TurnCompleted)); got != 1 {
			t.Errorf("expected the grace timer to be cancelled, got %d completions", got)
		}
	})
}

func TestResumeThread(t *testing.T) {
	t.Run("BackendLogReplacesLocal", func(t *testing.T) {
		o, fake, _, cleanup := setupOrchestrator(t, backend.KindLegacy)
		defer cleanup()
		startLegacyThread(t, o, fake, "th1")

		fake.notify("item/completed", `{"threadId":"th1","turnId":"old","item":{"id":"local-1","type":"agentMessage","text":"cached"}}`)
		waitFor(t, "local item", func() bool { return len(threadState(t, o, "th1").Items) == 1 })

		fake.reply("thread/resume", `{"thread":{"id":"th1","turns":[
			{"id":"t1","items":[
				{"type":"userMessage","content":[{"type":"text","text":"build it"}]},
				{"id":"m1","type":"agentMessage","text":"done"}
			]}
		]}}`)
		th, err := o.ResumeThread(context.Background(), "W", "th1")
		if err != nil {
			t.Fatalf("ResumeThread failed: %v", err)
		}
		if len(th.Items) != 2 {
			t.Fatalf("expected the backend log to replace the local one, got %+v", th.Items)
		}
		if th.Items[0].ID != "t1:0" || th.Items[0].Text != "build it" || th.Items[0].Role != "user" {
			t.Errorf("unexpected first item %+v", th.Items[0])
		}
		if th.Items[1].ID != "m1" || th.Items[1].Text != "done" {
			t.Errorf("unexpected second item %+v", th.Items[1])
		}
	})

	t.Run("SDKReplayBecomesSnapshot", func(t *testing.T) {
		o, fake, sink, cleanup := setupOrchestrator(t, backend.KindSDK)
		defer cleanup()

		chunk := func(kind, text string) {
			fake.notify("session/update", `{"sessionId":"s1","update":{"sessionUpdate":"`+kind+`","content":{"type":"text","text":"`+text+`"}}}`)
		}
		fake.handle("session/load", func(any) (json.RawMessage, error) {
			chunk("user_message_chunk", "fix ")
			chunk("user_message_chunk", "the build")
			chunk("agent_message_chunk", "on it")
			chunk("user_message_chunk", "thanks")
			chunk("agent_message_chunk", "any ")
			chunk("agent_message_chunk", "time")
			return json.RawMessage(`null`), nil
		})

		th, err := o.ResumeThread(context.Background(), "W", "s1")
		if err != nil {
			t.Fatalf("ResumeThread failed: %v", err)
		}

		want := []struct{ role, text string }{
			{"user", "fix the build"},
			{"assistant", "on it"},
			{"user", "thanks"},
			{"assistant", "any time"},
		}
		if len(th.Items) != len(want) {
			t.Fatalf("expected %d replayed items in the snapshot, got %+v", len(want), th.Items)
		}
		seen := map[string]bool{}
		for i, w := range want {
			if th.Items[i].Role != w.role || th.Items[i].Text != w.text {
				t.Errorf("item %d: expected %s %q, got %+v", i, w.role, w.text, th.Items[i])
			}
			if seen[th.Items[i].ID] {
				t.Errorf("item %d reuses id %s", i, th.Items[i].ID)
			}
			seen[th.Items[i].ID] = true
		}

		resumed := sink.byMethod(event.ThreadResumed)
		if len(resumed) != 1 {
			t.Fatalf("expected one thread/resumed event, got %d", len(resumed))
		}
		if n, _ := resumed[0].Params["items"].(int); n != len(want) {
			t.Errorf("expected thread/resumed to count %d items, got %v", len(want), resumed[0].Params["items"])
		}
	})

	t.Run("FailureForgetsNewThread", func(t *testing.T) {
		o, fake, _, cleanup := setupOrchestrator(t, backend.KindLegacy)
		defer cleanup()
		fake.handle("thread/resume", func(any) (json.RawMessage, error) {
			return nil, errors.New("thread not found: ghost")
		})

		if _, err := o.ResumeThread(context.Background(), "W", "ghost"); err == nil {
			t.Fatalf("expected ResumeThread to fail")
		}
		if hasThread(o, "ghost") {
			t.Errorf("a failed resume must not leave the thread behind")
		}
		threads, err := o.ListThreads("W", true)
		if err != nil {
			t.Fatalf("ListThreads failed: %v", err)
		}
		if len(threads) != 0 {
			t.Errorf("expected no threads, got %+v", threads)
		}
	})

	t.Run("FailureKeepsKnownThread", func(t *testing.T) {
		o, fake, _, cleanup := setupOrchestrator(t, backend.KindLegacy)
		defer cleanup()
		startLegacyThread(t, o, fake, "th1")
		fake.handle("thread/resume", func(any) (json.RawMessage, error) {
			return nil, errors.New("backend unavailable")
		})

		if _, err := o.ResumeThread(context.Background(), "W", "th1"); err == nil {
			t.Fatalf("expected ResumeThread to fail")
		}
		if !hasThread(o, "th1") {
			t.Errorf("a failed resume must keep a thread that existed before")
		}
	})
}

func TestApprovals(t *testing.T) {
	o, fake, sink, cleanup := setupOrchestrator(t, backend.KindLegacy)
	defer cleanup()
	startLegacyThread(t, o, fake, "th1")

	fake.request(7, "item/commandExecution/requestApproval", `{"threadId":"th1","turnId":"turn-1","command":"go test ./..."}`)
	waitFor(t, "pending approval", func() bool {
		pending, _ := o.PendingApprovals("W")
		return len(pending) == 1
	})

	t.Run("UnknownDecision", func(t *testing.T) {
		if err := o.RespondToApproval(context.Background(), "W", "7", Decision{Decision: "maybe"}, false); err == nil {
			t.Errorf("expected an error for an unknown decision")
		}
	})

	t.Run("ResolvedExactlyOnce", func(t *testing.T) {
		if err := o.RespondToApproval(context.Background(), "W", "7", Decision{Decision: DecisionAccept}, true); err != nil {
			t.Fatalf("RespondToApproval failed: %v", err)
		}
		err := o.RespondToApproval(context.Background(), "W", "7", Decision{Decision: DecisionAccept}, false)
		if !errors.Is(err, ErrApprovalNotFound) {
			t.Errorf("expected ErrApprovalNotFound, got %v", err)
		}
		responses := fake.responseList()
		if len(responses) != 1 || responses[0].id != "7" {
			t.Fatalf("expected one response to request 7, got %+v", responses)
		}
		result := responses[0].result.(map[string]any)
		if result["decision"] != "acceptForSession" {
			t.Errorf("expected acceptForSession, got %v", result["decision"])
		}
	})

	t.Run("AllowlistShortCircuits", func(t *testing.T) {
		fake.request(8, "item/commandExecution/requestApproval", `{"threadId":"th1","command":["go","test","./...","-run","X"]}`)
		waitFor(t, "allowlisted response", func() bool { return len(fake.responseList()) == 2 })

		pending, _ := o.PendingApprovals("W")
		if len(pending) != 0 {
			t.Errorf("expected no pending approvals, got %+v", pending)
		}
		if got := len(sink.byMethod(event.Approval("commandExecution"))); got != 1 {
			t.Errorf("expected only the first request to reach the user, got %d", got)
		}
	})

	t.Run("OtherCommandsStillAsk", func(t *testing.T) {
		fake.request(9, "item/commandExecution/requestApproval", `{"threadId":"th1","command":"rm -rf build"}`)
		waitFor(t, "pending approval", func() bool {
			pending, _ := o.PendingApprovals("W")
			return len(pending) == 1
		})
		pending, _ := o.PendingApprovals("W")
		if pending[0].ID != "9" || pending[0].ThreadID != "th1" || pending[0].Kind != "commandExecution" {
			t.Errorf("unexpected approval %+v", pending[0])
		}
	})
}

func TestApprovalResult(t *testing.T) {
	permission := &Approval{Kind: "permission", Payload: map[string]any{
		"options": []any{
			map[string]any{"optionId": "o1", "kind": "allow_once"},
			map[string]any{"optionId": "o2", "kind": "allow_always"},
			map[string]any{"optionId": "o3", "kind": "reject_once"},
		},
	}}

	tests := []struct {
		name     string
		approval *Approval
		decision string
		remember bool
		key      string
		want     any
	}{
		{"LegacyApproved", &Approval{Kind: "execCommand"}, DecisionAccept, false, "decision", "approved"},
		{"LegacyForSession", &Approval{Kind: "applyPatch"}, DecisionAccept, true, "decision", "approved_for_session"},
		{"LegacyAbort", &Approval{Kind: "execCommand"}, DecisionCancel, false, "decision", "abort"},
		{"V2Decline", &Approval{Kind: "fileChange"}, DecisionDecline, false, "decision", "decline"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := approvalResult(tt.approval, Decision{Decision: tt.decision}, tt.remember)
			if got[tt.key] != tt.want {
				t.Errorf("expected %s=%v, got %v", tt.key, tt.want, got)
			}
		})
	}

	t.Run("PermissionOptions", func(t *testing.T) {
		pick := func(decision string, remember bool) any {
			got := approvalResult(permission, Decision{Decision: decision}, remember)
			outcome := got["outcome"].(map[string]any)
			if outcome["outcome"] == "cancelled" {
				return "cancelled"
			}
			return outcome["optionId"]
		}
		if got := pick(DecisionAccept, false); got != "o1" {
			t.Errorf("accept: expected o1, got %v", got)
		}
		if got := pick(DecisionAccept, true); got != "o2" {
			t.Errorf("remember: expected o2, got %v", got)
		}
		if got := pick(DecisionDecline, false); got != "o3" {
			t.Errorf("decline: expected o3, got %v", got)
		}
		if got := pick(DecisionCancel, false); got != "cancelled" {
			t.Errorf("cancel: expected cancelled, got %v", got)
		}
	})
}

func TestDetachedReview(t *testing.T) {
	o, fake, sink, cleanup := setupOrchestrator(t, backend.KindLegacy)
	defer cleanup()
	startLegacyThread(t, o, fake, "P")
	fake.reply("thread/start", `{"thread":{"id":"other"}}`)
	if _, err := o.StartThread(context.Background(), "W"); err != nil {
		t.Fatalf("StartThread failed: %v", err)
	}

	fake.reply("review/start", `{"reviewThreadId":"R","turn":{"id":"rt1"}}`)
	reviewID, err := o.StartReview(context.Background(), "W", "P", nil, DeliveryDetached)
	if err != nil {
		t.Fatalf("StartReview failed: %v", err)
	}
	if reviewID != "R" {
		t.Fatalf("expected review thread R, got %s", reviewID)
	}
	review := threadState(t, o, "R")
	if review.ParentID != "P" || !review.DetachedReview || !review.Status.Reviewing {
		t.Fatalf("unexpected review thread %+v", review)
	}

	for i := 0; i < 2; i++ {
		fake.notify("turn/completed", `{"threadId":"R","turn":{"id":"rt1","status":"completed"}}`)
	}
	waitFor(t, "review completion", func() bool { return !threadState(t, o, "R").Status.Busy() })
	// Let the duplicate completion drain through the pump.
	fake.notify("turn/completed", `{"threadId":"R","turn":{"id":"rt1"}}`)
	waitFor(t, "third completion", func() bool { return len(sink.byMethod(event.TurnCompleted)) == 3 })

	parent := threadState(t, o, "P")
	notices := 0
	for _, it := range parent.Items {
		if it.Kind == thread.KindNotice && it.ReviewID == "R" {
			notices++
			if it.ID != "review-R" {
				t.Errorf("unexpected notice id %s", it.ID)
			}
		}
	}
	if notices != 1 {
		t.Errorf("expected exactly one notice on P, got %d", notices)
	}
	if !parent.Unread {
		t.Errorf("expected the inactive parent to be marked unread")
	}
}

func TestProcessExit(t *testing.T) {
	o, fake, sink, cleanup := setupOrchestrator(t, backend.KindLegacy)
	defer cleanup()
	startLegacyThread(t, o, fake, "th1")
	fake.reply("turn/start", `{"turn":{"id":"turn-1"}}`)
	if _, err := o.SendUserMessage(context.Background(), "W", "th1", "go", SendOptions{}); err != nil {
		t.Fatalf("SendUserMessage failed: %v", err)
	}

	fake.inbound <- backend.Inbound{Kind: backend.InboundClosed, Err: errors.New("backend exited with code 1")}
	waitFor(t, "disconnect", func() bool { return len(sink.byMethod(event.Disconnected)) == 1 })

	if ws := o.Workspaces(); len(ws) != 1 || ws[0].Connected {
		t.Errorf("expected W to be disconnected, got %+v", ws)
	}
	if th := threadState(t, o, "th1"); th.Status.Busy() {
		t.Errorf("expected the active turn to be cleared, got %+v", th.Status)
	}
	var workspaceErrors int
	for _, ev := range sink.byMethod(event.Error) {
		if ev.ThreadID() == "" && ev.Map("error")["code"] == "disconnected" {
			workspaceErrors++
		}
	}
	if workspaceErrors != 1 {
		t.Errorf("expected one workspace-level error, got %d", workspaceErrors)
	}
	if _, err := o.SendUserMessage(context.Background(), "W", "th1", "again", SendOptions{}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestRestoreHistory(t *testing.T) {
	src, srcFake, _, srcCleanup := setupOrchestrator(t, backend.KindLegacy)
	defer srcCleanup()
	startLegacyThread(t, src, srcFake, "shared")
	startLegacyThread(t, src, srcFake, "persisted-only")
	srcFake.notify("item/completed", `{"threadId":"shared","turnId":"t0","item":{"id":"p1","type":"agentMessage","text":"from disk"}}`)
	waitFor(t, "persisted item", func() bool { return len(threadState(t, src, "shared").Items) == 1 })
	if err := src.PinThread("W", "persisted-only", true); err != nil {
		t.Fatalf("PinThread failed: %v", err)
	}
	snap, ok := src.Snapshot("W")
	if !ok {
		t.Fatal("expected a snapshot")
	}

	o, fake, _, cleanup := setupOrchestrator(t, backend.KindLegacy)
	defer cleanup()
	fake.notify("item/completed", `{"threadId":"shared","turnId":"t9","item":{"id":"live-1","type":"agentMessage","text":"live"}}`)
	waitFor(t, "live item", func() bool { return hasThread(o, "shared") })

	added, err := o.RestoreHistory(snap)
	if err != nil {
		t.Fatalf("RestoreHistory failed: %v", err)
	}
	if added != 1 {
		t.Errorf("expected one added thread, got %d", added)
	}
	shared := threadState(t, o, "shared")
	if len(shared.Items) != 1 || shared.Items[0].ID != "live-1" {
		t.Errorf("live log must be kept, got %+v", shared.Items)
	}
	if restored := threadState(t, o, "persisted-only"); !restored.Pinned {
		t.Errorf("expected persisted metadata, got %+v", restored)
	}
}
