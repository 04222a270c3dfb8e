package eventlog

import (
	"crypto/rand"
	"encoding/json"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/drewfead/conductor/internal/event"
	"github.com/drewfead/conductor/internal/logging"
	"github.com/drewfead/conductor/internal/store"
)

// JournalStore is the slice of the store the journal writes to.
type JournalStore interface {
	AppendEvent(e *store.JournalEntry) error
	PruneEvents(before time.Time) (int64, error)
}

// streamingMethods are too chatty to journal; the completed item carries
// the same content.
var streamingMethods = map[string]bool{
	event.AgentMessageDelta:  true,
	event.UserMessageDelta:   true,
	event.ReasoningTextDelta: true,
	event.CommandOutputDelta: true,
}

// Journal is a Subscriber that records events in the store from a
// background writer.
type Journal struct {
	store JournalStore
	queue chan *store.JournalEntry

	entropyMu sync.Mutex
	entropy   *ulid.MonotonicEntropy

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// NewJournal starts the writer. bufSize bounds how far it may lag.
func NewJournal(st JournalStore, bufSize int) *Journal {
	if bufSize <= 0 {
		bufSize = 1024
	}
	j := &Journal{
		store:   st,
		queue:   make(chan *store.JournalEntry, bufSize),
		entropy: ulid.Monotonic(rand.Reader, 0),
		done:    make(chan struct{}),
	}
	go j.writeLoop()
	return j
}

// OnEvent queues ev. Events are dropped with a warning when the writer
// is saturated so that publishing never blocks.
func (j *Journal) OnEvent(ev event.Event) {
	if streamingMethods[ev.Method] {
		return
	}
	params, err := json.Marshal(ev.Params)
	if err != nil {
		logging.Warn("journal: encode params", "method", ev.Method, "error", err)
		return
	}

	now := time.Now()
	entry := &store.JournalEntry{
		ID:          j.newID(now),
		WorkspaceID: ev.WorkspaceID,
		ThreadID:    ev.ThreadID(),
		Method:      ev.Method,
		Params:      string(params),
		Timestamp:   now,
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return
	}
	select {
	case j.queue <- entry:
	default:
		logging.Warn("journal full, dropping event", "workspace_id", ev.WorkspaceID, "method", ev.Method)
	}
}

func (j *Journal) newID(now time.Time) string {
	j.entropyMu.Lock()
	defer j.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(now), j.entropy).String()
}

// Prune removes entries older than retention.
func (j *Journal) Prune(retention time.Duration) (int64, error) {
	return j.store.PruneEvents(time.Now().Add(-retention))
}

// Close stops accepting events and waits for queued ones to be written.
func (j *Journal) Close() {
	j.mu.Lock()
	if !j.closed {
		j.closed = true
		close(j.queue)
	}
	j.mu.Unlock()
	<-j.done
}

func (j *Journal) writeLoop() {
	defer close(j.done)
	defer func() {
		if r := recover(); r != nil {
			logging.CapturePanic(r, "component", "journal")
		}
	}()

	for entry := range j.queue {
		if err := j.store.AppendEvent(entry); err != nil {
			logging.Warn("journal write failed", "workspace_id", entry.WorkspaceID, "method", entry.Method, "error", err)
		}
	}
}
