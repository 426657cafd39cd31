package readyq

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/kumomta/kumod-core/framework/buffer"
	"github.com/kumomta/kumod-core/internal/message"
)

func newMsg(t *testing.T) *message.Message {
	t.Helper()
	return message.New(message.NewID(), "a@example.com", []string{"b@example.org"}, textproto.Header{}, buffer.MemoryBuffer{Slice: []byte("x")})
}

type fakeReturner struct {
	mu       sync.Mutex
	inserted []*message.Message
	requeued []*message.Message
}

func (f *fakeReturner) Insert(msg *message.Message, shuttingDown bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserted = append(f.inserted, msg)
}

func (f *fakeReturner) Requeue(msg *message.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requeued = append(f.requeued, msg)
}

type noopSpawner struct{}

func (noopSpawner) Spawn(ctx context.Context, rq *ReadyQueue, released func()) {}

func TestIdealConnectionsRamp(t *testing.T) {
	// spec example: Q=64, L=32 opens ~25 connections.
	got := IdealConnections(64, 32)
	if got < 20 || got > 30 {
		t.Errorf("IdealConnections(64, 32) = %d, want roughly 25", got)
	}
	if got := IdealConnections(0, 32); got != 0 {
		t.Errorf("IdealConnections(0, L) = %d, want 0", got)
	}
	if got := IdealConnections(1000, 32); got != 32 {
		t.Errorf("IdealConnections should asymptote at L=32, got %d", got)
	}
}

func TestInsertReadyRespectsCapacity(t *testing.T) {
	rq := New("src->site@smtp", Config{MaxReady: 1, ConnectionLimit: 1}, &fakeReturner{}, noopSpawner{})

	if err := rq.InsertReady(newMsg(t)); err != nil {
		t.Fatalf("first insert should succeed: %v", err)
	}
	if err := rq.InsertReady(newMsg(t)); err != ErrFull {
		t.Fatalf("second insert should return ErrFull, got %v", err)
	}
}

func TestPullBatchSingle(t *testing.T) {
	rq := New("src->site@smtp", Config{MaxReady: 10}, &fakeReturner{}, noopSpawner{})
	m := newMsg(t)
	rq.InsertReady(m)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	batch, ok := rq.PullBatch(ctx, 1, 0)
	if !ok || len(batch) != 1 {
		t.Fatalf("expected a batch of 1, got %v ok=%v", batch, ok)
	}
}

func TestSuspendDrainsToReturner(t *testing.T) {
	ret := &fakeReturner{}
	rq := New("src->site@smtp", Config{MaxReady: 10}, ret, noopSpawner{})
	rq.InsertReady(newMsg(t))
	rq.InsertReady(newMsg(t))

	rq.Suspend()

	if len(ret.inserted) != 2 {
		t.Fatalf("expected 2 drained messages, got %d", len(ret.inserted))
	}
	if err := rq.InsertReady(newMsg(t)); err != nil {
		t.Fatalf("insert while suspended should not error: %v", err)
	}
	if len(ret.inserted) != 3 {
		t.Fatalf("insert while suspended should drain straight through, got %d", len(ret.inserted))
	}
}

func TestResizeOverflowsToReturner(t *testing.T) {
	ret := &fakeReturner{}
	rq := New("src->site@smtp", Config{MaxReady: 5}, ret, noopSpawner{})
	for i := 0; i < 5; i++ {
		rq.InsertReady(newMsg(t))
	}

	rq.Resize(2)

	if rq.Len() != 2 {
		t.Fatalf("expected 2 remaining after resize, got %d", rq.Len())
	}
	if len(ret.inserted) != 3 {
		t.Fatalf("expected 3 overflowed messages, got %d", len(ret.inserted))
	}
}

func TestNoteConnectionFailureTriggersDelayAfterThreshold(t *testing.T) {
	ret := &fakeReturner{}
	rq := New("src->site@smtp", Config{MaxReady: 10, ConsecutiveFailuresBeforeDelay: 2}, ret, noopSpawner{})
	rq.InsertReady(newMsg(t))

	rq.NoteConnectionFailure()
	if len(ret.requeued) != 0 {
		t.Fatal("should not drain before exceeding threshold")
	}
	rq.NoteConnectionFailure()
	if len(ret.requeued) != 0 {
		t.Fatal("should not drain at exactly the threshold")
	}
	rq.NoteConnectionFailure()
	if len(ret.requeued) != 1 {
		t.Fatalf("expected drain after exceeding threshold, got %d", len(ret.requeued))
	}
}
