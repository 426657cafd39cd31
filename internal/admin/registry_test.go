package admin

import (
	"testing"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/kumomta/kumod-core/framework/buffer"
	"github.com/kumomta/kumod-core/internal/message"
)

func newMsg(t *testing.T, recipient string) *message.Message {
	t.Helper()
	return message.New(message.NewID(), "a@example.com", []string{recipient}, textproto.Header{}, buffer.MemoryBuffer{Slice: []byte("x")})
}

func TestSelectorMatchesSchedQueueByDomain(t *testing.T) {
	s := Selector{Domain: "example.com"}
	if !s.MatchesSchedQueue(":tenant1:example.com") {
		t.Error("expected match on domain")
	}
	if s.MatchesSchedQueue(":tenant1:example.org") {
		t.Error("expected no match on different domain")
	}
}

func TestSelectorWildcardMatchesEverything(t *testing.T) {
	var s Selector
	if !s.MatchesSchedQueue("campaign1:tenant1:example.com") {
		t.Error("zero-value selector should match every scheduled queue")
	}
}

func TestSelectorReadyQueuePrefix(t *testing.T) {
	s := Selector{ReadyQueue: "source1->*"}
	if !s.MatchesReadyQueue("source1->mx.example.com@smtp") {
		t.Error("expected prefix match")
	}
	if s.MatchesReadyQueue("source2->mx.example.com@smtp") {
		t.Error("expected no match for different source")
	}
}

func TestBounceMatchAndExpiry(t *testing.T) {
	r := NewRegistry()
	id := r.Add(&Entry{
		Kind:     Bounce,
		Selector: Selector{Domain: "example.org"},
		Reason:   "operator requested",
		Expires:  time.Now().Add(time.Hour),
	})

	reason, ok := r.MatchesBounce(":t:example.org")
	if !ok || reason != "operator requested" {
		t.Fatalf("expected bounce match, got ok=%v reason=%q", ok, reason)
	}

	r.Cancel(id)
	if _, ok := r.MatchesBounce(":t:example.org"); ok {
		t.Fatal("expected no match after cancel")
	}
}

func TestExpiredEntryIsPruned(t *testing.T) {
	r := NewRegistry()
	r.now = func() time.Time { return time.Now() }
	r.Add(&Entry{
		Kind:     Bounce,
		Selector: Selector{Domain: "example.org"},
		Expires:  time.Now().Add(-time.Second), // already expired
	})

	if _, ok := r.MatchesBounce(":t:example.org"); ok {
		t.Fatal("expired entry should not match")
	}
}

func TestApplyRebindMovesQueueAndResetsDue(t *testing.T) {
	r := NewRegistry()
	r.Add(&Entry{
		Kind:     Rebind,
		Selector: Selector{Domain: "example.org"},
		Overrides: map[string]interface{}{
			"tenant": "newtenant",
		},
	})

	msg := newMsg(t, "rcpt@example.org")
	past := time.Now().Add(-time.Hour)
	msg.SetDue(&past)

	res := r.ApplyRebinds(msg)
	if !res.Applied || !res.Moved {
		t.Fatalf("expected rebind to apply and move the queue, got %+v", res)
	}
	if res.NewQueue == res.OldQueue {
		t.Fatal("queue name should have changed after tenant override")
	}
}

func TestApplyRebindNoopWhenNothingMatches(t *testing.T) {
	r := NewRegistry()
	r.Add(&Entry{Kind: Rebind, Selector: Selector{Domain: "other.com"}})

	msg := newMsg(t, "rcpt@example.org")
	res := r.ApplyRebinds(msg)
	if res.Applied || res.Moved {
		t.Fatalf("expected no-op for non-matching selector, got %+v", res)
	}
}

func TestTransferRecordsAndCancelRestoresQueue(t *testing.T) {
	r := NewRegistry()
	id := r.Add(&Entry{
		Kind:     Transfer,
		Selector: Selector{Domain: "example.org"},
		Overrides: map[string]interface{}{
			"tenant": "moved",
		},
	})

	msg := newMsg(t, "rcpt@example.org")
	oldQueue := msg.QueueName()
	res := r.ApplyRebinds(msg)
	if !res.Moved {
		t.Fatal("expected transfer to move the queue")
	}

	saved, ok := r.CancelTransfer(id)
	if !ok {
		t.Fatal("expected CancelTransfer to find the saved queue")
	}
	if saved != oldQueue {
		t.Fatalf("expected saved queue %q, got %q", oldQueue, saved)
	}
}
