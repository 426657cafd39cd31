package message

import (
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-message/textproto"

	"github.com/kumomta/kumod-core/framework/buffer"
)

func newTestMessage(t *testing.T, sender string, rcpts []string) *Message {
	t.Helper()
	hdr := textproto.Header{}
	hdr.Set("Subject", "test")
	body, err := buffer.BufferInMemory(strings.NewReader("body"))
	if err != nil {
		t.Fatal(err)
	}
	return New(NewID(), sender, rcpts, hdr, body)
}

func TestQueueNameFromMetadata(t *testing.T) {
	m := newTestMessage(t, "a@example.com", []string{"b@destination.example"})
	m.MetaSet("campaign", "camp1")
	m.MetaSet("tenant", "tenant1")

	got := m.QueueName()
	want := "camp1:tenant1:destination.example"
	if got != want {
		t.Fatalf("QueueName() = %q, want %q", got, want)
	}
}

func TestQueueNameWithRoutingDomain(t *testing.T) {
	m := newTestMessage(t, "a@example.com", []string{"b@destination.example"})
	m.MetaSet("campaign", "")
	m.MetaSet("tenant", "")
	m.MetaSet("routing_domain", "smarthost.example")

	got := m.QueueName()
	want := "::destination.example@smarthost.example"
	if got != want {
		t.Fatalf("QueueName() = %q, want %q", got, want)
	}
}

func TestQueueNameExplicitOverride(t *testing.T) {
	m := newTestMessage(t, "a@example.com", []string{"b@destination.example"})
	m.MetaSet("queue", "explicit:queue:name")

	if got := m.QueueName(); got != "explicit:queue:name" {
		t.Fatalf("QueueName() = %q, want explicit override", got)
	}
}

func TestDueTimeNeverMovesEarlier(t *testing.T) {
	m := newTestMessage(t, "a@example.com", []string{"b@example.com"})

	later := time.Now().Add(time.Hour)
	m.SetDue(&later)

	earlier := time.Now().Add(time.Minute)
	m.SetDue(&earlier)

	got := m.DueTime()
	if got == nil || !got.Equal(later) {
		t.Fatalf("SetDue moved due time earlier: got %v, want %v", got, later)
	}
}

func TestResetDueBypassesInvariant(t *testing.T) {
	m := newTestMessage(t, "a@example.com", []string{"b@example.com"})

	future := time.Now().Add(24 * time.Hour)
	m.SetDue(&future)

	before := time.Now()
	m.ResetDue()
	got := m.DueTime()
	if got == nil || got.After(time.Now()) || got.Before(before) {
		t.Fatalf("ResetDue() did not reset due time to now: %v", got)
	}
}

func TestIncrementAttemptsMonotonic(t *testing.T) {
	m := newTestMessage(t, "a@example.com", []string{"b@example.com"})

	for i := uint32(1); i <= 3; i++ {
		if got := m.IncrementAttempts(); got != i {
			t.Fatalf("IncrementAttempts() = %d, want %d", got, i)
		}
	}
}

func TestMarshalUnmarshalMetadataRoundtrip(t *testing.T) {
	m := newTestMessage(t, "a@example.com", []string{"b@example.com", "c@example.com"})
	m.MetaSet("tenant", "t1")
	m.IncrementAttempts()
	due := time.Now().Add(5 * time.Minute).Truncate(time.Second)
	m.SetDue(&due)
	m.SetScheduling(&Scheduling{ExpiresAt: time.Now().Add(time.Hour).Truncate(time.Second)})

	data, err := m.MarshalMetadata()
	if err != nil {
		t.Fatal(err)
	}

	hdr := textproto.Header{}
	body, err := buffer.BufferInMemory(strings.NewReader("body"))
	if err != nil {
		t.Fatal(err)
	}
	restored, err := UnmarshalMetadata(m.ID(), hdr, body, data)
	if err != nil {
		t.Fatal(err)
	}

	if restored.Sender() != m.Sender() {
		t.Errorf("sender mismatch: %q != %q", restored.Sender(), m.Sender())
	}
	if restored.NumAttempts() != m.NumAttempts() {
		t.Errorf("num_attempts mismatch: %d != %d", restored.NumAttempts(), m.NumAttempts())
	}
	if v, _ := restored.MetaGet("tenant"); v != "t1" {
		t.Errorf("metadata not preserved, got %v", v)
	}
	if restored.DueTime() == nil || !restored.DueTime().Equal(due) {
		t.Errorf("due time not preserved: %v", restored.DueTime())
	}
	if restored.Scheduling() == nil {
		t.Errorf("scheduling not preserved")
	}
}

func TestNeedsSaveTracking(t *testing.T) {
	m := newTestMessage(t, "a@example.com", []string{"b@example.com"})
	if !m.NeedsSave() {
		t.Fatal("newly created message should need save")
	}
	m.ClearNeedsSave()
	if m.NeedsSave() {
		t.Fatal("ClearNeedsSave did not clear flag")
	}
	m.MetaSet("x", 1)
	if !m.NeedsSave() {
		t.Fatal("MetaSet should mark needs save")
	}
}
