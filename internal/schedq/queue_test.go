package schedq

import (
	"testing"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/kumomta/kumod-core/framework/buffer"
	"github.com/kumomta/kumod-core/internal/message"
)

func newTestMessage(t *testing.T) *message.Message {
	t.Helper()
	id := message.NewID()
	return message.New(id, "sender@example.com", []string{"rcpt@example.org"}, textproto.Header{}, buffer.MemoryBuffer{Slice: []byte("body")})
}

func TestDelayForAttemptGeometric(t *testing.T) {
	retry := 5 * time.Second
	max := 20 * time.Minute

	cases := []struct {
		n    uint32
		want time.Duration
	}{
		{0, 5 * time.Second},
		{1, 10 * time.Second},
		{2, 20 * time.Second},
		{3, 40 * time.Second},
	}
	for _, c := range cases {
		got := DelayForAttempt(c.n, retry, max)
		if got != c.want {
			t.Errorf("DelayForAttempt(%d) = %v, want %v", c.n, got, c.want)
		}
	}
}

func TestDelayForAttemptSaturatesAtMax(t *testing.T) {
	got := DelayForAttempt(20, 5*time.Second, 20*time.Minute)
	if got != 20*time.Minute {
		t.Errorf("expected saturation at max_retry_interval, got %v", got)
	}
}

func TestWithJitterBounded(t *testing.T) {
	delay := 30 * time.Second
	retry := 30 * time.Second
	// j = min(30s/20, 60s) = 1.5s, offset in [-750ms, +750ms]
	for _, f := range []float64{0, 0.5, 0.999} {
		got := withJitter(delay, retry, func() float64 { return f })
		lo := delay - 750*time.Millisecond
		hi := delay + 750*time.Millisecond
		if got < lo || got > hi {
			t.Errorf("withJitter(%v) = %v, want within [%v, %v]", f, got, lo, hi)
		}
	}
}

func TestWithJitterShrinksWithRetryInterval(t *testing.T) {
	// No floor: a short retry interval yields proportionally tiny jitter,
	// per spec §4.F's j = min(retry_interval/20, 60s).
	delay := 5 * time.Second
	retry := 5 * time.Second
	got := withJitter(delay, retry, func() float64 { return 0 })
	want := delay - 125*time.Millisecond
	if got != want {
		t.Errorf("withJitter: got %v, want %v", got, want)
	}
}

func TestWithJitterCapsAtSixtySeconds(t *testing.T) {
	delay := 20 * time.Minute
	retry := 40 * time.Minute // retry/20 = 120s, must cap at 60s
	got := withJitter(delay, retry, func() float64 { return 0 })
	want := delay - 30*time.Second
	if got != want {
		t.Errorf("withJitter: got %v, want %v", got, want)
	}
}

type fakeReady struct {
	admitted []*message.Message
	rejectN  int
}

func (f *fakeReady) SelectAndInsert(msg *message.Message) (SelectOutcome, time.Duration) {
	if f.rejectN > 0 {
		f.rejectN--
		return Delay, 0
	}
	f.admitted = append(f.admitted, msg)
	return Inserted, 0
}

type fakeBouncer struct {
	bounce map[string]string
}

func (f *fakeBouncer) MatchesBounce(name string) (string, bool) {
	reason, ok := f.bounce[name]
	return reason, ok
}

type fakeDisposer struct {
	expired []string
	bounced []string
}

func (f *fakeDisposer) Expired(msg *message.Message, reason string) { f.expired = append(f.expired, reason) }
func (f *fakeDisposer) Bounced(msg *message.Message, reason string) { f.bounced = append(f.bounced, reason) }
func (f *fakeDisposer) StoreRetry(msg *message.Message) error       { return nil }
func (f *fakeDisposer) Remove(msg *message.Message) error           { return nil }

func TestInsertImmediateDueAdmitsToReady(t *testing.T) {
	ready := &fakeReady{}
	q := New("q1", DefaultConfig(), ready, nil, nil)
	defer q.Close()

	msg := newTestMessage(t)
	q.Insert(msg, false)

	if len(ready.admitted) != 1 {
		t.Fatalf("expected 1 message admitted to ready queue, got %d", len(ready.admitted))
	}
}

func TestInsertHonorsBounce(t *testing.T) {
	ready := &fakeReady{}
	bouncer := &fakeBouncer{bounce: map[string]string{"q1": "operator requested"}}
	dispose := &fakeDisposer{}
	q := New("q1", DefaultConfig(), ready, bouncer, dispose)
	defer q.Close()

	q.Insert(newTestMessage(t), false)

	if len(ready.admitted) != 0 {
		t.Fatal("bounced queue should never admit to ready")
	}
	if len(dispose.bounced) != 1 {
		t.Fatalf("expected a Bounced disposition, got %d", len(dispose.bounced))
	}
}

func TestInsertShuttingDownSavesDirtyMessage(t *testing.T) {
	ready := &fakeReady{}
	dispose := &fakeDisposer{}
	q := New("q1", DefaultConfig(), ready, nil, dispose)
	defer q.Close()

	msg := newTestMessage(t)
	msg.MetaSet("x", "y") // marks needsSave
	q.Insert(msg, true)

	if len(ready.admitted) != 0 {
		t.Fatal("shutdown insert must not admit to ready")
	}
}

func TestRequeueExpiresOnPerMessageScheduling(t *testing.T) {
	ready := &fakeReady{}
	dispose := &fakeDisposer{}
	cfg := DefaultConfig()
	q := New("q1", cfg, ready, nil, dispose)
	defer q.Close()

	msg := newTestMessage(t)
	msg.SetScheduling(&message.Scheduling{ExpiresAt: time.Now().Add(time.Millisecond)})

	q.Requeue(msg)

	if len(dispose.expired) != 1 {
		t.Fatalf("expected expiry due to per-message scheduling, got %d expired", len(dispose.expired))
	}
}

func TestRequeueExpiresOnMaxAge(t *testing.T) {
	ready := &fakeReady{}
	dispose := &fakeDisposer{}
	cfg := DefaultConfig()
	cfg.MaxAge = time.Nanosecond
	q := New("q1", cfg, ready, nil, dispose)
	defer q.Close()

	msg := newTestMessage(t)
	q.Requeue(msg)

	if len(dispose.expired) != 1 {
		t.Fatalf("expected expiry due to max_age, got %d expired", len(dispose.expired))
	}
}

func TestReapableOnlyWhenEmptyAndIdle(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReapInterval = time.Millisecond
	q := New("q1", cfg, &fakeReady{}, nil, nil)
	defer q.Close()

	if q.Reapable(time.Now()) {
		t.Fatal("freshly created queue should not be reapable before ReapInterval elapses")
	}

	time.Sleep(5 * time.Millisecond)
	if !q.Reapable(time.Now()) {
		t.Fatal("empty, idle-past-ReapInterval queue should be reapable")
	}
}
