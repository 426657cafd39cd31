package lifecycle

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type fakeMaintainer struct {
	notified int32
	aborted  int32
}

func (f *fakeMaintainer) Notify() { atomic.AddInt32(&f.notified, 1) }
func (f *fakeMaintainer) Abort()  { atomic.AddInt32(&f.aborted, 1) }

func TestShutdownStopsAcceptingImmediately(t *testing.T) {
	l := New()
	if !l.AcceptingReceptions() {
		t.Fatal("new Lifecycle should accept receptions")
	}

	done := make(chan struct{})
	go func() {
		l.Shutdown(context.Background(), time.Second, nil, nil)
		close(done)
	}()

	// AcceptingReceptions flips synchronously at the start of Shutdown;
	// give the goroutine a moment to reach that point.
	time.Sleep(10 * time.Millisecond)
	if l.AcceptingReceptions() {
		t.Fatal("expected AcceptingReceptions to be false during shutdown")
	}
	<-done
	if l.Phase() != PhaseDone {
		t.Fatalf("expected PhaseDone after Shutdown returns, got %v", l.Phase())
	}
}

func TestShutdownWaitsForActivityThenSaves(t *testing.T) {
	l := New()
	release := l.BeginActivity()

	saved := false
	go func() {
		time.Sleep(10 * time.Millisecond)
		release()
	}()

	l.Shutdown(context.Background(), time.Second, nil, func() { saved = true })
	if !saved {
		t.Fatal("expected saveInMemory to run after activity drains")
	}
}

func TestShutdownAbortsOnDeadline(t *testing.T) {
	l := New()
	release := l.BeginActivity() // never released: forces the deadline path
	_ = release

	m := &fakeMaintainer{}
	l.Shutdown(context.Background(), 5*time.Millisecond, []Maintainer{m}, nil)

	if atomic.LoadInt32(&m.notified) != 1 {
		t.Error("expected maintainer to be notified")
	}
	if atomic.LoadInt32(&m.aborted) != 1 {
		t.Error("expected maintainer to be aborted after deadline")
	}
	release() // cleanup so the background Wait() goroutine doesn't leak
}

func TestConfigEpochIncrements(t *testing.T) {
	l := New()
	if l.ConfigEpoch() != 0 {
		t.Fatal("new Lifecycle should start at epoch 0")
	}
	l.BumpConfigEpoch()
	l.BumpConfigEpoch()
	if l.ConfigEpoch() != 2 {
		t.Fatalf("expected epoch 2, got %d", l.ConfigEpoch())
	}
}
