package throttle

import (
	"context"
	"testing"
	"time"
)

func TestLocalBackendCheckAllowsUnderLimit(t *testing.T) {
	b := NewLocalBackend()
	th := New(b)
	spec := Spec{Limit: 5, Period: time.Minute}

	for i := 0; i < 5; i++ {
		wait, err := th.Check(context.Background(), "domain.example", spec)
		if err != nil {
			t.Fatal(err)
		}
		if wait != 0 {
			t.Fatalf("call %d: expected no wait within burst, got %v", i, wait)
		}
	}
}

func TestLocalBackendCheckThrottlesOverLimit(t *testing.T) {
	b := NewLocalBackend()
	th := New(b)
	spec := Spec{Limit: 2, Period: time.Minute}

	for i := 0; i < 2; i++ {
		if _, err := th.Check(context.Background(), "k", spec); err != nil {
			t.Fatal(err)
		}
	}

	wait, err := th.Check(context.Background(), "k", spec)
	if err != nil {
		t.Fatal(err)
	}
	if wait <= 0 {
		t.Fatal("expected a positive retry-after once the limit is exceeded")
	}
}

func TestLocalBackendZeroLimitIsNoop(t *testing.T) {
	th := New(NewLocalBackend())
	wait, err := th.Check(context.Background(), "k", Spec{Limit: 0, Period: time.Minute})
	if err != nil {
		t.Fatal(err)
	}
	if wait != 0 {
		t.Fatal("zero-limit spec should never throttle")
	}
}

func TestLocalBackendLeaseCapacity(t *testing.T) {
	b := NewLocalBackend()
	th := New(b)

	release1, ok1, err := th.AcquireLease(context.Background(), "conn", 1)
	if err != nil || !ok1 {
		t.Fatalf("first lease should succeed: ok=%v err=%v", ok1, err)
	}

	_, ok2, err := th.AcquireLease(context.Background(), "conn", 1)
	if err != nil {
		t.Fatal(err)
	}
	if ok2 {
		t.Fatal("second lease should fail while capacity is exhausted")
	}

	release1()

	_, ok3, err := th.AcquireLease(context.Background(), "conn", 1)
	if err != nil || !ok3 {
		t.Fatalf("lease should be available after release: ok=%v err=%v", ok3, err)
	}
}

func TestLocalBackendLeaseReleaseIdempotent(t *testing.T) {
	b := NewLocalBackend()
	th := New(b)

	release, ok, err := th.AcquireLease(context.Background(), "conn", 1)
	if err != nil || !ok {
		t.Fatal("lease should succeed")
	}
	release()
	release() // must not panic or double-decrement
}
