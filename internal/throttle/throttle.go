// Package throttle implements the sliding-window rate limit and
// limit-lease abstractions used to gate dispatcher connection/message
// rates, independent of whether the underlying counters live in this
// process or in a shared store.
package throttle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Spec names one throttle: an allowance of Limit events per Period.
type Spec struct {
	Limit  int
	Period time.Duration
}

func (s Spec) String() string {
	return fmt.Sprintf("%d/%s", s.Limit, s.Period)
}

// LeaseSpec names one additional concurrency cap beyond a path's own
// connection_limit, e.g. a process-wide "total outbound connections" cap
// shared across many ready queues (original's additional_connection_limits).
type LeaseSpec struct {
	Name string
	Max  int
}

// Backend is the pluggable rate/lease store. Local and Redis implement it.
type Backend interface {
	// Check reports the wait, if any, before key has capacity again under
	// spec. A zero duration means the event is permitted now and has been
	// recorded.
	Check(ctx context.Context, key string, spec Spec) (retryAfter time.Duration, err error)

	// AcquireLease reserves one of max concurrency slots under key. release
	// must be called exactly once to give the slot back. ok is false if no
	// slot is currently free.
	AcquireLease(ctx context.Context, key string, max int) (release func(), ok bool, err error)
}

// Throttle is the facade used by the dispatcher and scheduled queue: a
// named set of Backend-backed limits, keyed by an arbitrary string (egress
// path name, tenant:domain, etc).
type Throttle struct {
	backend Backend
}

func New(backend Backend) *Throttle {
	return &Throttle{backend: backend}
}

// Check applies spec to key and reports how long the caller should wait.
func (t *Throttle) Check(ctx context.Context, key string, spec Spec) (time.Duration, error) {
	if spec.Limit <= 0 {
		return 0, nil
	}
	return t.backend.Check(ctx, key, spec)
}

// AcquireLease reserves a concurrency slot, per spec §4.D / §3 "limit-lease".
func (t *Throttle) AcquireLease(ctx context.Context, key string, max int) (func(), bool, error) {
	if max <= 0 {
		return func() {}, true, nil
	}
	return t.backend.AcquireLease(ctx, key, max)
}

// LocalBackend implements Backend entirely in-process, using
// golang.org/x/time/rate for the sliding window and a buffered-channel
// semaphore, in the style of internal/limits/limiters.Semaphore, for
// leases.
type LocalBackend struct {
	mu       sync.Mutex
	limiters map[string]*keyedLimiter
	leases   map[string]chan struct{}
}

type keyedLimiter struct {
	spec    Spec
	limiter *rate.Limiter
}

func NewLocalBackend() *LocalBackend {
	return &LocalBackend{
		limiters: make(map[string]*keyedLimiter),
		leases:   make(map[string]chan struct{}),
	}
}

func (b *LocalBackend) Check(ctx context.Context, key string, spec Spec) (time.Duration, error) {
	b.mu.Lock()
	kl, ok := b.limiters[key]
	if !ok || kl.spec != spec {
		kl = &keyedLimiter{
			spec:    spec,
			limiter: rate.NewLimiter(rate.Limit(float64(spec.Limit)/spec.Period.Seconds()), spec.Limit),
		}
		b.limiters[key] = kl
	}
	b.mu.Unlock()

	r := kl.limiter.ReserveN(time.Now(), 1)
	if !r.OK() {
		return 0, fmt.Errorf("throttle: spec %s cannot ever be satisfied", spec)
	}
	delay := r.Delay()
	if delay > 0 {
		r.Cancel()
		return delay, nil
	}
	return 0, nil
}

func (b *LocalBackend) AcquireLease(ctx context.Context, key string, max int) (func(), bool, error) {
	b.mu.Lock()
	sem, ok := b.leases[key]
	if !ok {
		sem = make(chan struct{}, max)
		b.leases[key] = sem
	}
	b.mu.Unlock()

	select {
	case sem <- struct{}{}:
	default:
		return nil, false, nil
	}

	var once sync.Once
	release := func() {
		once.Do(func() { <-sem })
	}
	return release, true, nil
}
