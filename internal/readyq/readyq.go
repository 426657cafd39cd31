// Package readyq implements the ready-queue tier (spec component G): a
// bounded FIFO, keyed by "<source>-><site_name>@<protocol>", of due
// messages awaiting a dispatcher connection. No direct teacher equivalent
// exists (maddy's Queue does not separate a ready/dispatch tier from the
// scheduled tier); the bounded-concurrency shape is grounded stylistically
// on internal/target/queue/queue.go's deliverySemaphore/deliveryWg pattern.
package readyq

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/kumomta/kumod-core/internal/message"
)

// ErrFull is returned by InsertReady when the FIFO is at MaxReady capacity.
var ErrFull = errors.New("readyq: ready queue full")

// Config is the resolved EgressPathConfig (spec §4.G).
type Config struct {
	ConnectionLimit                int
	MaxReady                       int
	ConsecutiveFailuresBeforeDelay int
}

// Returner is the boundary back into the scheduled-queue tier: messages
// drained on suspension, or bounced on consecutive-connection-failure
// delay, are handed back here. internal/schedq.Queue satisfies this via its
// Insert method (msg, shuttingDown=false).
type Returner interface {
	Insert(msg *message.Message, shuttingDown bool)
	Requeue(msg *message.Message)
}

// Spawner starts one dispatcher bound to this ready queue; it must not
// block past accepting the request to start (the actual connection/delivery
// work happens on a goroutine Spawner owns). Released is called by the
// spawned worker when it exits so the ready queue can track live count.
type Spawner interface {
	Spawn(ctx context.Context, rq *ReadyQueue, released func())
}

// MemoryPressureFunc reports whether the process is currently under memory
// pressure, capping the ideal connection count at 2 per spec §4.G.
type MemoryPressureFunc func() bool

// SuspendChecker reports whether a live Suspend-ReadyQ admin entry matches
// this ready queue's name; internal/admin.Registry satisfies this via
// ReadyQSuspended. Checked lazily on insert/spawn rather than requiring the
// admin API to eagerly call Suspend/Resume on whichever ready queues
// currently happen to exist, since a selector may name a ready queue that
// hasn't been created yet.
type SuspendChecker interface {
	ReadyQSuspended(readyQueueName string) bool
}

// ReadyQueue is one "<source>-><site_name>@<protocol>" queue.
type ReadyQueue struct {
	Name string

	mu          sync.Mutex
	cfg         Config
	fifo        []*message.Message
	liveWorkers int
	suspended   bool
	shutdown    bool
	consecFail  int

	Returner    Returner
	Spawner     Spawner
	MemPressure MemoryPressureFunc
	AdminSuspend SuspendChecker

	notify chan struct{}
}

func New(name string, cfg Config, returner Returner, spawner Spawner) *ReadyQueue {
	return &ReadyQueue{
		Name:     name,
		cfg:      cfg,
		Returner: returner,
		Spawner:  spawner,
		notify:   make(chan struct{}, 1),
	}
}

// InsertReady places msg into the FIFO (spec §4.G "insert"). Satisfies
// internal/schedq.ReadyAdmitter.
func (rq *ReadyQueue) InsertReady(msg *message.Message) error {
	rq.mu.Lock()
	adminSuspended := rq.AdminSuspend != nil && rq.AdminSuspend.ReadyQSuspended(rq.Name)
	if rq.suspended || adminSuspended {
		rq.mu.Unlock()
		// Suspension drains back to scheduled immediately; don't even FIFO it.
		if rq.Returner != nil {
			rq.Returner.Insert(msg, false)
		}
		return nil
	}
	if len(rq.fifo) >= rq.cfg.MaxReady && rq.cfg.MaxReady > 0 {
		rq.mu.Unlock()
		return ErrFull
	}
	rq.fifo = append(rq.fifo, msg)
	rq.mu.Unlock()
	rq.report()

	rq.signal()
	rq.maybeSpawn(context.Background())
	return nil
}

func (rq *ReadyQueue) signal() {
	select {
	case rq.notify <- struct{}{}:
	default:
	}
}

// PullBatch implements internal/dispatcher.Puller: it drains up to n
// messages, waiting up to latency for more to arrive once at least one is
// available (batch coalescing), or blocking indefinitely for the first one
// until ctx is done.
func (rq *ReadyQueue) PullBatch(ctx context.Context, n int, latency time.Duration) ([]*message.Message, bool) {
	first := rq.pullOne(ctx)
	if first == nil {
		return nil, false
	}
	batch := []*message.Message{first}

	if latency <= 0 || n <= 1 {
		return batch, true
	}

	deadline := time.NewTimer(latency)
	defer deadline.Stop()
	for len(batch) < n {
		select {
		case <-deadline.C:
			return batch, true
		case <-ctx.Done():
			return batch, true
		default:
		}
		m := rq.tryPullOne()
		if m == nil {
			select {
			case <-deadline.C:
				return batch, true
			case <-time.After(time.Millisecond):
			}
			continue
		}
		batch = append(batch, m)
	}
	return batch, true
}

// DrainOne removes and returns the next queued message without waiting for
// one to arrive, or nil if the FIFO is currently empty. Exposed for a
// caller whose spawn attempt failed before any connection/delivery attempt
// could even be made (e.g. candidate-host resolution itself failing) and
// that must empty the queue to dispose of each message appropriately,
// rather than leaving them to wait on a dispatcher that will never spawn.
func (rq *ReadyQueue) DrainOne() *message.Message {
	return rq.tryPullOne()
}

func (rq *ReadyQueue) tryPullOne() *message.Message {
	rq.mu.Lock()
	if len(rq.fifo) == 0 {
		rq.mu.Unlock()
		return nil
	}
	m := rq.fifo[0]
	rq.fifo = rq.fifo[1:]
	rq.mu.Unlock()
	rq.report()
	return m
}

func (rq *ReadyQueue) pullOne(ctx context.Context) *message.Message {
	for {
		if m := rq.tryPullOne(); m != nil {
			return m
		}
		select {
		case <-rq.notify:
			continue
		case <-ctx.Done():
			return nil
		}
	}
}

// Len reports the number of messages currently queued (Q in the ideal
// connection count formula).
func (rq *ReadyQueue) Len() int {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	return len(rq.fifo)
}

// IdealConnections implements spec §4.G's smooth connection ramp:
//
//	target = ceil(L * (1 - e^(-0.023*Q))), clamped to [0, Q]
//
// further capped at 2 under memory pressure, and 0 under shutdown.
func IdealConnections(q, limit int) int {
	if q <= 0 || limit <= 0 {
		return 0
	}
	target := int(math.Ceil(float64(limit) * (1 - math.Exp(-0.023*float64(q)))))
	if target < 0 {
		target = 0
	}
	if target > q {
		target = q
	}
	return target
}

// maybeSpawn computes the ideal connection count and starts additional
// dispatchers if under target, per spec "Dispatcher spawning" (lease
// acquisition against connection-count limits happens inside Spawner.Spawn;
// here we only decide how many to ask for).
func (rq *ReadyQueue) maybeSpawn(ctx context.Context) {
	rq.mu.Lock()
	adminSuspended := rq.AdminSuspend != nil && rq.AdminSuspend.ReadyQSuspended(rq.Name)
	if rq.suspended || adminSuspended || rq.shutdown || rq.Spawner == nil {
		rq.mu.Unlock()
		return
	}
	q := len(rq.fifo)
	limit := rq.cfg.ConnectionLimit
	target := IdealConnections(q, limit)
	if rq.MemPressure != nil && rq.MemPressure() && target > 2 {
		target = 2
	}
	toSpawn := target - rq.liveWorkers
	if toSpawn <= 0 {
		rq.mu.Unlock()
		return
	}
	rq.liveWorkers += toSpawn
	rq.mu.Unlock()
	rq.report()

	for i := 0; i < toSpawn; i++ {
		rq.Spawner.Spawn(ctx, rq, rq.workerReleased)
	}
}

func (rq *ReadyQueue) workerReleased() {
	rq.mu.Lock()
	if rq.liveWorkers > 0 {
		rq.liveWorkers--
	}
	rq.mu.Unlock()
	rq.report()
}

// NoteConnectionFailure increments the consecutive-connection-failure
// counter (spec "Consecutive failure handling"); once it exceeds the
// configured threshold, every currently-queued message is bounced back to
// the scheduled queue as a transient failure with attempts incremented, and
// the counter resets.
func (rq *ReadyQueue) NoteConnectionFailure() {
	rq.mu.Lock()
	rq.consecFail++
	exceeded := rq.cfg.ConsecutiveFailuresBeforeDelay > 0 &&
		rq.consecFail > rq.cfg.ConsecutiveFailuresBeforeDelay
	var drained []*message.Message
	if exceeded {
		drained = rq.fifo
		rq.fifo = nil
		rq.consecFail = 0
	}
	rq.mu.Unlock()

	if rq.Returner == nil {
		return
	}
	for _, m := range drained {
		rq.Returner.Requeue(m)
	}
}

// NoteConnectionSuccess resets the consecutive-failure counter.
func (rq *ReadyQueue) NoteConnectionSuccess() {
	rq.mu.Lock()
	rq.consecFail = 0
	rq.mu.Unlock()
}

// Resize installs a new MaxReady capacity (spec "Capacity change"):
// existing contents are kept up to the new capacity; overflow is returned
// to the scheduled queue via Returner.
func (rq *ReadyQueue) Resize(newCap int) {
	rq.mu.Lock()
	rq.cfg.MaxReady = newCap
	var overflow []*message.Message
	if newCap > 0 && len(rq.fifo) > newCap {
		overflow = rq.fifo[newCap:]
		rq.fifo = rq.fifo[:newCap]
	}
	rq.mu.Unlock()

	if rq.Returner == nil {
		return
	}
	for _, m := range overflow {
		rq.Returner.Insert(m, false)
	}
}

// Suspend stops new dispatcher spawning and drains all queued messages back
// to the scheduled queue (spec "Suspension").
func (rq *ReadyQueue) Suspend() {
	rq.mu.Lock()
	rq.suspended = true
	drained := rq.fifo
	rq.fifo = nil
	rq.mu.Unlock()

	if rq.Returner == nil {
		return
	}
	for _, m := range drained {
		rq.Returner.Insert(m, false)
	}
}

// Resume re-allows dispatcher spawning.
func (rq *ReadyQueue) Resume() {
	rq.mu.Lock()
	rq.suspended = false
	rq.mu.Unlock()
}

// Shutdown drops the ideal connection target to 0 (spec: "under shutdown it
// drops to 0"); in-flight dispatchers drain naturally as PullBatch ctx is
// cancelled.
func (rq *ReadyQueue) Shutdown() {
	rq.mu.Lock()
	rq.shutdown = true
	rq.mu.Unlock()
}

// Notify implements internal/lifecycle.Maintainer: shutdown has begun, stop
// spawning new dispatchers and let in-flight ones drain against their own
// PullBatch idle timeout.
func (rq *ReadyQueue) Notify() {
	rq.Shutdown()
}

// Abort implements internal/lifecycle.Maintainer: the global drain deadline
// has passed, so anything still queued is handed back to the scheduled
// queue immediately rather than waiting on a dispatcher to pick it up.
func (rq *ReadyQueue) Abort() {
	rq.Suspend()
}
