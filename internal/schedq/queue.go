// Package schedq implements the scheduled-queue tier (spec component F):
// a per-queue-name time-ordered holding area for messages that are not yet
// due, promoted into a ready queue by a single maintainer goroutine per
// queue (promotionWheel, adapted from the teacher's generic timer-wheel
// pattern in target/queue/timewheel.go).
package schedq

import (
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/kumomta/kumod-core/internal/message"
)

// SelectOutcome is the result of a ReadyAdmitter's per-message egress
// source selection (spec §4.E select_and_insert).
type SelectOutcome int

const (
	// Inserted: msg was admitted into a ready queue.
	Inserted SelectOutcome = iota
	// Delay: no eligible source could take msg right now (every candidate
	// ready queue is at capacity); retry after the returned duration
	// without counting it as a delivery attempt.
	Delay
	// NoSources: every source in the bound pool is suspended or
	// zero-weight; same non-attempt retry treatment as Delay.
	NoSources
)

// ReadyAdmitter is the §4.G boundary a scheduled queue promotes into. A
// separate interface (rather than importing internal/readyq directly) keeps
// schedq free of a dependency on the ready-queue implementation.
type ReadyAdmitter interface {
	// SelectAndInsert walks the bound egress pool in WRR order, skipping
	// suspended sources and ready queues at capacity, until one admits msg
	// or every candidate has been tried.
	SelectAndInsert(msg *message.Message) (SelectOutcome, time.Duration)
}

// BounceChecker reports whether an admin bounce entry (internal/admin)
// currently matches queueName; if so reason is used in the Bounce log
// record and the message is discarded rather than promoted.
type BounceChecker interface {
	MatchesBounce(queueName string) (reason string, ok bool)
}

// SuspendChecker reports whether a live Suspend-SchedQ admin entry matches
// queueName; admitReady defers promotion with a short retry instead of
// bouncing or dropping the message while suspended.
type SuspendChecker interface {
	SchedQSuspended(queueName string) bool
}

// Disposer persists a final disposition (Bounce/Expiration) and removes the
// message from the spool. Implemented by internal/logsink + internal/spool
// in the wired binary; a schedq-local interface avoids a direct dependency
// on either.
type Disposer interface {
	Expired(msg *message.Message, reason string)
	Bounced(msg *message.Message, reason string)
	StoreRetry(msg *message.Message) error
	Remove(msg *message.Message) error
}

// Queue is one scheduled queue (spec §4.F), keyed by a queue name such as
// "mycampaign:tenant1:example.com".
type Queue struct {
	Name   string
	Config Config

	Ready   ReadyAdmitter
	Bouncer BounceChecker
	Dispose Disposer

	// Suspend, if set, is consulted by admitReady: internal/admin.Registry
	// satisfies this via SchedQSuspended.
	Suspend SuspendChecker

	mu         sync.Mutex
	wheel      *promotionWheel
	count      int
	lastActive time.Time
	closed     bool

	now func() time.Time // overridable for tests
}

// New creates a scheduled queue. Ready, Bouncer and Dispose may be nil in
// tests that only exercise backoff/expiry math.
func New(name string, cfg Config, ready ReadyAdmitter, bouncer BounceChecker, dispose Disposer) *Queue {
	q := &Queue{
		Name:       name,
		Config:     cfg,
		Ready:      ready,
		Bouncer:    bouncer,
		Dispose:    dispose,
		lastActive: time.Now(),
		now:        time.Now,
	}
	q.wheel = newPromotionWheel(q.promote)
	return q
}

// Close stops the maintainer. The queue must not be reused afterward.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wheel.Close()
	queuedMsgs.DeleteLabelValues(q.Name)
}

// Insert is §4.F's insert(msg, context, deadline?). shuttingDown lets the
// caller signal in-progress shutdown (spec: "save-if-needed and drop the
// in-memory handle" rather than schedule further work).
func (q *Queue) Insert(msg *message.Message, shuttingDown bool) {
	now := q.now()

	if q.Bouncer != nil {
		if reason, ok := q.Bouncer.MatchesBounce(q.Name); ok {
			if q.Dispose != nil {
				q.Dispose.Bounced(msg, reason)
			}
			return
		}
	}

	if shuttingDown {
		if msg.NeedsSave() && q.Dispose != nil {
			q.Dispose.StoreRetry(msg)
		}
		return
	}

	due := now
	if dt := msg.DueTime(); dt != nil {
		due = *dt
	}

	q.mu.Lock()
	q.count++
	q.lastActive = now
	q.mu.Unlock()
	q.reportLen()

	if !due.After(now) {
		q.admitReady(msg)
		return
	}

	q.wheel.schedule(due, msg)
}

// promote is the promotionWheel callback: msg's due-time has arrived,
// attempt admission into the ready queue.
func (q *Queue) promote(msg *message.Message) {
	q.mu.Lock()
	q.count--
	q.lastActive = q.now()
	q.mu.Unlock()
	q.reportLen()

	q.admitReady(msg)
}

func (q *Queue) admitReady(msg *message.Message) {
	if q.Bouncer != nil {
		if reason, ok := q.Bouncer.MatchesBounce(q.Name); ok {
			if q.Dispose != nil {
				q.Dispose.Bounced(msg, reason)
			}
			return
		}
	}

	if q.Suspend != nil && q.Suspend.SchedQSuspended(q.Name) {
		q.delayRetry(msg, 0)
		return
	}

	if q.Ready == nil {
		return
	}

	// select_and_insert (spec §4.E): every outcome other than Inserted is
	// transient at this layer, never a bounce, whether it came from a
	// suspended/exhausted pool or a ready queue at capacity.
	switch outcome, wait := q.Ready.SelectAndInsert(msg); outcome {
	case Inserted:
	case Delay:
		q.delayRetry(msg, wait)
	default: // NoSources
		q.delayRetry(msg, 0)
	}
}

// delayRetry re-inserts msg into the wheel after wait (or the queue's
// configured RetryInterval if wait is non-positive), without incrementing
// the message's attempt count: a selection/capacity failure is not a
// delivery attempt.
func (q *Queue) delayRetry(msg *message.Message, wait time.Duration) {
	if wait <= 0 {
		wait = q.Config.RetryInterval
	}
	if wait <= 0 {
		wait = time.Second
	}
	q.mu.Lock()
	q.count++
	q.mu.Unlock()
	q.reportLen()
	q.wheel.schedule(q.now().Add(wait), msg)
}

// reportLen publishes the current depth to the queuedMsgs gauge.
func (q *Queue) reportLen() {
	queuedMsgs.WithLabelValues(q.Name).Set(float64(q.Len()))
}

// Requeue is called after a failed delivery attempt out of the ready queue
// (§4.F "Backoff"/"Expiry"). It increments the attempt count, computes the
// next due time, and either expires the message or reschedules it.
func (q *Queue) Requeue(msg *message.Message) {
	now := q.now()
	msg.IncrementAttempts()

	delay := DelayForAttempt(msg.NumAttempts(), q.Config.RetryInterval, q.Config.MaxRetryInterval)
	delay = withJitter(delay, q.Config.RetryInterval, rand.Float64)

	next := now.Add(delay)

	if sched := msg.Scheduling(); sched != nil && !sched.ExpiresAt.IsZero() {
		if !next.Before(sched.ExpiresAt) {
			if q.Dispose != nil {
				q.Dispose.Expired(msg, "per-message expiry reached")
			}
			return
		}
	}

	if q.Config.MaxAge > 0 && msg.Age(now)+delay > q.Config.MaxAge {
		if q.Dispose != nil {
			q.Dispose.Expired(msg, "queue max_age exceeded")
		}
		return
	}

	msg.SetDue(&next)
	q.Insert(msg, false)
}

// DelayForAttempt implements spec §4.F's backoff formula:
//
//	delay_for_attempt(n) = min(retry_interval * 2^n, max_retry_interval)
//
// n is the attempt count (already incremented, i.e. num_attempts after the
// failed try that triggered this computation). Monotone non-decreasing
// until it saturates at maxRetry, matching spec invariant "§9 I2".
func DelayForAttempt(n uint32, retryInterval, maxRetry time.Duration) time.Duration {
	if retryInterval <= 0 {
		retryInterval = time.Second
	}
	// 2^n grows fast; clamp the shift to avoid overflow for pathological
	// attempt counts, saturating at maxRetry well before that point.
	shift := n
	if shift > 32 {
		shift = 32
	}
	d := retryInterval << shift
	if d <= 0 || (maxRetry > 0 && d > maxRetry) {
		return maxRetry
	}
	return d
}

// withJitter adds uniform jitter in [-j/2, +j/2] where
// j = min(retryInterval/20, 60s), per spec §4.F.
// randFloat must return a value in [0, 1).
func withJitter(delay, retryInterval time.Duration, randFloat func() float64) time.Duration {
	j := retryInterval / 20
	if cap := 60 * time.Second; j > cap {
		j = cap
	}
	offset := time.Duration(randFloat()*float64(j)) - j/2
	result := delay + offset
	if result < 0 {
		return 0
	}
	return result
}

// Len reports the number of messages currently held (waiting or in-flight
// between wheel removal and ready-queue admission).
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Reapable reports whether the queue is empty and has been idle for at
// least ReapInterval, per spec §4.F "Reaping". Callers must re-check under
// the owning registry's lock before actually removing the queue (the
// spec's "CAS-like" re-check), since Len()==0 here is only a snapshot.
func (q *Queue) Reapable(now time.Time) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count != 0 {
		return false
	}
	return now.Sub(q.lastActive) >= q.Config.ReapInterval
}

// logFallback mirrors the teacher's use of the global logger in panic/error
// paths where q.Log may not be safely usable (queue.go's discardBroken).
func logFallback(format string, args ...interface{}) {
	log.Printf(format, args...)
}
