// Package admin implements the admin control plane (spec component I):
// Bounce, Suspend-SchedQ, Suspend-ReadyQ, Rebind and Transfer entries held
// in process-wide registries with expiry. No teacher equivalent exists
// (maddy has no runtime admin-entry concept); the registry shape —
// map-backed, mutex-guarded, entries pruned lazily on lookup — is grounded
// stylistically on framework/module's instance/constructor registries
// (framework/module/instances.go, modvars.go).
package admin

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kumomta/kumod-core/internal/message"
)

type Kind int

const (
	Bounce Kind = iota
	SuspendSchedQ
	SuspendReadyQ
	Rebind
	Transfer
)

func (k Kind) String() string {
	switch k {
	case Bounce:
		return "bounce"
	case SuspendSchedQ:
		return "suspend-schedq"
	case SuspendReadyQ:
		return "suspend-readyq"
	case Rebind:
		return "rebind"
	case Transfer:
		return "transfer"
	default:
		return "unknown"
	}
}

// Entry is one admin control-plane directive (spec §4.I).
type Entry struct {
	ID       string
	Kind     Kind
	Created  time.Time
	Expires  time.Time
	Selector Selector
	Reason   string

	// Overrides and Hook apply to Rebind/Transfer: Overrides is merged
	// into the message's metadata map, Hook (if set) is invoked after the
	// overrides are applied and may make further changes.
	Overrides map[string]interface{}
	Hook      func(msg *message.Message)

	// SuppressLog, for Rebind, skips the AdminRebind log record (spec
	// §4.I: "emitted unless suppressed").
	SuppressLog bool

	// savedQueue is set by Transfer entries to support CancelTransfer.
	savedQueue string
}

func (e *Entry) expired(now time.Time) bool {
	return !e.Expires.IsZero() && now.After(e.Expires)
}

// Registry holds all live admin entries, keyed by ID.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*Entry
	now     func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*Entry), now: time.Now}
}

// Add registers a new entry and returns its generated ID.
func (r *Registry) Add(e *Entry) string {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Created.IsZero() {
		e.Created = r.now()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[e.ID] = e
	return e.ID
}

// Cancel removes an entry by ID, returning false if it did not exist.
func (r *Registry) Cancel(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; !ok {
		return false
	}
	delete(r.entries, id)
	return true
}

// Get returns a live (non-expired) entry by ID.
func (r *Registry) Get(id string) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || e.expired(r.now()) {
		return nil, false
	}
	return e, true
}

// live returns a snapshot of all non-expired entries of kind k, pruning
// expired entries it encounters along the way.
func (r *Registry) live(k Kind) []*Entry {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Entry
	for id, e := range r.entries {
		if e.expired(now) {
			delete(r.entries, id)
			continue
		}
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}

// MatchesBounce implements internal/schedq.BounceChecker: it reports the
// first matching live Bounce entry's reason for queueName.
func (r *Registry) MatchesBounce(queueName string) (string, bool) {
	for _, e := range r.live(Bounce) {
		if e.Selector.MatchesSchedQueue(queueName) {
			return e.Reason, true
		}
	}
	return "", false
}

// SchedQSuspended reports whether a live Suspend-SchedQ entry matches
// queueName.
func (r *Registry) SchedQSuspended(queueName string) bool {
	for _, e := range r.live(SuspendSchedQ) {
		if e.Selector.MatchesSchedQueue(queueName) {
			return true
		}
	}
	return false
}

// ReadyQSuspended reports whether a live Suspend-ReadyQ entry matches
// readyQueueName.
func (r *Registry) ReadyQSuspended(readyQueueName string) bool {
	for _, e := range r.live(SuspendReadyQ) {
		if e.Selector.MatchesReadyQueue(readyQueueName) {
			return true
		}
	}
	return false
}

// RebindResult reports the outcome of applying matching Rebind/Transfer
// entries to a message.
type RebindResult struct {
	Applied    bool
	Moved      bool
	OldQueue   string
	NewQueue   string
	SuppressLog bool
}

// ApplyRebinds applies every live Rebind/Transfer entry matching msg's
// current scheduled queue, in registration order not guaranteed (spec
// doesn't define an ordering across entries; each is independent). If the
// computed queue name changes, due_time is reset to now (spec §4.I) and the
// caller is told to move the message immediately.
func (r *Registry) ApplyRebinds(msg *message.Message) RebindResult {
	oldQueue := msg.QueueName()
	res := RebindResult{OldQueue: oldQueue, NewQueue: oldQueue}

	entries := append(r.live(Rebind), r.live(Transfer)...)
	for _, e := range entries {
		if !e.Selector.MatchesSchedQueue(oldQueue) {
			continue
		}
		res.Applied = true
		for k, v := range e.Overrides {
			msg.MetaSet(k, v)
		}
		if e.Hook != nil {
			e.Hook(msg)
		}
		if e.Kind == Transfer {
			r.mu.Lock()
			e.savedQueue = oldQueue
			r.mu.Unlock()
		}
		if e.SuppressLog {
			res.SuppressLog = true
		}
	}

	if !res.Applied {
		return res
	}

	res.NewQueue = msg.QueueName()
	if res.NewQueue != oldQueue {
		res.Moved = true
		msg.ResetDue()
	}
	return res
}

// CancelTransfer restores the queue a Transfer entry recorded before it was
// applied (spec §4.I: "cancel-transfer must restore the saved queue").
// Returns the saved queue name and true if id names a Transfer entry that
// has recorded one.
func (r *Registry) CancelTransfer(id string) (string, bool) {
	r.mu.Lock()
	e, ok := r.entries[id]
	r.mu.Unlock()
	if !ok || e.Kind != Transfer || e.savedQueue == "" {
		return "", false
	}
	r.Cancel(id)
	return e.savedQueue, true
}
