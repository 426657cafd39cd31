package ingress

import (
	"sync"

	"github.com/kumomta/kumod-core/internal/message"
)

// QueueFactory creates (or looks up) the scheduled queue responsible for
// queueName, lazily starting it on first use. Implemented by whatever
// wires internal/schedq.New together with a ready-queue/egress-pool
// lookup (cmd/kumod's top-level wiring); kept as a narrow function type
// here rather than importing internal/schedq directly, continuing this
// codebase's pattern of structural interfaces between the queue tiers.
type QueueFactory func(queueName string) (SchedQueue, error)

// SchedQueue is the subset of internal/schedq.Queue the router needs;
// *schedq.Queue satisfies this without either package importing the other.
type SchedQueue interface {
	Insert(msg *message.Message, shuttingDown bool)
}

// Router resolves an inbound Message to its scheduled queue by name (the
// "campaign:tenant:domain[@routing_domain]" derivation done by
// message.Message.QueueName) and caches the result, satisfying
// QueueInserter for Backend/Session and the HTTP injection handler alike.
type Router struct {
	Factory QueueFactory
	// ShuttingDown reports whether the process is draining; when true,
	// Insert is told to persist rather than admit to the ready tier.
	ShuttingDown func() bool

	mu     sync.Mutex
	queues map[string]SchedQueue
}

// NewRouter builds a Router around factory.
func NewRouter(factory QueueFactory, shuttingDown func() bool) *Router {
	return &Router{Factory: factory, ShuttingDown: shuttingDown, queues: make(map[string]SchedQueue)}
}

func (r *Router) lookup(queueName string) (SchedQueue, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if q, ok := r.queues[queueName]; ok {
		return q, nil
	}
	q, err := r.Factory(queueName)
	if err != nil {
		return nil, err
	}
	r.queues[queueName] = q
	return q, nil
}

// InsertMessage implements QueueInserter: resolve msg's scheduled queue by
// name and hand it off. A Factory failure (e.g. the process is past its
// queue-count limit) is reported as ErrBackpressure so the SMTP/HTTP front
// ends reply with a transient code rather than a permanent one.
func (r *Router) InsertMessage(msg *message.Message) error {
	q, err := r.lookup(msg.QueueName())
	if err != nil {
		return ErrBackpressure
	}
	shuttingDown := false
	if r.ShuttingDown != nil {
		shuttingDown = r.ShuttingDown()
	}
	q.Insert(msg, shuttingDown)
	return nil
}
