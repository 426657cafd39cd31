package schedq

import "time"

// Config is the resolved QueueConfig for one scheduled queue: retry/backoff
// parameters, expiry, egress pool binding and reap policy. Mirrors the
// teacher's per-Queue config fields (initialRetryTime, retryTimeScale,
// maxTries in queue.go's Init) generalized from a fixed max-tries count to
// the spec's time-based max_age expiry.
type Config struct {
	// RetryInterval is the base delay before the first retry.
	RetryInterval time.Duration
	// MaxRetryInterval caps the exponential backoff.
	MaxRetryInterval time.Duration
	// MaxAge bounds total time a message may spend unresolved in this
	// queue, measured from first reception.
	MaxAge time.Duration
	// EgressPool names the egress pool used for delivery attempts out of
	// this queue (resolved by internal/egress at ready-queue admission).
	EgressPool string
	// ReapInterval is how long an empty queue sits idle before it is
	// eligible for removal from the registry.
	ReapInterval time.Duration
	// RefreshInterval re-evaluates Config on a TTL even absent a config
	// epoch bump; zero disables TTL-driven refresh (epoch-driven only).
	RefreshInterval time.Duration
}

// DefaultConfig matches the spec's illustrative example (§9, retry schedule
// demonstration: retry_interval=5s).
func DefaultConfig() Config {
	return Config{
		RetryInterval:    5 * time.Second,
		MaxRetryInterval: 20 * time.Minute,
		MaxAge:           3 * 24 * time.Hour,
		ReapInterval:      30 * time.Second,
	}
}
