package readyq

import "github.com/prometheus/client_golang/prometheus"

// queueDepth and liveWorkers give per-ready-queue visibility into the
// §4.G dispatch ramp, adapted from the teacher's unwired
// internal/target/remote/metrics.go counters (same namespace/label
// conventions as internal/schedq's queuedMsgs gauge).
var (
	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "kumod",
			Subsystem: "readyq",
			Name:      "length",
			Help:      "Number of messages currently queued in a ready queue",
		},
		[]string{"ready_queue"},
	)

	liveWorkers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "kumod",
			Subsystem: "readyq",
			Name:      "live_dispatchers",
			Help:      "Number of currently spawned dispatchers for a ready queue",
		},
		[]string{"ready_queue"},
	)
)

func init() {
	prometheus.MustRegister(queueDepth, liveWorkers)
}

// report publishes the current depth and worker count. Called with rq.mu
// already released, since Len()/liveWorkers reads take the lock themselves.
func (rq *ReadyQueue) report() {
	queueDepth.WithLabelValues(rq.Name).Set(float64(rq.Len()))
	rq.mu.Lock()
	workers := rq.liveWorkers
	rq.mu.Unlock()
	liveWorkers.WithLabelValues(rq.Name).Set(float64(workers))
}
