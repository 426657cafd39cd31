package schedq

import "github.com/prometheus/client_golang/prometheus"

// queuedMsgs tracks per-scheduled-queue depth, adapted from the teacher's
// internal/target/queue/metrics.go (same GaugeVec shape, one label per
// queue name instead of per module+location).
var queuedMsgs = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "kumod",
		Subsystem: "schedq",
		Name:      "length",
		Help:      "Number of messages currently held in a scheduled queue",
	},
	[]string{"queue"},
)

func init() {
	prometheus.MustRegister(queuedMsgs)
}
