package dispatcher

import "github.com/prometheus/client_golang/prometheus"

// tlsLevelCnt tracks outbound connections by TLS outcome, adapted from the
// teacher's unwired internal/target/remote/metrics.go tlsLevelCnt (same
// CounterVec shape, labeled by site rather than module since this binary
// runs one dispatcher implementation, not several competing modules).
var tlsLevelCnt = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "kumod",
		Subsystem: "dispatcher",
		Name:      "conns_tls_level",
		Help:      "Outbound connections established per TLS outcome",
	},
	[]string{"site", "level"},
)

func init() {
	prometheus.MustRegister(tlsLevelCnt)
}

// tlsLevel classifies a completed connection attempt into the label used by
// tlsLevelCnt, mirroring connect.go's encrypted/plaintext/failed distinction.
func tlsLevel(didTLS bool, tlsErr error) string {
	switch {
	case didTLS:
		return "encrypted"
	case tlsErr != nil:
		return "plaintext_fallback"
	default:
		return "plaintext"
	}
}
