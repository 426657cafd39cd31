package ingress

import (
	"fmt"
	"time"
)

// ReceivedInfo carries the fields needed to synthesize a trace Received
// header for an inbound message; the delivered copy carries both this
// line and an X-KumoRef id.
type ReceivedInfo struct {
	From string // peer address the connection arrived from
	By   string // this host's advertised hostname
	ID   string // message id, reused as the SMTP transaction id
	With string // protocol label, defaults to "ESMTP"
	Now  time.Time
}

// ReceivedHeader renders a standard RFC 5321 §4.4 trace line. Grounded on
// the format the teacher's delivery path expects on outbound copies
// (internal/target/remote stamps an equivalent trace line before sending);
// here it is stamped once, at ingress, rather than per hop.
func ReceivedHeader(info ReceivedInfo) string {
	with := info.With
	if with == "" {
		with = "ESMTP"
	}
	when := info.Now
	if when.IsZero() {
		when = time.Now()
	}
	from := info.From
	if from == "" {
		from = "unknown"
	}
	return fmt.Sprintf("from %s by %s with %s id %s; %s",
		from, info.By, with, info.ID, when.Format(time.RFC1123Z))
}
