// Package logsink implements the logging sink (spec component K): typed
// disposition records for reception/delivery/failure, a structured JSON
// encoder grounded on go.uber.org/zap (the teacher's logging library,
// framework/log), Prometheus drop-counter metrics grounded on
// internal/target/remote/metrics.go, and a webhook + WebSocket
// subscription feed to an external shaping daemon (spec §4.K, §6).
package logsink

import "time"

// Kind is one of the record types spec §4.K enumerates.
type Kind string

const (
	Reception        Kind = "reception"
	Delivery         Kind = "delivery"
	TransientFailure Kind = "transient_failure"
	Bounce           Kind = "bounce"
	Expiration       Kind = "expiration"
	AdminRebind      Kind = "admin_rebind"
	Delayed          Kind = "delayed"
	OOB              Kind = "oob"
	Feedback         Kind = "feedback"
)

// Record is one disposition event. Fields are a superset over all Kinds;
// a given Kind only populates the fields relevant to it (e.g. ResponseCode
// is empty for Reception).
type Record struct {
	Kind      Kind      `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	MessageID string    `json:"message_id"`
	QueueName string    `json:"queue_name"`

	PeerAddress string `json:"peer_address,omitempty"`

	ResponseCode    int    `json:"response_code,omitempty"`
	EnhancedCode    string `json:"enhanced_code,omitempty"`
	ResponseContent string `json:"response_content,omitempty"`

	EgressPool   string `json:"egress_pool,omitempty"`
	EgressSource string `json:"egress_source,omitempty"`
	Provider     string `json:"provider,omitempty"`
	SessionID    string `json:"session_id,omitempty"`

	Recipient string `json:"recipient,omitempty"`
	Reason    string `json:"reason,omitempty"`

	// Headers holds the configured subset of message headers to attach,
	// keyed by header name.
	Headers map[string]string `json:"headers,omitempty"`
}
