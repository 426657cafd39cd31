package logsink

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kumomta/kumod-core/framework/log"
)

// SubscriptionItem is a config-override or suspension the shaping daemon
// pushes back over the subscription WebSocket (spec §6 "Webhook output to
// shaping daemon").
type SubscriptionItem struct {
	Kind     string          `json:"kind"` // "suspend" | "config_override"
	Selector json.RawMessage `json:"selector,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// SubscriptionHandler is invoked for every SubscriptionItem received over
// the feed; the caller wires this into internal/admin (for "suspend") or a
// config-reload path (for "config_override").
type SubscriptionHandler func(SubscriptionItem)

// WebhookWriter POSTs Delivery and failure records as JSON to a shaping
// daemon endpoint (stdlib net/http: no pack repo carries an HTTP client
// library, and the teacher itself uses net/http directly for its own
// outbound calls) and maintains a subscription WebSocket
// (github.com/gorilla/websocket — an out-of-pack, real ecosystem
// dependency; no pack repo imports a websocket client) for feedback.
type WebhookWriter struct {
	Endpoint          string
	SubscriptionURL   string
	Client            *http.Client
	Log               log.Logger
	OnSubscriptionMsg SubscriptionHandler

	conn *websocket.Conn
}

// NewWebhookWriter creates a WebhookWriter and, if subscriptionURL is
// non-empty, starts the subscription feed in the background.
func NewWebhookWriter(endpoint, subscriptionURL string, onMsg SubscriptionHandler, l log.Logger) *WebhookWriter {
	w := &WebhookWriter{
		Endpoint:          endpoint,
		SubscriptionURL:   subscriptionURL,
		Client:            &http.Client{Timeout: 10 * time.Second},
		Log:               l,
		OnSubscriptionMsg: onMsg,
	}
	if subscriptionURL != "" {
		go w.runSubscription()
	}
	return w
}

// Write implements logsink.Writer: only Delivery and failure kinds are
// forwarded, matching spec §6 ("Delivery and failure log records are
// forwarded").
func (w *WebhookWriter) Write(r Record) {
	switch r.Kind {
	case Delivery, TransientFailure, Bounce, Expiration, OOB, Feedback:
	default:
		return
	}
	if w.Endpoint == "" {
		return
	}

	body, err := json.Marshal(r)
	if err != nil {
		w.Log.Error("logsink: marshal webhook body", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.Endpoint, bytes.NewReader(body))
	if err != nil {
		w.Log.Error("logsink: build webhook request", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.Client.Do(req)
	if err != nil {
		w.Log.Error("logsink: webhook post", err, "endpoint", w.Endpoint)
		return
	}
	resp.Body.Close()
}

// runSubscription dials the subscription WebSocket and decodes
// SubscriptionItem text frames, reconnecting with backoff on failure.
func (w *WebhookWriter) runSubscription() {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		conn, _, err := websocket.DefaultDialer.Dial(w.SubscriptionURL, nil)
		if err != nil {
			w.Log.Error("logsink: subscription dial", err, "url", w.SubscriptionURL)
			time.Sleep(backoff)
			if backoff < maxBackoff {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second
		w.conn = conn

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				w.Log.Error("logsink: subscription read", err)
				conn.Close()
				break
			}
			var item SubscriptionItem
			if err := json.Unmarshal(data, &item); err != nil {
				w.Log.Error("logsink: subscription decode", err)
				continue
			}
			if w.OnSubscriptionMsg != nil {
				w.OnSubscriptionMsg(item)
			}
		}
	}
}

// Close tears down the subscription connection, if any.
func (w *WebhookWriter) Close() {
	if w.conn != nil {
		w.conn.Close()
	}
}
