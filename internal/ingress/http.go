package ingress

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/kumomta/kumod-core/framework/buffer"
	"github.com/kumomta/kumod-core/internal/message"
)

// ErrMalformedContent is returned when the "content" field does not parse
// as an RFC 5322 header+body message.
var ErrMalformedContent = errors.New("ingress: content is not a valid RFC 5322 message")

// InjectRequest is the JSON body for the HTTP injection endpoint: an
// envelope, a recipient list, and message content, fanning out to one or
// more enqueued messages. No pack repo carries an HTTP router dependency,
// so this handler is plain net/http, matching WebhookWriter's choice in
// internal/logsink.
type InjectRequest struct {
	EnvelopeSender string            `json:"envelope_sender"`
	Recipients     []string          `json:"recipients"`
	Content        string            `json:"content"` // raw RFC 5322 header+body
	Headers        map[string]string `json:"headers,omitempty"`
}

// InjectResponse reports one id per recipient successfully enqueued; a
// request with N recipients fans out to N independent messages, each with
// its own queue name, since queue placement depends on the (possibly
// per-recipient) routing domain.
type InjectResponse struct {
	IDs []string `json:"ids"`
}

// InjectHandler serves the HTTP injection endpoint.
type InjectHandler struct {
	Queue    QueueInserter
	Hostname string
	DKIM     *DKIMVerifier
}

func (h *InjectHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req InjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed JSON body", http.StatusBadRequest)
		return
	}
	if req.EnvelopeSender == "" || len(req.Recipients) == 0 {
		http.Error(w, "envelope_sender and recipients are required", http.StatusBadRequest)
		return
	}

	// Re-parsed per recipient rather than cloned once: textproto.Header
	// carries no documented deep-copy method, and re-parsing the small
	// request body is simpler than hand-rolling one.
	ids := make([]string, 0, len(req.Recipients))
	for _, rcpt := range req.Recipients {
		id, err := h.enqueueOne(req.EnvelopeSender, rcpt, req.Content, req.Headers)
		if err != nil {
			switch {
			case errors.Is(err, ErrBackpressure):
				w.Header().Set("Retry-After", "5")
				http.Error(w, "queue admission backpressure", http.StatusServiceUnavailable)
			case errors.Is(err, ErrMalformedContent):
				http.Error(w, err.Error(), http.StatusBadRequest)
			default:
				http.Error(w, "injection failed: "+err.Error(), http.StatusInternalServerError)
			}
			return
		}
		ids = append(ids, id)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(InjectResponse{IDs: ids})
}

func (h *InjectHandler) enqueueOne(sender, rcpt, content string, extraHeaders map[string]string) (string, error) {
	hdr, body, err := splitMessage([]byte(content))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedContent, err)
	}
	for k, v := range extraHeaders {
		hdr.Add(k, v)
	}

	id := message.NewID()
	hdr.Add("Received", ReceivedHeader(ReceivedInfo{
		From: "http-injection",
		By:   h.Hostname,
		ID:   id.String(),
	}))
	hdr.Add("X-KumoRef", id.String())

	if h.DKIM != nil {
		if err := h.DKIM.Verify(hdr, body); err != nil {
			hdr.Add("X-Kumo-DKIM-Verify-Error", err.Error())
		}
	}

	msg := message.New(id, sender, []string{rcpt}, hdr, buffer.MemoryBuffer{Slice: body})
	if err := h.Queue.InsertMessage(msg); err != nil {
		return "", err
	}
	return id.String(), nil
}
