// Package message implements the addressable delivery unit shared by every
// component of the core: the envelope, headers, body, and the mutable
// metadata bag that the scheduled queue, ready queue, and dispatcher use to
// track retry state.
package message

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/google/uuid"

	"github.com/kumomta/kumod-core/framework/buffer"
)

// ID is the opaque 128-bit message identifier. Once assigned it never
// changes.
type ID [16]byte

func NewID() ID {
	return ID(uuid.New())
}

func (id ID) String() string {
	return uuid.UUID(id).String()
}

func ParseID(s string) (ID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ID{}, err
	}
	return ID(u), nil
}

// Scheduling carries an optional explicit expiry instant for a message,
// distinct from the queue-wide max_age policy.
type Scheduling struct {
	ExpiresAt time.Time
}

// Message is the core's addressable unit of work. All fields below
// "Header"/"body" are considered immutable after reception except through
// the accessor methods, which serialize concurrent metadata access with mu.
//
// Ownership invariant (spec §3): at any instant a Message belongs to exactly
// one of {spool on disk, a scheduled queue, a ready queue, a dispatcher in
// flight}. This type does not enforce that itself -- the owning component
// does, by holding the only live reference.
type Message struct {
	mu sync.Mutex

	id ID

	sender     string
	recipients []string

	header textproto.Header
	body   buffer.Buffer

	metadata map[string]interface{}

	numAttempts uint32
	dueTime     *time.Time
	scheduling  *Scheduling

	firstAttempt time.Time
	lastAttempt  time.Time

	needsSave bool
}

// New creates a freshly received Message. id must already be assigned by the
// caller (the ingress collaborator) -- the core never mints ids.
func New(id ID, sender string, recipients []string, hdr textproto.Header, body buffer.Buffer) *Message {
	return &Message{
		id:           id,
		sender:       sender,
		recipients:   append([]string(nil), recipients...),
		header:       hdr,
		body:         body,
		metadata:     make(map[string]interface{}),
		firstAttempt: time.Now(),
		needsSave:    true,
	}
}

func (m *Message) ID() ID { return m.id }

func (m *Message) Sender() string { return m.sender }

func (m *Message) Recipients() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.recipients...)
}

// SetRecipients rewrites the recipient list, used by the dispatcher after a
// partial-failure batch to keep only the recipients still owed a delivery
// attempt (spec §7).
func (m *Message) SetRecipients(rcpt []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recipients = append([]string(nil), rcpt...)
	m.needsSave = true
}

func (m *Message) Header() *textproto.Header { return &m.header }

// Body returns the buffer backing the message body. Implementations of
// buffer.Buffer may page the content in from spool on first Open() call.
func (m *Message) Body() buffer.Buffer { return m.body }

// HeaderGet/HeaderSet are convenience wrappers used by admin rebind and the
// dispatcher to stamp delivery-tracking headers (Received, X-KumoRef).
func (m *Message) HeaderGet(key string) string {
	return m.header.Get(key)
}

func (m *Message) HeaderSet(key, value string) {
	m.header.Set(key, value)
	m.needsSave = true
}

func (m *Message) HeaderAdd(key, value string) {
	m.header.Add(key, value)
	m.needsSave = true
}

// NumAttempts returns the monotone attempt counter.
func (m *Message) NumAttempts() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.numAttempts
}

// IncrementAttempts bumps num_attempts; it only ever increases, per spec §3.
func (m *Message) IncrementAttempts() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.numAttempts++
	m.lastAttempt = time.Now()
	m.needsSave = true
	return m.numAttempts
}

// DueTime returns the due time, or nil if the message is immediately due.
func (m *Message) DueTime() *time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dueTime
}

// SetDue sets the due time. The core itself never moves a due time earlier
// than what is currently set (spec §3 invariant) except through ResetDue,
// which is reserved for admin rebind.
func (m *Message) SetDue(t *time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t != nil && m.dueTime != nil && t.Before(*m.dueTime) {
		// Violates the "never moved earlier" invariant for anything but an
		// explicit admin reset; callers that need that use ResetDue.
		return
	}
	m.dueTime = t
	m.needsSave = true
}

// ResetDue forces the due time to now, the one exception to the
// never-earlier invariant, reserved for admin rebind (spec §4.I).
func (m *Message) ResetDue() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	m.dueTime = &now
	m.needsSave = true
}

// DelayBy computes and applies a new due time offset from now by d,
// returning the new due time.
func (m *Message) DelayBy(d time.Duration) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := time.Now().Add(d)
	m.dueTime = &t
	m.needsSave = true
	return t
}

// DelayWithJitter adds uniform jitter in [0, capSeconds] seconds on top of
// the current due time, used by the scheduled queue's post-init delay.
func (m *Message) DelayWithJitter(jitter func() time.Duration) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	base := time.Now()
	if m.dueTime != nil {
		base = *m.dueTime
	}
	t := base.Add(jitter())
	m.dueTime = &t
	m.needsSave = true
	return t
}

// Age reports how long ago the message was received.
func (m *Message) Age(now time.Time) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return now.Sub(m.firstAttempt)
}

func (m *Message) Scheduling() *Scheduling {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scheduling
}

func (m *Message) SetScheduling(s *Scheduling) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scheduling = s
	m.needsSave = true
}

// Metadata access. Per spec §3, metadata is mutable only while the message
// is not concurrently being written to spool; callers that need that
// guarantee hold the Message's ownership (it is exclusive by construction)
// around Set/Get pairs.
func (m *Message) MetaGet(key string) (interface{}, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.metadata[key]
	return v, ok
}

func (m *Message) MetaSet(key string, value interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metadata[key] = value
	m.needsSave = true
}

func (m *Message) MetaSnapshot() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]interface{}, len(m.metadata))
	for k, v := range m.metadata {
		out[k] = v
	}
	return out
}

// NeedsSave reports whether the in-memory copy has uncommitted changes.
func (m *Message) NeedsSave() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.needsSave
}

// ClearNeedsSave must only be called once the spool has acknowledged
// durability of the current state (spec §4.A).
func (m *Message) ClearNeedsSave() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.needsSave = false
}

// Shrink drops the in-memory body, forcing a later Body().Open() to page it
// back in from spool.
func (m *Message) Shrink() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.body = buffer.FileBuffer{Path: m.spoolBodyHint()}
}

// ShrinkData is an alias for Shrink that keeps the doc distinction from
// spec §4.B ("drops body only; keeps metadata") explicit -- metadata is
// never touched by either shrink method, since it's a separate field.
func (m *Message) ShrinkData() { m.Shrink() }

func (m *Message) spoolBodyHint() string {
	if v, ok := m.MetaGet("__spool_data_path"); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// QueueName returns the four-component queue name, computed from the
// "queue" metadata key if present, else derived from the recipient
// domain/tenant/campaign metadata (spec §3 "Queue name").
func (m *Message) QueueName() string {
	if v, ok := m.MetaGet("queue"); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return m.deriveQueueName()
}

func (m *Message) deriveQueueName() string {
	campaign, _ := m.metaString("campaign")
	tenant, _ := m.metaString("tenant")
	domain := m.recipientDomain()
	routingDomain, hasRouting := m.metaString("routing_domain")

	name := fmt.Sprintf("%s:%s:%s", campaign, tenant, domain)
	if hasRouting && routingDomain != "" {
		name += "@" + routingDomain
	}
	return name
}

func (m *Message) metaString(key string) (string, bool) {
	v, ok := m.MetaGet(key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func (m *Message) recipientDomain() string {
	rcpts := m.Recipients()
	if len(rcpts) == 0 {
		return ""
	}
	at := strings.LastIndexByte(rcpts[0], '@')
	if at < 0 {
		return ""
	}
	return strings.ToLower(rcpts[0][at+1:])
}

// MarshalMetadata serializes the metadata map plus the scheduling fields
// needed to reconstruct a Message from spool (spec §6 meta/ directory).
func (m *Message) MarshalMetadata() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	type wire struct {
		Sender       string                 `json:"sender"`
		Recipients   []string               `json:"recipients"`
		Metadata     map[string]interface{} `json:"metadata"`
		NumAttempts  uint32                 `json:"num_attempts"`
		DueTime      *time.Time             `json:"due_time,omitempty"`
		Expires      *time.Time             `json:"expires,omitempty"`
		FirstAttempt time.Time              `json:"first_attempt"`
		LastAttempt  time.Time              `json:"last_attempt,omitempty"`
	}
	w := wire{
		Sender:       m.sender,
		Recipients:   m.recipients,
		Metadata:     m.metadata,
		NumAttempts:  m.numAttempts,
		DueTime:      m.dueTime,
		FirstAttempt: m.firstAttempt,
		LastAttempt:  m.lastAttempt,
	}
	if m.scheduling != nil {
		w.Expires = &m.scheduling.ExpiresAt
	}
	return json.Marshal(w)
}

// UnmarshalMetadata reconstructs the mutable fields of a Message from the
// bytes produced by MarshalMetadata.
func UnmarshalMetadata(id ID, hdr textproto.Header, body buffer.Buffer, data []byte) (*Message, error) {
	type wire struct {
		Sender       string                 `json:"sender"`
		Recipients   []string               `json:"recipients"`
		Metadata     map[string]interface{} `json:"metadata"`
		NumAttempts  uint32                 `json:"num_attempts"`
		DueTime      *time.Time             `json:"due_time,omitempty"`
		Expires      *time.Time             `json:"expires,omitempty"`
		FirstAttempt time.Time              `json:"first_attempt"`
		LastAttempt  time.Time              `json:"last_attempt,omitempty"`
	}
	var w wire
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&w); err != nil {
		return nil, err
	}
	m := &Message{
		id:           id,
		sender:       w.Sender,
		recipients:   w.Recipients,
		header:       hdr,
		body:         body,
		metadata:     w.Metadata,
		numAttempts:  w.NumAttempts,
		dueTime:      w.DueTime,
		firstAttempt: w.FirstAttempt,
		lastAttempt:  w.LastAttempt,
	}
	if m.metadata == nil {
		m.metadata = make(map[string]interface{})
	}
	if w.Expires != nil {
		m.scheduling = &Scheduling{ExpiresAt: *w.Expires}
	}
	return m, nil
}
