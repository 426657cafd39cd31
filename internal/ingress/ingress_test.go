package ingress

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/emersion/go-message/textproto"

	"github.com/kumomta/kumod-core/framework/buffer"
	"github.com/kumomta/kumod-core/internal/message"
)

func emptyHeader() textproto.Header { return textproto.Header{} }
func emptyBody() buffer.Buffer      { return buffer.MemoryBuffer{Slice: []byte("body")} }

type fakeQueue struct {
	inserted []*message.Message
	fail     error
}

func (f *fakeQueue) InsertMessage(msg *message.Message) error {
	if f.fail != nil {
		return f.fail
	}
	f.inserted = append(f.inserted, msg)
	return nil
}

func TestReceivedHeaderIncludesPeerAndID(t *testing.T) {
	h := ReceivedHeader(ReceivedInfo{From: "1.2.3.4", By: "mx.example.com", ID: "abc123"})
	if !strings.Contains(h, "from 1.2.3.4") || !strings.Contains(h, "by mx.example.com") || !strings.Contains(h, "id abc123") {
		t.Fatalf("unexpected Received header: %q", h)
	}
}

func TestSessionDataRejectsWithoutRecipients(t *testing.T) {
	q := &fakeQueue{}
	b := &Backend{Queue: q, Hostname: "mx.example.com"}
	s := &Session{backend: b, from: "sender@example.com"}

	err := s.Data(strings.NewReader("Subject: hi\r\n\r\nbody\r\n"))
	if err == nil {
		t.Fatal("expected error when no RCPT issued before DATA")
	}
}

func TestSessionDataEnqueuesWithReceivedAndRef(t *testing.T) {
	q := &fakeQueue{}
	b := &Backend{Queue: q, Hostname: "mx.example.com"}
	s := &Session{backend: b, remoteAddr: "10.0.0.1:1234", from: "sender@example.com", rcpts: []string{"rcpt@example.org"}}

	raw := "Subject: hi\r\nFrom: sender@example.com\r\n\r\nhello world\r\n"
	if err := s.Data(strings.NewReader(raw)); err != nil {
		t.Fatalf("Data returned error: %v", err)
	}

	if len(q.inserted) != 1 {
		t.Fatalf("expected 1 message inserted, got %d", len(q.inserted))
	}
	msg := q.inserted[0]
	if msg.HeaderGet("Received") == "" {
		t.Fatal("expected Received header to be stamped")
	}
	if msg.HeaderGet("X-KumoRef") == "" {
		t.Fatal("expected X-KumoRef header to be stamped")
	}
}

func TestSessionDataTranslatesBackpressureTo451(t *testing.T) {
	q := &fakeQueue{fail: ErrBackpressure}
	b := &Backend{Queue: q, Hostname: "mx.example.com"}
	s := &Session{backend: b, from: "sender@example.com", rcpts: []string{"rcpt@example.org"}}

	err := s.Data(strings.NewReader("Subject: hi\r\n\r\nbody\r\n"))
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestRouterCachesQueueByName(t *testing.T) {
	calls := 0
	factory := func(name string) (SchedQueue, error) {
		calls++
		return noopSchedQueue{}, nil
	}
	r := NewRouter(factory, func() bool { return false })

	msg := newTestMsg(t, "a@b.example.com")
	if err := r.InsertMessage(msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := r.InsertMessage(msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected factory called once (cached), got %d", calls)
	}
}

func TestRouterFactoryFailureIsBackpressure(t *testing.T) {
	r := NewRouter(func(string) (SchedQueue, error) {
		return nil, errors.New("boom")
	}, nil)

	msg := newTestMsg(t, "a@b.example.com")
	err := r.InsertMessage(msg)
	if !errors.Is(err, ErrBackpressure) {
		t.Fatalf("expected ErrBackpressure, got %v", err)
	}
}

type noopSchedQueue struct{}

func (noopSchedQueue) Insert(msg *message.Message, shuttingDown bool) {}

func newTestMsg(t *testing.T, rcpt string) *message.Message {
	t.Helper()
	return message.New(message.NewID(), "sender@example.com", []string{rcpt}, emptyHeader(), emptyBody())
}

func TestInjectHandlerRejectsMissingFields(t *testing.T) {
	h := &InjectHandler{Queue: &fakeQueue{}, Hostname: "mx.example.com"}
	req := httptest.NewRequest(http.MethodPost, "/inject", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestInjectHandlerEnqueuesPerRecipient(t *testing.T) {
	q := &fakeQueue{}
	h := &InjectHandler{Queue: q, Hostname: "mx.example.com"}
	body := `{"envelope_sender":"s@example.com","recipients":["a@example.org","b@example.org"],"content":"Subject: hi\r\n\r\nbody\r\n"}`
	req := httptest.NewRequest(http.MethodPost, "/inject", strings.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	if len(q.inserted) != 2 {
		t.Fatalf("expected 2 messages enqueued, got %d", len(q.inserted))
	}
}

func TestInjectHandlerBackpressureReturns503(t *testing.T) {
	q := &fakeQueue{fail: ErrBackpressure}
	h := &InjectHandler{Queue: q, Hostname: "mx.example.com"}
	body := `{"envelope_sender":"s@example.com","recipients":["a@example.org"],"content":"Subject: hi\r\n\r\nbody\r\n"}`
	req := httptest.NewRequest(http.MethodPost, "/inject", strings.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}
