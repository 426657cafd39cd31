// Package ingress implements the collaborator-boundary shim external SMTP
// and HTTP front-ends use to hand messages into the core: Received-header
// synthesis, DKIM verification (consumed as a library, not reimplemented),
// and ingress-side HA-PROXY trust parsing. It is deliberately thin
// compared to internal/endpoint/smtp in the teacher, which implements a
// full mailbox-delivery front-end.
package ingress

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-smtp"

	"github.com/kumomta/kumod-core/framework/buffer"
	"github.com/kumomta/kumod-core/internal/message"
)

// maxNonDataLineLength bounds non-DATA command lines to 998 octets;
// go-smtp enforces its own default line length but this is checked
// explicitly so the 500 5.2.3 response text is exact regardless of
// library version behavior.
const maxNonDataLineLength = 998

// ErrLineTooLong is returned as "500 5.2.3 line too long".
var ErrLineTooLong = &smtp.SMTPError{
	Code:         500,
	EnhancedCode: smtp.EnhancedCode{5, 2, 3},
	Message:      "Line too long",
}

// QueueInserter is the boundary the ingress hands accepted messages across
// to the core. internal/schedq.Queue (keyed by the message's derived queue
// name) satisfies this once wrapped by a registry that resolves a Message
// to its Queue.
type QueueInserter interface {
	InsertMessage(msg *message.Message) error
}

// Backend implements the go-smtp Backend interface, handing off to
// QueueInserter instead of any local mailbox storage. Grounded on the
// Backend/Session split shown across the pack's SMTP server examples
// (NewSession constructing a per-connection Session closure over the
// backend), simplified to the single handoff responsibility this boundary
// needs.
type Backend struct {
	Queue       QueueInserter
	Hostname    string
	DKIM        *DKIMVerifier // nil disables verification
	TrustedHops []string      // additional Received trace, e.g. proxy hops
}

func (b *Backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	remote := ""
	if c.Conn() != nil {
		remote = c.Conn().RemoteAddr().String()
	}
	return &Session{backend: b, remoteAddr: remote}, nil
}

// Session is a single SMTP transaction's worth of state.
type Session struct {
	backend    *Backend
	remoteAddr string
	from       string
	rcpts      []string
}

func (s *Session) AuthPlain(username, password string) error {
	return smtp.ErrAuthUnsupported
}

func (s *Session) Mail(from string, opts *smtp.MailOptions) error {
	if len(from) > maxNonDataLineLength {
		return ErrLineTooLong
	}
	s.from = from
	s.rcpts = nil
	return nil
}

func (s *Session) Rcpt(to string, opts *smtp.RcptOptions) error {
	if len(to) > maxNonDataLineLength {
		return ErrLineTooLong
	}
	s.rcpts = append(s.rcpts, to)
	return nil
}

func (s *Session) Data(r io.Reader) error {
	if len(s.rcpts) == 0 {
		return &smtp.SMTPError{Code: 503, EnhancedCode: smtp.EnhancedCode{5, 5, 1}, Message: "RCPT TO required before DATA"}
	}

	raw, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("ingress: reading DATA: %w", err)
	}

	hdr, body, err := splitMessage(raw)
	if err != nil {
		return &smtp.SMTPError{Code: 550, EnhancedCode: smtp.EnhancedCode{5, 6, 0}, Message: "Malformed message"}
	}

	id := message.NewID()
	hdr.Add("Received", ReceivedHeader(ReceivedInfo{
		From: s.remoteAddr,
		By:   s.backend.Hostname,
		ID:   id.String(),
	}))
	hdr.Add("X-KumoRef", id.String())

	if s.backend.DKIM != nil {
		if err := s.backend.DKIM.Verify(hdr, body); err != nil {
			hdr.Add("X-Kumo-DKIM-Verify-Error", err.Error())
		}
	}

	msg := message.New(id, s.from, append([]string(nil), s.rcpts...), hdr, buffer.MemoryBuffer{Slice: body})

	if err := s.backend.Queue.InsertMessage(msg); err != nil {
		if errors.Is(err, ErrBackpressure) {
			return &smtp.SMTPError{Code: 451, EnhancedCode: smtp.EnhancedCode{4, 4, 5}, Message: "Too busy, try again later"}
		}
		return fmt.Errorf("ingress: enqueue failed: %w", err)
	}
	return nil
}

func (s *Session) Reset()        { s.from = ""; s.rcpts = nil }
func (s *Session) Logout() error { return nil }

// ErrBackpressure is returned by a QueueInserter when it cannot currently
// admit more messages; front ends translate this into a transient SMTP/HTTP
// status rather than a permanent rejection.
var ErrBackpressure = errors.New("ingress: queue admission backpressure")

// splitMessage parses raw DATA bytes into header and body using
// emersion/go-message/textproto, the teacher's header representation
// throughout (internal/message.Message.Header uses the same type).
func splitMessage(raw []byte) (textproto.Header, []byte, error) {
	r := bufio.NewReader(bytes.NewReader(raw))
	hdr, err := textproto.ReadHeader(r)
	if err != nil {
		return textproto.Header{}, nil, err
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return textproto.Header{}, nil, err
	}
	return hdr, body, nil
}
