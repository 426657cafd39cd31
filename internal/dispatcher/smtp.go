package dispatcher

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/emersion/go-smtp"
	"github.com/kumomta/kumod-core/framework/config"
	"github.com/kumomta/kumod-core/framework/exterrors"
	"github.com/kumomta/kumod-core/internal/message"
	"github.com/kumomta/kumod-core/internal/smtpconn"
)

// permanentErr wraps an SMTP 5xx (or other non-retriable) failure so
// isPermanent's type assertion in dispatcher.go can classify it without
// depending on go-smtp directly.
type permanentErr struct{ err error }

func (e permanentErr) Error() string   { return e.err.Error() }
func (e permanentErr) Unwrap() error   { return e.err }
func (e permanentErr) Permanent() bool { return true }

func classify(err error) error {
	if err == nil {
		return nil
	}
	if exterrors.IsTemporaryOrUnspec(err) {
		return err
	}
	if smtpErr, ok := err.(*smtp.SMTPError); ok && smtpErr.Code/100 == 5 {
		return permanentErr{err}
	}
	return permanentErr{err}
}

// SMTPAdapter is the only Adapter implementation the core ships: plain
// outbound SMTP over internal/smtpconn.C, grounded on
// internal/target/remote/connect.go's retry-without-TLS fallback chain and
// remote.go's per-recipient MAIL/RCPT/DATA sequencing.
type SMTPAdapter struct {
	// Hostname sent in EHLO/HELO; set from the resolved source identity.
	Hostname string
}

func (a *SMTPAdapter) Connect(ctx context.Context, conn *smtpconn.C, host string, policy TLSPolicy, cfg *tls.Config) (didTLS bool, tlsErr, err error) {
	if a.Hostname != "" {
		conn.Hostname = a.Hostname
	}

	starttls := policy != TLSDisabled
	endp := config.Endpoint{Host: host, Port: "25"}

retry:
	didTLS, err = conn.Connect(ctx, endp, starttls, cfg)
	if err != nil {
		if te, ok := err.(smtpconn.TLSError); ok && !policy.required() {
			// Opportunistic TLS failed; retry once in plaintext, matching
			// connect.go's fallback chain.
			tlsErr = te
			starttls = false
			conn.DirectClose()
			goto retry
		}
		return false, nil, err
	}
	return didTLS, tlsErr, nil
}

func (a *SMTPAdapter) DeliverBatch(ctx context.Context, conn *smtpconn.C, msgs []*message.Message) (map[*message.Message]error, error) {
	results := make(map[*message.Message]error, len(msgs))

	for _, m := range msgs {
		if err := conn.Mail(ctx, m.Sender(), smtp.MailOptions{}); err != nil {
			return nil, fmt.Errorf("dispatcher: MAIL FROM failed: %w", err)
		}

		anyRcptOk := false
		for _, rcpt := range m.Recipients() {
			if err := conn.Rcpt(ctx, rcpt); err != nil {
				results[m] = classify(err)
				continue
			}
			anyRcptOk = true
		}
		if !anyRcptOk {
			continue
		}

		body, err := m.Body().Open()
		if err != nil {
			results[m] = permanentErr{fmt.Errorf("dispatcher: opening spooled body: %w", err)}
			continue
		}
		dataErr := conn.Data(ctx, *m.Header(), body)
		body.Close()
		if dataErr != nil {
			results[m] = classify(dataErr)
			continue
		}
		results[m] = nil
	}

	return results, nil
}

func (a *SMTPAdapter) Close(conn *smtpconn.C) {
	conn.Close()
}
