package ingress

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-msgauth/dkim"

	"github.com/kumomta/kumod-core/framework/dns"
)

// DKIMVerifier checks inbound DKIM-Signature headers via go-msgauth/dkim,
// the same library the teacher's internal/check/dkim uses, consumed as a
// library rather than reimplemented. Unlike the teacher's Check, which
// plugs into a full msgpipeline and supports per-field fail actions, this
// verifier only needs to answer "did at least one signature pass" for the
// ingress path, so it drops the FailAction machinery and authres result
// accumulation entirely.
type DKIMVerifier struct {
	Resolver dns.Resolver
}

// NewDKIMVerifier builds a verifier using the standard resolver.
func NewDKIMVerifier() *DKIMVerifier {
	return &DKIMVerifier{Resolver: dns.DefaultResolver()}
}

// Verify reports an error if the message carries no DKIM-Signature, or if
// none of the signatures present verify. The caller (Session.Data)
// attaches the result as an informational header rather than rejecting
// the message outright.
func (v *DKIMVerifier) Verify(hdr textproto.Header, body []byte) error {
	if !hdr.Has("DKIM-Signature") {
		return fmt.Errorf("no DKIM-Signature header present")
	}

	var b bytes.Buffer
	if err := textproto.WriteHeader(&b, hdr); err != nil {
		return fmt.Errorf("ingress: render header for DKIM verify: %w", err)
	}

	verifications, err := dkim.VerifyWithOptions(io.MultiReader(&b, bytes.NewReader(body)), &dkim.VerifyOptions{
		LookupTXT: func(domain string) ([]string, error) {
			return v.Resolver.LookupTXT(context.Background(), domain)
		},
	})
	if err != nil {
		return fmt.Errorf("ingress: dkim verify: %w", err)
	}

	for _, verif := range verifications {
		if verif.Err == nil {
			return nil
		}
	}
	return fmt.Errorf("ingress: no passing DKIM signatures")
}
