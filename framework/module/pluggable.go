package module

import (
	"context"
	"net"
	"time"
)

// Resolver is the pluggable DNS lookup module used by the egress path to
// find candidate MX hosts and their addresses. Implementations wrap
// github.com/miekg/dns with caching and, in tests, go-mockdns.
type Resolver interface {
	Module

	LookupMX(ctx context.Context, domain string) ([]*net.MX, error)
	LookupHost(ctx context.Context, host string) ([]net.IP, error)

	// ResolveMX resolves a routing domain's site_name alongside its
	// candidate MX hosts (spec §4.F), so a scheduled queue can bind to a
	// ready queue shared by every domain whose mail exchangers resolve to
	// the same site.
	ResolveMX(ctx context.Context, domain string) (*MailExchanger, error)
}

// MailExchanger is the resolved delivery site for a routing domain (spec
// §4.F "site_name"). SiteName is a canonical string derived from the
// sorted, deduplicated set of MX hostnames, so domains that share mail
// infrastructure (the common case for hosted email providers) collapse
// onto one site and therefore one ready queue, rather than each domain
// getting its own. Hosts keeps the MX-preference order LookupMX already
// established, for dialing.
type MailExchanger struct {
	SiteName string
	Hosts    []string
	Expires  time.Time
}

// HasExpired reports whether this MailExchanger's TTL has elapsed and the
// routing domain should be re-resolved.
func (mx *MailExchanger) HasExpired() bool {
	return !mx.Expires.IsZero() && time.Now().After(mx.Expires)
}

// ThrottleBackend is the pluggable rate-limit/lease store used by
// internal/throttle. A backend may be purely local to the process or backed
// by a shared store so limits apply across a fleet.
type ThrottleBackend interface {
	Module

	// Check reports how long the caller must wait before the named limit
	// has capacity again; zero means immediately permitted.
	Check(ctx context.Context, key string, limit int, period time.Duration) (time.Duration, error)

	// AcquireLease reserves one of maxConcurrent concurrency slots under
	// key, returning a release function. ok is false if none are free.
	AcquireLease(ctx context.Context, key string, maxConcurrent int) (release func(), ok bool, err error)
}
