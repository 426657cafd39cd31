// Package resolver implements MX/A/AAAA lookups for the egress path,
// wrapping github.com/miekg/dns directly instead of net.DefaultResolver so
// callers see authoritative TTLs and can pin specific recursive servers.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	mdns "github.com/miekg/dns"

	"github.com/kumomta/kumod-core/framework/config"
	kdns "github.com/kumomta/kumod-core/framework/dns"
	"github.com/kumomta/kumod-core/framework/log"
	"github.com/kumomta/kumod-core/framework/module"
)

// Resolver implements module.Resolver using a miekg/dns client against a
// configured list of recursive servers, with a TTL-respecting cache.
type Resolver struct {
	name     string
	instName string
	Log      log.Logger

	Servers []string
	Timeout time.Duration

	client *mdns.Client

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	expires time.Time
	mx      []*net.MX
	host    []net.IP
	err     error
}

func NewResolver(_, instName string, _, inlineArgs []string) (module.Module, error) {
	r := &Resolver{
		instName: instName,
		name:     "resolver",
		Log:      log.Logger{Name: "resolver"},
		Timeout:  5 * time.Second,
		cache:    make(map[string]cacheEntry),
	}
	if len(inlineArgs) > 1 {
		return nil, errors.New("resolver: wrong amount of inline arguments")
	}
	if len(inlineArgs) == 1 {
		r.Servers = []string{inlineArgs[0]}
	}
	return r, nil
}

func (r *Resolver) Init(cfg *config.Map) error {
	cfg.Bool("debug", true, false, &r.Log.Debug)
	cfg.StringList("servers", false, false, r.Servers, &r.Servers)
	cfg.Duration("timeout", false, false, r.Timeout, &r.Timeout)
	if _, err := cfg.Process(); err != nil {
		return err
	}

	r.client = &mdns.Client{Timeout: r.Timeout}
	if len(r.Servers) == 0 {
		conf, err := mdns.ClientConfigFromFile("/etc/resolv.conf")
		if err == nil && conf != nil {
			for _, s := range conf.Servers {
				r.Servers = append(r.Servers, net.JoinHostPort(s, conf.Port))
			}
		}
	}
	if len(r.Servers) == 0 {
		r.Servers = []string{"8.8.8.8:53"}
	}
	return nil
}

func (r *Resolver) Name() string         { return r.name }
func (r *Resolver) InstanceName() string { return r.instName }

// LookupMX resolves a domain's mail exchangers, sorted by preference, with
// the RFC 5321 §5 implicit-MX fallback: if the domain itself answers an A or
// AAAA query but has no MX records, it is treated as MX 0 itself.
func (r *Resolver) LookupMX(ctx context.Context, domain string) ([]*net.MX, error) {
	key, err := kdns.ForLookup(domain)
	if err != nil {
		r.Log.Debugf("resolver: ForLookup(%q): %v", domain, err)
	}
	cacheKey := "mx:" + key

	if mx, ok := r.cacheGetMX(cacheKey); ok {
		return mx, nil
	}

	fqdn := kdns.FQDN(domain)
	msg := new(mdns.Msg)
	msg.SetQuestion(fqdn, mdns.TypeMX)
	msg.RecursionDesired = true

	reply, ttl, err := r.exchange(ctx, msg)
	if err != nil {
		return nil, err
	}

	var out []*net.MX
	if reply.Rcode == mdns.RcodeSuccess {
		for _, ans := range reply.Answer {
			if rr, ok := ans.(*mdns.MX); ok {
				out = append(out, &net.MX{Host: rr.Mx, Pref: rr.Preference})
			}
		}
	}

	if len(out) == 0 {
		if hasA, aerr := r.hasAddress(ctx, fqdn); aerr == nil && hasA {
			out = []*net.MX{{Host: fqdn, Pref: 0}}
		} else if reply.Rcode == mdns.RcodeNameError {
			return nil, fmt.Errorf("resolver: %s: %w", domain, ErrNXDomain)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Pref < out[j].Pref })

	r.cachePutMX(cacheKey, out, ttl)
	return out, nil
}

// ResolveMX resolves domain's mail exchangers and derives its site_name
// (spec §4.F): the sorted, deduplicated set of MX hostnames joined
// together. Two domains whose MX records resolve to the same set collapse
// onto the same site_name and so share one ready queue. Hosts preserves
// LookupMX's preference order for dialing; Expires mirrors the TTL the MX
// lookup itself cached under.
func (r *Resolver) ResolveMX(ctx context.Context, domain string) (*module.MailExchanger, error) {
	mx, err := r.LookupMX(ctx, domain)
	if err != nil {
		return nil, err
	}

	hosts := make([]string, 0, len(mx))
	siteHosts := make([]string, 0, len(mx))
	for _, rr := range mx {
		host := strings.TrimSuffix(rr.Host, ".")
		hosts = append(hosts, host)
		siteHosts = append(siteHosts, host)
	}
	sort.Strings(siteHosts)
	siteHosts = dedupSorted(siteHosts)

	return &module.MailExchanger{
		SiteName: strings.Join(siteHosts, ","),
		Hosts:    hosts,
		Expires:  r.mxExpiry(domain),
	}, nil
}

func dedupSorted(ss []string) []string {
	out := ss[:0]
	for i, s := range ss {
		if i == 0 || s != out[len(out)-1] {
			out = append(out, s)
		}
	}
	return out
}

func (r *Resolver) mxExpiry(domain string) time.Time {
	key, _ := kdns.ForLookup(domain)
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.cache["mx:"+key]; ok {
		return e.expires
	}
	return time.Time{}
}

// ErrNXDomain reports that the name server authoritatively has no such
// domain (NXDOMAIN / RFC 8020), as opposed to a transient failure
// (SERVFAIL, timeout, transport error). Callers use this distinction to
// classify a resolution failure as permanently bounceable versus a
// transient retry (spec §4.E/§4.H).
var ErrNXDomain = errors.New("no such host")

func (r *Resolver) hasAddress(ctx context.Context, fqdn string) (bool, error) {
	ips, err := r.LookupHost(ctx, fqdn)
	if err != nil {
		return false, err
	}
	return len(ips) > 0, nil
}

// LookupHost resolves both A and AAAA records for host.
func (r *Resolver) LookupHost(ctx context.Context, host string) ([]net.IP, error) {
	key, _ := kdns.ForLookup(host)
	cacheKey := "host:" + key

	if ips, ok := r.cacheGetHost(cacheKey); ok {
		return ips, nil
	}

	fqdn := kdns.FQDN(host)
	var ips []net.IP
	var minTTL time.Duration = time.Hour

	for _, qtype := range []uint16{mdns.TypeA, mdns.TypeAAAA} {
		msg := new(mdns.Msg)
		msg.SetQuestion(fqdn, qtype)
		msg.RecursionDesired = true

		reply, ttl, err := r.exchange(ctx, msg)
		if err != nil {
			continue
		}
		if ttl < minTTL {
			minTTL = ttl
		}
		for _, ans := range reply.Answer {
			switch rr := ans.(type) {
			case *mdns.A:
				ips = append(ips, rr.A)
			case *mdns.AAAA:
				ips = append(ips, rr.AAAA)
			}
		}
	}

	if len(ips) == 0 {
		return nil, fmt.Errorf("resolver: %s: %w", host, ErrNXDomain)
	}

	r.cachePutHost(cacheKey, ips, minTTL)
	return ips, nil
}

func (r *Resolver) exchange(ctx context.Context, msg *mdns.Msg) (*mdns.Msg, time.Duration, error) {
	var lastErr error
	for _, server := range r.Servers {
		reply, _, err := r.client.ExchangeContext(ctx, msg, server)
		if err != nil {
			lastErr = err
			continue
		}
		return reply, minRRTTL(reply), nil
	}
	if lastErr == nil {
		lastErr = errors.New("resolver: no servers configured")
	}
	return nil, 0, lastErr
}

func minRRTTL(msg *mdns.Msg) time.Duration {
	min := uint32(300)
	found := false
	for _, ans := range msg.Answer {
		ttl := ans.Header().Ttl
		if !found || ttl < min {
			min = ttl
			found = true
		}
	}
	if !found {
		return 5 * time.Minute
	}
	return time.Duration(min) * time.Second
}

func (r *Resolver) cacheGetMX(key string) ([]*net.MX, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.cache[key]
	if !ok || time.Now().After(e.expires) {
		return nil, false
	}
	return e.mx, true
}

func (r *Resolver) cachePutMX(key string, mx []*net.MX, ttl time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[key] = cacheEntry{expires: time.Now().Add(ttl), mx: mx}
}

func (r *Resolver) cacheGetHost(key string) ([]net.IP, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.cache[key]
	if !ok || time.Now().After(e.expires) {
		return nil, false
	}
	return e.host, true
}

func (r *Resolver) cachePutHost(key string, ips []net.IP, ttl time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[key] = cacheEntry{expires: time.Now().Add(ttl), host: ips}
}

func init() {
	module.Register("resolver.dns", NewResolver)
}
