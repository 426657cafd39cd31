package resolver

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/foxcpp/go-mockdns"
	mdns "github.com/miekg/dns"
)

func newTestResolver(t *testing.T, zones map[string]mockdns.Zone) (*Resolver, func()) {
	t.Helper()

	srv, err := mockdns.NewServer(zones, false)
	if err != nil {
		t.Fatal(err)
	}

	r := &Resolver{
		Servers: []string{srv.LocalAddr().String()},
		Timeout: 2 * time.Second,
		client:  &mdns.Client{Timeout: 2 * time.Second},
		cache:   make(map[string]cacheEntry),
	}

	return r, func() { srv.Close() }
}

func TestLookupMXReturnsSortedByPreference(t *testing.T) {
	r, cleanup := newTestResolver(t, map[string]mockdns.Zone{
		"example.org.": {
			MX: []net.MX{
				{Host: "mx2.example.org.", Pref: 20},
				{Host: "mx1.example.org.", Pref: 10},
			},
		},
	})
	defer cleanup()

	mx, err := r.LookupMX(context.Background(), "example.org")
	if err != nil {
		t.Fatal(err)
	}
	if len(mx) != 2 {
		t.Fatalf("got %d MX records, want 2", len(mx))
	}
	if mx[0].Pref != 10 || mx[0].Host != "mx1.example.org." {
		t.Errorf("expected lowest-preference MX first, got %+v", mx[0])
	}
}

func TestLookupMXImplicitFallback(t *testing.T) {
	r, cleanup := newTestResolver(t, map[string]mockdns.Zone{
		"nomx.example.org.": {
			A: []string{"203.0.113.9"},
		},
	})
	defer cleanup()

	mx, err := r.LookupMX(context.Background(), "nomx.example.org")
	if err != nil {
		t.Fatal(err)
	}
	if len(mx) != 1 || mx[0].Host != "nomx.example.org." {
		t.Fatalf("expected implicit-MX fallback to domain itself, got %+v", mx)
	}
}

func TestLookupHostReturnsAllFamilies(t *testing.T) {
	r, cleanup := newTestResolver(t, map[string]mockdns.Zone{
		"dual.example.org.": {
			A:    []string{"203.0.113.10"},
			AAAA: []string{"2001:db8::1"},
		},
	})
	defer cleanup()

	ips, err := r.LookupHost(context.Background(), "dual.example.org")
	if err != nil {
		t.Fatal(err)
	}
	if len(ips) != 2 {
		t.Fatalf("got %d addresses, want 2", len(ips))
	}
}

func TestResolveMXDerivesSortedSiteName(t *testing.T) {
	r, cleanup := newTestResolver(t, map[string]mockdns.Zone{
		"site.example.org.": {
			MX: []net.MX{
				{Host: "mx2.provider.example.", Pref: 20},
				{Host: "mx1.provider.example.", Pref: 10},
			},
		},
	})
	defer cleanup()

	mx, err := r.ResolveMX(context.Background(), "site.example.org")
	if err != nil {
		t.Fatal(err)
	}
	if mx.SiteName != "mx1.provider.example,mx2.provider.example" {
		t.Errorf("SiteName = %q, want alphabetically sorted host list", mx.SiteName)
	}
	if len(mx.Hosts) != 2 || mx.Hosts[0] != "mx1.provider.example" {
		t.Errorf("Hosts = %+v, want preference order preserved", mx.Hosts)
	}
	if mx.HasExpired() {
		t.Error("freshly resolved MailExchanger should not be expired")
	}
}

func TestResolveMXReturnsErrNXDomain(t *testing.T) {
	r, cleanup := newTestResolver(t, map[string]mockdns.Zone{})
	defer cleanup()

	if _, err := r.ResolveMX(context.Background(), "nowhere.example.org"); !errors.Is(err, ErrNXDomain) {
		t.Fatalf("expected ErrNXDomain, got %v", err)
	}
}

func TestLookupMXCaches(t *testing.T) {
	r, cleanup := newTestResolver(t, map[string]mockdns.Zone{
		"cached.example.org.": {
			MX: []net.MX{{Host: "mx.cached.example.org.", Pref: 10}},
		},
	})
	defer cleanup()

	if _, err := r.LookupMX(context.Background(), "cached.example.org"); err != nil {
		t.Fatal(err)
	}
	if _, ok := r.cacheGetMX("mx:cached.example.org"); !ok {
		t.Fatal("expected MX lookup result to be cached")
	}
}
