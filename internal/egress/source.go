// Package egress selects the outbound network identity (source address,
// optional SOCKS5/HA-PROXY tunnel) a dispatcher uses to reach a site, and
// balances load across a weighted pool of such sources.
package egress

import (
	"context"
	"fmt"
	"net"
	"time"

	"golang.org/x/net/proxy"

	"github.com/kumomta/kumod-core/framework/config"
	"github.com/kumomta/kumod-core/framework/module"
)

// DialerFunc matches the teacher's target/remote.DialerFunc signature so a
// Source's dialer can be chained through a SOCKS5 hop the same way.
type DialerFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Source is one named egress identity: a local bind address, plus an
// optional tunnel (SOCKS5 proxy, HA-PROXY-fronted relay).
type Source struct {
	name string

	// HAProxyTarget, if set, is the address of an HA-PROXY-aware relay this
	// source dials through, prefixing every connection with a PPv2 header
	// so the relay preserves the original source identity.
	HAProxyTarget string

	// LocalAddr binds outbound connections to a specific local IP, used to
	// let one process present multiple IP identities to remote MTAs.
	LocalAddr net.IP

	socks5 *Socks5Tunnel

	// Weight controls this source's share of connections within its pool
	// (spec §4.E WRR). Zero disables the source without removing it.
	Weight int
}

func NewSource(name string, weight int) *Source {
	return &Source{name: name, Weight: weight}
}

func (s *Source) Name() string { return s.name }

// SetSocks5 attaches a SOCKS5 tunnel that every Dial through this source
// will route through.
func (s *Source) SetSocks5(t *Socks5Tunnel) { s.socks5 = t }

// Dial opens a TCP connection to addr using this source's identity: a bound
// local address, optionally wrapped in a SOCKS5 tunnel, optionally preceded
// by an HA-PROXY v2 header if HAProxyTarget names the real next hop.
func (s *Source) Dial(ctx context.Context, addr string) (net.Conn, error) {
	base := s.baseDialer()

	if s.socks5 != nil {
		return s.socks5.DialContext(ctx, base, addr)
	}

	target := addr
	if s.HAProxyTarget != "" {
		target = s.HAProxyTarget
	}

	conn, err := base(ctx, "tcp", target)
	if err != nil {
		return nil, err
	}

	if s.HAProxyTarget != "" {
		destHost, destPort, perr := net.SplitHostPort(addr)
		if perr != nil {
			conn.Close()
			return nil, fmt.Errorf("egress: invalid destination %q: %w", addr, perr)
		}
		if err := WriteProxyProtocolV2(conn, conn.LocalAddr(), destHost, destPort); err != nil {
			conn.Close()
			return nil, fmt.Errorf("egress: write PPv2 header: %w", err)
		}
	}

	return conn, nil
}

func (s *Source) baseDialer() DialerFunc {
	dialer := &net.Dialer{Timeout: 30 * time.Second}
	if s.LocalAddr != nil {
		dialer.LocalAddr = &net.TCPAddr{IP: s.LocalAddr}
	}
	return dialer.DialContext
}

// Socks5Tunnel wraps golang.org/x/net/proxy's SOCKS5 dialer, grounded on
// the teacher's target/remote/socks5_group.go Socks5Group.
type Socks5Tunnel struct {
	Host, User, Password string
	Port                 int
}

type forwardingDialer struct{ f DialerFunc }

func (d forwardingDialer) Dial(network, addr string) (net.Conn, error) {
	return d.f(context.Background(), network, addr)
}

func (d forwardingDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	return d.f(ctx, network, addr)
}

func (t *Socks5Tunnel) DialContext(ctx context.Context, forward DialerFunc, addr string) (net.Conn, error) {
	var auth *proxy.Auth
	if t.User != "" {
		auth = &proxy.Auth{User: t.User, Password: t.Password}
	}

	d, err := proxy.SOCKS5("tcp", fmt.Sprintf("%s:%d", t.Host, t.Port), auth, forwardingDialer{f: forward})
	if err != nil {
		return nil, fmt.Errorf("egress: socks5 dialer: %w", err)
	}

	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("egress: socks5 dialer does not support contexts")
	}
	return cd.DialContext(ctx, "tcp", addr)
}

func (s *Source) initFromConfig(cfg *config.Map) error {
	cfg.Int("weight", false, false, 1, &s.Weight)
	cfg.String("ha_proxy_target", false, false, "", &s.HAProxyTarget)

	var localAddr string
	cfg.String("local_address", false, false, "", &localAddr)
	if localAddr != "" {
		ip := net.ParseIP(localAddr)
		if ip == nil {
			return config.NodeErr(cfg.Block, "egress source: invalid local_address %q", localAddr)
		}
		s.LocalAddr = ip
	}

	var socksName string
	cfg.String("socks5", false, false, "", &socksName)
	if socksName != "" {
		modObj, err := module.GetInstance(socksName)
		if err != nil {
			return fmt.Errorf("egress source %s: socks5 %s: %w", s.name, socksName, err)
		}
		tun, ok := modObj.(*Socks5Module)
		if !ok {
			return fmt.Errorf("egress source %s: %s is not a socks5 module", s.name, socksName)
		}
		s.SetSocks5(tun.Tunnel)
	}

	return nil
}
