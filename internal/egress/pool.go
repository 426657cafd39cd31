package egress

import (
	"context"
	"fmt"
	"net"
	"sync"
)

// Pool is a named set of weighted Sources, balanced with the standard
// Linux Virtual Server weighted round-robin algorithm (spec §4.E): the
// selection cursor advances through sources in a fixed order, skipping a
// source unless its weight is at least as large as a descending "current
// weight" threshold, so each source's long-run share of selections equals
// weight / total_weight while still interleaving smoothly rather than
// bursting all of one source's turns together.
type Pool struct {
	name    string
	sources []*Source

	mu      sync.Mutex
	idx     int
	curWeight int
	maxWeight int
	gcdWeight int
}

func NewPool(name string, sources []*Source) *Pool {
	p := &Pool{name: name, sources: sources, idx: -1}
	p.recompute()
	return p
}

func (p *Pool) Name() string { return p.name }

func (p *Pool) recompute() {
	p.maxWeight = 0
	p.gcdWeight = 0
	for _, s := range p.sources {
		if s.Weight > p.maxWeight {
			p.maxWeight = s.Weight
		}
		p.gcdWeight = gcd(p.gcdWeight, s.Weight)
	}
	p.curWeight = 0
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// Next returns the next source to use for a connection, per the WRR
// schedule. Returns nil if every source currently has weight 0.
func (p *Pool) Next() *Source {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.sources) == 0 || p.maxWeight == 0 {
		return nil
	}

	for {
		p.idx = (p.idx + 1) % len(p.sources)
		if p.idx == 0 {
			p.curWeight -= p.gcdWeight
			if p.curWeight <= 0 {
				p.curWeight = p.maxWeight
				if p.curWeight == 0 {
					return nil
				}
			}
		}
		if p.sources[p.idx].Weight >= p.curWeight {
			return p.sources[p.idx]
		}
	}
}

// NextEligible is Next's WRR schedule, but skipping any source whose name
// is in excluded (spec §4.E select_and_insert: a suspended or exhausted
// source is removed from the candidate set for the remainder of this
// message's selection, without disturbing the WRR cursor's long-run
// schedule for subsequent messages). Returns nil once every source has
// either zero weight or is excluded.
func (p *Pool) NextEligible(excluded map[string]bool) *Source {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.sources) == 0 || p.maxWeight == 0 {
		return nil
	}

	// Bounded to two full passes over the source list: one to land on
	// every source at its current cursor weight, one more to cover the
	// weight decrement that can happen mid-pass.
	for i := 0; i < len(p.sources)*2; i++ {
		p.idx = (p.idx + 1) % len(p.sources)
		if p.idx == 0 {
			p.curWeight -= p.gcdWeight
			if p.curWeight <= 0 {
				p.curWeight = p.maxWeight
				if p.curWeight == 0 {
					return nil
				}
			}
		}
		src := p.sources[p.idx]
		if src.Weight >= p.curWeight && !excluded[src.Name()] {
			return src
		}
	}
	return nil
}

// Dial selects a source via Next and dials addr through it.
func (p *Pool) Dial(ctx context.Context, addr string) (net.Conn, error) {
	s := p.Next()
	if s == nil {
		return nil, fmt.Errorf("egress: pool %s has no available source", p.name)
	}
	return s.Dial(ctx, addr)
}

// SetWeight updates a source's weight at runtime (e.g. from admin control
// or a health-check feedback loop) and recomputes the WRR schedule state.
func (p *Pool) SetWeight(name string, weight int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.sources {
		if s.Name() == name {
			s.Weight = weight
			p.recompute()
			return true
		}
	}
	return false
}

func (p *Pool) Sources() []*Source {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Source, len(p.sources))
	copy(out, p.sources)
	return out
}
