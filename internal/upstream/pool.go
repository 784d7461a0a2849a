// Package upstream manages the set of upstream DNS resolvers a query may
// be forwarded to: round-robin selection, per-resolver health tracking,
// and DNS transaction id assignment for in-flight queries.
package upstream

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// degradeThreshold is the number of consecutive timeouts that pushes a
// resolver into the degraded state.
const degradeThreshold = 3

// degradeWindow bounds how far apart consecutive timeouts may be and still
// count toward degradeThreshold; a timeout outside the window resets the
// streak instead of accumulating.
const degradeWindow = 30 * time.Second

// maxIDAttempts bounds how many DNS transaction ids AssignID samples before
// giving up, after which the caller drops the query.
const maxIDAttempts = 8

// Resolver is one upstream DNS server and its health bookkeeping.
type Resolver struct {
	Name string
	Addr netip.AddrPort

	mu                  sync.Mutex
	consecutiveTimeouts int
	firstTimeoutAt      time.Time
	degraded            bool
	probeLimiter        *rate.Limiter
}

func newResolver(name string, addr netip.AddrPort) *Resolver {
	if name == "" {
		name = addr.String()
	}
	return &Resolver{
		Name:         name,
		Addr:         addr,
		probeLimiter: rate.NewLimiter(rate.Every(5*time.Second), 1),
	}
}

// Healthy reports whether the resolver is currently eligible for
// round-robin selection. A degraded resolver becomes eligible again only
// when its probe limiter allows a healthy-probe attempt.
func (r *Resolver) Healthy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.degraded {
		return true
	}
	return r.probeLimiter.Allow()
}

// MarkTimeout records a timed-out query against the resolver, degrading it
// once degradeThreshold consecutive timeouts land inside degradeWindow.
func (r *Resolver) MarkTimeout(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.consecutiveTimeouts == 0 || now.Sub(r.firstTimeoutAt) > degradeWindow {
		r.firstTimeoutAt = now
		r.consecutiveTimeouts = 0
	}
	r.consecutiveTimeouts++
	if r.consecutiveTimeouts >= degradeThreshold {
		r.degraded = true
	}
}

// MarkSuccess clears any timeout streak and heals a degraded resolver.
func (r *Resolver) MarkSuccess() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consecutiveTimeouts = 0
	r.degraded = false
}

// Spec names one resolver to include in a Pool. Name is for display and
// logging only; an empty Name falls back to the address literal.
type Spec struct {
	Name string
	Addr netip.AddrPort
}

// Pool is the ordered, round-robin set of upstream resolvers.
type Pool struct {
	mu        sync.Mutex
	resolvers []*Resolver
	next      int
}

// NewPool creates a Pool from the given resolver specs, in order.
func NewPool(specs []Spec) *Pool {
	p := &Pool{resolvers: make([]*Resolver, 0, len(specs))}
	for _, s := range specs {
		p.resolvers = append(p.resolvers, newResolver(s.Name, s.Addr))
	}
	return p
}

// NextResolver returns the next healthy resolver in round-robin order. ok
// is false only when the pool is empty or every resolver in it is
// currently degraded and not due for a probe.
func (p *Pool) NextResolver() (*Resolver, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.resolvers)
	if n == 0 {
		return nil, false
	}
	for i := 0; i < n; i++ {
		idx := (p.next + i) % n
		r := p.resolvers[idx]
		if r.Healthy() {
			p.next = (idx + 1) % n
			return r, true
		}
	}
	return nil, false
}

// ByAddr returns the resolver registered under addr, if any, so the
// Query Tracker's timeout sweep and the pump's response path can fold
// round-trip results back into that resolver's health bookkeeping.
func (p *Pool) ByAddr(addr netip.AddrPort) (*Resolver, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range p.resolvers {
		if r.Addr == addr {
			return r, true
		}
	}
	return nil, false
}

// Resolvers returns the pool's resolvers in order, for diagnostics.
func (p *Pool) Resolvers() []*Resolver {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Resolver, len(p.resolvers))
	copy(out, p.resolvers)
	return out
}

// AssignID picks a fresh, uniformly-random 16-bit DNS transaction id not
// currently reported as in-use by inUse, drawing at most maxIDAttempts
// samples. ok is false if every sample collided.
func AssignID(inUse func(uint16) bool) (uint16, bool) {
	var buf [2]byte
	for i := 0; i < maxIDAttempts; i++ {
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, false
		}
		id := binary.BigEndian.Uint16(buf[:])
		if !inUse(id) {
			return id, true
		}
	}
	return 0, false
}

// ParseAddr parses a "host:port" upstream address.
func ParseAddr(s string) (netip.AddrPort, error) {
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("parse upstream address %q: %w", s, err)
	}
	return ap, nil
}
