// Package engine implements the VPN data-plane: the tunnel pump loop and
// the lifecycle state machine that owns it.
package engine

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"dns-sinkhole-vpn/internal/codec"
	"dns-sinkhole-vpn/internal/core"
	"dns-sinkhole-vpn/internal/platform"
	"dns-sinkhole-vpn/internal/upstream"
)

// tunnelBatchSize bounds how many tunnel packets are drained per wake, so a
// burst of outbound traffic never starves the upstream-socket side of the
// poll loop.
const tunnelBatchSize = 32

// maxPacketSize is large enough for any IPv4/IPv6 packet this engine will
// ever see or emit (no jumbo frames on a DNS-only tunnel).
const maxPacketSize = 65535

// PumpDeps bundles the shared, already-constructed components the pump
// dispatches against. All of it is owned by the Engine; the pump only
// borrows references for the lifetime of one Run call.
type PumpDeps struct {
	Tun             platform.TUNDevice
	Upstream        *net.UDPConn
	Rules           *core.RuleTable
	Pool            *upstream.Pool
	Tracker         *core.QueryTracker
	BlockLog        *core.BlockLog
	BlockLogEnabled bool
	IPv6Enabled     bool
	Logger          *core.Logger

	// OnSendResult is invoked after every attempted upstream send, true on
	// success, so the Engine's lifecycle state machine can drive the
	// RECONNECTING_NETWORK_ERROR backoff transition.
	OnSendResult func(ok bool)
}

// Pump is the single-threaded tunnel pump loop: it polls the tunnel fd and
// the upstream socket, drains each in bounded batches, and dispatches
// packets between them. The read and response buffers are pre-allocated
// and reused across packets; each forwarded query is still copied once
// before its id is rewritten.
type Pump struct {
	deps PumpDeps

	decoder *codec.Decoder
	encoder *codec.Encoder

	upFd    int
	tunBuf  []byte
	respBuf []byte
	upBuf   []byte
}

// NewPump creates a Pump ready to Run.
func NewPump(deps PumpDeps) *Pump {
	return &Pump{
		deps:    deps,
		decoder: codec.NewDecoder(),
		encoder: codec.NewEncoder(),
		tunBuf:  make([]byte, maxPacketSize),
		respBuf: make([]byte, maxPacketSize),
		upBuf:   make([]byte, maxPacketSize),
	}
}

// upstreamFd extracts the raw fd backing deps.Upstream for unix.Poll, since
// net.UDPConn does not expose one directly.
func (p *Pump) upstreamFd() (int, error) {
	sc, err := p.deps.Upstream.SyscallConn()
	if err != nil {
		return 0, fmt.Errorf("upstream syscall conn: %w", err)
	}
	var fd int
	if err := sc.Control(func(f uintptr) { fd = int(f) }); err != nil {
		return 0, err
	}
	return fd, nil
}

// Run drives the poll loop until shutdown is closed or a fatal tunnel fd
// error occurs. A fatal tunnel error is returned; shutdown returns nil.
// Closing deps.Upstream from another goroutine unblocks an in-flight poll.
func (p *Pump) Run(shutdown <-chan struct{}) error {
	upFd, err := p.upstreamFd()
	if err != nil {
		return err
	}
	p.upFd = upFd

	fds := []unix.PollFd{
		{Fd: int32(p.deps.Tun.Fd()), Events: unix.POLLIN},
		{Fd: int32(upFd), Events: unix.POLLIN},
	}

	for {
		select {
		case <-shutdown:
			return nil
		default:
		}

		n, err := unix.Poll(fds, 1000) // 1s so the shutdown flag is re-checked even when idle
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("poll: %w", err)
		}
		if n == 0 {
			continue
		}

		if fds[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
			return fmt.Errorf("tunnel fd error (revents=%#x)", fds[0].Revents)
		}
		if fds[0].Revents&unix.POLLIN != 0 {
			p.drainTunnel()
		}
		if fds[1].Revents&unix.POLLIN != 0 {
			p.drainUpstream()
		}
	}
}

func (p *Pump) drainTunnel() {
	for i := 0; i < tunnelBatchSize; i++ {
		n, err := p.deps.Tun.Read(p.tunBuf)
		if err != nil {
			if isWouldBlock(err) {
				return
			}
			p.deps.Logger.Warnf("pump", "tunnel read: %v", err)
			return
		}
		if n == 0 {
			return
		}
		p.handleTunnelPacket(p.tunBuf[:n])
	}
}

func (p *Pump) handleTunnelPacket(pkt []byte) {
	dg, ok, err := p.decoder.Decode(pkt, p.deps.IPv6Enabled)
	if err != nil || !ok {
		return
	}
	if dg.Dst.Port() != 53 {
		return
	}

	query, ok := codec.DecodeQuery(dg.Payload)
	if !ok {
		return // malformed queries are dropped without a response
	}

	disposition := p.deps.Rules.Lookup(query.Name)
	if disposition == core.Deny {
		p.blockQuery(dg, query)
		return
	}
	p.forwardQuery(dg, query)
}

func (p *Pump) blockQuery(dg codec.Datagram, query codec.Query) {
	resp := codec.SynthesizeBlock(dg.Payload)
	if resp == nil {
		return
	}
	n, err := p.encoder.EncodeResponse(p.respBuf, dg.Dst, dg.Src, resp, dg.IsIPv6)
	if err != nil {
		p.deps.Logger.Warnf("pump", "encode block response for %q: %v", query.Name, err)
		return
	}
	p.writeTunnel(p.respBuf[:n])
	if p.deps.BlockLogEnabled {
		p.deps.BlockLog.Append(query.Name, core.Deny)
	}
}

func (p *Pump) forwardQuery(dg codec.Datagram, query codec.Query) {
	resolver, ok := p.deps.Pool.NextResolver()
	if !ok {
		p.deps.Logger.Warnf("pump", "no healthy upstream resolver for %q", query.Name)
		return
	}

	newID, ok := upstream.AssignID(p.deps.Tracker.InUse)
	if !ok {
		p.deps.Logger.Warnf("pump", "exhausted id resample attempts for %q, dropping", query.Name)
		return
	}

	forwarded := make([]byte, len(dg.Payload))
	copy(forwarded, dg.Payload)
	codec.RewriteClientID(forwarded, newID)

	_, err := p.deps.Upstream.WriteToUDPAddrPort(forwarded, resolver.Addr)
	if p.deps.OnSendResult != nil {
		p.deps.OnSendResult(err == nil)
	}
	if err != nil {
		p.deps.Logger.Warnf("pump", "upstream send to %s: %v", resolver.Addr, err)
		return
	}

	p.deps.Tracker.Register(newID, core.QueryRecord{
		ClientAddr:   dg.Src,
		ServerAddr:   dg.Dst,
		ResolverAddr: resolver.Addr,
		ClientID:     query.ID,
		Name:         query.Name,
		IsIPv6:       dg.IsIPv6,
	})
	if p.deps.BlockLogEnabled {
		p.deps.BlockLog.Append(query.Name, core.Allow)
	}
}

// drainUpstream reads response datagrams straight off the socket fd with
// MSG_DONTWAIT. Reading through net.UDPConn would park the goroutine in the
// runtime poller once the socket is drained, stalling the tunnel side of
// the loop; a raw nonblocking recv returns EAGAIN instead.
func (p *Pump) drainUpstream() {
	for i := 0; i < tunnelBatchSize; i++ {
		n, _, err := unix.Recvfrom(p.upFd, p.upBuf, unix.MSG_DONTWAIT)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return // drained (EAGAIN), closed during shutdown, or a transient error; nothing to retry
		}
		if n < 2 {
			continue
		}
		p.handleUpstreamPacket(p.upBuf[:n])
	}
}

func (p *Pump) handleUpstreamPacket(resp []byte) {
	upstreamID := binary.BigEndian.Uint16(resp[:2])
	rec, ok := p.deps.Tracker.Match(upstreamID)
	if !ok {
		return // unmatched: timed out, evicted, or spoofed — discarded
	}

	if r, ok := p.deps.Pool.ByAddr(rec.ResolverAddr); ok {
		r.MarkSuccess()
	}

	codec.RewriteClientID(resp, rec.ClientID)
	n, err := p.encoder.EncodeResponse(p.respBuf, rec.ServerAddr, rec.ClientAddr, resp, rec.IsIPv6)
	if err != nil {
		p.deps.Logger.Warnf("pump", "encode response for %q: %v", rec.Name, err)
		return
	}
	p.writeTunnel(p.respBuf[:n])
}

// writeTunnel writes pkt to the tunnel, dropping it silently if the write
// would block — the pump never blocks on a single write; DNS clients
// retransmit on their own timeout.
func (p *Pump) writeTunnel(pkt []byte) {
	if _, err := p.deps.Tun.Write(pkt); err != nil && !isWouldBlock(err) {
		p.deps.Logger.Warnf("pump", "tunnel write: %v", err)
	}
}

func isWouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, net.ErrClosed)
}
