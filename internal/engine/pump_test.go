package engine

import (
	"net"
	"net/netip"
	"os"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/stretchr/testify/require"

	"dns-sinkhole-vpn/internal/codec"
	"dns-sinkhole-vpn/internal/core"
	"dns-sinkhole-vpn/internal/platform"
	"dns-sinkhole-vpn/internal/upstream"
)

// fakeTUN stands in for a real /dev/net/tun device in tests: a
// SOCK_DGRAM socketpair gives Pump a genuinely pollable fd without
// requiring kernel TUN privileges, and preserves one-packet-per-Read/Write
// framing the same way the real device does. Like the real device, the
// pump-facing end is read with raw nonblocking syscalls so a drained fd
// yields EAGAIN.
type fakeTUN struct {
	fd     int
	closed bool
	peer   *os.File
}

var _ platform.TUNDevice = (*fakeTUN)(nil)

func newFakeTUN(t *testing.T) *fakeTUN {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fds[0], true))
	require.NoError(t, unix.SetNonblock(fds[1], true))
	return &fakeTUN{
		fd:   fds[0],
		peer: os.NewFile(uintptr(fds[1]), "fake-tun-peer"),
	}
}

func (f *fakeTUN) Name() string                  { return "faketun0" }
func (f *fakeTUN) Fd() int                       { return f.fd }
func (f *fakeTUN) Read(buf []byte) (int, error)  { return unix.Read(f.fd, buf) }
func (f *fakeTUN) Write(pkt []byte) (int, error) { return unix.Write(f.fd, pkt) }
func (f *fakeTUN) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true
	f.peer.Close()
	return unix.Close(f.fd)
}

// clientSend builds an IPv4+UDP+payload packet as if a client app on the
// tunnel sent it, and delivers it to the pump via the fake TUN's peer end.
func clientSend(t *testing.T, tun *fakeTUN, clientAddr, tunnelAddr netip.AddrPort, payload []byte) {
	t.Helper()
	enc := codec.NewEncoder()
	buf := make([]byte, 1500)
	n, err := enc.EncodeResponse(buf, clientAddr, tunnelAddr, payload, false)
	require.NoError(t, err)
	_, err = tun.peer.Write(buf[:n])
	require.NoError(t, err)
}

// clientRecv reads whatever the pump wrote back to the tunnel and decodes
// it into a Datagram, failing the test if nothing arrives in time.
func clientRecv(t *testing.T, tun *fakeTUN) codec.Datagram {
	t.Helper()
	require.NoError(t, tun.peer.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 1500)
	n, err := tun.peer.Read(buf)
	require.NoError(t, err)
	dec := codec.NewDecoder()
	dg, ok, err := dec.Decode(buf[:n], false)
	require.NoError(t, err)
	require.True(t, ok)
	return dg
}

func newTestPump(t *testing.T, rules *core.RuleTable, pool *upstream.Pool) (*Pump, *fakeTUN, *net.UDPConn) {
	t.Helper()
	tun := newFakeTUN(t)
	t.Cleanup(func() { tun.Close() })

	up, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { up.Close() })

	pump := NewPump(PumpDeps{
		Tun:             tun,
		Upstream:        up,
		Rules:           rules,
		Pool:            pool,
		Tracker:         core.NewQueryTracker(),
		BlockLog:        core.NewBlockLog(16),
		BlockLogEnabled: true,
		Logger:          core.Log,
		OnSendResult:    func(ok bool) {},
	})
	return pump, tun, up
}

func runPump(t *testing.T, pump *Pump) chan<- struct{} {
	t.Helper()
	shutdown := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- pump.Run(shutdown) }()
	t.Cleanup(func() {
		select {
		case <-shutdown:
		default:
			close(shutdown)
		}
		<-done
	})
	return shutdown
}

func TestPump_BlocksDeniedQueryWithoutContactingUpstream(t *testing.T) {
	rules := core.NewRuleTable([]core.HostSource{
		{Name: "block", Disposition: core.Deny, Lines: []core.HostLine{{Hostname: "blocked.example.com"}}},
	}, nil)
	pool := upstream.NewPool(nil) // no resolvers; forwarding would have nothing to use

	pump, tun, _ := newTestPump(t, rules, pool)
	runPump(t, pump)

	clientAddr := netip.MustParseAddrPort("10.64.0.2:5353")
	tunnelAddr := netip.MustParseAddrPort("10.64.0.1:53")
	query := buildTestQuery(0x1111, "blocked.example.com")
	clientSend(t, tun, clientAddr, tunnelAddr, query)

	dg := clientRecv(t, tun)
	require.Equal(t, tunnelAddr, dg.Src)
	require.Equal(t, clientAddr, dg.Dst)
	require.True(t, len(dg.Payload) >= 12)
	require.Equal(t, byte(0x80), dg.Payload[2]&0x80, "QR must be set")
	require.Equal(t, byte(0x03), dg.Payload[3]&0x0F, "RCODE must be NXDOMAIN")
}

func TestPump_ForwardsAllowedQueryAndRelaysResponse(t *testing.T) {
	resolver, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer resolver.Close()
	resolverAddr := netip.MustParseAddrPort(resolver.LocalAddr().String())

	go func() {
		buf := make([]byte, 1500)
		for {
			n, addr, err := resolver.ReadFromUDPAddrPort(buf)
			if err != nil {
				return
			}
			// Echo the query back as the "response" — the engine only
			// inspects the 2-byte id on this path, so an echo is a
			// sufficient stand-in resolver for this test.
			resolver.WriteToUDPAddrPort(buf[:n], addr)
		}
	}()

	rules := core.NewRuleTable(nil, nil) // no rules: every name resolves to IGNORE (forward)
	pool := upstream.NewPool([]upstream.Spec{{Addr: resolverAddr}})

	pump, tun, _ := newTestPump(t, rules, pool)
	runPump(t, pump)

	clientAddr := netip.MustParseAddrPort("10.64.0.2:5353")
	tunnelAddr := netip.MustParseAddrPort("10.64.0.1:53")
	query := buildTestQuery(0x2222, "allowed.example.com")
	clientSend(t, tun, clientAddr, tunnelAddr, query)

	dg := clientRecv(t, tun)
	require.Equal(t, tunnelAddr, dg.Src)
	require.Equal(t, clientAddr, dg.Dst)
	require.GreaterOrEqual(t, len(dg.Payload), 2)
	require.Equal(t, byte(0x22), dg.Payload[0])
	require.Equal(t, byte(0x22), dg.Payload[1])
}

// buildTestQuery assembles a minimal well-formed DNS query, duplicated
// here (rather than imported) since it is an unexported test helper of
// the codec package.
func buildTestQuery(id uint16, name string) []byte {
	buf := make([]byte, 12)
	buf[0] = byte(id >> 8)
	buf[1] = byte(id)
	buf[5] = 1 // QDCOUNT=1

	start := 0
	for i := 0; i < len(name); i++ {
		if name[i] == '.' {
			label := name[start:i]
			buf = append(buf, byte(len(label)))
			buf = append(buf, label...)
			start = i + 1
		}
	}
	last := name[start:]
	buf = append(buf, byte(len(last)))
	buf = append(buf, last...)
	buf = append(buf, 0)          // root label
	buf = append(buf, 0, 1, 0, 1) // QTYPE=A, QCLASS=IN
	return buf
}
