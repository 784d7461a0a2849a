//go:build linux

// Package linux supplies the engine's concrete OS integration: a Linux TUN
// device opened via /dev/net/tun, configured and routed with
// vishvananda/netlink, and a default-route change monitor built on the same
// library.
package linux

import (
	"fmt"
	"net"
	"net/netip"
	"os"
	"unsafe"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"dns-sinkhole-vpn/internal/core"
	"dns-sinkhole-vpn/internal/platform"
)

const (
	tunDevicePath = "/dev/net/tun"

	// TUNSETIFF ioctl request number, fixed on Linux regardless of kernel
	// config (not exported by golang.org/x/sys/unix).
	tunSetIFF = 0x400454ca

	ifNameSize = 16
)

// ifReq mirrors struct ifreq from <net/if.h> for the TUNSETIFF ioctl: a
// 16-byte interface name followed by the flags union, padded to the
// kernel's 40-byte struct size.
type ifReq struct {
	Name  [ifNameSize]byte
	Flags uint16
	_     [22]byte
}

// TUNDevice implements platform.TUNDevice over /dev/net/tun. The fd stays
// in nonblocking mode and is accessed with raw read/write syscalls so a
// drained device surfaces EAGAIN to the pump instead of parking the
// goroutine in the runtime poller.
type TUNDevice struct {
	name   string
	fd     int
	closed bool

	// savedResolv holds the original resolver config for restore on Close.
	savedResolv []byte
}

var _ platform.TUNDevice = (*TUNDevice)(nil)

// NewTUNDevice opens a Linux TUN device per cfg: creates /dev/net/tun in
// IFF_TUN|IFF_NO_PI mode, assigns cfg.Address (and cfg.IPv6 when set),
// brings the link up at cfg.MTU, and installs default routes through it
// using the 0/1+128/1 split-default trick so the host's own default route
// entry is never touched or needed for restore.
func NewTUNDevice(cfg platform.TUNConfig) (*TUNDevice, error) {
	fd, err := unix.Open(tunDevicePath, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", tunDevicePath, err)
	}

	var req ifReq
	copy(req.Name[:], cfg.Name)
	req.Flags = unix.IFF_TUN | unix.IFF_NO_PI
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(tunSetIFF), uintptr(unsafe.Pointer(&req))); errno != 0 {
		unix.Close(fd)
		return nil, fmt.Errorf("TUNSETIFF: %w", errno)
	}
	ifName := nullTerminatedString(req.Name[:])

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("set nonblock: %w", err)
	}

	d := &TUNDevice{
		name: ifName,
		fd:   fd,
	}

	if err := d.configure(cfg); err != nil {
		d.Close()
		return nil, err
	}

	if len(cfg.Apps.Included) > 0 || len(cfg.Apps.Excluded) > 0 {
		// A plain TUN interface routes by destination, not by process; the
		// per-application selection needs cgroup/fwmark machinery that is
		// not wired here.
		core.Log.Warnf("platform", "per-application selection (%d included, %d excluded) is not supported on this platform and is ignored",
			len(cfg.Apps.Included), len(cfg.Apps.Excluded))
	}

	core.Log.Infof("platform", "TUN device %s up (addr=%s mtu=%d)", ifName, cfg.Address, cfg.MTU)
	return d, nil
}

func (d *TUNDevice) configure(cfg platform.TUNConfig) error {
	link, err := netlink.LinkByName(d.name)
	if err != nil {
		return fmt.Errorf("lookup link %s: %w", d.name, err)
	}

	mtu := cfg.MTU
	if mtu <= 0 {
		mtu = 1500
	}
	if err := netlink.LinkSetMTU(link, mtu); err != nil {
		return fmt.Errorf("set mtu: %w", err)
	}

	if cfg.Address.IsValid() {
		if err := netlink.AddrAdd(link, &netlink.Addr{IPNet: prefixToIPNet(cfg.Address)}); err != nil {
			return fmt.Errorf("assign address %s: %w", cfg.Address, err)
		}
	}
	if cfg.IPv6 != nil && cfg.IPv6.IsValid() {
		if err := netlink.AddrAdd(link, &netlink.Addr{IPNet: prefixToIPNet(*cfg.IPv6)}); err != nil {
			return fmt.Errorf("assign ipv6 address %s: %w", *cfg.IPv6, err)
		}
	}

	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("link up: %w", err)
	}

	if err := installSplitDefaultRoutes(link, cfg.IPv6 != nil); err != nil {
		return fmt.Errorf("install default routes: %w", err)
	}

	if cfg.Gateway.IsValid() {
		if err := d.captureDNS(cfg.Gateway); err != nil {
			return fmt.Errorf("point resolver at gateway: %w", err)
		}
	}
	return nil
}

// captureDNS rewrites /etc/resolv.conf so client apps direct their queries
// at the tunnel gateway, keeping the original bytes for restore on Close.
// The upstream pool reads the original file before the tunnel comes up, so
// this rewrite never feeds the sinkhole its own address as an upstream.
func (d *TUNDevice) captureDNS(gateway netip.Addr) error {
	orig, err := os.ReadFile(resolvConfPath)
	if err == nil {
		d.savedResolv = orig
	}
	content := fmt.Sprintf("# managed by dns-sinkhole-vpn while the tunnel is up\nnameserver %s\n", gateway)
	return os.WriteFile(resolvConfPath, []byte(content), 0o644)
}

func (d *TUNDevice) restoreDNS() {
	if d.savedResolv == nil {
		return
	}
	if err := os.WriteFile(resolvConfPath, d.savedResolv, 0o644); err != nil {
		core.Log.Warnf("platform", "restore resolver config: %v", err)
	}
	d.savedResolv = nil
}

// installSplitDefaultRoutes captures all IPv4 (and IPv6, when ipv6 is
// enabled) traffic through link via the 0.0.0.0/1 + 128.0.0.0/1 pair
// instead of replacing 0.0.0.0/0 directly, so the host's pre-existing
// default route never needs to be recorded or restored on teardown.
func installSplitDefaultRoutes(link netlink.Link, ipv6 bool) error {
	for _, cidr := range []string{"0.0.0.0/1", "128.0.0.0/1"} {
		dst, _ := netip.ParsePrefix(cidr) //nolint:errcheck // literal, always valid
		route := &netlink.Route{LinkIndex: link.Attrs().Index, Dst: prefixToIPNet(dst)}
		if err := netlink.RouteReplace(route); err != nil {
			return fmt.Errorf("route %s: %w", cidr, err)
		}
	}
	if !ipv6 {
		return nil
	}
	for _, cidr := range []string{"::/1", "8000::/1"} {
		dst, _ := netip.ParsePrefix(cidr) //nolint:errcheck // literal, always valid
		route := &netlink.Route{LinkIndex: link.Attrs().Index, Dst: prefixToIPNet(dst)}
		if err := netlink.RouteReplace(route); err != nil {
			return fmt.Errorf("route %s: %w", cidr, err)
		}
	}
	return nil
}

func (d *TUNDevice) Name() string { return d.name }
func (d *TUNDevice) Fd() int      { return d.fd }

func (d *TUNDevice) Read(buf []byte) (int, error)  { return unix.Read(d.fd, buf) }
func (d *TUNDevice) Write(pkt []byte) (int, error) { return unix.Write(d.fd, pkt) }

func (d *TUNDevice) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	d.restoreDNS()
	err := unix.Close(d.fd)
	core.Log.Infof("platform", "TUN device %s closed", d.name)
	return err
}

func nullTerminatedString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// prefixToIPNet converts a netip.Prefix to the *net.IPNet shape netlink's
// API expects.
func prefixToIPNet(p netip.Prefix) *net.IPNet {
	addr := p.Addr()
	return &net.IPNet{
		IP:   addr.AsSlice(),
		Mask: net.CIDRMask(p.Bits(), addr.BitLen()),
	}
}
