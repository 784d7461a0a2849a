//go:build linux

package linux

import (
	"context"
	"fmt"
	"net"
	"syscall"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// DiscoverPhysicalInterface resolves the name of the interface currently
// carrying the default route, by asking the kernel how it would route a
// probe destination. Used to find the interface the upstream socket must
// be explicitly bound to.
func DiscoverPhysicalInterface() (string, error) {
	routes, err := netlink.RouteGet(net.IPv4(8, 8, 8, 8))
	if err != nil {
		return "", fmt.Errorf("resolve default route: %w", err)
	}
	if len(routes) == 0 {
		return "", fmt.Errorf("no default route found")
	}
	link, err := netlink.LinkByIndex(routes[0].LinkIndex)
	if err != nil {
		return "", fmt.Errorf("resolve link for default route: %w", err)
	}
	return link.Attrs().Name, nil
}

// DialUpstreamSocket opens the engine's upstream UDP socket, explicitly
// bound to ifaceName via SO_BINDTODEVICE so its traffic can never be
// recaptured by the tunnel it shares a process with. A bind failure is
// reported to the caller, who must treat it as a network error rather
// than silently sending over the tunnel and looping.
func DialUpstreamSocket(ifaceName string) (*net.UDPConn, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var bindErr error
			if err := c.Control(func(fd uintptr) {
				bindErr = unix.BindToDevice(int(fd), ifaceName)
			}); err != nil {
				return err
			}
			return bindErr
		},
	}
	pc, err := lc.ListenPacket(context.Background(), "udp", ":0")
	if err != nil {
		return nil, fmt.Errorf("bind upstream socket to %s: %w", ifaceName, err)
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return nil, fmt.Errorf("unexpected packet conn type %T", pc)
	}
	return conn, nil
}
