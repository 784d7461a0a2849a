//go:build linux

package linux

import (
	"bufio"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strings"
)

const resolvConfPath = "/etc/resolv.conf"

// SystemResolvers returns the underlying link's DNS resolvers from
// /etc/resolv.conf, used when the configured upstream list is empty or
// every entry is disabled.
func SystemResolvers() ([]netip.AddrPort, error) {
	f, err := os.Open(resolvConfPath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", resolvConfPath, err)
	}
	defer f.Close()
	return parseResolvConf(f)
}

// parseResolvConf extracts nameserver entries, defaulting them to port 53.
// Loopback resolvers are skipped: with the default route captured by the
// tunnel, a local stub like systemd-resolved would just forward back into
// the sinkhole.
func parseResolvConf(r io.Reader) ([]netip.AddrPort, error) {
	var out []netip.AddrPort
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 || fields[0] != "nameserver" {
			continue
		}
		addr, err := netip.ParseAddr(fields[1])
		if err != nil || addr.IsLoopback() {
			continue
		}
		out = append(out, netip.AddrPortFrom(addr, 53))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", resolvConfPath, err)
	}
	return out, nil
}
