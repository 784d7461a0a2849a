// Package codec decodes and encodes the IPv4/IPv6/UDP/DNS bytes that cross
// the tunnel file descriptor.
package codec

import (
	"fmt"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Datagram is a decoded UDP datagram pulled out of an IPv4 or IPv6 packet
// read from the tunnel.
type Datagram struct {
	Src     netip.AddrPort
	Dst     netip.AddrPort
	Payload []byte
	IsIPv6  bool
}

// Decoder bundles one goroutine's reusable, zero-alloc gopacket layers and
// parsers for the tunnel's hot read path. A TUN device interleaves v4 and
// v6 packets on the same fd with no framing, and a DecodingLayerParser is
// rooted at a fixed first layer, so the Decoder keeps one parser per IP
// version and picks by the version nibble.
type Decoder struct {
	ip4      layers.IPv4
	ip6      layers.IPv6
	udp      layers.UDP
	v4parser *gopacket.DecodingLayerParser
	v6parser *gopacket.DecodingLayerParser
	decoded  []gopacket.LayerType
}

// NewDecoder creates a Decoder for packets that carry no link-layer header
// (as delivered by a TUN device in IFF_TUN mode — pure IP packets).
func NewDecoder() *Decoder {
	d := &Decoder{}
	d.v4parser = gopacket.NewDecodingLayerParser(layers.LayerTypeIPv4, &d.ip4, &d.udp)
	d.v4parser.IgnoreUnsupported = true
	d.v6parser = gopacket.NewDecodingLayerParser(layers.LayerTypeIPv6, &d.ip6, &d.udp)
	d.v6parser.IgnoreUnsupported = true
	return d
}

// firstByteLayer picks the decode entry point based on the IP version
// nibble in the first byte, since a TUN device interleaves v4 and v6
// packets on the same fd with no framing.
func firstByteLayer(buf []byte) gopacket.LayerType {
	if len(buf) == 0 {
		return gopacket.LayerTypeZero
	}
	switch buf[0] >> 4 {
	case 4:
		return layers.LayerTypeIPv4
	case 6:
		return layers.LayerTypeIPv6
	default:
		return gopacket.LayerTypeZero
	}
}

// Decode parses buf as an IP packet and extracts its UDP datagram. ok is
// false (with a nil error) for any packet that is not a non-fragmented UDP
// datagram — including IPv6 packets when ipv6Enabled is false — and the
// caller should silently drop it. Fragmented datagrams (IPv4 MF/offset set,
// or an IPv6 Fragment extension header) are never reassembled and are
// always dropped.
func (d *Decoder) Decode(buf []byte, ipv6Enabled bool) (Datagram, bool, error) {
	start := firstByteLayer(buf)
	if start == gopacket.LayerTypeZero {
		return Datagram{}, false, nil
	}
	if start == layers.LayerTypeIPv6 && !ipv6Enabled {
		return Datagram{}, false, nil
	}
	parser := d.v4parser
	if start == layers.LayerTypeIPv6 {
		parser = d.v6parser
	}

	d.decoded = d.decoded[:0]
	if err := parser.DecodeLayers(buf, &d.decoded); err != nil {
		// With IgnoreUnsupported set, layers the parser has no decoder for
		// (e.g. TCP, ICMP) are not errors and are dropped by the UDP check
		// below; an error here means a truncated or malformed layer, which
		// is dropped the same way.
		return Datagram{}, false, nil
	}

	var (
		sawIP4, sawIP6, sawUDP bool
		fragmented             bool
	)
	for _, lt := range d.decoded {
		switch lt {
		case layers.LayerTypeIPv4:
			sawIP4 = true
			if d.ip4.FragOffset != 0 || d.ip4.Flags&layers.IPv4MoreFragments != 0 {
				fragmented = true
			}
		case layers.LayerTypeIPv6:
			sawIP6 = true
		case layers.LayerTypeUDP:
			sawUDP = true
		}
	}
	if !sawUDP || fragmented {
		return Datagram{}, false, nil
	}
	if sawIP6 && hasFragmentHeader(buf) {
		return Datagram{}, false, nil
	}

	var src, dst netip.Addr
	switch {
	case sawIP4:
		src, _ = netip.AddrFromSlice(d.ip4.SrcIP.To4())
		dst, _ = netip.AddrFromSlice(d.ip4.DstIP.To4())
	case sawIP6:
		src, _ = netip.AddrFromSlice(d.ip6.SrcIP.To16())
		dst, _ = netip.AddrFromSlice(d.ip6.DstIP.To16())
	default:
		return Datagram{}, false, nil
	}

	return Datagram{
		Src:     netip.AddrPortFrom(src, uint16(d.udp.SrcPort)),
		Dst:     netip.AddrPortFrom(dst, uint16(d.udp.DstPort)),
		Payload: d.udp.Payload,
		IsIPv6:  sawIP6,
	}, true, nil
}

// hasFragmentHeader does a minimal scan of the IPv6 extension header chain
// looking for a Fragment header (next-header 44), since gopacket's IPv6
// layer does not itself decode extension headers.
func hasFragmentHeader(buf []byte) bool {
	const ipv6HeaderLen = 40
	if len(buf) < ipv6HeaderLen {
		return false
	}
	nextHeader := buf[6]
	offset := ipv6HeaderLen
	for i := 0; i < 8; i++ { // bounded walk, extension chains are short in practice
		switch nextHeader {
		case 44: // Fragment
			return true
		case 0, 43, 60: // Hop-by-Hop, Routing, Destination Options
			if offset+2 > len(buf) {
				return false
			}
			nextHeader = buf[offset]
			extLen := int(buf[offset+1])
			offset += 8 + extLen*8
		default:
			return false
		}
	}
	return false
}

// Encoder serializes response UDP datagrams back into IP packets ready to
// write to the tunnel, recomputing IP and UDP checksums over a correct
// pseudo-header via gopacket's serialization buffer.
type Encoder struct {
	buf gopacket.SerializeBuffer
	opt gopacket.SerializeOptions
}

// NewEncoder creates a reusable Encoder.
func NewEncoder() *Encoder {
	return &Encoder{
		buf: gopacket.NewSerializeBuffer(),
		opt: gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true},
	}
}

// EncodeResponse writes an IPv4 or IPv6 + UDP packet carrying payload from
// (srcAddr) to (dstAddr) into dst, returning the number of bytes written.
func (e *Encoder) EncodeResponse(dst []byte, src, dstAddr netip.AddrPort, payload []byte, ipv6 bool) (int, error) {
	e.buf.Clear()

	udp := &layers.UDP{SrcPort: layers.UDPPort(src.Port()), DstPort: layers.UDPPort(dstAddr.Port())}

	var netLayer gopacket.SerializableLayer
	if ipv6 {
		ip6 := &layers.IPv6{
			Version:    6,
			NextHeader: layers.IPProtocolUDP,
			HopLimit:   64,
			SrcIP:      src.Addr().AsSlice(),
			DstIP:      dstAddr.Addr().AsSlice(),
		}
		if err := udp.SetNetworkLayerForChecksum(ip6); err != nil {
			return 0, fmt.Errorf("set checksum layer: %w", err)
		}
		netLayer = ip6
	} else {
		ip4 := &layers.IPv4{
			Version:  4,
			IHL:      5,
			TTL:      64,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    src.Addr().AsSlice(),
			DstIP:    dstAddr.Addr().AsSlice(),
		}
		if err := udp.SetNetworkLayerForChecksum(ip4); err != nil {
			return 0, fmt.Errorf("set checksum layer: %w", err)
		}
		netLayer = ip4
	}

	if err := gopacket.SerializeLayers(e.buf, e.opt, netLayer, udp, gopacket.Payload(payload)); err != nil {
		return 0, fmt.Errorf("serialize response: %w", err)
	}
	out := e.buf.Bytes()
	n := copy(dst, out)
	if n < len(out) {
		return 0, fmt.Errorf("encode buffer too small: need %d, have %d", len(out), len(dst))
	}
	return n, nil
}
