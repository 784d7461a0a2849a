package codec

import (
	"net/netip"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"
)

func buildIPv4UDP(t *testing.T, src, dst netip.AddrPort, payload []byte, fragment bool) []byte {
	t.Helper()
	ip4 := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    src.Addr().AsSlice(),
		DstIP:    dst.Addr().AsSlice(),
	}
	if fragment {
		ip4.Flags = layers.IPv4MoreFragments
	}
	udp := &layers.UDP{SrcPort: layers.UDPPort(src.Port()), DstPort: layers.UDPPort(dst.Port())}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip4))

	buf := gopacket.NewSerializeBuffer()
	opt := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opt, ip4, udp, gopacket.Payload(payload)))
	out := make([]byte, len(buf.Bytes()))
	copy(out, buf.Bytes())
	return out
}

func TestDecoder_DecodesIPv4UDP(t *testing.T) {
	src := netip.MustParseAddrPort("10.64.0.2:5353")
	dst := netip.MustParseAddrPort("10.64.0.1:53")
	payload := []byte("query-bytes")
	pkt := buildIPv4UDP(t, src, dst, payload, false)

	d := NewDecoder()
	dg, ok, err := d.Decode(pkt, false)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, src, dg.Src)
	require.Equal(t, dst, dg.Dst)
	require.Equal(t, payload, dg.Payload)
	require.False(t, dg.IsIPv6)
}

func TestDecoder_DropsFragmentedIPv4(t *testing.T) {
	src := netip.MustParseAddrPort("10.64.0.2:5353")
	dst := netip.MustParseAddrPort("10.64.0.1:53")
	pkt := buildIPv4UDP(t, src, dst, []byte("x"), true)

	d := NewDecoder()
	_, ok, err := d.Decode(pkt, false)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDecoder_DropsIPv6WhenDisabled(t *testing.T) {
	src := netip.MustParseAddrPort("[fd00::2]:5353")
	dst := netip.MustParseAddrPort("[fd00::1]:53")
	ip6 := &layers.IPv6{Version: 6, NextHeader: layers.IPProtocolUDP, HopLimit: 64, SrcIP: src.Addr().AsSlice(), DstIP: dst.Addr().AsSlice()}
	udp := &layers.UDP{SrcPort: layers.UDPPort(src.Port()), DstPort: layers.UDPPort(dst.Port())}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip6))
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}, ip6, udp, gopacket.Payload([]byte("x"))))
	pkt := append([]byte{}, buf.Bytes()...)

	d := NewDecoder()
	_, ok, err := d.Decode(pkt, false)
	require.NoError(t, err)
	require.False(t, ok)

	dg, ok, err := d.Decode(pkt, true)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, dg.IsIPv6)
}

func TestDecoder_IgnoresEmptyBuffer(t *testing.T) {
	d := NewDecoder()
	_, ok, err := d.Decode([]byte{}, false)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestEncodeResponse_RoundTripsThroughDecoder(t *testing.T) {
	clientAddr := netip.MustParseAddrPort("10.64.0.2:5353")
	tunnelAddr := netip.MustParseAddrPort("10.64.0.1:53")
	payload := []byte("response-bytes")

	e := NewEncoder()
	buf := make([]byte, 1500)
	n, err := e.EncodeResponse(buf, tunnelAddr, clientAddr, payload, false)
	require.NoError(t, err)

	d := NewDecoder()
	dg, ok, err := d.Decode(buf[:n], false)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, tunnelAddr, dg.Src)
	require.Equal(t, clientAddr, dg.Dst)
	require.Equal(t, payload, dg.Payload)
}

func TestEncodeResponse_IPv6(t *testing.T) {
	src := netip.MustParseAddrPort("[fd00::1]:53")
	dst := netip.MustParseAddrPort("[fd00::2]:5353")
	payload := []byte("v6-response")

	e := NewEncoder()
	buf := make([]byte, 1500)
	n, err := e.EncodeResponse(buf, src, dst, payload, true)
	require.NoError(t, err)

	d := NewDecoder()
	dg, ok, err := d.Decode(buf[:n], true)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, dg.IsIPv6)
	require.Equal(t, payload, dg.Payload)
}

func TestEncodeResponse_BufferTooSmall(t *testing.T) {
	src := netip.MustParseAddrPort("10.64.0.1:53")
	dst := netip.MustParseAddrPort("10.64.0.2:5353")
	e := NewEncoder()
	_, err := e.EncodeResponse(make([]byte, 4), src, dst, []byte("too long for 4 bytes"), false)
	require.Error(t, err)
}
