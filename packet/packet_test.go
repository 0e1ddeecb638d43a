// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2025-present Datadog, Inc.

package packet

import (
	"net/netip"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newUDPv4Probe(t *testing.T) *Packet {
	t.Helper()
	p := New()
	require.NoError(t, p.SetProtocols(ProtoIPv4, ProtoUDP))
	require.NoError(t, p.PayloadResize(2))
	require.NoError(t, p.SetField("src_ip", netip.MustParseAddr("10.0.0.1")))
	require.NoError(t, p.SetField("dst_ip", netip.MustParseAddr("10.0.0.5")))
	require.NoError(t, p.SetField("src_port", uint16(33456)))
	require.NoError(t, p.SetField("dst_port", uint16(33457)))
	require.NoError(t, p.SetField("ttl", uint8(3)))
	require.NoError(t, p.Finalize())
	return p
}

func TestSetProtocolsLayout(t *testing.T) {
	p := New()
	require.NoError(t, p.SetProtocols(ProtoIPv4, ProtoUDP))
	assert.Equal(t, []string{"ipv4", "udp"}, p.Protocols())
	assert.Equal(t, 28, p.Len())

	require.NoError(t, p.PayloadResize(2))
	assert.Equal(t, 30, p.Len())
	assert.Len(t, p.Payload(), 2)
}

func TestSetProtocolsRejectsBadStacks(t *testing.T) {
	tests := []struct {
		name  string
		stack []string
	}{
		{"unknown layer", []string{"ipv4", "sctp"}},
		{"transport at bottom", []string{"udp"}},
		{"udp above tcp", []string{"ipv4", "tcp", "udp"}},
		{"icmpv4 over ipv6", []string{"ipv6", "icmpv4"}},
		{"empty", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New().SetProtocols(tt.stack...)
			assert.ErrorIs(t, err, ErrProtocol)
		})
	}
}

func TestFieldRoundTrip(t *testing.T) {
	p := newUDPv4Probe(t)

	tests := []struct {
		key  string
		want uint64
	}{
		{"version", 4},
		{"ihl", 5},
		{"ttl", 3},
		{"src_port", 33456},
		{"dst_port", 33457},
	}
	for _, tt := range tests {
		v, err := p.GetField(tt.key)
		require.NoError(t, err, tt.key)
		assert.Equal(t, tt.want, v, tt.key)
	}

	src, err := p.AddrField("src_ip")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", src.String())
}

func TestFieldErrors(t *testing.T) {
	p := newUDPv4Probe(t)

	_, err := p.GetField("no_such_field")
	assert.ErrorIs(t, err, ErrUnknownField)

	err = p.SetField("src_ip", uint16(1))
	assert.ErrorIs(t, err, ErrFieldType)

	err = p.SetField("ttl", 300)
	assert.ErrorIs(t, err, ErrFieldType)

	err = p.SetField("src_ip", netip.MustParseAddr("::1"))
	assert.ErrorIs(t, err, ErrFieldType)
}

func TestDirtyAfterWrite(t *testing.T) {
	p := newUDPv4Probe(t)
	_, err := p.Bytes()
	require.NoError(t, err)

	require.NoError(t, p.SetField("ttl", uint8(4)))
	_, err = p.Bytes()
	assert.ErrorIs(t, err, ErrDirty)

	require.NoError(t, p.Finalize())
	_, err = p.Bytes()
	assert.NoError(t, err)
}

// gopacket independently validates the buffers the assembler produces.
func TestUDPv4ChecksumsAgainstGopacket(t *testing.T) {
	p := newUDPv4Probe(t)
	buf, err := p.Bytes()
	require.NoError(t, err)

	pkt := gopacket.NewPacket(buf, layers.LayerTypeIPv4, gopacket.Default)
	require.NotNil(t, pkt.Layer(layers.LayerTypeIPv4))
	require.NotNil(t, pkt.Layer(layers.LayerTypeUDP))
	require.Nil(t, pkt.ErrorLayer())

	ip4 := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	assert.Equal(t, uint8(3), ip4.TTL)
	assert.Equal(t, "10.0.0.5", ip4.DstIP.String())

	// re-serialize with gopacket computing checksums and compare
	udp := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
	wantIPChecksum := ip4.Checksum
	wantUDPChecksum := udp.Checksum
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip4))
	out := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(out, opts, ip4, udp, gopacket.Payload(udp.Payload)))
	reparsed := gopacket.NewPacket(out.Bytes(), layers.LayerTypeIPv4, gopacket.Default)
	assert.Equal(t, wantIPChecksum, reparsed.Layer(layers.LayerTypeIPv4).(*layers.IPv4).Checksum)
	assert.Equal(t, wantUDPChecksum, reparsed.Layer(layers.LayerTypeUDP).(*layers.UDP).Checksum)
}

func TestSetFlowIDPinsChecksum(t *testing.T) {
	for _, flow := range []uint16{1, 0x1234, 0xbeef, 0xffff} {
		p := newUDPv4Probe(t)
		require.NoError(t, p.SetFlowID(flow))

		got, err := p.FlowID()
		require.NoError(t, err)
		assert.Equal(t, flow, got)

		// the packet must still carry a valid checksum: gopacket's decoder
		// recomputes and the wire bytes must agree
		buf, err := p.Bytes()
		require.NoError(t, err)
		pkt := gopacket.NewPacket(buf, layers.LayerTypeIPv4, gopacket.Default)
		udp := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
		require.NotNil(t, udp)
		assert.Equal(t, flow, udp.Checksum)

		seg := buf[20:]
		var sum uint32
		sum = pseudoHeaderSum(netip.MustParseAddr("10.0.0.1"), netip.MustParseAddr("10.0.0.5"), 17, len(seg))
		sum += onesSum(seg)
		assert.Equal(t, uint16(0xffff), fold(sum), "one's-complement sum including checksum must be all-ones")
	}
}

func TestSetFlowIDRejectsZeroOnUDP(t *testing.T) {
	p := newUDPv4Probe(t)
	assert.Error(t, p.SetFlowID(0))
}

func TestSetFlowIDICMPv4(t *testing.T) {
	p := New()
	require.NoError(t, p.SetProtocols(ProtoIPv4, ProtoICMPv4))
	require.NoError(t, p.PayloadResize(2))
	require.NoError(t, p.SetField("src_ip", netip.MustParseAddr("10.0.0.1")))
	require.NoError(t, p.SetField("dst_ip", netip.MustParseAddr("10.0.0.5")))
	require.NoError(t, p.SetField("identifier", uint16(4242)))
	require.NoError(t, p.SetField("sequence", uint16(7)))
	require.NoError(t, p.Finalize())
	require.NoError(t, p.SetFlowID(0x1111))

	buf, err := p.Bytes()
	require.NoError(t, err)
	seg := buf[20:]
	assert.Equal(t, uint16(0xffff), fold(onesSum(seg)), "icmp checksum must still verify")

	got, err := p.FlowID()
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1111), got)
}

func TestUDPv6Finalize(t *testing.T) {
	p := New()
	require.NoError(t, p.SetProtocols(ProtoIPv6, ProtoUDP))
	require.NoError(t, p.PayloadResize(2))
	require.NoError(t, p.SetField("src_ip", netip.MustParseAddr("2001:db8::1")))
	require.NoError(t, p.SetField("dst_ip", netip.MustParseAddr("2001:db8::2")))
	require.NoError(t, p.SetField("src_port", uint16(33456)))
	require.NoError(t, p.SetField("dst_port", uint16(33457)))
	require.NoError(t, p.SetField("ttl", uint8(5)))
	require.NoError(t, p.SetField("flow_label", uint32(0xabcde)))
	require.NoError(t, p.Finalize())

	buf, err := p.Bytes()
	require.NoError(t, err)

	pkt := gopacket.NewPacket(buf, layers.LayerTypeIPv6, gopacket.Default)
	require.Nil(t, pkt.ErrorLayer())
	ip6 := pkt.Layer(layers.LayerTypeIPv6).(*layers.IPv6)
	assert.Equal(t, uint8(5), ip6.HopLimit)
	assert.Equal(t, uint32(0xabcde), ip6.FlowLabel)
	assert.Equal(t, layers.IPProtocolUDP, ip6.NextHeader)
	require.NotNil(t, pkt.Layer(layers.LayerTypeUDP))
}

func TestPayloadResizeInvalidatesChecksums(t *testing.T) {
	p := newUDPv4Probe(t)
	require.NoError(t, p.PayloadResize(8))
	_, err := p.Bytes()
	assert.ErrorIs(t, err, ErrDirty)
	require.NoError(t, p.Finalize())
	_, err = p.Bytes()
	assert.NoError(t, err)
}

func TestClone(t *testing.T) {
	p := newUDPv4Probe(t)
	dup := p.Clone()
	require.NoError(t, dup.SetField("ttl", uint8(9)))
	require.NoError(t, dup.Finalize())

	v, err := p.GetField("ttl")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), v, "clone writes must not reach the original")
}
