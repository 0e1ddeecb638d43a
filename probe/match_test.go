// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2025-present Datadog, Inc.

package probe

import (
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DataDog/multipath-traceroute/packet"
)

func buildUDPProbe(t *testing.T, ipid uint16, flow uint16) *packet.Packet {
	t.Helper()
	p := packet.New()
	require.NoError(t, p.SetProtocols(packet.ProtoIPv4, packet.ProtoUDP))
	require.NoError(t, p.PayloadResize(2))
	require.NoError(t, p.SetField("src_ip", netip.MustParseAddr("192.0.2.1")))
	require.NoError(t, p.SetField("dst_ip", netip.MustParseAddr("198.51.100.9")))
	require.NoError(t, p.SetField("src_port", uint16(33456)))
	require.NoError(t, p.SetField("dst_port", uint16(33457)))
	require.NoError(t, p.SetField("ttl", uint8(2)))
	require.NoError(t, p.SetField("id", ipid))
	require.NoError(t, p.Finalize())
	require.NoError(t, p.SetFlowID(flow))
	return p
}

// timeExceededFor wraps the first 28 bytes of the probe in an ICMP
// time-exceeded from router, the way an expiring hop would.
func timeExceededFor(t *testing.T, probeBytes []byte, router string) []byte {
	t.Helper()
	quote := probeBytes
	if len(quote) > 28 {
		quote = quote[:28]
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolICMPv4,
		SrcIP:    net.ParseIP(router).To4(),
		DstIP:    net.ParseIP("192.0.2.1").To4(),
	}
	icmp := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeTimeExceeded, 0),
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ip, icmp, gopacket.Payload(quote)))
	return buf.Bytes()
}

func TestKeyRecoveredFromTimeExceeded(t *testing.T) {
	pkt := buildUDPProbe(t, 7, 0xbeef)
	key, err := Key(pkt)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), key.IPID)
	assert.Equal(t, uint8(17), key.Proto)

	buf, err := pkt.Bytes()
	require.NoError(t, err)
	reply, err := ParseIPv4(timeExceededFor(t, buf, "10.1.1.1"), time.Now())
	require.NoError(t, err)
	require.NotNil(t, reply)

	assert.Equal(t, KindTimeExceeded, reply.Kind)
	assert.Equal(t, "10.1.1.1", reply.From.String())
	assert.Equal(t, key, reply.Key, "key from the quote must equal the probe's key")
}

func TestKeysDifferAcrossProbesOfOneFlow(t *testing.T) {
	a := buildUDPProbe(t, 1, 0xbeef)
	b := buildUDPProbe(t, 2, 0xbeef)
	ka, err := Key(a)
	require.NoError(t, err)
	kb, err := Key(b)
	require.NoError(t, err)
	assert.NotEqual(t, ka, kb, "the v4 identification must separate same-flow probes")
}

func TestPortUnreachableClassification(t *testing.T) {
	pkt := buildUDPProbe(t, 3, 0x1234)
	buf, err := pkt.Bytes()
	require.NoError(t, err)

	quote := buf[:28]
	ip := &layers.IPv4{
		Version: 4, IHL: 5, TTL: 64,
		Protocol: layers.IPProtocolICMPv4,
		SrcIP:    net.ParseIP("198.51.100.9").To4(),
		DstIP:    net.ParseIP("192.0.2.1").To4(),
	}
	icmp := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeDestinationUnreachable, layers.ICMPv4CodePort),
	}
	out := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(out, opts, ip, icmp, gopacket.Payload(quote)))

	reply, err := ParseIPv4(out.Bytes(), time.Now())
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.Equal(t, KindPortUnreachable, reply.Kind)
	assert.True(t, reply.Kind.DestinationReached())

	key, err := Key(pkt)
	require.NoError(t, err)
	assert.Equal(t, key, reply.Key)
}

func TestEchoReplyMatchesICMPProbe(t *testing.T) {
	p := packet.New()
	require.NoError(t, p.SetProtocols(packet.ProtoIPv4, packet.ProtoICMPv4))
	require.NoError(t, p.PayloadResize(2))
	require.NoError(t, p.SetField("src_ip", netip.MustParseAddr("192.0.2.1")))
	require.NoError(t, p.SetField("dst_ip", netip.MustParseAddr("198.51.100.9")))
	require.NoError(t, p.SetField("identifier", uint16(555)))
	require.NoError(t, p.SetField("sequence", uint16(42)))
	require.NoError(t, p.Finalize())
	require.NoError(t, p.SetFlowID(0x0102))

	key, err := Key(p)
	require.NoError(t, err)

	ip := &layers.IPv4{
		Version: 4, IHL: 5, TTL: 60,
		Protocol: layers.IPProtocolICMPv4,
		SrcIP:    net.ParseIP("198.51.100.9").To4(),
		DstIP:    net.ParseIP("192.0.2.1").To4(),
	}
	echo := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoReply, 0),
		Id:       555,
		Seq:      42,
	}
	out := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(out, opts, ip, echo))

	reply, err := ParseIPv4(out.Bytes(), time.Now())
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.Equal(t, KindEchoReply, reply.Kind)
	assert.Equal(t, key, reply.Key, "echo reply must map back to the probe key despite quoting nothing")
}

func TestDirectTCPSynAck(t *testing.T) {
	p := packet.New()
	require.NoError(t, p.SetProtocols(packet.ProtoIPv4, packet.ProtoTCP))
	require.NoError(t, p.PayloadResize(2))
	require.NoError(t, p.SetField("src_ip", netip.MustParseAddr("192.0.2.1")))
	require.NoError(t, p.SetField("dst_ip", netip.MustParseAddr("198.51.100.9")))
	require.NoError(t, p.SetField("src_port", uint16(16449)))
	require.NoError(t, p.SetField("dst_port", uint16(16963)))
	require.NoError(t, p.SetField("seq", uint32(0xdeadbeef)))
	require.NoError(t, p.Finalize())
	require.NoError(t, p.SetFlowID(0x4242))

	key, err := Key(p)
	require.NoError(t, err)

	ip := &layers.IPv4{
		Version: 4, IHL: 5, TTL: 60,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.ParseIP("198.51.100.9").To4(),
		DstIP:    net.ParseIP("192.0.2.1").To4(),
	}
	synack := &layers.TCP{
		SrcPort: 16963,
		DstPort: 16449,
		Seq:     9999,
		Ack:     0xdeadbeef + 1,
		SYN:     true,
		ACK:     true,
		DataOffset: 5,
	}
	require.NoError(t, synack.SetNetworkLayerForChecksum(ip))
	out := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(out, opts, ip, synack))

	reply, err := ParseIPv4(out.Bytes(), time.Now())
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.Equal(t, KindTCPSynAck, reply.Kind)
	assert.Equal(t, key, reply.Key)
}

func TestUnrelatedTrafficIgnored(t *testing.T) {
	ip := &layers.IPv4{
		Version: 4, IHL: 5, TTL: 64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.ParseIP("8.8.8.8").To4(),
		DstIP:    net.ParseIP("192.0.2.1").To4(),
	}
	udp := &layers.UDP{SrcPort: 53, DstPort: 40000}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	out := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(out, opts, ip, udp))

	reply, err := ParseIPv4(out.Bytes(), time.Now())
	require.NoError(t, err)
	assert.Nil(t, reply)
}

func TestReplyRTT(t *testing.T) {
	now := time.Now()
	pr := &Probe{SentAt: now}
	r := &Reply{RecvAt: now.Add(12 * time.Millisecond), Probe: pr}
	d, err := r.RTT()
	require.NoError(t, err)
	assert.Equal(t, 12*time.Millisecond, d)

	bad := &Reply{RecvAt: now.Add(-time.Millisecond), Probe: pr}
	_, err = bad.RTT()
	assert.Error(t, err)
}
