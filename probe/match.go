// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2025-present Datadog, Inc.

package probe

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/DataDog/multipath-traceroute/packet"
)

// MatchKey is the subset of header fields an ICMP error quotes back from
// the offending packet: the address pair, the IP protocol, the v4
// identification (or v6 flow label), and the first 8 bytes of the
// transport header.
//
// Per-protocol adjustments keep the key recoverable from every reply form:
//   - ICMP probes zero the type/code/checksum bytes (an echo reply carries
//     different values there) and drop the IP id, matching on id+seq.
//   - TCP probes drop the IP id (a direct RST or SYN-ACK cannot recover
//     it), matching on ports+seq.
type MatchKey struct {
	Src, Dst  netip.Addr
	Proto     uint8
	IPID      uint32
	Transport [8]byte
}

func (k MatchKey) String() string {
	return fmt.Sprintf("%s>%s/%d/%d/%x", k.Src, k.Dst, k.Proto, k.IPID, k.Transport)
}

const (
	protoICMPv4 = 1
	protoTCP    = 6
	protoUDP    = 17
	protoICMPv6 = 58
)

// Key derives the matching key of an outgoing probe packet.
func Key(p *packet.Packet) (MatchKey, error) {
	buf, err := p.Bytes()
	if err != nil {
		return MatchKey{}, err
	}
	switch {
	case p.HasLayer(packet.ProtoIPv4):
		var ip4 layers.IPv4
		if err := ip4.DecodeFromBytes(buf, gopacket.NilDecodeFeedback); err != nil {
			return MatchKey{}, fmt.Errorf("probe key failed to decode ipv4: %w", err)
		}
		return keyFromIPv4(&ip4)
	case p.HasLayer(packet.ProtoIPv6):
		var ip6 layers.IPv6
		if err := ip6.DecodeFromBytes(buf, gopacket.NilDecodeFeedback); err != nil {
			return MatchKey{}, fmt.Errorf("probe key failed to decode ipv6: %w", err)
		}
		return keyFromIPv6(&ip6)
	}
	return MatchKey{}, fmt.Errorf("probe key: packet has no IP layer")
}

func keyFromIPv4(ip4 *layers.IPv4) (MatchKey, error) {
	src, _ := netip.AddrFromSlice(ip4.SrcIP.To4())
	dst, _ := netip.AddrFromSlice(ip4.DstIP.To4())
	k := MatchKey{
		Src:   src,
		Dst:   dst,
		Proto: uint8(ip4.Protocol),
	}
	if len(ip4.Payload) < 8 {
		return MatchKey{}, fmt.Errorf("probe key: truncated transport header (%d bytes)", len(ip4.Payload))
	}
	copy(k.Transport[:], ip4.Payload[:8])
	normalizeTransport(&k, uint32(ip4.Id))
	return k, nil
}

func keyFromIPv6(ip6 *layers.IPv6) (MatchKey, error) {
	src, _ := netip.AddrFromSlice(ip6.SrcIP.To16())
	dst, _ := netip.AddrFromSlice(ip6.DstIP.To16())
	k := MatchKey{
		Src:   src,
		Dst:   dst,
		Proto: uint8(ip6.NextHeader),
	}
	if len(ip6.Payload) < 8 {
		return MatchKey{}, fmt.Errorf("probe key: truncated transport header (%d bytes)", len(ip6.Payload))
	}
	copy(k.Transport[:], ip6.Payload[:8])
	normalizeTransport(&k, ip6.FlowLabel)
	return k, nil
}

// normalizeTransport applies the per-protocol key adjustments.
func normalizeTransport(k *MatchKey, ipid uint32) {
	switch k.Proto {
	case protoUDP:
		k.IPID = ipid
	case protoICMPv4, protoICMPv6:
		k.Transport[0], k.Transport[1] = 0, 0
		k.Transport[2], k.Transport[3] = 0, 0
	case protoTCP:
		// ports + sequence number identify the probe; bytes 4..7 are the
		// sequence, already in place
	}
}

// ParseIPv4 parses a received IPv4 datagram (starting at the IP header)
// into a Reply carrying its candidate matching key. A nil Reply with nil
// error means the datagram is not a traceroute response at all.
func ParseIPv4(buf []byte, at time.Time) (*Reply, error) {
	var ip4 layers.IPv4
	if err := ip4.DecodeFromBytes(buf, gopacket.NilDecodeFeedback); err != nil {
		return nil, fmt.Errorf("reply failed to decode ipv4: %w", err)
	}
	from, _ := netip.AddrFromSlice(ip4.SrcIP.To4())

	switch ip4.Protocol {
	case layers.IPProtocolICMPv4:
		return parseICMPv4(&ip4, from, at)
	case layers.IPProtocolTCP:
		local, _ := netip.AddrFromSlice(ip4.DstIP.To4())
		remote, _ := netip.AddrFromSlice(ip4.SrcIP.To4())
		return parseDirectTCP(ip4.Payload, from, local, remote, at)
	}
	return nil, nil
}

func parseICMPv4(ip4 *layers.IPv4, from netip.Addr, at time.Time) (*Reply, error) {
	var icmp4 layers.ICMPv4
	if err := icmp4.DecodeFromBytes(ip4.Payload, gopacket.NilDecodeFeedback); err != nil {
		return nil, fmt.Errorf("reply failed to decode icmpv4: %w", err)
	}
	r := &Reply{
		From:     from,
		ICMPType: icmp4.TypeCode.Type(),
		ICMPCode: icmp4.TypeCode.Code(),
		RecvAt:   at,
	}

	switch icmp4.TypeCode.Type() {
	case layers.ICMPv4TypeEchoReply:
		// an echo reply quotes nothing; rebuild the key from the reply
		// itself with the address pair reversed
		dst, _ := netip.AddrFromSlice(ip4.DstIP.To4())
		r.Kind = KindEchoReply
		r.Key = MatchKey{Src: dst, Dst: from, Proto: protoICMPv4}
		copy(r.Key.Transport[4:6], ip4.Payload[4:6]) // id
		copy(r.Key.Transport[6:8], ip4.Payload[6:8]) // seq
		return r, nil

	case layers.ICMPv4TypeTimeExceeded, layers.ICMPv4TypeDestinationUnreachable:
		if icmp4.TypeCode.Type() == layers.ICMPv4TypeTimeExceeded {
			r.Kind = KindTimeExceeded
		} else if icmp4.TypeCode.Code() == layers.ICMPv4CodePort {
			r.Kind = KindPortUnreachable
		} else {
			r.Kind = KindDestUnreachable
		}
		var inner layers.IPv4
		if err := inner.DecodeFromBytes(icmp4.Payload, gopacket.NilDecodeFeedback); err != nil {
			return nil, fmt.Errorf("reply failed to decode quoted ipv4: %w", err)
		}
		key, err := keyFromIPv4(&inner)
		if err != nil {
			return nil, fmt.Errorf("reply failed to rebuild key from quote: %w", err)
		}
		r.Key = key
		return r, nil
	}
	return nil, nil
}

// ParseICMPv6 parses a received ICMPv6 message (v6 raw sockets strip the
// IP header; the kernel hands us the ICMPv6 bytes and the peer address).
func ParseICMPv6(buf []byte, from, local netip.Addr, at time.Time) (*Reply, error) {
	var icmp6 layers.ICMPv6
	if err := icmp6.DecodeFromBytes(buf, gopacket.NilDecodeFeedback); err != nil {
		return nil, fmt.Errorf("reply failed to decode icmpv6: %w", err)
	}
	r := &Reply{
		From:     from,
		ICMPType: icmp6.TypeCode.Type(),
		ICMPCode: icmp6.TypeCode.Code(),
		RecvAt:   at,
	}

	switch icmp6.TypeCode.Type() {
	case layers.ICMPv6TypeEchoReply:
		if len(icmp6.Payload) < 4 {
			return nil, fmt.Errorf("reply: short icmpv6 echo reply")
		}
		r.Kind = KindEchoReply
		r.Key = MatchKey{Src: local, Dst: from, Proto: protoICMPv6}
		copy(r.Key.Transport[4:8], icmp6.Payload[:4]) // id + seq
		return r, nil

	case layers.ICMPv6TypeTimeExceeded, layers.ICMPv6TypeDestinationUnreachable:
		if icmp6.TypeCode.Type() == layers.ICMPv6TypeTimeExceeded {
			r.Kind = KindTimeExceeded
		} else if icmp6.TypeCode.Code() == layers.ICMPv6CodePortUnreachable {
			r.Kind = KindPortUnreachable
		} else {
			r.Kind = KindDestUnreachable
		}
		// 4 unused bytes, then the quoted packet
		if len(icmp6.Payload) < 4 {
			return nil, fmt.Errorf("reply: short icmpv6 error body")
		}
		var inner layers.IPv6
		if err := inner.DecodeFromBytes(icmp6.Payload[4:], gopacket.NilDecodeFeedback); err != nil {
			return nil, fmt.Errorf("reply failed to decode quoted ipv6: %w", err)
		}
		key, err := keyFromIPv6(&inner)
		if err != nil {
			return nil, fmt.Errorf("reply failed to rebuild key from quote: %w", err)
		}
		r.Key = key
		return r, nil
	}
	return nil, nil
}

// ParseTCPv6 handles a v6 target answering a TCP probe in kind; v6 raw
// sockets strip the IP header, so the caller provides both addresses.
func ParseTCPv6(buf []byte, from, local netip.Addr, at time.Time) (*Reply, error) {
	return parseDirectTCP(buf, from, local, from, at)
}

// parseDirectTCP handles the target answering a TCP probe in kind: a
// SYN-ACK or RST addressed straight back to the source port.
func parseDirectTCP(buf []byte, from, local, remote netip.Addr, at time.Time) (*Reply, error) {
	var tcp layers.TCP
	if err := tcp.DecodeFromBytes(buf, gopacket.NilDecodeFeedback); err != nil {
		return nil, fmt.Errorf("reply failed to decode tcp: %w", err)
	}
	r := &Reply{From: from, RecvAt: at}
	switch {
	case tcp.RST:
		r.Kind = KindTCPReset
	case tcp.SYN && tcp.ACK:
		r.Kind = KindTCPSynAck
	default:
		return nil, nil
	}

	r.Key = MatchKey{Src: local, Dst: remote, Proto: protoTCP}
	// reconstruct the probe's header prefix: our ports reversed, and the
	// probe's sequence recovered from the acknowledgement
	r.Key.Transport[0], r.Key.Transport[1] = byte(tcp.DstPort>>8), byte(tcp.DstPort)
	r.Key.Transport[2], r.Key.Transport[3] = byte(tcp.SrcPort>>8), byte(tcp.SrcPort)
	seq := tcp.Ack - 1
	r.Key.Transport[4] = byte(seq >> 24)
	r.Key.Transport[5] = byte(seq >> 16)
	r.Key.Transport[6] = byte(seq >> 8)
	r.Key.Transport[7] = byte(seq)
	return r, nil
}
