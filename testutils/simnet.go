// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2025-present Datadog, Inc.

// Package testutils holds test-only infrastructure: a simulated network
// implementing the packets.Source and packets.Sink interfaces over an
// in-memory topology with per-flow load balancing, plus network-namespace
// helpers for privileged end-to-end tests.
package testutils

import (
	"net"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/DataDog/multipath-traceroute/packets"
)

// Level describes one TTL of the simulated path. Route picks the router
// interface answering a flow; returning an invalid Addr drops the probe.
type Level struct {
	Route func(flow uint16) netip.Addr
}

// Hop builds a Level where every flow lands on the same router.
func Hop(addr string) Level {
	a := netip.MustParseAddr(addr)
	return Level{Route: func(uint16) netip.Addr { return a }}
}

// SilentHop builds a Level that never answers.
func SilentHop() Level {
	return Level{Route: func(uint16) netip.Addr { return netip.Addr{} }}
}

// ECMP builds a Level that splits flows across the given routers by a
// per-flow hash, the way a load balancer does.
func ECMP(addrs ...string) Level {
	routers := make([]netip.Addr, len(addrs))
	for i, a := range addrs {
		routers[i] = netip.MustParseAddr(a)
	}
	return Level{Route: func(flow uint16) netip.Addr {
		return routers[int(flow)%len(routers)]
	}}
}

// Topology is the simulated forwarding path: Levels[i] answers TTL i+1,
// and probes with TTL > len(Levels) reach Dst.
type Topology struct {
	Source netip.Addr
	Dst    netip.Addr
	Levels []Level
}

// queued is a reply in flight back to the prober.
type queued struct {
	buf     []byte
	from    netip.Addr
	readyAt time.Time
}

// SimNet is a deterministic in-memory network. The Sink side parses
// outgoing probes and synthesizes the replies a real path would send; the
// Source side hands them back after RTT.
type SimNet struct {
	Topology Topology
	// RTT delays every reply; defaults to 2ms
	RTT time.Duration

	mu        sync.Mutex
	queue     []queued
	deadline  time.Time
	sendTimes []time.Time
	sentByTTL map[int]int
	closed    bool
}

var _ packets.Source = &SimNet{}
var _ packets.Sink = &SimNet{}

// NewSimNet builds a simulated network for the topology.
func NewSimNet(topo Topology) *SimNet {
	return &SimNet{Topology: topo, RTT: 2 * time.Millisecond, sentByTTL: map[int]int{}}
}

// SentByTTL counts the probes written per TTL.
func (s *SimNet) SentByTTL() map[int]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int]int, len(s.sentByTTL))
	for k, v := range s.sentByTTL {
		out[k] = v
	}
	return out
}

// SendTimes returns when each probe hit the wire, in order.
func (s *SimNet) SendTimes() []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Time, len(s.sendTimes))
	copy(out, s.sendTimes)
	return out
}

// WriteTo implements packets.Sink: route the probe through the topology
// and queue whatever reply it elicits.
func (s *SimNet) WriteTo(buf []byte, _ netip.AddrPort) error {
	now := time.Now()
	s.mu.Lock()
	s.sendTimes = append(s.sendTimes, now)
	s.mu.Unlock()

	pkt := gopacket.NewPacket(append([]byte(nil), buf...), layers.LayerTypeIPv4, gopacket.Default)
	ipLayer := pkt.Layer(layers.LayerTypeIPv4)
	if ipLayer == nil {
		return nil
	}
	ip4 := ipLayer.(*layers.IPv4)
	ttl := int(ip4.TTL)
	s.mu.Lock()
	s.sentByTTL[ttl]++
	s.mu.Unlock()

	if ttl <= len(s.Topology.Levels) {
		router := s.Topology.Levels[ttl-1].Route(flowOf(ip4))
		if !router.IsValid() {
			return nil
		}
		s.enqueue(s.timeExceeded(router, buf), router, now)
		return nil
	}
	s.destinationReply(pkt, ip4, buf, now)
	return nil
}

// flowOf extracts the flow identifier: the transport checksum, whatever
// the transport.
func flowOf(ip4 *layers.IPv4) uint16 {
	p := ip4.Payload
	if len(p) < 8 {
		return 0
	}
	switch ip4.Protocol {
	case layers.IPProtocolUDP:
		return uint16(p[6])<<8 | uint16(p[7])
	case layers.IPProtocolTCP:
		if len(p) < 18 {
			return 0
		}
		return uint16(p[16])<<8 | uint16(p[17])
	case layers.IPProtocolICMPv4:
		return uint16(p[2])<<8 | uint16(p[3])
	}
	return 0
}

// destinationReply synthesizes the target's answer: port-unreachable for
// UDP, an echo reply for ICMP, a SYN-ACK for TCP.
func (s *SimNet) destinationReply(pkt gopacket.Packet, ip4 *layers.IPv4, raw []byte, now time.Time) {
	dst := s.Topology.Dst
	switch ip4.Protocol {
	case layers.IPProtocolUDP:
		s.enqueue(s.icmpError(dst, raw, layers.ICMPv4TypeDestinationUnreachable, layers.ICMPv4CodePort), dst, now)
	case layers.IPProtocolICMPv4:
		if icmpLayer := pkt.Layer(layers.LayerTypeICMPv4); icmpLayer != nil {
			req := icmpLayer.(*layers.ICMPv4)
			s.enqueue(s.echoReply(dst, ip4, req), dst, now)
		}
	case layers.IPProtocolTCP:
		if tcpLayer := pkt.Layer(layers.LayerTypeTCP); tcpLayer != nil {
			req := tcpLayer.(*layers.TCP)
			s.enqueue(s.synAck(dst, ip4, req), dst, now)
		}
	}
}

func (s *SimNet) timeExceeded(router netip.Addr, original []byte) []byte {
	return s.icmpError(router, original, layers.ICMPv4TypeTimeExceeded, 0)
}

func (s *SimNet) icmpError(from netip.Addr, original []byte, icmpType, icmpCode uint8) []byte {
	quote := original
	if len(quote) > 28 {
		quote = quote[:28]
	}
	ip := &layers.IPv4{
		Version: 4, IHL: 5, TTL: 64,
		Protocol: layers.IPProtocolICMPv4,
		SrcIP:    net.IP(from.AsSlice()),
		DstIP:    net.IP(s.Topology.Source.AsSlice()),
	}
	icmp := &layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(icmpType, icmpCode)}
	return serialize(ip, icmp, gopacket.Payload(quote))
}

func (s *SimNet) echoReply(from netip.Addr, req4 *layers.IPv4, req *layers.ICMPv4) []byte {
	ip := &layers.IPv4{
		Version: 4, IHL: 5, TTL: 64,
		Protocol: layers.IPProtocolICMPv4,
		SrcIP:    net.IP(from.AsSlice()),
		DstIP:    req4.SrcIP,
	}
	echo := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoReply, 0),
		Id:       req.Id,
		Seq:      req.Seq,
	}
	return serialize(ip, echo)
}

func (s *SimNet) synAck(from netip.Addr, req4 *layers.IPv4, req *layers.TCP) []byte {
	ip := &layers.IPv4{
		Version: 4, IHL: 5, TTL: 64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.IP(from.AsSlice()),
		DstIP:    req4.SrcIP,
	}
	synack := &layers.TCP{
		SrcPort: req.DstPort,
		DstPort: req.SrcPort,
		Seq:     1,
		Ack:     req.Seq + 1,
		SYN:     true,
		ACK:     true,
	}
	synack.SetNetworkLayerForChecksum(ip)
	return serialize(ip, synack)
}

func serialize(ls ...gopacket.SerializableLayer) []byte {
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ls...); err != nil {
		return nil
	}
	return append([]byte(nil), buf.Bytes()...)
}

func (s *SimNet) enqueue(buf []byte, from netip.Addr, now time.Time) {
	if buf == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, queued{buf: buf, from: from, readyAt: now.Add(s.RTT)})
	sort.SliceStable(s.queue, func(i, j int) bool {
		return s.queue[i].readyAt.Before(s.queue[j].readyAt)
	})
}

// SetPacketFilter implements packets.Source; the simulation only ever
// produces traceroute responses.
func (s *SimNet) SetPacketFilter(packets.PacketFilterSpec) error { return nil }

// SetReadDeadline implements packets.Source.
func (s *SimNet) SetReadDeadline(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadline = t
}

// Read implements packets.Source: deliver the next ready reply, sleeping
// the simulated RTT off, or time out at the deadline.
func (s *SimNet) Read(buf []byte) (int, packets.Meta, error) {
	s.mu.Lock()
	deadline := s.deadline
	s.mu.Unlock()
	if deadline.IsZero() {
		deadline = time.Now().Add(100 * time.Millisecond)
	}

	for {
		s.mu.Lock()
		var next *queued
		if len(s.queue) > 0 {
			next = &s.queue[0]
		}
		now := time.Now()
		if next != nil && !next.readyAt.After(now) {
			item := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			n := copy(buf, item.buf)
			return n, packets.Meta{From: item.from, Proto: packets.ProtoICMP, At: time.Now()}, nil
		}
		wake := deadline
		if next != nil && next.readyAt.Before(wake) {
			wake = next.readyAt
		}
		s.mu.Unlock()
		if !wake.After(now) {
			return 0, packets.Meta{}, packets.ErrReadTimeout
		}
		time.Sleep(time.Until(wake))
		if next == nil && !wake.Before(deadline) {
			return 0, packets.Meta{}, packets.ErrReadTimeout
		}
	}
}

// Close implements both interfaces.
func (s *SimNet) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
