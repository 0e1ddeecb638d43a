// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2025-present Datadog, Inc.

// Package probe models outgoing probes and the replies they elicit, and
// pairs the two through a matching key built from exactly the header fields
// an ICMP error quotes back verbatim.
package probe

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/DataDog/multipath-traceroute/packet"
)

// Kind classifies a reply.
type Kind int

const (
	// KindTimeExceeded is an ICMP time-exceeded from an intermediate hop
	KindTimeExceeded Kind = iota
	// KindPortUnreachable is destination-unreachable/port: the target, UDP
	KindPortUnreachable
	// KindDestUnreachable is any other destination-unreachable code
	KindDestUnreachable
	// KindEchoReply is an echo reply: the target, ICMP
	KindEchoReply
	// KindTCPReset is a TCP RST from the target
	KindTCPReset
	// KindTCPSynAck is a TCP SYN-ACK from the target
	KindTCPSynAck
	// KindOther is anything else that still matched a probe
	KindOther
)

func (k Kind) String() string {
	switch k {
	case KindTimeExceeded:
		return "time-exceeded"
	case KindPortUnreachable:
		return "port-unreachable"
	case KindDestUnreachable:
		return "dest-unreachable"
	case KindEchoReply:
		return "echo-reply"
	case KindTCPReset:
		return "tcp-reset"
	case KindTCPSynAck:
		return "tcp-synack"
	}
	return "other"
}

// DestinationReached reports whether this reply kind means the probe made
// it all the way to the target host.
func (k Kind) DestinationReached() bool {
	switch k {
	case KindPortUnreachable, KindEchoReply, KindTCPReset, KindTCPSynAck:
		return true
	}
	return false
}

// Probe owns one packet plus its lifecycle timestamps and an opaque
// back-pointer to the issuing algorithm's context. Once sent, the packet
// bytes are frozen until the probe is released.
type Probe struct {
	Packet *packet.Packet
	SentAt time.Time
	Token  any
}

// TTL reads the probe's hop limit out of the packet.
func (p *Probe) TTL() uint8 {
	v, err := p.Packet.GetField("ttl")
	if err != nil {
		return 0
	}
	return uint8(v.(uint64))
}

// FlowID reads the probe's flow identifier out of the packet.
func (p *Probe) FlowID() uint16 {
	f, err := p.Packet.FlowID()
	if err != nil {
		return 0
	}
	return f
}

// Reply is a parsed response paired (by the runtime) with the probe that
// elicited it.
type Reply struct {
	// From is the address of the responding hop
	From netip.Addr
	Kind Kind
	// ICMPType/ICMPCode are the raw ICMP header values; zero for direct
	// TCP responses
	ICMPType uint8
	ICMPCode uint8
	RecvAt   time.Time
	Key      MatchKey
	// Probe is the matched originating probe; nil until matched
	Probe *Probe
}

// RTT is the reply's round-trip time against its matched probe.
func (r *Reply) RTT() (time.Duration, error) {
	if r.Probe == nil {
		return 0, fmt.Errorf("reply has no matched probe")
	}
	d := r.RecvAt.Sub(r.Probe.SentAt)
	if d <= 0 {
		return 0, fmt.Errorf("non-positive rtt %v", d)
	}
	return d, nil
}
