// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2025-present Datadog, Inc.

package traceroute

import (
	"fmt"

	"github.com/DataDog/multipath-traceroute/packet"
)

// BuildProbe assembles one finalized probe packet: the option's layer
// stack at the given ttl, its flow identifier pinned to flow, and seq
// worked into the headers so probes of a flow stay individually matchable
// (the v4 identification for UDP, the sequence number for TCP and ICMP).
// IPv6 UDP probes carry no per-probe field, so same-flow probes at one ttl
// share a matching key.
func BuildProbe(opts Options, ttl uint8, flow uint16, seq uint16) (*packet.Packet, error) {
	v4 := opts.DstAddr.Is4()
	ipLayer := packet.ProtoIPv6
	if v4 {
		ipLayer = packet.ProtoIPv4
	}

	var transport string
	switch opts.Protocol {
	case ProtocolUDP:
		transport = packet.ProtoUDP
	case ProtocolTCP:
		transport = packet.ProtoTCP
	case ProtocolICMP:
		transport = packet.ProtoICMPv6
		if v4 {
			transport = packet.ProtoICMPv4
		}
	default:
		return nil, fmt.Errorf("unknown protocol %q", opts.Protocol)
	}

	p := packet.New()
	if err := p.SetProtocols(ipLayer, transport); err != nil {
		return nil, err
	}
	// two payload bytes carry the checksum compensator
	if err := p.PayloadResize(2); err != nil {
		return nil, err
	}

	fields := map[string]any{
		"src_ip": opts.SrcAddr,
		"dst_ip": opts.DstAddr,
		"ttl":    ttl,
	}
	switch opts.Protocol {
	case ProtocolUDP:
		fields["src_port"] = opts.SrcPort
		fields["dst_port"] = opts.DstPort
	case ProtocolTCP:
		fields["src_port"] = opts.SrcPort
		fields["dst_port"] = opts.DstPort
		fields["seq"] = uint32(seq)
	case ProtocolICMP:
		fields["identifier"] = opts.ICMPID
		fields["sequence"] = seq
	}
	if v4 {
		// the quoted v4 identification separates same-flow probes
		fields["id"] = seq
	}
	for key, val := range fields {
		if err := p.SetField(key, val); err != nil {
			return nil, fmt.Errorf("failed to set %s: %w", key, err)
		}
	}

	if err := p.Finalize(); err != nil {
		return nil, err
	}
	if err := p.SetFlowID(flow); err != nil {
		return nil, err
	}
	return p, nil
}
