// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2025-present Datadog, Inc.

package packet

import (
	"encoding/binary"
	"fmt"
)

// Protocol names accepted by Packet.SetProtocols.
const (
	ProtoIPv4   = "ipv4"
	ProtoIPv6   = "ipv6"
	ProtoUDP    = "udp"
	ProtoTCP    = "tcp"
	ProtoICMPv4 = "icmpv4"
	ProtoICMPv6 = "icmpv6"
)

// IP protocol numbers
const (
	ipProtoICMPv4 = 1
	ipProtoTCP    = 6
	ipProtoUDP    = 17
	ipProtoICMPv6 = 58
)

// Protocol is the static descriptor of one header layer: its length, its
// named fields, what it may be stacked on, and how to finalize it (derived
// lengths, protocol numbers, checksum). Descriptors are process-wide
// read-only data.
type Protocol struct {
	Name      string
	Number    uint8 // IP protocol number; 0 for network layers
	HeaderLen int
	Fields    []FieldDesc
	Over      []string // layer names this protocol may sit on; nil = bottom only
	finalize  func(p *Packet, li int) error
}

func (pr *Protocol) field(key string) (FieldDesc, bool) {
	for _, d := range pr.Fields {
		if d.Key == key {
			return d, true
		}
	}
	return FieldDesc{}, false
}

func (pr *Protocol) canSitOn(below string) bool {
	for _, name := range pr.Over {
		if name == below {
			return true
		}
	}
	return false
}

var protocols = map[string]*Protocol{
	ProtoIPv4: {
		Name:      ProtoIPv4,
		HeaderLen: 20,
		Fields: []FieldDesc{
			{Key: "version", Kind: KindU4, Offset: 0, Shift: 4, Mask: 0xf0, Default: 4},
			{Key: "ihl", Kind: KindU4, Offset: 0, Shift: 0, Mask: 0x0f, Default: 5},
			{Key: "tos", Kind: KindU8, Offset: 1},
			{Key: "length", Kind: KindU16, Offset: 2},
			{Key: "id", Kind: KindU16, Offset: 4},
			// don't-fragment by default, as the sender never retransmits
			{Key: "fragoff", Kind: KindU16, Offset: 6, Default: 0x4000},
			{Key: "ttl", Kind: KindU8, Offset: 8, Default: 64},
			{Key: "protocol", Kind: KindU8, Offset: 9},
			{Key: "checksum", Kind: KindU16, Offset: 10},
			{Key: "src_ip", Kind: KindAddr4, Offset: 12},
			{Key: "dst_ip", Kind: KindAddr4, Offset: 16},
		},
		finalize: finalizeIPv4,
	},
	ProtoIPv6: {
		Name:      ProtoIPv6,
		HeaderLen: 40,
		Fields: []FieldDesc{
			{Key: "version", Kind: KindU4, Offset: 0, Shift: 4, Mask: 0xf0, Default: 6},
			{Key: "traffic_class", Kind: KindU32, Offset: 0, Shift: 20, Mask: 0x0ff00000},
			{Key: "flow_label", Kind: KindU32, Offset: 0, Shift: 0, Mask: 0x000fffff},
			{Key: "length", Kind: KindU16, Offset: 4},
			{Key: "next_header", Kind: KindU8, Offset: 6},
			// hop limit, the v6 spelling of ttl; exposed under the same key
			// so algorithms stay family-agnostic
			{Key: "ttl", Kind: KindU8, Offset: 7, Default: 64},
			{Key: "src_ip", Kind: KindAddr6, Offset: 8},
			{Key: "dst_ip", Kind: KindAddr6, Offset: 24},
		},
		finalize: finalizeIPv6,
	},
	ProtoUDP: {
		Name:      ProtoUDP,
		Number:    ipProtoUDP,
		HeaderLen: 8,
		Over:      []string{ProtoIPv4, ProtoIPv6},
		Fields: []FieldDesc{
			{Key: "src_port", Kind: KindU16, Offset: 0},
			{Key: "dst_port", Kind: KindU16, Offset: 2},
			{Key: "length", Kind: KindU16, Offset: 4},
			{Key: "checksum", Kind: KindU16, Offset: 6},
		},
		finalize: finalizeUDP,
	},
	ProtoTCP: {
		Name:      ProtoTCP,
		Number:    ipProtoTCP,
		HeaderLen: 20,
		Over:      []string{ProtoIPv4, ProtoIPv6},
		Fields: []FieldDesc{
			{Key: "src_port", Kind: KindU16, Offset: 0},
			{Key: "dst_port", Kind: KindU16, Offset: 2},
			{Key: "seq", Kind: KindU32, Offset: 4},
			{Key: "ack", Kind: KindU32, Offset: 8},
			{Key: "data_off", Kind: KindU4, Offset: 12, Shift: 4, Mask: 0xf0, Default: 5},
			// SYN probes, like a connection attempt the target may answer
			{Key: "flags", Kind: KindU8, Offset: 13, Default: 0x02},
			{Key: "window", Kind: KindU16, Offset: 14, Default: 5840},
			{Key: "checksum", Kind: KindU16, Offset: 16},
			{Key: "urgent", Kind: KindU16, Offset: 18},
		},
		finalize: finalizeTCP,
	},
	ProtoICMPv4: {
		Name:      ProtoICMPv4,
		Number:    ipProtoICMPv4,
		HeaderLen: 8,
		Over:      []string{ProtoIPv4},
		Fields: []FieldDesc{
			{Key: "type", Kind: KindU8, Offset: 0, Default: 8},
			{Key: "code", Kind: KindU8, Offset: 1},
			{Key: "checksum", Kind: KindU16, Offset: 2},
			{Key: "identifier", Kind: KindU16, Offset: 4},
			{Key: "sequence", Kind: KindU16, Offset: 6},
		},
		finalize: finalizeICMPv4,
	},
	ProtoICMPv6: {
		Name:      ProtoICMPv6,
		Number:    ipProtoICMPv6,
		HeaderLen: 8,
		Over:      []string{ProtoIPv6},
		Fields: []FieldDesc{
			{Key: "type", Kind: KindU8, Offset: 0, Default: 128},
			{Key: "code", Kind: KindU8, Offset: 1},
			{Key: "checksum", Kind: KindU16, Offset: 2},
			{Key: "identifier", Kind: KindU16, Offset: 4},
			{Key: "sequence", Kind: KindU16, Offset: 6},
		},
		finalize: finalizeICMPv6,
	},
}

func protocolByName(name string) (*Protocol, bool) {
	pr, ok := protocols[name]
	return pr, ok
}

func finalizeIPv4(p *Packet, li int) error {
	layer := p.layerBytes(li)
	desc := p.layers[li].proto
	length, _ := desc.field("length")
	length.writeUint(layer, uint64(len(p.buf)-p.layers[li].off))
	if li+1 < len(p.layers) {
		proto, _ := desc.field("protocol")
		proto.writeUint(layer, uint64(p.layers[li+1].proto.Number))
	}
	chk, _ := desc.field("checksum")
	chk.writeUint(layer, 0)
	chk.writeUint(layer, uint64(Checksum(layer[:desc.HeaderLen])))
	return nil
}

func finalizeIPv6(p *Packet, li int) error {
	layer := p.layerBytes(li)
	desc := p.layers[li].proto
	length, _ := desc.field("length")
	length.writeUint(layer, uint64(len(p.buf)-p.layers[li].off-desc.HeaderLen))
	if li+1 < len(p.layers) {
		next, _ := desc.field("next_header")
		next.writeUint(layer, uint64(p.layers[li+1].proto.Number))
	}
	return nil
}

func finalizeTransport(p *Packet, li int, zeroToFF bool) error {
	src, dst, err := p.ipPair(li)
	if err != nil {
		return err
	}
	layer := p.layerBytes(li)
	desc := p.layers[li].proto
	if desc.Name == ProtoUDP {
		length, _ := desc.field("length")
		length.writeUint(layer, uint64(len(layer)))
	}
	chk, _ := desc.field("checksum")
	chk.writeUint(layer, 0)
	sum := transportChecksum(src, dst, desc.Number, layer)
	if sum == 0 && zeroToFF {
		sum = 0xffff
	}
	chk.writeUint(layer, uint64(sum))
	return nil
}

func finalizeUDP(p *Packet, li int) error {
	// transmitted zero means "no checksum" for UDP
	return finalizeTransport(p, li, true)
}

func finalizeTCP(p *Packet, li int) error {
	return finalizeTransport(p, li, false)
}

func finalizeICMPv4(p *Packet, li int) error {
	layer := p.layerBytes(li)
	desc := p.layers[li].proto
	chk, _ := desc.field("checksum")
	chk.writeUint(layer, 0)
	binary.BigEndian.PutUint16(layer[2:], Checksum(layer))
	return nil
}

func finalizeICMPv6(p *Packet, li int) error {
	return finalizeTransport(p, li, false)
}

func validateStack(names []string) ([]*Protocol, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: empty layer stack", ErrProtocol)
	}
	stack := make([]*Protocol, 0, len(names))
	for i, name := range names {
		pr, ok := protocolByName(name)
		if !ok {
			return nil, fmt.Errorf("%w: unknown protocol %q", ErrProtocol, name)
		}
		if i == 0 {
			if pr.Over != nil {
				return nil, fmt.Errorf("%w: %q cannot be the bottom layer", ErrProtocol, name)
			}
		} else if !pr.canSitOn(names[i-1]) {
			return nil, fmt.Errorf("%w: %q cannot sit on %q", ErrProtocol, name, names[i-1])
		}
		stack = append(stack, pr)
	}
	return stack, nil
}
