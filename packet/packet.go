// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2025-present Datadog, Inc.

// Package packet builds layered probe packets byte-exactly: a contiguous
// buffer, a stack of protocol descriptors with per-layer offsets, and typed
// field cursors so callers never handle raw offsets. Its defining operation
// is SetFlowID, which pins the transport checksum to a caller-chosen value
// by tuning two payload bytes (the checksum compensator), letting the
// checksum double as a covert flow identifier for per-flow load balancers.
package packet

import (
	"errors"
	"fmt"
	"net/netip"
	"slices"
)

var (
	// ErrProtocol reports an unknown layer name or an invalid layer stack
	ErrProtocol = errors.New("unsupported protocol stack")
	// ErrUnknownField reports a field key no layer exposes
	ErrUnknownField = errors.New("unknown field")
	// ErrFieldType reports a value whose type does not match the field
	ErrFieldType = errors.New("field type mismatch")
	// ErrDirty reports use of packet bytes after a write without Finalize
	ErrDirty = errors.New("packet modified since last finalize")
	// ErrNoFlow reports a flow-id operation on a stack without a flow carrier
	ErrNoFlow = errors.New("packet has no flow identifier carrier")
)

type layer struct {
	proto *Protocol
	off   int
}

// Packet is a probe packet under construction: one contiguous buffer plus
// the ordered list of layers laid out in it. Layer offsets are strictly
// increasing and the buffer length is the sum of the header sizes plus the
// payload.
type Packet struct {
	buf        []byte
	layers     []layer
	payloadOff int
	dirty      bool
	finalized  bool
}

// New returns an empty packet; call SetProtocols before anything else.
func New() *Packet {
	return &Packet{}
}

// SetProtocols lays out the given layer stack ("ipv4", "udp", ...) in a
// fresh buffer, writes each layer's defaults and records the offsets. Any
// previous contents are discarded. The payload starts empty.
func (p *Packet) SetProtocols(names ...string) error {
	stack, err := validateStack(names)
	if err != nil {
		return err
	}
	total := 0
	for _, pr := range stack {
		total += pr.HeaderLen
	}
	p.buf = make([]byte, total)
	p.layers = p.layers[:0]
	off := 0
	for _, pr := range stack {
		p.layers = append(p.layers, layer{proto: pr, off: off})
		seg := p.buf[off : off+pr.HeaderLen]
		for _, d := range pr.Fields {
			if d.Default != 0 {
				d.writeUint(seg, d.Default)
			}
		}
		off += pr.HeaderLen
	}
	p.payloadOff = off
	p.dirty = true
	p.finalized = false
	return nil
}

// Protocols returns the layer names in stacking order.
func (p *Packet) Protocols() []string {
	names := make([]string, len(p.layers))
	for i, l := range p.layers {
		names[i] = l.proto.Name
	}
	return names
}

// HasLayer reports whether the stack contains the named layer.
func (p *Packet) HasLayer(name string) bool {
	return slices.Contains(p.Protocols(), name)
}

func (p *Packet) layerBytes(li int) []byte {
	if li+1 < len(p.layers) {
		return p.buf[p.layers[li].off:p.layers[li+1].off]
	}
	// the last layer owns the payload for checksum purposes
	return p.buf[p.layers[li].off:]
}

// findField locates the first layer exposing key.
func (p *Packet) findField(key string) (int, FieldDesc, error) {
	for li, l := range p.layers {
		if d, ok := l.proto.field(key); ok {
			return li, d, nil
		}
	}
	return 0, FieldDesc{}, fmt.Errorf("%w: %q", ErrUnknownField, key)
}

// SetField writes value into the first layer exposing key. Integers are
// stored in network byte order. The packet becomes dirty until the next
// Finalize.
func (p *Packet) SetField(key string, value any) error {
	li, d, err := p.findField(key)
	if err != nil {
		return err
	}
	seg := p.buf[p.layers[li].off:]
	switch d.Kind {
	case KindAddr4, KindAddr6:
		addr, ok := value.(netip.Addr)
		if !ok {
			return fmt.Errorf("%w: %q wants netip.Addr, got %T", ErrFieldType, key, value)
		}
		if err := checkAddrKind(d, addr.Unmap()); err != nil {
			return fmt.Errorf("%w: %s", ErrFieldType, err)
		}
		copy(seg[d.Offset:], addr.Unmap().AsSlice())
	case KindBytes:
		b, ok := value.([]byte)
		if !ok || len(b) != d.width() {
			return fmt.Errorf("%w: %q wants %d bytes", ErrFieldType, key, d.width())
		}
		copy(seg[d.Offset:], b)
	default:
		v, ok := coerceUint(value)
		if !ok || v > maxFieldValue(d) {
			return fmt.Errorf("%w: %q cannot hold %v", ErrFieldType, key, value)
		}
		d.writeUint(seg, v)
	}
	p.dirty = true
	return nil
}

// GetField reads the named field back out of the buffer. Integer fields
// come back as uint64, addresses as netip.Addr.
func (p *Packet) GetField(key string) (any, error) {
	li, d, err := p.findField(key)
	if err != nil {
		return nil, err
	}
	seg := p.buf[p.layers[li].off:]
	switch d.Kind {
	case KindAddr4:
		var a [4]byte
		copy(a[:], seg[d.Offset:])
		return netip.AddrFrom4(a), nil
	case KindAddr6:
		var a [16]byte
		copy(a[:], seg[d.Offset:])
		return netip.AddrFrom16(a), nil
	case KindBytes:
		out := make([]byte, d.width())
		copy(out, seg[d.Offset:])
		return out, nil
	default:
		return d.readUint(seg), nil
	}
}

// Uint16Field is GetField for callers that know the field is integral.
func (p *Packet) Uint16Field(key string) (uint16, error) {
	v, err := p.GetField(key)
	if err != nil {
		return 0, err
	}
	u, ok := v.(uint64)
	if !ok {
		return 0, fmt.Errorf("%w: %q is not integral", ErrFieldType, key)
	}
	return uint16(u), nil
}

// AddrField is GetField for address-typed fields.
func (p *Packet) AddrField(key string) (netip.Addr, error) {
	v, err := p.GetField(key)
	if err != nil {
		return netip.Addr{}, err
	}
	a, ok := v.(netip.Addr)
	if !ok {
		return netip.Addr{}, fmt.Errorf("%w: %q is not an address", ErrFieldType, key)
	}
	return a, nil
}

// PayloadResize grows or shrinks the payload to n bytes, zero-filled.
// Checksums are invalid until the next Finalize.
func (p *Packet) PayloadResize(n int) error {
	if len(p.layers) == 0 {
		return fmt.Errorf("%w: no layers", ErrProtocol)
	}
	cur := len(p.buf) - p.payloadOff
	switch {
	case n > cur:
		p.buf = append(p.buf, make([]byte, n-cur)...)
	case n < cur:
		p.buf = p.buf[:p.payloadOff+n]
	}
	p.dirty = true
	return nil
}

// Payload returns the payload bytes (aliasing the buffer).
func (p *Packet) Payload() []byte {
	return p.buf[p.payloadOff:]
}

// Len is the full on-wire length.
func (p *Packet) Len() int {
	return len(p.buf)
}

// Finalize writes every derived field: lengths, next-protocol numbers and
// checksums, innermost layer first so outer checksums cover final bytes.
func (p *Packet) Finalize() error {
	for li := len(p.layers) - 1; li >= 0; li-- {
		if err := p.layers[li].proto.finalize(p, li); err != nil {
			return err
		}
	}
	p.dirty = false
	p.finalized = true
	return nil
}

// ipPair returns the source and destination addresses of the IP layer
// below layer li.
func (p *Packet) ipPair(li int) (netip.Addr, netip.Addr, error) {
	if li == 0 {
		return netip.Addr{}, netip.Addr{}, fmt.Errorf("%w: transport layer at bottom", ErrProtocol)
	}
	below := p.layers[li-1]
	seg := p.buf[below.off:]
	src, _ := below.proto.field("src_ip")
	dst, _ := below.proto.field("dst_ip")
	if src.Kind == KindAddr4 {
		var a, b [4]byte
		copy(a[:], seg[src.Offset:])
		copy(b[:], seg[dst.Offset:])
		return netip.AddrFrom4(a), netip.AddrFrom4(b), nil
	}
	var a, b [16]byte
	copy(a[:], seg[src.Offset:])
	copy(b[:], seg[dst.Offset:])
	return netip.AddrFrom16(a), netip.AddrFrom16(b), nil
}

// flowLayer returns the index of the layer that carries the flow id
// (the transport checksum).
func (p *Packet) flowLayer() (int, error) {
	for li := len(p.layers) - 1; li > 0; li-- {
		switch p.layers[li].proto.Name {
		case ProtoUDP, ProtoTCP, ProtoICMPv4, ProtoICMPv6:
			return li, nil
		}
	}
	return 0, ErrNoFlow
}

// SetFlowID pins the transport checksum to flow by choosing the first two
// payload bytes so the checksum computes to exactly that value, then
// re-finalizes only the affected layers. The payload must be at least two
// bytes. flow zero is rejected for UDP, where a zero checksum means
// "no checksum" on the wire.
func (p *Packet) SetFlowID(flow uint16) error {
	li, err := p.flowLayer()
	if err != nil {
		return err
	}
	proto := p.layers[li].proto
	if flow == 0 && proto.Name == ProtoUDP {
		return fmt.Errorf("%w: flow id 0 is reserved on udp", ErrNoFlow)
	}
	if len(p.buf)-p.payloadOff < 2 {
		return fmt.Errorf("%w: need 2 payload bytes for the compensator", ErrNoFlow)
	}

	seg := p.layerBytes(li)
	chk, _ := proto.field("checksum")
	chk.writeUint(seg, 0)
	comp := p.buf[p.payloadOff : p.payloadOff+2]
	comp[0], comp[1] = 0, 0

	if proto.Name == ProtoUDP {
		length, _ := proto.field("length")
		length.writeUint(seg, uint64(len(seg)))
	}

	var base uint16
	switch proto.Name {
	case ProtoICMPv4:
		base = fold(onesSum(seg))
	default:
		src, dst, err := p.ipPair(li)
		if err != nil {
			return err
		}
		base = fold(pseudoHeaderSum(src, dst, proto.Number, len(seg)) + onesSum(seg))
	}

	// checksum = ^(base ⊕ comp); solve for comp so checksum == flow
	c := onesSub(^flow, base)
	comp[0], comp[1] = byte(c>>8), byte(c)
	chk.writeUint(seg, uint64(flow))

	// the IP header is unaffected except v4's checksum over its own bytes;
	// re-finalize the network layer to keep the invariant simple
	if err := p.layers[0].proto.finalize(p, 0); err != nil {
		return err
	}
	if p.finalized {
		p.dirty = false
	}
	return nil
}

// FlowID reads the flow identifier: the transport checksum.
func (p *Packet) FlowID() (uint16, error) {
	li, err := p.flowLayer()
	if err != nil {
		return 0, err
	}
	seg := p.layerBytes(li)
	chk, _ := p.layers[li].proto.field("checksum")
	return uint16(chk.readUint(seg)), nil
}

// Bytes returns the on-wire buffer. A packet written to after Finalize is
// dirty; sending it would put stale checksums on the wire, so Bytes fails.
func (p *Packet) Bytes() ([]byte, error) {
	if p.dirty || !p.finalized {
		return nil, ErrDirty
	}
	return p.buf, nil
}

// Clone deep-copies the packet; the clone shares no memory with p.
func (p *Packet) Clone() *Packet {
	dup := &Packet{
		buf:        slices.Clone(p.buf),
		layers:     slices.Clone(p.layers),
		payloadOff: p.payloadOff,
		dirty:      p.dirty,
		finalized:  p.finalized,
	}
	return dup
}
