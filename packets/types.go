// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2025-present Datadog, Inc.

// Package packets owns the raw sockets: a Sink that writes fully-formed IP
// packets and a Source that drains the ICMP (and, for TCP tracerouting,
// TCP) responses. Raw sockets never leave this package.
package packets

import (
	"errors"
	"net/netip"
	"time"
)

// ErrReadTimeout is returned by Source.Read when the deadline passes
// without a packet.
var ErrReadTimeout = errors.New("packet read timed out")

// TransportProto identifies which socket a received packet came in on.
type TransportProto uint8

const (
	// ProtoICMP covers ICMPv4 and ICMPv6
	ProtoICMP TransportProto = iota
	// ProtoTCP is a direct TCP response from the target
	ProtoTCP
)

// Meta describes one received packet.
type Meta struct {
	// From is the peer address as reported by the kernel
	From netip.Addr
	// Proto is the socket the packet arrived on
	Proto TransportProto
	// At is the receive timestamp
	At time.Time
}

// Source receives response packets. For IPv4 the buffer starts at the IP
// header; for IPv6 the kernel strips the IP header and the buffer starts
// at the ICMPv6 (or TCP) header, with the peer address in Meta.
type Source interface {
	// SetPacketFilter restricts what the source hands back
	SetPacketFilter(spec PacketFilterSpec) error
	// SetReadDeadline bounds the next Read
	SetReadDeadline(t time.Time)
	// Read fills buf with one packet; ErrReadTimeout on deadline
	Read(buf []byte) (int, Meta, error)
	Close() error
}

// Sink writes fully-formed packets (buffer starts at the IP header).
type Sink interface {
	WriteTo(buf []byte, addr netip.AddrPort) error
	Close() error
}

// PacketFilterType is which kind of packet filter to enable
type PacketFilterType int

const (
	// FilterTypeICMP passes only the ICMP error/reply types tracerouting cares about
	FilterTypeICMP PacketFilterType = iota
	// FilterTypeICMPAndTCP additionally watches for direct TCP responses
	FilterTypeICMPAndTCP
)

// PacketFilterSpec defines how a packet Source should filter packets.
type PacketFilterSpec struct {
	FilterType PacketFilterType
}

// SourceSinkHandle bundles a platform's Source and Sink implementation.
type SourceSinkHandle struct {
	Source Source
	Sink   Sink
}
