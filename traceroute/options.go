// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2025-present Datadog, Inc.

package traceroute

import (
	"fmt"
	"net/netip"
	"os"
	"time"
)

// Protocol selects the probe transport.
type Protocol string

const (
	ProtocolUDP  Protocol = "udp"
	ProtocolTCP  Protocol = "tcp"
	ProtocolICMP Protocol = "icmp"
)

// Default ports, matching modern traceroute for linux. The -U and -T
// shorthands instead aim at DNS and HTTP so middleboxes let the probes
// through.
const (
	UDPDefaultSrcPort = 33456
	UDPDefaultDstPort = 33457
	UDPDstPortUsingU  = 53

	TCPDefaultSrcPort = 16449
	TCPDefaultDstPort = 16963
	TCPDstPortUsingT  = 80
)

const (
	DefaultMaxTTL          = 30
	DefaultNumProbes       = 3
	DefaultPerProbeTimeout = 5 * time.Second
)

// Options configures one traceroute instance. MDA embeds these.
type Options struct {
	Protocol Protocol
	SrcAddr  netip.Addr
	DstAddr  netip.Addr
	// SrcPort/DstPort are ignored for ICMP
	SrcPort uint16
	DstPort uint16
	// ICMPID is the echo identifier for ICMP probing
	ICMPID          uint16
	MinTTL          uint8
	MaxTTL          uint8
	NumProbes       int
	PerProbeTimeout time.Duration
}

// DefaultOptions returns the standard paris-traceroute settings; the
// caller fills in addresses and ports.
func DefaultOptions() Options {
	return Options{
		Protocol:        ProtocolUDP,
		ICMPID:          uint16(os.Getpid()),
		MinTTL:          1,
		MaxTTL:          DefaultMaxTTL,
		NumProbes:       DefaultNumProbes,
		PerProbeTimeout: DefaultPerProbeTimeout,
	}
}

// Validate rejects option combinations the engine cannot run.
func (o Options) Validate() error {
	if !o.DstAddr.IsValid() || !o.SrcAddr.IsValid() {
		return fmt.Errorf("traceroute needs source and destination addresses")
	}
	if o.SrcAddr.Is4() != o.DstAddr.Is4() {
		return fmt.Errorf("source and destination address families differ")
	}
	switch o.Protocol {
	case ProtocolUDP, ProtocolTCP:
	case ProtocolICMP:
		if o.SrcPort != 0 || o.DstPort != 0 {
			return fmt.Errorf("ports cannot be used with icmp tracerouting")
		}
	default:
		return fmt.Errorf("unknown protocol %q", o.Protocol)
	}
	if o.MinTTL < 1 {
		return fmt.Errorf("min ttl must be at least 1")
	}
	if o.MaxTTL < o.MinTTL {
		return fmt.Errorf("max ttl %d below min ttl %d", o.MaxTTL, o.MinTTL)
	}
	if o.NumProbes < 1 {
		return fmt.Errorf("need at least one probe per ttl")
	}
	if o.PerProbeTimeout <= 0 {
		return fmt.Errorf("per-probe timeout must be positive")
	}
	return nil
}

// FlowID is the constant flow identifier paris-traceroute pins every
// probe to: derived from the port pair, or the echo identifier for ICMP.
func (o Options) FlowID() uint16 {
	var flow uint16
	if o.Protocol == ProtocolICMP {
		flow = o.ICMPID
	} else {
		flow = o.SrcPort ^ o.DstPort
	}
	if flow == 0 {
		flow = 1
	}
	return flow
}
