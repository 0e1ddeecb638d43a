// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2025-present Datadog, Inc.

package runner

import (
	"time"

	"github.com/DataDog/multipath-traceroute/mda"
	"github.com/DataDog/multipath-traceroute/traceroute"
)

// Params is the explicit configuration record the engine is started with;
// there are no process-wide options. The CLI resolves flag precedence
// (explicit -I/-T/-U transports beat --protocol) before building it.
type Params struct {
	Hostname string
	// Protocol is udp, tcp or icmp
	Protocol string
	// Algorithm is paris-traceroute or mda
	Algorithm string
	// IPFamily is auto, v4 or v6; auto guesses from the destination
	IPFamily string
	// SrcPort/DstPort zero means the protocol's default
	SrcPort int
	DstPort int
	// TransportShorthand notes -U/-T style selection, which defaults the
	// destination port to the protocol's well-known service instead
	TransportShorthand bool
	MaxTTL             int
	NumProbes          int
	ProbeTimeout       time.Duration
	// MinInterSend is the -z value: seconds up to 10, milliseconds above
	MinInterSend float64
	// Confidence is MDA's alpha
	Confidence float64
	// MaxBranch caps MDA's parallel next-hops per interface
	MaxBranch int

	ReverseDns            bool
	CollectSourcePublicIP bool
	Verbose               bool
}

// DefaultParams fills every option with its documented default.
func DefaultParams() Params {
	return Params{
		Protocol:     "udp",
		Algorithm:    "paris-traceroute",
		IPFamily:     "auto",
		MaxTTL:       traceroute.DefaultMaxTTL,
		NumProbes:    traceroute.DefaultNumProbes,
		ProbeTimeout: traceroute.DefaultPerProbeTimeout,
		Confidence:   mda.DefaultConfidence,
		MaxBranch:    mda.DefaultMaxBranch,
	}
}

// Validate rejects unusable or conflicting settings before any socket is
// opened.
func (p Params) Validate() error {
	if p.Hostname == "" {
		return &ConfigError{Message: "destination required"}
	}
	switch p.Protocol {
	case "udp", "tcp", "icmp":
	default:
		return &ConfigError{Message: "protocol must be udp, tcp or icmp"}
	}
	switch p.Algorithm {
	case "paris-traceroute", "mda":
	default:
		return &ConfigError{Message: "algorithm must be paris-traceroute or mda"}
	}
	switch p.IPFamily {
	case "auto", "v4", "v6":
	default:
		return &ConfigError{Message: "ip family must be auto, v4 or v6"}
	}
	if p.Protocol == "icmp" && (p.SrcPort != 0 || p.DstPort != 0) {
		return &ConfigError{Message: "cannot use --src-port or --dst-port when using icmp tracerouting"}
	}
	if p.SrcPort < 0 || p.SrcPort > 65535 || p.DstPort < 0 || p.DstPort > 65535 {
		return &ConfigError{Message: "ports must be within 0..65535"}
	}
	if p.MaxTTL < 1 || p.MaxTTL > 255 {
		return &ConfigError{Message: "max ttl must be within 1..255"}
	}
	if p.NumProbes < 1 {
		return &ConfigError{Message: "need at least one probe per ttl"}
	}
	if p.ProbeTimeout <= 0 {
		return &ConfigError{Message: "per-probe timeout must be positive"}
	}
	if p.MinInterSend < 0 {
		return &ConfigError{Message: "minimum inter-send interval cannot be negative"}
	}
	if p.Algorithm == "mda" && (p.Confidence <= 0 || p.Confidence >= 1) {
		return &ConfigError{Message: "mda confidence must be within (0, 1)"}
	}
	if p.Algorithm == "mda" && p.MaxBranch < 1 {
		return &ConfigError{Message: "mda max branch must be at least 1"}
	}
	return nil
}

// minInterSend decodes the -z convention: values above 10 are
// milliseconds, everything else seconds (floats allowed).
func (p Params) minInterSend() time.Duration {
	switch {
	case p.MinInterSend <= 0:
		return 0
	case p.MinInterSend > 10:
		return time.Duration(p.MinInterSend * float64(time.Millisecond))
	default:
		return time.Duration(p.MinInterSend * float64(time.Second))
	}
}

// Ports resolves the configured or default port pair for the protocol.
func (p Params) Ports() (src, dst uint16) {
	switch p.Protocol {
	case "udp":
		src = traceroute.UDPDefaultSrcPort
		dst = traceroute.UDPDefaultDstPort
		if p.TransportShorthand {
			dst = traceroute.UDPDstPortUsingU
		}
	case "tcp":
		src = traceroute.TCPDefaultSrcPort
		dst = traceroute.TCPDefaultDstPort
		if p.TransportShorthand {
			dst = traceroute.TCPDstPortUsingT
		}
	case "icmp":
		return 0, 0
	}
	if p.SrcPort != 0 {
		src = uint16(p.SrcPort)
	}
	if p.DstPort != 0 {
		dst = uint16(p.DstPort)
	}
	return src, dst
}
