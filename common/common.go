// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2025-present Datadog, Inc.

// Package common holds shared constants and source-address discovery for
// the probing engine.
package common

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
)

// Engine-wide defaults exposed to the CLI and embedders.
const (
	DefaultProtocol   = "udp"
	DefaultAlgorithm  = "paris-traceroute"
	DefaultMaxTTL     = 30
	DefaultNumProbes  = 3
	DefaultTimeoutSec = 5
)

// LocalAddrForHost returns the local address the OS would use to reach
// destIP. Dialing UDP makes the kernel pick a source without sending a
// packet; the caller closes the returned conn once the port is no longer
// needed.
func LocalAddrForHost(destIP net.IP, destPort uint16) (*net.UDPAddr, net.Conn, error) {
	conn, err := net.Dial("udp", net.JoinHostPort(destIP.String(), strconv.Itoa(int(destPort))))
	if err != nil {
		return nil, nil, err
	}
	localAddr := conn.LocalAddr()

	localUDPAddr, ok := localAddr.(*net.UDPAddr)
	if !ok {
		conn.Close()
		return nil, nil, fmt.Errorf("invalid address type for %s: want %T, got %T", localAddr, localUDPAddr, localAddr)
	}

	// a loopback destination must be probed from a loopback source or the
	// replies never route back
	if destIP.IsLoopback() && !localUDPAddr.IP.IsLoopback() {
		if destIP.To4() != nil {
			localUDPAddr.IP = net.IPv4(127, 0, 0, 1)
		} else {
			localUDPAddr.IP = net.IPv6loopback
		}
	}

	return localUDPAddr, conn, nil
}

// UnmappedAddrFromSlice is netip.AddrFromSlice plus unmapping of
// 4-in-6 addresses.
func UnmappedAddrFromSlice(slice []byte) (netip.Addr, bool) {
	addr, ok := netip.AddrFromSlice(slice)
	return addr.Unmap(), ok
}
