// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2025-present Datadog, Inc.

//go:build !linux

package common

import (
	"net"
)

// RouteInfo is the kernel's answer for how to reach a destination.
type RouteInfo struct {
	SrcIP          net.IP
	InterfaceIndex int
	Gateway        net.IP
}

// GetRouteInfo uses the UDP-dial trick on platforms without netlink.
func GetRouteInfo(destIP net.IP) (*RouteInfo, error) {
	addr, conn, err := LocalAddrForHost(destIP, 33457)
	if err != nil {
		return nil, err
	}
	conn.Close()
	return &RouteInfo{SrcIP: addr.IP}, nil
}
