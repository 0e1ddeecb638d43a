// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2025-present Datadog, Inc.

//go:build linux

package common

import (
	"net"

	"github.com/vishvananda/netlink"
)

// RouteInfo is the kernel's answer for how to reach a destination.
type RouteInfo struct {
	// SrcIP is the source address the route would stamp on packets
	SrcIP net.IP
	// InterfaceIndex is the outgoing interface
	InterfaceIndex int
	// Gateway is the next-hop gateway, if any
	Gateway net.IP
}

// GetRouteInfo queries the routing table over netlink; when netlink has
// nothing useful (odd interface setups), it falls back to the UDP-dial
// trick.
func GetRouteInfo(destIP net.IP) (*RouteInfo, error) {
	routes, err := netlink.RouteGet(destIP)
	if err != nil || len(routes) == 0 {
		return routeInfoFallback(destIP)
	}

	route := routes[0]
	if route.Src == nil {
		return routeInfoFallback(destIP)
	}
	return &RouteInfo{
		SrcIP:          route.Src,
		InterfaceIndex: route.LinkIndex,
		Gateway:        route.Gw,
	}, nil
}

func routeInfoFallback(destIP net.IP) (*RouteInfo, error) {
	addr, conn, err := LocalAddrForHost(destIP, 33457)
	if err != nil {
		return nil, err
	}
	conn.Close()
	return &RouteInfo{SrcIP: addr.IP}, nil
}
