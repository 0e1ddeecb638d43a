// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2025-present Datadog, Inc.

// Package runner wires a configuration record to the probing engine:
// resolve the destination, open the raw sockets, create the loop, run the
// chosen algorithm and fold its event stream into a result set.
package runner

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strings"

	"github.com/DataDog/multipath-traceroute/common"
	"github.com/DataDog/multipath-traceroute/lattice"
	"github.com/DataDog/multipath-traceroute/log"
	"github.com/DataDog/multipath-traceroute/mda"
	"github.com/DataDog/multipath-traceroute/packets"
	"github.com/DataDog/multipath-traceroute/probe"
	"github.com/DataDog/multipath-traceroute/ptloop"
	"github.com/DataDog/multipath-traceroute/publicip"
	"github.com/DataDog/multipath-traceroute/result"
	"github.com/DataDog/multipath-traceroute/traceroute"
)

// RunTraceroute executes one full run against the real network.
func RunTraceroute(ctx context.Context, p Params) (*result.Results, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	target, err := resolveTarget(p.Hostname, p.IPFamily)
	if err != nil {
		return nil, err
	}

	_, dstPort := p.Ports()
	local, conn, err := common.LocalAddrForHost(net.IP(target.AsSlice()), dstPort)
	if err != nil {
		return nil, fmt.Errorf("failed to pick a source address for %s: %w", target, err)
	}
	defer conn.Close()
	srcAddr, ok := common.UnmappedAddrFromSlice(local.IP)
	if !ok {
		return nil, fmt.Errorf("unusable local address %s", local.IP)
	}

	handle, err := packets.NewSourceSink(target)
	if err != nil {
		return nil, wrapSocketError(err)
	}
	defer handle.Source.Close()
	defer handle.Sink.Close()

	filter := packets.PacketFilterSpec{FilterType: packets.FilterTypeICMP}
	if p.Protocol == "tcp" {
		filter.FilterType = packets.FilterTypeICMPAndTCP
	}
	if err := handle.Source.SetPacketFilter(filter); err != nil {
		return nil, wrapSocketError(err)
	}

	return RunWithSockets(ctx, p, target, srcAddr, handle.Source, handle.Sink)
}

// RunWithSockets runs against caller-provided packet I/O; tests drive it
// with a simulated network.
func RunWithSockets(ctx context.Context, p Params, target, src netip.Addr, source packets.Source, sink packets.Sink) (*result.Results, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	srcPort, dstPort := p.Ports()

	res := result.New()
	res.Params = result.Params{
		Algorithm: p.Algorithm,
		Protocol:  p.Protocol,
		Hostname:  p.Hostname,
		Port:      int(dstPort),
	}
	res.Source = result.Source{IP: src.String(), Port: srcPort}
	res.Destination = result.Destination{Hostname: p.Hostname, IP: target.String(), Port: dstPort}

	topts := traceroute.DefaultOptions()
	topts.Protocol = traceroute.Protocol(p.Protocol)
	topts.SrcAddr = src
	topts.DstAddr = target
	topts.SrcPort = srcPort
	topts.DstPort = dstPort
	topts.MaxTTL = uint8(p.MaxTTL)
	topts.NumProbes = p.NumProbes
	topts.PerProbeTimeout = p.ProbeTimeout

	collect := &collector{res: res}
	loop, err := ptloop.New(ptloop.Config{
		Source:       source,
		Sink:         sink,
		LocalAddr:    src,
		Handler:      collect.handle,
		MinInterSend: p.minInterSend(),
	})
	if err != nil {
		return nil, err
	}

	switch p.Algorithm {
	case "mda":
		mopts := mda.DefaultOptions()
		mopts.Traceroute = topts
		mopts.Confidence = p.Confidence
		mopts.MaxBranch = p.MaxBranch
		_, err = loop.AddInstance(ptloop.AlgorithmMDA, mopts)
	default:
		_, err = loop.AddInstance(ptloop.AlgorithmParisTraceroute, topts)
	}
	if err != nil {
		return nil, err
	}

	// context cancellation is the only cross-goroutine input
	loopDone := make(chan struct{})
	defer close(loopDone)
	go func() {
		select {
		case <-ctx.Done():
			loop.Terminate()
		case <-loopDone:
		}
	}()

	if err := loop.Run(); err != nil {
		return nil, err
	}

	res.DestinationReached = collect.destReached
	res.Lattice = collect.latticeDump
	res.Normalize()
	if p.ReverseDns {
		res.EnrichWithReverseDns()
	}
	if p.CollectSourcePublicIP {
		proto := uint(4)
		if !target.Is4() {
			proto = 6
		}
		if ip, err := publicip.NewPublicIPFetcher(proto).GetIP(ctx); err == nil {
			res.Source.PublicIP = ip.String()
		} else {
			log.Debugf("failed to fetch public IP: %s", err)
		}
	}
	return res, nil
}

// collector folds the loop's event stream into the result set, stopping
// the loop when the algorithm terminates.
type collector struct {
	res         *result.Results
	destReached bool
	latticeDump string
}

func (c *collector) handle(l *ptloop.Loop, ev ptloop.Event, _ any) {
	switch e := ev.(type) {
	case ptloop.AlgorithmEvent:
		c.algoEvent(e.Inner)
	case ptloop.AlgorithmTerminated:
		switch r := e.Result.(type) {
		case traceroute.Result:
			c.destReached = r.DestinationReached
		case *lattice.Lattice:
			var sb strings.Builder
			r.Dump(&sb)
			c.latticeDump = sb.String()
		}
		l.RemoveInstance(e.Instance)
		l.Terminate()
	}
}

func (c *collector) algoEvent(ev ptloop.AlgoEvent) {
	switch ie := ev.(type) {
	case traceroute.ProbeReplyEvent:
		c.addReply(int(ie.TTL), ie.Reply)
	case traceroute.ProbeTimeoutEvent:
		c.res.AddTimeout(int(ie.TTL), ie.Probe.FlowID())
	case mda.ProbeReplyEvent:
		c.addReply(int(ie.TTL), ie.Reply)
	case mda.ProbeTimeoutEvent:
		c.res.AddTimeout(int(ie.TTL), ie.Probe.FlowID())
	case mda.NewLinkEvent:
		log.Debugf("new link %s -> %s (flows %v)", ie.Prev, ie.Next, ie.Flows)
	}
}

func (c *collector) addReply(ttl int, r *probe.Reply) {
	rtt, err := r.RTT()
	if err != nil {
		log.Warnf("dropping reply with bad rtt: %s", err)
		return
	}
	c.res.AddReply(ttl, r.From.String(), float64(rtt.Microseconds())/1000.0, r.Probe.FlowID())
	if r.Kind.DestinationReached() {
		c.destReached = true
	}
}

// resolveTarget turns the destination argument into an address of the
// requested family; auto guesses from the destination itself.
func resolveTarget(host, family string) (netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		addr = addr.Unmap()
		if family == "v4" && !addr.Is4() {
			return netip.Addr{}, &ConfigError{Message: fmt.Sprintf("%s is not an IPv4 address", host)}
		}
		if family == "v6" && addr.Is4() {
			return netip.Addr{}, &ConfigError{Message: fmt.Sprintf("%s is not an IPv6 address", host)}
		}
		return addr, nil
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		return netip.Addr{}, &AddressError{Host: host, Err: err}
	}
	for _, ip := range ips {
		addr, ok := common.UnmappedAddrFromSlice(ip)
		if !ok {
			continue
		}
		switch family {
		case "v4":
			if addr.Is4() {
				return addr, nil
			}
		case "v6":
			if !addr.Is4() {
				return addr, nil
			}
		default:
			return addr, nil
		}
	}
	return netip.Addr{}, &AddressError{Host: host, Err: fmt.Errorf("no %s address found", family)}
}
