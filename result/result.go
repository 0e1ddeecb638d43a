// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2025-present Datadog, Inc.

// Package result accumulates traceroute output: replies and stars keyed
// by TTL, rendered as the classic text report or as JSON.
package result

import (
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/DataDog/multipath-traceroute/cache"
	"github.com/DataDog/multipath-traceroute/log"
	"github.com/DataDog/multipath-traceroute/reversedns"
)

type (
	// Results is everything one run produced.
	Results struct {
		RunID       string      `json:"run_id"`
		Params      Params      `json:"params"`
		Source      Source      `json:"source"`
		Destination Destination `json:"destination"`
		Hops        []*Hop      `json:"hops"`
		// Lattice is the rendered multipath lattice; empty outside MDA
		Lattice string `json:"lattice,omitempty"`
		// DestinationReached reports whether any probe made it all the way
		DestinationReached bool `json:"destination_reached"`
	}

	// Params echoes the configuration the run was started with.
	Params struct {
		Algorithm string `json:"algorithm"`
		Protocol  string `json:"protocol"`
		Hostname  string `json:"hostname"`
		Port      int    `json:"port"`
	}

	// Source describes the probing host.
	Source struct {
		IP       string `json:"ip"`
		Port     uint16 `json:"port"`
		PublicIP string `json:"public_ip,omitempty"`
	}

	// Destination describes the target.
	Destination struct {
		Hostname string `json:"hostname"`
		IP       string `json:"ip"`
		Port     uint16 `json:"port"`
	}

	// Hop is one TTL level with its probe outcomes in arrival order.
	Hop struct {
		TTL    int         `json:"ttl"`
		Probes []*HopProbe `json:"probes"`
	}

	// HopProbe is one probe outcome: a reply with its round-trip time, or
	// a star.
	HopProbe struct {
		// IP is the responding hop; empty for a star
		IP string `json:"ip,omitempty"`
		// RTT is milliseconds
		RTT        float64  `json:"rtt,omitempty"`
		FlowID     uint16   `json:"flow_id"`
		ReverseDNS []string `json:"reverse_dns,omitempty"`
		Timeout    bool     `json:"timeout,omitempty"`
	}
)

// New starts an empty result set with a fresh run id.
func New() *Results {
	return &Results{RunID: newBase64UUID()}
}

// hopFor finds or creates the hop for a TTL; hops are kept appendable and
// sorted on Normalize.
func (r *Results) hopFor(ttl int) *Hop {
	for _, h := range r.Hops {
		if h.TTL == ttl {
			return h
		}
	}
	h := &Hop{TTL: ttl}
	r.Hops = append(r.Hops, h)
	return h
}

// AddReply records one reply at a TTL, in arrival order.
func (r *Results) AddReply(ttl int, ip string, rttMs float64, flow uint16) {
	h := r.hopFor(ttl)
	h.Probes = append(h.Probes, &HopProbe{IP: ip, RTT: rttMs, FlowID: flow})
}

// AddTimeout records one unanswered probe at a TTL.
func (r *Results) AddTimeout(ttl int, flow uint16) {
	h := r.hopFor(ttl)
	h.Probes = append(h.Probes, &HopProbe{FlowID: flow, Timeout: true})
}

// Normalize orders hops by TTL; call once after the run terminates.
func (r *Results) Normalize() {
	sort.Slice(r.Hops, func(i, j int) bool { return r.Hops[i].TTL < r.Hops[j].TTL })
}

// EnrichWithReverseDns resolves hostnames for every distinct hop address,
// memoized through the shared cache.
func (r *Results) EnrichWithReverseDns() {
	var mu sync.Mutex
	names := map[string][]string{}

	var g errgroup.Group
	g.SetLimit(8)
	seen := map[string]bool{}
	for _, h := range r.Hops {
		for _, p := range h.Probes {
			ip := p.IP
			if ip == "" || seen[ip] {
				continue
			}
			seen[ip] = true
			g.Go(func() error {
				found, err := cache.Get("rdns:"+ip, func() ([]string, error) {
					return reversedns.GetReverseDns(ip)
				})
				if err != nil {
					log.Debugf("reverse dns for %s failed: %s", ip, err)
					return nil
				}
				mu.Lock()
				names[ip] = found
				mu.Unlock()
				return nil
			})
		}
	}
	g.Wait()

	for _, h := range r.Hops {
		for _, p := range h.Probes {
			if n, ok := names[p.IP]; ok {
				p.ReverseDNS = n
			}
		}
	}
}
