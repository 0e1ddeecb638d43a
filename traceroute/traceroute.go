// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2025-present Datadog, Inc.

// Package traceroute implements the Paris traceroute algorithm: every
// probe of a TTL level carries the same flow identifier, so per-flow load
// balancers forward them all along one deterministic path and the phantom
// branches of classic traceroute never appear.
package traceroute

import (
	"fmt"

	"github.com/DataDog/multipath-traceroute/probe"
	"github.com/DataDog/multipath-traceroute/ptloop"
)

func init() {
	ptloop.Register(ptloop.AlgorithmParisTraceroute, func(opts any) (ptloop.Algorithm, error) {
		o, ok := opts.(Options)
		if !ok {
			return nil, fmt.Errorf("paris-traceroute wants traceroute.Options, got %T", opts)
		}
		return NewParisTraceroute(o)
	})
}

// ProbeReplyEvent reports one reply at a TTL level, in arrival order.
type ProbeReplyEvent struct {
	TTL   uint8
	Reply *probe.Reply
}

func (ProbeReplyEvent) AlgoEventName() string { return "traceroute-probe-reply" }

// ProbeTimeoutEvent reports one probe that went unanswered.
type ProbeTimeoutEvent struct {
	TTL   uint8
	Probe *probe.Probe
}

func (ProbeTimeoutEvent) AlgoEventName() string { return "traceroute-probe-timeout" }

// Result is the terminal state handed out with AlgorithmTerminated.
type Result struct {
	// DestinationReached is false when the hop limit ran out first
	DestinationReached bool
	// LastTTL is the deepest level probed
	LastTTL uint8
}

// parisTraceroute walks TTL levels one at a time: send NumProbes fixed-flow
// probes, wait until each one replied or timed out, then either stop at the
// destination or move one hop deeper.
type parisTraceroute struct {
	opts        Options
	flow        uint16
	ttl         uint8
	seq         uint16
	inflight    int
	destReached bool
	done        bool
}

// NewParisTraceroute builds the algorithm for AddInstance.
func NewParisTraceroute(opts Options) (ptloop.Algorithm, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &parisTraceroute{opts: opts, flow: opts.FlowID()}, nil
}

func (t *parisTraceroute) Start(rt ptloop.Runtime) error {
	rt.SetMaxOutstanding(8 * t.opts.NumProbes)
	t.ttl = t.opts.MinTTL
	return t.sendLevel(rt)
}

// sendLevel issues the whole probe budget for the current TTL. The flow
// identifier never changes; the sequence does, so replies stay matchable
// probe by probe.
func (t *parisTraceroute) sendLevel(rt ptloop.Runtime) error {
	for i := 0; i < t.opts.NumProbes; i++ {
		t.seq++
		pkt, err := BuildProbe(t.opts, t.ttl, t.flow, t.seq)
		if err != nil {
			return fmt.Errorf("failed to build probe for ttl %d: %w", t.ttl, err)
		}
		if err := rt.SendProbe(pkt, t.ttl, t.opts.PerProbeTimeout); err != nil {
			return err
		}
		t.inflight++
	}
	return nil
}

func (t *parisTraceroute) HandleReply(rt ptloop.Runtime, r *probe.Reply) {
	if t.done {
		return
	}
	ttl := r.Probe.TTL()
	rt.Emit(ProbeReplyEvent{TTL: ttl, Reply: r})
	if r.Kind.DestinationReached() || r.From == t.opts.DstAddr {
		t.destReached = true
	}
	t.inflight--
	t.advance(rt)
}

func (t *parisTraceroute) HandleTimeout(rt ptloop.Runtime, p *probe.Probe) {
	if t.done {
		return
	}
	rt.Emit(ProbeTimeoutEvent{TTL: p.TTL(), Probe: p})
	t.inflight--
	t.advance(rt)
}

// advance classifies a finished level: stop at the destination or the hop
// limit, otherwise move to the next TTL. Lost probes are never retried
// beyond the level's budget.
func (t *parisTraceroute) advance(rt ptloop.Runtime) {
	if t.inflight > 0 {
		return
	}
	if t.destReached || t.ttl >= t.opts.MaxTTL {
		t.done = true
		rt.Terminated(Result{DestinationReached: t.destReached, LastTTL: t.ttl})
		return
	}
	t.ttl++
	if err := t.sendLevel(rt); err != nil {
		// the level could not be issued at all; report what we have
		t.done = true
		rt.Terminated(Result{DestinationReached: false, LastTTL: t.ttl - 1})
	}
}

func (t *parisTraceroute) Stop(ptloop.Runtime) {
	t.done = true
}
