// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2025-present Datadog, Inc.

package ptloop

import (
	"fmt"
	"time"

	"github.com/DataDog/multipath-traceroute/packet"
	"github.com/DataDog/multipath-traceroute/probe"
)

// AlgorithmID keys the algorithm registry.
type AlgorithmID int

const (
	// AlgorithmParisTraceroute is the constant-flow Paris traceroute
	AlgorithmParisTraceroute AlgorithmID = iota
	// AlgorithmMDA is the multipath detection algorithm
	AlgorithmMDA
)

func (id AlgorithmID) String() string {
	switch id {
	case AlgorithmParisTraceroute:
		return "paris-traceroute"
	case AlgorithmMDA:
		return "mda"
	}
	return fmt.Sprintf("algorithm(%d)", int(id))
}

// Runtime is the loop surface an algorithm drives: probe emission, event
// emission and termination. All calls happen on the loop goroutine.
type Runtime interface {
	// SendProbe hands a finalized packet to the scheduler. The packet is
	// owned by the loop until it comes back as a reply or timeout.
	SendProbe(pkt *packet.Packet, token any, timeout time.Duration) error
	// Emit queues an algorithm event for the user handler
	Emit(ev AlgoEvent)
	// Terminated marks the instance terminal with its final result
	Terminated(result any)
	// SetMaxOutstanding bounds this instance's in-flight probes
	SetMaxOutstanding(n int)
}

// Algorithm is a probing algorithm driven by the loop.
type Algorithm interface {
	// Start issues the initial probes
	Start(rt Runtime) error
	// HandleReply processes a matched reply (reply.Probe is set)
	HandleReply(rt Runtime, r *probe.Reply)
	// HandleTimeout processes a probe that got no reply in time
	HandleTimeout(rt Runtime, p *probe.Probe)
	// Stop tears the algorithm down; no calls follow it
	Stop(rt Runtime)
}

// Builder constructs an algorithm from its options record.
type Builder func(opts any) (Algorithm, error)

var registry = map[AlgorithmID]Builder{}

// Register installs a Builder; algorithm packages call it from init.
func Register(id AlgorithmID, b Builder) {
	registry[id] = b
}

func build(id AlgorithmID, opts any) (Algorithm, error) {
	b, ok := registry[id]
	if !ok {
		return nil, fmt.Errorf("unknown algorithm %s", id)
	}
	return b(opts)
}

// Instance is one running algorithm sharing the loop: its state, its
// outbound event queue and the handle used to stop it.
type Instance struct {
	id   AlgorithmID
	algo Algorithm
	loop *Loop

	queue          []AlgoEvent
	outstanding    int
	maxOutstanding int
	terminated     bool
	termEmitted    bool
	stopped        bool
	result         any
}

var _ Runtime = &Instance{}

// ID returns the instance's algorithm identifier.
func (in *Instance) ID() AlgorithmID {
	return in.id
}

// SendProbe implements Runtime.
func (in *Instance) SendProbe(pkt *packet.Packet, token any, timeout time.Duration) error {
	if in.stopped {
		return fmt.Errorf("instance %s is stopped", in.id)
	}
	return in.loop.enqueueProbe(in, pkt, token, timeout)
}

// Emit implements Runtime.
func (in *Instance) Emit(ev AlgoEvent) {
	in.queue = append(in.queue, ev)
}

// Terminated implements Runtime.
func (in *Instance) Terminated(result any) {
	in.terminated = true
	in.result = result
}

// SetMaxOutstanding implements Runtime.
func (in *Instance) SetMaxOutstanding(n int) {
	if n > 0 {
		in.maxOutstanding = n
	}
}
