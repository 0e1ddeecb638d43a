// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2025-present Datadog, Inc.

// Package mda implements the Multipath Detection Algorithm: per-TTL
// probing with fresh flow identifiers until the stopping rule bounds the
// probability of having missed a parallel next-hop, assembling the
// discovered interfaces into a lattice.
package mda

import (
	"fmt"
	"slices"

	"github.com/DataDog/multipath-traceroute/lattice"
	"github.com/DataDog/multipath-traceroute/log"
	"github.com/DataDog/multipath-traceroute/probe"
	"github.com/DataDog/multipath-traceroute/ptloop"
	"github.com/DataDog/multipath-traceroute/traceroute"
)

func init() {
	ptloop.Register(ptloop.AlgorithmMDA, func(opts any) (ptloop.Algorithm, error) {
		o, ok := opts.(Options)
		if !ok {
			return nil, fmt.Errorf("mda wants mda.Options, got %T", opts)
		}
		return New(o)
	})
}

const (
	// DefaultConfidence is alpha, the accepted per-interface probability
	// of missing a next-hop
	DefaultConfidence = 0.05
	// DefaultMaxBranch caps the parallel next-hops enumerated per interface
	DefaultMaxBranch = 16
)

// Options configures an MDA instance; it embeds the traceroute options
// the way the traceroute CLI's mda options extend the common ones.
type Options struct {
	Traceroute traceroute.Options
	// Confidence is alpha; 0 < alpha < 1
	Confidence float64
	// MaxBranch caps parallel next-hops per interface
	MaxBranch int
	// FlowMin/FlowMax bound the flow identifier pool
	FlowMin, FlowMax uint16
}

// DefaultOptions returns MDA defaults; the caller fills in addresses.
func DefaultOptions() Options {
	return Options{
		Traceroute: traceroute.DefaultOptions(),
		Confidence: DefaultConfidence,
		MaxBranch:  DefaultMaxBranch,
		FlowMin:    1,
		FlowMax:    0xffff,
	}
}

// Validate rejects unusable MDA settings.
func (o Options) Validate() error {
	if err := o.Traceroute.Validate(); err != nil {
		return err
	}
	if o.Confidence <= 0 || o.Confidence >= 1 {
		return fmt.Errorf("mda confidence must be within (0, 1), got %v", o.Confidence)
	}
	if o.MaxBranch < 1 {
		return fmt.Errorf("mda max branch must be at least 1")
	}
	if o.FlowMin > o.FlowMax {
		return fmt.Errorf("empty flow identifier range %d-%d", o.FlowMin, o.FlowMax)
	}
	return nil
}

// NewLinkEvent reports a lattice edge seen for the first time.
type NewLinkEvent struct {
	Prev, Next *lattice.Node
	Flows      []uint16
}

func (NewLinkEvent) AlgoEventName() string { return "mda-new-link" }

// ProbeReplyEvent reports one matched reply.
type ProbeReplyEvent struct {
	TTL   uint8
	Reply *probe.Reply
}

func (ProbeReplyEvent) AlgoEventName() string { return "mda-probe-reply" }

// ProbeTimeoutEvent reports one unanswered probe.
type ProbeTimeoutEvent struct {
	TTL   uint8
	Probe *probe.Probe
}

func (ProbeTimeoutEvent) AlgoEventName() string { return "mda-probe-timeout" }

// probeToken rides along on every probe so replies and timeouts land back
// in the right bookkeeping.
type probeToken struct {
	ttl  uint8
	flow uint16
	// enumerate probes extend a known interface one hop deeper;
	// discovery probes attribute a fresh flow to the previous level
	enumerate bool
	iface     *lattice.Node
}

// ifaceState tracks the stopping rule for one interface: how many flows
// were pushed through it one hop deeper, and with what outcome. The
// interface's distinct next-hops are its node's outgoing edges.
type ifaceState struct {
	node         *lattice.Node
	sent         map[uint16]struct{}
	sentCount    int
	replyCount   int
	timeoutCount int
	budget       int
	terminal     bool
	exhausted    bool
}

type mdaAlgorithm struct {
	opts Options
	tr   traceroute.Options
	lat  *lattice.Lattice
	pool *flowPool

	// level is the TTL currently being resolved, probing from the
	// interfaces at level-1
	level     int
	st        map[*lattice.Node]*ifaceState
	flowOwner map[int]map[uint16]*lattice.Node
	// levelTimeouts remembers which interface each timed-out flow came
	// from, for star insertion
	levelTimeouts map[uint16]*lattice.Node

	seq         uint16
	outstanding int
	discovery   int
	done        bool
}

// New builds the algorithm for AddInstance.
func New(opts Options) (ptloop.Algorithm, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	tr := opts.Traceroute
	// the lattice is rooted at the source, so probing always starts at 1
	tr.MinTTL = 1
	pool := newFlowPool(opts.FlowMin, opts.FlowMax,
		0, tr.SrcPort, tr.DstPort,
		traceroute.UDPDefaultSrcPort, traceroute.UDPDefaultDstPort,
		traceroute.TCPDefaultSrcPort, traceroute.TCPDefaultDstPort)
	return &mdaAlgorithm{
		opts:          opts,
		tr:            tr,
		lat:           lattice.New(tr.SrcAddr),
		pool:          pool,
		st:            map[*lattice.Node]*ifaceState{},
		flowOwner:     map[int]map[uint16]*lattice.Node{},
		levelTimeouts: map[uint16]*lattice.Node{},
	}, nil
}

func (m *mdaAlgorithm) Start(rt ptloop.Runtime) error {
	rt.SetMaxOutstanding(8 * m.tr.NumProbes)
	m.level = int(m.tr.MinTTL)
	m.pump(rt)
	if m.outstanding == 0 && !m.done {
		// could not issue a single probe
		return fmt.Errorf("mda failed to start probing")
	}
	return nil
}

func (m *mdaAlgorithm) state(n *lattice.Node) *ifaceState {
	s, ok := m.st[n]
	if !ok {
		s = &ifaceState{node: n, sent: map[uint16]struct{}{}}
		m.st[n] = s
	}
	return s
}

func (m *mdaAlgorithm) threshold(s *ifaceState) int {
	return StoppingThreshold(len(s.node.Edges()), m.opts.Confidence)
}

// needMore is how many additional flows must be pushed through the
// interface: the stopping threshold, minus flows already accounted for
// (in flight or replied); timed-out flows are replaced.
func (m *mdaAlgorithm) needMore(s *ifaceState) int {
	return m.threshold(s) - (s.sentCount - s.timeoutCount)
}

// budgetCap bounds retries under loss so a lossy hop cannot stall a level.
func (m *mdaAlgorithm) budgetCap(s *ifaceState) int {
	n := len(s.node.Edges()) + 1
	if n > m.opts.MaxBranch {
		n = m.opts.MaxBranch
	}
	return 2*StoppingThreshold(n, m.opts.Confidence) + 8
}

func (m *mdaAlgorithm) satisfied(s *ifaceState) bool {
	if s.terminal || s.exhausted {
		return true
	}
	if len(s.node.Edges()) >= m.opts.MaxBranch {
		return true
	}
	if s.budget >= m.budgetCap(s) {
		return true
	}
	// a hop that answers nothing gets the classic probe budget, not the
	// statistical one
	if len(s.node.Edges()) == 0 && s.timeoutCount >= m.silentCutoff() {
		return true
	}
	return false
}

func (m *mdaAlgorithm) silentCutoff() int {
	if m.tr.NumProbes > 3 {
		return m.tr.NumProbes
	}
	return 3
}

// knownFlow picks an unused flow already attributed to the interface's
// level; at the source every fresh identifier qualifies.
func (m *mdaAlgorithm) knownFlow(s *ifaceState) (uint16, bool) {
	ttl := s.node.TTL
	if ttl == 0 {
		f, err := m.pool.Take()
		if err != nil {
			s.exhausted = true
			return 0, false
		}
		m.owners(0)[f] = s.node
		return f, true
	}
	for f, owner := range m.owners(ttl) {
		if owner != s.node {
			continue
		}
		if _, used := s.sent[f]; !used {
			return f, true
		}
	}
	return 0, false
}

func (m *mdaAlgorithm) owners(ttl int) map[uint16]*lattice.Node {
	o, ok := m.flowOwner[ttl]
	if !ok {
		o = map[uint16]*lattice.Node{}
		m.flowOwner[ttl] = o
	}
	return o
}

func (m *mdaAlgorithm) sendProbe(rt ptloop.Runtime, tok probeToken) bool {
	m.seq++
	pkt, err := traceroute.BuildProbe(m.tr, tok.ttl, tok.flow, m.seq)
	if err != nil {
		log.Warnf("mda failed to build probe (ttl %d flow %d): %s", tok.ttl, tok.flow, err)
		return false
	}
	if err := rt.SendProbe(pkt, tok, m.tr.PerProbeTimeout); err != nil {
		log.Warnf("mda failed to send probe: %s", err)
		return false
	}
	m.outstanding++
	if !tok.enumerate {
		m.discovery++
	}
	return true
}

// pump drives the current level: push flows through every unsatisfied
// interface at level-1, minting fresh identifiers (and, beyond the first
// hop, attributing them with discovery probes) as the known pool runs
// dry. When nothing is left in flight the level is finalized.
func (m *mdaAlgorithm) pump(rt ptloop.Runtime) {
	for progress := true; progress; {
		progress = false
		for _, node := range m.lat.At(m.level - 1) {
			s := m.state(node)
			if m.satisfied(s) || m.needMore(s) <= 0 {
				continue
			}
			if f, ok := m.knownFlow(s); ok {
				if m.sendProbe(rt, probeToken{ttl: uint8(m.level), flow: f, enumerate: true, iface: node}) {
					s.sent[f] = struct{}{}
					s.sentCount++
					s.budget++
					progress = true
				} else {
					s.budget++
				}
				continue
			}
			if s.exhausted {
				continue
			}
			// attribute a fresh flow to this level first
			if m.discovery < m.needMore(s) {
				f, err := m.pool.Take()
				if err != nil {
					s.exhausted = true
					continue
				}
				if m.sendProbe(rt, probeToken{ttl: uint8(m.level - 1), flow: f}) {
					s.budget++
					progress = true
				}
			}
		}
	}
	if m.outstanding == 0 && !m.done {
		m.finishLevel(rt)
	}
}

func (m *mdaAlgorithm) HandleReply(rt ptloop.Runtime, r *probe.Reply) {
	if m.done {
		return
	}
	tok := r.Probe.Token.(probeToken)
	m.outstanding--
	if !tok.enumerate {
		m.discovery--
	}
	rt.Emit(ProbeReplyEvent{TTL: tok.ttl, Reply: r})

	ttl := int(tok.ttl)
	node, _ := m.lat.Insert(ttl, r.From, tok.flow)
	m.owners(ttl)[tok.flow] = node
	if r.Kind.DestinationReached() || r.From == m.tr.DstAddr {
		m.state(node).terminal = true
	}

	// a flow observed on both sides of the hop creates the edge
	var prev *lattice.Node
	if tok.enumerate {
		prev = tok.iface
	} else if owner, ok := m.owners(ttl - 1)[tok.flow]; ok {
		prev = owner
	} else if ttl == 1 {
		// every flow passes the source
		prev = m.lat.Source()
	}
	if prev != nil {
		edge, isNew, err := m.lat.Link(prev, node, tok.flow)
		if err != nil {
			log.Warnf("mda failed to link %s -> %s: %s", prev, node, err)
		} else if isNew {
			rt.Emit(NewLinkEvent{Prev: prev, Next: node, Flows: slices.Clone(edge.Flows)})
		}
	}
	if tok.enumerate {
		m.state(tok.iface).replyCount++
	}
	m.pump(rt)
}

func (m *mdaAlgorithm) HandleTimeout(rt ptloop.Runtime, p *probe.Probe) {
	if m.done {
		return
	}
	tok := p.Token.(probeToken)
	m.outstanding--
	if !tok.enumerate {
		m.discovery--
	}
	rt.Emit(ProbeTimeoutEvent{TTL: tok.ttl, Probe: p})

	if tok.enumerate {
		s := m.state(tok.iface)
		s.timeoutCount++
		m.levelTimeouts[tok.flow] = tok.iface
	} else if star := m.starAt(int(tok.ttl)); star != nil {
		// the previous level already went silent; the lost flow belongs
		// to its star so deeper levels can still use it
		star.Flows = append(star.Flows, tok.flow)
		m.owners(int(tok.ttl))[tok.flow] = star
	}
	m.pump(rt)
}

func (m *mdaAlgorithm) starAt(ttl int) *lattice.Node {
	for _, n := range m.lat.At(ttl) {
		if n.Star {
			return n
		}
	}
	return nil
}

// finishLevel closes the current TTL: insert the star when the hop stayed
// entirely silent, then either terminate or move one hop deeper.
func (m *mdaAlgorithm) finishLevel(rt ptloop.Runtime) {
	if len(m.lat.At(m.level)) == 0 && len(m.levelTimeouts) > 0 {
		for f, prev := range m.levelTimeouts {
			star, _ := m.lat.InsertStar(m.level, f)
			m.owners(m.level)[f] = star
			edge, isNew, err := m.lat.Link(prev, star, f)
			if err != nil {
				log.Warnf("mda failed to link star: %s", err)
				continue
			}
			if isNew {
				rt.Emit(NewLinkEvent{Prev: prev, Next: star, Flows: slices.Clone(edge.Flows)})
			}
		}
	}
	m.levelTimeouts = map[uint16]*lattice.Node{}

	nodes := m.lat.At(m.level)
	allTerminal := true
	for _, n := range nodes {
		if !m.state(n).terminal {
			allTerminal = false
			break
		}
	}
	if len(nodes) == 0 || allTerminal || m.level >= int(m.tr.MaxTTL) {
		m.done = true
		rt.Terminated(m.lat)
		return
	}
	m.level++
	m.pump(rt)
}

func (m *mdaAlgorithm) Stop(ptloop.Runtime) {
	m.done = true
}
