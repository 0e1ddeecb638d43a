// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2025-present Datadog, Inc.

// Package ptloop runs the probing engine: a single-goroutine cooperative
// event loop over one packet source, a timer wheel for per-probe timeouts
// and pacing, and the registry of probing algorithms sharing the loop.
//
// One iteration checks for a termination request, flushes paced sends, waits on the
// source with the next deadline, matches replies to outstanding probes,
// fires due timers, then dispatches each instance's queued events to the
// user handler. Within an iteration every reply is delivered before any
// timeout, and timeouts before the higher-level events derived from them.
package ptloop

import (
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/DataDog/multipath-traceroute/log"
	"github.com/DataDog/multipath-traceroute/packet"
	"github.com/DataDog/multipath-traceroute/packets"
	"github.com/DataDog/multipath-traceroute/probe"
)

const (
	defaultPollFrequency  = 100 * time.Millisecond
	defaultMaxOutstanding = 64
	sendAttempts          = 3
)

// ErrLoopInterrupted reports a loop abort due to persistent socket failure.
var ErrLoopInterrupted = errors.New("main loop interrupted")

// Config wires a loop to its sockets and the user's event handler.
type Config struct {
	Source packets.Source
	Sink   packets.Sink
	// LocalAddr is the probing source address; also decides the family
	LocalAddr netip.Addr
	Handler   Handler
	// HandlerCtx is passed through to every handler call
	HandlerCtx any
	// MinInterSend is the global minimum interval between sends
	MinInterSend time.Duration
	// PollFrequency caps how long one iteration may park on the source
	PollFrequency time.Duration
}

// pendingProbe is an in-flight probe enrolled in the matching index and
// the timer wheel.
type pendingProbe struct {
	inst  *Instance
	pr    *probe.Probe
	key   probe.MatchKey
	timer *timerEntry
	done  bool
}

// queuedSend is a probe deferred by pacing or the outstanding bound.
type queuedSend struct {
	inst    *Instance
	pkt     *packet.Packet
	token   any
	timeout time.Duration
}

// Loop is the cooperative scheduler. Not safe for concurrent use except
// Terminate, which may be called from any goroutine.
type Loop struct {
	cfg       Config
	instances []*Instance
	// pending keeps FIFO lists so key collisions resolve oldest-first
	pending  map[probe.MatchKey][]*pendingProbe
	timers   timerWheel
	sendq    []*queuedSend
	nextSend time.Time
	stop     chan struct{}
	stopOnce sync.Once
	readBuf  []byte
	readErrs int
}

// New creates a loop; algorithms are added with AddInstance before Run.
func New(cfg Config) (*Loop, error) {
	if cfg.Source == nil || cfg.Sink == nil {
		return nil, fmt.Errorf("loop needs a packet source and sink")
	}
	if cfg.Handler == nil {
		return nil, fmt.Errorf("loop needs an event handler")
	}
	if cfg.PollFrequency <= 0 {
		cfg.PollFrequency = defaultPollFrequency
	}
	return &Loop{
		cfg:     cfg,
		pending: map[probe.MatchKey][]*pendingProbe{},
		stop:    make(chan struct{}),
		readBuf: make([]byte, 65536),
	}, nil
}

// AddInstance builds the algorithm and registers it with the loop. The
// returned handle stops or identifies the instance later.
func (l *Loop) AddInstance(id AlgorithmID, opts any) (*Instance, error) {
	algo, err := build(id, opts)
	if err != nil {
		return nil, err
	}
	in := &Instance{
		id:             id,
		algo:           algo,
		loop:           l,
		maxOutstanding: defaultMaxOutstanding,
	}
	l.instances = append(l.instances, in)
	return in, nil
}

// StopInstance tears an instance down: its algorithm state, outstanding
// probes and queued events are freed.
func (l *Loop) StopInstance(in *Instance) {
	if in.stopped {
		return
	}
	in.stopped = true
	in.algo.Stop(in)
	for key, list := range l.pending {
		kept := list[:0]
		for _, pe := range list {
			if pe.inst == in {
				pe.done = true
				pe.timer.cancelled = true
			} else {
				kept = append(kept, pe)
			}
		}
		if len(kept) == 0 {
			delete(l.pending, key)
		} else {
			l.pending[key] = kept
		}
	}
	in.queue = nil
}

// RemoveInstance forgets a stopped instance entirely.
func (l *Loop) RemoveInstance(in *Instance) {
	l.StopInstance(in)
	l.instances = slices.DeleteFunc(l.instances, func(x *Instance) bool { return x == in })
}

// Terminate requests an orderly shutdown: the current iteration finishes,
// instances stop in reverse insertion order, and Run returns.
func (l *Loop) Terminate() {
	l.stopOnce.Do(func() { close(l.stop) })
}

func (l *Loop) terminateRequested() bool {
	select {
	case <-l.stop:
		return true
	default:
		return false
	}
}

// Run starts every instance and drives the loop until Terminate or a
// fatal socket failure. It blocks; the handler runs inline.
func (l *Loop) Run() error {
	for _, in := range l.instances {
		if err := in.algo.Start(in); err != nil {
			l.teardown()
			return fmt.Errorf("failed to start %s: %w", in.id, err)
		}
	}
	l.dispatchQueues()

	for !l.terminateRequested() {
		l.flushSends()
		l.pollOnce()
		l.timers.advance(time.Now())
		l.dispatchQueues()
		if l.readErrs > 100 {
			l.teardown()
			return fmt.Errorf("%w: packet source keeps failing", ErrLoopInterrupted)
		}
	}
	l.teardown()
	return nil
}

// teardown stops instances in reverse insertion order and frees all
// outstanding probes.
func (l *Loop) teardown() {
	for i := len(l.instances) - 1; i >= 0; i-- {
		l.StopInstance(l.instances[i])
	}
	l.instances = nil
	l.pending = map[probe.MatchKey][]*pendingProbe{}
	l.timers.clear()
	l.sendq = nil
}

// nextDeadline is when the loop must wake even without I/O.
func (l *Loop) nextDeadline(now time.Time) time.Time {
	deadline := now.Add(l.cfg.PollFrequency)
	if t := l.timers.next(); !t.IsZero() && t.Before(deadline) {
		deadline = t
	}
	if len(l.sendq) > 0 && l.nextSend.Before(deadline) {
		deadline = l.nextSend
	}
	if deadline.Before(now) {
		deadline = now
	}
	return deadline
}

// pollOnce waits for readability once, then drains every datagram already
// queued in the kernel.
func (l *Loop) pollOnce() {
	deadline := l.nextDeadline(time.Now())
	first := true
	for {
		if first {
			l.cfg.Source.SetReadDeadline(deadline)
		} else {
			// already had data; drain without waiting
			l.cfg.Source.SetReadDeadline(time.Now())
		}
		n, meta, err := l.cfg.Source.Read(l.readBuf)
		if err != nil {
			if !errors.Is(err, packets.ErrReadTimeout) {
				l.readErrs++
				log.Warnf("packet source read failed: %s", err)
			}
			return
		}
		l.readErrs = 0
		l.handlePacket(l.readBuf[:n], meta)
		first = false
	}
}

// handlePacket parses one received packet and routes it to the matching
// outstanding probe.
func (l *Loop) handlePacket(buf []byte, meta packets.Meta) {
	var (
		r   *probe.Reply
		err error
	)
	if l.cfg.LocalAddr.Is4() {
		r, err = probe.ParseIPv4(buf, meta.At)
	} else if meta.Proto == packets.ProtoTCP {
		r, err = probe.ParseTCPv6(buf, meta.From, l.cfg.LocalAddr, meta.At)
	} else {
		r, err = probe.ParseICMPv6(buf, meta.From, l.cfg.LocalAddr, meta.At)
	}
	if err != nil {
		log.Tracef("dropping unparseable packet: %s", err)
		return
	}
	if r == nil {
		return
	}

	list := l.pending[r.Key]
	if len(list) == 0 {
		log.Tracef("dropping unmatched reply from %s (%s)", r.From, r.Kind)
		return
	}
	if len(list) > 1 {
		// identical matching keys can only happen with identical flow
		// identifiers; the oldest probe wins
		log.Warnf("matching key collision on %s; pairing oldest probe", r.Key)
	}
	pe := list[0]
	if len(list) == 1 {
		delete(l.pending, r.Key)
	} else {
		l.pending[r.Key] = list[1:]
	}
	pe.done = true
	pe.timer.cancelled = true
	pe.inst.outstanding--

	r.Probe = pe.pr
	if !pe.inst.stopped {
		pe.inst.algo.HandleReply(pe.inst, r)
	}
}

// enqueueProbe is the entry point from Runtime.SendProbe.
func (l *Loop) enqueueProbe(in *Instance, pkt *packet.Packet, token any, timeout time.Duration) error {
	if timeout <= 0 {
		return fmt.Errorf("probe timeout must be positive")
	}
	l.sendq = append(l.sendq, &queuedSend{inst: in, pkt: pkt, token: token, timeout: timeout})
	l.flushSends()
	return nil
}

// flushSends transmits queued probes as pacing and per-instance
// outstanding bounds allow.
func (l *Loop) flushSends() {
	now := time.Now()
	for len(l.sendq) > 0 {
		qs := l.sendq[0]
		if qs.inst.stopped {
			l.sendq = l.sendq[1:]
			continue
		}
		if now.Before(l.nextSend) {
			return
		}
		if qs.inst.outstanding >= qs.inst.maxOutstanding {
			return
		}
		l.sendq = l.sendq[1:]
		l.transmit(qs, now)
		if l.cfg.MinInterSend > 0 {
			l.nextSend = now.Add(l.cfg.MinInterSend)
		}
	}
}

// transmit puts one probe on the wire and enrolls it for matching and
// timeout. Failures still enroll the timeout so the algorithm's per-TTL
// budget keeps moving.
func (l *Loop) transmit(qs *queuedSend, now time.Time) {
	pr := &probe.Probe{Packet: qs.pkt, Token: qs.token}

	buf, err := qs.pkt.Bytes()
	if err == nil {
		key, keyErr := probe.Key(qs.pkt)
		if keyErr != nil {
			err = keyErr
		} else {
			dst, addrErr := qs.pkt.AddrField("dst_ip")
			if addrErr != nil {
				err = addrErr
			} else {
				err = l.writeRetrying(buf, netip.AddrPortFrom(dst, 0))
				if err == nil {
					pr.SentAt = time.Now()
					pe := &pendingProbe{inst: qs.inst, pr: pr, key: key}
					pe.timer = l.timers.schedule(pr.SentAt.Add(qs.timeout), func() {
						l.expireProbe(pe)
					})
					l.pending[key] = append(l.pending[key], pe)
					qs.inst.outstanding++
					return
				}
			}
		}
	}

	// abandoned probe: no bytes on the wire, but the algorithm still gets
	// its timeout so it can account for the loss
	log.Warnf("probe send failed: %s", err)
	pr.SentAt = now
	inst := qs.inst
	l.timers.schedule(now.Add(qs.timeout), func() {
		if !inst.stopped {
			inst.algo.HandleTimeout(inst, pr)
		}
	})
}

func (l *Loop) writeRetrying(buf []byte, addr netip.AddrPort) error {
	var err error
	for attempt := 0; attempt < sendAttempts; attempt++ {
		err = l.cfg.Sink.WriteTo(buf, addr)
		if err == nil {
			return nil
		}
	}
	return fmt.Errorf("send failed after %d attempts: %w", sendAttempts, err)
}

// expireProbe fires a probe timeout: unregister and notify the algorithm.
func (l *Loop) expireProbe(pe *pendingProbe) {
	if pe.done {
		return
	}
	pe.done = true
	list := l.pending[pe.key]
	list = slices.DeleteFunc(list, func(x *pendingProbe) bool { return x == pe })
	if len(list) == 0 {
		delete(l.pending, pe.key)
	} else {
		l.pending[pe.key] = list
	}
	pe.inst.outstanding--
	if !pe.inst.stopped {
		pe.inst.algo.HandleTimeout(pe.inst, pe.pr)
	}
}

// dispatchQueues empties every instance's event queue into the user
// handler, then reports freshly terminated instances.
func (l *Loop) dispatchQueues() {
	// the handler may stop or remove instances mid-dispatch
	for _, in := range slices.Clone(l.instances) {
		queue := in.queue
		in.queue = nil
		for _, ev := range queue {
			l.cfg.Handler(l, AlgorithmEvent{Instance: in, Inner: ev}, l.cfg.HandlerCtx)
		}
		if in.terminated && !in.termEmitted {
			in.termEmitted = true
			l.cfg.Handler(l, AlgorithmTerminated{Instance: in, Result: in.result}, l.cfg.HandlerCtx)
		}
	}
}
