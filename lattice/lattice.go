// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2025-present Datadog, Inc.

// Package lattice holds the layered DAG of hop interfaces discovered by
// multipath probing: nodes deduplicated by address within a TTL, edges
// tagged with the flow identifiers that witnessed them, and a star
// sentinel for unresponsive hops.
package lattice

import (
	"fmt"
	"io"
	"net/netip"
	"slices"
	"sort"
)

// Node is one interface observed at a TTL, or the star sentinel when the
// hop stayed silent.
type Node struct {
	TTL  int
	Addr netip.Addr
	Star bool
	// Flows are the flow identifiers observed reaching this node
	Flows []uint16
	edges []*Edge
}

func (n *Node) String() string {
	if n.Star {
		return "*"
	}
	return n.Addr.String()
}

// Edges returns the node's outgoing edges.
func (n *Node) Edges() []*Edge {
	return n.edges
}

// HasFlow reports whether flow was observed at this node.
func (n *Node) HasFlow(flow uint16) bool {
	return slices.Contains(n.Flows, flow)
}

// Edge connects a node at TTL k to a node at TTL k+1, tagged with every
// flow that produced both observations.
type Edge struct {
	From, To *Node
	Flows    []uint16
}

// Lattice is the layered DAG, keyed by TTL. TTL 0 holds the single source
// node.
type Lattice struct {
	levels map[int][]*Node
	maxTTL int
}

// New creates a lattice rooted at the probing source.
func New(source netip.Addr) *Lattice {
	l := &Lattice{levels: map[int][]*Node{}}
	l.levels[0] = []*Node{{TTL: 0, Addr: source}}
	return l
}

// Source returns the TTL-0 root node.
func (l *Lattice) Source() *Node {
	return l.levels[0][0]
}

// At returns the nodes observed at a TTL.
func (l *Lattice) At(ttl int) []*Node {
	return l.levels[ttl]
}

// MaxTTL is the deepest level holding a node.
func (l *Lattice) MaxTTL() int {
	return l.maxTTL
}

// Insert records a hop observation (ttl, addr, flow), deduplicating by
// address within the TTL. It returns the node and whether it was created.
func (l *Lattice) Insert(ttl int, addr netip.Addr, flow uint16) (*Node, bool) {
	node := l.find(ttl, addr, false)
	created := node == nil
	if created {
		node = &Node{TTL: ttl, Addr: addr}
		l.levels[ttl] = append(l.levels[ttl], node)
		if ttl > l.maxTTL {
			l.maxTTL = ttl
		}
	}
	if !node.HasFlow(flow) {
		node.Flows = append(node.Flows, flow)
	}
	return node, created
}

// InsertStar records an unresponsive hop at ttl for the given flow.
func (l *Lattice) InsertStar(ttl int, flow uint16) (*Node, bool) {
	node := l.find(ttl, netip.Addr{}, true)
	created := node == nil
	if created {
		node = &Node{TTL: ttl, Star: true}
		l.levels[ttl] = append(l.levels[ttl], node)
		if ttl > l.maxTTL {
			l.maxTTL = ttl
		}
	}
	if !node.HasFlow(flow) {
		node.Flows = append(node.Flows, flow)
	}
	return node, created
}

func (l *Lattice) find(ttl int, addr netip.Addr, star bool) *Node {
	for _, n := range l.levels[ttl] {
		if star && n.Star {
			return n
		}
		if !star && !n.Star && n.Addr == addr {
			return n
		}
	}
	return nil
}

// Link records that flow was observed at from (TTL k) and at to (TTL
// k+1), creating or extending the edge between them. It returns the edge
// and whether it is new.
func (l *Lattice) Link(from, to *Node, flow uint16) (*Edge, bool, error) {
	if to.TTL != from.TTL+1 {
		return nil, false, fmt.Errorf("lattice edge may not skip TTLs (%d -> %d)", from.TTL, to.TTL)
	}
	for _, e := range from.edges {
		if e.To == to {
			if !slices.Contains(e.Flows, flow) {
				e.Flows = append(e.Flows, flow)
			}
			return e, false, nil
		}
	}
	e := &Edge{From: from, To: to, Flows: []uint16{flow}}
	from.edges = append(from.edges, e)
	return e, true, nil
}

// Dump writes the lattice level by level, TTLs increasing.
func (l *Lattice) Dump(w io.Writer) {
	ttls := make([]int, 0, len(l.levels))
	for ttl := range l.levels {
		if ttl == 0 {
			continue
		}
		ttls = append(ttls, ttl)
	}
	sort.Ints(ttls)
	for _, ttl := range ttls {
		fmt.Fprintf(w, "%2d ", ttl)
		for i, n := range l.levels[ttl] {
			if i > 0 {
				fmt.Fprint(w, "  ")
			}
			fmt.Fprint(w, n)
			if len(n.edges) > 0 {
				fmt.Fprint(w, " -> [")
				for j, e := range n.edges {
					if j > 0 {
						fmt.Fprint(w, ", ")
					}
					fmt.Fprint(w, e.To)
				}
				fmt.Fprint(w, "]")
			}
		}
		fmt.Fprintln(w)
	}
}
