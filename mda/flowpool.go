// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2025-present Datadog, Inc.

package mda

import "fmt"

// flowPool hands out pairwise-distinct flow identifiers within
// [min, max], skipping reserved values, in a deterministic order. Re-use
// of an identifier across TTLs is what links an interface to its
// next-hop, so identifiers are never recycled within a run.
type flowPool struct {
	next     uint32
	min, max uint16
	reserved map[uint16]struct{}
}

func newFlowPool(min, max uint16, reserved ...uint16) *flowPool {
	p := &flowPool{
		next:     uint32(min),
		min:      min,
		max:      max,
		reserved: make(map[uint16]struct{}, len(reserved)),
	}
	for _, r := range reserved {
		p.reserved[r] = struct{}{}
	}
	return p
}

// Take returns the next unused identifier; it fails only when the whole
// range is spent.
func (p *flowPool) Take() (uint16, error) {
	for p.next <= uint32(p.max) {
		f := uint16(p.next)
		p.next++
		if _, ok := p.reserved[f]; ok {
			continue
		}
		return f, nil
	}
	return 0, fmt.Errorf("flow identifier pool exhausted (%d-%d)", p.min, p.max)
}
