// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2025-present Datadog, Inc.

package ptloop

// AlgoEvent is an algorithm-specific event (a traceroute reply, an MDA
// link discovery, ...). Algorithm packages implement it with their own
// event types; the loop wraps it in AlgorithmEvent on its way to the user
// handler.
type AlgoEvent interface {
	AlgoEventName() string
}

// Event is what the user handler receives. It is borrowed for the
// duration of the handler call; handlers clone what they keep.
type Event interface {
	isEvent()
}

// AlgorithmEvent carries an algorithm-specific event to the user handler.
type AlgorithmEvent struct {
	Instance *Instance
	Inner    AlgoEvent
}

// AlgorithmTerminated signals that an instance reached its terminal state.
// Result is whatever the algorithm produced (a hop map, a lattice).
type AlgorithmTerminated struct {
	Instance *Instance
	Result   any
}

func (AlgorithmEvent) isEvent()      {}
func (AlgorithmTerminated) isEvent() {}

// Handler is the user event handler. It runs inline on the loop goroutine
// and must not block.
type Handler func(loop *Loop, ev Event, ctx any)
