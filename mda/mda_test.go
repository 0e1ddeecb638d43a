// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2025-present Datadog, Inc.

package mda

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DataDog/multipath-traceroute/traceroute"
)

func validOptions() Options {
	opts := DefaultOptions()
	opts.Traceroute.SrcAddr = netip.MustParseAddr("192.0.2.1")
	opts.Traceroute.DstAddr = netip.MustParseAddr("198.51.100.9")
	opts.Traceroute.SrcPort = 40000
	opts.Traceroute.DstPort = 40001
	return opts
}

func TestOptionsValidate(t *testing.T) {
	assert.NoError(t, validOptions().Validate())

	bad := validOptions()
	bad.Confidence = 0
	assert.Error(t, bad.Validate())

	bad = validOptions()
	bad.Confidence = 1
	assert.Error(t, bad.Validate())

	bad = validOptions()
	bad.MaxBranch = 0
	assert.Error(t, bad.Validate())

	bad = validOptions()
	bad.FlowMin = 100
	bad.FlowMax = 50
	assert.Error(t, bad.Validate())

	bad = validOptions()
	bad.Traceroute.DstAddr = netip.Addr{}
	assert.Error(t, bad.Validate())
}

func TestNewReservesConfiguredPorts(t *testing.T) {
	opts := validOptions()
	algo, err := New(opts)
	require.NoError(t, err)
	m := algo.(*mdaAlgorithm)

	for f, err := m.pool.Take(); err == nil; f, err = m.pool.Take() {
		assert.NotEqual(t, uint16(40000), f)
		assert.NotEqual(t, uint16(40001), f)
		assert.NotEqual(t, uint16(traceroute.UDPDefaultSrcPort), f)
		if f > 40001 {
			break
		}
	}
}

func TestNeedMoreTracksThreshold(t *testing.T) {
	opts := validOptions()
	algo, err := New(opts)
	require.NoError(t, err)
	m := algo.(*mdaAlgorithm)

	src := m.lat.Source()
	s := m.state(src)
	assert.Equal(t, 1, m.needMore(s), "an unexplored interface takes one probe")

	s.sentCount = 1
	assert.Equal(t, 0, m.needMore(s))

	// a timed-out flow gets replaced
	s.timeoutCount = 1
	assert.Equal(t, 1, m.needMore(s))
}
