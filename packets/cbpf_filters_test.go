// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2025-present Datadog, Inc.

package packets

import (
	"testing"

	"golang.org/x/net/bpf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runFilter(t *testing.T, prog []bpf.Instruction, pkt []byte) bool {
	t.Helper()
	vm, err := bpf.NewVM(prog)
	require.NoError(t, err)
	n, err := vm.Run(pkt)
	require.NoError(t, err)
	return n > 0
}

// minimal IPv4 header (IHL words) followed by an ICMP type byte
func v4packet(ihl int, icmpType byte) []byte {
	pkt := make([]byte, ihl*4+8)
	pkt[0] = 0x40 | byte(ihl)
	pkt[ihl*4] = icmpType
	return pkt
}

func TestICMPv4FilterTypes(t *testing.T) {
	prog := icmpv4TypeFilter()

	tests := []struct {
		name     string
		icmpType byte
		want     bool
	}{
		{"time exceeded", 11, true},
		{"dest unreachable", 3, true},
		{"echo reply", 0, true},
		{"echo request", 8, false},
		{"redirect", 5, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, runFilter(t, prog, v4packet(5, tt.icmpType)))
		})
	}
}

func TestICMPv4FilterRespectsIHL(t *testing.T) {
	// options push the ICMP header further in; the filter must follow
	prog := icmpv4TypeFilter()
	assert.True(t, runFilter(t, prog, v4packet(6, 11)))
	assert.False(t, runFilter(t, prog, v4packet(6, 8)))
}

func TestICMPv6FilterTypes(t *testing.T) {
	prog := icmpv6TypeFilter()

	mk := func(icmpType byte) []byte {
		pkt := make([]byte, 8)
		pkt[0] = icmpType
		return pkt
	}
	assert.True(t, runFilter(t, prog, mk(3)))    // time exceeded
	assert.True(t, runFilter(t, prog, mk(1)))    // dest unreachable
	assert.True(t, runFilter(t, prog, mk(129)))  // echo reply
	assert.False(t, runFilter(t, prog, mk(128))) // echo request
	assert.False(t, runFilter(t, prog, mk(135))) // neighbor solicitation
}

func TestFiltersAssemble(t *testing.T) {
	for name, prog := range map[string][]bpf.Instruction{
		"icmpv4": icmpv4TypeFilter(),
		"icmpv6": icmpv6TypeFilter(),
	} {
		raw, err := assembleFilter(prog)
		require.NoError(t, err, name)
		assert.NotEmpty(t, raw, name)
	}
}
