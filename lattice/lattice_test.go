// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2025-present Datadog, Inc.

package lattice

import (
	"net/netip"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addr(s string) netip.Addr { return netip.MustParseAddr(s) }

func TestInsertDedupsByAddress(t *testing.T) {
	l := New(addr("192.0.2.1"))

	n1, created := l.Insert(1, addr("10.0.0.1"), 100)
	assert.True(t, created)
	n2, created := l.Insert(1, addr("10.0.0.1"), 101)
	assert.False(t, created)
	assert.Same(t, n1, n2)
	assert.ElementsMatch(t, []uint16{100, 101}, n1.Flows)

	_, created = l.Insert(1, addr("10.0.0.2"), 102)
	assert.True(t, created)
	assert.Len(t, l.At(1), 2)
}

func TestLinkTagsFlows(t *testing.T) {
	l := New(addr("192.0.2.1"))
	a, _ := l.Insert(1, addr("10.0.0.1"), 100)
	b, _ := l.Insert(2, addr("10.0.1.1"), 100)

	e, isNew, err := l.Link(a, b, 100)
	require.NoError(t, err)
	assert.True(t, isNew)

	e2, isNew, err := l.Link(a, b, 101)
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Same(t, e, e2)
	assert.ElementsMatch(t, []uint16{100, 101}, e.Flows)
}

func TestLinkRejectsTTLSkips(t *testing.T) {
	l := New(addr("192.0.2.1"))
	a, _ := l.Insert(1, addr("10.0.0.1"), 100)
	c, _ := l.Insert(3, addr("10.0.2.1"), 100)
	_, _, err := l.Link(a, c, 100)
	assert.Error(t, err)
}

func TestStarNodes(t *testing.T) {
	l := New(addr("192.0.2.1"))
	s1, created := l.InsertStar(3, 100)
	assert.True(t, created)
	s2, created := l.InsertStar(3, 101)
	assert.False(t, created)
	assert.Same(t, s1, s2)
	assert.Equal(t, "*", s1.String())
}

func TestSourceLevel(t *testing.T) {
	l := New(addr("192.0.2.1"))
	src := l.Source()
	assert.Equal(t, 0, src.TTL)
	n, _ := l.Insert(1, addr("10.0.0.1"), 7)
	_, _, err := l.Link(src, n, 7)
	assert.NoError(t, err)
}

func TestDumpOrderedByTTL(t *testing.T) {
	l := New(addr("192.0.2.1"))
	n2, _ := l.Insert(2, addr("10.0.1.1"), 5)
	n1, _ := l.Insert(1, addr("10.0.0.1"), 5)
	_, _, err := l.Link(n1, n2, 5)
	require.NoError(t, err)

	var sb strings.Builder
	l.Dump(&sb)
	out := sb.String()
	first := strings.Index(out, "10.0.0.1")
	second := strings.Index(out, "10.0.1.1")
	require.NotEqual(t, -1, first)
	require.NotEqual(t, -1, second)
	assert.Less(t, first, second, "dump must visit TTLs in increasing order")
}
