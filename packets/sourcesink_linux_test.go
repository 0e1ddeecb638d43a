// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2025-present Datadog, Inc.

//go:build linux

package packets_test

import (
	"net/netip"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vishvananda/netns"

	"github.com/DataDog/multipath-traceroute/packets"
	"github.com/DataDog/multipath-traceroute/probe"
	"github.com/DataDog/multipath-traceroute/testutils"
	"github.com/DataDog/multipath-traceroute/traceroute"
)

// requires raw-socket privilege; probes the loopback and expects the
// kernel's port-unreachable back
func TestLoopbackPortUnreachable(t *testing.T) {
	if os.Geteuid() != 0 {
		t.Skip("raw sockets require root")
	}

	err := testutils.WithNS(netns.None(), func() error {
		localhost := netip.MustParseAddr("127.0.0.1")
		handle, err := packets.NewSourceSink(localhost)
		require.NoError(t, err)
		defer handle.Source.Close()
		defer handle.Sink.Close()

		require.NoError(t, handle.Source.SetPacketFilter(packets.PacketFilterSpec{
			FilterType: packets.FilterTypeICMP,
		}))

		opts := traceroute.DefaultOptions()
		opts.SrcAddr = localhost
		opts.DstAddr = localhost
		opts.SrcPort = 40101
		opts.DstPort = 40102 // nothing listens there
		pkt, err := traceroute.BuildProbe(opts, 64, 0x1234, 1)
		require.NoError(t, err)
		wantKey, err := probe.Key(pkt)
		require.NoError(t, err)

		buf, err := pkt.Bytes()
		require.NoError(t, err)
		require.NoError(t, handle.Sink.WriteTo(buf, netip.AddrPortFrom(localhost, 0)))

		readBuf := make([]byte, 65536)
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			handle.Source.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
			n, meta, err := handle.Source.Read(readBuf)
			if err != nil {
				continue
			}
			r, err := probe.ParseIPv4(readBuf[:n], meta.At)
			if err != nil || r == nil {
				continue
			}
			if r.Key == wantKey {
				assert.Equal(t, probe.KindPortUnreachable, r.Kind)
				return nil
			}
		}
		t.Fatal("no matching port-unreachable arrived")
		return nil
	})
	require.NoError(t, err)
}
