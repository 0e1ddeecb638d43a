// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2025-present Datadog, Inc.

//go:build linux

package packets

import (
	"fmt"
	"net/netip"
)

// NewSourceSink returns this platform's Source and Sink for the target's
// address family.
func NewSourceSink(addr netip.Addr) (SourceSinkHandle, error) {
	sink, err := NewSinkLinux(addr)
	if err != nil {
		return SourceSinkHandle{}, fmt.Errorf("NewSourceSink failed to make sink: %w", err)
	}

	source, err := NewSourceLinux(addr)
	if err != nil {
		sink.Close()
		return SourceSinkHandle{}, fmt.Errorf("NewSourceSink failed to make source: %w", err)
	}

	return SourceSinkHandle{Source: source, Sink: sink}, nil
}
