// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2025-present Datadog, Inc.

//go:build !linux

package packets

import (
	"fmt"
	"net/netip"
)

// NewSourceSink returns an error on platforms without raw-socket support.
func NewSourceSink(_ netip.Addr) (SourceSinkHandle, error) {
	return SourceSinkHandle{}, fmt.Errorf("raw-socket tracerouting is not supported on this platform")
}
