// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2025-present Datadog, Inc.

package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DataDog/multipath-traceroute/runner"
)

func resetArgs() {
	Args = args{
		algorithm:  "paris-traceroute",
		format:     "default",
		protocol:   "udp",
		maxTTL:     30,
		queries:    3,
		timeoutSec: 5,
		confidence: 0.05,
		maxBranch:  16,
	}
}

func TestBothIPVersionsRejected(t *testing.T) {
	resetArgs()
	Args.ipv4 = true
	Args.ipv6 = true
	_, err := buildParams(rootCmd, "example.net")
	var cfgErr *runner.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, 1, runner.ExitCode(err))
}

func TestTwoExplicitTransportsRejected(t *testing.T) {
	resetArgs()
	Args.useTCP = true
	Args.useUDP = true
	_, err := buildParams(rootCmd, "example.net")
	var cfgErr *runner.ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestExplicitTransportBeatsProtocol(t *testing.T) {
	resetArgs()
	Args.protocol = "udp"
	Args.useTCP = true
	p, err := buildParams(rootCmd, "example.net")
	require.NoError(t, err)
	assert.Equal(t, "tcp", p.Protocol)
	assert.True(t, p.TransportShorthand)
}

func TestShorthandUDPDefaultsDNSPort(t *testing.T) {
	resetArgs()
	Args.useUDP = true
	p, err := buildParams(rootCmd, "example.net")
	require.NoError(t, err)
	_, dst := p.Ports()
	assert.Equal(t, uint16(53), dst)
}

func TestMDAOptionsRequireMDA(t *testing.T) {
	resetArgs()
	require.NoError(t, rootCmd.Flags().Set("confidence", "0.01"))
	defer func() {
		rootCmd.Flags().Lookup("confidence").Changed = false
	}()
	_, err := buildParams(rootCmd, "example.net")
	var cfgErr *runner.ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestFamilyFlags(t *testing.T) {
	resetArgs()
	Args.ipv6 = true
	p, err := buildParams(rootCmd, "example.net")
	require.NoError(t, err)
	assert.Equal(t, "v6", p.IPFamily)
}
