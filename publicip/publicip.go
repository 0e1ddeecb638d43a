// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2025-present Datadog, Inc.

// Package publicip discovers the probing host's public source address, an
// optional enrichment of traceroute results.
package publicip

import (
	"context"
	"net"
	"time"

	"github.com/cenkalti/backoff/v5"
	externalip "github.com/glendc/go-external-ip"

	"github.com/DataDog/multipath-traceroute/cache"
	"github.com/DataDog/multipath-traceroute/log"
)

const defaultPublicIPCacheExpiration = 2 * time.Hour

// Fetcher resolves the public IP once and memoizes it.
type Fetcher interface {
	GetIP(ctx context.Context) (net.IP, error)
}

type consensusFetcher struct {
	ipProtocol uint
}

// NewPublicIPFetcher returns the default consensus-based fetcher for the
// given IP protocol version (4 or 6).
func NewPublicIPFetcher(ipProtocol uint) Fetcher {
	return &consensusFetcher{ipProtocol: ipProtocol}
}

func (f *consensusFetcher) GetIP(ctx context.Context) (net.IP, error) {
	ip, err := cache.GetWithExpiration("source_public_ip", func() ([]byte, error) {
		ip, err := f.fetch(ctx)
		if err != nil {
			return nil, err
		}
		log.Debugf("public IP fetched: %s", ip)
		return ip, nil
	}, defaultPublicIPCacheExpiration)
	if err != nil {
		return nil, err
	}
	return ip, nil
}

// fetch asks several well-known checkers and takes the majority answer,
// retrying transient failures with exponential backoff.
func (f *consensusFetcher) fetch(ctx context.Context) (net.IP, error) {
	consensus := externalip.DefaultConsensus(nil, nil)
	if err := consensus.UseIPProtocol(f.ipProtocol); err != nil {
		return nil, err
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 500 * time.Millisecond
	expBackoff.MaxInterval = 3 * time.Second

	operation := func() (net.IP, error) {
		return consensus.ExternalIP()
	}
	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxElapsedTime(10*time.Second))
}
