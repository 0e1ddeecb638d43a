// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2025-present Datadog, Inc.

package mda

import "math"

// StoppingThreshold returns k(n, alpha): how many flows must all map to
// the n known next-hops of an interface before we declare no further
// next-hop exists, with miss probability at most alpha.
//
// Under the null hypothesis of n+1 next-hops balanced uniformly, k probes
// all avoiding one of them happens with probability (n/(n+1))^k; a union
// bound over which one was missed gives (n+1)·(n/(n+1))^k <= alpha.
// For alpha = 0.05 this yields k(1)=6, k(2)=11, k(3)=16, k(4)=21.
func StoppingThreshold(n int, alpha float64) int {
	if n <= 0 {
		return 1
	}
	ratio := float64(n) / float64(n+1)
	bound := alpha / float64(n+1)
	// k >= log(bound) / log(ratio); ceil with a guard for float edges
	k := int(math.Ceil(math.Log(bound) / math.Log(ratio)))
	for float64(n+1)*math.Pow(ratio, float64(k)) > alpha {
		k++
	}
	for k > 1 && float64(n+1)*math.Pow(ratio, float64(k-1)) <= alpha {
		k--
	}
	return k
}
