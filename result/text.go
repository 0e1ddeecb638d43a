// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2025-present Datadog, Inc.

package result

import (
	"fmt"
	"io"
	"strings"
)

// WriteText renders the classic report: one line per TTL, each distinct
// responding address with its round-trip times, stars for unanswered
// probes, MDA's lattice appended when present.
func (r *Results) WriteText(w io.Writer) {
	for _, h := range r.Hops {
		fmt.Fprintf(w, "%2d ", h.TTL)

		// group the RTTs under their address, preserving first-seen order
		order := []string{}
		rtts := map[string][]string{}
		rdns := map[string][]string{}
		stars := 0
		for _, p := range h.Probes {
			if p.Timeout {
				stars++
				continue
			}
			if _, ok := rtts[p.IP]; !ok {
				order = append(order, p.IP)
				rdns[p.IP] = p.ReverseDNS
			}
			rtts[p.IP] = append(rtts[p.IP], fmt.Sprintf("%.3f ms", p.RTT))
		}

		parts := make([]string, 0, len(order)+1)
		for _, ip := range order {
			label := ip
			if len(rdns[ip]) > 0 {
				label = fmt.Sprintf("%s (%s)", rdns[ip][0], ip)
			}
			parts = append(parts, label+"  "+strings.Join(rtts[ip], "  "))
		}
		if stars > 0 {
			parts = append(parts, strings.TrimSpace(strings.Repeat("* ", stars)))
		}
		fmt.Fprintln(w, strings.Join(parts, "  "))
	}

	if r.Lattice != "" {
		fmt.Fprintln(w, "Lattice:")
		fmt.Fprint(w, r.Lattice)
	}
}
