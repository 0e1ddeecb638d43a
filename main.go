// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2025-present Datadog, Inc.

// multipath-traceroute prints the IP-level forwarding path toward a host,
// including the parallel paths per-flow load balancers induce.
package main

import (
	"github.com/DataDog/multipath-traceroute/cmd"
)

func main() {
	cmd.Execute()
}
