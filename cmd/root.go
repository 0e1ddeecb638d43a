// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2025-present Datadog, Inc.

// Package cmd is the command-line front-end: option parsing, conflict
// checks and output formatting around the probing engine.
package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/DataDog/multipath-traceroute/log"
	"github.com/DataDog/multipath-traceroute/runner"
)

type args struct {
	ipv4      bool
	ipv6      bool
	algorithm string
	format    string
	debug     bool

	useICMP  bool
	useTCP   bool
	useUDP   bool
	protocol string

	srcPort int
	dstPort int

	maxTTL       int
	queries      int
	timeoutSec   float64
	minInterSend float64

	confidence float64
	maxBranch  int

	reverseDns bool
	publicIP   bool
}

var Args args

var rootCmd = &cobra.Command{
	Use:           "multipath-traceroute [options] host",
	Short:         "Print the IP-level path toward a host, with per-flow multipath detection",
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, argv []string) error {
		params, err := buildParams(cmd, argv[0])
		if err != nil {
			return err
		}
		log.SetVerbose(Args.debug)

		if Args.format == "default" {
			fmt.Printf("%s to %s, %d hops max\n", params.Algorithm, params.Hostname, params.MaxTTL)
		}

		results, err := runner.RunTraceroute(cmd.Context(), params)
		if err != nil {
			return err
		}

		switch Args.format {
		case "json":
			out, err := json.MarshalIndent(results, "", "  ")
			if err != nil {
				return fmt.Errorf("JSON marshalling failed: %w", err)
			}
			fmt.Println(string(out))
		default:
			results.WriteText(os.Stdout)
		}
		return nil
	},
}

// buildParams folds the flag surface into the engine's configuration
// record, applying the precedence and conflict rules: one IP version at
// most, one transport at most, explicit -I/-T/-U beating --protocol, and
// MDA-only options rejected under other algorithms.
func buildParams(cmd *cobra.Command, host string) (runner.Params, error) {
	p := runner.DefaultParams()
	p.Hostname = host

	if Args.ipv4 && Args.ipv6 {
		return p, &runner.ConfigError{Message: "cannot set both ip versions"}
	}
	switch {
	case Args.ipv4:
		p.IPFamily = "v4"
	case Args.ipv6:
		p.IPFamily = "v6"
	}

	explicit := 0
	for _, f := range []bool{Args.useICMP, Args.useTCP, Args.useUDP} {
		if f {
			explicit++
		}
	}
	if explicit > 1 {
		return p, &runner.ConfigError{Message: "cannot use simultaneously icmp, tcp and udp tracerouting"}
	}
	switch {
	case Args.useICMP:
		p.Protocol = "icmp"
	case Args.useTCP:
		p.Protocol = "tcp"
		p.TransportShorthand = true
	case Args.useUDP:
		p.Protocol = "udp"
		p.TransportShorthand = true
	default:
		p.Protocol = Args.protocol
	}

	p.Algorithm = Args.algorithm
	if p.Algorithm != "mda" && (cmd.Flags().Changed("confidence") || cmd.Flags().Changed("max-branch")) {
		return p, &runner.ConfigError{Message: "cannot pass mda options when using another algorithm"}
	}

	switch Args.format {
	case "default", "json":
	default:
		return p, &runner.ConfigError{Message: "format must be default or json"}
	}

	p.SrcPort = Args.srcPort
	p.DstPort = Args.dstPort
	p.MaxTTL = Args.maxTTL
	p.NumProbes = Args.queries
	p.ProbeTimeout = time.Duration(Args.timeoutSec * float64(time.Second))
	p.MinInterSend = Args.minInterSend
	p.Confidence = Args.confidence
	p.MaxBranch = Args.maxBranch
	p.ReverseDns = Args.reverseDns
	p.CollectSourcePublicIP = Args.publicIP
	p.Verbose = Args.debug
	return p, nil
}

// Execute runs the CLI; all failures exit 1 with a one-line diagnostic.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "E: %s\n", err)
		os.Exit(runner.ExitCode(err))
	}
}

func init() {
	defaults := runner.DefaultParams()

	rootCmd.Flags().BoolVarP(&Args.ipv4, "ipv4", "4", false, "Use IPv4")
	rootCmd.Flags().BoolVarP(&Args.ipv6, "ipv6", "6", false, "Use IPv6")
	rootCmd.Flags().StringVarP(&Args.algorithm, "algorithm", "a", defaults.Algorithm, "Traceroute algorithm (paris-traceroute, mda)")
	rootCmd.Flags().StringVarP(&Args.format, "format", "F", "default", "Output format (default, json)")
	rootCmd.Flags().BoolVarP(&Args.debug, "debug", "d", false, "Print engine debug information")
	rootCmd.Flags().BoolVarP(&Args.useICMP, "icmp", "I", false, "Use ICMP for tracerouting")
	rootCmd.Flags().BoolVarP(&Args.useTCP, "tcp", "T", false, "Use TCP for tracerouting (destination port defaults to 80)")
	rootCmd.Flags().BoolVarP(&Args.useUDP, "udp", "U", false, "Use UDP for tracerouting (destination port defaults to 53)")
	rootCmd.Flags().StringVarP(&Args.protocol, "protocol", "P", defaults.Protocol, "Probe protocol (udp, tcp, icmp)")
	rootCmd.Flags().IntVarP(&Args.srcPort, "src-port", "s", 0, "Source port (default 33456 udp, 16449 tcp)")
	rootCmd.Flags().IntVarP(&Args.dstPort, "dst-port", "p", 0, "Destination port (default 33457 udp, 16963 tcp)")
	rootCmd.Flags().IntVarP(&Args.maxTTL, "max-ttl", "m", defaults.MaxTTL, "Maximum TTL")
	rootCmd.Flags().IntVarP(&Args.queries, "queries", "q", defaults.NumProbes, "Probes per TTL")
	rootCmd.Flags().Float64Var(&Args.timeoutSec, "timeout", defaults.ProbeTimeout.Seconds(), "Per-probe timeout in seconds")
	rootCmd.Flags().Float64VarP(&Args.minInterSend, "min-inter-send", "z", 0, "Minimal interval between probes: seconds, or milliseconds when above 10")
	rootCmd.Flags().Float64Var(&Args.confidence, "confidence", defaults.Confidence, "MDA failure probability alpha")
	rootCmd.Flags().IntVar(&Args.maxBranch, "max-branch", defaults.MaxBranch, "MDA cap on parallel next-hops per interface")
	rootCmd.Flags().BoolVar(&Args.reverseDns, "reverse-dns", false, "Enrich hop IPs with reverse DNS names")
	rootCmd.Flags().BoolVar(&Args.publicIP, "public-ip", false, "Collect the source's public IP")
}
