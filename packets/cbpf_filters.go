// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2025-present Datadog, Inc.

package packets

import (
	"fmt"

	"golang.org/x/net/bpf"
)

// accepted snap length, same value tcpdump emits
const acceptLen = 0x40000

// icmpv4TypeFilter accepts time-exceeded, destination-unreachable and
// echo-reply ICMPv4 packets. The socket data starts at the IP header, so
// the ICMP type sits behind a variable-length IHL.
func icmpv4TypeFilter() []bpf.Instruction {
	return []bpf.Instruction{
		bpf.LoadMemShift{Off: 0},                                           // X = IHL*4
		bpf.LoadIndirect{Off: 0, Size: 1},                                  // A = ICMP type
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: 11, SkipTrue: 2},              // time exceeded
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: 3, SkipTrue: 1},               // dest unreachable
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: 0, SkipTrue: 0, SkipFalse: 1}, // echo reply
		bpf.RetConstant{Val: acceptLen},
		bpf.RetConstant{Val: 0},
	}
}

// icmpv6TypeFilter is the v6 counterpart; v6 raw sockets hand us the
// ICMPv6 header directly at offset 0.
func icmpv6TypeFilter() []bpf.Instruction {
	return []bpf.Instruction{
		bpf.LoadAbsolute{Off: 0, Size: 1},                                    // A = ICMPv6 type
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: 3, SkipTrue: 2},                 // time exceeded
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: 1, SkipTrue: 1},                 // dest unreachable
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: 129, SkipTrue: 0, SkipFalse: 1}, // echo reply
		bpf.RetConstant{Val: acceptLen},
		bpf.RetConstant{Val: 0},
	}
}

func assembleFilter(prog []bpf.Instruction) ([]bpf.RawInstruction, error) {
	raw, err := bpf.Assemble(prog)
	if err != nil {
		return nil, fmt.Errorf("failed to assemble cBPF filter: %w", err)
	}
	return raw, nil
}
