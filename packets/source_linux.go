// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2025-present Datadog, Inc.

//go:build linux

package packets

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"
)

// sourceLinux drains traceroute responses from one raw ICMP socket and,
// when TCP tracerouting, a second raw TCP socket. Reads poll both with a
// deadline so the event loop stays in control.
type sourceLinux struct {
	v6       bool
	icmpFd   int
	tcpFd    int // -1 unless watching for direct TCP responses
	deadline time.Time
}

var _ Source = &sourceLinux{}

// NewSourceLinux opens the receive socket(s) for the address family of addr.
func NewSourceLinux(addr netip.Addr) (Source, error) {
	src := &sourceLinux{v6: addr.Is6(), icmpFd: -1, tcpFd: -1}

	domain, icmpProto := unix.AF_INET, unix.IPPROTO_ICMP
	if src.v6 {
		domain, icmpProto = unix.AF_INET6, unix.IPPROTO_ICMPV6
	}
	fd, err := unix.Socket(domain, unix.SOCK_RAW|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, icmpProto)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create raw ICMP socket")
	}
	src.icmpFd = fd
	return src, nil
}

// SetPacketFilter attaches the cBPF type filter to the ICMP socket and,
// for TCP mode, opens the companion TCP socket.
func (s *sourceLinux) SetPacketFilter(spec PacketFilterSpec) error {
	prog := icmpv4TypeFilter()
	if s.v6 {
		prog = icmpv6TypeFilter()
	}
	raw, err := assembleFilter(prog)
	if err != nil {
		return err
	}
	if err := attachFilter(s.icmpFd, raw); err != nil {
		return errors.Wrap(err, "failed to attach ICMP filter")
	}

	if spec.FilterType == FilterTypeICMPAndTCP && s.tcpFd == -1 {
		domain := unix.AF_INET
		if s.v6 {
			domain = unix.AF_INET6
		}
		fd, err := unix.Socket(domain, unix.SOCK_RAW|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
		if err != nil {
			return errors.Wrap(err, "failed to create raw TCP socket")
		}
		s.tcpFd = fd
	}
	return nil
}

func attachFilter(fd int, raw []bpf.RawInstruction) error {
	filters := make([]unix.SockFilter, len(raw))
	for i, ins := range raw {
		filters[i] = unix.SockFilter{Code: ins.Op, Jt: ins.Jt, Jf: ins.Jf, K: ins.K}
	}
	prog := unix.SockFprog{
		Len:    uint16(len(filters)),
		Filter: &filters[0],
	}
	return unix.SetsockoptSockFprog(fd, unix.SOL_SOCKET, unix.SO_ATTACH_FILTER, &prog)
}

func (s *sourceLinux) SetReadDeadline(t time.Time) {
	s.deadline = t
}

// readTimeout caps how long a single poll may park; a floor keeps us from
// issuing a syscall doomed to time out immediately.
func readTimeout(deadline time.Time) time.Duration {
	const (
		defaultTimeout = 1000 * time.Millisecond
		minTimeout     = time.Millisecond
	)
	if deadline.IsZero() {
		return defaultTimeout
	}
	timeout := time.Until(deadline)
	if timeout < minTimeout {
		return minTimeout
	}
	return timeout
}

// Read polls the socket(s) and returns one packet. ErrReadTimeout when the
// deadline passes first.
func (s *sourceLinux) Read(buf []byte) (int, Meta, error) {
	fds := []unix.PollFd{{Fd: int32(s.icmpFd), Events: unix.POLLIN}}
	if s.tcpFd != -1 {
		fds = append(fds, unix.PollFd{Fd: int32(s.tcpFd), Events: unix.POLLIN})
	}

	timeout := readTimeout(s.deadline)
	for {
		n, err := unix.Poll(fds, int(timeout.Milliseconds())+1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, Meta{}, errors.Wrap(err, "poll failed")
		}
		if n == 0 {
			return 0, Meta{}, ErrReadTimeout
		}
		break
	}

	for _, pfd := range fds {
		if pfd.Revents&unix.POLLIN == 0 {
			continue
		}
		n, sa, err := unix.Recvfrom(int(pfd.Fd), buf, 0)
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			continue
		}
		if err != nil {
			return 0, Meta{}, errors.Wrap(err, "recvfrom failed")
		}
		meta := Meta{At: time.Now(), Proto: ProtoICMP}
		if int(pfd.Fd) == s.tcpFd {
			meta.Proto = ProtoTCP
		}
		meta.From = addrFromSockaddr(sa)
		return n, meta, nil
	}
	return 0, Meta{}, ErrReadTimeout
}

func addrFromSockaddr(sa unix.Sockaddr) netip.Addr {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrFrom4(v.Addr)
	case *unix.SockaddrInet6:
		return netip.AddrFrom16(v.Addr)
	}
	return netip.Addr{}
}

func (s *sourceLinux) Close() error {
	var firstErr error
	if s.icmpFd != -1 {
		if err := unix.Close(s.icmpFd); err != nil && firstErr == nil {
			firstErr = err
		}
		s.icmpFd = -1
	}
	if s.tcpFd != -1 {
		if err := unix.Close(s.tcpFd); err != nil && firstErr == nil {
			firstErr = err
		}
		s.tcpFd = -1
	}
	if firstErr != nil {
		return fmt.Errorf("failed to close source: %w", firstErr)
	}
	return nil
}
