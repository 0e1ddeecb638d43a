// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2025-present Datadog, Inc.

//go:build linux

package packets

import (
	"fmt"
	"net/netip"
	"os"
	"syscall"

	goerrors "errors"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// sinkLinux writes whole IP packets through a raw socket with header
// inclusion enabled.
type sinkLinux struct {
	sock    *os.File
	rawConn syscall.RawConn
}

var _ Sink = &sinkLinux{}

// NewSinkLinux returns a Sink for the given address family.
func NewSinkLinux(addr netip.Addr) (Sink, error) {
	var domain, protocol, hdrincl int
	switch {
	case addr.Is4():
		domain = unix.AF_INET
		protocol = unix.IPPROTO_IP
		hdrincl = unix.IP_HDRINCL
	case addr.Is6():
		domain = unix.AF_INET6
		protocol = unix.IPPROTO_IPV6
		hdrincl = unix.IPV6_HDRINCL
	default:
		return nil, fmt.Errorf("sink supports only IPv4 or IPv6 addresses")
	}

	fd, err := unix.Socket(domain, unix.SOCK_RAW|unix.SOCK_NONBLOCK, unix.IPPROTO_RAW)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create raw send socket")
	}

	if err := unix.SetsockoptInt(fd, protocol, hdrincl, 1); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "failed to enable header inclusion")
	}

	sock := os.NewFile(uintptr(fd), "")
	rawConn, err := sock.SyscallConn()
	if err != nil {
		sock.Close()
		return nil, errors.Wrap(err, "failed to get raw connection")
	}

	return &sinkLinux{sock: sock, rawConn: rawConn}, nil
}

// WriteTo writes the packet (buffer starts at the IP header) to addr.
func (s *sinkLinux) WriteTo(buf []byte, addr netip.AddrPort) error {
	sa, err := sockAddr(addr.Addr())
	if err != nil {
		return err
	}

	var sendErr error
	writeErr := s.rawConn.Write(func(fd uintptr) bool {
		sendErr = unix.Sendto(int(fd), buf, 0, sa)
		if sendErr == nil {
			return true
		}
		return !(sendErr == syscall.EAGAIN || sendErr == syscall.EWOULDBLOCK)
	})

	return goerrors.Join(writeErr, sendErr)
}

func (s *sinkLinux) Close() error {
	return s.sock.Close()
}

func sockAddr(addr netip.Addr) (unix.Sockaddr, error) {
	switch {
	case addr.Is4():
		sa := &unix.SockaddrInet4{}
		b := addr.As4()
		copy(sa.Addr[:], b[:])
		return sa, nil
	case addr.Is6():
		sa := &unix.SockaddrInet6{}
		b := addr.As16()
		copy(sa.Addr[:], b[:])
		return sa, nil
	default:
		return nil, fmt.Errorf("invalid IP address")
	}
}
