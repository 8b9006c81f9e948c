// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package listener

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strconv"

	"golang.org/x/sys/unix"
)

// resolve turns a host/port pair into the sockaddr to bind a passive TCP
// socket to. fixed reports whether a specific port was requested.
func resolve(ctx context.Context, host, port string) (sa unix.Sockaddr, family int, fixed bool, err error) {
	portnum := 0
	if port != "" && port != "auto" {
		if portnum, err = net.DefaultResolver.LookupPort(ctx, "tcp", port); err != nil {
			return nil, 0, false, fmt.Errorf("resolve port: %w", err)
		}
	}

	addrs, err := lookupHost(ctx, host)
	if err != nil {
		return nil, 0, false, fmt.Errorf("resolve host: %w", err)
	}
	if len(addrs) == 0 {
		return nil, 0, false, ErrNoAddress
	}
	if len(addrs) > 1 {
		slog.Warn("many addresses to listen", "host", host, "count", len(addrs), "using", addrs[0])
	}

	addr := addrs[0]
	if addr.Is4() {
		return &unix.SockaddrInet4{Port: portnum, Addr: addr.As4()}, unix.AF_INET, portnum != 0, nil
	}

	sa6 := &unix.SockaddrInet6{Port: portnum, Addr: addr.As16()}
	if zone := addr.Zone(); zone != "" {
		if ifi, err := net.InterfaceByName(zone); err == nil {
			sa6.ZoneId = uint32(ifi.Index)
		} else if n, err := strconv.ParseUint(zone, 10, 32); err == nil {
			sa6.ZoneId = uint32(n)
		} else {
			return nil, 0, false, fmt.Errorf("resolve host: unknown zone %q", zone)
		}
	}
	return sa6, unix.AF_INET6, portnum != 0, nil
}

var lookupIPAddr = net.DefaultResolver.LookupIPAddr

func lookupHost(ctx context.Context, host string) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{addr}, nil
	}

	ips, err := lookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	var addrs []netip.Addr
	for _, ip := range ips {
		addr, ok := netip.AddrFromSlice(ip.IP)
		if !ok {
			continue
		}
		addrs = append(addrs, addr.Unmap().WithZone(ip.Zone))
	}
	return addrs, nil
}

// formatSockaddr renders a bound address for the "listening on" line: the
// path for UNIX sockets, numeric ip:port joined by a colon otherwise.
func formatSockaddr(sa unix.Sockaddr) string {
	switch sa := sa.(type) {
	case *unix.SockaddrUnix:
		return sa.Name
	case *unix.SockaddrInet4:
		return fmt.Sprintf("%s:%d", netip.AddrFrom4(sa.Addr), sa.Port)
	case *unix.SockaddrInet6:
		return fmt.Sprintf("%s:%d", netip.AddrFrom16(sa.Addr), sa.Port)
	default:
		return fmt.Sprintf("%T", sa)
	}
}
