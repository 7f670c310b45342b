// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package peer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"strconv"
	"strings"

	"github.com/syncthing/upnpbridge/lib/osutil"
)

var ErrNoAddress = errors.New("host has no usable address")

// A Resolver looks up host names. *net.Resolver satisfies it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Resolve returns the address of host, which may be an IP literal or a
// name. IPv4 addresses are preferred.
func Resolve(ctx context.Context, host string, r Resolver) (netip.Addr, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		return netip.Addr{}, ErrNoAddress
	}
	if addr, err := netip.ParseAddr(strings.Trim(host, "[]")); err == nil {
		return addr.Unmap(), nil
	}
	if r == nil {
		r = net.DefaultResolver
	}
	addrs, err := r.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("resolving %s: %w", host, err)
	}
	var best netip.Addr
	for _, a := range addrs {
		a = a.Unmap()
		if a.Is4() {
			return a, nil
		}
		if !best.IsValid() {
			best = a
		}
	}
	if !best.IsValid() {
		return netip.Addr{}, ErrNoAddress
	}
	return best, nil
}

// ParseAddress parses a "host:port" peer address.
func ParseAddress(ctx context.Context, s string, r Resolver) (netip.AddrPort, error) {
	host, portStr, err := net.SplitHostPort(strings.TrimSpace(s))
	if err != nil {
		return netip.AddrPort{}, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || !ValidPort(port) {
		return netip.AddrPort{}, fmt.Errorf("invalid port %q", portStr)
	}
	addr, err := Resolve(ctx, host, r)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return netip.AddrPortFrom(addr, uint16(port)), nil
}

func ValidPort(port int) bool {
	return port > 0 && port <= 65535
}

// ReadList reads a peer list: one "host:port" per line, blank lines and
// lines starting with # ignored. Lines that fail to parse are skipped and
// reported together in the returned error, alongside the good entries.
func ReadList(ctx context.Context, rd io.Reader, r Resolver) ([]netip.AddrPort, error) {
	var entries []netip.AddrPort
	var errs []error
	sc := bufio.NewScanner(rd)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ap, err := ParseAddress(ctx, line, r)
		if err != nil {
			errs = append(errs, fmt.Errorf("line %d: %w", lineNo, err))
			continue
		}
		entries = append(entries, ap)
	}
	if err := sc.Err(); err != nil {
		errs = append(errs, err)
	}
	return entries, errors.Join(errs...)
}

// LoadList reads the peer list at path. A missing file is an empty list.
func LoadList(ctx context.Context, path string, r Resolver) ([]netip.AddrPort, error) {
	fd, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer fd.Close()
	return ReadList(ctx, fd, r)
}

// WriteList atomically replaces the peer list at path.
func WriteList(path string, entries []netip.AddrPort) error {
	w, err := osutil.CreateAtomic(path)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, "# Peers to connect to automatically, one host:port per line.")
	for _, e := range entries {
		fmt.Fprintln(w, e.String())
	}
	return w.Close()
}
