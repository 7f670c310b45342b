// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package osutil

import (
	"net"
	"net/netip"
)

// IPFromAddr returns the IP address of a TCP or UDP address, or of
// anything that formats as host:port.
func IPFromAddr(addr net.Addr) (netip.Addr, error) {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.AddrPort().Addr().Unmap(), nil
	case *net.UDPAddr:
		return a.AddrPort().Addr().Unmap(), nil
	default:
		ap, err := netip.ParseAddrPort(addr.String())
		return ap.Addr().Unmap(), err
	}
}
