// Copyright (C) 2019 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package stun finds the address the gateway is seen as from the
// Internet, for when no global host is configured.
package stun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"

	"github.com/ccding/go-stun/stun"

	"github.com/syncthing/upnpbridge/internal/slogutil"
	"github.com/syncthing/upnpbridge/lib/svcutil"
)

type NATType = stun.NATType

// NAT types.

const (
	NATError                = stun.NATError
	NATUnknown              = stun.NATUnknown
	NATNone                 = stun.NATNone
	NATBlocked              = stun.NATBlocked
	NATFull                 = stun.NATFull
	NATSymmetric            = stun.NATSymmetric
	NATRestricted           = stun.NATRestricted
	NATPortRestricted       = stun.NATPortRestricted
	NATSymmetricUDPFirewall = stun.NATSymmetricUDPFirewall
)

var DefaultServers = []string{
	"stun.syncthing.net:3478",
	"stun.l.google.com:19302",
}

var ErrNoAddress = errors.New("no STUN server returned an address")

// A Result is what a STUN server told us about our network.
type Result struct {
	Address netip.Addr
	NATType NATType
	Server  string
}

// Reachable reports whether peers can send to our sockets once we have
// sent to them, which is what the discovery handshake relies on.
func (r Result) Reachable() bool {
	switch r.NATType {
	case NATNone, NATFull, NATRestricted, NATPortRestricted, NATSymmetricUDPFirewall:
		return true
	default:
		return false
	}
}

// Lookup asks the servers in turn for our external address and returns
// the first usable answer.
func Lookup(ctx context.Context, servers []string, l *slog.Logger) (Result, error) {
	l = slogutil.OrDefault(l)
	for _, addr := range servers {
		res, err := lookupServer(ctx, addr)
		if err != nil {
			l.Debug("STUN lookup failed", slog.String("server", addr), slogutil.Error(err))
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			continue
		}
		l.Debug("STUN lookup", slog.String("server", addr), slog.String("address", res.Address.String()), slog.String("natType", res.NATType.String()))
		return res, nil
	}
	return Result{}, ErrNoAddress
}

func lookupServer(ctx context.Context, addr string) (Result, error) {
	// Resolve the address, so that all requests of the discovery hit the
	// same server.
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return Result{}, err
	}
	client := stun.NewClient()
	client.SetSoftwareName("") // Explicitly unset this, seems to freak some servers out.
	client.SetServerAddr(udpAddr.String())

	var natType stun.NATType
	var extAddr *stun.Host
	err = svcutil.CallWithContext(ctx, func() error {
		var err error
		natType, extAddr, err = client.Discover()
		return err
	})
	if err != nil {
		return Result{}, err
	}
	if extAddr == nil {
		return Result{}, fmt.Errorf("%s: no address", addr)
	}
	// The stun server is most likely borked, try another one.
	if natType == NATError || natType == NATUnknown || natType == NATBlocked {
		return Result{}, fmt.Errorf("%s: bad result: %v", addr, natType)
	}
	ip, err := netip.ParseAddr(extAddr.IP())
	if err != nil {
		return Result{}, fmt.Errorf("%s: %w", addr, err)
	}
	return Result{Address: ip.Unmap(), NATType: natType, Server: addr}, nil
}
