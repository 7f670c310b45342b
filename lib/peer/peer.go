// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package peer describes remote gateways we want to be, or are, connected
// to.
package peer

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
	"sync/atomic"
	"time"
)

// Type is the way a connected peer exchanges announcements with us.
type Type int

const (
	Transparent Type = iota // all local announcements are forwarded
	Evented                 // announcements only on explicit events
	Manual                  // nothing is forwarded automatically
)

func (t Type) String() string {
	switch t {
	case Transparent:
		return "Transparent"
	case Evented:
		return "Evented"
	case Manual:
		return "Manual"
	default:
		return fmt.Sprintf("Type(%d)", int(t))
	}
}

// ParseType parses the wire form of a connection type. The empty string
// means Transparent.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "transparent":
		return Transparent, nil
	case "evented":
		return Evented, nil
	case "manual":
		return Manual, nil
	default:
		return 0, fmt.Errorf("unknown connection type %q", s)
	}
}

type Status int

const (
	Disconnected Status = iota
	Searching
	Connected
)

func (s Status) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Searching:
		return "Searching"
	case Connected:
		return "Connected"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// NoID is the connection ID of a record that has not been assigned one.
const NoID = -1

// A Record is a remote gateway identified by the address and port of its
// discovery socket. Address, Port, Type and, once assigned, ConnectionID
// never change. The remaining fields are only touched by whoever holds the
// record, which is the Set it lives in.
type Record struct {
	Address      netip.Addr
	Port         int
	Type         Type
	ConnectionID int

	Status     Status
	LastProbe  time.Time
	ProbeCount int
}

func NewRecord(addr netip.Addr, port int, typ Type) *Record {
	return &Record{
		Address:      addr.Unmap(),
		Port:         port,
		Type:         typ,
		ConnectionID: NoID,
		Status:       Disconnected,
	}
}

// Equal reports whether both records point at the same discovery socket.
func (r *Record) Equal(other *Record) bool {
	return r.Address == other.Address && r.Port == other.Port
}

func (r *Record) AddrPort() netip.AddrPort {
	return netip.AddrPortFrom(r.Address, uint16(r.Port))
}

func (r *Record) UDPAddr() *net.UDPAddr {
	return net.UDPAddrFromAddrPort(r.AddrPort())
}

// Reset puts the record back to the state of a fresh search.
func (r *Record) Reset() {
	r.Status = Searching
	r.LastProbe = time.Time{}
	r.ProbeCount = 0
}

func (r *Record) Info() Info {
	return Info{
		ConnectionID: r.ConnectionID,
		Address:      r.Address,
		Port:         r.Port,
		Type:         r.Type,
		Status:       r.Status,
	}
}

func (r *Record) String() string {
	return fmt.Sprintf("%s/%v#%d", r.AddrPort(), r.Type, r.ConnectionID)
}

// Info is a snapshot of a record, safe to hand out.
type Info struct {
	ConnectionID int
	Address      netip.Addr
	Port         int
	Type         Type
	Status       Status
}

// IDs hands out connection IDs. IDs start at 1, only ever grow and are
// never reused.
type IDs struct {
	last atomic.Int64
}

func (i *IDs) Next() int {
	return int(i.last.Add(1))
}

// Assign gives r an ID unless it already has one.
func (i *IDs) Assign(r *Record) {
	if r.ConnectionID == NoID {
		r.ConnectionID = i.Next()
	}
}
