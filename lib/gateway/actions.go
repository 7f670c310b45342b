// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package gateway

import (
	"context"
	"log/slog"
	"net/netip"
	"strconv"
	"strings"

	"github.com/syncthing/upnpbridge/internal/slogutil"
	"github.com/syncthing/upnpbridge/lib/peer"
)

// newRecord validates the arguments common to Connect and
// AddAutoConnection.
func (m *Manager) newRecord(ctx context.Context, address string, port int, connType string) (*peer.Record, error) {
	if !peer.ValidPort(port) {
		return nil, ErrInvalidArgs
	}
	typ, err := peer.ParseType(connType)
	if err != nil {
		return nil, ErrInvalidArgs
	}
	addr, err := m.resolve(ctx, address)
	if err != nil {
		return nil, err
	}
	return peer.NewRecord(addr, port, typ), nil
}

func (m *Manager) resolve(ctx context.Context, address string) (netip.Addr, error) {
	if strings.TrimSpace(address) == "" {
		return netip.Addr{}, ErrInvalidAddress
	}
	addr, err := peer.Resolve(ctx, address, m.opts.Resolver)
	if err != nil {
		m.l.Debug("Failed to resolve peer address", slog.String("address", address), slogutil.Error(err))
		return netip.Addr{}, ErrInvalidAddress
	}
	return addr, nil
}

// connectedByAddress returns a snapshot of the connected peer with the
// given address.
func (m *Manager) connectedByAddress(addr netip.Addr) (peer.Info, bool) {
	m.connMut.Lock()
	defer m.connMut.Unlock()
	return m.connectedByAddressLocked(addr)
}

func (m *Manager) connectedByAddressLocked(addr netip.Addr) (peer.Info, bool) {
	for _, id := range m.sortedIDsLocked() {
		if rec := m.connected[id].rec; rec.Address == addr {
			return rec.Info(), true
		}
	}
	return peer.Info{}, false
}

// addPending starts the search for rec unless its address is pending or
// connected already, in which case that record is returned with the
// error. OnPeerDiscovered moves records from pending to connected under
// connMut, so an address is never missing from both while we look.
func (m *Manager) addPending(rec *peer.Record) (peer.Info, error) {
	m.connMut.Lock()
	defer m.connMut.Unlock()
	if info, ok := m.connectedByAddressLocked(rec.Address); ok {
		return info, ErrAlreadyConnected
	}
	if info, ok := m.pending.FindAddress(rec.Address); ok {
		return info, ErrAlreadyPending
	}
	if !m.discovery.Add(rec) {
		info, _ := m.pending.FindAddress(rec.Address)
		return info, ErrAlreadyPending
	}
	return rec.Info(), nil
}

// Connect starts searching for the peer at address and port and returns
// the connection ID assigned to it.
func (m *Manager) Connect(ctx context.Context, address string, port int, connType string) (id int, err error) {
	defer func() { countAction("Connect", err) }()

	rec, err := m.newRecord(ctx, address, port, connType)
	if err != nil {
		return peer.NoID, err
	}
	if _, err := m.addPending(rec); err != nil {
		return peer.NoID, err
	}
	m.updatePeerMetrics()
	m.l.Info("Searching for peer", slogutil.Address(rec.AddrPort()), slog.Int("connection", rec.ConnectionID), slog.String("type", rec.Type.String()))
	return rec.ConnectionID, nil
}

// IsBidirectionalConnection is called by a peer that found us. It reports
// whether we have found the peer at address and port too. If we are still
// searching for it, a new probe goes out right away.
func (m *Manager) IsBidirectionalConnection(ctx context.Context, address string, port int) (found bool, err error) {
	defer func() { countAction("IsBidirectionalConnection", err) }()

	if !peer.ValidPort(port) {
		return false, ErrInvalidArgs
	}
	addr, err := m.resolve(ctx, address)
	if err != nil {
		return false, err
	}

	if info, ok := m.connectedByAddress(addr); ok && info.Port == port {
		found = true
	}
	if m.discovery.Probe(addr) {
		m.l.Debug("Peer found us first, probing again", slogutil.Address(addr))
	}
	return found, nil
}

// ConnectionEstablished is called by a peer once it knows the connection
// works both ways; we answer with our announcements.
func (m *Manager) ConnectionEstablished(ctx context.Context, address string, port int) (err error) {
	defer func() { countAction("ConnectionEstablished", err) }()

	if !peer.ValidPort(port) {
		return ErrInvalidArgs
	}
	addr, err := m.resolve(ctx, address)
	if err != nil {
		return err
	}

	info, ok := m.connectedByAddress(addr)
	if !ok || info.Port != port {
		m.l.Debug("Connection established by unknown peer", slogutil.Address(netip.AddrPortFrom(addr, uint16(port))))
		return nil
	}
	m.completeHandshake(info.ConnectionID)
	return nil
}

// Disconnect forgets the pending or connected peer with the given ID. The
// remote gateway device itself stays known to the control point.
func (m *Manager) Disconnect(id int) (err error) {
	defer func() { countAction("Disconnect", err) }()
	defer m.updatePeerMetrics()

	if rec := m.pending.Remove(id); rec != nil {
		m.l.Info("Stopped searching for peer", slogutil.Address(rec.AddrPort()), slog.Int("connection", id))
		return nil
	}

	m.connMut.Lock()
	cp, ok := m.connected[id]
	delete(m.connected, id)
	m.connMut.Unlock()
	if !ok {
		return ErrInvalidConnectionID
	}
	m.l.Info("Disconnected from peer", slogutil.Address(cp.rec.AddrPort()), slog.Int("connection", id))
	return nil
}

// GetCurrentConnectionIDs returns the IDs of connected peers, comma
// separated in ascending order.
func (m *Manager) GetCurrentConnectionIDs() string {
	m.connMut.Lock()
	ids := m.sortedIDsLocked()
	m.connMut.Unlock()
	countAction("GetCurrentConnectionIDs", nil)
	return joinIDs(ids)
}

// GetAutoConnectionIDs returns the IDs of the auto-connect peers in file
// order.
func (m *Manager) GetAutoConnectionIDs() string {
	m.autoMut.Lock()
	ids := make([]int, 0, len(m.auto))
	for _, e := range m.auto {
		if e.id != peer.NoID {
			ids = append(ids, e.id)
		}
	}
	m.autoMut.Unlock()
	countAction("GetAutoConnectionIDs", nil)
	return joinIDs(ids)
}

func joinIDs(ids []int) string {
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = strconv.Itoa(id)
	}
	return strings.Join(strs, ",")
}

// GetConnectionInfo describes the peer with the given ID, looking at
// pending peers first.
func (m *Manager) GetConnectionInfo(id int) (info peer.Info, err error) {
	defer func() { countAction("GetConnectionInfo", err) }()

	if info, ok := m.pending.Get(id); ok {
		return info, nil
	}
	m.connMut.Lock()
	defer m.connMut.Unlock()
	if cp, ok := m.connected[id]; ok {
		return cp.rec.Info(), nil
	}
	return peer.Info{}, ErrInvalidConnectionID
}

// GetDeviceLocation tells whether the device with the given UDN lives on
// the local network or behind a peer.
func (m *Manager) GetDeviceLocation(udn string) string {
	countAction("GetDeviceLocation", nil)
	d, ok := m.cp.Device(udn)
	switch {
	case !ok:
		return LocationUnknown
	case d.Remote:
		return LocationGlobal
	default:
		return LocationLocal
	}
}
