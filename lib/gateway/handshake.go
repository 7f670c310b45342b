// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package gateway

import (
	"context"
	"log/slog"
	"net"

	"github.com/syncthing/upnpbridge/internal/slogutil"
	"github.com/syncthing/upnpbridge/lib/peer"
)

// OnPeerDiscovered is called when the gateway device of another gateway
// appears. If we are searching for it, it becomes a connected peer and the
// handshake starts. The first pending record with the advertised address
// wins.
func (m *Manager) OnPeerDiscovered(ctx context.Context, dev RemoteGateway) {
	l := m.l.With(slog.String("udn", dev.UDN()))

	actx, cancel := context.WithTimeout(ctx, m.opts.ActionTimeout)
	address, err := dev.DiscoveryAddress(actx)
	cancel()
	if err != nil {
		l.Warn("Failed to read discovery address of gateway", slogutil.Error(err))
		metricHandshakes.WithLabelValues(handshakeFailed).Inc()
		return
	}
	addr, err := m.resolve(ctx, address)
	if err != nil {
		l.Warn("Gateway advertises an invalid discovery address", slog.String("address", address))
		metricHandshakes.WithLabelValues(handshakeFailed).Inc()
		return
	}

	m.connMut.Lock()
	rec := m.pending.TakeAddress(addr)
	if rec == nil {
		m.connMut.Unlock()
		l.Debug("Discovered gateway is not a pending peer", slogutil.Address(addr))
		return
	}
	rec.Status = peer.Connected
	cp := &connectedPeer{
		rec:        rec,
		dev:        dev,
		announceTo: rec.UDPAddr(),
	}
	m.connected[rec.ConnectionID] = cp
	m.connMut.Unlock()
	m.updatePeerMetrics()
	l.Info("Connected to peer", slogutil.Address(rec.AddrPort()), slog.Int("connection", rec.ConnectionID))

	m.establishConnection(ctx, cp)
}

// establishConnection asks the peer whether it sees us too. If it does,
// the connection is complete on our side and we tell the peer.
func (m *Manager) establishConnection(ctx context.Context, cp *connectedPeer) {
	ctx, cancel := context.WithTimeout(ctx, m.opts.ActionTimeout)
	defer cancel()

	myAddr := m.opts.GlobalAddress.String()
	ok, err := cp.dev.IsBidirectionalConnection(ctx, myAddr, m.opts.DiscoveryPort)
	if err != nil {
		m.l.Warn("Failed to check connection with peer", slogutil.Address(cp.announceTo), slogutil.Error(err))
		metricHandshakes.WithLabelValues(handshakeFailed).Inc()
		return
	}
	if !ok {
		m.l.Debug("Peer has not found us yet", slogutil.Address(cp.announceTo))
		metricHandshakes.WithLabelValues(handshakeUnidirectional).Inc()
		return
	}

	m.completeHandshake(cp.rec.ConnectionID)
	if err := cp.dev.ConnectionEstablished(ctx, myAddr, m.opts.DiscoveryPort); err != nil {
		m.l.Warn("Failed to confirm connection with peer", slogutil.Address(cp.announceTo), slogutil.Error(err))
	}
}

// completeHandshake marks the connected peer as established and sends it
// our announcements, unless that already happened. It reports whether
// announcements went out.
func (m *Manager) completeHandshake(id int) bool {
	m.connMut.Lock()
	cp, ok := m.connected[id]
	if !ok || cp.established {
		m.connMut.Unlock()
		return false
	}
	cp.established = true
	to := cp.announceTo
	m.connMut.Unlock()

	metricHandshakes.WithLabelValues(handshakeEstablished).Inc()
	m.l.Info("Connection with peer established", slogutil.Address(to), slog.Int("connection", id))
	m.announceAlive(to)
	return true
}

// announceAlive sends the alive messages of the gateway and all local
// devices to a peer.
func (m *Manager) announceAlive(to *net.UDPAddr) {
	for _, n := range m.local.Announcements() {
		if err := m.sender.Send(n.AliveMessage().Bytes(), to); err != nil {
			m.l.Debug("Failed to send announcement", slogutil.Address(to), slogutil.Error(err))
		}
	}
}

// OnPeerGone is called when the gateway device with the given UDN
// disappears. Auto-connect peers go back to being searched for, others are
// forgotten.
func (m *Manager) OnPeerGone(udn string) {
	m.connMut.Lock()
	var gone *connectedPeer
	for id, cp := range m.connected {
		if cp.dev.UDN() == udn {
			gone = cp
			delete(m.connected, id)
			break
		}
	}
	m.connMut.Unlock()
	if gone == nil {
		return
	}
	defer m.updatePeerMetrics()

	rec := gone.rec
	if !m.isAuto(rec.ConnectionID) {
		m.l.Info("Lost peer", slogutil.Address(rec.AddrPort()), slog.Int("connection", rec.ConnectionID))
		return
	}
	m.l.Info("Lost auto-connect peer, searching again", slogutil.Address(rec.AddrPort()), slog.Int("connection", rec.ConnectionID))
	rec.Reset()
	if !m.discovery.Add(rec) {
		m.l.Debug("Peer is already pending", slogutil.Address(rec.AddrPort()))
	}
}
