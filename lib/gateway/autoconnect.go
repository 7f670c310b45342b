// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"slices"

	"github.com/syncthing/upnpbridge/internal/slogutil"
	"github.com/syncthing/upnpbridge/lib/peer"
)

// LoadAutoConnections reads the auto-connect file and starts searching for
// every peer in it. Entries pointing at ourselves are skipped. Unreadable
// lines are reported in the returned error; the other entries are still
// used.
func (m *Manager) LoadAutoConnections(ctx context.Context) error {
	if m.opts.AutoConnectFile == "" {
		return nil
	}
	entries, err := peer.LoadList(ctx, m.opts.AutoConnectFile, m.opts.Resolver)
	if err != nil {
		m.l.Warn("Problems reading auto-connect file", slog.String("path", m.opts.AutoConnectFile), slogutil.Error(err))
	}
	for _, ap := range entries {
		if ap.Addr() == m.opts.GlobalAddress {
			m.l.Debug("Skipping own address in auto-connect file", slogutil.Address(ap))
			continue
		}
		id := m.startAuto(peer.NewRecord(ap.Addr(), int(ap.Port()), peer.Transparent))
		m.autoMut.Lock()
		m.auto = append(m.auto, autoEntry{id: id, addr: ap})
		m.autoMut.Unlock()
	}
	m.updatePeerMetrics()
	if err != nil {
		return fmt.Errorf("auto-connect file: %w", err)
	}
	return nil
}

// startAuto starts the search for an auto-connect record and returns its
// connection ID. If the address is already pending or connected, the
// existing ID is used when the port matches too, and NoID otherwise.
func (m *Manager) startAuto(rec *peer.Record) int {
	existing, err := m.addPending(rec)
	if err != nil {
		if existing.Port == rec.Port {
			return existing.ConnectionID
		}
		return peer.NoID
	}
	m.l.Info("Searching for auto-connect peer", slogutil.Address(rec.AddrPort()), slog.Int("connection", rec.ConnectionID))
	return rec.ConnectionID
}

func (m *Manager) isAuto(id int) bool {
	if id == peer.NoID {
		return false
	}
	m.autoMut.Lock()
	defer m.autoMut.Unlock()
	return slices.ContainsFunc(m.auto, func(e autoEntry) bool { return e.id == id })
}

// AddAutoConnection adds a peer to the auto-connect list, saves the list
// and starts searching for the peer.
func (m *Manager) AddAutoConnection(ctx context.Context, address string, port int, connType string) (id int, err error) {
	defer func() { countAction("AddAutoConnection", err) }()

	rec, err := m.newRecord(ctx, address, port, connType)
	if err != nil {
		return peer.NoID, err
	}
	ap := rec.AddrPort()

	m.autoMut.Lock()
	if i := slices.IndexFunc(m.auto, func(e autoEntry) bool { return e.addr == ap }); i >= 0 {
		id := m.auto[i].id
		m.autoMut.Unlock()
		return id, nil
	}
	m.autoMut.Unlock()

	id = m.startAuto(rec)

	m.autoMut.Lock()
	m.auto = append(m.auto, autoEntry{id: id, addr: ap})
	err = m.saveAutoLocked()
	m.autoMut.Unlock()
	m.updatePeerMetrics()
	if err != nil {
		m.l.Warn("Failed to save auto-connect file", slog.String("path", m.opts.AutoConnectFile), slogutil.Error(err))
	}
	return id, nil
}

// DeleteAutoConnection removes a peer from the auto-connect list and saves
// the list. The peer itself stays pending or connected.
func (m *Manager) DeleteAutoConnection(id int) (err error) {
	defer func() { countAction("DeleteAutoConnection", err) }()

	if id == peer.NoID {
		return ErrInvalidConnectionID
	}
	m.autoMut.Lock()
	i := slices.IndexFunc(m.auto, func(e autoEntry) bool { return e.id == id })
	if i < 0 {
		m.autoMut.Unlock()
		return ErrInvalidConnectionID
	}
	m.auto = slices.Delete(m.auto, i, i+1)
	serr := m.saveAutoLocked()
	m.autoMut.Unlock()
	m.updatePeerMetrics()
	if serr != nil {
		m.l.Warn("Failed to save auto-connect file", slog.String("path", m.opts.AutoConnectFile), slogutil.Error(serr))
	}
	return nil
}

func (m *Manager) saveAutoLocked() error {
	if m.opts.AutoConnectFile == "" {
		return nil
	}
	entries := make([]netip.AddrPort, len(m.auto))
	for i, e := range m.auto {
		entries[i] = e.addr
	}
	return peer.WriteList(m.opts.AutoConnectFile, entries)
}
