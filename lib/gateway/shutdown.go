// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package gateway

import (
	"log/slog"

	"github.com/syncthing/upnpbridge/internal/slogutil"
	"github.com/syncthing/upnpbridge/lib/ssdpmsg"
)

// Shutdown says goodbye for every device we know. Local devices leave
// towards the transparently connected peers, devices learned from peers
// leave the local network.
func (m *Manager) Shutdown() {
	peers := m.PeerAddrs(true)
	var local, remote int
	for _, d := range m.cp.Devices() {
		for _, n := range d.Notifications() {
			n.NTS = ssdpmsg.NTSByeBye
			if d.Remote {
				if err := m.local.Inject(n); err != nil {
					m.l.Debug("Failed to inject byebye", slogutil.Error(err))
				}
				continue
			}
			bs := n.ByeByeMessage().Bytes()
			for _, to := range peers {
				if err := m.sender.Send(bs, to); err != nil {
					m.l.Debug("Failed to send byebye", slogutil.Address(to), slogutil.Error(err))
				}
			}
		}
		if d.Remote {
			remote++
		} else {
			local++
		}
	}
	m.l.Info("Sent byebye for known devices", slog.Int("local", local), slog.Int("remote", remote), slog.Int("peers", len(peers)))
}
