// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package controlpoint

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"strings"

	"github.com/koron/go-ssdp"

	"github.com/syncthing/upnpbridge/internal/slogutil"
	"github.com/syncthing/upnpbridge/lib/ssdpmsg"
)

// A LocalHandler is told about SSDP traffic on the local network, after
// the control point has seen it.
type LocalHandler interface {
	LocalNotification(n ssdpmsg.Notification, from net.Addr)
	LocalSearch(st string, mx int, from net.Addr)
}

// Monitor listens to SSDP multicast on the local network and feeds it to
// the control point and an optional LocalHandler.
type Monitor struct {
	cp      *ControlPoint
	handler LocalHandler
	l       *slog.Logger
}

func NewMonitor(cp *ControlPoint, handler LocalHandler, l *slog.Logger) *Monitor {
	return &Monitor{cp: cp, handler: handler, l: slogutil.OrDefault(l)}
}

func (m *Monitor) Serve(ctx context.Context) error {
	mon := &ssdp.Monitor{
		Alive:  m.onAlive,
		Bye:    m.onBye,
		Search: m.onSearch,
	}
	if err := mon.Start(); err != nil {
		return err
	}
	m.l.Debug("Listening for local SSDP traffic")
	<-ctx.Done()
	if err := mon.Close(); err != nil {
		m.l.Debug("Closing SSDP monitor", slogutil.Error(err))
	}
	return ctx.Err()
}

func (m *Monitor) onAlive(msg *ssdp.AliveMessage) {
	n := ssdpmsg.Notification{
		NT:       msg.Type,
		NTS:      ssdpmsg.NTSAlive,
		USN:      msg.USN,
		Location: msg.Location,
		Server:   msg.Server,
		MaxAge:   msg.MaxAge(),
	}
	m.cp.HandleNotification(n, false)
	if m.handler != nil {
		m.handler.LocalNotification(n, msg.From)
	}
}

func (m *Monitor) onBye(msg *ssdp.ByeMessage) {
	n := ssdpmsg.Notification{
		NT:  msg.Type,
		NTS: ssdpmsg.NTSByeBye,
		USN: msg.USN,
	}
	m.cp.HandleNotification(n, false)
	if m.handler != nil {
		m.handler.LocalNotification(n, msg.From)
	}
}

func (m *Monitor) onSearch(msg *ssdp.SearchMessage) {
	if m.handler == nil || msg.Type == "" {
		return
	}
	mx, err := strconv.Atoi(strings.TrimSpace(msg.Header().Get("MX")))
	if err != nil || mx <= 0 {
		mx = 3
	}
	m.handler.LocalSearch(msg.Type, mx, msg.From)
}

func (m *Monitor) String() string {
	return "controlpoint.Monitor"
}

// Inject multicasts n on the local network, as if the device it describes
// were here.
func Inject(n ssdpmsg.Notification) error {
	if n.IsAlive() {
		server := n.Server
		if server == "" {
			server = ssdpmsg.Server
		}
		maxAge := n.MaxAge
		if maxAge <= 0 {
			maxAge = ssdpmsg.DefaultMaxAge
		}
		return ssdp.AnnounceAlive(n.NT, n.USN, n.Location, server, maxAge, "")
	}
	return ssdp.AnnounceBye(n.NT, n.USN, "")
}
