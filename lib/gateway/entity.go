// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package gateway

import (
	"context"
	"log/slog"

	"github.com/syncthing/upnpbridge/internal/slogutil"
	"github.com/syncthing/upnpbridge/lib/ssdpmsg"
)

// A Dialer returns the action client for the gateway device d.
type Dialer func(ctx context.Context, d ssdpmsg.Device) (RemoteGateway, error)

type deviceEvent struct {
	dev  ssdpmsg.Device
	gone bool
}

// Entity feeds the control point's device events for other gateways into
// the Manager. It is a service; when it stops, the Manager says goodbye
// for all known devices.
type Entity struct {
	m      *Manager
	udn    string
	dial   Dialer
	events chan deviceEvent
	l      *slog.Logger
}

func NewEntity(m *Manager, ownUDN string, dial Dialer, l *slog.Logger) *Entity {
	return &Entity{
		m:      m,
		udn:    ownUDN,
		dial:   dial,
		events: make(chan deviceEvent, 64),
		l:      slogutil.OrDefault(l),
	}
}

func (e *Entity) isPeerGateway(d ssdpmsg.Device) bool {
	return d.DeviceType == DeviceType && d.UDN != e.udn
}

// DeviceAppeared is called by the control point for every new device.
func (e *Entity) DeviceAppeared(d ssdpmsg.Device) {
	if e.isPeerGateway(d) {
		e.post(deviceEvent{dev: d})
	}
}

// DeviceGone is called by the control point for every vanished device.
func (e *Entity) DeviceGone(d ssdpmsg.Device) {
	if e.isPeerGateway(d) {
		e.post(deviceEvent{dev: d, gone: true})
	}
}

func (e *Entity) post(ev deviceEvent) {
	select {
	case e.events <- ev:
	default:
		e.l.Warn("Dropping gateway device event, queue full", slog.String("udn", ev.dev.UDN))
	}
}

func (e *Entity) Serve(ctx context.Context) error {
	defer e.m.Shutdown()
	for {
		select {
		case ev := <-e.events:
			e.handle(ctx, ev)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (e *Entity) handle(ctx context.Context, ev deviceEvent) {
	if ev.gone {
		e.m.OnPeerGone(ev.dev.UDN)
		return
	}
	rg, err := e.dial(ctx, ev.dev)
	if err != nil {
		e.l.Warn("Failed to reach gateway device", slog.String("udn", ev.dev.UDN), slog.String("location", ev.dev.Location), slogutil.Error(err))
		metricHandshakes.WithLabelValues(handshakeFailed).Inc()
		return
	}
	e.m.OnPeerDiscovered(ctx, rg)
}

func (e *Entity) String() string {
	return "gateway.Entity@" + e.udn
}
