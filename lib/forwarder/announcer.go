// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package forwarder

import (
	"github.com/syncthing/upnpbridge/lib/control"
	"github.com/syncthing/upnpbridge/lib/gateway"
	"github.com/syncthing/upnpbridge/lib/rewrite"
	"github.com/syncthing/upnpbridge/lib/ssdpmsg"
)

// LocalDevices lists the devices on the local network.
type LocalDevices interface {
	LocalDevices() []ssdpmsg.Device
}

// Announcer is the local SSDP side of the connection manager: it knows
// what to tell a new peer about this network, and multicasts what peers
// tell us.
type Announcer struct {
	udn     string
	devices LocalDevices
	rw      *rewrite.Rewriter
	inject  func(ssdpmsg.Notification) error
}

var _ gateway.LocalSSDP = (*Announcer)(nil)

func NewAnnouncer(gatewayUDN string, devices LocalDevices, rw *rewrite.Rewriter, inject func(ssdpmsg.Notification) error) *Announcer {
	return &Announcer{udn: gatewayUDN, devices: devices, rw: rw, inject: inject}
}

// Announcements returns our gateway device followed by every local
// device, with locations leading through our HTTP server.
func (a *Announcer) Announcements() []ssdpmsg.Notification {
	ns := gatewayDevice(a.udn, a.rw).Notifications()
	for _, d := range withoutUDN(a.devices.LocalDevices(), a.udn) {
		for _, n := range d.Notifications() {
			n.Location = a.rw.ProxyLocation(n.Location)
			ns = append(ns, n)
		}
	}
	return ns
}

func (a *Announcer) Inject(n ssdpmsg.Notification) error {
	return a.inject(n)
}

// gatewayDevice is our gateway device as peers see it.
func gatewayDevice(udn string, rw *rewrite.Rewriter) ssdpmsg.Device {
	return ssdpmsg.Device{
		UDN:          udn,
		DeviceType:   gateway.DeviceType,
		ServiceTypes: []string{gateway.ServiceType},
		Location:     "http://" + rw.GlobalHostPort() + control.DescriptionPath,
	}
}
