// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package ssdpmsg

import (
	"slices"
	"strings"
)

// A Device is a root device as seen through SSDP.
type Device struct {
	UDN          string // "uuid:..."
	DeviceType   string
	ServiceTypes []string
	Location     string
	Server       string
	MaxAge       int

	// Remote is set for devices learned from a peer gateway rather than
	// from the local network.
	Remote bool
}

// Notifications returns the full announcement set of the device: root
// device, UDN, device type, then one per service type.
func (d Device) Notifications() []Notification {
	base := Notification{Location: d.Location, Server: d.Server, MaxAge: d.MaxAge}
	var ns []Notification

	add := func(nt, usn string) {
		n := base
		n.NT = nt
		n.USN = usn
		ns = append(ns, n)
	}

	add(RootDevice, d.UDN+"::"+RootDevice)
	add(d.UDN, d.UDN)
	if d.DeviceType != "" {
		add(d.DeviceType, d.UDN+"::"+d.DeviceType)
	}
	for _, st := range d.ServiceTypes {
		add(st, d.UDN+"::"+st)
	}
	return ns
}

// Matching returns the announcements that answer a search for st.
func (d Device) Matching(st string) []Notification {
	all := d.Notifications()
	if st == SearchAll {
		return all
	}
	return slices.DeleteFunc(all, func(n Notification) bool {
		return !strings.EqualFold(n.NT, st)
	})
}

// HasService reports whether the device offers the given service type.
func (d Device) HasService(serviceType string) bool {
	return slices.Contains(d.ServiceTypes, serviceType)
}
