// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package controlpoint

import (
	"context"
	"fmt"
	"net/url"
	"slices"

	"github.com/huin/goupnp"

	"github.com/syncthing/upnpbridge/lib/ssdpmsg"
)

// FetchDescription reads the root device description at location. The
// service types of embedded devices are included.
func FetchDescription(ctx context.Context, location string) (ssdpmsg.Device, error) {
	u, err := url.Parse(location)
	if err != nil {
		return ssdpmsg.Device{}, fmt.Errorf("parsing location: %w", err)
	}
	root, err := goupnp.DeviceByURLCtx(ctx, u)
	if err != nil {
		return ssdpmsg.Device{}, fmt.Errorf("fetching description: %w", err)
	}
	d := ssdpmsg.Device{
		UDN:        root.Device.UDN,
		DeviceType: root.Device.DeviceType,
		Location:   location,
	}
	root.Device.VisitServices(func(s *goupnp.Service) {
		if !slices.Contains(d.ServiceTypes, s.ServiceType) {
			d.ServiceTypes = append(d.ServiceTypes, s.ServiceType)
		}
	})
	return d, nil
}
