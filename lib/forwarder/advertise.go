// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package forwarder

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/koron/go-ssdp"

	"github.com/syncthing/upnpbridge/internal/slogutil"
	"github.com/syncthing/upnpbridge/lib/gateway"
	"github.com/syncthing/upnpbridge/lib/ssdpmsg"
)

// Advertiser announces our gateway device on the local network, so that
// local control points can reach its discovery service.
type Advertiser struct {
	udn      string
	location string
	maxAge   int
	l        *slog.Logger
}

func NewAdvertiser(gatewayUDN, location string, l *slog.Logger) *Advertiser {
	return &Advertiser{
		udn:      gatewayUDN,
		location: location,
		maxAge:   ssdpmsg.DefaultMaxAge,
		l:        slogutil.OrDefault(l),
	}
}

func (a *Advertiser) Serve(ctx context.Context) error {
	dev := ssdpmsg.Device{
		UDN:          a.udn,
		DeviceType:   gateway.DeviceType,
		ServiceTypes: []string{gateway.ServiceType},
		Location:     a.location,
	}
	var ads []*ssdp.Advertiser
	defer func() {
		for _, ad := range ads {
			if err := ad.Bye(); err != nil {
				a.l.Debug("Failed to send byebye", slogutil.Error(err))
			}
			ad.Close()
		}
	}()
	for _, n := range dev.Notifications() {
		ad, err := ssdp.Advertise(n.NT, n.USN, n.Location, ssdpmsg.Server, a.maxAge)
		if err != nil {
			return fmt.Errorf("advertise %s: %w", n.NT, err)
		}
		ads = append(ads, ad)
	}
	a.l.Info("Advertising gateway device", slog.String("udn", a.udn), slog.String("location", a.location))

	t := time.NewTicker(time.Duration(a.maxAge) * time.Second / 2)
	defer t.Stop()
	for {
		for _, ad := range ads {
			if err := ad.Alive(); err != nil {
				a.l.Debug("Failed to send alive", slogutil.Error(err))
			}
		}
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (a *Advertiser) String() string {
	return "forwarder.Advertiser@" + a.location
}
