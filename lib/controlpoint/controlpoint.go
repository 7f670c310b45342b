// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package controlpoint keeps track of the UPnP root devices visible to the
// gateway, both on the local network and behind connected peers.
package controlpoint

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/syncthing/upnpbridge/internal/slogutil"
	"github.com/syncthing/upnpbridge/lib/ssdpmsg"
)

const (
	SweepInterval = time.Second
	FetchTimeout  = 10 * time.Second

	fetchQueueSize = 128
)

// A Listener is told about devices coming and going. Calls are made from
// the control point's service routine and should not block for long.
type Listener interface {
	DeviceAppeared(d ssdpmsg.Device)
	DeviceGone(d ssdpmsg.Device)
}

// A FetchFunc reads the description at location.
type FetchFunc func(ctx context.Context, location string) (ssdpmsg.Device, error)

type entry struct {
	dev     ssdpmsg.Device
	ready   bool // description fetched
	expires time.Time
}

type fetchRequest struct {
	udn      string
	location string
}

type ControlPoint struct {
	devices *xsync.MapOf[string, entry]
	fetch   FetchFunc
	queue   chan fetchRequest
	now     func() time.Time
	l       *slog.Logger

	listenerMut sync.Mutex
	listeners   []Listener
}

// New returns a control point reading device descriptions with fetch, or
// FetchDescription if fetch is nil.
func New(fetch FetchFunc, l *slog.Logger) *ControlPoint {
	if fetch == nil {
		fetch = FetchDescription
	}
	return &ControlPoint{
		devices: xsync.NewMapOf[string, entry](),
		fetch:   fetch,
		queue:   make(chan fetchRequest, fetchQueueSize),
		now:     time.Now,
		l:       slogutil.OrDefault(l),
	}
}

func (c *ControlPoint) AddListener(l Listener) {
	c.listenerMut.Lock()
	c.listeners = append(c.listeners, l)
	c.listenerMut.Unlock()
}

func (c *ControlPoint) notify(d ssdpmsg.Device, gone bool) {
	c.listenerMut.Lock()
	ls := slices.Clone(c.listeners)
	c.listenerMut.Unlock()
	for _, l := range ls {
		if gone {
			l.DeviceGone(d)
		} else {
			l.DeviceAppeared(d)
		}
	}
}

func expiry(now time.Time, maxAge int) time.Time {
	if maxAge <= 0 {
		maxAge = ssdpmsg.DefaultMaxAge
	}
	return now.Add(time.Duration(maxAge) * time.Second)
}

// HandleNotification processes an announcement seen on the local network,
// or received from a peer if remote is set. Announcements of a device
// already known from the other side are ignored, which keeps our own
// injected announcements from coming back as local devices.
func (c *ControlPoint) HandleNotification(n ssdpmsg.Notification, remote bool) {
	udn, _ := ssdpmsg.SplitUSN(n.USN)
	if udn == "" {
		return
	}
	if !n.IsAlive() {
		c.remove(udn, remote)
		return
	}

	now := c.now()
	var added bool
	c.devices.Compute(udn, func(old entry, loaded bool) (entry, bool) {
		if loaded {
			if old.dev.Remote == remote {
				old.expires = expiry(now, n.MaxAge)
			}
			return old, false
		}
		added = true
		return entry{
			dev: ssdpmsg.Device{
				UDN:      udn,
				Location: n.Location,
				Server:   n.Server,
				MaxAge:   n.MaxAge,
				Remote:   remote,
			},
			expires: expiry(now, n.MaxAge),
		}, false
	})
	if !added {
		return
	}

	select {
	case c.queue <- fetchRequest{udn: udn, location: n.Location}:
		metricDevices.WithLabelValues(eventSeen).Inc()
	default:
		c.devices.Delete(udn)
		c.l.Warn("Description fetch queue full, dropping device", slog.String("udn", udn))
	}
}

// HandleSearchResponse processes an M-SEARCH response.
func (c *ControlPoint) HandleSearchResponse(n ssdpmsg.Notification, remote bool) {
	n.NTS = ssdpmsg.NTSAlive
	c.HandleNotification(n, remote)
}

func (c *ControlPoint) remove(udn string, remote bool) {
	var old entry
	var removed bool
	c.devices.Compute(udn, func(e entry, loaded bool) (entry, bool) {
		if !loaded || e.dev.Remote != remote {
			return e, !loaded
		}
		old, removed = e, true
		return e, true
	})
	if removed && old.ready {
		metricDevices.WithLabelValues(eventGone).Inc()
		c.l.Debug("Device left", slog.String("udn", udn), slog.Bool("remote", remote))
		c.notify(old.dev, true)
	}
}

func (c *ControlPoint) Serve(ctx context.Context) error {
	t := time.NewTicker(SweepInterval)
	defer t.Stop()
	for {
		select {
		case req := <-c.queue:
			c.fetchDevice(ctx, req)
		case <-t.C:
			c.sweep(c.now())
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *ControlPoint) fetchDevice(ctx context.Context, req fetchRequest) {
	ctx, cancel := context.WithTimeout(ctx, FetchTimeout)
	desc, err := c.fetch(ctx, req.location)
	cancel()
	if err != nil {
		metricDevices.WithLabelValues(eventFailed).Inc()
		c.l.Debug("Failed to fetch device description", slog.String("udn", req.udn), slog.String("location", req.location), slogutil.Error(err))
		c.devices.Compute(req.udn, func(e entry, loaded bool) (entry, bool) {
			return e, !loaded || !e.ready
		})
		return
	}

	var dev ssdpmsg.Device
	var ready bool
	c.devices.Compute(req.udn, func(e entry, loaded bool) (entry, bool) {
		if !loaded || e.ready {
			return e, !loaded
		}
		e.dev.DeviceType = desc.DeviceType
		e.dev.ServiceTypes = desc.ServiceTypes
		e.ready = true
		dev, ready = e.dev, true
		return e, false
	})
	if ready {
		metricDevices.WithLabelValues(eventAppeared).Inc()
		c.l.Debug("Device appeared", slog.String("udn", dev.UDN), slog.String("type", dev.DeviceType), slog.Bool("remote", dev.Remote))
		c.notify(dev, false)
	}
}

// sweep forgets devices whose announcements have expired.
func (c *ControlPoint) sweep(now time.Time) {
	var expired []string
	c.devices.Range(func(udn string, e entry) bool {
		if now.After(e.expires) {
			expired = append(expired, udn)
		}
		return true
	})
	for _, udn := range expired {
		var old entry
		var removed bool
		c.devices.Compute(udn, func(e entry, loaded bool) (entry, bool) {
			if !loaded || !now.After(e.expires) {
				return e, !loaded
			}
			old, removed = e, true
			return e, true
		})
		if removed && old.ready {
			metricDevices.WithLabelValues(eventExpired).Inc()
			c.l.Debug("Device expired", slog.String("udn", udn))
			c.notify(old.dev, true)
		}
	}
}

// Devices returns the known devices, ordered by UDN.
func (c *ControlPoint) Devices() []ssdpmsg.Device {
	var ds []ssdpmsg.Device
	c.devices.Range(func(_ string, e entry) bool {
		if e.ready {
			ds = append(ds, e.dev)
		}
		return true
	})
	slices.SortFunc(ds, func(a, b ssdpmsg.Device) int {
		return cmp.Compare(a.UDN, b.UDN)
	})
	return ds
}

// LocalDevices returns the known devices on the local network.
func (c *ControlPoint) LocalDevices() []ssdpmsg.Device {
	return slices.DeleteFunc(c.Devices(), func(d ssdpmsg.Device) bool {
		return d.Remote
	})
}

func (c *ControlPoint) Device(udn string) (ssdpmsg.Device, bool) {
	e, ok := c.devices.Load(udn)
	if !ok || !e.ready {
		return ssdpmsg.Device{}, false
	}
	return e.dev, true
}

func (c *ControlPoint) String() string {
	return "controlpoint"
}
