// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package controlpoint

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricDevices = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "upnpbridge",
	Subsystem: "controlpoint",
	Name:      "device_events_total",
	Help:      "Total number of device events, by event",
}, []string{"event"})

const (
	eventSeen     = "seen"
	eventAppeared = "appeared"
	eventFailed   = "failed"
	eventGone     = "gone"
	eventExpired  = "expired"
)

func init() {
	for _, ev := range []string{eventSeen, eventAppeared, eventFailed, eventGone, eventExpired} {
		metricDevices.WithLabelValues(ev)
	}
}
