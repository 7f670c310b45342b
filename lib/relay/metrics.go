// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "upnpbridge",
	Subsystem: "relay",
	Name:      "requests_total",
	Help:      "Number of relayed M-SEARCH requests, per event (registered, sent, matched, expired, dropped)",
}, []string{"event"})

const (
	eventRegistered = "registered"
	eventSent       = "sent"
	eventMatched    = "matched"
	eventExpired    = "expired"
	eventDropped    = "dropped"
)

func init() {
	for _, ev := range []string{eventRegistered, eventSent, eventMatched, eventExpired, eventDropped} {
		metricRequests.WithLabelValues(ev)
	}
}
