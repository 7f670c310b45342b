// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package discovery

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricProbes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "upnpbridge",
		Subsystem: "discovery",
		Name:      "probes_total",
		Help:      "Number of probe datagrams sent to peers, per result",
	}, []string{"result"})
	metricPendingPeers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "upnpbridge",
		Subsystem: "discovery",
		Name:      "pending_peers",
		Help:      "Number of peers currently being searched for",
	})
)

const (
	resultSuccess = "success"
	resultFailure = "failure"
)
