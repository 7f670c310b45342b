// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package forwarder

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricPackets = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "upnpbridge",
	Subsystem: "forwarder",
	Name:      "packets_total",
	Help:      "Total number of SSDP packets handled, by kind and result",
}, []string{"kind", "result"})

const (
	kindSearch         = "search"
	kindPeerSearch     = "peer_search"
	kindNotify         = "notify"
	kindSearchResponse = "search_response"
	kindLocalSearch    = "local_search"
	kindLocalNotify    = "local_notify"
	kindRelayed        = "relayed_response"
	kindGatewayAlive   = "gateway_alive"

	resultForwarded = "forwarded"
	resultAnswered  = "answered"
	resultDropped   = "dropped"
	resultLimited   = "limited"
)
