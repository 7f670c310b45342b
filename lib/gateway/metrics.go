// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package gateway

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricPeers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "upnpbridge",
		Subsystem: "gateway",
		Name:      "peers",
		Help:      "Number of peers, per state (pending, connected, auto)",
	}, []string{"state"})
	metricHandshakes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "upnpbridge",
		Subsystem: "gateway",
		Name:      "handshakes_total",
		Help:      "Number of connection handshakes attempted, per result (established, unidirectional, failed)",
	}, []string{"result"})
	metricActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "upnpbridge",
		Subsystem: "gateway",
		Name:      "actions_total",
		Help:      "Number of discovery service actions invoked, per action and result (ok or the UPnP error code)",
	}, []string{"action", "result"})
)

const (
	handshakeEstablished    = "established"
	handshakeUnidirectional = "unidirectional"
	handshakeFailed         = "failed"
)

// countAction records the outcome of an action and passes err through.
func countAction(action string, err error) error {
	result := "ok"
	if err != nil {
		result = strconv.Itoa(AsActionError(err).Code)
	}
	metricActions.WithLabelValues(action, result).Inc()
	return err
}
