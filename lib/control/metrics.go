// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package control

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricSOAPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "upnpbridge",
		Subsystem: "control",
		Name:      "soap_requests_total",
		Help:      "Total number of SOAP requests served, by result code",
	}, []string{"result"})
	metricProxyRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "upnpbridge",
		Subsystem: "control",
		Name:      "proxy_requests_total",
		Help:      "Total number of requests relayed to local devices, by result",
	}, []string{"result"})
	metricRemoteCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "upnpbridge",
		Subsystem: "control",
		Name:      "remote_calls_total",
		Help:      "Total number of actions invoked on peer gateways, by action and result",
	}, []string{"action", "result"})
)

const (
	resultOK        = "ok"
	resultFailure   = "failure"
	resultForbidden = "forbidden"
)
