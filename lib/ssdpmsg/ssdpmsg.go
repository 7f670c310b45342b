// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package ssdpmsg builds and interprets SSDP messages: searches, search
// responses and alive/byebye notifications.
package ssdpmsg

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/syncthing/upnpbridge/lib/httpmsg"
)

const (
	RootDevice = "upnp:rootdevice"
	SearchAll  = "ssdp:all"
	NTSAlive   = "ssdp:alive"
	NTSByeBye  = "ssdp:byebye"

	DefaultMaxAge = 1800
	Server        = "upnpbridge/1.0 UPnP/1.0"
)

// Multicast is the SSDP IPv4 multicast group.
var Multicast = &net.UDPAddr{IP: net.IPv4(239, 255, 255, 250), Port: 1900}

// Search returns an M-SEARCH for the given target.
func Search(st string, mx int) *httpmsg.Message {
	tpl := `M-SEARCH * HTTP/1.1
HOST: 239.255.255.250:1900
ST: %s
MAN: "ssdp:discover"
MX: %d
USER-AGENT: %s

`
	msg, _ := httpmsg.Parse([]byte(strings.ReplaceAll(fmt.Sprintf(tpl, st, mx, Server), "\n", "\r\n")))
	return msg
}

// RootDeviceSearch is the probe sent to peers.
func RootDeviceSearch() *httpmsg.Message {
	return Search(RootDevice, 3)
}

// A Notification is one announcement of a device or service: the unit of
// NOTIFY messages and of M-SEARCH responses.
type Notification struct {
	NT       string
	NTS      string
	USN      string
	Location string
	Server   string
	MaxAge   int
}

func (n Notification) maxAge() int {
	if n.MaxAge > 0 {
		return n.MaxAge
	}
	return DefaultMaxAge
}

func (n Notification) server() string {
	if n.Server != "" {
		return n.Server
	}
	return Server
}

// AliveMessage returns the ssdp:alive NOTIFY for n.
func (n Notification) AliveMessage() *httpmsg.Message {
	return &httpmsg.Message{
		StartLine: "NOTIFY * HTTP/1.1",
		Headers: []httpmsg.Header{
			{Name: "HOST", Value: Multicast.String()},
			{Name: "CACHE-CONTROL", Value: "max-age=" + strconv.Itoa(n.maxAge())},
			{Name: httpmsg.HeaderLocation, Value: n.Location},
			{Name: "NT", Value: n.NT},
			{Name: "NTS", Value: NTSAlive},
			{Name: "SERVER", Value: n.server()},
			{Name: "USN", Value: n.USN},
		},
	}
}

// ByeByeMessage returns the ssdp:byebye NOTIFY for n.
func (n Notification) ByeByeMessage() *httpmsg.Message {
	return &httpmsg.Message{
		StartLine: "NOTIFY * HTTP/1.1",
		Headers: []httpmsg.Header{
			{Name: "HOST", Value: Multicast.String()},
			{Name: "NT", Value: n.NT},
			{Name: "NTS", Value: NTSByeBye},
			{Name: "USN", Value: n.USN},
		},
	}
}

// SearchResponse returns the unicast answer to an M-SEARCH matching n.
func (n Notification) SearchResponse() *httpmsg.Message {
	return &httpmsg.Message{
		StartLine: "HTTP/1.1 200 OK",
		Headers: []httpmsg.Header{
			{Name: "CACHE-CONTROL", Value: "max-age=" + strconv.Itoa(n.maxAge())},
			{Name: "EXT", Value: ""},
			{Name: httpmsg.HeaderLocation, Value: n.Location},
			{Name: "SERVER", Value: n.server()},
			{Name: "ST", Value: n.NT},
			{Name: "USN", Value: n.USN},
		},
	}
}

// IsAlive reports whether n announces presence rather than departure.
func (n Notification) IsAlive() bool {
	return !strings.EqualFold(n.NTS, NTSByeBye)
}

// ParseNotification extracts the announcement carried by a NOTIFY or an
// M-SEARCH response. Search responses are reported as alive.
func ParseNotification(m *httpmsg.Message) (Notification, bool) {
	var n Notification
	switch {
	case m.IsNotify():
		n.NT = m.Get("NT")
		n.NTS = m.Get("NTS")
	case m.IsMSearchResponse():
		n.NT = m.Get("ST")
		n.NTS = NTSAlive
	default:
		return n, false
	}
	n.USN = m.Get("USN")
	n.Location = m.Get(httpmsg.HeaderLocation)
	n.Server = m.Get("SERVER")
	n.MaxAge = ParseMaxAge(m.Get("CACHE-CONTROL"))
	if n.NT == "" || n.USN == "" {
		return n, false
	}
	return n, true
}

// ParseMaxAge returns the max-age directive of a CACHE-CONTROL value, or 0.
func ParseMaxAge(cacheControl string) int {
	for _, dir := range strings.Split(cacheControl, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(dir), "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(name), "max-age") {
			continue
		}
		age, err := strconv.Atoi(strings.TrimSpace(value))
		if err == nil && age > 0 {
			return age
		}
	}
	return 0
}

// SplitUSN splits a unique service name into the device UDN and the
// notification type part, if any.
func SplitUSN(usn string) (udn, nt string) {
	udn, nt, _ = strings.Cut(usn, "::")
	return udn, nt
}
