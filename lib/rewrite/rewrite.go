// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package rewrite makes messages leaving the local network usable from the
// outside, by replacing private addresses in URLs with the globally
// reachable address of the gateway. Purely local traffic is never touched.
package rewrite

import (
	"net"
	"net/netip"
	"strconv"
	"strings"

	"github.com/syncthing/upnpbridge/lib/httpmsg"
)

// IsLocalAddress reports whether addr belongs to a private (RFC 1918 or
// ULA), link local or loopback range.
func IsLocalAddress(addr netip.Addr) bool {
	addr = addr.Unmap()
	return addr.IsPrivate() || addr.IsLinkLocalUnicast() || addr.IsLoopback()
}

type Rewriter struct {
	globalHost     string
	globalHostPort string
	globalAddr     netip.Addr
}

// New returns a Rewriter for a gateway reachable as globalHost (a name or
// an address) with its HTTP server on globalPort. globalAddr is the
// resolved address of globalHost and may be the zero Addr if unknown.
func New(globalHost string, globalPort int, globalAddr netip.Addr) *Rewriter {
	return &Rewriter{
		globalHost:     globalHost,
		globalHostPort: net.JoinHostPort(globalHost, strconv.Itoa(globalPort)),
		globalAddr:     globalAddr.Unmap(),
	}
}

// GlobalHost returns the host name the gateway is reachable as.
func (r *Rewriter) GlobalHost() string {
	return r.globalHost
}

// GlobalHostPort returns the "host:port" of the gateway's HTTP server.
func (r *Rewriter) GlobalHostPort() string {
	return r.globalHostPort
}

// Callback rewrites the CALLBACK header value of an initial SUBSCRIBE
// received from src and addressed to dst. Subscriptions coming in from a
// non-local source, or addressed to the global address of the gateway,
// get every callback URL pointed at the global host.
func (r *Rewriter) Callback(value string, src, dst netip.Addr) (string, bool) {
	if value == "" {
		return value, false
	}
	inbound := !IsLocalAddress(src)
	outbound := r.globalAddr.IsValid() && dst.Unmap() == r.globalAddr
	if !inbound && !outbound {
		return value, false
	}
	nv := ReplaceCallbackHost(value, r.globalHost)
	return nv, nv != value
}

// SubscribeRequest applies Callback to a SUBSCRIBE request. Renewals
// (without CALLBACK) and other methods are left alone. It reports whether
// msg changed.
func (r *Rewriter) SubscribeRequest(msg *httpmsg.Message, src, dst netip.Addr) bool {
	if !msg.IsSubscribe() || !msg.Has(httpmsg.HeaderCallback) {
		return false
	}
	nv, changed := r.Callback(msg.Get(httpmsg.HeaderCallback), src, dst)
	if changed {
		msg.Set(httpmsg.HeaderCallback, nv)
	}
	return changed
}

// DescriptionBody rewrites a device description sent to dst. Bodies that
// are not device descriptions, and anything sent to a local destination,
// are returned unchanged.
func (r *Rewriter) DescriptionBody(body []byte, dst netip.Addr) ([]byte, bool) {
	if IsLocalAddress(dst) || !IsDeviceDescription(body) {
		return body, false
	}
	nb := []byte(Description(string(body), r.globalHost))
	return nb, string(nb) != string(body)
}

// Response rewrites an HTTP response sent to dst, keeping Content-Length
// in step with the body. It reports whether msg changed.
func (r *Rewriter) Response(msg *httpmsg.Message, dst netip.Addr) bool {
	nb, changed := r.DescriptionBody(msg.Body, dst)
	if !changed {
		return false
	}
	msg.Body = nb
	msg.Set(httpmsg.HeaderContentLength, strconv.Itoa(len(nb)))
	return true
}

// MSearchResponse rewrites the LOCATION of an M-SEARCH response sent from
// src to dst: the source address, and its port if one follows, is
// replaced with the global host and port of the gateway. Locations not
// containing the source address are left alone.
func (r *Rewriter) MSearchResponse(msg *httpmsg.Message, src, dst netip.Addr) bool {
	if IsLocalAddress(dst) || !msg.IsMSearchResponse() {
		return false
	}
	loc := msg.Get(httpmsg.HeaderLocation)
	nl, ok := replaceHostPort(loc, src.Unmap().String(), r.globalHostPort)
	if !ok || nl == loc {
		return false
	}
	msg.Set(httpmsg.HeaderLocation, nl)
	return true
}

// replaceHostPort replaces the first occurrence of host in s, together
// with a directly following ":port", by hostPort.
func replaceHostPort(s, host, hostPort string) (string, bool) {
	from := 0
	for {
		i := strings.Index(s[from:], host)
		if i < 0 {
			return s, false
		}
		start := from + i
		end := start + len(host)
		if (end < len(s) && (isDigit(s[end]) || s[end] == '.')) ||
			(start > 0 && (isDigit(s[start-1]) || s[start-1] == '.')) {
			// Part of a longer address.
			from = end
			continue
		}
		if end < len(s) && s[end] == ':' {
			p := end + 1
			for p < len(s) && isDigit(s[p]) {
				p++
			}
			if p > end+1 {
				end = p
			}
		}
		return s[:start] + hostPort + s[end:], true
	}
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
