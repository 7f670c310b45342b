// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package control

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/netip"
	"net/url"
	"strconv"
	"strings"

	"github.com/julienschmidt/httprouter"

	"github.com/syncthing/upnpbridge/internal/slogutil"
	"github.com/syncthing/upnpbridge/lib/httpmsg"
	"github.com/syncthing/upnpbridge/lib/rewrite"
)

const maxDescriptionSize = 1 << 20

// proxy relays a request under /dev/<host:port>/ to that local device.
// Requests from outside the local network get their event callbacks and
// the device descriptions they receive rewritten.
func (s *Server) proxy(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	target, ok := rewrite.ParseProxyTarget(p.ByName("hostport"), p.ByName("path"), r.URL.RawQuery)
	if !ok {
		metricProxyRequests.WithLabelValues(resultFailure).Inc()
		http.Error(w, "Bad proxy target", http.StatusBadRequest)
		return
	}
	dst, ok := s.deviceHost(target)
	if !ok {
		metricProxyRequests.WithLabelValues(resultForbidden).Inc()
		s.l.Debug("Refused to relay to unknown device", slog.String("target", target.Host), slogutil.Address(remoteAddr(r)))
		http.Error(w, "Not a local device", http.StatusForbidden)
		return
	}
	client := remoteAddr(r)
	outside := !rewrite.IsLocalAddress(client)

	if r.Method == "SUBSCRIBE" {
		if nv, changed := s.rw.Callback(r.Header.Get(httpmsg.HeaderCallback), client, dst); changed {
			s.l.Debug("Rewrote event callback", slog.String("callback", nv), slogutil.Address(client))
			r.Header.Set(httpmsg.HeaderCallback, nv)
		}
	}

	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.Out.URL = target
			pr.Out.Host = target.Host
		},
		ErrorHandler: func(w http.ResponseWriter, _ *http.Request, err error) {
			metricProxyRequests.WithLabelValues(resultFailure).Inc()
			s.l.Debug("Failed to relay request to device", slog.String("target", target.String()), slogutil.Error(err))
			w.WriteHeader(http.StatusBadGateway)
		},
	}
	if outside {
		rp.ModifyResponse = func(resp *http.Response) error {
			return s.rewriteDescription(resp, target, client)
		}
	}
	metricProxyRequests.WithLabelValues(resultOK).Inc()
	rp.ServeHTTP(w, r)
}

// deviceHost returns the address of target if it is the host:port of a
// local device other than our own gateway.
func (s *Server) deviceHost(target *url.URL) (netip.Addr, bool) {
	dst, err := netip.ParseAddr(target.Hostname())
	if err != nil {
		return netip.Addr{}, false
	}
	dst = dst.Unmap()
	if !rewrite.IsLocalAddress(dst) || dst.IsUnspecified() {
		return netip.Addr{}, false
	}
	want := netip.AddrPortFrom(dst, defaultPort(target.Port()))
	if want.Port() == 0 {
		return netip.Addr{}, false
	}
	for _, d := range s.devices.LocalDevices() {
		if d.Remote || d.UDN == s.opts.UDN {
			continue
		}
		u, err := url.Parse(d.Location)
		if err != nil {
			continue
		}
		ip, err := netip.ParseAddr(u.Hostname())
		if err != nil {
			continue
		}
		if netip.AddrPortFrom(ip.Unmap(), defaultPort(u.Port())) == want {
			return dst, true
		}
	}
	return netip.Addr{}, false
}

func defaultPort(port string) uint16 {
	if port == "" {
		return 80
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return 0
	}
	return uint16(p)
}

// rewriteDescription makes a device description fetched from target usable
// by client.
func (s *Server) rewriteDescription(resp *http.Response, target *url.URL, client netip.Addr) error {
	if resp.StatusCode != http.StatusOK || !strings.Contains(resp.Header.Get("Content-Type"), "xml") {
		return nil
	}
	orig := resp.Body
	body, err := io.ReadAll(io.LimitReader(orig, maxDescriptionSize+1))
	if err != nil {
		orig.Close()
		return err
	}
	if len(body) > maxDescriptionSize {
		resp.Body = struct {
			io.Reader
			io.Closer
		}{io.MultiReader(bytes.NewReader(body), orig), orig}
		return nil
	}
	orig.Close()
	if rewrite.IsDeviceDescription(body) {
		body = []byte(s.rw.ProxyDescription(string(body), target))
		body, _ = s.rw.DescriptionBody(body, client)
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	resp.Header.Set("Content-Length", strconv.Itoa(len(body)))
	return nil
}
