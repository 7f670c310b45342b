// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package rewrite

import (
	"net/url"
	"strings"
)

// ProxyPrefix is the path prefix under which the gateway's HTTP server
// relays requests to local devices: /dev/<host:port>/<path>.
const ProxyPrefix = "/dev/"

// ProxyLocation returns the URL under which peers reach loc through the
// gateway's HTTP server. Relative and unparseable URLs are returned as is.
func (r *Rewriter) ProxyLocation(loc string) string {
	u, err := url.Parse(strings.TrimSpace(loc))
	if err != nil || !u.IsAbs() || u.Host == "" {
		return loc
	}
	pu := url.URL{
		Scheme:   "http",
		Host:     r.globalHostPort,
		Path:     ProxyPrefix + u.Host + "/" + strings.TrimPrefix(u.Path, "/"),
		RawQuery: u.RawQuery,
	}
	return pu.String()
}

// ProxyDescription rewrites a device description fetched from base so
// that every URL in it leads through the gateway's proxy. Relative URLs
// are resolved against URLBase, if present, or base.
func (r *Rewriter) ProxyDescription(desc string, base *url.URL) string {
	if e, ok := findElement(desc, asciiUpper(desc), "URLBase", 0); ok && !e.empty {
		if ub, err := url.Parse(strings.TrimSpace(desc[e.textStart:e.textEnd])); err == nil && ub.IsAbs() {
			base = ub
		}
	}
	desc = removeElement(desc, "URLBase")
	for _, tag := range []string{"SCPDURL", "controlURL", "eventSubURL", "URL", "presentationURL"} {
		desc = replaceInElements(desc, tag, func(v string) string {
			ref, err := url.Parse(strings.TrimSpace(v))
			if err != nil || v == "" {
				return v
			}
			return r.ProxyLocation(base.ResolveReference(ref).String())
		})
	}
	return desc
}

// ParseProxyTarget returns the device URL for a request to the proxy,
// given the host:port and path parts following ProxyPrefix.
func ParseProxyTarget(hostPort, path, rawQuery string) (*url.URL, bool) {
	if hostPort == "" || strings.ContainsAny(hostPort, "/@") {
		return nil, false
	}
	u := &url.URL{
		Scheme:   "http",
		Host:     hostPort,
		Path:     "/" + strings.TrimPrefix(path, "/"),
		RawQuery: rawQuery,
	}
	if u.Hostname() == "" {
		return nil, false
	}
	return u, true
}
