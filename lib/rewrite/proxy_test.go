// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package rewrite

import (
	"net/url"
	"strings"
	"testing"
)

func TestProxyLocation(t *testing.T) {
	r := newRewriter()
	cases := map[string]string{
		"http://192.168.1.20:5000/desc.xml": "http://gw.example.org:1906/dev/192.168.1.20:5000/desc.xml",
		"http://192.168.1.20/desc.xml?x=1":  "http://gw.example.org:1906/dev/192.168.1.20/desc.xml?x=1",
		"/relative.xml":                     "/relative.xml",
	}
	for in, want := range cases {
		if got := r.ProxyLocation(in); got != want {
			t.Errorf("ProxyLocation(%q) = %q, expected %q", in, got, want)
		}
	}
}

func TestProxyDescription(t *testing.T) {
	desc := `<?xml version="1.0"?>
<root xmlns="urn:schemas-upnp-org:device-1-0">
<URLBase>http://192.168.1.20:5000/</URLBase>
<device>
<iconList><icon><url>icons/tv.png</url></icon></iconList>
<serviceList><service>
<SCPDURL>scpd.xml</SCPDURL>
<controlURL>/ctl</controlURL>
<eventSubURL>http://192.168.1.20:5001/evt</eventSubURL>
</service></serviceList>
</device>
</root>`
	base, _ := url.Parse("http://192.168.1.99/ignored.xml")
	got := newRewriter().ProxyDescription(desc, base)

	if strings.Contains(got, "URLBase") {
		t.Error("URLBase not removed")
	}
	for _, want := range []string{
		"<url>http://gw.example.org:1906/dev/192.168.1.20:5000/icons/tv.png</url>",
		"<SCPDURL>http://gw.example.org:1906/dev/192.168.1.20:5000/scpd.xml</SCPDURL>",
		"<controlURL>http://gw.example.org:1906/dev/192.168.1.20:5000/ctl</controlURL>",
		"<eventSubURL>http://gw.example.org:1906/dev/192.168.1.20:5001/evt</eventSubURL>",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("missing %s in\n%s", want, got)
		}
	}
}

func TestParseProxyTarget(t *testing.T) {
	u, ok := ParseProxyTarget("192.168.1.20:5000", "/desc.xml", "a=b")
	if !ok || u.String() != "http://192.168.1.20:5000/desc.xml?a=b" {
		t.Errorf("unexpected target %v, %v", u, ok)
	}
	for _, hp := range []string{"", "evil@host", "a/b", ":80"} {
		if _, ok := ParseProxyTarget(hp, "/", ""); ok {
			t.Errorf("accepted %q", hp)
		}
	}
}
