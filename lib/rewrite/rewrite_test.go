// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package rewrite

import (
	"net/netip"
	"strconv"
	"strings"
	"testing"

	"github.com/syncthing/upnpbridge/lib/httpmsg"
)

var (
	global   = netip.MustParseAddr("203.0.113.1")
	remoteCP = netip.MustParseAddr("198.51.100.77")
	localCP  = netip.MustParseAddr("192.168.1.20")
)

func newRewriter() *Rewriter {
	return New("gw.example.org", 1906, global)
}

func TestIsLocalAddress(t *testing.T) {
	cases := map[string]bool{
		"10.1.2.3":         true,
		"172.16.0.1":       true,
		"172.31.255.255":   true,
		"172.32.0.1":       false,
		"192.168.100.1":    true,
		"169.254.1.1":      true,
		"127.0.0.1":        true,
		"::ffff:10.0.0.1":  true,
		"fe80::1":          true,
		"fd00::1":          true,
		"203.0.113.9":      false,
		"2001:db8::1":      false,
		"::ffff:8.8.8.8":   false,
		"198.51.100.2":     false,
		"192.169.0.1":      false,
		"11.0.0.1":         false,
		"172.15.255.255":   false,
		"169.255.0.1":      false,
		"126.255.255.255":  false,
		"100.64.0.1":       false,
		"224.0.0.1":        false,
		"239.255.255.250":  false,
		"0.0.0.0":          false,
		"255.255.255.255":  false,
		"::1":              true,
		"::ffff:127.0.0.1": true,
	}
	for in, want := range cases {
		addr, err := netip.ParseAddr(in)
		if err != nil {
			continue
		}
		if got := IsLocalAddress(addr); got != want {
			t.Errorf("IsLocalAddress(%s) = %v, expected %v", in, got, want)
		}
	}
}

func searchResponse(location string) *httpmsg.Message {
	m, _ := httpmsg.Parse([]byte("HTTP/1.1 200 OK\r\nST: upnp:rootdevice\r\nUSN: uuid:1::upnp:rootdevice\r\nLOCATION: " + location + "\r\n\r\n"))
	return m
}

func TestMSearchResponseLocation(t *testing.T) {
	r := newRewriter()
	src := netip.MustParseAddr("198.51.100.2")

	m := searchResponse("http://198.51.100.2:5000/desc.xml")
	if !r.MSearchResponse(m, src, remoteCP) {
		t.Fatal("expected a rewrite")
	}
	if got := m.Get(httpmsg.HeaderLocation); got != "http://gw.example.org:1906/desc.xml" {
		t.Errorf("LOCATION = %q", got)
	}
	if r.MSearchResponse(m, src, remoteCP) {
		t.Error("second rewrite should be a no-op")
	}

	m = searchResponse("http://198.51.100.2/desc.xml")
	r.MSearchResponse(m, src, remoteCP)
	if got := m.Get(httpmsg.HeaderLocation); got != "http://gw.example.org:1906/desc.xml" {
		t.Errorf("LOCATION without port = %q", got)
	}

	m = searchResponse("http://198.51.100.23:5000/desc.xml")
	if r.MSearchResponse(m, src, remoteCP) {
		t.Error("a longer address containing the source must not match")
	}

	m = searchResponse("http://10.0.0.9:5000/desc.xml")
	if r.MSearchResponse(m, src, remoteCP) {
		t.Error("location without the source address must be untouched")
	}

	m = searchResponse("http://198.51.100.2:5000/desc.xml")
	if r.MSearchResponse(m, src, localCP) {
		t.Error("responses to local destinations must be untouched")
	}
}

const description = `<?xml version="1.0"?>
<root xmlns="urn:schemas-upnp-org:device-1-0">
<specVersion><major>1</major><minor>0</minor></specVersion>
<URLBase>http://192.168.1.10:8200/</URLBase>
<device>
<deviceType>urn:schemas-upnp-org:device:MediaServer:1</deviceType>
<UDN>uuid:4d696e69</UDN>
<iconList><icon><mimetype>image/png</mimetype><url>http://192.168.1.10:8200/icon.png</url></icon></iconList>
<serviceList>
<service>
<serviceType>urn:schemas-upnp-org:service:ContentDirectory:1</serviceType>
<SCPDURL>http://192.168.1.10:8200/cds.xml</SCPDURL>
<controlURL>http://192.168.1.10:8200/ctl/cds</controlURL>
<eventSubURL>http://192.168.1.10:8200/evt/cds</eventSubURL>
</service>
<service>
<serviceType>urn:schemas-upnp-org:service:ConnectionManager:1</serviceType>
<SCPDURL>/cms.xml</SCPDURL>
<controlURL>http://192.168.1.10/ctl/cms</controlURL>
<eventSubURL>http://192.168.1.10:8200/evt/cms</eventSubURL>
</service>
</serviceList>
<presentationURL>http://192.168.1.10:8200/</presentationURL>
</device>
</root>`

func TestDescription(t *testing.T) {
	out := Description(description, "gw.example.org")

	if strings.Contains(out, "URLBase") {
		t.Error("URLBase should be removed")
	}
	if strings.Contains(out, "192.168.1.10") {
		t.Errorf("local address left in description:\n%s", out)
	}
	for _, want := range []string{
		"<url>http://gw.example.org:8200/icon.png</url>",
		"<SCPDURL>http://gw.example.org:8200/cds.xml</SCPDURL>",
		"<SCPDURL>/cms.xml</SCPDURL>",
		"<controlURL>http://gw.example.org:80/ctl/cms</controlURL>",
		"<eventSubURL>http://gw.example.org:8200/evt/cds</eventSubURL>",
		"<eventSubURL>http://gw.example.org:8200/evt/cms</eventSubURL>",
		"<presentationURL>http://gw.example.org:8200/</presentationURL>",
		"<deviceType>urn:schemas-upnp-org:device:MediaServer:1</deviceType>",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("description lacks %q", want)
		}
	}

	if again := Description(out, "gw.example.org"); again != out {
		t.Error("rewriting is not idempotent")
	}
}

func TestDescriptionTagForms(t *testing.T) {
	desc := "<?xml version=\"1.0\"?>\n<root>" +
		"<URLBase\n>http://192.168.1.10:8200/</URLBase >" +
		"<URL\r\n>http://192.168.1.10:8200/a</URL\n>" +
		"<controlURL/>" +
		"<eventSubURL />" +
		"<CONTROLURL\tattr=\"1\">http://192.168.1.10:8200/ctl</CONTROLURL>" +
		"</root>"
	out := Description(desc, "gw.example.org")

	for _, want := range []string{
		"<URL\r\n>http://gw.example.org:8200/a</URL\n>",
		"<controlURL/>",
		"<eventSubURL />",
		"<CONTROLURL\tattr=\"1\">http://gw.example.org:8200/ctl</CONTROLURL>",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("description lacks %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "URLBase") || strings.Contains(out, "192.168.1.10") {
		t.Errorf("unexpected description:\n%s", out)
	}
}

func TestDescriptionManyElements(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("<?xml version=\"1.0\"?>\n<root>")
	for i := range 5000 {
		sb.WriteString("<controlURL>http://192.168.1.10:8200/ctl/" + strconv.Itoa(i) + "</controlURL>")
	}
	sb.WriteString("</root>")

	out := Description(sb.String(), "gw.example.org")
	if n := strings.Count(out, "http://gw.example.org:8200/ctl/"); n != 5000 {
		t.Errorf("expected 5000 rewritten elements, got %d", n)
	}
}

func TestResponseContentLength(t *testing.T) {
	r := newRewriter()
	raw := "HTTP/1.1 200 OK\r\nContent-Type: text/xml\r\nContent-Length: " + strconv.Itoa(len(description)) + "\r\n\r\n" + description
	m, err := httpmsg.Parse([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}

	if r.Response(m.Clone(), localCP) {
		t.Error("responses to local clients must not be rewritten")
	}

	if !r.Response(m, remoteCP) {
		t.Fatal("expected a rewrite")
	}
	if got := m.Get(httpmsg.HeaderContentLength); got != strconv.Itoa(len(m.Body)) {
		t.Errorf("Content-Length %s does not match body length %d", got, len(m.Body))
	}
	if r.Response(m, remoteCP) {
		t.Error("second rewrite should be a no-op")
	}

	plain, _ := httpmsg.Parse([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"))
	if r.Response(plain, remoteCP) {
		t.Error("non description bodies must be untouched")
	}
}

func TestSubscribeCallback(t *testing.T) {
	r := newRewriter()
	subscribe := func(callback string) *httpmsg.Message {
		raw := "SUBSCRIBE /evt/cds HTTP/1.1\r\nHOST: 192.168.1.10:8200\r\nNT: upnp:event\r\nTIMEOUT: Second-1800\r\n"
		if callback != "" {
			raw += "CALLBACK: " + callback + "\r\n"
		}
		m, _ := httpmsg.Parse([]byte(raw + "\r\n"))
		return m
	}

	m := subscribe("<http://10.9.8.7:4004/events/1> <http://10.9.8.7:4005/>")
	if !r.SubscribeRequest(m, remoteCP, netip.MustParseAddr("192.168.1.2")) {
		t.Fatal("expected a rewrite for a remote subscriber")
	}
	if got := m.Get(httpmsg.HeaderCallback); got != "<http://gw.example.org:4004/events/1><http://gw.example.org:4005/>" {
		t.Errorf("CALLBACK = %q", got)
	}
	if r.SubscribeRequest(m, remoteCP, netip.MustParseAddr("192.168.1.2")) {
		t.Error("second rewrite should be a no-op")
	}

	m = subscribe("<http://192.168.1.20:4004/events>")
	if r.SubscribeRequest(m, localCP, netip.MustParseAddr("192.168.1.10")) {
		t.Error("local subscriptions must be untouched")
	}
	if !r.SubscribeRequest(m, localCP, global) {
		t.Error("subscriptions addressed to the global address should be rewritten")
	}
	if got := m.Get(httpmsg.HeaderCallback); got != "<http://gw.example.org:4004/events>" {
		t.Errorf("CALLBACK = %q", got)
	}

	renewal := subscribe("")
	renewal.Set("SID", "uuid:abc")
	if r.SubscribeRequest(renewal, remoteCP, global) {
		t.Error("renewals carry no callback and must be untouched")
	}
}

func TestReplaceURLHost(t *testing.T) {
	cases := []struct{ in, out string }{
		{"http://192.168.1.10:8200/a/b?x=1", "http://gw:8200/a/b?x=1"},
		{"http://192.168.1.10/a", "http://gw:80/a"},
		{"/relative/path", "/relative/path"},
		{"", ""},
		{"::not a url", "::not a url"},
	}
	for _, tc := range cases {
		if got := ReplaceURLHost(tc.in, "gw"); got != tc.out {
			t.Errorf("ReplaceURLHost(%q) = %q, expected %q", tc.in, got, tc.out)
		}
	}
}
