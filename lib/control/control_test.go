// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package control

import (
	"context"
	"encoding/xml"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strconv"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/syncthing/upnpbridge/lib/gateway"
	"github.com/syncthing/upnpbridge/lib/rewrite"
	"github.com/syncthing/upnpbridge/lib/ssdpmsg"
)

type nopSender struct{}

func (nopSender) Send([]byte, *net.UDPAddr) error { return nil }

type emptyControlPoint struct{}

func (emptyControlPoint) Devices() []ssdpmsg.Device             { return nil }
func (emptyControlPoint) Device(string) (ssdpmsg.Device, bool)  { return ssdpmsg.Device{}, false }
func (emptyControlPoint) Announcements() []ssdpmsg.Notification { return nil }
func (emptyControlPoint) Inject(ssdpmsg.Notification) error     { return nil }

type localDevices struct {
	mut     sync.Mutex
	devices []ssdpmsg.Device
}

func (d *localDevices) LocalDevices() []ssdpmsg.Device {
	d.mut.Lock()
	defer d.mut.Unlock()
	return slices.Clone(d.devices)
}

func (d *localDevices) add(dev ssdpmsg.Device) {
	d.mut.Lock()
	d.devices = append(d.devices, dev)
	d.mut.Unlock()
}

func newTestServer(t *testing.T) (*Server, *gateway.Manager) {
	t.Helper()
	mgr := gateway.New(gateway.Options{
		GlobalAddress: netip.MustParseAddr("203.0.113.1"),
		DiscoveryPort: 1904,
	}, nopSender{}, emptyControlPoint{}, emptyControlPoint{}, nil)
	rw := rewrite.New("gw.example.org", 1906, netip.MustParseAddr("203.0.113.1"))
	s := NewServer(Options{
		UDN:          "uuid:test-gateway",
		FriendlyName: "Test gateway",
		Trusted:      []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")},
	}, mgr, new(localDevices), rw, nil)
	return s, mgr
}

func TestDescription(t *testing.T) {
	s, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, DescriptionPath, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}

	var root descRoot
	if err := xml.Unmarshal(rec.Body.Bytes(), &root); err != nil {
		t.Fatal(err)
	}
	if root.Device.UDN != "uuid:test-gateway" || root.Device.DeviceType != gateway.DeviceType {
		t.Errorf("unexpected device %+v", root.Device)
	}
	if len(root.Device.Services) != 1 || root.Device.Services[0].Type != gateway.ServiceType {
		t.Errorf("unexpected services %+v", root.Device.Services)
	}
	if !rewrite.IsDeviceDescription(rec.Body.Bytes()) {
		t.Error("description not recognized as such")
	}
}

func TestRemoteClient(t *testing.T) {
	s, mgr := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	ctx := context.Background()
	c, err := DialURL(ctx, "", srv.URL+DescriptionPath)
	if err != nil {
		t.Fatal(err)
	}
	if c.UDN() != "uuid:test-gateway" {
		t.Errorf("unexpected UDN %q", c.UDN())
	}

	addr, err := c.DiscoveryAddress(ctx)
	if err != nil || addr != "203.0.113.1" {
		t.Errorf("DiscoveryAddress = %q, %v", addr, err)
	}
	port, err := c.DiscoveryPort(ctx)
	if err != nil || port != 1904 {
		t.Errorf("DiscoveryPort = %d, %v", port, err)
	}

	id, err := c.Connect(ctx, "198.51.100.9", 1904, "Transparent")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Connect(ctx, "198.51.100.9", 1904, "Transparent"); err == nil {
		t.Error("expected a fault for a second connect")
	}
	if info, err := mgr.GetConnectionInfo(id); err != nil || info.Address != netip.MustParseAddr("198.51.100.9") {
		t.Errorf("unexpected connection info %+v, %v", info, err)
	}

	ok, err := c.IsBidirectionalConnection(ctx, "198.51.100.9", 1904)
	if err != nil || ok {
		t.Errorf("IsBidirectionalConnection = %v, %v", ok, err)
	}
	if err := c.ConnectionEstablished(ctx, "198.51.100.9", 1904); err != nil {
		t.Error(err)
	}
	if ids, err := c.CurrentConnectionIDs(ctx); err != nil || ids != "" {
		t.Errorf("CurrentConnectionIDs = %q, %v", ids, err)
	}
}

func soapRequest(action, body, remote string) *http.Request {
	env := `<?xml version="1.0"?><s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/"><s:Body>` +
		`<u:` + action + ` xmlns:u="` + gateway.ServiceType + `">` + body + `</u:` + action + `>` +
		`</s:Body></s:Envelope>`
	req := httptest.NewRequest(http.MethodPost, ControlPath, strings.NewReader(env))
	req.Header.Set("SOAPACTION", `"`+gateway.ServiceType+`#`+action+`"`)
	req.RemoteAddr = remote
	return req
}

func TestControlFaults(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	cases := []struct {
		req  *http.Request
		code string
	}{
		{soapRequest("AddAutoConnection", "<IPAddress>192.0.2.1</IPAddress><Port>1904</Port>", "198.51.100.3:5000"), "606"},
		{soapRequest("DeleteAutoConnection", "<ConnectionID>1</ConnectionID>", "198.51.100.3:5000"), "606"},
		{soapRequest("DeleteAutoConnection", "<ConnectionID>1</ConnectionID>", "10.1.2.3:5000"), "805"},
		{soapRequest("Connect", "<IPAddress>192.0.2.1</IPAddress><Port>x</Port>", "198.51.100.3:5000"), "402"},
		{soapRequest("Connect", "<IPAddress></IPAddress><Port>1904</Port>", "198.51.100.3:5000"), "802"},
		{soapRequest("Disconnect", "<ConnectionID>42</ConnectionID>", "198.51.100.3:5000"), "805"},
		{soapRequest("GetConnectionInfo", "<ConnectionID>42</ConnectionID>", "198.51.100.3:5000"), "805"},
		{soapRequest("FormatHardDrive", "", "198.51.100.3:5000"), "401"},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, tc.req)
		if rec.Code != http.StatusInternalServerError {
			t.Errorf("%s: unexpected status %d", tc.req.Header.Get("SOAPACTION"), rec.Code)
		}
		want := "<errorCode>" + tc.code + "</errorCode>"
		if !strings.Contains(rec.Body.String(), want) {
			t.Errorf("%s: expected %s in %s", tc.req.Header.Get("SOAPACTION"), want, rec.Body.String())
		}
	}

	// A trusted caller gets a real answer.
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, soapRequest("AddAutoConnection", "<IPAddress>192.0.2.1</IPAddress><Port>1904</Port><ConnectionType>Manual</ConnectionType>", "10.1.2.3:5000"))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "<ConnectionID>1</ConnectionID>") {
		t.Errorf("unexpected response %d %s", rec.Code, rec.Body.String())
	}
}

const deviceDescription = `<?xml version="1.0"?>
<root xmlns="urn:schemas-upnp-org:device-1-0">
<device>
<serviceList><service>
<SCPDURL>/scpd.xml</SCPDURL>
<controlURL>/ctl</controlURL>
<eventSubURL>/evt</eventSubURL>
</service></serviceList>
</device>
</root>`

func TestProxy(t *testing.T) {
	var mut sync.Mutex
	var callback string
	device := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == "SUBSCRIBE":
			mut.Lock()
			callback = r.Header.Get("CALLBACK")
			mut.Unlock()
			w.Header().Set("SID", "uuid:sub")
		case r.URL.Path == "/desc.xml":
			w.Header().Set("Content-Type", "text/xml")
			_, _ = io.WriteString(w, deviceDescription)
		default:
			http.NotFound(w, r)
		}
	}))
	defer device.Close()
	hostPort := strings.TrimPrefix(device.URL, "http://")

	s, _ := newTestServer(t)
	s.devices.(*localDevices).add(ssdpmsg.Device{
		UDN:      "uuid:media-server",
		Location: device.URL + "/desc.xml",
	})
	h := s.Handler()

	// From outside, the description is rewritten to lead back through us.
	req := httptest.NewRequest(http.MethodGet, "/dev/"+hostPort+"/desc.xml", nil)
	req.RemoteAddr = "198.51.100.3:5000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	want := "<controlURL>http://gw.example.org:1906/dev/" + hostPort + "/ctl</controlURL>"
	if !strings.Contains(rec.Body.String(), want) {
		t.Errorf("expected %s in\n%s", want, rec.Body.String())
	}
	if rec.Header().Get("Content-Length") != "" && rec.Header().Get("Content-Length") != strconv.Itoa(rec.Body.Len()) {
		t.Errorf("Content-Length %s for %d bytes", rec.Header().Get("Content-Length"), rec.Body.Len())
	}

	// Locally, it is left alone.
	req = httptest.NewRequest(http.MethodGet, "/dev/"+hostPort+"/desc.xml", nil)
	req.RemoteAddr = "192.168.1.50:5000"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Body.String() != deviceDescription {
		t.Errorf("local description changed:\n%s", rec.Body.String())
	}

	// Subscriptions from outside get their callback rewritten.
	req = httptest.NewRequest("SUBSCRIBE", "/dev/"+hostPort+"/evt", nil)
	req.RemoteAddr = "198.51.100.3:5000"
	req.Header.Set("CALLBACK", "<http://198.51.100.3:4000/cb>")
	req.Header.Set("NT", "upnp:event")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	mut.Lock()
	got := callback
	mut.Unlock()
	if got != "<http://gw.example.org:4000/cb>" {
		t.Errorf("unexpected callback %q", got)
	}

	// Only local devices are reachable.
	_, port, _ := net.SplitHostPort(hostPort)
	for _, target := range []string{"203.0.113.5:80", "192.168.1.99:80", "127.0.0.1:1", "0.0.0.0:" + port} {
		req = httptest.NewRequest(http.MethodGet, "/dev/"+target+"/desc.xml", nil)
		req.RemoteAddr = "198.51.100.3:5000"
		rec = httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusForbidden {
			t.Errorf("%s: expected forbidden, got %d", target, rec.Code)
		}
	}
}

func TestProxyRefusesOwnServer(t *testing.T) {
	s, mgr := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	self := strings.TrimPrefix(srv.URL, "http://")

	// Even when our own device shows up among the local ones.
	s.devices.(*localDevices).add(ssdpmsg.Device{
		UDN:      "uuid:test-gateway",
		Location: srv.URL + DescriptionPath,
	})

	req := soapRequest("AddAutoConnection", "<IPAddress>192.0.2.1</IPAddress><Port>1904</Port>", "198.51.100.3:5000")
	req.URL.Path = "/dev/" + self + ControlPath
	req.RequestURI = req.URL.Path
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected forbidden, got %d: %s", rec.Code, rec.Body.String())
	}
	if ids := mgr.GetAutoConnectionIDs(); ids != "" {
		t.Errorf("auto-connect list changed by an untrusted caller: %q", ids)
	}
}
