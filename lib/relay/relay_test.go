// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package relay

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/syncthing/upnpbridge/lib/httpmsg"
	"github.com/syncthing/upnpbridge/lib/ssdpmsg"
)

type sent struct {
	data []byte
	to   *net.UDPAddr
}

type fakeSender struct {
	mut  sync.Mutex
	sent []sent
}

func (f *fakeSender) Send(data []byte, to *net.UDPAddr) error {
	f.mut.Lock()
	defer f.mut.Unlock()
	f.sent = append(f.sent, sent{data, to})
	return nil
}

type forwarded struct {
	source, forwarder string
	msg               *httpmsg.Message
	reply             *net.UDPAddr
}

type fakeForwarder struct {
	got []forwarded
}

func (f *fakeForwarder) ForwardSearchResponse(source, forwarder string, msg *httpmsg.Message, reply *net.UDPAddr) {
	f.got = append(f.got, forwarded{source, forwarder, msg, reply})
}

var (
	peerAddr  = &net.UDPAddr{IP: net.ParseIP("203.0.113.9"), Port: 1904}
	replyAddr = &net.UDPAddr{IP: net.ParseIP("192.168.1.20"), Port: 50123}
)

func TestSendUnknownRequest(t *testing.T) {
	s := &fakeSender{}
	r := New(s, &fakeForwarder{}, nil)
	r.SendSearchPacket(ssdpmsg.RootDeviceSearch(), 42, peerAddr)
	if len(s.sent) != 0 {
		t.Errorf("sent %d datagrams for an unknown request", len(s.sent))
	}
}

func TestSearchRoundTrip(t *testing.T) {
	s := &fakeSender{}
	f := &fakeForwarder{}
	r := New(s, f, nil)

	id := r.RegisterSearch("LAN", "Internet", replyAddr)
	if id != 1 {
		t.Fatalf("first id should be 1, got %d", id)
	}
	search := ssdpmsg.Search(ssdpmsg.SearchAll, 3)
	r.SendSearchPacket(search, id, peerAddr)

	if len(s.sent) != 1 {
		t.Fatalf("expected one datagram, got %d", len(s.sent))
	}
	out, err := httpmsg.Parse(s.sent[0].data)
	if err != nil {
		t.Fatal(err)
	}
	if out.Get(httpmsg.HeaderOriginator) != "1" {
		t.Errorf("X-ORIGINATOR = %q", out.Get(httpmsg.HeaderOriginator))
	}
	if search.Has(httpmsg.HeaderOriginator) {
		t.Error("the caller's message must not be modified")
	}
	if s.sent[0].to != peerAddr {
		t.Errorf("sent to %v", s.sent[0].to)
	}

	resp := ssdpmsg.Notification{NT: ssdpmsg.RootDevice, USN: "uuid:x::upnp:rootdevice", Location: "http://gw.example.org:1906/dev/desc.xml"}.SearchResponse()
	resp.Set(httpmsg.HeaderOriginator, "1")
	r.OnIncomingMessage(resp.Bytes(), peerAddr)

	if len(f.got) != 1 {
		t.Fatalf("expected one forwarded response, got %d", len(f.got))
	}
	got := f.got[0]
	if got.source != "LAN" || got.forwarder != "Internet" || got.reply != replyAddr {
		t.Errorf("unexpected routing %+v", got)
	}
	if got.msg.Has(httpmsg.HeaderOriginator) {
		t.Error("X-ORIGINATOR should be stripped")
	}
}

func TestIncomingDropped(t *testing.T) {
	f := &fakeForwarder{}
	r := New(&fakeSender{}, f, nil)
	r.RegisterSearch("LAN", "Internet", replyAddr)

	resp := ssdpmsg.Notification{NT: ssdpmsg.RootDevice, USN: "uuid:x"}.SearchResponse()
	for _, orig := range []string{"", "7", "abc"} {
		m := resp.Clone()
		if orig != "" {
			m.Set(httpmsg.HeaderOriginator, orig)
		}
		r.OnIncomingMessage(m.Bytes(), peerAddr)
	}
	search := ssdpmsg.RootDeviceSearch()
	search.Set(httpmsg.HeaderOriginator, "1")
	r.OnIncomingMessage(search.Bytes(), peerAddr)
	r.OnIncomingMessage([]byte("garbage"), peerAddr)

	if len(f.got) != 0 {
		t.Errorf("forwarded %d messages that should have been dropped", len(f.got))
	}
}

func TestRequestIDsCycle(t *testing.T) {
	r := New(&fakeSender{}, &fakeForwarder{}, nil)
	now := time.Unix(1700000000, 0)
	r.now = func() time.Time { return now }

	for i := 1; i <= MaxRequestID; i++ {
		if id := r.RegisterSearch("LAN", "Internet", replyAddr); id != i {
			t.Fatalf("expected id %d, got %d", i, id)
		}
		if i%100 == 0 {
			// Let everything registered so far expire, except the
			// request with ID 1 which we keep alive below.
			now = now.Add(RequestTimeout + time.Second)
			r.mut.Lock()
			r.requests[1].created = now
			r.mut.Unlock()
			r.sweep(now)
		}
	}

	// ID 1 is still pending, so the wrap skips it.
	if id := r.RegisterSearch("LAN", "Internet", replyAddr); id != 2 {
		t.Errorf("expected the wrapped id to skip the pending request, got %d", id)
	}
}

func TestSweepExpires(t *testing.T) {
	r := New(&fakeSender{}, &fakeForwarder{}, nil)
	start := time.Unix(1700000000, 0)
	now := start
	r.now = func() time.Time { return now }

	r.RegisterSearch("LAN", "Internet", replyAddr)
	now = start.Add(60 * time.Second)
	r.RegisterSearch("LAN", "Internet", replyAddr)

	r.sweep(start.Add(RequestTimeout))
	if r.Pending() != 2 {
		t.Errorf("nothing should expire yet, %d pending", r.Pending())
	}
	r.sweep(start.Add(RequestTimeout + time.Millisecond))
	if r.Pending() != 1 {
		t.Errorf("first request should expire, %d pending", r.Pending())
	}
	r.sweep(start.Add(60*time.Second + RequestTimeout + time.Millisecond))
	if r.Pending() != 0 {
		t.Errorf("all requests should expire, %d pending", r.Pending())
	}
}
