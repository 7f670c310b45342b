// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package discovery

import (
	"errors"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/syncthing/upnpbridge/lib/httpmsg"
	"github.com/syncthing/upnpbridge/lib/peer"
)

type fakeSender struct {
	mut  sync.Mutex
	to   []*net.UDPAddr
	fail bool
}

func (f *fakeSender) Send(data []byte, to *net.UDPAddr) error {
	f.mut.Lock()
	defer f.mut.Unlock()
	if f.fail {
		return errors.New("network unreachable")
	}
	msg, err := httpmsg.Parse(data)
	if err != nil || !msg.IsMSearch() {
		panic("probe is not an M-SEARCH")
	}
	f.to = append(f.to, to)
	return nil
}

func (f *fakeSender) count() int {
	f.mut.Lock()
	defer f.mut.Unlock()
	return len(f.to)
}

func newService(sender *fakeSender) (*Service, *peer.Set, *time.Time) {
	var pending peer.Set
	var ids peer.IDs
	s := New(&pending, &ids, sender, Options{}, nil)
	now := time.Unix(1700000000, 0)
	s.now = func() time.Time { return now }
	return s, &pending, &now
}

func TestRetryTimeout(t *testing.T) {
	cases := map[int]time.Duration{
		0:   0,
		1:   2 * time.Minute,
		5:   10 * time.Minute,
		20:  40 * time.Minute,
		21:  40 * time.Minute,
		500: 40 * time.Minute,
	}
	for k, want := range cases {
		if got := RetryTimeout(k); got != want {
			t.Errorf("RetryTimeout(%d) = %v, expected %v", k, got, want)
		}
	}
}

func TestAddProbes(t *testing.T) {
	sender := &fakeSender{}
	s, pending, _ := newService(sender)

	r := peer.NewRecord(netip.MustParseAddr("203.0.113.9"), 1904, peer.Transparent)
	if !s.Add(r) {
		t.Fatal("add failed")
	}
	if r.ConnectionID != 1 || r.Status != peer.Searching || r.ProbeCount != 1 {
		t.Errorf("unexpected record state %+v", r)
	}
	if sender.count() != DefaultSendCount {
		t.Errorf("expected %d datagrams, got %d", DefaultSendCount, sender.count())
	}
	if sender.to[0].String() != "203.0.113.9:1904" {
		t.Errorf("probe sent to %v", sender.to[0])
	}

	dup := peer.NewRecord(netip.MustParseAddr("203.0.113.9"), 1904, peer.Transparent)
	if s.Add(dup) {
		t.Error("duplicate should not be added")
	}
	if pending.Len() != 1 {
		t.Errorf("expected one pending record, got %d", pending.Len())
	}
}

func TestBackoff(t *testing.T) {
	sender := &fakeSender{}
	s, _, _ := newService(sender)

	r := peer.NewRecord(netip.MustParseAddr("203.0.113.9"), 1904, peer.Transparent)
	s.Add(r)
	sent := sender.count()

	// After k probes the next one is due strictly after k * 2 minutes.
	for k := 1; k <= 25; k++ {
		last := r.LastProbe
		due := last.Add(RetryTimeout(k))

		s.tick(due)
		if sender.count() != sent {
			t.Fatalf("probe %d sent at exactly the timeout", k+1)
		}
		s.tick(due.Add(ProbeInterval))
		if sender.count() != sent+DefaultSendCount {
			t.Fatalf("probe %d not sent after the timeout", k+1)
		}
		sent = sender.count()
		if r.ProbeCount != k+1 {
			t.Fatalf("probe count %d, expected %d", r.ProbeCount, k+1)
		}
		if r.LastProbe != due.Add(ProbeInterval) {
			t.Fatalf("last probe time not stamped")
		}
	}
	if RetryTimeout(r.ProbeCount) != 40*time.Minute {
		t.Error("backoff did not saturate")
	}
}

func TestProbeLeavesCounters(t *testing.T) {
	sender := &fakeSender{}
	s, _, _ := newService(sender)

	r := peer.NewRecord(netip.MustParseAddr("203.0.113.9"), 1904, peer.Transparent)
	s.Add(r)
	before := sender.count()

	if !s.Probe(netip.MustParseAddr("203.0.113.9")) {
		t.Fatal("probe of pending peer failed")
	}
	if sender.count() != before+DefaultSendCount {
		t.Error("probe not sent")
	}
	if r.ProbeCount != 1 {
		t.Errorf("probe count changed to %d", r.ProbeCount)
	}
	if s.Probe(netip.MustParseAddr("198.51.100.1")) {
		t.Error("probe of unknown peer reported success")
	}
}

func TestSendFailureKeepsPending(t *testing.T) {
	sender := &fakeSender{fail: true}
	s, pending, _ := newService(sender)

	r := peer.NewRecord(netip.MustParseAddr("203.0.113.9"), 1904, peer.Transparent)
	if !s.Add(r) {
		t.Fatal("add failed")
	}
	if pending.Len() != 1 || r.ProbeCount != 1 {
		t.Error("failed sends should leave the record pending and counted")
	}
}
