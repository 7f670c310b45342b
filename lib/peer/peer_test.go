// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package peer

import (
	"context"
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
)

func TestTypeStrings(t *testing.T) {
	for _, typ := range []Type{Transparent, Evented, Manual} {
		parsed, err := ParseType(typ.String())
		if err != nil {
			t.Fatal(err)
		}
		if parsed != typ {
			t.Errorf("ParseType(%q) = %v", typ.String(), parsed)
		}
	}
	if typ, err := ParseType(""); err != nil || typ != Transparent {
		t.Errorf("empty type should be Transparent, got %v, %v", typ, err)
	}
	if _, err := ParseType("Bogus"); err == nil {
		t.Error("unexpected nil error for bogus type")
	}
	if Connected.String() != "Connected" || Searching.String() != "Searching" || Disconnected.String() != "Disconnected" {
		t.Error("unexpected status strings")
	}
}

func TestRecordEquality(t *testing.T) {
	a := NewRecord(netip.MustParseAddr("192.0.2.5"), 1904, Transparent)
	b := NewRecord(netip.MustParseAddr("::ffff:192.0.2.5"), 1904, Manual)
	c := NewRecord(netip.MustParseAddr("192.0.2.5"), 1905, Transparent)
	if !a.Equal(b) {
		t.Error("records with same address and port should be equal")
	}
	if a.Equal(c) {
		t.Error("records with different ports should differ")
	}
	if a.ConnectionID != NoID || a.Status != Disconnected {
		t.Error("fresh record should be unassigned and disconnected")
	}
}

func TestIDsIncreaseConcurrently(t *testing.T) {
	var ids IDs
	const n = 1000
	got := make(chan int, n)
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range n / 10 {
				got <- ids.Next()
			}
		}()
	}
	wg.Wait()
	close(got)

	seen := make(map[int]bool)
	for id := range got {
		if id < 1 {
			t.Fatalf("invalid id %d", id)
		}
		if seen[id] {
			t.Fatalf("id %d handed out twice", id)
		}
		seen[id] = true
	}
	if next := ids.Next(); next != n+1 {
		t.Errorf("expected next id %d, got %d", n+1, next)
	}

	r := NewRecord(netip.MustParseAddr("192.0.2.5"), 1904, Transparent)
	ids.Assign(r)
	id := r.ConnectionID
	ids.Assign(r)
	if r.ConnectionID != id {
		t.Error("Assign must not replace an existing id")
	}
}

func TestSet(t *testing.T) {
	var s Set
	a := NewRecord(netip.MustParseAddr("192.0.2.5"), 1904, Transparent)
	a.ConnectionID = 1
	b := NewRecord(netip.MustParseAddr("192.0.2.6"), 1904, Evented)
	b.ConnectionID = 2

	if !s.Add(a) || !s.Add(b) {
		t.Fatal("adding distinct records failed")
	}
	dup := NewRecord(netip.MustParseAddr("192.0.2.5"), 1904, Manual)
	if s.Add(dup) {
		t.Error("duplicate address and port should be rejected")
	}

	info, ok := s.Get(2)
	if !ok {
		t.Fatal("record 2 not found")
	}
	expected := Info{ConnectionID: 2, Address: netip.MustParseAddr("192.0.2.6"), Port: 1904, Type: Evented, Status: Disconnected}
	if info != expected {
		t.Errorf("unexpected info %+v", info)
	}

	if !s.UpdateAddress(netip.MustParseAddr("192.0.2.5"), func(r *Record) { r.Status = Searching }) {
		t.Error("update by address failed")
	}
	if info, _ := s.FindAddress(netip.MustParseAddr("192.0.2.5")); info.Status != Searching {
		t.Error("status not updated")
	}

	if r := s.TakeAddress(netip.MustParseAddr("192.0.2.5")); r != a {
		t.Error("took the wrong record")
	}
	if s.Len() != 1 {
		t.Errorf("expected one record left, got %d", s.Len())
	}
	if r := s.Remove(7); r != nil {
		t.Error("removing an unknown id should return nil")
	}
	if r := s.Remove(2); r != b {
		t.Error("removed the wrong record")
	}
	if len(s.Infos()) != 0 {
		t.Error("set should be empty")
	}
}

type fakeResolver map[string][]netip.Addr

func (f fakeResolver) LookupNetIP(_ context.Context, _, host string) ([]netip.Addr, error) {
	if addrs, ok := f[host]; ok {
		return addrs, nil
	}
	return nil, errors.New("no such host")
}

func TestParseAddress(t *testing.T) {
	res := fakeResolver{
		"gw.example.org": {netip.MustParseAddr("2001:db8::1"), netip.MustParseAddr("198.51.100.7")},
	}
	cases := []struct {
		in  string
		out string
		ok  bool
	}{
		{"192.0.2.5:1900", "192.0.2.5:1900", true},
		{" 192.0.2.5:1904 ", "192.0.2.5:1904", true},
		{"gw.example.org:1904", "198.51.100.7:1904", true},
		{"[2001:db8::2]:1904", "[2001:db8::2]:1904", true},
		{"192.0.2.5", "", false},
		{"192.0.2.5:0", "", false},
		{"192.0.2.5:70000", "", false},
		{":1904", "", false},
		{"unknown.example.org:1904", "", false},
	}
	for _, tc := range cases {
		ap, err := ParseAddress(context.Background(), tc.in, res)
		if tc.ok != (err == nil) {
			t.Errorf("ParseAddress(%q) error = %v", tc.in, err)
			continue
		}
		if tc.ok && ap.String() != tc.out {
			t.Errorf("ParseAddress(%q) = %v, expected %v", tc.in, ap, tc.out)
		}
	}
}

func TestReadList(t *testing.T) {
	in := "192.0.2.5:1900\n#comment\n"
	entries, err := ReadList(context.Background(), strings.NewReader(in), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0] != netip.MustParseAddrPort("192.0.2.5:1900") {
		t.Errorf("unexpected entries %v", entries)
	}

	in = "\n# peers\n198.51.100.1:1904\r\nnot an address\n198.51.100.2:1904\n"
	entries, err = ReadList(context.Background(), strings.NewReader(in), nil)
	if err == nil || !strings.Contains(err.Error(), "line 4") {
		t.Errorf("expected an error for line 4, got %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("expected two good entries, got %v", entries)
	}
}

func TestWriteAndLoadList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "autoConnectedPeers.txt")

	entries, err := LoadList(context.Background(), path, nil)
	if err != nil || entries != nil {
		t.Fatalf("missing file should be an empty list, got %v, %v", entries, err)
	}

	want := []netip.AddrPort{
		netip.MustParseAddrPort("192.0.2.5:1904"),
		netip.MustParseAddrPort("203.0.113.9:1900"),
	}
	if err := WriteList(path, want); err != nil {
		t.Fatal(err)
	}
	bs, _ := os.ReadFile(path)
	if !strings.HasPrefix(string(bs), "#") {
		t.Errorf("expected a comment header, got %q", bs)
	}

	got, err := LoadList(context.Background(), path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(want, got) {
		t.Errorf("round trip mismatch: %v != %v", got, want)
	}
}
