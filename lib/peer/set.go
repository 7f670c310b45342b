// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package peer

import (
	"net/netip"
	"sync"
)

// A Set is an ordered, mutex guarded list of records. Records handed to a
// Set belong to it until they are taken out again.
type Set struct {
	mut  sync.Mutex
	recs []*Record
}

// Add appends r unless a record with the same address and port is already
// present.
func (s *Set) Add(r *Record) bool {
	s.mut.Lock()
	defer s.mut.Unlock()
	for _, e := range s.recs {
		if e.Equal(r) {
			return false
		}
	}
	s.recs = append(s.recs, r)
	return true
}

// TakeAddress removes and returns the first record with the given address.
func (s *Set) TakeAddress(addr netip.Addr) *Record {
	addr = addr.Unmap()
	s.mut.Lock()
	defer s.mut.Unlock()
	for i, r := range s.recs {
		if r.Address == addr {
			s.recs = append(s.recs[:i], s.recs[i+1:]...)
			return r
		}
	}
	return nil
}

// Remove removes and returns the record with the given connection ID.
func (s *Set) Remove(id int) *Record {
	s.mut.Lock()
	defer s.mut.Unlock()
	for i, r := range s.recs {
		if r.ConnectionID == id {
			s.recs = append(s.recs[:i], s.recs[i+1:]...)
			return r
		}
	}
	return nil
}

func (s *Set) Get(id int) (Info, bool) {
	s.mut.Lock()
	defer s.mut.Unlock()
	for _, r := range s.recs {
		if r.ConnectionID == id {
			return r.Info(), true
		}
	}
	return Info{}, false
}

// FindAddress returns a snapshot of the first record with the given address.
func (s *Set) FindAddress(addr netip.Addr) (Info, bool) {
	addr = addr.Unmap()
	s.mut.Lock()
	defer s.mut.Unlock()
	for _, r := range s.recs {
		if r.Address == addr {
			return r.Info(), true
		}
	}
	return Info{}, false
}

// Update calls fn for every record, with the set locked. fn may modify the
// mutable fields of the record.
func (s *Set) Update(fn func(r *Record)) {
	s.mut.Lock()
	defer s.mut.Unlock()
	for _, r := range s.recs {
		fn(r)
	}
}

// UpdateAddress calls fn for the first record with the given address and
// reports whether there was one.
func (s *Set) UpdateAddress(addr netip.Addr, fn func(r *Record)) bool {
	addr = addr.Unmap()
	s.mut.Lock()
	defer s.mut.Unlock()
	for _, r := range s.recs {
		if r.Address == addr {
			fn(r)
			return true
		}
	}
	return false
}

func (s *Set) Infos() []Info {
	s.mut.Lock()
	defer s.mut.Unlock()
	infos := make([]Info, len(s.recs))
	for i, r := range s.recs {
		infos[i] = r.Info()
	}
	return infos
}

func (s *Set) Len() int {
	s.mut.Lock()
	defer s.mut.Unlock()
	return len(s.recs)
}
