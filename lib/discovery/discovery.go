// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package discovery probes peer gateways that are not yet connected. A
// probe is a root device M-SEARCH sent straight to the peer's discovery
// socket; the peer's answer makes its gateway device known to the control
// point, which completes the connection. Probes are repeated with a
// linearly growing backoff for as long as the peer stays pending.
package discovery

import (
	"context"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/syncthing/upnpbridge/internal/slogutil"
	"github.com/syncthing/upnpbridge/lib/peer"
	"github.com/syncthing/upnpbridge/lib/ssdpmsg"
	"github.com/syncthing/upnpbridge/lib/transport"
)

const (
	// ProbeInterval is how often pending peers are checked.
	ProbeInterval = 200 * time.Millisecond
	// BackoffStep is added to the retry timeout for every probe sent.
	BackoffStep = 2 * time.Minute
	// MaxBackoffSteps caps the retry timeout at 40 minutes.
	MaxBackoffSteps = 20
	// DefaultSendCount is how many copies of each probe are sent.
	DefaultSendCount = 2
)

// RetryTimeout returns how long to wait after the probeCount'th probe.
func RetryTimeout(probeCount int) time.Duration {
	return time.Duration(min(MaxBackoffSteps, probeCount)) * BackoffStep
}

type Options struct {
	SendCount int
}

// A Service owns the probing of a pending set. The set itself is shared
// with the connection manager, which takes records out of it once the
// peer is found.
type Service struct {
	pending   *peer.Set
	ids       *peer.IDs
	sender    transport.Sender
	sendCount int
	probe     []byte
	now       func() time.Time
	l         *slog.Logger
}

func New(pending *peer.Set, ids *peer.IDs, sender transport.Sender, opts Options, l *slog.Logger) *Service {
	if opts.SendCount <= 0 {
		opts.SendCount = DefaultSendCount
	}
	return &Service{
		pending:   pending,
		ids:       ids,
		sender:    sender,
		sendCount: opts.SendCount,
		probe:     ssdpmsg.RootDeviceSearch().Bytes(),
		now:       time.Now,
		l:         slogutil.OrDefault(l),
	}
}

// StartSearch assigns r a connection ID if it has none, marks it as
// searching and sends the first probe. The caller must own r.
func (s *Service) StartSearch(r *peer.Record) {
	s.ids.Assign(r)
	r.Status = peer.Searching
	s.probeRecord(r, s.now())
}

// Add starts the search for r and adds it to the pending set. It returns
// false, without probing, if an equal record is already pending.
func (s *Service) Add(r *peer.Record) bool {
	s.ids.Assign(r)
	r.Status = peer.Searching
	if !s.pending.Add(r) {
		return false
	}
	metricPendingPeers.Set(float64(s.pending.Len()))
	s.pending.Update(func(e *peer.Record) {
		if e == r {
			s.probeRecord(e, s.now())
		}
	})
	return true
}

// Probe immediately re-sends the probe to the pending peer with the given
// address, leaving its backoff untouched.
func (s *Service) Probe(addr netip.Addr) bool {
	var to peer.Info
	found := s.pending.UpdateAddress(addr, func(r *peer.Record) {
		to = r.Info()
	})
	if found {
		s.send(netip.AddrPortFrom(to.Address, uint16(to.Port)))
	}
	return found
}

func (s *Service) probeRecord(r *peer.Record, now time.Time) {
	r.LastProbe = now
	r.ProbeCount++
	s.send(r.AddrPort())
}

func (s *Service) send(to netip.AddrPort) {
	addr := net.UDPAddrFromAddrPort(to)
	for range s.sendCount {
		if err := s.sender.Send(s.probe, addr); err != nil {
			metricProbes.WithLabelValues(resultFailure).Inc()
			s.l.Debug("Failed to send probe", slogutil.Address(to), slogutil.Error(err))
			continue
		}
		metricProbes.WithLabelValues(resultSuccess).Inc()
	}
	s.l.Debug("Probed peer", slogutil.Address(to))
}

// Serve re-probes pending peers whose retry timeout has passed, until ctx
// is cancelled.
func (s *Service) Serve(ctx context.Context) error {
	t := time.NewTicker(ProbeInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.tick(s.now())
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Service) tick(now time.Time) {
	s.pending.Update(func(r *peer.Record) {
		if now.Sub(r.LastProbe) > RetryTimeout(r.ProbeCount) {
			s.probeRecord(r, now)
		}
	})
	metricPendingPeers.Set(float64(s.pending.Len()))
}

func (s *Service) String() string {
	return "discovery"
}
