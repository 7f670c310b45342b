// Copyright (C) 2015 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package nat keeps port mappings on NAT gateways alive, so that peers on
// the Internet reach the sockets of a gateway behind a home router.
package nat

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/syncthing/upnpbridge/internal/slogutil"
)

const (
	DefaultRenewal = 30 * time.Minute
	DefaultTimeout = 10 * time.Second

	retryInterval = time.Minute
)

type Options struct {
	// Renewal is the lease time requested for each mapping.
	Renewal time.Duration
	// Timeout bounds the discovery of NAT devices.
	Timeout time.Duration
}

// A Mapping is one port we want reachable from the outside, under the
// same external port.
type Mapping struct {
	protocol    Protocol
	port        int
	description string

	mut      sync.Mutex
	external netip.AddrPort
	device   string
	expires  time.Time
}

// ExternalAddress returns the address the port is reachable on, or the
// zero value if no mapping is in place.
func (m *Mapping) ExternalAddress() netip.AddrPort {
	m.mut.Lock()
	defer m.mut.Unlock()
	return m.external
}

func (m *Mapping) String() string {
	return fmt.Sprintf("%s/%d", m.protocol, m.port)
}

// Service discovers NAT devices and acquires and renews the mappings.
type Service struct {
	opts     Options
	discover func(ctx context.Context, renewal, timeout time.Duration) map[string]Device
	now      func() time.Time
	l        *slog.Logger

	mut      sync.Mutex
	mappings []*Mapping
	announce sync.Once
}

func NewService(opts Options, l *slog.Logger) *Service {
	if opts.Renewal <= 0 {
		opts.Renewal = DefaultRenewal
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Service{
		opts:     opts,
		discover: discoverAll,
		now:      time.Now,
		l:        slogutil.OrDefault(l),
	}
}

func (s *Service) NewMapping(protocol Protocol, port int, description string) *Mapping {
	m := &Mapping{protocol: protocol, port: port, description: description}
	s.mut.Lock()
	s.mappings = append(s.mappings, m)
	s.mut.Unlock()
	return m
}

func (s *Service) Serve(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			timer.Reset(s.process(ctx))
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// process renews the mappings that are due and returns the time until the
// next one is.
func (s *Service) process(ctx context.Context) time.Duration {
	now := s.now()
	renewIn := s.opts.Renewal
	var toRenew []*Mapping

	s.mut.Lock()
	for _, m := range s.mappings {
		// Renew a bit ahead of the lease running out.
		m.mut.Lock()
		due := m.expires.Add(-s.opts.Renewal / 10)
		m.mut.Unlock()
		if !due.After(now) {
			toRenew = append(toRenew, m)
		} else if d := due.Sub(now); d < renewIn {
			renewIn = d
		}
	}
	s.mut.Unlock()

	if len(toRenew) == 0 {
		return renewIn
	}

	nats := s.discover(ctx, s.opts.Renewal, s.opts.Timeout)
	s.announce.Do(func() {
		s.l.Info("Detected NAT devices", slog.Int("count", len(nats)))
	})

	for _, m := range toRenew {
		if s.renew(ctx, m, nats) {
			if d := s.opts.Renewal * 9 / 10; d < renewIn {
				renewIn = d
			}
		} else if retryInterval < renewIn {
			renewIn = retryInterval
		}
	}
	return renewIn
}

// renew tries the device that held the mapping before, then all others.
func (s *Service) renew(ctx context.Context, m *Mapping, nats map[string]Device) bool {
	m.mut.Lock()
	prev := m.device
	m.mut.Unlock()

	order := make([]Device, 0, len(nats))
	if dev, ok := nats[prev]; ok {
		order = append(order, dev)
	}
	for id, dev := range nats {
		if id != prev {
			order = append(order, dev)
		}
	}

	for _, dev := range order {
		port, err := dev.AddPortMapping(ctx, m.protocol, m.port, m.port, m.description, s.opts.Renewal)
		if err != nil {
			s.l.Debug("Failed to map port", slog.String("mapping", m.String()), slog.String("device", dev.ID()), slogutil.Error(err))
			continue
		}
		ip, err := dev.GetExternalIPv4Address(ctx)
		if err != nil {
			s.l.Debug("Failed to get external address", slog.String("device", dev.ID()), slogutil.Error(err))
		}
		ext := netip.AddrPortFrom(ip, uint16(port))
		if port != m.port {
			s.l.Warn("NAT device mapped a different external port; peers will not reach it", slog.String("mapping", m.String()), slog.Int("external", port))
		}

		m.mut.Lock()
		changed := m.external != ext
		m.external = ext
		m.device = dev.ID()
		m.expires = s.now().Add(s.opts.Renewal)
		m.mut.Unlock()
		if changed {
			s.l.Info("Acquired port mapping", slog.String("mapping", m.String()), slog.String("external", ext.String()), slog.String("device", dev.ID()))
		}
		return true
	}

	m.mut.Lock()
	lost := m.external.IsValid()
	m.external = netip.AddrPort{}
	m.device = ""
	m.expires = s.now().Add(retryInterval)
	m.mut.Unlock()
	if lost {
		s.l.Warn("Lost port mapping", slog.String("mapping", m.String()))
	}
	return false
}

// ExternalAddress returns the external address of the first mapping in
// place, or the zero Addr.
func (s *Service) ExternalAddress() netip.Addr {
	s.mut.Lock()
	defer s.mut.Unlock()
	for _, m := range s.mappings {
		if ext := m.ExternalAddress(); ext.IsValid() && ext.Addr().IsValid() {
			return ext.Addr()
		}
	}
	return netip.Addr{}
}

func (s *Service) String() string {
	return "nat.Service"
}
