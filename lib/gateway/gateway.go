// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package gateway manages the connections of this gateway to its peers.
// Peers move from a pending set, where they are probed by the discovery
// service, to the connected set once their gateway device shows up at the
// control point. A connection is complete once both sides have seen each
// other, at which point each sends the other its device announcements.
package gateway

import (
	"context"
	"log/slog"
	"net"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/syncthing/upnpbridge/internal/slogutil"
	"github.com/syncthing/upnpbridge/lib/discovery"
	"github.com/syncthing/upnpbridge/lib/peer"
	"github.com/syncthing/upnpbridge/lib/ssdpmsg"
	"github.com/syncthing/upnpbridge/lib/transport"
)

const (
	// DeviceType is the type of the gateway device.
	DeviceType = "urn:schemas-fokus-fraunhofer-de:device:DeviceDirectoryDevice:1"
	// ServiceType is the type of the discovery service offering the
	// connection actions.
	ServiceType = "urn:schemas-fokus-fraunhofer-de:service:DiscoveryService:1"
	// ServiceID is the service ID of the discovery service.
	ServiceID = "urn:fokus-fraunhofer-de:serviceId:DiscoveryService1.0"

	DefaultActionTimeout   = 10 * time.Second
	DefaultAutoConnectFile = "autoConnectedPeers.txt"
)

// Device locations reported by GetDeviceLocation.
const (
	LocationLocal   = "Local"
	LocationGlobal  = "Global"
	LocationUnknown = "Unknown"
)

// A RemoteGateway is the gateway device of a peer, as discovered by the
// control point, with its discovery service actions.
type RemoteGateway interface {
	UDN() string
	DiscoveryAddress(ctx context.Context) (string, error)
	IsBidirectionalConnection(ctx context.Context, address string, port int) (bool, error)
	ConnectionEstablished(ctx context.Context, address string, port int) error
}

// A ControlPoint knows the devices visible to this gateway.
type ControlPoint interface {
	Devices() []ssdpmsg.Device
	Device(udn string) (ssdpmsg.Device, bool)
}

// LocalSSDP is the local side of the gateway's SSDP traffic.
type LocalSSDP interface {
	// Announcements returns the notifications of the gateway device and
	// all local devices, in the form peers should see them.
	Announcements() []ssdpmsg.Notification
	// Inject multicasts a notification on the local network.
	Inject(n ssdpmsg.Notification) error
}

type Options struct {
	// GlobalAddress and DiscoveryPort are where peers reach our
	// discovery socket.
	GlobalAddress   netip.Addr
	DiscoveryPort   int
	AutoConnectFile string
	ActionTimeout   time.Duration
	Discovery       discovery.Options
	Resolver        peer.Resolver
}

type connectedPeer struct {
	rec         *peer.Record
	dev         RemoteGateway
	announceTo  *net.UDPAddr
	established bool
}

type autoEntry struct {
	id   int
	addr netip.AddrPort
}

type Manager struct {
	opts   Options
	sender transport.Sender
	cp     ControlPoint
	local  LocalSSDP
	l      *slog.Logger

	ids       peer.IDs
	pending   peer.Set
	discovery *discovery.Service

	connMut   sync.Mutex
	connected map[int]*connectedPeer // by connection ID

	autoMut sync.Mutex
	auto    []autoEntry
}

// New returns a Manager sending probes and announcements through sender,
// which should be the discovery socket.
func New(opts Options, sender transport.Sender, cp ControlPoint, local LocalSSDP, l *slog.Logger) *Manager {
	if opts.ActionTimeout <= 0 {
		opts.ActionTimeout = DefaultActionTimeout
	}
	l = slogutil.OrDefault(l)
	m := &Manager{
		opts:      opts,
		sender:    sender,
		cp:        cp,
		local:     local,
		l:         l,
		connected: make(map[int]*connectedPeer),
	}
	m.discovery = discovery.New(&m.pending, &m.ids, sender, opts.Discovery, l)
	return m
}

// Discovery returns the probing service, to be run under a supervisor.
func (m *Manager) Discovery() *discovery.Service {
	return m.discovery
}

// GetDiscoveryPort returns the port of our discovery socket.
func (m *Manager) GetDiscoveryPort() int {
	countAction("GetDiscoveryPort", nil)
	return m.opts.DiscoveryPort
}

// GetDiscoveryAddress returns the global address peers reach us on.
func (m *Manager) GetDiscoveryAddress() string {
	countAction("GetDiscoveryAddress", nil)
	return m.opts.GlobalAddress.String()
}

// IsConnectedPeer reports whether addr is the address of a connected peer.
func (m *Manager) IsConnectedPeer(addr netip.Addr) bool {
	addr = addr.Unmap()
	m.connMut.Lock()
	defer m.connMut.Unlock()
	for _, cp := range m.connected {
		if cp.rec.Address == addr {
			return true
		}
	}
	return false
}

// IsKnownPeer reports whether addr is the address of a pending or
// connected peer.
func (m *Manager) IsKnownPeer(addr netip.Addr) bool {
	if _, ok := m.pending.FindAddress(addr); ok {
		return true
	}
	return m.IsConnectedPeer(addr)
}

// PeerAddrs returns the discovery sockets of connected peers, only those
// connected transparently if transparentOnly is set.
func (m *Manager) PeerAddrs(transparentOnly bool) []*net.UDPAddr {
	m.connMut.Lock()
	defer m.connMut.Unlock()
	var addrs []*net.UDPAddr
	for _, id := range m.sortedIDsLocked() {
		cp := m.connected[id]
		if transparentOnly && cp.rec.Type != peer.Transparent {
			continue
		}
		addrs = append(addrs, cp.announceTo)
	}
	return addrs
}

// ConnectedPeers returns snapshots of the connected peers.
func (m *Manager) ConnectedPeers() []peer.Info {
	m.connMut.Lock()
	defer m.connMut.Unlock()
	infos := make([]peer.Info, 0, len(m.connected))
	for _, id := range m.sortedIDsLocked() {
		infos = append(infos, m.connected[id].rec.Info())
	}
	return infos
}

// PendingPeers returns snapshots of the peers being searched for.
func (m *Manager) PendingPeers() []peer.Info {
	return m.pending.Infos()
}

func (m *Manager) sortedIDsLocked() []int {
	ids := make([]int, 0, len(m.connected))
	for id := range m.connected {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (m *Manager) updatePeerMetrics() {
	m.connMut.Lock()
	connected := len(m.connected)
	m.connMut.Unlock()
	m.autoMut.Lock()
	auto := len(m.auto)
	m.autoMut.Unlock()
	metricPeers.WithLabelValues("pending").Set(float64(m.pending.Len()))
	metricPeers.WithLabelValues("connected").Set(float64(connected))
	metricPeers.WithLabelValues("auto").Set(float64(auto))
}

func (m *Manager) String() string {
	return "gateway@" + netip.AddrPortFrom(m.opts.GlobalAddress, uint16(m.opts.DiscoveryPort)).String()
}
