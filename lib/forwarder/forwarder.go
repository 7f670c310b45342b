// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package forwarder moves SSDP traffic between the local network and the
// connected peers. It answers searches arriving on the discovery socket,
// passes peer announcements to the control point and the local network,
// and relays local searches and announcements to the peers.
package forwarder

import (
	"context"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/syncthing/upnpbridge/internal/slogutil"
	"github.com/syncthing/upnpbridge/lib/control"
	"github.com/syncthing/upnpbridge/lib/httpmsg"
	"github.com/syncthing/upnpbridge/lib/relay"
	"github.com/syncthing/upnpbridge/lib/rewrite"
	"github.com/syncthing/upnpbridge/lib/ssdpmsg"
	"github.com/syncthing/upnpbridge/lib/transport"
)

const (
	DefaultSearchRate       = 2 // per second and source
	DefaultSearchBurst      = 10
	DefaultLimiterCacheSize = 1024

	moduleID = "forwarder"
)

type Options struct {
	// GatewayUDN is the UDN of our own gateway device.
	GatewayUDN string
	// HTTPPort is the local port of the gateway's HTTP server.
	HTTPPort         int
	SearchRate       float64
	SearchBurst      int
	LimiterCacheSize int
}

// Peers tells connected peers apart from strangers.
type Peers interface {
	IsConnectedPeer(addr netip.Addr) bool
	IsKnownPeer(addr netip.Addr) bool
	PeerAddrs(transparentOnly bool) []*net.UDPAddr
}

// Devices is the control point's view of the network.
type Devices interface {
	Device(udn string) (ssdpmsg.Device, bool)
	LocalDevices() []ssdpmsg.Device
	HandleNotification(n ssdpmsg.Notification, remote bool)
	HandleSearchResponse(n ssdpmsg.Notification, remote bool)
}

type Forwarder struct {
	opts      Options
	peers     Peers
	devices   Devices
	rw        *rewrite.Rewriter
	discovery transport.Sender
	search    transport.Sender
	inject    func(ssdpmsg.Notification) error
	relay     *relay.Relay
	limiters  *lru.Cache[netip.Addr, *rate.Limiter]
	l         *slog.Logger
}

// New returns a Forwarder answering on the discovery socket and relaying
// searches through the search socket. Notifications from peers are
// multicast locally with inject.
func New(opts Options, peers Peers, devices Devices, rw *rewrite.Rewriter, discovery, search transport.Sender, inject func(ssdpmsg.Notification) error, l *slog.Logger) *Forwarder {
	if opts.SearchRate <= 0 {
		opts.SearchRate = DefaultSearchRate
	}
	if opts.SearchBurst <= 0 {
		opts.SearchBurst = DefaultSearchBurst
	}
	if opts.LimiterCacheSize <= 0 {
		opts.LimiterCacheSize = DefaultLimiterCacheSize
	}
	l = slogutil.OrDefault(l)
	// Only fails for a non-positive size.
	limiters, _ := lru.New[netip.Addr, *rate.Limiter](opts.LimiterCacheSize)
	f := &Forwarder{
		opts:      opts,
		peers:     peers,
		devices:   devices,
		rw:        rw,
		discovery: discovery,
		search:    search,
		inject:    inject,
		limiters:  limiters,
		l:         l,
	}
	f.relay = relay.New(search, f, l)
	return f
}

// Serve repeats the alive announcements of our gateway device to every
// connected peer at half its max-age, so that peers keep the connection
// until we actually go away. The handshake sends the first ones.
func (f *Forwarder) Serve(ctx context.Context) error {
	t := time.NewTicker(time.Duration(ssdpmsg.DefaultMaxAge) * time.Second / 2)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			f.announceGateway()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (f *Forwarder) announceGateway() {
	peers := f.peers.PeerAddrs(false)
	if len(peers) == 0 {
		return
	}
	for _, n := range f.gatewayDevice(netip.Addr{}).Notifications() {
		data := n.AliveMessage().Bytes()
		for _, to := range peers {
			if err := f.discovery.Send(data, to); err != nil {
				f.l.Debug("Failed to announce gateway", slogutil.Address(to), slogutil.Error(err))
			}
		}
	}
	f.l.Debug("Announced gateway device", slog.Int("peers", len(peers)))
	metricPackets.WithLabelValues(kindGatewayAlive, resultForwarded).Inc()
}

// Relay returns the search relay, to be run under a supervisor.
func (f *Forwarder) Relay() *relay.Relay {
	return f.relay
}

// HandleDiscoveryPacket handles a datagram received on the discovery
// socket.
func (f *Forwarder) HandleDiscoveryPacket(pkt transport.Packet) {
	msg, err := httpmsg.Parse(pkt.Data)
	if err != nil {
		f.l.Debug("Unparseable datagram", slogutil.Address(pkt.Src), slogutil.Error(err), slog.Any("data", slogutil.Expensive(func() any {
			return string(pkt.Data)
		})))
		return
	}
	switch {
	case msg.IsMSearch() && msg.Has(httpmsg.HeaderOriginator):
		f.answerPeerSearch(msg, pkt)
	case msg.IsMSearch():
		f.answerSearch(msg, pkt)
	case msg.IsNotify():
		f.handlePeerNotify(msg, pkt)
	case msg.IsMSearchResponse():
		f.handleSearchResponse(msg, pkt)
	default:
		f.l.Debug("Unexpected datagram", slog.String("startLine", msg.StartLine), slogutil.Address(pkt.Src))
	}
}

// HandleSearchPacket handles a datagram received on the search socket.
func (f *Forwarder) HandleSearchPacket(pkt transport.Packet) {
	f.relay.OnIncomingMessage(pkt.Data, pkt.Src)
}

// gatewayDevice returns our own gateway device as reachable on addr.
func (f *Forwarder) gatewayDevice(addr netip.Addr) ssdpmsg.Device {
	dev := gatewayDevice(f.opts.GatewayUDN, f.rw)
	if addr.IsValid() {
		dev.Location = "http://" + net.JoinHostPort(addr.String(), strconv.Itoa(f.opts.HTTPPort)) + control.DescriptionPath
	}
	return dev
}

// answerSearch answers a plain M-SEARCH with our gateway device. This is
// how peers probing us find it.
func (f *Forwarder) answerSearch(msg *httpmsg.Message, pkt transport.Packet) {
	src := pkt.SrcAddr()
	answers := f.gatewayDevice(pkt.Dst).Matching(msg.Get("ST"))
	if len(answers) == 0 {
		metricPackets.WithLabelValues(kindSearch, resultDropped).Inc()
		return
	}
	for _, n := range answers {
		resp := n.SearchResponse()
		if pkt.Dst.IsValid() {
			f.rw.MSearchResponse(resp, pkt.Dst, src)
		}
		if err := f.discovery.Send(resp.Bytes(), pkt.Src); err != nil {
			f.l.Debug("Failed to answer search", slogutil.Address(pkt.Src), slogutil.Error(err))
			return
		}
	}
	metricPackets.WithLabelValues(kindSearch, resultAnswered).Inc()
}

// answerPeerSearch answers a search relayed by a connected peer with our
// local devices, echoing the request ID.
func (f *Forwarder) answerPeerSearch(msg *httpmsg.Message, pkt transport.Packet) {
	src := pkt.SrcAddr()
	if !f.peers.IsConnectedPeer(src) {
		metricPackets.WithLabelValues(kindPeerSearch, resultDropped).Inc()
		f.l.Debug("Relayed search from unknown source", slogutil.Address(pkt.Src))
		return
	}
	if !f.allow(src) {
		metricPackets.WithLabelValues(kindPeerSearch, resultLimited).Inc()
		return
	}

	origin := msg.Get(httpmsg.HeaderOriginator)
	msg.Del(httpmsg.HeaderOriginator)
	st := msg.Get("ST")
	var count int
	for _, d := range f.localDevices() {
		for _, n := range d.Matching(st) {
			n.Location = f.rw.ProxyLocation(n.Location)
			resp := n.SearchResponse()
			resp.Set(httpmsg.HeaderOriginator, origin)
			if err := f.discovery.Send(resp.Bytes(), pkt.Src); err != nil {
				f.l.Debug("Failed to answer relayed search", slogutil.Address(pkt.Src), slogutil.Error(err))
				return
			}
			count++
		}
	}
	f.l.Debug("Answered relayed search", slog.String("st", st), slog.Int("responses", count), slogutil.Address(pkt.Src))
	metricPackets.WithLabelValues(kindPeerSearch, resultAnswered).Inc()
}

func (f *Forwarder) handlePeerNotify(msg *httpmsg.Message, pkt transport.Packet) {
	n, ok := ssdpmsg.ParseNotification(msg)
	if !ok || !f.peers.IsConnectedPeer(pkt.SrcAddr()) {
		metricPackets.WithLabelValues(kindNotify, resultDropped).Inc()
		return
	}
	if udn, _ := ssdpmsg.SplitUSN(n.USN); udn == f.opts.GatewayUDN {
		metricPackets.WithLabelValues(kindNotify, resultDropped).Inc()
		return
	}
	f.devices.HandleNotification(n, true)
	if err := f.inject(n); err != nil {
		f.l.Warn("Failed to announce peer device locally", slog.String("usn", n.USN), slogutil.Error(err))
		metricPackets.WithLabelValues(kindNotify, resultDropped).Inc()
		return
	}
	metricPackets.WithLabelValues(kindNotify, resultForwarded).Inc()
}

// handleSearchResponse takes answers to our probes.
func (f *Forwarder) handleSearchResponse(msg *httpmsg.Message, pkt transport.Packet) {
	n, ok := ssdpmsg.ParseNotification(msg)
	if !ok || !f.peers.IsKnownPeer(pkt.SrcAddr()) {
		metricPackets.WithLabelValues(kindSearchResponse, resultDropped).Inc()
		return
	}
	f.devices.HandleSearchResponse(n, true)
	metricPackets.WithLabelValues(kindSearchResponse, resultForwarded).Inc()
}

// ForwardSearchResponse delivers the answer of a peer to the local
// control point that searched.
func (f *Forwarder) ForwardSearchResponse(_, _ string, msg *httpmsg.Message, replyAddr *net.UDPAddr) {
	if err := f.search.Send(msg.Bytes(), replyAddr); err != nil {
		f.l.Debug("Failed to deliver search response", slogutil.Address(replyAddr), slogutil.Error(err))
		metricPackets.WithLabelValues(kindRelayed, resultDropped).Inc()
		return
	}
	if n, ok := ssdpmsg.ParseNotification(msg); ok {
		f.devices.HandleSearchResponse(n, true)
	}
	metricPackets.WithLabelValues(kindRelayed, resultForwarded).Inc()
}

// LocalSearch relays a multicast search of a local control point to
// every connected peer.
func (f *Forwarder) LocalSearch(st string, mx int, from net.Addr) {
	addr := udpAddr(from)
	if addr == nil {
		return
	}
	peers := f.peers.PeerAddrs(false)
	if len(peers) == 0 {
		return
	}
	if !f.allow(addr.AddrPort().Addr().Unmap()) {
		metricPackets.WithLabelValues(kindLocalSearch, resultLimited).Inc()
		return
	}
	id := f.relay.RegisterSearch(moduleID, moduleID, addr)
	search := ssdpmsg.Search(st, mx)
	for _, to := range peers {
		f.relay.SendSearchPacket(search, id, to)
	}
	metricPackets.WithLabelValues(kindLocalSearch, resultForwarded).Inc()
}

// LocalNotification forwards the announcement of a local device to the
// transparently connected peers.
func (f *Forwarder) LocalNotification(n ssdpmsg.Notification, from net.Addr) {
	udn, _ := ssdpmsg.SplitUSN(n.USN)
	if udn == "" || udn == f.opts.GatewayUDN {
		// Our own device goes to peers from Serve, with its global location.
		return
	}
	if d, ok := f.devices.Device(udn); ok && d.Remote {
		// Our own injection of a peer's device.
		return
	}
	peers := f.peers.PeerAddrs(true)
	if len(peers) == 0 {
		return
	}

	var msg *httpmsg.Message
	if n.IsAlive() {
		n.Location = f.rw.ProxyLocation(n.Location)
		msg = n.AliveMessage()
	} else {
		msg = n.ByeByeMessage()
	}
	data := msg.Bytes()
	for _, to := range peers {
		if err := f.discovery.Send(data, to); err != nil {
			f.l.Debug("Failed to forward notification", slogutil.Address(to), slogutil.Error(err))
		}
	}
	f.l.Debug("Forwarded local notification", slog.String("usn", n.USN), slog.String("nts", n.NTS), slog.Int("peers", len(peers)))
	metricPackets.WithLabelValues(kindLocalNotify, resultForwarded).Inc()
}

// localDevices returns the local devices other than our gateway device.
func (f *Forwarder) localDevices() []ssdpmsg.Device {
	return withoutUDN(f.devices.LocalDevices(), f.opts.GatewayUDN)
}

func (f *Forwarder) allow(addr netip.Addr) bool {
	lim, ok := f.limiters.Get(addr)
	if !ok {
		lim = rate.NewLimiter(rate.Limit(f.opts.SearchRate), f.opts.SearchBurst)
		if prev, loaded, _ := f.limiters.PeekOrAdd(addr, lim); loaded {
			lim = prev
		}
	}
	return lim.Allow()
}

func (f *Forwarder) String() string {
	return "forwarder"
}

func withoutUDN(devs []ssdpmsg.Device, udn string) []ssdpmsg.Device {
	res := devs[:0:0]
	for _, d := range devs {
		if d.UDN != udn {
			res = append(res, d)
		}
	}
	return res
}

func udpAddr(a net.Addr) *net.UDPAddr {
	switch a := a.(type) {
	case *net.UDPAddr:
		return a
	case nil:
		return nil
	}
	ap, err := netip.ParseAddrPort(a.String())
	if err != nil {
		return nil
	}
	return net.UDPAddrFromAddrPort(ap)
}
