// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Command upnpbridge joins the UPnP network it runs on with the networks
// of peer gateways across the Internet. Devices on either side show up on
// the other, with their locations and event callbacks relayed through the
// gateways.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/thejerf/suture/v4"

	"github.com/syncthing/upnpbridge/internal/slogutil"
	_ "github.com/syncthing/upnpbridge/lib/automaxprocs"
	"github.com/syncthing/upnpbridge/lib/control"
	"github.com/syncthing/upnpbridge/lib/controlpoint"
	"github.com/syncthing/upnpbridge/lib/discovery"
	"github.com/syncthing/upnpbridge/lib/forwarder"
	"github.com/syncthing/upnpbridge/lib/gateway"
	"github.com/syncthing/upnpbridge/lib/nat"
	"github.com/syncthing/upnpbridge/lib/osutil"
	"github.com/syncthing/upnpbridge/lib/peer"
	_ "github.com/syncthing/upnpbridge/lib/pmp"
	"github.com/syncthing/upnpbridge/lib/rewrite"
	"github.com/syncthing/upnpbridge/lib/ssdpmsg"
	"github.com/syncthing/upnpbridge/lib/stun"
	"github.com/syncthing/upnpbridge/lib/svcutil"
	"github.com/syncthing/upnpbridge/lib/transport"
)

type CLI struct {
	GlobalHost      string   `help:"Host name or address peers reach this gateway on, detected with STUN if empty" env:"BRIDGE_GLOBAL_HOST"`
	ListenAddress   string   `help:"Local address to bind sockets to" env:"BRIDGE_LISTEN_ADDRESS"`
	DiscoveryPort   int      `help:"UDP port of the discovery socket" default:"1904" env:"BRIDGE_DISCOVERY_PORT"`
	SearchPort      int      `help:"UDP port relayed searches are sent from" default:"1905" env:"BRIDGE_SEARCH_PORT"`
	HTTPPort        int      `help:"TCP port of the gateway HTTP server" default:"1906" env:"BRIDGE_HTTP_PORT"`
	AutoConnectFile string   `help:"File listing peers to connect to automatically" default:"autoConnectedPeers.txt" env:"BRIDGE_AUTO_CONNECT_FILE"`
	SendCount       int      `help:"Copies of each discovery probe to send" default:"2" env:"BRIDGE_SEND_COUNT"`
	Trusted         []string `help:"Networks (CIDR) allowed to change the auto-connect list, in addition to loopback" env:"BRIDGE_TRUSTED"`
	FriendlyName    string   `help:"Friendly name of the gateway device" default:"UPnP Bridge" env:"BRIDGE_FRIENDLY_NAME"`
	UDN             string   `help:"UDN of the gateway device, generated if empty" env:"BRIDGE_UDN"`
	NAT             bool     `help:"Map the discovery and HTTP ports on the router using NAT-PMP" env:"BRIDGE_NAT"`
	STUNServer      []string `help:"STUN servers used to detect the global address" default:"stun.syncthing.net:3478,stun.l.google.com:19302" env:"BRIDGE_STUN_SERVERS"`
	MetricsListen   string   `help:"Address to serve Prometheus metrics on, empty to disable" env:"BRIDGE_METRICS_LISTEN"`
	Debug           bool     `help:"Log at DEBUG level" env:"BRIDGE_DEBUG"`
	Trace           string   `help:"Per package log levels, like discovery,relay:WARN" env:"BRIDGETRACE"`
}

func main() {
	var params CLI
	kong.Parse(&params, kong.Description("UPnP/SSDP inter-domain gateway"))

	if params.Debug {
		slogutil.SetDefaultLevel(slog.LevelDebug)
	}
	slogutil.SetLevelOverrides(params.Trace)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, params); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("Gateway failed", slogutil.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, params CLI) error {
	l := slog.Default()

	trusted, err := parsePrefixes(params.Trusted)
	if err != nil {
		return err
	}
	host, globalAddr, err := globalAddress(ctx, params.GlobalHost, params.STUNServer, l)
	if err != nil {
		return err
	}
	udn := params.UDN
	if udn == "" {
		udn = control.NewUDN()
	}
	l.Info("Starting gateway", slog.String("udn", udn), slog.String("globalHost", host), slog.String("globalAddress", globalAddr.String()))

	discConn, err := transport.Listen("discovery", hostPort(params.ListenAddress, params.DiscoveryPort), l)
	if err != nil {
		return err
	}
	searchConn, err := transport.Listen("search", hostPort(params.ListenAddress, params.SearchPort), l)
	if err != nil {
		discConn.Close()
		return err
	}

	rw := rewrite.New(host, params.HTTPPort, globalAddr)
	cp := controlpoint.New(nil, l)
	announcer := forwarder.NewAnnouncer(udn, cp, rw, controlpoint.Inject)
	mgr := gateway.New(gateway.Options{
		GlobalAddress:   globalAddr,
		DiscoveryPort:   params.DiscoveryPort,
		AutoConnectFile: params.AutoConnectFile,
		Discovery:       discovery.Options{SendCount: params.SendCount},
	}, discConn, cp, announcer, l)
	fwd := forwarder.New(forwarder.Options{
		GatewayUDN: udn,
		HTTPPort:   params.HTTPPort,
	}, mgr, cp, rw, discConn, searchConn, controlpoint.Inject, l)
	discConn.Handle(fwd.HandleDiscoveryPacket)
	searchConn.Handle(fwd.HandleSearchPacket)

	entity := gateway.NewEntity(mgr, udn, control.Dial, l)
	cp.AddListener(entity)

	srv := control.NewServer(control.Options{
		ListenAddr:   hostPort(params.ListenAddress, params.HTTPPort),
		UDN:          udn,
		FriendlyName: params.FriendlyName,
		Trusted:      trusted,
	}, mgr, cp, rw, l)

	localIP, err := localAddress(params.ListenAddress)
	if err != nil {
		l.Warn("Failed to find the local address; local control points will not see the gateway", slogutil.Error(err))
	}

	// The sockets outlive the rest, so that byebyes can be sent on the
	// way down.
	sockets := suture.New("sockets", svcutil.SpecWithDebugLogger(l))
	sockets.Add(discConn)
	sockets.Add(searchConn)
	socketCtx, stopSockets := context.WithCancel(context.Background())
	defer stopSockets()
	socketsDone := sockets.ServeBackground(socketCtx)

	sup := suture.New("upnpbridge", svcutil.SpecWithDebugLogger(l))
	sup.Add(cp)
	sup.Add(controlpoint.NewMonitor(cp, fwd, l))
	sup.Add(entity)
	sup.Add(mgr.Discovery())
	sup.Add(fwd)
	sup.Add(fwd.Relay())
	sup.Add(srv)
	if localIP.IsValid() {
		loc := "http://" + hostPort(localIP.String(), params.HTTPPort) + control.DescriptionPath
		sup.Add(forwarder.NewAdvertiser(udn, loc, l))
	}
	if params.NAT {
		natSvc := nat.NewService(nat.Options{}, l)
		natSvc.NewMapping(nat.UDP, params.DiscoveryPort, "upnpbridge discovery")
		natSvc.NewMapping(nat.TCP, params.HTTPPort, "upnpbridge http")
		sup.Add(natSvc)
	}
	if params.MetricsListen != "" {
		sup.Add(svcutil.AsService(func(ctx context.Context) error {
			return serveMetrics(ctx, params.MetricsListen)
		}, "metrics@"+params.MetricsListen))
	}

	if err := mgr.LoadAutoConnections(ctx); err != nil {
		l.Warn("Failed to load auto-connect peers", slogutil.Error(err))
	}

	err = sup.Serve(ctx)
	stopSockets()
	<-socketsDone
	return err
}

// globalAddress returns the host peers reach us as and its address. With
// no host given, the address seen by a STUN server is used for both.
func globalAddress(ctx context.Context, host string, stunServers []string, l *slog.Logger) (string, netip.Addr, error) {
	if host != "" {
		addr, err := peer.Resolve(ctx, host, nil)
		if err != nil {
			return "", netip.Addr{}, fmt.Errorf("global host: %w", err)
		}
		return host, addr, nil
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	res, err := stun.Lookup(lookupCtx, stunServers, l)
	if err != nil {
		return "", netip.Addr{}, fmt.Errorf("no global host given and detection failed: %w", err)
	}
	if !res.Reachable() {
		l.Warn("NAT type does not allow peers to reach us; consider a port mapping", slog.String("natType", res.NATType.String()))
	}
	l.Info("Detected global address", slog.String("address", res.Address.String()), slog.String("via", res.Server))
	return res.Address.String(), res.Address, nil
}

// localAddress returns the address of the interface SSDP multicast goes
// out on, or listen if one is given.
func localAddress(listen string) (netip.Addr, error) {
	if listen != "" {
		if addr, err := netip.ParseAddr(listen); err == nil && !addr.IsUnspecified() {
			return addr.Unmap(), nil
		}
	}
	// No packets are sent by dialing UDP.
	conn, err := net.Dial("udp4", ssdpmsg.Multicast.String())
	if err != nil {
		return netip.Addr{}, err
	}
	defer conn.Close()
	return osutil.IPFromAddr(conn.LocalAddr())
}

func parsePrefixes(nets []string) ([]netip.Prefix, error) {
	var prefixes []netip.Prefix
	for _, n := range nets {
		p, err := netip.ParsePrefix(n)
		if err != nil {
			return nil, fmt.Errorf("trusted network: %w", err)
		}
		prefixes = append(prefixes, p.Masked())
	}
	return prefixes, nil
}

func hostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
	}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	slog.Info("Serving metrics", slog.String("address", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return ctx.Err()
}
