// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package control is the HTTP side of the gateway: the device description,
// the SOAP control endpoint of the discovery service, a relay towards
// local devices, and the client used to call the same actions on peers.
package control

import (
	"context"
	"errors"
	"io"
	"log"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"slices"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/syncthing/upnpbridge/internal/slogutil"
	"github.com/syncthing/upnpbridge/lib/gateway"
	"github.com/syncthing/upnpbridge/lib/rewrite"
	"github.com/syncthing/upnpbridge/lib/ssdpmsg"
)

type Options struct {
	ListenAddr   string
	UDN          string
	FriendlyName string
	// Trusted callers may change the auto-connect list. Loopback callers
	// are always trusted.
	Trusted []netip.Prefix
}

// LocalDevices lists the devices on the local network. Only their hosts
// are reachable through the relay.
type LocalDevices interface {
	LocalDevices() []ssdpmsg.Device
}

type Server struct {
	opts    Options
	actions Actions
	devices LocalDevices
	rw      *rewrite.Rewriter
	desc    []byte
	l       *slog.Logger

	// Set by tests to learn the listening address.
	started chan string
}

func NewServer(opts Options, actions Actions, devices LocalDevices, rw *rewrite.Rewriter, l *slog.Logger) *Server {
	return &Server{
		opts:    opts,
		actions: actions,
		devices: devices,
		rw:      rw,
		desc:    Description(opts.UDN, opts.FriendlyName),
		l:       slogutil.OrDefault(l),
	}
}

// Handler returns the routes of the gateway's HTTP server.
func (s *Server) Handler() http.Handler {
	mux := httprouter.New()
	mux.HandlerFunc(http.MethodGet, DescriptionPath, s.getDescription)
	mux.HandlerFunc(http.MethodPost, ControlPath, s.postControl)

	proxyPath := rewrite.ProxyPrefix + ":hostport/*path"
	for _, method := range []string{http.MethodGet, http.MethodHead, http.MethodPost, "SUBSCRIBE", "UNSUBSCRIBE"} {
		mux.Handle(method, proxyPath, s.proxy)
	}
	return mux
}

func (s *Server) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.opts.ListenAddr)
	if err != nil {
		return err
	}
	defer listener.Close()

	srv := http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		// The things we care about are logged from the handlers.
		ErrorLog: log.New(io.Discard, "", 0),
	}

	s.l.Info("Gateway HTTP server listening", slogutil.Address(listener.Addr()))
	if s.started != nil {
		select {
		case <-ctx.Done():
		case s.started <- listener.Addr().String():
		}
	}

	serveError := make(chan error, 1)
	go func() {
		select {
		case serveError <- srv.Serve(listener):
		case <-ctx.Done():
		}
	}()

	select {
	case <-ctx.Done():
		err = ctx.Err()
	case err = <-serveError:
		s.l.Warn("Gateway HTTP server failed", slogutil.Error(err))
	}

	timeout, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if serr := srv.Shutdown(timeout); errors.Is(serr, context.DeadlineExceeded) {
		srv.Close()
	}
	return err
}

func (s *Server) String() string {
	return "control.Server@" + s.opts.ListenAddr
}

func (s *Server) getDescription(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", `text/xml; charset="utf-8"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(s.desc)))
	_, _ = w.Write(s.desc)
}

func (s *Server) postControl(w http.ResponseWriter, r *http.Request) {
	service, name, ok := parseSOAPAction(r.Header.Get("SOAPACTION"))
	act, known := actions[name]
	if !ok || !known || service != gateway.ServiceType {
		s.fault(w, name, gateway.ErrInvalidAction)
		return
	}

	bodyName, in, err := readActionRequest(r.Body)
	if err != nil {
		s.l.Debug("Bad SOAP request", slog.String("action", name), slogutil.Error(err))
		s.fault(w, name, gateway.ErrInvalidArgs)
		return
	}
	if bodyName != name {
		s.fault(w, name, gateway.ErrInvalidAction)
		return
	}

	client := remoteAddr(r)
	if act.trusted && !s.isTrusted(client) {
		s.l.Info("Rejected action from untrusted caller", slog.String("action", name), slogutil.Address(client))
		s.fault(w, name, gateway.ErrUntrustedCaller)
		return
	}

	out, err := act.fn(r.Context(), s.actions, in)
	if err != nil {
		s.fault(w, name, gateway.AsActionError(err))
		return
	}
	metricSOAPRequests.WithLabelValues(resultOK).Inc()
	s.l.Debug("Action served", slog.String("action", name), slogutil.Address(client))
	writeActionResponse(w, gateway.ServiceType, name, out)
}

func (s *Server) fault(w http.ResponseWriter, action string, err *gateway.ActionError) {
	metricSOAPRequests.WithLabelValues(strconv.Itoa(err.Code)).Inc()
	s.l.Debug("Action failed", slog.String("action", action), slogutil.Error(err))
	writeFault(w, err)
}

func (s *Server) isTrusted(addr netip.Addr) bool {
	if addr.IsLoopback() {
		return true
	}
	return slices.ContainsFunc(s.opts.Trusted, func(p netip.Prefix) bool {
		return p.Contains(addr)
	})
}

// remoteAddr returns the address of the client of r, or the zero Addr.
func remoteAddr(r *http.Request) netip.Addr {
	ap, err := netip.ParseAddrPort(r.RemoteAddr)
	if err != nil {
		return netip.Addr{}
	}
	return ap.Addr().Unmap()
}
