// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package relay carries M-SEARCH requests of local control points to peer
// gateways and routes the unicast answers back. Outgoing searches are
// tagged with an X-ORIGINATOR header holding a request ID; answers
// carrying a known ID are handed back to whoever registered the search.
package relay

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/syncthing/upnpbridge/internal/slogutil"
	"github.com/syncthing/upnpbridge/lib/httpmsg"
	"github.com/syncthing/upnpbridge/lib/transport"
)

const (
	// MaxRequestID is the largest request ID; IDs cycle through 1..MaxRequestID.
	MaxRequestID = 10000
	// RequestTimeout is how long a control point waits for search answers.
	RequestTimeout = 120 * time.Second
	// SweepInterval is how often expired requests are removed.
	SweepInterval = time.Second
)

// A Forwarder delivers a correlated answer to the registered searcher.
type Forwarder interface {
	ForwardSearchResponse(sourceModuleID, forwarderModuleID string, msg *httpmsg.Message, replyAddr *net.UDPAddr)
}

type request struct {
	id                int
	sourceModuleID    string
	forwarderModuleID string
	replyAddr         *net.UDPAddr
	created           time.Time
}

type Relay struct {
	sender    transport.Sender
	forwarder Forwarder
	now       func() time.Time
	l         *slog.Logger

	mut      sync.Mutex
	lastID   int
	requests map[int]*request
}

// New returns a Relay sending searches through sender, which should be the
// socket answers come back on.
func New(sender transport.Sender, forwarder Forwarder, l *slog.Logger) *Relay {
	return &Relay{
		sender:    sender,
		forwarder: forwarder,
		now:       time.Now,
		l:         slogutil.OrDefault(l),
		requests:  make(map[int]*request),
	}
}

// RegisterSearch records a search from a local control point and returns
// its request ID.
func (r *Relay) RegisterSearch(sourceModuleID, forwarderModuleID string, replyAddr *net.UDPAddr) int {
	r.mut.Lock()
	defer r.mut.Unlock()

	id := r.nextIDLocked()
	r.requests[id] = &request{
		id:                id,
		sourceModuleID:    sourceModuleID,
		forwarderModuleID: forwarderModuleID,
		replyAddr:         replyAddr,
		created:           r.now(),
	}
	metricRequests.WithLabelValues(eventRegistered).Inc()
	r.l.Debug("Registered search", slog.Int("id", id), slogutil.Address(replyAddr))
	return id
}

// nextIDLocked advances the cyclic ID counter, skipping IDs still in use.
// Should all IDs be in use the oldest slot is reused.
func (r *Relay) nextIDLocked() int {
	for range MaxRequestID {
		r.lastID = r.lastID%MaxRequestID + 1
		if _, busy := r.requests[r.lastID]; !busy {
			return r.lastID
		}
	}
	r.lastID = r.lastID%MaxRequestID + 1
	return r.lastID
}

// SendSearchPacket sends a copy of msg, tagged with the request ID, to
// addr. Unknown IDs are ignored.
func (r *Relay) SendSearchPacket(msg *httpmsg.Message, id int, addr *net.UDPAddr) {
	r.mut.Lock()
	_, ok := r.requests[id]
	r.mut.Unlock()
	if !ok {
		r.l.Debug("Search for unknown request not sent", slog.Int("id", id))
		return
	}

	out := msg.Clone()
	out.Set(httpmsg.HeaderOriginator, strconv.Itoa(id))
	if err := r.sender.Send(out.Bytes(), addr); err != nil {
		r.l.Warn("Failed to relay search", slog.Int("id", id), slogutil.Address(addr), slogutil.Error(err))
		return
	}
	metricRequests.WithLabelValues(eventSent).Inc()
}

// OnIncomingMessage handles a datagram received on the search socket.
// M-SEARCH answers carrying the ID of a pending request are passed to the
// forwarder without the X-ORIGINATOR header; anything else is dropped.
func (r *Relay) OnIncomingMessage(data []byte, from *net.UDPAddr) {
	msg, err := httpmsg.Parse(data)
	if err != nil || !msg.IsMSearchResponse() || !msg.Has(httpmsg.HeaderOriginator) {
		r.drop("not a tagged search response", data, from)
		return
	}
	id, err := strconv.Atoi(msg.Get(httpmsg.HeaderOriginator))
	if err != nil {
		r.drop("bad originator", data, from)
		return
	}

	r.mut.Lock()
	req, ok := r.requests[id]
	r.mut.Unlock()
	if !ok {
		r.drop("unknown or expired request", data, from)
		return
	}

	msg.Del(httpmsg.HeaderOriginator)
	metricRequests.WithLabelValues(eventMatched).Inc()
	r.l.Debug("Search response matched", slog.Int("id", id), slogutil.Address(from))
	r.forwarder.ForwardSearchResponse(req.sourceModuleID, req.forwarderModuleID, msg, req.replyAddr)
}

func (r *Relay) drop(reason string, data []byte, from *net.UDPAddr) {
	metricRequests.WithLabelValues(eventDropped).Inc()
	r.l.Debug("Dropped datagram", slog.String("reason", reason), slogutil.Address(from), slog.Any("data", slogutil.Expensive(func() any {
		return string(data)
	})))
}

// Pending returns the number of requests awaiting answers.
func (r *Relay) Pending() int {
	r.mut.Lock()
	defer r.mut.Unlock()
	return len(r.requests)
}

// Serve removes expired requests until ctx is cancelled.
func (r *Relay) Serve(ctx context.Context) error {
	t := time.NewTicker(SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			r.sweep(r.now())
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *Relay) sweep(now time.Time) {
	r.mut.Lock()
	defer r.mut.Unlock()
	for id, req := range r.requests {
		if now.Sub(req.created) > RequestTimeout {
			delete(r.requests, id)
			metricRequests.WithLabelValues(eventExpired).Inc()
		}
	}
}

func (r *Relay) String() string {
	return "relay"
}
