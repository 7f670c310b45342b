// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package transport provides the unicast UDP sockets of the gateway. Each
// received datagram is delivered together with the local address it was
// sent to, which is the source address of any answer.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/syncthing/upnpbridge/internal/slogutil"
	"github.com/syncthing/upnpbridge/lib/svcutil"
)

const (
	maxDatagramSize = 65536
	writeTimeout    = time.Second
)

var ErrClosed = errors.New("transport closed")

// A Packet is one received datagram.
type Packet struct {
	Data []byte
	Src  *net.UDPAddr
	Dst  netip.Addr // local address the datagram arrived on, may be invalid
}

// SrcAddr returns the source address as a netip.Addr.
func (p Packet) SrcAddr() netip.Addr {
	if p.Src == nil {
		return netip.Addr{}
	}
	return p.Src.AddrPort().Addr().Unmap()
}

type HandlerFunc func(Packet)

// A Sender sends datagrams. *Conn is the production implementation.
type Sender interface {
	Send(data []byte, to *net.UDPAddr) error
}

type Conn struct {
	name    string
	conn    *net.UDPConn
	pconn   *ipv4.PacketConn
	handler atomic.Pointer[HandlerFunc]
	closed  atomic.Bool
	l       *slog.Logger

	// Held across setting the write deadline and the write.
	writeMut sync.Mutex
}

// Listen opens a UDP socket on addr ("host:port", host may be empty).
func Listen(name, addr string, l *slog.Logger) (*Conn, error) {
	l = slogutil.OrDefault(l)
	udpAddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	conn, err := net.ListenUDP("udp4", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	pconn := ipv4.NewPacketConn(conn)
	if err := pconn.SetControlMessage(ipv4.FlagDst, true); err != nil {
		// Not supported everywhere; Dst falls back to the bound address.
		l.Debug("Destination address reporting unavailable", slog.String("socket", name), slogutil.Error(err))
	}

	c := &Conn{
		name:  name,
		conn:  conn,
		pconn: pconn,
		l:     l.With("socket", name),
	}
	c.l.Info("Listening", slogutil.Address(conn.LocalAddr()))
	return c, nil
}

// Handle sets the function receiving datagrams. It must be called before
// Serve.
func (c *Conn) Handle(fn HandlerFunc) {
	c.handler.Store(&fn)
}

func (c *Conn) Send(data []byte, to *net.UDPAddr) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.writeMut.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := c.conn.WriteToUDP(data, to)
	c.writeMut.Unlock()
	if err != nil {
		return fmt.Errorf("%s: send to %v: %w", c.name, to, err)
	}
	c.l.Debug("Sent datagram", slog.Int("bytes", len(data)), slogutil.Address(to))
	return nil
}

func (c *Conn) LocalAddr() *net.UDPAddr {
	return c.conn.LocalAddr().(*net.UDPAddr)
}

// Serve reads datagrams until ctx is cancelled, which also closes the
// socket.
func (c *Conn) Serve(ctx context.Context) error {
	doneCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-doneCtx.Done()
		c.Close()
	}()

	bound := c.LocalAddr().AddrPort().Addr().Unmap()
	buf := make([]byte, maxDatagramSize)
	for {
		n, cm, src, err := c.pconn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return svcutil.NoRestartErr(ErrClosed)
			}
			c.l.Debug("Read error", slogutil.Error(err))
			continue
		}
		udpSrc, ok := src.(*net.UDPAddr)
		if !ok {
			continue
		}

		dst := bound
		if cm != nil && cm.Dst != nil {
			if a, ok := netip.AddrFromSlice(cm.Dst); ok {
				dst = a.Unmap()
			}
		}
		if dst.IsUnspecified() {
			dst = netip.Addr{}
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		c.l.Debug("Received datagram", slog.Int("bytes", n), slogutil.Address(udpSrc))

		if h := c.handler.Load(); h != nil {
			(*h)(Packet{Data: data, Src: udpSrc, Dst: dst})
		}
	}
}

func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.conn.Close()
}

func (c *Conn) String() string {
	return c.name + "@" + c.conn.LocalAddr().String()
}
