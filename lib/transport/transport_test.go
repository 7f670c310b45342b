// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package transport

import (
	"context"
	"errors"
	"net/netip"
	"strconv"
	"sync"
	"testing"
	"time"
)

func TestSendReceive(t *testing.T) {
	a, err := Listen("a", "127.0.0.1:0", nil)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Listen("b", "127.0.0.1:0", nil)
	if err != nil {
		t.Fatal(err)
	}

	got := make(chan Packet, 1)
	b.Handle(func(p Packet) { got <- p })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errs := make(chan error, 2)
	go func() { errs <- a.Serve(ctx) }()
	go func() { errs <- b.Serve(ctx) }()

	if err := a.Send([]byte("M-SEARCH * HTTP/1.1\r\n\r\n"), b.LocalAddr()); err != nil {
		t.Fatal(err)
	}

	select {
	case p := <-got:
		if string(p.Data) != "M-SEARCH * HTTP/1.1\r\n\r\n" {
			t.Errorf("unexpected data %q", p.Data)
		}
		if p.Src.Port != a.LocalAddr().Port {
			t.Errorf("unexpected source %v", p.Src)
		}
		if p.SrcAddr() != netip.MustParseAddr("127.0.0.1") {
			t.Errorf("unexpected source address %v", p.SrcAddr())
		}
		if p.Dst != netip.MustParseAddr("127.0.0.1") {
			t.Errorf("unexpected destination %v", p.Dst)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("datagram not received")
	}

	cancel()
	for range 2 {
		if err := <-errs; !errors.Is(err, context.Canceled) {
			t.Errorf("Serve returned %v", err)
		}
	}
	if err := a.Send([]byte("x"), b.LocalAddr()); !errors.Is(err, ErrClosed) {
		t.Errorf("send on closed socket returned %v", err)
	}
}

func TestConcurrentSend(t *testing.T) {
	a, err := Listen("a", "127.0.0.1:0", nil)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Listen("b", "127.0.0.1:0", nil)
	if err != nil {
		t.Fatal(err)
	}

	const senders = 20
	got := make(chan Packet, senders)
	b.Handle(func(p Packet) { got <- p })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = b.Serve(ctx) }()
	defer a.Close()

	var wg sync.WaitGroup
	for i := range senders {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.Send([]byte("NOTIFY "+strconv.Itoa(i)), b.LocalAddr()); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	seen := make(map[string]bool)
	timeout := time.After(5 * time.Second)
	for len(seen) < senders {
		select {
		case p := <-got:
			seen[string(p.Data)] = true
		case <-timeout:
			t.Fatalf("received %d of %d datagrams", len(seen), senders)
		}
	}
}
