// Copyright (C) 2015 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package nat

import (
	"context"
	"sync"
	"time"
)

type DiscoverFunc func(ctx context.Context, renewal, timeout time.Duration) []Device

var (
	providersMut sync.Mutex
	providers    []DiscoverFunc
)

func Register(provider DiscoverFunc) {
	providersMut.Lock()
	providers = append(providers, provider)
	providersMut.Unlock()
}

func discoverAll(ctx context.Context, renewal, timeout time.Duration) map[string]Device {
	providersMut.Lock()
	funcs := providers
	providersMut.Unlock()

	c := make(chan Device)
	var wg sync.WaitGroup
	wg.Add(len(funcs))
	for _, f := range funcs {
		go func() {
			defer wg.Done()
			for _, dev := range f(ctx, renewal, timeout) {
				select {
				case c <- dev:
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(c)
	}()

	nats := make(map[string]Device)
	for dev := range c {
		nats[dev.ID()] = dev
	}
	return nats
}
