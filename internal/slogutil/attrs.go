// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package slogutil

import (
	"fmt"
	"log/slog"
)

// Error returns an attribute for the given error, or an empty attribute
// (which is not printed) for a nil error.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String("error", err.Error())
}

// Address returns an attribute for a network address in its string form.
// Anything with a String method works: net.Addr, netip.Addr,
// netip.AddrPort.
func Address(addr fmt.Stringer) slog.Attr {
	if addr == nil {
		return slog.String("address", "<nil>")
	}
	return slog.String("address", addr.String())
}
