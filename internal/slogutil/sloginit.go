// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package slogutil

import (
	"io"
	"log/slog"
	"os"
)

var globalLevels = &levelTracker{
	levels: make(map[string]slog.Level),
}

func logWriter() io.Writer {
	if os.Getenv("LOGGER_DISCARD") != "" {
		// Used by benchmarks and noisy tests.
		return io.Discard
	}
	return os.Stdout
}

func init() {
	slog.SetDefault(slog.New(NewHandler(logWriter(), DefaultLineFormat)))
	SetLevelOverrides(os.Getenv("BRIDGETRACE"))
}

// OrDefault returns l, or the default logger when l is nil.
func OrDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
