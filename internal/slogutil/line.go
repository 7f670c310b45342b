// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package slogutil

import (
	"fmt"
	"io"
	"log/slog"
	"time"
)

// A Line is one formatted log line.
type Line struct {
	When    time.Time
	Message string
	Level   slog.Level
}

func (l Line) WriteTo(w io.Writer, f LineFormat) (int64, error) {
	var prefix string
	if f.TimestampFormat != "" {
		prefix = l.When.Format(f.TimestampFormat) + " "
	}
	if f.LevelString {
		prefix += levelString(l.Level) + " "
	}
	n, err := fmt.Fprintf(w, "%s%s\n", prefix, l.Message)
	return int64(n), err
}

func levelString(l slog.Level) string {
	switch {
	case l < slog.LevelInfo:
		return "DBG"
	case l < slog.LevelWarn:
		return "INF"
	case l < slog.LevelError:
		return "WRN"
	default:
		return "ERR"
	}
}
