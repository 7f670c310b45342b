// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package slogutil

import (
	"log/slog"
	"maps"
	"strings"
	"sync"
)

// The level tracker keeps a log level per package. Mentioning a package
// in BRIDGETRACE puts it at DEBUG level, a level can be given after a
// colon:
//
//	BRIDGETRACE="discovery,relay"          # both at DEBUG
//	BRIDGETRACE="gateway:WARN,forwarder"   # gateway quiet, forwarder DEBUG

func PackageLevels() map[string]slog.Level {
	return globalLevels.Levels()
}

func SetPackageLevel(pkg string, level slog.Level) {
	globalLevels.Set(pkg, level)
}

func SetDefaultLevel(level slog.Level) {
	globalLevels.SetDefault(level)
}

// SetLevelOverrides parses a BRIDGETRACE style string and applies it. Bad
// level names are reported and the package is left at DEBUG.
func SetLevelOverrides(trace string) {
	for _, pkg := range strings.Split(trace, ",") {
		pkg = strings.TrimSpace(pkg)
		if pkg == "" {
			continue
		}
		level := slog.LevelDebug
		if cutPkg, levelStr, ok := strings.Cut(pkg, ":"); ok {
			pkg = cutPkg
			if err := level.UnmarshalText([]byte(levelStr)); err != nil {
				slog.Warn("Bad log level requested in BRIDGETRACE", slog.String("pkg", pkg), slog.String("level", levelStr), Error(err))
				level = slog.LevelDebug
			}
		}
		globalLevels.Set(pkg, level)
	}
}

type levelTracker struct {
	mut      sync.RWMutex
	defLevel slog.Level
	levels   map[string]slog.Level // package name to level
}

func (t *levelTracker) Get(pkg string) slog.Level {
	t.mut.RLock()
	defer t.mut.RUnlock()
	if level, ok := t.levels[pkg]; ok {
		return level
	}
	return t.defLevel
}

func (t *levelTracker) Default() slog.Level {
	t.mut.RLock()
	defer t.mut.RUnlock()
	return t.defLevel
}

func (t *levelTracker) Set(pkg string, level slog.Level) {
	t.mut.Lock()
	old, ok := t.levels[pkg]
	t.levels[pkg] = level
	t.mut.Unlock()
	if !ok || old != level {
		slog.Debug("Changed package log level", "package", pkg, "level", level)
	}
}

func (t *levelTracker) SetDefault(level slog.Level) {
	t.mut.Lock()
	t.defLevel = level
	t.mut.Unlock()
}

func (t *levelTracker) Levels() map[string]slog.Level {
	t.mut.RLock()
	defer t.mut.RUnlock()
	return maps.Clone(t.levels)
}
