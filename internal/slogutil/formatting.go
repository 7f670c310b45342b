// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package slogutil

import (
	"context"
	"io"
	"log/slog"
	"path"
	"runtime"
	"strconv"
	"strings"
	"sync"
)

type LineFormat struct {
	TimestampFormat string
	LevelString     bool
}

// DefaultLineFormat prints "2006-01-02 15:04:05 INF message (attrs)".
var DefaultLineFormat = LineFormat{
	TimestampFormat: "2006-01-02 15:04:05",
	LevelString:     true,
}

type formattingOptions struct {
	mut    sync.Mutex
	format LineFormat
	out    io.Writer
}

type formattingHandler struct {
	attrs  []slog.Attr
	groups []string
	opts   *formattingOptions
}

var _ slog.Handler = (*formattingHandler)(nil)

// NewHandler returns a handler writing formatted lines to out. Levels are
// decided per package by the global level tracker.
func NewHandler(out io.Writer, format LineFormat) slog.Handler {
	return &formattingHandler{
		opts: &formattingOptions{out: out, format: format},
	}
}

func (h *formattingHandler) Enabled(context.Context, slog.Level) bool {
	return true
}

func (h *formattingHandler) Handle(_ context.Context, rec slog.Record) error {
	var logAttrs []any
	fr := runtime.CallersFrames([]uintptr{rec.PC})
	if frame, _ := fr.Next(); frame.Function != "" {
		pkgName, typeName := funcNameToPkg(frame.Function)
		lvl := globalLevels.Get(pkgName)
		if lvl > rec.Level {
			return nil
		}
		logAttrs = append(logAttrs, slog.String("pkg", pkgName))
		if lvl <= slog.LevelDebug {
			if typeName != "" {
				logAttrs = append(logAttrs, slog.String("type", typeName))
			}
			logAttrs = append(logAttrs, slog.String("src", path.Base(frame.File)+":"+strconv.Itoa(frame.Line)))
		}
	} else if globalLevels.Default() > rec.Level {
		return nil
	}

	var prefix string
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}

	var sb strings.Builder
	sb.WriteString(rec.Message)

	attrs := make([]slog.Attr, 0, rec.NumAttrs()+len(h.attrs)+1)
	rec.Attrs(func(attr slog.Attr) bool {
		attr.Key = prefix + attr.Key
		attrs = append(attrs, attr)
		return true
	})
	attrs = append(attrs, h.attrs...)
	attrs = append(attrs, slog.Group("log", logAttrs...))

	var count int
	for _, attr := range attrs {
		for _, attr := range flatten("", attr) {
			writeAttr(&sb, attr, &count)
		}
	}
	if count > 0 {
		sb.WriteRune(')')
	}

	line := Line{
		When:    rec.Time,
		Message: sb.String(),
		Level:   rec.Level,
	}

	h.opts.mut.Lock()
	defer h.opts.mut.Unlock()
	if h.opts.out == nil {
		return nil
	}
	_, err := line.WriteTo(h.opts.out, h.opts.format)
	return err
}

func (h *formattingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(h.groups) > 0 {
		prefix := strings.Join(h.groups, ".") + "."
		for i := range attrs {
			attrs[i].Key = prefix + attrs[i].Key
		}
	}
	return &formattingHandler{
		attrs:  append(h.attrs[:len(h.attrs):len(h.attrs)], attrs...),
		groups: h.groups,
		opts:   h.opts,
	}
}

func (h *formattingHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &formattingHandler{
		attrs:  h.attrs,
		groups: append(h.groups[:len(h.groups):len(h.groups)], name),
		opts:   h.opts,
	}
}

// flatten expands group attributes into dotted keys.
func flatten(prefix string, a slog.Attr) []slog.Attr {
	if prefix != "" {
		a.Key = prefix + "." + a.Key
	}
	val := a.Value.Resolve()
	if val.Kind() != slog.KindGroup {
		a.Value = val
		return []slog.Attr{a}
	}
	var attrs []slog.Attr
	for _, attr := range val.Group() {
		attrs = append(attrs, flatten(a.Key, attr)...)
	}
	return attrs
}

func writeAttr(sb *strings.Builder, a slog.Attr, count *int) {
	const confusables = ` "()[]{},=`
	if a.Key == "" {
		return
	}
	if *count == 0 {
		sb.WriteString(" (")
	} else {
		sb.WriteRune(' ')
	}
	sb.WriteString(a.Key)
	sb.WriteRune('=')
	v := a.Value.String()
	if v == "" || strings.ContainsAny(v, confusables) {
		v = strconv.Quote(v)
	}
	sb.WriteString(v)
	*count++
}

// funcNameToPkg turns a fully qualified function name into the short
// package name used for level lookups, plus the receiver type if any.
func funcNameToPkg(fn string) (string, string) {
	fn = strings.ToLower(fn)
	fn = strings.TrimPrefix(fn, "github.com/syncthing/upnpbridge/lib/")
	fn = strings.TrimPrefix(fn, "github.com/syncthing/upnpbridge/internal/")
	fn = strings.TrimPrefix(fn, "github.com/syncthing/upnpbridge/cmd/")

	parts := strings.Split(fn, ".")
	if len(parts) <= 2 {
		return parts[0], ""
	}

	pkg := parts[0]
	typ := strings.TrimLeft(strings.TrimRight(parts[1], ")"), "(*")
	switch typ {
	case pkg, "":
		return pkg, ""
	default:
		return pkg, typ
	}
}
