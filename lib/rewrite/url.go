// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package rewrite

import (
	"bytes"
	"net"
	"net/url"
	"strings"
)

const (
	xmlStart        = "<?xml"
	deviceNamespace = "urn:schemas-upnp-org:device-1-0"
)

// ReplaceURLHost swaps the host of an absolute URL for host, keeping the
// scheme, path and query. The port is kept and made explicit (80 when
// absent). Relative or unparseable URLs are returned as is.
func ReplaceURLHost(raw, host string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || !u.IsAbs() || u.Host == "" {
		return raw
	}
	port := u.Port()
	if port == "" {
		port = "80"
	}
	u.Host = net.JoinHostPort(host, port)
	return u.String()
}

// ReplaceCallbackHost rewrites every <url> of a CALLBACK header value.
func ReplaceCallbackHost(value, host string) string {
	var sb strings.Builder
	rest := value
	for {
		open := strings.IndexByte(rest, '<')
		if open < 0 {
			break
		}
		end := strings.IndexByte(rest[open:], '>')
		if end < 0 {
			break
		}
		u := strings.TrimSpace(rest[open+1 : open+end])
		sb.WriteByte('<')
		sb.WriteString(ReplaceURLHost(u, host))
		sb.WriteByte('>')
		rest = rest[open+end+1:]
	}
	if sb.Len() == 0 {
		return value
	}
	return sb.String()
}

// IsDeviceDescription reports whether body is an XML UPnP device
// description.
func IsDeviceDescription(body []byte) bool {
	trimmed := bytes.TrimLeft(bytes.TrimPrefix(body, []byte("\xef\xbb\xbf")), " \t\r\n")
	return bytes.HasPrefix(trimmed, []byte(xmlStart)) && bytes.Contains(body, []byte(deviceNamespace))
}

// Description rewrites the URLs of a device description to point at host.
// URLBase is dropped since the remaining URLs are either absolute or
// relative to the description location.
func Description(desc, host string) string {
	desc = removeElement(desc, "URLBase")
	for _, tag := range []string{"SCPDURL", "controlURL", "URL", "presentationURL"} {
		desc = replaceInElements(desc, tag, func(v string) string {
			return ReplaceURLHost(v, host)
		})
	}
	return eventURLs(desc, host)
}

// eventURLs points event subscription URLs at host. Each service keeps its
// own path so that subscriptions can be told apart by the device.
func eventURLs(desc, host string) string {
	return replaceInElements(desc, "eventSubURL", func(v string) string {
		return ReplaceURLHost(v, host)
	})
}

// An element is the position of an XML element in a document: the start
// of the opening tag, the start and end of its text and the end of the
// closing tag. Empty elements (<tag/>) have no text.
type element struct {
	start, textStart, textEnd, end int
	empty                          bool
}

// findElement returns the first <tag> element at or after from. upper is
// s with ASCII letters upper cased, so that tag names compare case
// insensitively.
func findElement(s, upper, tag string, from int) (element, bool) {
	utag := asciiUpper(tag)
	open := "<" + utag
	closing := "</" + utag
	for from < len(s) {
		i := strings.Index(upper[from:], open)
		if i < 0 {
			return element{}, false
		}
		start := from + i
		after := start + len(open)
		if after >= len(s) || !isTagNameEnd(s[after]) {
			// A longer tag name, such as URLBase when looking for URL.
			from = after
			continue
		}
		gt := strings.IndexByte(s[after:], '>')
		if gt < 0 {
			return element{}, false
		}
		textStart := after + gt + 1
		if s[textStart-2] == '/' {
			return element{start: start, textStart: textStart, textEnd: textStart, end: textStart, empty: true}, true
		}
		for j := textStart; j < len(s); {
			k := strings.Index(upper[j:], closing)
			if k < 0 {
				return element{}, false
			}
			textEnd := j + k
			j = textEnd + len(closing)
			rest := strings.TrimLeft(s[j:], xmlSpace)
			if strings.HasPrefix(rest, ">") {
				end := len(s) - len(rest) + 1
				return element{start: start, textStart: textStart, textEnd: textEnd, end: end}, true
			}
		}
		return element{}, false
	}
	return element{}, false
}

const xmlSpace = " \t\r\n"

func isTagNameEnd(c byte) bool {
	return c == '>' || c == '/' || strings.IndexByte(xmlSpace, c) >= 0
}

func removeElement(s, tag string) string {
	upper := asciiUpper(s)
	var sb strings.Builder
	last := 0
	for from := 0; ; {
		e, ok := findElement(s, upper, tag, from)
		if !ok {
			break
		}
		sb.WriteString(s[last:e.start])
		last, from = e.end, e.end
	}
	if last == 0 {
		return s
	}
	sb.WriteString(s[last:])
	return sb.String()
}

func replaceInElements(s, tag string, fn func(string) string) string {
	upper := asciiUpper(s)
	var sb strings.Builder
	last := 0
	for from := 0; ; {
		e, ok := findElement(s, upper, tag, from)
		if !ok {
			break
		}
		from = e.end
		if e.empty {
			continue
		}
		sb.WriteString(s[last:e.textStart])
		sb.WriteString(fn(s[e.textStart:e.textEnd]))
		last = e.textEnd
	}
	if last == 0 {
		return s
	}
	sb.WriteString(s[last:])
	return sb.String()
}

// asciiUpper upper cases ASCII letters only, keeping byte offsets intact.
func asciiUpper(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - 'a' + 'A'
		}
	}
	return string(b)
}
