// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package httpmsg handles HTTP formatted messages as they travel over SSDP
// sockets and through the gateway: a start line, an ordered list of headers
// and an optional body. Header order and spelling are preserved so that a
// message can be modified and sent on without otherwise changing it.
package httpmsg

import (
	"bytes"
	"errors"
	"strconv"
	"strings"
)

const (
	CRLF = "\r\n"

	HeaderContentLength = "Content-Length"
	HeaderLocation      = "LOCATION"
	HeaderCallback      = "CALLBACK"
	HeaderOriginator    = "X-ORIGINATOR"
)

var ErrEmpty = errors.New("empty message")

type Header struct {
	Name  string
	Value string
}

type Message struct {
	StartLine string
	Headers   []Header
	Body      []byte
}

// Parse splits data into start line, headers and body. Both CRLF and bare
// LF line endings are accepted. Lines in the header block without a colon
// are dropped.
func Parse(data []byte) (*Message, error) {
	head, body, _ := cutHead(data)
	lines := strings.Split(strings.ReplaceAll(string(head), CRLF, "\n"), "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) == "" {
		return nil, ErrEmpty
	}

	m := &Message{StartLine: strings.TrimSpace(lines[0])}
	for _, line := range lines[1:] {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		m.Headers = append(m.Headers, Header{Name: name, Value: strings.TrimSpace(value)})
	}
	if len(body) > 0 {
		m.Body = append([]byte(nil), body...)
	}
	return m, nil
}

func cutHead(data []byte) (head, body []byte, found bool) {
	crlf := bytes.Index(data, []byte("\r\n\r\n"))
	lf := bytes.Index(data, []byte("\n\n"))
	switch {
	case crlf >= 0 && (lf < 0 || crlf < lf):
		return data[:crlf], data[crlf+4:], true
	case lf >= 0:
		return data[:lf], data[lf+2:], true
	default:
		return data, nil, false
	}
}

// Bytes serializes the message with CRLF line endings.
func (m *Message) Bytes() []byte {
	var buf bytes.Buffer
	buf.WriteString(m.StartLine)
	buf.WriteString(CRLF)
	for _, h := range m.Headers {
		buf.WriteString(h.Name)
		buf.WriteString(": ")
		buf.WriteString(h.Value)
		buf.WriteString(CRLF)
	}
	buf.WriteString(CRLF)
	buf.Write(m.Body)
	return buf.Bytes()
}

func (m *Message) String() string {
	return string(m.Bytes())
}

// Clone returns a deep copy of m.
func (m *Message) Clone() *Message {
	c := &Message{
		StartLine: m.StartLine,
		Headers:   append([]Header(nil), m.Headers...),
	}
	if m.Body != nil {
		c.Body = append([]byte(nil), m.Body...)
	}
	return c
}

func (m *Message) index(name string) int {
	for i, h := range m.Headers {
		if strings.EqualFold(h.Name, name) {
			return i
		}
	}
	return -1
}

// Get returns the value of the first header with the given name, compared
// case insensitively.
func (m *Message) Get(name string) string {
	if i := m.index(name); i >= 0 {
		return m.Headers[i].Value
	}
	return ""
}

func (m *Message) Has(name string) bool {
	return m.index(name) >= 0
}

// Set replaces the value of the first header with the given name, keeping
// its position and spelling, or appends a new header.
func (m *Message) Set(name, value string) {
	if i := m.index(name); i >= 0 {
		m.Headers[i].Value = value
		return
	}
	m.Headers = append(m.Headers, Header{Name: name, Value: value})
}

// Del removes every header with the given name.
func (m *Message) Del(name string) {
	kept := m.Headers[:0]
	for _, h := range m.Headers {
		if !strings.EqualFold(h.Name, name) {
			kept = append(kept, h)
		}
	}
	m.Headers = kept
}

// SetBody replaces the body and keeps an existing Content-Length header in
// step with it.
func (m *Message) SetBody(body []byte) {
	m.Body = body
	if m.Has(HeaderContentLength) {
		m.Set(HeaderContentLength, strconv.Itoa(len(body)))
	}
}

// Method returns the request method, or "" for responses.
func (m *Message) Method() string {
	if m.IsResponse() {
		return ""
	}
	method, _, _ := strings.Cut(m.StartLine, " ")
	return strings.ToUpper(method)
}

func (m *Message) IsResponse() bool {
	return strings.HasPrefix(strings.ToUpper(m.StartLine), "HTTP/")
}

// StatusCode returns the status of a response, or 0.
func (m *Message) StatusCode() int {
	if !m.IsResponse() {
		return 0
	}
	fields := strings.Fields(m.StartLine)
	if len(fields) < 2 {
		return 0
	}
	code, _ := strconv.Atoi(fields[1])
	return code
}

func (m *Message) IsMSearch() bool {
	return m.Method() == "M-SEARCH"
}

func (m *Message) IsNotify() bool {
	return m.Method() == "NOTIFY"
}

func (m *Message) IsSubscribe() bool {
	return m.Method() == "SUBSCRIBE"
}

// IsMSearchResponse reports whether m is a successful answer to an
// M-SEARCH, that is a 200 response carrying a search target.
func (m *Message) IsMSearchResponse() bool {
	return m.StatusCode() == 200 && m.Has("ST")
}
