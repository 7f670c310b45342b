// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package control

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/syncthing/upnpbridge/lib/gateway"
)

const (
	soapEnvelopeNS = "http://schemas.xmlsoap.org/soap/envelope/"
	soapEncodingNS = "http://schemas.xmlsoap.org/soap/encoding/"
	controlNS      = "urn:schemas-upnp-org:control-1-0"

	maxRequestSize = 64 << 10
)

var errBadRequest = errors.New("malformed SOAP request")

type soapArg struct {
	XMLName xml.Name
	Value   string `xml:",chardata"`
}

type soapAction struct {
	XMLName xml.Name
	Args    []soapArg `xml:",any"`
}

type soapRequestEnvelope struct {
	XMLName xml.Name `xml:"Envelope"`
	Body    struct {
		Action soapAction `xml:",any"`
	} `xml:"Body"`
}

// An arg is one named in or out argument of an action, in order.
type arg struct {
	name  string
	value string
}

type args []arg

func (a args) get(name string) (string, bool) {
	for _, e := range a {
		if e.name == name {
			return e.value, true
		}
	}
	return "", false
}

func (a args) stringArg(name string) (string, error) {
	v, ok := a.get(name)
	if !ok {
		return "", gateway.ErrInvalidArgs
	}
	return v, nil
}

func (a args) intArg(name string) (int, error) {
	v, ok := a.get(name)
	if !ok {
		return 0, gateway.ErrInvalidArgs
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, gateway.ErrInvalidArgs
	}
	return n, nil
}

// parseSOAPAction returns the service type and action name of a
// SOAPACTION header value, `"urn:...:1#Action"`.
func parseSOAPAction(header string) (service, action string, ok bool) {
	header = strings.Trim(strings.TrimSpace(header), `"`)
	service, action, ok = strings.Cut(header, "#")
	return service, action, ok && action != ""
}

// readActionRequest decodes the action call in a SOAP request body.
func readActionRequest(r io.Reader) (string, args, error) {
	var env soapRequestEnvelope
	dec := xml.NewDecoder(io.LimitReader(r, maxRequestSize))
	if err := dec.Decode(&env); err != nil {
		return "", nil, fmt.Errorf("%w: %w", errBadRequest, err)
	}
	if env.Body.Action.XMLName.Local == "" {
		return "", nil, errBadRequest
	}
	as := make(args, len(env.Body.Action.Args))
	for i, a := range env.Body.Action.Args {
		as[i] = arg{name: a.XMLName.Local, value: a.Value}
	}
	return env.Body.Action.XMLName.Local, as, nil
}

func writeEnvelope(w http.ResponseWriter, status int, body []byte) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	buf.WriteString(`<s:Envelope xmlns:s="` + soapEnvelopeNS + `" s:encodingStyle="` + soapEncodingNS + `"><s:Body>`)
	buf.Write(body)
	buf.WriteString(`</s:Body></s:Envelope>`)

	w.Header().Set("Content-Type", `text/xml; charset="utf-8"`)
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.Header().Set("Ext", "")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

// writeActionResponse writes the successful result of an action.
func writeActionResponse(w http.ResponseWriter, serviceType, action string, out args) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, `<u:%sResponse xmlns:u="%s">`, action, serviceType)
	for _, a := range out {
		buf.WriteString("<" + a.name + ">")
		_ = xml.EscapeText(&buf, []byte(a.value))
		buf.WriteString("</" + a.name + ">")
	}
	fmt.Fprintf(&buf, `</u:%sResponse>`, action)
	writeEnvelope(w, http.StatusOK, buf.Bytes())
}

// writeFault writes a UPnPError for err.
func writeFault(w http.ResponseWriter, err *gateway.ActionError) {
	var buf bytes.Buffer
	buf.WriteString(`<s:Fault><faultcode>s:Client</faultcode><faultstring>UPnPError</faultstring><detail>`)
	buf.WriteString(`<UPnPError xmlns="` + controlNS + `"><errorCode>` + strconv.Itoa(err.Code) + `</errorCode><errorDescription>`)
	_ = xml.EscapeText(&buf, []byte(err.Description))
	buf.WriteString(`</errorDescription></UPnPError></detail></s:Fault>`)
	writeEnvelope(w, http.StatusInternalServerError, buf.Bytes())
}
