// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package control

import (
	"context"
	"net/url"

	"github.com/huin/goupnp"
	"github.com/huin/goupnp/soap"
	"github.com/pkg/errors"

	"github.com/syncthing/upnpbridge/lib/gateway"
	"github.com/syncthing/upnpbridge/lib/ssdpmsg"
)

// A Client invokes discovery service actions on another gateway.
type Client struct {
	udn string
	sc  *goupnp.ServiceClient
}

var _ gateway.RemoteGateway = (*Client)(nil)

// Dial fetches the description of the gateway device d and returns a
// client for its discovery service.
func Dial(ctx context.Context, d ssdpmsg.Device) (gateway.RemoteGateway, error) {
	return DialURL(ctx, d.UDN, d.Location)
}

// DialURL is Dial for a gateway whose description is at location.
func DialURL(ctx context.Context, udn, location string) (*Client, error) {
	loc, err := url.Parse(location)
	if err != nil {
		return nil, errors.Wrap(err, "parsing location")
	}
	clients, err := goupnp.NewServiceClientsByURLCtx(ctx, loc, gateway.ServiceType)
	if err != nil {
		return nil, errors.Wrap(err, "fetching gateway description")
	}
	if len(clients) == 0 {
		return nil, errors.Errorf("no discovery service at %s", location)
	}
	if udn == "" {
		udn = clients[0].RootDevice.Device.UDN
	}
	return &Client{udn: udn, sc: &clients[0]}, nil
}

func (c *Client) UDN() string {
	return c.udn
}

func (c *Client) perform(ctx context.Context, action string, in, out any) error {
	err := c.sc.SOAPClient.PerformActionCtx(ctx, gateway.ServiceType, action, in, out)
	result := resultOK
	if err != nil {
		result = resultFailure
	}
	metricRemoteCalls.WithLabelValues(action, result).Inc()
	return errors.Wrap(err, action)
}

type addressPortArgs struct {
	IPAddress string
	Port      string
}

func newAddressPortArgs(address string, port int) (*addressPortArgs, error) {
	req := &addressPortArgs{}
	var err error
	if req.IPAddress, err = soap.MarshalString(address); err != nil {
		return nil, err
	}
	if req.Port, err = soap.MarshalUi2(uint16(port)); err != nil {
		return nil, err
	}
	return req, nil
}

func (c *Client) DiscoveryAddress(ctx context.Context) (string, error) {
	resp := &struct{ DiscoveryAddress string }{}
	if err := c.perform(ctx, "GetDiscoveryAddress", nil, resp); err != nil {
		return "", err
	}
	return soap.UnmarshalString(resp.DiscoveryAddress)
}

func (c *Client) DiscoveryPort(ctx context.Context) (int, error) {
	resp := &struct{ DiscoveryPort string }{}
	if err := c.perform(ctx, "GetDiscoveryPort", nil, resp); err != nil {
		return 0, err
	}
	port, err := soap.UnmarshalUi2(resp.DiscoveryPort)
	return int(port), err
}

func (c *Client) IsBidirectionalConnection(ctx context.Context, address string, port int) (bool, error) {
	req, err := newAddressPortArgs(address, port)
	if err != nil {
		return false, err
	}
	resp := &struct{ Bidirectional string }{}
	if err := c.perform(ctx, "IsBidirectionalConnection", req, resp); err != nil {
		return false, err
	}
	return soap.UnmarshalBoolean(resp.Bidirectional)
}

func (c *Client) ConnectionEstablished(ctx context.Context, address string, port int) error {
	req, err := newAddressPortArgs(address, port)
	if err != nil {
		return err
	}
	return c.perform(ctx, "ConnectionEstablished", req, nil)
}

// Connect asks the gateway to search for the peer at address and port.
func (c *Client) Connect(ctx context.Context, address string, port int, connType string) (int, error) {
	ap, err := newAddressPortArgs(address, port)
	if err != nil {
		return 0, err
	}
	req := &struct {
		IPAddress      string
		Port           string
		ConnectionType string
	}{IPAddress: ap.IPAddress, Port: ap.Port, ConnectionType: connType}
	resp := &struct{ ConnectionID string }{}
	if err := c.perform(ctx, "Connect", req, resp); err != nil {
		return 0, err
	}
	id, err := soap.UnmarshalI4(resp.ConnectionID)
	return int(id), err
}

// CurrentConnectionIDs returns the comma separated IDs of the gateway's
// connected peers.
func (c *Client) CurrentConnectionIDs(ctx context.Context) (string, error) {
	resp := &struct{ ConnectionIDs string }{}
	if err := c.perform(ctx, "GetCurrentConnectionIDs", nil, resp); err != nil {
		return "", err
	}
	return soap.UnmarshalString(resp.ConnectionIDs)
}
