// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package control

import (
	"context"
	"strconv"

	"github.com/syncthing/upnpbridge/lib/peer"
)

// Actions are the discovery service actions, as implemented by
// gateway.Manager.
type Actions interface {
	Connect(ctx context.Context, address string, port int, connType string) (int, error)
	ConnectionEstablished(ctx context.Context, address string, port int) error
	IsBidirectionalConnection(ctx context.Context, address string, port int) (bool, error)
	Disconnect(id int) error
	AddAutoConnection(ctx context.Context, address string, port int, connType string) (int, error)
	DeleteAutoConnection(id int) error
	GetCurrentConnectionIDs() string
	GetAutoConnectionIDs() string
	GetDiscoveryPort() int
	GetDiscoveryAddress() string
	GetConnectionInfo(id int) (peer.Info, error)
	GetDeviceLocation(udn string) string
}

type actionFunc func(ctx context.Context, a Actions, in args) (args, error)

type action struct {
	fn      actionFunc
	trusted bool
}

var actions = map[string]action{
	"Connect":                   {fn: connect},
	"ConnectionEstablished":     {fn: connectionEstablished},
	"IsBidirectionalConnection": {fn: isBidirectionalConnection},
	"Disconnect":                {fn: disconnect},
	"AddAutoConnection":         {fn: addAutoConnection, trusted: true},
	"DeleteAutoConnection":      {fn: deleteAutoConnection, trusted: true},
	"GetCurrentConnectionIDs":   {fn: getCurrentConnectionIDs},
	"GetAutoConnectionIDs":      {fn: getAutoConnectionIDs},
	"GetDiscoveryPort":          {fn: getDiscoveryPort},
	"GetDiscoveryAddress":       {fn: getDiscoveryAddress},
	"GetConnectionInfo":         {fn: getConnectionInfo},
	"GetDeviceLocation":         {fn: getDeviceLocation},
}

// addressPort reads the IPAddress and Port arguments.
func addressPort(in args) (string, int, error) {
	addr, err := in.stringArg("IPAddress")
	if err != nil {
		return "", 0, err
	}
	port, err := in.intArg("Port")
	if err != nil {
		return "", 0, err
	}
	return addr, port, nil
}

func connect(ctx context.Context, a Actions, in args) (args, error) {
	addr, port, err := addressPort(in)
	if err != nil {
		return nil, err
	}
	typ, _ := in.get("ConnectionType")
	id, err := a.Connect(ctx, addr, port, typ)
	if err != nil {
		return nil, err
	}
	return args{{"ConnectionID", strconv.Itoa(id)}}, nil
}

func addAutoConnection(ctx context.Context, a Actions, in args) (args, error) {
	addr, port, err := addressPort(in)
	if err != nil {
		return nil, err
	}
	typ, _ := in.get("ConnectionType")
	id, err := a.AddAutoConnection(ctx, addr, port, typ)
	if err != nil {
		return nil, err
	}
	return args{{"ConnectionID", strconv.Itoa(id)}}, nil
}

func connectionEstablished(ctx context.Context, a Actions, in args) (args, error) {
	addr, port, err := addressPort(in)
	if err != nil {
		return nil, err
	}
	return nil, a.ConnectionEstablished(ctx, addr, port)
}

func isBidirectionalConnection(ctx context.Context, a Actions, in args) (args, error) {
	addr, port, err := addressPort(in)
	if err != nil {
		return nil, err
	}
	ok, err := a.IsBidirectionalConnection(ctx, addr, port)
	if err != nil {
		return nil, err
	}
	return args{{"Bidirectional", boolString(ok)}}, nil
}

func disconnect(_ context.Context, a Actions, in args) (args, error) {
	id, err := in.intArg("ConnectionID")
	if err != nil {
		return nil, err
	}
	return nil, a.Disconnect(id)
}

func deleteAutoConnection(_ context.Context, a Actions, in args) (args, error) {
	id, err := in.intArg("ConnectionID")
	if err != nil {
		return nil, err
	}
	return nil, a.DeleteAutoConnection(id)
}

func getConnectionInfo(_ context.Context, a Actions, in args) (args, error) {
	id, err := in.intArg("ConnectionID")
	if err != nil {
		return nil, err
	}
	info, err := a.GetConnectionInfo(id)
	if err != nil {
		return nil, err
	}
	return args{
		{"IPAddress", info.Address.String()},
		{"Port", strconv.Itoa(info.Port)},
		{"ConnectionType", info.Type.String()},
		{"ConnectionStatus", info.Status.String()},
	}, nil
}

func getDeviceLocation(_ context.Context, a Actions, in args) (args, error) {
	udn, err := in.stringArg("UDN")
	if err != nil {
		return nil, err
	}
	return args{{"DeviceLocation", a.GetDeviceLocation(udn)}}, nil
}

func getCurrentConnectionIDs(_ context.Context, a Actions, _ args) (args, error) {
	return args{{"ConnectionIDs", a.GetCurrentConnectionIDs()}}, nil
}

func getAutoConnectionIDs(_ context.Context, a Actions, _ args) (args, error) {
	return args{{"ConnectionIDs", a.GetAutoConnectionIDs()}}, nil
}

func getDiscoveryPort(_ context.Context, a Actions, _ args) (args, error) {
	return args{{"DiscoveryPort", strconv.Itoa(a.GetDiscoveryPort())}}, nil
}

func getDiscoveryAddress(_ context.Context, a Actions, _ args) (args, error) {
	return args{{"DiscoveryAddress", a.GetDiscoveryAddress()}}, nil
}

func boolString(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
