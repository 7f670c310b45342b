// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package control

import (
	"encoding/xml"

	"github.com/google/uuid"

	"github.com/syncthing/upnpbridge/lib/gateway"
)

const (
	DescriptionPath = "/description.xml"
	ControlPath     = "/control"
	EventPath       = "/event"
	SCPDPath        = "/scpd.xml"

	deviceNamespace = "urn:schemas-upnp-org:device-1-0"
)

type specVersion struct {
	Major int `xml:"major"`
	Minor int `xml:"minor"`
}

type descService struct {
	Type        string `xml:"serviceType"`
	ID          string `xml:"serviceId"`
	SCPDURL     string `xml:"SCPDURL"`
	ControlURL  string `xml:"controlURL"`
	EventSubURL string `xml:"eventSubURL"`
}

type descDevice struct {
	DeviceType   string        `xml:"deviceType"`
	FriendlyName string        `xml:"friendlyName"`
	Manufacturer string        `xml:"manufacturer"`
	ModelName    string        `xml:"modelName"`
	UDN          string        `xml:"UDN"`
	Services     []descService `xml:"serviceList>service"`
}

type descRoot struct {
	XMLName     xml.Name    `xml:"root"`
	Namespace   string      `xml:"xmlns,attr"`
	SpecVersion specVersion `xml:"specVersion"`
	Device      descDevice  `xml:"device"`
}

// NewUDN returns a fresh unique device name.
func NewUDN() string {
	return "uuid:" + uuid.NewString()
}

// Description returns the device description of the gateway device.
func Description(udn, friendlyName string) []byte {
	root := descRoot{
		Namespace:   deviceNamespace,
		SpecVersion: specVersion{Major: 1, Minor: 0},
		Device: descDevice{
			DeviceType:   gateway.DeviceType,
			FriendlyName: friendlyName,
			Manufacturer: "Syncthing",
			ModelName:    "upnpbridge",
			UDN:          udn,
			Services: []descService{{
				Type:        gateway.ServiceType,
				ID:          gateway.ServiceID,
				SCPDURL:     SCPDPath,
				ControlURL:  ControlPath,
				EventSubURL: EventPath,
			}},
		},
	}
	bs, err := xml.MarshalIndent(root, "", "  ")
	if err != nil {
		panic("bug: marshalling description: " + err.Error())
	}
	return append([]byte(xml.Header), bs...)
}
