// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package gateway

import (
	"errors"
	"fmt"
)

// UPnP error codes returned by the discovery service actions.
const (
	CodeInvalidAction       = 401
	CodeInvalidArgs         = 402
	CodeUntrustedCaller     = 606
	CodeAlreadyConnected    = 801
	CodeInvalidAddress      = 802
	CodeAlreadyPending      = 803
	CodeInvalidConnectionID = 805
)

// An ActionError is the failure of an action, reported to the caller as a
// UPnP error.
type ActionError struct {
	Code        int
	Description string
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("UPnP error %d: %s", e.Code, e.Description)
}

var (
	ErrInvalidAction       = &ActionError{CodeInvalidAction, "Invalid action"}
	ErrInvalidArgs         = &ActionError{CodeInvalidArgs, "Invalid args"}
	ErrUntrustedCaller     = &ActionError{CodeUntrustedCaller, "Action not authorized"}
	ErrAlreadyConnected    = &ActionError{CodeAlreadyConnected, "Already connected"}
	ErrInvalidAddress      = &ActionError{CodeInvalidAddress, "Invalid address"}
	ErrAlreadyPending      = &ActionError{CodeAlreadyPending, "Already waiting for connection"}
	ErrInvalidConnectionID = &ActionError{CodeInvalidConnectionID, "Invalid connectionID"}
)

// AsActionError returns the ActionError in err's chain, or an invalid
// arguments error for anything else.
func AsActionError(err error) *ActionError {
	var aerr *ActionError
	if errors.As(err, &aerr) {
		return aerr
	}
	return ErrInvalidArgs
}
