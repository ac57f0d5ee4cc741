// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"errors"
	"fmt"
)

// ErrDisposed is returned by operations on a disposed Socket.
var ErrDisposed = errors.New("socket disposed")

// ErrUnknownChannel is returned when a caller names a channel that is
// not one of the five kinds.
var ErrUnknownChannel = errors.New("unknown channel")

// ErrNotConnected is returned by Send before Connect succeeds.
var ErrNotConnected = errors.New("socket not connected")

// ConnectionError reports a failure to open or dial a channel.
type ConnectionError struct {
	Kind    Kind
	Address string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connecting %s channel to %s: %v", e.Kind, e.Address, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// SendError reports a transport failure while sending on a channel.
type SendError struct {
	Kind Kind
	Err  error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("sending on %s channel: %v", e.Kind, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }
