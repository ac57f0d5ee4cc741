// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil holds local networking helpers: the port allocator
// used to choose kernel channel ports and the classification of errors
// that mark a normal endpoint shutdown.
package netutil

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
)

// IsExpectedCloseError reports whether err is a normal endpoint
// termination: EOF, closed connection, broken pipe, connection reset,
// or the cancellation a socket reports once it has been closed locally.
// Receive loops stop quietly on these and log everything else.
func IsExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, context.Canceled) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}
