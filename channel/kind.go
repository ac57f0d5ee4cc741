// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import "fmt"

// Kind identifies one of the five kernel channels.
type Kind int

const (
	Control Kind = iota
	Shell
	Stdin
	IOPub
	Heartbeat
)

// Kinds lists every channel in connection order.
var Kinds = []Kind{Control, Shell, Stdin, IOPub, Heartbeat}

// String returns the channel name used in the messaging protocol.
func (k Kind) String() string {
	switch k {
	case Control:
		return "control"
	case Shell:
		return "shell"
	case Stdin:
		return "stdin"
	case IOPub:
		return "iopub"
	case Heartbeat:
		return "heartbeat"
	default:
		return fmt.Sprintf("channel(%d)", int(k))
	}
}

// Valid reports whether k names one of the five channels.
func (k Kind) Valid() bool {
	return k >= Control && k <= Heartbeat
}
