// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import "fmt"

// State is the kernel lifecycle state.
type State int

const (
	Uninitialized State = iota
	Initializing
	Starting
	Ready
	Idle
	Busy
	Interrupting
	Offline
	Exiting
	Exited

	// StartFailed is passed through on the way back to Uninitialized
	// when a start or reconnect attempt fails.
	StartFailed
)

var stateNames = [...]string{
	Uninitialized: "uninitialized",
	Initializing:  "initializing",
	Starting:      "starting",
	Ready:         "ready",
	Idle:          "idle",
	Busy:          "busy",
	Interrupting:  "interrupting",
	Offline:       "offline",
	Exiting:       "exiting",
	Exited:        "exited",
	StartFailed:   "start_failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Live reports whether the kernel has completed its handshake and is
// neither shutting down nor presumed dead.
func (s State) Live() bool {
	switch s {
	case Ready, Idle, Busy, Interrupting:
		return true
	}
	return false
}

// canStart reports whether Start launches a new session from s.
func (s State) canStart() bool {
	return s == Uninitialized || s == Exited
}
