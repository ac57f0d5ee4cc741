// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"errors"
	"fmt"
)

// ErrDisposed is returned by every method once Dispose has been called.
var ErrDisposed = errors.New("supervisor disposed")

// ErrNotRunning is returned by requests issued while no session is
// connected.
var ErrNotRunning = errors.New("kernel not running")

// ErrHeartbeatTimeout fails a start whose heartbeat handshake got no
// reply within the heartbeat timeout.
var ErrHeartbeatTimeout = errors.New("no heartbeat reply")

// ErrProcessExited fails a start whose process exited before the
// handshake completed.
var ErrProcessExited = errors.New("kernel process exited during startup")

// AlreadyStartingError is returned to a Start call that was queued
// behind another start and did not get to run.
type AlreadyStartingError struct {
	// State is the state the supervisor moved to while the call was
	// queued.
	State State
}

func (e *AlreadyStartingError) Error() string {
	return fmt.Sprintf("kernel is already starting (now %s)", e.State)
}

// StartStage names the step of a start attempt that failed.
type StartStage string

const (
	StageSession   StartStage = "session"
	StageLaunch    StartStage = "launch"
	StageConnect   StartStage = "connect"
	StageHandshake StartStage = "handshake"
)

// StartError reports a failed start or reconnect.
type StartError struct {
	Stage StartStage
	Err   error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("kernel start failed at %s: %v", e.Stage, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }
