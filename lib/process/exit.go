// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"fmt"
	"os"
	"syscall"
)

// Fatal writes "error: err" to stderr and exits with code 1. Use it in
// main() for errors from run() where the structured logger may not be
// initialized.
func Fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

// ExitStatus describes how a kernel process ended. Signal is zero for
// a normal exit. Code follows the shell convention for signal deaths
// (128 + signal number) so a single integer is always meaningful.
type ExitStatus struct {
	Code   int            `json:"code"`
	Signal syscall.Signal `json:"signal,omitempty"`
}

// Signaled reports whether the process was killed by a signal.
func (s ExitStatus) Signaled() bool { return s.Signal != 0 }

// String renders the status for log lines.
func (s ExitStatus) String() string {
	if s.Signaled() {
		return fmt.Sprintf("signal %d (%s)", int(s.Signal), s.Signal)
	}
	return fmt.Sprintf("exit code %d", s.Code)
}

// FromSignal builds the status for a process killed by signal.
func FromSignal(signal syscall.Signal) ExitStatus {
	return ExitStatus{Code: 128 + int(signal), Signal: signal}
}

