// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"syscall"
	"testing"
)

func TestExitStatus(t *testing.T) {
	tests := []struct {
		name     string
		status   ExitStatus
		signaled bool
		text     string
	}{
		{"clean exit", ExitStatus{Code: 0}, false, "exit code 0"},
		{"error exit", ExitStatus{Code: 3}, false, "exit code 3"},
		{"sigterm", FromSignal(syscall.SIGTERM), true, "signal 15 (terminated)"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := test.status.Signaled(); got != test.signaled {
				t.Errorf("Signaled() = %v, want %v", got, test.signaled)
			}
			if got := test.status.String(); got != test.text {
				t.Errorf("String() = %q, want %q", got, test.text)
			}
		})
	}
}

func TestFromSignalCode(t *testing.T) {
	if got := FromSignal(syscall.SIGKILL).Code; got != 137 {
		t.Fatalf("Code = %d, want 137", got)
	}
}
