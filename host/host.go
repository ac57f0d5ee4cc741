// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package host

import (
	"context"
	"errors"
	"strings"
	"syscall"

	"github.com/bureau-foundation/kernelhost/lib/process"
)

// ErrNotFound is returned when an id names no managed process.
var ErrNotFound = errors.New("managed process not found")

// ExitStatus describes how a process ended.
type ExitStatus = process.ExitStatus

// LaunchSpec describes a process to launch.
type LaunchSpec struct {
	// Name is the display name of the managed terminal. Hosts may
	// normalize it; the returned Process.Name is authoritative.
	Name string

	// Argv is the command, already substituted.
	Argv []string

	Env map[string]string
	Dir string
}

// Process is one managed process.
type Process struct {
	// ID addresses the process in Wait, Signal and Dispose.
	ID string

	// Name is the managed terminal's display name.
	Name string

	PID    int
	Exited bool

	// Exit is meaningful only when Exited is set.
	Exit ExitStatus
}

// Host launches and tracks kernel processes.
type Host interface {
	// Launch starts spec and returns once the pid is observed.
	Launch(ctx context.Context, spec LaunchSpec) (Process, error)

	// ListManaged returns every process the host manages, including
	// exited ones whose terminals have not been disposed.
	ListManaged(ctx context.Context) ([]Process, error)

	// Wait blocks until the process exits or ctx is done.
	Wait(ctx context.Context, id string) (ExitStatus, error)

	// Signal delivers sig to the process.
	Signal(ctx context.Context, id string, sig syscall.Signal) error

	// Dispose tears down the managed terminal. Idempotent.
	Dispose(ctx context.Context, id string) error
}

// Capturer is implemented by hosts that can return a process's
// recent terminal output. The supervisor logs it when a start fails.
type Capturer interface {
	Capture(id string, maxLines int) (string, error)
}

// Template variables understood by Substitute.
const (
	VarConnectionFile = "connection_file"
	VarLogFile        = "log_file"
)

// Substitute replaces "{name}" placeholders in each argument with
// vars[name]. Unknown placeholders are left intact.
func Substitute(argv []string, vars map[string]string) []string {
	pairs := make([]string, 0, 2*len(vars))
	for name, value := range vars {
		pairs = append(pairs, "{"+name+"}", value)
	}
	replacer := strings.NewReplacer(pairs...)

	result := make([]string, len(argv))
	for index, argument := range argv {
		result[index] = replacer.Replace(argument)
	}
	return result
}

// SanitizeName turns a display name into a terminal name: lower case
// ASCII letters, digits and '-', no leading or trailing '-'.
func SanitizeName(name string) string {
	var builder strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(name) {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			builder.WriteRune(r)
			lastDash = false
			continue
		}
		if !lastDash {
			builder.WriteByte('-')
			lastDash = true
		}
	}
	return strings.TrimSuffix(builder.String(), "-")
}
