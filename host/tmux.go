// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/kernelhost/lib/clock"
	"github.com/bureau-foundation/kernelhost/lib/process"
	"github.com/bureau-foundation/kernelhost/lib/tmux"
)

// DefaultPollInterval is how often Tmux checks a pane for exit.
const DefaultPollInterval = 250 * time.Millisecond

// DefaultPrefix marks the tmux sessions a Tmux host manages.
const DefaultPrefix = "kernel-"

// TmuxConfig configures a Tmux host.
type TmuxConfig struct {
	Server *tmux.Server

	// Prefix is prepended to every session name and filters
	// ListManaged. Default DefaultPrefix.
	Prefix string

	// Clock drives exit polling. Default clock.Real().
	Clock clock.Clock

	// PollInterval defaults to DefaultPollInterval.
	PollInterval time.Duration

	// LaunchTimeout bounds waiting for the pane pid. Default 10s.
	LaunchTimeout time.Duration

	Logger *slog.Logger
}

// Tmux runs each kernel in its own session on a dedicated tmux server.
type Tmux struct {
	server        *tmux.Server
	prefix        string
	clock         clock.Clock
	pollInterval  time.Duration
	launchTimeout time.Duration
	logger        *slog.Logger
}

// NewTmux creates a Tmux host.
func NewTmux(config TmuxConfig) *Tmux {
	host := &Tmux{
		server:        config.Server,
		prefix:        config.Prefix,
		clock:         config.Clock,
		pollInterval:  config.PollInterval,
		launchTimeout: config.LaunchTimeout,
		logger:        config.Logger,
	}
	if host.prefix == "" {
		host.prefix = DefaultPrefix
	}
	if host.clock == nil {
		host.clock = clock.Real()
	}
	if host.pollInterval <= 0 {
		host.pollInterval = DefaultPollInterval
	}
	if host.launchTimeout <= 0 {
		host.launchTimeout = 10 * time.Second
	}
	if host.logger == nil {
		host.logger = slog.New(slog.DiscardHandler)
	}
	return host
}

// SessionName returns the tmux session name for a display name.
func (h *Tmux) SessionName(displayName string) string {
	return h.prefix + SanitizeName(displayName)
}

func (h *Tmux) Launch(ctx context.Context, spec LaunchSpec) (Process, error) {
	if len(spec.Argv) == 0 {
		return Process{}, errors.New("launch spec has no argv")
	}
	name := h.SessionName(spec.Name)

	if h.server.HasSession(name) {
		dead, _, _, err := h.server.PaneStatus(name)
		if err != nil {
			return Process{}, fmt.Errorf("inspecting existing terminal %s: %w", name, err)
		}
		if !dead {
			return Process{}, fmt.Errorf("terminal %s is already running a process", name)
		}
		h.logger.Info("removing exited terminal before launch", "terminal", name)
		if err := h.server.KillSession(name); err != nil {
			return Process{}, err
		}
	}

	err := h.server.NewSession(name, tmux.SessionOptions{
		Env:          spec.Env,
		Dir:          spec.Dir,
		RemainOnExit: true,
	}, spec.Argv...)
	if err != nil {
		return Process{}, fmt.Errorf("launching %s: %w", name, err)
	}

	pid, err := h.waitForPID(ctx, name)
	if err != nil {
		h.server.KillSession(name)
		return Process{}, err
	}
	h.logger.Info("kernel process launched", "terminal", name, "pid", pid)
	return Process{ID: name, Name: name, PID: pid}, nil
}

func (h *Tmux) waitForPID(ctx context.Context, name string) (int, error) {
	deadline := h.clock.After(h.launchTimeout)
	var lastErr error
	for {
		pid, err := h.server.PanePID(name)
		if err == nil && pid > 0 {
			return pid, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-deadline:
			if lastErr != nil {
				return 0, fmt.Errorf("no pid for terminal %s after %v: %w", name, h.launchTimeout, lastErr)
			}
			return 0, fmt.Errorf("no pid for terminal %s after %v", name, h.launchTimeout)
		case <-h.clock.After(h.pollInterval / 5):
		}
	}
}

func (h *Tmux) ListManaged(ctx context.Context) ([]Process, error) {
	panes, err := h.server.ListPanes()
	if err != nil {
		return nil, fmt.Errorf("listing terminals: %w", err)
	}

	var processes []Process
	for _, pane := range panes {
		if !strings.HasPrefix(pane.SessionName, h.prefix) {
			continue
		}
		managed := Process{ID: pane.SessionName, Name: pane.SessionName, PID: pane.PID}
		switch {
		case pane.Dead:
			managed.Exited = true
			managed.Exit = h.exitStatus(pane.SessionName)
		case !pidAlive(pane.PID):
			// tmux has not reaped the pane yet but the process is gone.
			managed.Exited = true
		}
		processes = append(processes, managed)
	}
	return processes, nil
}

func (h *Tmux) exitStatus(name string) ExitStatus {
	_, exitCode, signal, err := h.server.PaneStatus(name)
	if err != nil {
		h.logger.Warn("reading pane exit status", "terminal", name, "error", err)
		return ExitStatus{Code: -1}
	}
	if signal != 0 {
		return process.FromSignal(syscall.Signal(signal))
	}
	return ExitStatus{Code: exitCode}
}

// Wait polls the pane until it is dead. A terminal that disappears
// (killed externally) reports exit code -1.
func (h *Tmux) Wait(ctx context.Context, id string) (ExitStatus, error) {
	for {
		if !h.server.HasSession(id) {
			return ExitStatus{Code: -1}, nil
		}
		dead, exitCode, signal, err := h.server.PaneStatus(id)
		if err != nil && h.server.HasSession(id) {
			return ExitStatus{}, fmt.Errorf("waiting for %s: %w", id, err)
		}
		if dead {
			if signal != 0 {
				return process.FromSignal(syscall.Signal(signal)), nil
			}
			return ExitStatus{Code: exitCode}, nil
		}
		select {
		case <-ctx.Done():
			return ExitStatus{}, ctx.Err()
		case <-h.clock.After(h.pollInterval):
		}
	}
}

func (h *Tmux) Signal(ctx context.Context, id string, sig syscall.Signal) error {
	if !h.server.HasSession(id) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return h.server.SignalPane(id, sig)
}

func (h *Tmux) Dispose(ctx context.Context, id string) error {
	if err := h.server.KillSession(id); err != nil {
		return fmt.Errorf("disposing terminal %s: %w", id, err)
	}
	h.logger.Info("terminal disposed", "terminal", id)
	return nil
}

// Capture returns the last lines of a terminal's output, for
// diagnosing a kernel that failed to start.
func (h *Tmux) Capture(id string, maxLines int) (string, error) {
	return h.server.CapturePane(id, maxLines)
}

// pidAlive reports whether pid exists, using kill(pid, 0). EPERM means
// the process exists under another user.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
