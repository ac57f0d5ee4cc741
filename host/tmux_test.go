// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package host_test

import (
	"context"
	"syscall"
	"testing"
	"time"

	"github.com/bureau-foundation/kernelhost/host"
	"github.com/bureau-foundation/kernelhost/lib/tmux"
)

func newTmuxHost(t *testing.T) *host.Tmux {
	t.Helper()
	return host.NewTmux(host.TmuxConfig{
		Server:       tmux.NewTestServer(t),
		PollInterval: 20 * time.Millisecond,
	})
}

func waitWithTimeout(t *testing.T, tmuxHost *host.Tmux, id string) host.ExitStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()
	status, err := tmuxHost.Wait(ctx, id)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	return status
}

func TestTmuxLaunchAndExit(t *testing.T) {
	tmuxHost := newTmuxHost(t)

	launched, err := tmuxHost.Launch(t.Context(), host.LaunchSpec{
		Name: "Exit Three",
		Argv: []string{"sh", "-c", "sleep 0.1; exit 3"},
	})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if launched.ID != "kernel-exit-three" || launched.PID <= 0 {
		t.Fatalf("launched = %+v", launched)
	}

	if status := waitWithTimeout(t, tmuxHost, launched.ID); status.Code != 3 || status.Signaled() {
		t.Errorf("status = %v, want exit code 3", status)
	}

	managed, err := tmuxHost.ListManaged(t.Context())
	if err != nil {
		t.Fatalf("ListManaged: %v", err)
	}
	if len(managed) != 1 || managed[0].ID != launched.ID || !managed[0].Exited || managed[0].Exit.Code != 3 {
		t.Errorf("ListManaged = %+v", managed)
	}
}

func TestTmuxListManagedSkipsUnmanagedSessions(t *testing.T) {
	tmuxHost := newTmuxHost(t)

	launched, err := tmuxHost.Launch(t.Context(), host.LaunchSpec{Name: "live", Argv: []string{"sleep", "infinity"}})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	defer tmuxHost.Dispose(context.Background(), launched.ID)

	managed, err := tmuxHost.ListManaged(t.Context())
	if err != nil {
		t.Fatalf("ListManaged: %v", err)
	}
	// The test server's _guard session is not prefixed and must not
	// appear.
	if len(managed) != 1 || managed[0].Exited || managed[0].PID != launched.PID {
		t.Errorf("ListManaged = %+v, want only the live kernel", managed)
	}
}

func TestTmuxLaunchRefusesLiveDuplicate(t *testing.T) {
	tmuxHost := newTmuxHost(t)

	first, err := tmuxHost.Launch(t.Context(), host.LaunchSpec{Name: "dup", Argv: []string{"sleep", "infinity"}})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	defer tmuxHost.Dispose(context.Background(), first.ID)

	if _, err := tmuxHost.Launch(t.Context(), host.LaunchSpec{Name: "dup", Argv: []string{"true"}}); err == nil {
		t.Fatal("Launch over a live terminal succeeded")
	}
}

func TestTmuxLaunchReplacesExitedTerminal(t *testing.T) {
	tmuxHost := newTmuxHost(t)

	first, err := tmuxHost.Launch(t.Context(), host.LaunchSpec{Name: "again", Argv: []string{"true"}})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	waitWithTimeout(t, tmuxHost, first.ID)

	second, err := tmuxHost.Launch(t.Context(), host.LaunchSpec{Name: "again", Argv: []string{"sleep", "infinity"}})
	if err != nil {
		t.Fatalf("relaunch over exited terminal: %v", err)
	}
	defer tmuxHost.Dispose(context.Background(), second.ID)
	if second.PID == first.PID {
		t.Error("relaunch reported the old pid")
	}
}

func TestTmuxSignal(t *testing.T) {
	tmuxHost := newTmuxHost(t)

	launched, err := tmuxHost.Launch(t.Context(), host.LaunchSpec{Name: "signal", Argv: []string{"sleep", "infinity"}})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if err := tmuxHost.Signal(t.Context(), launched.ID, syscall.SIGTERM); err != nil {
		t.Fatalf("Signal: %v", err)
	}
	status := waitWithTimeout(t, tmuxHost, launched.ID)
	// tmux does not always report the signal; the process is gone
	// either way.
	if status.Signaled() && status.Signal != syscall.SIGTERM {
		t.Errorf("status = %v, want SIGTERM", status)
	}
}

func TestTmuxDisposeEndsWait(t *testing.T) {
	tmuxHost := newTmuxHost(t)

	launched, err := tmuxHost.Launch(t.Context(), host.LaunchSpec{Name: "disposed", Argv: []string{"sleep", "infinity"}})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if err := tmuxHost.Dispose(t.Context(), launched.ID); err != nil {
		t.Fatalf("Dispose: %v", err)
	}
	if status := waitWithTimeout(t, tmuxHost, launched.ID); status.Code != -1 {
		t.Errorf("status after dispose = %v, want exit code -1", status)
	}
	if err := tmuxHost.Dispose(t.Context(), launched.ID); err != nil {
		t.Errorf("second Dispose: %v", err)
	}
}
