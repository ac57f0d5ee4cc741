// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package tmux_test

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/bureau-foundation/kernelhost/lib/testutil"
	"github.com/bureau-foundation/kernelhost/lib/tmux"
)

// waitDead polls PaneStatus until the pane's command has exited.
func waitDead(t *testing.T, server *tmux.Server, session string) (exitCode, signal int) {
	t.Helper()
	for {
		dead, exitCode, signal, err := server.PaneStatus(session)
		if err != nil {
			t.Fatalf("PaneStatus: %v", err)
		}
		if dead {
			return exitCode, signal
		}
		if t.Context().Err() != nil {
			t.Fatal("timed out waiting for pane to die")
		}
		runtime.Gosched()
	}
}

func TestNewSession(t *testing.T) {
	server := tmux.NewTestServer(t)

	if err := server.NewSession("kernel-a", tmux.SessionOptions{}, "sleep", "infinity"); err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if !server.HasSession("kernel-a") {
		t.Fatal("HasSession returned false for a session that was just created")
	}
	if server.HasSession("kernel") {
		t.Fatal("HasSession matched a prefix of an existing session name")
	}
}

func TestRemainOnExitKeepsExitStatus(t *testing.T) {
	server := tmux.NewTestServer(t)

	if err := server.NewSession("exits", tmux.SessionOptions{RemainOnExit: true}, "sh", "-c", "exit 7"); err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	exitCode, signal := waitDead(t, server, "exits")
	if exitCode != 7 || signal != 0 {
		t.Errorf("exit = %d signal %d, want 7 signal 0", exitCode, signal)
	}
	if !server.HasSession("exits") {
		t.Fatal("session disappeared despite remain-on-exit")
	}
}

func TestNewSessionEnvAndDir(t *testing.T) {
	server := tmux.NewTestServer(t)
	directory := t.TempDir()
	output := filepath.Join(directory, "out")

	err := server.NewSession("env", tmux.SessionOptions{
		Env:          map[string]string{"KERNEL_TEST_VALUE": "hello world"},
		Dir:          directory,
		RemainOnExit: true,
	}, "sh", "-c", `printf '%s|%s' "$KERNEL_TEST_VALUE" "$(pwd)" > out`)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	waitDead(t, server, "env")

	data, err := os.ReadFile(output)
	if err != nil {
		t.Fatalf("reading output: %v", err)
	}
	resolved, _ := filepath.EvalSymlinks(directory)
	got := string(data)
	if got != "hello world|"+directory && got != "hello world|"+resolved {
		t.Errorf("output = %q", got)
	}
}

func TestPanePIDAndListPanes(t *testing.T) {
	server := tmux.NewTestServer(t)

	if err := server.NewSession("listed", tmux.SessionOptions{RemainOnExit: true}, "sleep", "infinity"); err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	pid, err := server.PanePID("listed")
	if err != nil {
		t.Fatalf("PanePID: %v", err)
	}
	if pid <= 0 {
		t.Fatalf("PanePID = %d", pid)
	}

	panes, err := server.ListPanes()
	if err != nil {
		t.Fatalf("ListPanes: %v", err)
	}
	var found bool
	for _, pane := range panes {
		if pane.SessionName == "listed" {
			found = true
			if pane.PID != pid || pane.Dead {
				t.Errorf("pane = %+v, want pid %d alive", pane, pid)
			}
		}
	}
	if !found {
		t.Errorf("ListPanes = %+v, missing session listed", panes)
	}
}

func TestListPanesWithoutServer(t *testing.T) {
	server := tmux.NewTestServer(t)
	server.KillServer()

	panes, err := server.ListPanes()
	if err != nil {
		t.Fatalf("ListPanes on stopped server: %v", err)
	}
	if len(panes) != 0 {
		t.Errorf("ListPanes = %+v, want none", panes)
	}
}

func TestKillSession(t *testing.T) {
	server := tmux.NewTestServer(t)

	if err := server.NewSession("doomed", tmux.SessionOptions{}, "sleep", "infinity"); err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if err := server.KillSession("doomed"); err != nil {
		t.Fatalf("KillSession: %v", err)
	}
	if server.HasSession("doomed") {
		t.Fatal("session still exists after KillSession")
	}
	if err := server.KillSession("never-existed"); err != nil {
		t.Fatalf("KillSession on missing session returned error: %v", err)
	}
}

func TestKillServerBenignWhenStopped(t *testing.T) {
	server := tmux.NewTestServer(t)
	server.KillServer()
	if err := server.KillServer(); err != nil {
		t.Fatalf("KillServer on stopped server returned error: %v", err)
	}
}

func TestSetOptionPerSession(t *testing.T) {
	server := tmux.NewTestServer(t)

	if err := server.NewSession("opt-test", tmux.SessionOptions{}, "sleep", "infinity"); err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if err := server.SetOption("opt-test", "status-left", "hello"); err != nil {
		t.Fatalf("SetOption per-session: %v", err)
	}
	output, err := server.Run("show-option", "-t", "opt-test", "-v", "status-left")
	if err != nil {
		t.Fatalf("show-option: %v", err)
	}
	if got := strings.TrimSpace(output); got != "hello" {
		t.Fatalf("status-left = %q, want %q", got, "hello")
	}
}

func TestCapturePane(t *testing.T) {
	server := tmux.NewTestServer(t)

	if err := server.NewSession("capture", tmux.SessionOptions{RemainOnExit: true}, "sh", "-c",
		"for i in 1 2 3 4 5; do echo \"line $i\"; done"); err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	waitDead(t, server, "capture")

	captured, err := server.CapturePane("capture", 0)
	if err != nil {
		t.Fatalf("CapturePane: %v", err)
	}
	if !strings.Contains(captured, "line 1") || !strings.Contains(captured, "line 5") {
		t.Errorf("captured = %q", captured)
	}
}

func TestNewTestServerIsolation(t *testing.T) {
	serverA := tmux.NewTestServer(t)
	serverB := tmux.NewTestServer(t)

	if err := serverA.NewSession("only-on-a", tmux.SessionOptions{}, "sleep", "infinity"); err != nil {
		t.Fatalf("NewSession on A: %v", err)
	}
	if serverB.HasSession("only-on-a") {
		t.Fatal("server B can see a session from server A")
	}
}

func TestConfigIsolation(t *testing.T) {
	server := tmux.NewTestServer(t)
	configPath := filepath.Join(t.TempDir(), "tmux.conf")
	if err := os.WriteFile(configPath, []byte("set-option -g history-limit 99999\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	custom := tmux.NewServer(filepath.Join(testutil.SocketDir(t), "custom.sock"), configPath)
	if err := custom.NewSession("_guard", tmux.SessionOptions{}, "sleep", "infinity"); err != nil {
		t.Fatalf("NewSession on custom server: %v", err)
	}
	t.Cleanup(func() { custom.KillServer() })

	output, err := custom.Run("show-option", "-gv", "history-limit")
	if err != nil {
		t.Fatalf("show-option: %v", err)
	}
	if got := strings.TrimSpace(output); got != "99999" {
		t.Fatalf("custom history-limit = %q, want 99999", got)
	}

	output, err = server.Run("show-option", "-gv", "history-limit")
	if err != nil {
		t.Fatalf("show-option: %v", err)
	}
	if strings.TrimSpace(output) == "99999" {
		t.Fatal("/dev/null config server picked up the custom config")
	}
}
