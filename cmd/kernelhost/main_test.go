// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/bureau-foundation/kernelhost/host"
	"github.com/bureau-foundation/kernelhost/lib/config"
	"github.com/bureau-foundation/kernelhost/session"
	"github.com/bureau-foundation/kernelhost/supervisor"
	"github.com/bureau-foundation/kernelhost/wire"
)

type recordingKernel struct {
	calls []string
}

func (k *recordingKernel) Execute(ctx context.Context, code, clientID string, mode supervisor.ExecutionMode, onError supervisor.ErrorBehavior) (string, error) {
	k.calls = append(k.calls, "execute "+code+" "+mode.String())
	return "msg", nil
}

func (k *recordingKernel) Complete(ctx context.Context, code string, cursor int) (string, error) {
	k.calls = append(k.calls, fmt.Sprintf("complete %s @%d", code, cursor))
	return "msg", nil
}

func (k *recordingKernel) Inspect(ctx context.Context, code string, cursor, detail int) (string, error) {
	k.calls = append(k.calls, fmt.Sprintf("inspect %s @%d", code, cursor))
	return "msg", nil
}

func (k *recordingKernel) Interrupt(ctx context.Context) error {
	k.calls = append(k.calls, "interrupt")
	return nil
}

func (k *recordingKernel) Restart(ctx context.Context) error {
	k.calls = append(k.calls, "restart")
	return nil
}

func (k *recordingKernel) Shutdown(ctx context.Context) error {
	k.calls = append(k.calls, "shutdown")
	return nil
}

func (k *recordingKernel) ReplyToPrompt(ctx context.Context, id, value string) error {
	k.calls = append(k.calls, "reply "+id+" "+value)
	return nil
}

func content(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestReplHandle(t *testing.T) {
	var out, status bytes.Buffer
	kernel := &recordingKernel{}
	console := newConsole(&out, &status, false)
	r := &repl{kernel: kernel, console: console, clientID: "c", logger: slog.New(slog.DiscardHandler)}
	ctx := context.Background()

	for _, line := range []string{"x = 1", "", ":complete pri", ":complete naïve_λ", ":inspect len", ":interrupt", ":restart", ":bogus"} {
		if r.handle(ctx, line) {
			t.Fatalf("%q ended the session", line)
		}
	}

	console.renderMessage(supervisor.MessageEvent{
		MessageType: wire.TypeInputRequest,
		MessageID:   "prompt-1",
		Content:     content(t, wire.InputRequest{Prompt: "name? "}),
	})
	if r.handle(ctx, ":quit") {
		t.Fatal("a line answering a prompt ended the session")
	}
	if !r.handle(ctx, ":quit") {
		t.Fatal(":quit did not end the session")
	}
	if !r.handle(ctx, ":shutdown") {
		t.Fatal(":shutdown did not end the session")
	}

	want := []string{
		"execute x = 1 interactive",
		"complete pri @3",
		"complete naïve_λ @7",
		"inspect len @3",
		"interrupt",
		"restart",
		"reply prompt-1 :quit",
		"shutdown",
	}
	if diff := cmp.Diff(want, kernel.calls); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}
	if !strings.Contains(status.String(), "unknown command :bogus") {
		t.Errorf("status = %q", status.String())
	}
	if out.String() != "name? " {
		t.Errorf("out = %q", out.String())
	}
}

func TestConsoleRendersOutput(t *testing.T) {
	var out, status bytes.Buffer
	console := newConsole(&out, &status, false)

	console.renderMessage(supervisor.MessageEvent{
		MessageType: wire.TypeStream,
		Content:     content(t, wire.Stream{Name: "stdout", Text: "hello\n"}),
	})
	console.renderMessage(supervisor.MessageEvent{
		MessageType: wire.TypeExecuteResult,
		Content:     content(t, wire.ExecuteResult{Data: map[string]any{"text/plain": "2"}}),
	})
	console.renderMessage(supervisor.MessageEvent{
		MessageType: wire.TypeError,
		Content: content(t, wire.Error{
			Name:      "ZeroDivisionError",
			Value:     "division by zero",
			Traceback: []string{"\x1b[31mTraceback\x1b[0m", "ZeroDivisionError: division by zero"},
		}),
	})
	console.renderMessage(supervisor.MessageEvent{
		MessageType: "complete_reply",
		Content:     content(t, map[string]any{"status": "ok", "matches": []string{"print", "property"}}),
	})
	console.renderState(supervisor.StateEvent{State: supervisor.Busy})
	console.renderState(supervisor.StateEvent{State: supervisor.Exited, Exit: &host.ExitStatus{Code: 1}})

	wantOut := "hello\n2\nTraceback\nZeroDivisionError: division by zero\nprint  property\n"
	if diff := cmp.Diff(wantOut, out.String()); diff != "" {
		t.Errorf("out mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff("[kernel] exited (exit code 1)\n", status.String()); diff != "" {
		t.Errorf("status mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kernelhost.yaml")
	writeFile(t, path, `
runtime_id: notebook
kernel:
  name: echo
  argv: ["echo-kernel", "{connection_file}"]
paths:
  root: /tmp/kernelhost-test
  state: /tmp/kernelhost-test/state
  runtime: /tmp/kernelhost-test/run
`)
	t.Setenv(config.EnvConfig, "")

	cfg, err := loadConfig(options{configPath: path, runtimeID: "other", storeBackend: config.StoreSQLite, logLevel: "debug"})
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.RuntimeID != "other" || cfg.Log.Level != "debug" {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if cfg.Store.Backend != config.StoreSQLite || cfg.Store.Path != "/tmp/kernelhost-test/state/sessions.db" {
		t.Errorf("store = %+v", cfg.Store)
	}

	if _, err := loadConfig(options{}); err == nil {
		t.Error("loadConfig accepted defaults with no kernel")
	}
}

func TestDumpStore(t *testing.T) {
	directory := t.TempDir()
	cfg := config.Default()
	cfg.Store.Backend = config.StoreSQLite
	cfg.Store.Path = filepath.Join(directory, "sessions.db")
	logger := slog.New(slog.DiscardHandler)
	ctx := context.Background()

	store, closeStore, err := openStore(cfg, logger)
	if err != nil {
		t.Fatal(err)
	}
	err = store.Set(ctx, "notebook", &session.Descriptor{
		SessionID:    "session-1",
		SigningKey:   "secret-key",
		KernelName:   "echo",
		ProcessID:    77,
		TerminalName: "kernel-echo",
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := closeStore(); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	if err := dumpStore(ctx, cfg, &out, false, logger); err != nil {
		t.Fatalf("dumpStore: %v", err)
	}
	line := out.String()
	if !strings.HasPrefix(line, "notebook\tsession=session-1 kernel=echo pid=77 terminal=kernel-echo") {
		t.Errorf("dump = %q", line)
	}
	if strings.Contains(line, "secret-key") {
		t.Error("dump printed the signing key")
	}

	out.Reset()
	if err := dumpStore(ctx, cfg, &out, true, logger); err != nil {
		t.Fatalf("raw dumpStore: %v", err)
	}
	if !strings.HasPrefix(out.String(), "notebook\t{") {
		t.Errorf("raw dump = %q", out.String())
	}

	cfg.Store.Backend = config.StoreMemory
	if err := dumpStore(ctx, cfg, &out, true, logger); err == nil {
		t.Error("raw dump of a memory store succeeded")
	}
}

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatal(err)
	}
}
