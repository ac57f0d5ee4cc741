// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package logtail

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/bureau-foundation/kernelhost/lib/testutil"
)

const receiveTimeout = 5 * time.Second

func startTail(t *testing.T, path string, options Options) *Tailer {
	t.Helper()
	if options.PollInterval == 0 {
		options.PollInterval = 20 * time.Millisecond
	}
	tailer, err := Tail(context.Background(), path, options)
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	t.Cleanup(func() { tailer.Close() })
	return tailer
}

func appendFile(t *testing.T, path, content string) {
	t.Helper()
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()
	if _, err := file.WriteString(content); err != nil {
		t.Fatal(err)
	}
}

func expectLine(t *testing.T, tailer *Tailer, want string) {
	t.Helper()
	line := testutil.RequireReceive(t, tailer.Lines(), receiveTimeout, "waiting for %q", want)
	if line.Text != want {
		t.Fatalf("line = %q, want %q", line.Text, want)
	}
}

func TestTailFileCreatedLater(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kernel.log")
	tailer := startTail(t, path, Options{})

	appendFile(t, path, "first\nsecond\n")
	expectLine(t, tailer, "first")
	expectLine(t, tailer, "second")

	appendFile(t, path, "third\n")
	expectLine(t, tailer, "third")
}

func TestTailExistingContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kernel.log")
	appendFile(t, path, "already here\r\n")
	tailer := startTail(t, path, Options{})
	expectLine(t, tailer, "already here")
}

func TestTailHoldsPartialLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kernel.log")
	tailer := startTail(t, path, Options{})

	appendFile(t, path, "hel")
	select {
	case line := <-tailer.Lines():
		t.Fatalf("partial line delivered early: %q", line.Text)
	case <-time.After(100 * time.Millisecond): //nolint:realclock checking absence of delivery
	}
	appendFile(t, path, "lo\n")
	expectLine(t, tailer, "hello")
}

func TestTailCloseFlushesPartialLine(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	path := filepath.Join(t.TempDir(), "kernel.log")
	appendFile(t, path, "complete\nunterminated")
	tailer, err := Tail(context.Background(), path, Options{PollInterval: 20 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	expectLine(t, tailer, "complete")

	tailer.Close()
	expectLine(t, tailer, "unterminated")
	if _, ok := <-tailer.Lines(); ok {
		t.Fatal("Lines not closed after Close")
	}
	tailer.Close()
}

func TestTailTruncation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kernel.log")
	tailer := startTail(t, path, Options{})

	appendFile(t, path, "a long first line\n")
	expectLine(t, tailer, "a long first line")

	if err := os.Truncate(path, 0); err != nil {
		t.Fatal(err)
	}
	appendFile(t, path, "new\n")
	expectLine(t, tailer, "new")
}

func TestTailReplacement(t *testing.T) {
	directory := t.TempDir()
	path := filepath.Join(directory, "kernel.log")
	tailer := startTail(t, path, Options{})

	appendFile(t, path, "old\n")
	expectLine(t, tailer, "old")

	replacement := filepath.Join(directory, "kernel.log.new")
	appendFile(t, replacement, "replaced\n")
	if err := os.Rename(replacement, path); err != nil {
		t.Fatal(err)
	}
	expectLine(t, tailer, "replaced")
}

func TestTailStripANSI(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kernel.log")
	tailer := startTail(t, path, Options{StripANSI: true})

	appendFile(t, path, "\x1b[31mred\x1b[0m text\n")
	expectLine(t, tailer, "red text")
}

func TestTailContextCancel(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ctx, cancel := context.WithCancel(context.Background())
	tailer, err := Tail(ctx, filepath.Join(t.TempDir(), "kernel.log"), Options{})
	if err != nil {
		t.Fatal(err)
	}
	cancel()
	for range tailer.Lines() {
	}
	tailer.Close()
}

func TestTailMissingDirectory(t *testing.T) {
	if _, err := Tail(context.Background(), filepath.Join(t.TempDir(), "missing", "kernel.log"), Options{}); err == nil {
		t.Fatal("Tail succeeded with a missing parent directory")
	}
}
