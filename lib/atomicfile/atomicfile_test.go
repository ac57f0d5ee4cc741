// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package atomicfile

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

type record struct {
	ShellPort int    `json:"shell_port"`
	Key       string `json:"key"`
}

func TestWriteJSONReadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kernel.json")
	want := record{ShellPort: 53794, Key: "a0436f6c-1916-498b-8eb9-e81ab9368e84"}

	if err := WriteJSON(path, want, 0600); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	var got record
	if err := ReadJSON(path, &got); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if got != want {
		t.Errorf("ReadJSON = %+v, want %+v", got, want)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if mode := info.Mode().Perm(); mode != 0600 {
		t.Errorf("mode = %o, want 0600", mode)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("temporary file left behind: %v", err)
	}
}

func TestWriteOverwritesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := WriteJSON(path, record{ShellPort: 1}, 0600); err != nil {
		t.Fatalf("first WriteJSON: %v", err)
	}
	if err := WriteJSON(path, record{ShellPort: 2}, 0600); err != nil {
		t.Fatalf("second WriteJSON: %v", err)
	}
	var got record
	if err := ReadJSON(path, &got); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if got.ShellPort != 2 {
		t.Errorf("ShellPort = %d, want 2", got.ShellPort)
	}
}

func TestReadJSONMissing(t *testing.T) {
	var got record
	err := ReadJSON(filepath.Join(t.TempDir(), "absent.json"), &got)
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("ReadJSON error = %v, want os.ErrNotExist", err)
	}
}

func TestReadJSONCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corrupt.json")
	if err := os.WriteFile(path, []byte("{not json"), 0600); err != nil {
		t.Fatal(err)
	}
	var got record
	if err := ReadJSON(path, &got); err == nil {
		t.Fatal("ReadJSON succeeded on corrupt file")
	}
}

func TestWriteMissingDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "file.json")
	if err := Write(path, []byte("{}"), 0600); err == nil {
		t.Fatal("Write succeeded with a missing parent directory")
	}
}

func TestRemoveIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file.json")
	if err := Write(path, []byte("{}"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := Remove(path); err != nil {
		t.Fatalf("first Remove: %v", err)
	}
	if err := Remove(path); err != nil {
		t.Fatalf("second Remove: %v", err)
	}
}
