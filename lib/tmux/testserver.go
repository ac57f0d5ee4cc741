// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package tmux

import (
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/bureau-foundation/kernelhost/lib/testutil"
)

// NewTestServer creates an isolated tmux server for testing. The
// server uses a short /tmp socket path (108-byte Unix socket limit),
// loads no config, and is kept alive by a _guard session until
// t.Cleanup kills it. Tests skip when tmux is not installed.
//
// All test tmux commands MUST use the returned Server. A bare "tmux"
// without -S targets the default server, which may be the session the
// developer is working in.
func NewTestServer(t *testing.T) *Server {
	t.Helper()

	if _, err := exec.LookPath("tmux"); err != nil {
		t.Skip("tmux not installed")
	}

	socketPath := filepath.Join(testutil.SocketDir(t), "tmux.sock")
	server := NewServer(socketPath, "/dev/null")
	if err := server.NewSession("_guard", SessionOptions{}, "sleep", "infinity"); err != nil {
		t.Fatalf("start tmux test server: %v", err)
	}
	t.Cleanup(func() {
		server.KillServer()
	})
	return server
}
