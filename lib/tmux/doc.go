// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package tmux provides a typed interface to a dedicated tmux server.
// kernelhost runs each kernel in its own tmux session on a server
// distinct from the user's personal tmux, so kernels outlive the
// supervisor and an operator can attach to a kernel's terminal. The
// user's ~/.tmux.conf is never loaded unless explicitly requested.
//
// The central type is Server, identified by its Unix socket path. All
// tmux commands go through Server, which injects the -S flag, so no
// command can target the wrong server.
package tmux
