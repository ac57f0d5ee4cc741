// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package host launches kernel processes and tracks the ones it
// manages.
//
// A [Host] runs each kernel in a named managed terminal. Launch returns
// once the process id is known. ListManaged reports every terminal the
// host manages, which is how a restarted supervisor finds a kernel it
// launched in a previous life. Wait blocks until the process exits.
// Dispose tears the terminal down, killing the process if it is still
// running.
//
// [Tmux] is the production host: one tmux session per kernel on a
// dedicated server, with remain-on-exit so the exit status survives
// the process. [Fake] is an in-memory host for tests.
package host
