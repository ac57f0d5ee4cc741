// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Kernelhost runs one Jupyter kernel under supervision and drives it
// from the terminal. Each line read from stdin is executed in the
// kernel; output, state changes and the kernel's own log are printed
// as they arrive.
//
// The kernel process lives in a session on a private tmux server, so
// it outlives kernelhost. A later kernelhost with the same runtime id
// reconnects to it instead of launching a new one. Pass
// --shutdown-on-exit, or enter :shutdown, to stop the kernel.
//
// Lines starting with a colon are commands:
//
//	:interrupt           interrupt the running execution (also Ctrl-C)
//	:restart             shut the kernel down and start a new one
//	:shutdown            shut the kernel down and exit
//	:complete <code>     request completions at the end of code
//	:inspect <code>      request introspection at the end of code
//	:quit                exit, leaving the kernel running
//
// "kernelhost store dump" lists the persisted sessions without
// starting anything; with --raw a SQLite store prints each row in
// CBOR diagnostic notation. --version prints the build information
// stamped in by the linker.
package main
