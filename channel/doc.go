// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package channel wraps the five kernel message channels (control,
// shell, stdin, iopub, heartbeat) behind a uniform Socket.
//
// A Socket owns one transport Endpoint. Connect dials the kernel's
// port for the socket's Kind, starts a receive goroutine, and delivers
// every inbound multi-frame payload to the Handler registered at
// construction. Send writes a multi-frame payload. Dispose closes the
// endpoint and waits for the receive goroutine to exit.
//
// The wire transport is abstracted by [Transport]. [ZMQ] is the
// production implementation over ZeroMQ (DEALER for control, shell and
// stdin; SUB subscribed to all topics for iopub; REQ for heartbeat).
// [Pipe] is an in-memory implementation for tests that lets a test
// play the kernel side of every channel.
package channel
