// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers.
//
// [RequireReceive] and [RequireClosed] wrap the
// select-with-timeout pattern so supervisor and tailer tests never block
// forever on an event channel. They are the only place in the test
// suite that waits on wall-clock time; timer-driven behavior is tested
// with lib/clock's FakeClock instead.
//
// [RequireEventually] polls a condition for state that is observable
// only through a getter.
//
// [SocketDir] creates a short directory under /tmp for Unix sockets
// (tmux servers), which have a 108-byte path limit.
//
// [UniqueID] generates monotonically increasing identifiers for test
// runtime ids.
package testutil
