// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source for the supervisor's
// heartbeat timers and the host's exit polling.
//
// Production code holds a Clock field set to Real(). Tests set it to a
// FakeClock and drive time explicitly:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	s, _ := supervisor.New(supervisor.Config{Clock: c, ...})
//	c.WaitForTimers(1)          // heartbeat timeout armed
//	c.Advance(30 * time.Second) // fire it
//
// AfterFunc callbacks on a FakeClock run synchronously inside Advance,
// so a callback that only posts work to another goroutine's queue is
// the safe shape. A callback that blocks on the goroutine calling
// Advance deadlocks.
package clock
