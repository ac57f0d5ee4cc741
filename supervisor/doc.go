// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package supervisor runs one kernel session: it launches (or
// reconnects to) the kernel process through a [host.Host], connects
// the five protocol channels, watches liveness with heartbeats, and
// turns inbound traffic into typed events.
//
// All mutable state belongs to a single event-loop goroutine. Public
// methods post a closure to the loop and wait for its answer; socket
// receive goroutines, timers and the process-exit watcher post their
// results the same way. Slow work (launching the process, dialing
// sockets, waiting for exit) runs on helper goroutines and resumes on
// the loop when it completes, so the loop itself never blocks on it.
//
// The supervisor's lifetime is not the kernel's: [Supervisor.Dispose]
// releases sockets, timers and subscriptions but leaves the process
// running. A later supervisor constructed with the same runtime id
// and store finds the persisted [session.Descriptor], matches it
// against [host.Host.ListManaged], and reconnects.
//
// Events are delivered through typed subscriptions
// ([Supervisor.SubscribeState], [Supervisor.SubscribeMessages],
// [Supervisor.SubscribeLog]). Every subscription receives every event
// (multicast). Publication never blocks the loop: when a subscriber's
// buffer is full the event is dropped for that subscriber and counted
// in [Subscription.Dropped].
package supervisor
