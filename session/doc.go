// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package session describes one kernel session: the ports, signing key
// and files a launched kernel is bound to.
//
// A [Descriptor] is created fresh for every start (new session id, new
// signing key, new ports) and written to disk as the connection file
// the kernel reads on launch. Once the kernel's process id is known the
// descriptor is persisted in a [Store] keyed by the caller's runtime
// id, so that a restarted supervisor can find and re-attach to the
// still-running kernel. Dispose removes the connection file and the
// kernel log, optionally archiving the log first.
//
// Three stores are provided: [MemoryStore] for tests and ephemeral
// use, [FileStore] (one JSON file per runtime id, optionally
// age-encrypted), and [SQLiteStore].
package session
