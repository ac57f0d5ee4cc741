// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process holds the small amount of process-level plumbing
// shared by the host and the kernelhost binary: the exit status of a
// supervised kernel process and the fatal-error exit used by main()
// before the structured logger exists.
package process
