// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package atomicfile writes files so that readers never observe a
// partial write: data goes to a temporary file in the same directory,
// is fsynced, renamed into place, and the parent directory is fsynced.
//
// The kernel process reads the connection file as soon as it starts,
// and the file-backed session store is read by a later kernelhost
// process after a restart, so both go through this package.
package atomicfile
