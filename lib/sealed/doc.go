// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sealed encrypts persisted session descriptors with age.
//
// A session descriptor carries the kernel's signing key. When the file
// store is configured with recipients, every descriptor is encrypted to
// those recipients before it reaches disk, and decrypted with the
// identities loaded from the configured identity file on read.
//
// Ciphertext is the binary age format; callers write it to files
// directly. Identities are the AGE-SECRET-KEY-1... strings produced by
// GenerateKeypair or age-keygen.
package sealed
