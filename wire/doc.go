// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire implements the kernel messaging protocol, version 5.0:
// the [Message] envelope, its typed content payloads, and the
// multi-frame encoding with HMAC-SHA256 signatures.
//
// A message on the wire is a sequence of frames:
//
//	[routing identities...] <IDS|MSG> signature header parent_header metadata content [buffers...]
//
// The signature is the lowercase hex HMAC-SHA256, keyed by the session
// signing key, over the four JSON frames in order. An empty key
// disables signing: the signature frame is empty and is not checked.
//
// [Decode] never panics on hostile input. A bad signature returns
// [ErrInvalidSignature]; structural or JSON problems return a
// [*MalformedError]. Receive loops log these and continue with the next
// message.
package wire
