// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// Delimiter separates routing identities from the message body.
var Delimiter = []byte("<IDS|MSG>")

// emptyObject is the JSON encoding of an absent parent header, empty
// metadata, or empty content.
var emptyObject = []byte("{}")

// ErrInvalidSignature is returned by Decode when the signature frame
// does not match the HMAC of the message parts.
var ErrInvalidSignature = errors.New("invalid message signature")

// MalformedError reports a structurally broken message. Part names the
// offending frame ("frames", "header", "parent_header", "metadata",
// "content").
type MalformedError struct {
	Part string
	Err  error
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed message %s: %v", e.Part, e.Err)
}

func (e *MalformedError) Unwrap() error { return e.Err }

// Encode serializes message into wire frames signed with key.
func Encode(message *Message, key []byte) ([][]byte, error) {
	header, err := json.Marshal(message.Header)
	if err != nil {
		return nil, fmt.Errorf("encoding header: %w", err)
	}

	parent := emptyObject
	if message.ParentHeader != nil && !message.ParentHeader.IsZero() {
		parent, err = json.Marshal(message.ParentHeader)
		if err != nil {
			return nil, fmt.Errorf("encoding parent_header: %w", err)
		}
	}

	metadata := emptyObject
	if len(message.Metadata) > 0 {
		metadata, err = json.Marshal(message.Metadata)
		if err != nil {
			return nil, fmt.Errorf("encoding metadata: %w", err)
		}
	}

	content := emptyObject
	if len(message.Content) > 0 {
		if !json.Valid(message.Content) {
			return nil, fmt.Errorf("encoding content: invalid JSON")
		}
		content = message.Content
	}

	frames := make([][]byte, 0, 6+len(message.Buffers))
	frames = append(frames,
		Delimiter,
		sign(key, header, parent, metadata, content),
		header, parent, metadata, content,
	)
	frames = append(frames, message.Buffers...)
	return frames, nil
}

// Decode parses frames into a Message, verifying the signature with
// key. Routing identity frames before the delimiter are ignored.
func Decode(frames [][]byte, key []byte) (*Message, error) {
	delimiterIndex := -1
	for index, frame := range frames {
		if bytes.Equal(frame, Delimiter) {
			delimiterIndex = index
			break
		}
	}
	if delimiterIndex < 0 {
		return nil, &MalformedError{Part: "frames", Err: errors.New("missing <IDS|MSG> delimiter")}
	}

	body := frames[delimiterIndex+1:]
	if len(body) < 5 {
		return nil, &MalformedError{Part: "frames", Err: fmt.Errorf("%d frames after delimiter, need at least 5", len(body))}
	}
	signature := body[0]
	header, parent, metadata, content := body[1], body[2], body[3], body[4]

	if len(key) > 0 && !verify(key, signature, header, parent, metadata, content) {
		return nil, ErrInvalidSignature
	}

	message := &Message{}
	if err := json.Unmarshal(header, &message.Header); err != nil {
		return nil, &MalformedError{Part: "header", Err: err}
	}

	var parentHeader Header
	if err := json.Unmarshal(parent, &parentHeader); err != nil {
		return nil, &MalformedError{Part: "parent_header", Err: err}
	}
	if !parentHeader.IsZero() {
		message.ParentHeader = &parentHeader
	}

	if err := json.Unmarshal(metadata, &message.Metadata); err != nil {
		return nil, &MalformedError{Part: "metadata", Err: err}
	}
	if message.Metadata == nil {
		message.Metadata = map[string]any{}
	}

	if !json.Valid(content) {
		return nil, &MalformedError{Part: "content", Err: errors.New("invalid JSON")}
	}
	message.Content = json.RawMessage(bytes.Clone(content))

	if buffers := body[5:]; len(buffers) > 0 {
		message.Buffers = buffers
	}
	return message, nil
}

// sign returns the hex HMAC-SHA256 of parts, or an empty frame when
// key is empty.
func sign(key []byte, parts ...[]byte) []byte {
	if len(key) == 0 {
		return []byte{}
	}
	mac := hmac.New(sha256.New, key)
	for _, part := range parts {
		mac.Write(part)
	}
	sum := mac.Sum(nil)
	encoded := make([]byte, hex.EncodedLen(len(sum)))
	hex.Encode(encoded, sum)
	return encoded
}

// verify compares signature against the expected hex HMAC in constant
// time. The comparison is over the hex text, so a case-altered
// signature does not match.
func verify(key, signature []byte, parts ...[]byte) bool {
	return subtle.ConstantTimeCompare(sign(key, parts...), signature) == 1
}
