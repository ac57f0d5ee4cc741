// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ProtocolVersion is the messaging protocol version stamped on every
// outgoing header.
const ProtocolVersion = "5.0"

// Header identifies one message. Date is the ISO-8601 generation time,
// kept as the string the sender produced.
type Header struct {
	MessageID   string `json:"msg_id"`
	MessageType string `json:"msg_type"`
	Version     string `json:"version"`
	Date        string `json:"date"`
	Session     string `json:"session"`
	Username    string `json:"username"`
}

// IsZero reports whether h is the empty header used for parentless
// messages.
func (h Header) IsZero() bool {
	return h == Header{}
}

// Time parses Date. Kernels emit RFC 3339 timestamps with or without a
// zone; a zoneless timestamp is taken as UTC.
func (h Header) Time() (time.Time, error) {
	if parsed, err := time.Parse(time.RFC3339Nano, h.Date); err == nil {
		return parsed, nil
	}
	return time.ParseInLocation("2006-01-02T15:04:05.999999999", h.Date, time.UTC)
}

// Message is one protocol message.
type Message struct {
	Header Header

	// ParentHeader is the header of the message this one replies to or
	// was caused by. Nil for originating requests; encoded as {}.
	ParentHeader *Header

	// Metadata is never nil after Decode.
	Metadata map[string]any

	// Content is the msg_type-specific payload, kept as raw JSON so
	// that decoding is lazy and re-encoding is byte-exact. Use
	// DecodeContent to read it into one of the content types.
	Content json.RawMessage

	// Buffers are raw binary attachments, in order.
	Buffers [][]byte
}

// ParentID returns the parent's msg_id, or "" for a parentless message.
func (m *Message) ParentID() string {
	if m.ParentHeader == nil {
		return ""
	}
	return m.ParentHeader.MessageID
}

// DecodeContent unmarshals Content into v.
func (m *Message) DecodeContent(v any) error {
	if len(m.Content) == 0 {
		return fmt.Errorf("%s message has no content", m.Header.MessageType)
	}
	if err := json.Unmarshal(m.Content, v); err != nil {
		return fmt.Errorf("decoding %s content: %w", m.Header.MessageType, err)
	}
	return nil
}

// Builder creates outgoing messages for one session.
type Builder struct {
	// Session is stamped into every header. It must equal the session
	// descriptor's SessionID.
	Session string

	// Username is informational; kernels echo it back.
	Username string

	// Now supplies the header date. Defaults to time.Now.
	Now func() time.Time
}

// New builds a message of msgType with content marshaled to JSON and a
// fresh msg_id. parent may be nil.
func (b Builder) New(msgType string, content any, parent *Header) (*Message, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s content: %w", msgType, err)
	}
	now := time.Now
	if b.Now != nil {
		now = b.Now
	}
	return &Message{
		Header: Header{
			MessageID:   uuid.NewString(),
			MessageType: msgType,
			Version:     ProtocolVersion,
			Date:        now().UTC().Format(time.RFC3339Nano),
			Session:     b.Session,
			Username:    b.Username,
		},
		ParentHeader: parent,
		Metadata:     map[string]any{},
		Content:      raw,
	}, nil
}
