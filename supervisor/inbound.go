// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"errors"

	"github.com/bureau-foundation/kernelhost/channel"
	"github.com/bureau-foundation/kernelhost/wire"
)

// inboundHandler decodes payloads on the socket's receive goroutine
// and posts the result to the loop. Undecodable messages are dropped
// there and never reach the loop.
func (s *Supervisor) inboundHandler(sess *activeSession) channel.Handler {
	return func(kind channel.Kind, frames [][]byte) {
		if kind == channel.Heartbeat {
			s.post(func() {
				if s.session == sess {
					s.onHeartbeatReply(sess)
				}
			})
			return
		}

		message, err := wire.Decode(frames, sess.key)
		if err != nil {
			reason := "malformed"
			if errors.Is(err, wire.ErrInvalidSignature) {
				reason = "bad signature"
			}
			s.logger.Warn("dropping inbound message",
				"channel", kind.String(),
				"reason", reason,
				"error", err,
			)
			return
		}
		s.post(func() {
			if s.session == sess {
				s.onMessage(sess, kind, message)
			}
		})
	}
}

func (s *Supervisor) onMessage(sess *activeSession, kind channel.Kind, message *wire.Message) {
	switch message.Header.MessageType {
	case wire.TypeInputRequest:
		sess.pending[message.Header.MessageID] = message.Header
	case wire.TypeStatus:
		if kind == channel.IOPub {
			s.onStatus(message)
		}
	case wire.TypeKernelInfoReply:
		s.logKernelInfo(message)
	case wire.TypeShutdownReply:
		s.logger.Debug("kernel acknowledged shutdown")
	}
	s.messages.publish(s.messageEvent(kind, message))
}

// onStatus follows the kernel's busy/idle broadcasts. While Offline
// the status is remembered for recovery instead of applied.
func (s *Supervisor) onStatus(message *wire.Message) {
	var status wire.Status
	if err := message.DecodeContent(&status); err != nil {
		s.logger.Warn("ignoring malformed status message", "error", err)
		return
	}

	var next State
	switch status.ExecutionState {
	case wire.ExecutionBusy:
		next = Busy
	case wire.ExecutionIdle:
		next = Idle
	default:
		return
	}

	switch {
	case s.state == Offline:
		s.lastLive = next
	case s.state.Live():
		s.transition(next, nil, nil)
	}
}

func (s *Supervisor) logKernelInfo(message *wire.Message) {
	var info wire.KernelInfoReply
	if err := message.DecodeContent(&info); err != nil {
		s.logger.Warn("ignoring malformed kernel_info_reply", "error", err)
		return
	}
	s.logger.Info("kernel info",
		"implementation", info.Implementation,
		"implementation_version", info.ImplementationVersion,
		"protocol_version", info.ProtocolVersion,
		"language", info.LanguageInfo.Name,
		"language_version", info.LanguageInfo.Version,
	)
}

func (s *Supervisor) messageEvent(kind channel.Kind, message *wire.Message) MessageEvent {
	timestamp, err := message.Header.Time()
	if err != nil {
		timestamp = s.clock.Now()
	}
	return MessageEvent{
		Channel:     kind,
		MessageID:   message.Header.MessageID,
		MessageType: message.Header.MessageType,
		Content:     message.Content,
		Metadata:    message.Metadata,
		Buffers:     message.Buffers,
		Timestamp:   timestamp,
		OriginID:    message.ParentID(),
	}
}
