// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"github.com/bureau-foundation/kernelhost/channel"
	"github.com/bureau-foundation/kernelhost/lib/clock"
)

// heartbeatPayload is the probe sent on the heartbeat channel. Kernels
// echo whatever they receive.
var heartbeatPayload = [][]byte{[]byte("hello")}

// heartbeat is the per-session probe state. At most one probe is
// outstanding: the heartbeat socket is request/reply, so the next
// probe waits for the previous reply even when it arrives late.
type heartbeat struct {
	// sequence identifies the current probe; timer callbacks carrying
	// an older sequence are ignored.
	sequence uint64

	outstanding bool

	// late is set when the outstanding probe has timed out.
	late bool

	// handshake is set while the first probe of a start is in flight.
	handshake bool

	probeTimer   *clock.Timer
	timeoutTimer *clock.Timer
}

func (s *Supervisor) beginHandshake(sess *activeSession) {
	sess.heartbeat.handshake = true
	s.sendProbe(sess)
}

func (s *Supervisor) sendProbe(sess *activeSession) {
	beat := &sess.heartbeat
	beat.sequence++
	sequence := beat.sequence

	if err := sess.sockets[channel.Heartbeat].Send(heartbeatPayload); err != nil {
		if beat.handshake {
			s.failStart(sess, &StartError{Stage: StageHandshake, Err: err})
			return
		}
		// Left to the timeout below, like any unanswered probe.
		s.logger.Warn("sending heartbeat failed", "error", err)
	}
	beat.outstanding = true
	beat.late = false

	stopTimer(&beat.timeoutTimer)
	beat.timeoutTimer = s.clock.AfterFunc(s.heartbeatTimeout, func() {
		s.post(func() { s.onHeartbeatTimeout(sess, sequence) })
	})
}

func (s *Supervisor) scheduleProbe(sess *activeSession) {
	beat := &sess.heartbeat
	sequence := beat.sequence
	stopTimer(&beat.probeTimer)
	beat.probeTimer = s.clock.AfterFunc(s.heartbeatInterval, func() {
		s.post(func() {
			if s.session != sess || beat.sequence != sequence || beat.outstanding {
				return
			}
			beat.probeTimer = nil
			s.sendProbe(sess)
		})
	})
}

func (s *Supervisor) onHeartbeatReply(sess *activeSession) {
	beat := &sess.heartbeat
	if !beat.outstanding {
		s.logger.Debug("unexpected heartbeat reply")
		return
	}
	beat.outstanding = false
	stopTimer(&beat.timeoutTimer)

	switch {
	case beat.handshake:
		beat.handshake = false
		s.onHandshake(sess)
		if s.session != sess {
			return
		}
	case beat.late:
		// A reply to a probe that already timed out does not prove the
		// kernel is responsive now; the next probe decides.
		beat.late = false
		s.logger.Info("late heartbeat reply, probing resumes", "state", s.state.String())
	case s.state == Offline:
		s.logger.Info("heartbeat recovered", "state", s.lastLive.String())
		s.transition(s.lastLive, nil, nil)
	}
	s.scheduleProbe(sess)
}

func (s *Supervisor) onHeartbeatTimeout(sess *activeSession, sequence uint64) {
	beat := &sess.heartbeat
	if s.session != sess || beat.sequence != sequence || !beat.outstanding || beat.late {
		return
	}
	beat.timeoutTimer = nil

	if beat.handshake {
		s.failStart(sess, &StartError{Stage: StageHandshake, Err: ErrHeartbeatTimeout})
		return
	}
	beat.late = true
	s.logger.Warn("heartbeat timed out", "timeout", s.heartbeatTimeout, "state", s.state.String())
	if s.state.Live() {
		s.transition(Offline, nil, nil)
	}
}

func (s *Supervisor) stopHeartbeat(sess *activeSession) {
	beat := &sess.heartbeat
	stopTimer(&beat.probeTimer)
	stopTimer(&beat.timeoutTimer)
	beat.outstanding = false
	beat.handshake = false
	beat.sequence++
}
