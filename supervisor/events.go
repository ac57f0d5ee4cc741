// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/kernelhost/channel"
	"github.com/bureau-foundation/kernelhost/host"
)

// DefaultSubscriptionBuffer is used when a subscriber asks for a
// buffer of zero or less.
const DefaultSubscriptionBuffer = 64

// StateEvent reports a state transition.
type StateEvent struct {
	State    State
	Previous State
	Time     time.Time

	// Exit is set on the transition to Exited.
	Exit *host.ExitStatus

	// Err is set on the transition to StartFailed.
	Err error
}

// MessageEvent is one inbound kernel message, or a synthetic error
// for an outbound request that could not be sent.
type MessageEvent struct {
	Channel     channel.Kind
	MessageID   string
	MessageType string
	Content     json.RawMessage
	Metadata    map[string]any
	Buffers     [][]byte

	// Timestamp is the sender's header date, or the local time when
	// the header date does not parse.
	Timestamp time.Time

	// OriginID is the msg_id of the request this message answers, or
	// "" for unsolicited messages.
	OriginID string
}

// LogEvent is one line of the kernel's log file.
type LogEvent struct {
	Line string
	Time time.Time
}

// Subscription receives events of one kind. Create with the
// supervisor's Subscribe methods.
type Subscription[T any] struct {
	events  chan T
	hub     *hub[T]
	dropped atomic.Uint64
}

// C delivers events. It is closed by Close or when the supervisor is
// disposed.
func (s *Subscription[T]) C() <-chan T { return s.events }

// Close unsubscribes and closes C. Safe to call more than once.
func (s *Subscription[T]) Close() { s.hub.remove(s) }

// Dropped returns how many events were discarded because C was full.
func (s *Subscription[T]) Dropped() uint64 { return s.dropped.Load() }

// hub fans events out to subscriptions without blocking the
// publisher.
type hub[T any] struct {
	name   string
	logger *slog.Logger

	mu            sync.Mutex
	subscriptions map[*Subscription[T]]struct{}
	closed        bool
}

func newHub[T any](name string, logger *slog.Logger) *hub[T] {
	return &hub[T]{
		name:          name,
		logger:        logger,
		subscriptions: make(map[*Subscription[T]]struct{}),
	}
}

func (h *hub[T]) subscribe(buffer int) *Subscription[T] {
	if buffer <= 0 {
		buffer = DefaultSubscriptionBuffer
	}
	subscription := &Subscription[T]{events: make(chan T, buffer), hub: h}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(subscription.events)
		return subscription
	}
	h.subscriptions[subscription] = struct{}{}
	return subscription
}

func (h *hub[T]) publish(event T) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for subscription := range h.subscriptions {
		select {
		case subscription.events <- event:
		default:
			dropped := subscription.dropped.Add(1)
			h.logger.Warn("subscriber buffer full, event dropped",
				"stream", h.name,
				"dropped", dropped,
			)
		}
	}
}

func (h *hub[T]) remove(subscription *Subscription[T]) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subscriptions[subscription]; !ok {
		return
	}
	delete(h.subscriptions, subscription)
	close(subscription.events)
}

// close closes every subscription; later subscriptions start closed.
func (h *hub[T]) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for subscription := range h.subscriptions {
		close(subscription.events)
	}
	clear(h.subscriptions)
}
