// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"context"
	"fmt"
	"sync"
)

// Pipe is an in-memory Transport. Every endpoint it opens is announced
// on Opened so that a test can play the kernel: read what the client
// sent with PipeEndpoint.Sent and inject replies with Deliver.
type Pipe struct {
	mu        sync.Mutex
	dialFail  map[Kind]error
	sendFail  map[Kind]error
	endpoints map[Kind]*PipeEndpoint
	opened    chan *PipeEndpoint
}

// NewPipe creates a Pipe. Opened is buffered generously; tests that
// open more endpoints than that without draining Opened will block.
func NewPipe() *Pipe {
	return &Pipe{
		dialFail:  make(map[Kind]error),
		sendFail:  make(map[Kind]error),
		endpoints: make(map[Kind]*PipeEndpoint),
		opened:    make(chan *PipeEndpoint, 256),
	}
}

// FailDial makes subsequent dials on kind return err. A nil err clears
// the failure.
func (p *Pipe) FailDial(kind Kind, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.dialFail, kind)
		return
	}
	p.dialFail[kind] = err
}

// FailSend makes sends on endpoints of kind return err, including
// endpoints already open. A nil err clears the failure.
func (p *Pipe) FailSend(kind Kind, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.sendFail, kind)
		return
	}
	p.sendFail[kind] = err
}

// Opened delivers each endpoint once it has been dialed.
func (p *Pipe) Opened() <-chan *PipeEndpoint { return p.opened }

// Endpoint returns the most recently dialed endpoint of kind, or nil.
func (p *Pipe) Endpoint(kind Kind) *PipeEndpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.endpoints[kind]
}

func (p *Pipe) Open(ctx context.Context, kind Kind, identity []byte) (Endpoint, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, kind)
	}
	return &PipeEndpoint{
		Kind:     kind,
		Identity: append([]byte(nil), identity...),
		pipe:     p,
		sent:     make(chan [][]byte, 256),
		inbound:  make(chan [][]byte, 256),
		closed:   make(chan struct{}),
	}, nil
}

func (p *Pipe) sendError(kind Kind) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sendFail[kind]
}

// PipeEndpoint is the in-memory endpoint of one channel.
type PipeEndpoint struct {
	Kind     Kind
	Identity []byte

	pipe *Pipe

	mu      sync.Mutex
	address string

	sent      chan [][]byte
	inbound   chan [][]byte
	closeOnce sync.Once
	closed    chan struct{}
}

// Address returns the dialed address.
func (e *PipeEndpoint) Address() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.address
}

func (e *PipeEndpoint) Dial(ctx context.Context, address string) error {
	e.pipe.mu.Lock()
	err := e.pipe.dialFail[e.Kind]
	if err == nil {
		e.pipe.endpoints[e.Kind] = e
	}
	e.pipe.mu.Unlock()
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.address = address
	e.mu.Unlock()

	select {
	case e.pipe.opened <- e:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (e *PipeEndpoint) Send(frames [][]byte) error {
	if err := e.pipe.sendError(e.Kind); err != nil {
		return err
	}
	select {
	case <-e.closed:
		return ErrDisposed
	default:
	}
	copied := make([][]byte, len(frames))
	for index, frame := range frames {
		copied[index] = append([]byte(nil), frame...)
	}
	select {
	case e.sent <- copied:
		return nil
	case <-e.closed:
		return ErrDisposed
	}
}

func (e *PipeEndpoint) Recv() ([][]byte, error) {
	select {
	case frames := <-e.inbound:
		return frames, nil
	case <-e.closed:
		return nil, ErrDisposed
	}
}

func (e *PipeEndpoint) Close() error {
	e.closeOnce.Do(func() { close(e.closed) })
	return nil
}

// Sent delivers every payload the client sent on this endpoint.
func (e *PipeEndpoint) Sent() <-chan [][]byte { return e.sent }

// Deliver injects a payload as if the kernel had sent it. It returns
// false if the endpoint is closed.
func (e *PipeEndpoint) Deliver(frames [][]byte) bool {
	select {
	case <-e.closed:
		return false
	default:
	}
	select {
	case e.inbound <- frames:
		return true
	case <-e.closed:
		return false
	}
}

// Closed is closed when the client closes the endpoint.
func (e *PipeEndpoint) Closed() <-chan struct{} { return e.closed }
