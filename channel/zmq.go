// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"
)

// ZMQ is the ZeroMQ transport.
type ZMQ struct {
	// DialRetry is the interval between dial attempts while the kernel
	// has not bound its ports yet. Default 250ms.
	DialRetry time.Duration

	// DialMaxRetries bounds dial attempts. Default 40 (ten seconds at
	// the default interval).
	DialMaxRetries int
}

// Open creates the socket type for kind: DEALER for control, shell
// and stdin, SUB for iopub, REQ for heartbeat.
func (z ZMQ) Open(ctx context.Context, kind Kind, identity []byte) (Endpoint, error) {
	retry := z.DialRetry
	if retry <= 0 {
		retry = 250 * time.Millisecond
	}
	maxRetries := z.DialMaxRetries
	if maxRetries <= 0 {
		maxRetries = 40
	}
	options := []zmq4.Option{
		zmq4.WithDialerRetry(retry),
		zmq4.WithDialerMaxRetries(maxRetries),
	}
	if len(identity) > 0 {
		options = append(options, zmq4.WithID(zmq4.SocketIdentity(identity)))
	}

	// The socket outlives the Open call; its context is cancelled by
	// Close rather than by the caller.
	socketContext, cancel := context.WithCancel(context.WithoutCancel(ctx))

	var socket zmq4.Socket
	switch kind {
	case Control, Shell, Stdin:
		socket = zmq4.NewDealer(socketContext, options...)
	case IOPub:
		socket = zmq4.NewSub(socketContext, options...)
	case Heartbeat:
		socket = zmq4.NewReq(socketContext, options...)
	default:
		cancel()
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, kind)
	}

	endpoint := &zmqEndpoint{
		kind:   kind,
		socket: socket,
		cancel: cancel,
		closed: make(chan struct{}),
	}
	if kind == Heartbeat {
		endpoint.outstanding = make(chan struct{}, 1)
	}
	return endpoint, nil
}

type zmqEndpoint struct {
	kind   Kind
	socket zmq4.Socket
	cancel context.CancelFunc

	// outstanding gates Recv on a REQ socket: one receive per send.
	outstanding chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

func (e *zmqEndpoint) Dial(ctx context.Context, address string) error {
	done := make(chan error, 1)
	go func() { done <- e.socket.Dial(address) }()

	select {
	case err := <-done:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		e.Close()
		<-done
		return ctx.Err()
	}

	if e.kind == IOPub {
		if err := e.socket.SetOption(zmq4.OptionSubscribe, ""); err != nil {
			return fmt.Errorf("subscribing to all topics: %w", err)
		}
	}
	return nil
}

func (e *zmqEndpoint) Send(frames [][]byte) error {
	select {
	case <-e.closed:
		return ErrDisposed
	default:
	}
	if err := e.socket.SendMulti(zmq4.NewMsgFrom(frames...)); err != nil {
		return err
	}
	if e.outstanding != nil {
		select {
		case e.outstanding <- struct{}{}:
		default:
		}
	}
	return nil
}

func (e *zmqEndpoint) Recv() ([][]byte, error) {
	if e.outstanding != nil {
		select {
		case <-e.outstanding:
		case <-e.closed:
			return nil, ErrDisposed
		}
	}
	message, err := e.socket.Recv()
	if err != nil {
		select {
		case <-e.closed:
			return nil, ErrDisposed
		default:
		}
		return nil, err
	}
	return message.Frames, nil
}

func (e *zmqEndpoint) Close() error {
	e.closeOnce.Do(func() {
		close(e.closed)
		e.closeErr = e.socket.Close()
		e.cancel()
	})
	return e.closeErr
}
