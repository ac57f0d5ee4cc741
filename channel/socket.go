// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bureau-foundation/kernelhost/lib/netutil"
)

// Endpoint is one connected transport socket. Recv blocks until a
// payload arrives or the endpoint is closed; after Close it returns an
// error.
type Endpoint interface {
	Dial(ctx context.Context, address string) error
	Send(frames [][]byte) error
	Recv() ([][]byte, error)
	Close() error
}

// Transport opens endpoints of the socket type appropriate for kind.
// identity is the routing identity to present to the peer; empty
// means the transport chooses one.
type Transport interface {
	Open(ctx context.Context, kind Kind, identity []byte) (Endpoint, error)
}

// Handler receives every inbound payload on a socket. It is called
// from the socket's receive goroutine and must not block for long.
type Handler func(kind Kind, frames [][]byte)

// SocketConfig configures a Socket.
type SocketConfig struct {
	Kind      Kind
	Transport Transport

	// Scheme and IP form the dial address with the port passed to
	// Connect: "<scheme>://<ip>:<port>". Default "tcp" and
	// "127.0.0.1".
	Scheme string
	IP     string

	Handler Handler
	Logger  *slog.Logger
}

// Socket is one kernel channel. Safe for concurrent use.
type Socket struct {
	kind      Kind
	transport Transport
	scheme    string
	ip        string
	handler   Handler
	logger    *slog.Logger

	mu       sync.Mutex
	identity []byte
	endpoint Endpoint
	disposed bool

	receiving sync.WaitGroup
}

// NewSocket creates an unconnected socket.
func NewSocket(config SocketConfig) *Socket {
	scheme := config.Scheme
	if scheme == "" {
		scheme = "tcp"
	}
	ip := config.IP
	if ip == "" {
		ip = "127.0.0.1"
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	handler := config.Handler
	if handler == nil {
		handler = func(Kind, [][]byte) {}
	}
	return &Socket{
		kind:      config.Kind,
		transport: config.Transport,
		scheme:    scheme,
		ip:        ip,
		handler:   handler,
		logger:    logger.With("channel", config.Kind.String()),
	}
}

// Kind returns the socket's channel.
func (s *Socket) Kind() Kind { return s.kind }

// SetIdentity sets the routing identity presented on Connect. It has
// no effect once the socket is connected.
func (s *Socket) SetIdentity(identity []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.endpoint != nil || s.disposed {
		return
	}
	s.identity = append([]byte(nil), identity...)
}

// Address returns the dial address for port.
func (s *Socket) Address(port uint16) string {
	return fmt.Sprintf("%s://%s:%d", s.scheme, s.ip, port)
}

// Connect opens the endpoint, dials port, and starts delivering
// inbound payloads to the handler. Failures return *ConnectionError.
func (s *Socket) Connect(ctx context.Context, port uint16) error {
	if !s.kind.Valid() {
		return &ConnectionError{Kind: s.kind, Err: ErrUnknownChannel}
	}
	address := s.Address(port)

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return &ConnectionError{Kind: s.kind, Address: address, Err: ErrDisposed}
	}
	if s.endpoint != nil {
		s.mu.Unlock()
		return &ConnectionError{Kind: s.kind, Address: address, Err: fmt.Errorf("already connected")}
	}
	identity := s.identity
	s.mu.Unlock()

	endpoint, err := s.transport.Open(ctx, s.kind, identity)
	if err != nil {
		return &ConnectionError{Kind: s.kind, Address: address, Err: err}
	}
	if err := endpoint.Dial(ctx, address); err != nil {
		endpoint.Close()
		return &ConnectionError{Kind: s.kind, Address: address, Err: err}
	}

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		endpoint.Close()
		return &ConnectionError{Kind: s.kind, Address: address, Err: ErrDisposed}
	}
	s.endpoint = endpoint
	s.receiving.Add(1)
	s.mu.Unlock()

	go s.receive(endpoint)
	s.logger.Debug("channel connected", "address", address)
	return nil
}

func (s *Socket) receive(endpoint Endpoint) {
	defer s.receiving.Done()
	for {
		frames, err := endpoint.Recv()
		if err != nil {
			s.mu.Lock()
			disposed := s.disposed
			s.mu.Unlock()
			if !disposed && !netutil.IsExpectedCloseError(err) {
				s.logger.Warn("channel receive failed", "error", err)
			}
			return
		}
		s.handler(s.kind, frames)
	}
}

// Send writes one multi-frame payload.
func (s *Socket) Send(frames [][]byte) error {
	s.mu.Lock()
	endpoint, disposed := s.endpoint, s.disposed
	s.mu.Unlock()
	if disposed {
		return ErrDisposed
	}
	if endpoint == nil {
		return &SendError{Kind: s.kind, Err: ErrNotConnected}
	}
	if err := endpoint.Send(frames); err != nil {
		return &SendError{Kind: s.kind, Err: err}
	}
	return nil
}

// Dispose closes the endpoint and waits for the receive goroutine to
// exit. Safe to call more than once.
func (s *Socket) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	endpoint := s.endpoint
	s.endpoint = nil
	s.mu.Unlock()

	if endpoint != nil {
		if err := endpoint.Close(); err != nil && !netutil.IsExpectedCloseError(err) {
			s.logger.Debug("closing channel endpoint", "error", err)
		}
	}
	s.receiving.Wait()
}
