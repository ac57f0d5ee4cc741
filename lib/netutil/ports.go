// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package netutil

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/bureau-foundation/kernelhost/lib/clock"
)

// Ephemeral port range (IANA dynamic/private ports).
const (
	EphemeralPortMin = 49152
	EphemeralPortMax = 65535
)

// DefaultReservationTTL is how long a returned port stays reserved
// against other allocations in this process. The caller normally binds
// (or hands the port to a kernel that binds) well within this window.
const DefaultReservationTTL = 30 * time.Second

// ErrNoPortAvailable is returned when every attempt produced a port
// that was excluded, reserved, or already bound.
var ErrNoPortAvailable = errors.New("no port available")

// PortAllocatorConfig configures a PortAllocator. Zero values select
// production behavior.
type PortAllocatorConfig struct {
	// Clock drives reservation expiry. Defaults to clock.Real().
	Clock clock.Clock

	// ReservationTTL defaults to DefaultReservationTTL.
	ReservationTTL time.Duration

	// Candidate produces the next port to try. Defaults to a uniform
	// pick from the ephemeral range.
	Candidate func() uint16

	// Bindable reports whether the port can currently be bound on the
	// loopback interface. Defaults to a listen-and-close probe.
	Bindable func(port uint16) bool
}

// PortAllocator finds free local TCP ports. Ports it returns are
// reserved in-process for ReservationTTL, so concurrent callers never
// receive the same port from the same allocator. Another process can
// still bind a port between the probe and its use; that window is
// inherent to port allocation.
type PortAllocator struct {
	mu       sync.Mutex
	reserved map[uint16]time.Time

	clock     clock.Clock
	ttl       time.Duration
	candidate func() uint16
	bindable  func(port uint16) bool
}

// NewPortAllocator returns an allocator with the given configuration.
func NewPortAllocator(config PortAllocatorConfig) *PortAllocator {
	allocator := &PortAllocator{
		reserved:  make(map[uint16]time.Time),
		clock:     config.Clock,
		ttl:       config.ReservationTTL,
		candidate: config.Candidate,
		bindable:  config.Bindable,
	}
	if allocator.clock == nil {
		allocator.clock = clock.Real()
	}
	if allocator.ttl <= 0 {
		allocator.ttl = DefaultReservationTTL
	}
	if allocator.candidate == nil {
		allocator.candidate = randomEphemeralPort
	}
	if allocator.bindable == nil {
		allocator.bindable = loopbackBindable
	}
	return allocator
}

var defaultAllocator = NewPortAllocator(PortAllocatorConfig{})

// FindAvailablePort allocates from the process-wide default allocator.
func FindAvailablePort(excluded map[uint16]struct{}, attempts int) (uint16, error) {
	return defaultAllocator.FindAvailablePort(excluded, attempts)
}

// DefaultPortAllocator returns the process-wide allocator used by
// FindAvailablePort.
func DefaultPortAllocator() *PortAllocator {
	return defaultAllocator
}

// FindAvailablePort tries up to attempts candidates and returns the
// first that is not in excluded, not reserved by an earlier call, and
// bindable. The returned port is reserved until Release or the TTL
// expires.
func (a *PortAllocator) FindAvailablePort(excluded map[uint16]struct{}, attempts int) (uint16, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.expireLocked()
	for range attempts {
		port := a.candidate()
		if port == 0 {
			continue
		}
		if _, skip := excluded[port]; skip {
			continue
		}
		if _, taken := a.reserved[port]; taken {
			continue
		}
		if !a.bindable(port) {
			continue
		}
		a.reserved[port] = a.clock.Now().Add(a.ttl)
		return port, nil
	}
	return 0, fmt.Errorf("%w after %d attempts", ErrNoPortAvailable, attempts)
}

// Release drops the in-process reservation for port.
func (a *PortAllocator) Release(port uint16) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.reserved, port)
}

func (a *PortAllocator) expireLocked() {
	now := a.clock.Now()
	for port, expiry := range a.reserved {
		if !now.Before(expiry) {
			delete(a.reserved, port)
		}
	}
}

func randomEphemeralPort() uint16 {
	return uint16(EphemeralPortMin + rand.IntN(EphemeralPortMax-EphemeralPortMin+1))
}

func loopbackBindable(port uint16) bool {
	listener, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(int(port))))
	if err != nil {
		return false
	}
	listener.Close()
	return true
}
