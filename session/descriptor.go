// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/bureau-foundation/kernelhost/channel"
	"github.com/bureau-foundation/kernelhost/lib/atomicfile"
	"github.com/bureau-foundation/kernelhost/lib/netutil"
)

// SignatureScheme is the only scheme kernels are asked to use.
const SignatureScheme = "hmac-sha256"

// defaultPortAttempts bounds candidate probes per port.
const defaultPortAttempts = 50

// Ports holds the five channel ports. Fixed for a session's lifetime.
type Ports struct {
	Control   uint16 `json:"control"`
	Shell     uint16 `json:"shell"`
	Stdin     uint16 `json:"stdin"`
	IOPub     uint16 `json:"iopub"`
	Heartbeat uint16 `json:"heartbeat"`
}

// For returns the port of kind, or 0 for an unknown kind.
func (p Ports) For(kind channel.Kind) uint16 {
	switch kind {
	case channel.Control:
		return p.Control
	case channel.Shell:
		return p.Shell
	case channel.Stdin:
		return p.Stdin
	case channel.IOPub:
		return p.IOPub
	case channel.Heartbeat:
		return p.Heartbeat
	default:
		return 0
	}
}

// Set returns the ports as a set, for excluding them from later
// allocations.
func (p Ports) Set() map[uint16]struct{} {
	set := make(map[uint16]struct{}, 5)
	for _, kind := range channel.Kinds {
		set[p.For(kind)] = struct{}{}
	}
	return set
}

// Descriptor is everything needed to connect to a running kernel.
type Descriptor struct {
	SessionID       string `json:"session_id"`
	SigningKey      string `json:"signing_key"`
	SignatureScheme string `json:"signature_scheme"`
	Transport       string `json:"transport"`
	IP              string `json:"ip"`
	Ports           Ports  `json:"ports"`

	ConnectionFilePath string `json:"connection_file"`
	LogFilePath        string `json:"log_file"`

	// ProcessID is the kernel's pid, 0 until the launch is observed.
	ProcessID int `json:"process_id,omitempty"`

	KernelName string `json:"kernel_name"`

	// TerminalName is the display name of the managed terminal hosting
	// the kernel process. Reconnect matches on it.
	TerminalName string `json:"terminal_name"`
}

// Key returns the signing key as bytes. Empty means unsigned.
func (d *Descriptor) Key() []byte {
	return []byte(d.SigningKey)
}

// Clone returns a copy that shares nothing with d.
func (d *Descriptor) Clone() *Descriptor {
	if d == nil {
		return nil
	}
	clone := *d
	return &clone
}

// PortAllocator hands out free ports. *netutil.PortAllocator
// satisfies it.
type PortAllocator interface {
	FindAvailablePort(excluded map[uint16]struct{}, attempts int) (uint16, error)
	Release(port uint16)
}

// Options configures New.
type Options struct {
	// Directory holds the connection file and kernel log. Created if
	// missing.
	Directory string

	KernelName   string
	TerminalName string

	// IP defaults to 127.0.0.1.
	IP string

	// Unsigned disables message signing (empty key).
	Unsigned bool

	// Ports defaults to the process-wide allocator.
	Ports PortAllocator

	// PortAttempts bounds probes per port. Default 50.
	PortAttempts int
}

// New creates a descriptor with a fresh session id, signing key and
// five ports, and writes its connection file.
func New(options Options) (*Descriptor, error) {
	if options.Directory == "" {
		return nil, errors.New("session directory is required")
	}
	if err := os.MkdirAll(options.Directory, 0o700); err != nil {
		return nil, fmt.Errorf("creating session directory: %w", err)
	}

	allocator := options.Ports
	if allocator == nil {
		allocator = netutil.DefaultPortAllocator()
	}
	attempts := options.PortAttempts
	if attempts <= 0 {
		attempts = defaultPortAttempts
	}
	ip := options.IP
	if ip == "" {
		ip = "127.0.0.1"
	}

	excluded := make(map[uint16]struct{}, 5)
	allocated := make([]uint16, 0, 5)
	releaseAll := func() {
		for _, port := range allocated {
			allocator.Release(port)
		}
	}
	for range channel.Kinds {
		port, err := allocator.FindAvailablePort(excluded, attempts)
		if err != nil {
			releaseAll()
			return nil, fmt.Errorf("allocating session ports: %w", err)
		}
		excluded[port] = struct{}{}
		allocated = append(allocated, port)
	}

	sessionID := uuid.NewString()
	key := ""
	if !options.Unsigned {
		key = uuid.NewString()
	}

	descriptor := &Descriptor{
		SessionID:       sessionID,
		SigningKey:      key,
		SignatureScheme: SignatureScheme,
		Transport:       "tcp",
		IP:              ip,
		Ports: Ports{
			Control:   allocated[0],
			Shell:     allocated[1],
			Stdin:     allocated[2],
			IOPub:     allocated[3],
			Heartbeat: allocated[4],
		},
		ConnectionFilePath: filepath.Join(options.Directory, "kernel-"+sessionID+".json"),
		LogFilePath:        filepath.Join(options.Directory, "kernel-"+sessionID+".log"),
		KernelName:         options.KernelName,
		TerminalName:       options.TerminalName,
	}

	if err := atomicfile.WriteJSON(descriptor.ConnectionFilePath, descriptor.ConnectionFile(), 0o600); err != nil {
		releaseAll()
		return nil, fmt.Errorf("writing connection file: %w", err)
	}
	return descriptor, nil
}

// DisposeOptions configures Dispose.
type DisposeOptions struct {
	// ArchiveDirectory, when set, receives a compressed copy of the
	// kernel log before it is removed.
	ArchiveDirectory string

	// ArchiveCodec selects the archive compression. Default zstd.
	ArchiveCodec ArchiveCodec

	// Ports, when set, has the session's port reservations released.
	Ports PortAllocator

	Logger *slog.Logger
}

// Dispose removes the connection file and the kernel log. Missing
// files are not an error. Archive failures are logged and the log is
// kept so that nothing is lost.
func (d *Descriptor) Dispose(options DisposeOptions) error {
	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	if options.Ports != nil {
		for _, kind := range channel.Kinds {
			options.Ports.Release(d.Ports.For(kind))
		}
	}

	var errs []error
	if err := atomicfile.Remove(d.ConnectionFilePath); err != nil {
		errs = append(errs, err)
	}

	removeLog := true
	if options.ArchiveDirectory != "" {
		archivePath, err := ArchiveLog(d.LogFilePath, options.ArchiveDirectory, options.ArchiveCodec)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			logger.Warn("archiving kernel log failed, keeping log",
				"session_id", d.SessionID,
				"log_file", d.LogFilePath,
				"error", err,
			)
			removeLog = false
		default:
			logger.Info("kernel log archived",
				"session_id", d.SessionID,
				"archive", archivePath,
			)
		}
	}
	if removeLog {
		if err := atomicfile.Remove(d.LogFilePath); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
