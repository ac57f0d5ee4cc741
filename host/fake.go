// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package host

import (
	"context"
	"fmt"
	"sync"
	"syscall"

	"github.com/bureau-foundation/kernelhost/lib/process"
)

// Fake is an in-memory Host for tests. Launched processes run until
// the test calls Exit or the process is disposed.
type Fake struct {
	mu        sync.Mutex
	nextPID   int
	processes map[string]*fakeProcess
	launches  []LaunchSpec
	disposed  []string
	signals   []syscall.Signal
	launchErr error
	listErr   error

	launched chan Process
}

type fakeProcess struct {
	Process
	exited chan struct{}
}

// NewFake creates an empty Fake. Launched delivers each launch.
func NewFake() *Fake {
	return &Fake{
		nextPID:   1000,
		processes: make(map[string]*fakeProcess),
		launched:  make(chan Process, 64),
	}
}

// Add registers a process as if a previous supervisor had launched it.
func (f *Fake) Add(managed Process) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry := &fakeProcess{Process: managed, exited: make(chan struct{})}
	if managed.Exited {
		close(entry.exited)
	}
	f.processes[managed.ID] = entry
}

// FailLaunch makes subsequent launches return err. Nil clears it.
func (f *Fake) FailLaunch(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launchErr = err
}

// FailList makes ListManaged return err. Nil clears it.
func (f *Fake) FailList(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listErr = err
}

// Launched delivers every successfully launched process.
func (f *Fake) Launched() <-chan Process { return f.launched }

// Launches returns every spec passed to Launch, including failed ones.
func (f *Fake) Launches() []LaunchSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]LaunchSpec(nil), f.launches...)
}

// Disposed returns the ids passed to Dispose, in order.
func (f *Fake) Disposed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.disposed...)
}

// Signals returns the signals delivered through Signal, in order.
func (f *Fake) Signals() []syscall.Signal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]syscall.Signal(nil), f.signals...)
}

// Exit ends the process with status, releasing any Wait.
func (f *Fake) Exit(id string, status ExitStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exitLocked(id, status)
}

func (f *Fake) exitLocked(id string, status ExitStatus) {
	entry, ok := f.processes[id]
	if !ok || entry.Exited {
		return
	}
	entry.Exited = true
	entry.Exit = status
	close(entry.exited)
}

func (f *Fake) Launch(ctx context.Context, spec LaunchSpec) (Process, error) {
	f.mu.Lock()
	f.launches = append(f.launches, spec)
	if f.launchErr != nil {
		err := f.launchErr
		f.mu.Unlock()
		return Process{}, err
	}
	id := DefaultPrefix + SanitizeName(spec.Name)
	if existing, ok := f.processes[id]; ok && !existing.Exited {
		f.mu.Unlock()
		return Process{}, fmt.Errorf("terminal %s is already running a process", id)
	}
	f.nextPID++
	managed := Process{ID: id, Name: id, PID: f.nextPID}
	f.processes[id] = &fakeProcess{Process: managed, exited: make(chan struct{})}
	f.mu.Unlock()

	f.launched <- managed
	return managed, nil
}

func (f *Fake) ListManaged(ctx context.Context) ([]Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	result := make([]Process, 0, len(f.processes))
	for _, entry := range f.processes {
		result = append(result, entry.Process)
	}
	return result, nil
}

func (f *Fake) Wait(ctx context.Context, id string) (ExitStatus, error) {
	f.mu.Lock()
	entry, ok := f.processes[id]
	f.mu.Unlock()
	if !ok {
		return ExitStatus{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	select {
	case <-entry.exited:
		f.mu.Lock()
		defer f.mu.Unlock()
		return entry.Exit, nil
	case <-ctx.Done():
		return ExitStatus{}, ctx.Err()
	}
}

func (f *Fake) Signal(ctx context.Context, id string, sig syscall.Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.processes[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	f.signals = append(f.signals, sig)
	return nil
}

// Dispose kills the process (SIGKILL) and forgets the terminal.
func (f *Fake) Dispose(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disposed = append(f.disposed, id)
	f.exitLocked(id, process.FromSignal(syscall.SIGKILL))
	delete(f.processes, id)
	return nil
}
