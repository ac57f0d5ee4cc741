// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/bureau-foundation/kernelhost/channel"
	"github.com/bureau-foundation/kernelhost/host"
	"github.com/bureau-foundation/kernelhost/lib/clock"
	"github.com/bureau-foundation/kernelhost/lib/logtail"
	"github.com/bureau-foundation/kernelhost/session"
	"github.com/bureau-foundation/kernelhost/wire"
)

// captureLines is how much terminal output is logged when a launched
// kernel fails to start.
const captureLines = 40

// Backoff between host.Wait attempts after a host error. The process
// is only considered gone when the host reports an exit or no longer
// knows the terminal.
const (
	waitRetryInitial = 500 * time.Millisecond
	waitRetryMax     = 30 * time.Second
)

// activeSession is the loop-owned state of one kernel session, from
// descriptor creation (or adoption) until exit, failure or Dispose.
// Callbacks from helper goroutines compare their session pointer
// against Supervisor.session and drop stale results.
type activeSession struct {
	descriptor *session.Descriptor
	builder    wire.Builder
	key        []byte

	// process is zero until the launch is observed.
	process host.Process

	sockets   map[channel.Kind]*channel.Socket
	connected bool

	// pending maps input_request msg_id to its header.
	pending map[string]wire.Header

	heartbeat      heartbeat
	tailer         *logtail.Tailer
	languageServer *LanguageServer

	// start is set until the handshake completes or the attempt fails.
	start *startAttempt

	// ctx cancels this session's helper goroutines.
	ctx    context.Context
	cancel context.CancelFunc
}

type startAttempt struct {
	stage StartStage

	// reply is nil for reconnects, which have no caller.
	reply chan error

	// stopWatch detaches the caller's context.
	stopWatch func() bool
}

// finish delivers the attempt's outcome. Safe on a nil attempt.
func (a *startAttempt) finish(err error) {
	if a == nil {
		return
	}
	if a.stopWatch != nil {
		a.stopWatch()
	}
	if a.reply != nil {
		a.reply <- err
	}
}

type startRequest struct {
	ctx     context.Context
	reply   chan error
	retried bool
}

// Start launches a kernel and returns once it has answered the
// heartbeat handshake (state Ready) or the attempt has failed. From a
// state other than Uninitialized or Exited it does nothing, except
// while Initializing, where the call waits for the next transition:
// if that is back to Uninitialized the call is retried once,
// otherwise it fails with *AlreadyStartingError.
//
// Cancelling ctx before Ready fails the attempt and tears down the
// launched process. A queued call returns ctx's error without waiting
// for the transition.
func (s *Supervisor) Start(ctx context.Context) error {
	request := &startRequest{ctx: ctx, reply: make(chan error, 1)}
	if !s.post(func() { s.handleStart(request) }) {
		return ErrDisposed
	}
	cancelled := ctx.Done()
	for {
		select {
		case err := <-request.reply:
			return err
		case <-cancelled:
			// The loop still owns the reply: either the request is
			// queued and is dropped here, or the running attempt fails
			// itself on the same cancellation.
			cancelled = nil
			s.post(func() { s.dropQueuedStart(request) })
		case <-s.done:
			select {
			case err := <-request.reply:
				return err
			default:
				return ErrDisposed
			}
		}
	}
}

// dropQueuedStart answers a queued start whose caller has gone away.
func (s *Supervisor) dropQueuedStart(request *startRequest) {
	index := slices.Index(s.queuedStarts, request)
	if index < 0 {
		return
	}
	s.queuedStarts = slices.Delete(s.queuedStarts, index, index+1)
	request.reply <- request.ctx.Err()
}

func (s *Supervisor) handleStart(request *startRequest) {
	switch {
	case s.state == Initializing && request.retried:
		request.reply <- &AlreadyStartingError{State: s.state}
		return
	case s.state == Initializing:
		s.logger.Debug("start queued behind an initializing session")
		s.queuedStarts = append(s.queuedStarts, request)
		return
	case !s.state.canStart():
		s.logger.Info("start ignored, kernel already running", "state", s.state.String())
		request.reply <- nil
		return
	}
	if err := request.ctx.Err(); err != nil {
		request.reply <- err
		return
	}

	s.transition(Initializing, nil, nil)

	descriptor, err := session.New(session.Options{
		Directory:    s.sessionDirectory,
		KernelName:   s.kernel.Name,
		TerminalName: s.kernel.DisplayName,
		Ports:        s.ports,
	})
	if err != nil {
		startErr := &StartError{Stage: StageSession, Err: err}
		s.logger.Error("creating kernel session failed", "error", err)
		s.transition(StartFailed, nil, startErr)
		s.transition(Uninitialized, nil, nil)
		request.reply <- startErr
		return
	}

	sess := s.newSession(descriptor)
	sess.start = &startAttempt{stage: StageLaunch, reply: request.reply}
	sess.start.stopWatch = context.AfterFunc(request.ctx, func() {
		s.post(func() {
			if s.session == sess && sess.start != nil {
				s.failStart(sess, &StartError{Stage: sess.start.stage, Err: request.ctx.Err()})
			}
		})
	})
	s.logger.Info("launching kernel",
		"session_id", descriptor.SessionID,
		"kernel", s.kernel.Name,
		"connection_file", descriptor.ConnectionFilePath,
	)

	spec := host.LaunchSpec{
		Name: s.kernel.DisplayName,
		Argv: host.Substitute(s.kernel.Argv, map[string]string{
			host.VarConnectionFile: descriptor.ConnectionFilePath,
			host.VarLogFile:        descriptor.LogFilePath,
		}),
		Env: s.kernel.Env,
	}
	s.goBackground(func() {
		launched, err := s.host.Launch(sess.ctx, spec)
		s.post(func() { s.onLaunched(sess, launched, err) })
	})
}

func (s *Supervisor) newSession(descriptor *session.Descriptor) *activeSession {
	ctx, cancel := context.WithCancel(s.ctx)
	sess := &activeSession{
		descriptor: descriptor,
		builder: wire.Builder{
			Session:  descriptor.SessionID,
			Username: s.username,
			Now:      s.clock.Now,
		},
		key:     descriptor.Key(),
		pending: make(map[string]wire.Header),
		ctx:     ctx,
		cancel:  cancel,
	}

	// Shell, control and stdin share one routing identity; kernels
	// route input_request to the stdin socket of the shell caller.
	identity := []byte(uuid.NewString())
	sess.sockets = make(map[channel.Kind]*channel.Socket, len(channel.Kinds))
	for _, kind := range channel.Kinds {
		socket := channel.NewSocket(channel.SocketConfig{
			Kind:      kind,
			Transport: s.transport,
			Scheme:    descriptor.Transport,
			IP:        descriptor.IP,
			Handler:   s.inboundHandler(sess),
			Logger:    s.logger,
		})
		switch kind {
		case channel.Shell, channel.Control, channel.Stdin:
			socket.SetIdentity(identity)
		}
		sess.sockets[kind] = socket
	}

	s.session = sess
	s.publishSnapshot()
	return sess
}

func (s *Supervisor) onLaunched(sess *activeSession, launched host.Process, err error) {
	if s.session != sess {
		if err == nil && !s.disposed {
			// The attempt was abandoned while the launch was in flight.
			s.disposeProcess(launched.ID)
		}
		return
	}
	if err != nil {
		s.failStart(sess, &StartError{Stage: StageLaunch, Err: err})
		return
	}

	sess.process = launched
	sess.descriptor.ProcessID = launched.PID
	sess.descriptor.TerminalName = launched.Name
	s.publishSnapshot()
	if err := s.store.Set(s.ctx, s.runtimeID, sess.descriptor.Clone()); err != nil {
		s.logger.Error("persisting kernel session failed", "session_id", sess.descriptor.SessionID, "error", err)
	}
	s.logger.Info("kernel process running",
		"session_id", sess.descriptor.SessionID,
		"pid", launched.PID,
		"terminal", launched.Name,
	)

	s.transition(Starting, nil, nil)
	s.beginStarting(sess)
}

// beginStarting runs the steps shared by launch and reconnect once the
// process is known: exit watching, log tailing, and connecting.
func (s *Supervisor) beginStarting(sess *activeSession) {
	s.watchExit(sess)
	s.tailLog(sess)

	sess.start.stage = StageConnect
	ports := sess.descriptor.Ports
	s.goBackground(func() {
		group, ctx := errgroup.WithContext(sess.ctx)
		for _, kind := range channel.Kinds {
			socket := sess.sockets[kind]
			port := ports.For(kind)
			group.Go(func() error {
				return socket.Connect(ctx, port)
			})
		}
		err := group.Wait()
		s.post(func() { s.onConnected(sess, err) })
	})
}

func (s *Supervisor) onConnected(sess *activeSession, err error) {
	if s.session != sess || sess.start == nil {
		return
	}
	if err != nil {
		s.failStart(sess, &StartError{Stage: StageConnect, Err: err})
		return
	}
	sess.connected = true
	sess.start.stage = StageHandshake
	s.logger.Debug("kernel channels connected", "session_id", sess.descriptor.SessionID)
	s.beginHandshake(sess)
}

// onHandshake completes a start: the kernel answered its first
// heartbeat.
func (s *Supervisor) onHandshake(sess *activeSession) {
	start := sess.start
	sess.start = nil
	s.transition(Ready, nil, nil)
	start.finish(nil)

	if _, err := s.requestKernelInfo(sess); err != nil {
		s.logger.Warn("requesting kernel info failed", "error", err)
	}
	s.openLanguageServer(sess)
}

// failStart abandons a start or reconnect attempt: StartFailed, full
// cleanup including the launched process and the stored descriptor,
// then Uninitialized.
func (s *Supervisor) failStart(sess *activeSession, err *StartError) {
	if s.session != sess {
		return
	}
	start := sess.start
	sess.start = nil

	s.logger.Error("kernel start failed",
		"session_id", sess.descriptor.SessionID,
		"stage", string(err.Stage),
		"error", err.Err,
	)
	s.transition(StartFailed, nil, err)
	s.captureOutput(sess.process.ID)
	s.teardownSession(sess, teardownOptions{
		disposeProcess:    true,
		deleteStored:      true,
		disposeDescriptor: true,
	})
	s.transition(Uninitialized, nil, nil)
	start.finish(err)
}

func (s *Supervisor) resolveQueuedStarts(next State) {
	queued := s.queuedStarts
	s.queuedStarts = nil
	for _, request := range queued {
		if next == Uninitialized && !request.retried {
			request.retried = true
			s.post(func() { s.handleStart(request) })
			continue
		}
		request.reply <- &AlreadyStartingError{State: next}
	}
}

// reconnectScan runs from New, before the loop starts. It adopts the
// stored session's process if the host still manages it, and tears
// down any other terminal of the same name.
func (s *Supervisor) reconnectScan(ctx context.Context) {
	stored, err := s.store.Get(ctx, s.runtimeID)
	if errors.Is(err, session.ErrNotFound) {
		return
	}
	if err != nil {
		s.logger.Warn("reading persisted kernel session failed", "error", err)
		return
	}

	s.transition(Initializing, nil, nil)

	processes, err := s.host.ListManaged(ctx)
	if err != nil {
		s.logger.Warn("listing managed kernels failed, not reconnecting", "error", err)
		s.transition(Uninitialized, nil, nil)
		return
	}

	var match *host.Process
	for _, candidate := range processes {
		if candidate.Name != stored.TerminalName {
			continue
		}
		if stored.ProcessID != 0 && candidate.PID == stored.ProcessID && !candidate.Exited {
			match = &candidate
			continue
		}
		s.logger.Info("disposing stale kernel terminal",
			"terminal", candidate.Name,
			"pid", candidate.PID,
			"expected_pid", stored.ProcessID,
		)
		if err := s.host.Dispose(ctx, candidate.ID); err != nil {
			s.logger.Warn("disposing stale kernel terminal failed", "terminal", candidate.Name, "error", err)
		}
	}

	if match == nil {
		s.logger.Info("persisted kernel not found, discarding session",
			"session_id", stored.SessionID,
			"pid", stored.ProcessID,
			"terminal", stored.TerminalName,
		)
		if err := s.store.Delete(ctx, s.runtimeID); err != nil && !errors.Is(err, session.ErrNotFound) {
			s.logger.Warn("deleting persisted kernel session failed", "error", err)
		}
		if err := stored.Dispose(s.descriptorDisposeOptions()); err != nil {
			s.logger.Warn("removing stale session files failed", "error", err)
		}
		s.transition(Uninitialized, nil, nil)
		return
	}

	s.logger.Info("reconnecting to running kernel",
		"session_id", stored.SessionID,
		"pid", match.PID,
		"terminal", match.Name,
	)
	sess := s.newSession(stored)
	sess.process = *match
	sess.start = &startAttempt{stage: StageConnect}
	s.post(func() {
		if s.session != sess {
			return
		}
		s.transition(Starting, nil, nil)
		s.beginStarting(sess)
	})
}

func (s *Supervisor) watchExit(sess *activeSession) {
	id := sess.process.ID
	s.goBackground(func() {
		delay := waitRetryInitial
		for {
			status, err := s.host.Wait(sess.ctx, id)
			switch {
			case err == nil:
			case sess.ctx.Err() != nil:
				return
			case errors.Is(err, host.ErrNotFound):
				s.logger.Warn("kernel terminal disappeared", "terminal", id)
				status = host.ExitStatus{Code: -1}
			default:
				s.logger.Warn("waiting for kernel exit failed, retrying",
					"terminal", id,
					"retry_in", delay,
					"error", err,
				)
				select {
				case <-sess.ctx.Done():
					return
				case <-s.clock.After(delay):
				}
				delay = min(delay*2, waitRetryMax)
				continue
			}
			s.post(func() { s.onExit(sess, status) })
			return
		}
	})
}

func (s *Supervisor) onExit(sess *activeSession, status host.ExitStatus) {
	if s.session != sess {
		return
	}
	if sess.start != nil {
		s.failStart(sess, &StartError{
			Stage: sess.start.stage,
			Err:   fmt.Errorf("%w: %s", ErrProcessExited, status),
		})
		return
	}

	s.logger.Info("kernel process exited",
		"session_id", sess.descriptor.SessionID,
		"exit_code", status.Code,
		"signal", int(status.Signal),
	)
	s.teardownSession(sess, teardownOptions{
		disposeProcess:    true,
		deleteStored:      true,
		disposeDescriptor: true,
	})
	s.transition(Exited, &status, nil)

	for _, waiter := range s.exitWaiters {
		close(waiter)
	}
	s.exitWaiters = nil
}

func (s *Supervisor) tailLog(sess *activeSession) {
	tailer, err := logtail.Tail(sess.ctx, sess.descriptor.LogFilePath, logtail.Options{
		StripANSI: true,
		Logger:    s.logger,
	})
	if err != nil {
		s.logger.Warn("tailing kernel log failed", "log_file", sess.descriptor.LogFilePath, "error", err)
		return
	}
	sess.tailer = tailer
	s.goBackground(func() {
		for line := range tailer.Lines() {
			s.logs.publish(LogEvent{Line: line.Text, Time: line.Time})
		}
	})
}

type teardownOptions struct {
	// disposeProcess tears down the kernel's terminal.
	disposeProcess bool

	// deleteStored removes the persisted descriptor.
	deleteStored bool

	// disposeDescriptor removes (or archives) the session's files.
	disposeDescriptor bool
}

// teardownSession releases everything the loop holds for sess and
// clears the current session. Slow cleanup runs on helper goroutines.
func (s *Supervisor) teardownSession(sess *activeSession, options teardownOptions) {
	sess.cancel()
	s.stopHeartbeat(sess)
	for _, socket := range sess.sockets {
		socket.Dispose()
	}
	sess.connected = false
	if sess.tailer != nil {
		sess.tailer.Close()
		sess.tailer = nil
	}
	clear(sess.pending)
	if sess.languageServer != nil {
		s.ports.Release(sess.languageServer.Port)
	}

	if options.disposeProcess && sess.process.ID != "" {
		s.disposeProcess(sess.process.ID)
	}
	if options.deleteStored {
		if err := s.store.Delete(s.ctx, s.runtimeID); err != nil && !errors.Is(err, session.ErrNotFound) {
			s.logger.Warn("deleting persisted kernel session failed", "error", err)
		}
	}
	if options.disposeDescriptor {
		descriptor := sess.descriptor
		disposeOptions := s.descriptorDisposeOptions()
		s.goBackground(func() {
			if err := descriptor.Dispose(disposeOptions); err != nil {
				s.logger.Warn("removing session files failed", "session_id", descriptor.SessionID, "error", err)
			}
		})
	}

	s.session = nil
	s.publishSnapshot()
}

func (s *Supervisor) descriptorDisposeOptions() session.DisposeOptions {
	return session.DisposeOptions{
		ArchiveDirectory: s.archiveDirectory,
		ArchiveCodec:     s.archiveCodec,
		Ports:            s.ports,
		Logger:           s.logger,
	}
}

func (s *Supervisor) disposeProcess(id string) {
	s.goBackground(func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), hostCallTimeout)
		defer cancel()
		if err := s.host.Dispose(ctx, id); err != nil {
			s.logger.Warn("disposing kernel terminal failed", "terminal", id, "error", err)
		}
	})
}

// captureOutput logs the terminal's last lines when the host can
// provide them.
func (s *Supervisor) captureOutput(id string) {
	capturer, ok := s.host.(host.Capturer)
	if !ok || id == "" {
		return
	}
	output, err := capturer.Capture(id, captureLines)
	if err != nil {
		s.logger.Debug("capturing kernel terminal failed", "terminal", id, "error", err)
		return
	}
	s.logger.Error("kernel terminal output", "terminal", id, "output", output)
}

// stopTimer stops *timer if armed and clears it.
func stopTimer(timer **clock.Timer) {
	if *timer != nil {
		(*timer).Stop()
		*timer = nil
	}
}
