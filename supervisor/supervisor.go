// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/kernelhost/channel"
	"github.com/bureau-foundation/kernelhost/host"
	"github.com/bureau-foundation/kernelhost/kernelspec"
	"github.com/bureau-foundation/kernelhost/lib/clock"
	"github.com/bureau-foundation/kernelhost/lib/netutil"
	"github.com/bureau-foundation/kernelhost/session"
)

// Heartbeat defaults.
const (
	DefaultHeartbeatInterval = 3 * time.Second
	DefaultHeartbeatTimeout  = 30 * time.Second
)

// hostCallTimeout bounds host calls made during cleanup, which run
// detached from any caller's context.
const hostCallTimeout = 10 * time.Second

// Config configures a Supervisor.
type Config struct {
	// RuntimeID keys the persisted session in Store. Required.
	RuntimeID string

	// Kernel describes the process to launch. Required.
	Kernel *kernelspec.Spec

	// Host launches and tracks the kernel process. Required.
	Host host.Host

	// Store persists the session descriptor. Required.
	Store session.Store

	// Transport opens channel sockets. Default &channel.ZMQ{}.
	Transport channel.Transport

	// Ports allocates session and language-server ports. Default
	// netutil.DefaultPortAllocator().
	Ports session.PortAllocator

	// SessionDirectory receives connection files and kernel logs.
	// Required.
	SessionDirectory string

	// ArchiveDirectory, when set, receives compressed kernel logs
	// when a session ends.
	ArchiveDirectory string
	ArchiveCodec     session.ArchiveCodec

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	// LanguageServerTarget, when set, is the comm target opened with
	// a free port once the kernel is ready.
	LanguageServerTarget string

	// Username is stamped into outgoing headers.
	Username string

	// Clock drives heartbeat timers. Default clock.Real().
	Clock clock.Clock

	Logger *slog.Logger
}

func (c *Config) validate() error {
	var errs []error
	if c.RuntimeID == "" {
		errs = append(errs, errors.New("runtime id is required"))
	}
	if c.Kernel == nil {
		errs = append(errs, errors.New("kernel spec is required"))
	} else if err := c.Kernel.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Host == nil {
		errs = append(errs, errors.New("host is required"))
	}
	if c.Store == nil {
		errs = append(errs, errors.New("store is required"))
	}
	if c.SessionDirectory == "" {
		errs = append(errs, errors.New("session directory is required"))
	}
	return errors.Join(errs...)
}

// Supervisor manages one kernel session. Create with New; release
// with Dispose.
type Supervisor struct {
	runtimeID            string
	kernel               *kernelspec.Spec
	host                 host.Host
	store                session.Store
	transport            channel.Transport
	ports                session.PortAllocator
	sessionDirectory     string
	archiveDirectory     string
	archiveCodec         session.ArchiveCodec
	heartbeatInterval    time.Duration
	heartbeatTimeout     time.Duration
	languageServerTarget string
	username             string
	clock                clock.Clock
	logger               *slog.Logger

	states   *hub[StateEvent]
	messages *hub[MessageEvent]
	logs     *hub[LogEvent]

	// ctx lives until Dispose; helper goroutines derive from it.
	ctx    context.Context
	cancel context.CancelFunc

	mailboxMu     sync.Mutex
	mailbox       []func()
	mailboxClosed bool
	wake          chan struct{}

	done        chan struct{}
	background  sync.WaitGroup
	disposeOnce sync.Once

	snapshotMu             sync.Mutex
	snapshotState          State
	snapshotDescriptor     *session.Descriptor
	snapshotLanguageServer *LanguageServer

	// Everything below is owned by the loop goroutine.
	state        State
	lastLive     State
	session      *activeSession
	queuedStarts []*startRequest
	exitWaiters  []chan struct{}
	disposed     bool
}

// LanguageServer describes the language-server comm opened for the
// current session.
type LanguageServer struct {
	CommID string
	Port   uint16
}

// New creates a Supervisor. If Store holds a descriptor for the
// runtime id, New looks for its process among the host's managed
// processes before returning: a match is adopted and reconnected in
// the background (state Initializing on return), anything else
// discards the stored session (state Uninitialized).
func New(ctx context.Context, config Config) (*Supervisor, error) {
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid supervisor config: %w", err)
	}
	if config.Transport == nil {
		config.Transport = &channel.ZMQ{}
	}
	if config.Ports == nil {
		config.Ports = netutil.DefaultPortAllocator()
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if config.HeartbeatTimeout <= 0 {
		config.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if config.Username == "" {
		config.Username = "kernelhost"
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	logger := config.Logger.With("runtime_id", config.RuntimeID)

	lifetime, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Supervisor{
		runtimeID:            config.RuntimeID,
		kernel:               config.Kernel,
		host:                 config.Host,
		store:                config.Store,
		transport:            config.Transport,
		ports:                config.Ports,
		sessionDirectory:     config.SessionDirectory,
		archiveDirectory:     config.ArchiveDirectory,
		archiveCodec:         config.ArchiveCodec,
		heartbeatInterval:    config.HeartbeatInterval,
		heartbeatTimeout:     config.HeartbeatTimeout,
		languageServerTarget: config.LanguageServerTarget,
		username:             config.Username,
		clock:                config.Clock,
		logger:               logger,
		states:               newHub[StateEvent]("state", logger),
		messages:             newHub[MessageEvent]("messages", logger),
		logs:                 newHub[LogEvent]("log", logger),
		ctx:                  lifetime,
		cancel:               cancel,
		wake:                 make(chan struct{}, 1),
		done:                 make(chan struct{}),
		state:                Uninitialized,
		lastLive:             Ready,
	}

	// The loop is not running yet, so the scan owns loop state.
	s.reconnectScan(ctx)

	go s.run()
	return s, nil
}

// post queues fn for the loop. It reports false once the supervisor
// is disposed. It never blocks, so socket and timer goroutines can
// always hand work to the loop.
func (s *Supervisor) post(fn func()) bool {
	s.mailboxMu.Lock()
	if s.mailboxClosed {
		s.mailboxMu.Unlock()
		return false
	}
	s.mailbox = append(s.mailbox, fn)
	s.mailboxMu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

func (s *Supervisor) next() (func(), bool) {
	s.mailboxMu.Lock()
	defer s.mailboxMu.Unlock()
	if len(s.mailbox) == 0 {
		return nil, false
	}
	fn := s.mailbox[0]
	s.mailbox[0] = nil
	s.mailbox = s.mailbox[1:]
	return fn, true
}

func (s *Supervisor) run() {
	defer close(s.done)
	for range s.wake {
		for {
			fn, ok := s.next()
			if !ok {
				break
			}
			fn()
			if s.disposed {
				return
			}
		}
	}
}

// do runs fn on the loop and returns its result.
func do[T any](ctx context.Context, s *Supervisor, fn func() (T, error)) (T, error) {
	type result struct {
		value T
		err   error
	}
	results := make(chan result, 1)
	var zero T
	if !s.post(func() {
		value, err := fn()
		results <- result{value, err}
	}) {
		return zero, ErrDisposed
	}
	select {
	case r := <-results:
		return r.value, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-s.done:
		select {
		case r := <-results:
			return r.value, r.err
		default:
			return zero, ErrDisposed
		}
	}
}

// goBackground runs fn on a helper goroutine that Dispose waits for.
func (s *Supervisor) goBackground(fn func()) {
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		fn()
	}()
}

// transition moves to next and publishes the change. Start calls
// queued while Initializing are resolved by the first transition that
// does not pass through StartFailed.
func (s *Supervisor) transition(next State, exit *host.ExitStatus, err error) {
	previous := s.state
	if next == previous {
		return
	}
	s.state = next
	if next.Live() {
		s.lastLive = next
	}

	s.snapshotMu.Lock()
	s.snapshotState = next
	s.snapshotMu.Unlock()

	s.logger.Info("kernel state changed", "from", previous.String(), "to", next.String())
	s.states.publish(StateEvent{
		State:    next,
		Previous: previous,
		Time:     s.clock.Now(),
		Exit:     exit,
		Err:      err,
	})

	if next != Initializing && next != StartFailed && len(s.queuedStarts) > 0 {
		s.resolveQueuedStarts(next)
	}
}

func (s *Supervisor) publishSnapshot() {
	s.snapshotMu.Lock()
	defer s.snapshotMu.Unlock()
	if s.session == nil {
		s.snapshotDescriptor = nil
		s.snapshotLanguageServer = nil
		return
	}
	s.snapshotDescriptor = s.session.descriptor.Clone()
	if s.session.languageServer != nil {
		languageServer := *s.session.languageServer
		s.snapshotLanguageServer = &languageServer
	} else {
		s.snapshotLanguageServer = nil
	}
}

// State returns the current state.
func (s *Supervisor) State() State {
	s.snapshotMu.Lock()
	defer s.snapshotMu.Unlock()
	return s.snapshotState
}

// Descriptor returns a copy of the current session descriptor, or nil
// when there is no session.
func (s *Supervisor) Descriptor() *session.Descriptor {
	s.snapshotMu.Lock()
	defer s.snapshotMu.Unlock()
	return s.snapshotDescriptor.Clone()
}

// LanguageServer returns the language-server comm of the current
// session, if one was opened.
func (s *Supervisor) LanguageServer() (LanguageServer, bool) {
	s.snapshotMu.Lock()
	defer s.snapshotMu.Unlock()
	if s.snapshotLanguageServer == nil {
		return LanguageServer{}, false
	}
	return *s.snapshotLanguageServer, true
}

// SubscribeState returns a subscription to state transitions.
func (s *Supervisor) SubscribeState(buffer int) *Subscription[StateEvent] {
	return s.states.subscribe(buffer)
}

// SubscribeMessages returns a subscription to inbound messages.
func (s *Supervisor) SubscribeMessages(buffer int) *Subscription[MessageEvent] {
	return s.messages.subscribe(buffer)
}

// SubscribeLog returns a subscription to kernel log lines.
func (s *Supervisor) SubscribeLog(buffer int) *Subscription[LogEvent] {
	return s.logs.subscribe(buffer)
}

// Dispose stops log tailing, heartbeat timers and sockets, ends the
// event loop, and closes every subscription. The kernel process keeps
// running and its session stays persisted for a later reconnect.
// Safe to call more than once.
func (s *Supervisor) Dispose() {
	s.disposeOnce.Do(func() {
		s.post(s.dispose)
		<-s.done
		s.cancel()
		s.background.Wait()
		s.states.close()
		s.messages.close()
		s.logs.close()
	})
}

func (s *Supervisor) dispose() {
	s.mailboxMu.Lock()
	s.mailboxClosed = true
	s.mailboxMu.Unlock()

	if sess := s.session; sess != nil {
		start := sess.start
		sess.start = nil
		s.teardownSession(sess, teardownOptions{})
		start.finish(ErrDisposed)
	}
	for _, queued := range s.queuedStarts {
		queued.reply <- ErrDisposed
	}
	s.queuedStarts = nil
	s.exitWaiters = nil
	s.disposed = true
	s.logger.Info("supervisor disposed")
}
