// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"syscall"

	"github.com/google/uuid"

	"github.com/bureau-foundation/kernelhost/channel"
	"github.com/bureau-foundation/kernelhost/kernelspec"
	"github.com/bureau-foundation/kernelhost/wire"
)

// languageServerPortAttempts bounds the search for the language-server
// port.
const languageServerPortAttempts = 50

// ExecutionMode controls how the kernel treats executed code.
type ExecutionMode int

const (
	// Silent runs code without output, stdin or history.
	Silent ExecutionMode = iota

	// Transient runs code interactively without recording history.
	Transient

	// Interactive runs code interactively and records history.
	Interactive
)

func (m ExecutionMode) String() string {
	switch m {
	case Silent:
		return "silent"
	case Transient:
		return "transient"
	case Interactive:
		return "interactive"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// ErrorBehavior controls whether queued executions are aborted after
// an error.
type ErrorBehavior int

const (
	ContinueOnError ErrorBehavior = iota
	StopOnError
)

// executeRequest builds the execute_request content for mode.
func executeRequest(code string, mode ExecutionMode, onError ErrorBehavior) wire.ExecuteRequest {
	request := wire.ExecuteRequest{
		Code:            code,
		UserExpressions: map[string]string{},
		StopOnError:     onError == StopOnError,
	}
	switch mode {
	case Silent:
		request.Silent = true
	case Transient:
		request.AllowStdin = true
	case Interactive:
		request.AllowStdin = true
		request.StoreHistory = true
	}
	return request
}

// connectedSession returns the session whose sockets are connected.
func (s *Supervisor) connectedSession() (*activeSession, error) {
	if s.session == nil || !s.session.connected {
		return nil, ErrNotRunning
	}
	return s.session, nil
}

// send encodes and sends message on kind. A kind with no socket is
// logged and ignored.
func (s *Supervisor) send(sess *activeSession, kind channel.Kind, message *wire.Message) error {
	socket, ok := sess.sockets[kind]
	if !ok {
		s.logger.Warn("dropping outbound message",
			"channel", kind.String(),
			"msg_type", message.Header.MessageType,
			"error", channel.ErrUnknownChannel,
		)
		return nil
	}
	frames, err := wire.Encode(message, sess.key)
	if err != nil {
		return err
	}
	if err := socket.Send(frames); err != nil {
		s.logger.Warn("sending message failed",
			"channel", kind.String(),
			"msg_type", message.Header.MessageType,
			"msg_id", message.Header.MessageID,
			"error", err,
		)
		return err
	}
	return nil
}

// request builds and sends one message on the loop and returns its
// msg_id.
func (s *Supervisor) request(ctx context.Context, kind channel.Kind, msgType string, content any) (string, error) {
	return do(ctx, s, func() (string, error) {
		sess, err := s.connectedSession()
		if err != nil {
			return "", err
		}
		message, err := sess.builder.New(msgType, content, nil)
		if err != nil {
			return "", err
		}
		return message.Header.MessageID, s.send(sess, kind, message)
	})
}

// Execute sends code to the kernel on the shell channel and returns
// the request's msg_id; results arrive as MessageEvents whose OriginID
// is that msg_id. clientID is carried in the request metadata. If the
// request cannot be sent, a synthetic "error" MessageEvent is
// published for it and the error is returned.
func (s *Supervisor) Execute(ctx context.Context, code, clientID string, mode ExecutionMode, onError ErrorBehavior) (string, error) {
	return do(ctx, s, func() (string, error) {
		sess, err := s.connectedSession()
		if err != nil {
			return "", err
		}
		message, err := sess.builder.New(wire.TypeExecuteRequest, executeRequest(code, mode, onError), nil)
		if err != nil {
			return "", err
		}
		message.Metadata["client_id"] = clientID

		if err := s.send(sess, channel.Shell, message); err != nil {
			s.publishSendFailure(channel.Shell, message, err)
			return message.Header.MessageID, err
		}
		return message.Header.MessageID, nil
	})
}

// publishSendFailure reports an unsendable request on the message
// stream as an "error" output correlated to the request.
func (s *Supervisor) publishSendFailure(kind channel.Kind, message *wire.Message, sendErr error) {
	content, err := json.Marshal(wire.Error{
		Name:      "SendError",
		Value:     sendErr.Error(),
		Traceback: []string{},
	})
	if err != nil {
		s.logger.Error("encoding send failure", "error", err)
		return
	}
	s.messages.publish(MessageEvent{
		Channel:     kind,
		MessageID:   uuid.NewString(),
		MessageType: wire.TypeError,
		Content:     content,
		Metadata:    message.Metadata,
		Timestamp:   s.clock.Now(),
		OriginID:    message.Header.MessageID,
	})
}

// Inspect asks for introspection of code at cursor.
func (s *Supervisor) Inspect(ctx context.Context, code string, cursor, detail int) (string, error) {
	return s.request(ctx, channel.Shell, wire.TypeInspectRequest, wire.InspectRequest{
		Code:        code,
		CursorPos:   cursor,
		DetailLevel: detail,
	})
}

// Complete asks for completions of code at cursor.
func (s *Supervisor) Complete(ctx context.Context, code string, cursor int) (string, error) {
	return s.request(ctx, channel.Shell, wire.TypeCompleteRequest, wire.CompleteRequest{
		Code:      code,
		CursorPos: cursor,
	})
}

// IsComplete asks whether code is a complete statement.
func (s *Supervisor) IsComplete(ctx context.Context, code string) (string, error) {
	return s.request(ctx, channel.Shell, wire.TypeIsCompleteRequest, wire.IsCompleteRequest{Code: code})
}

// RequestKernelInfo sends kernel_info_request. The supervisor also
// sends one whenever the kernel becomes ready.
func (s *Supervisor) RequestKernelInfo(ctx context.Context) (string, error) {
	return do(ctx, s, func() (string, error) {
		sess, err := s.connectedSession()
		if err != nil {
			return "", err
		}
		return s.requestKernelInfo(sess)
	})
}

func (s *Supervisor) requestKernelInfo(sess *activeSession) (string, error) {
	message, err := sess.builder.New(wire.TypeKernelInfoRequest, wire.KernelInfoRequest{}, nil)
	if err != nil {
		return "", err
	}
	return message.Header.MessageID, s.send(sess, channel.Shell, message)
}

// Interrupt interrupts the running execution. A Busy kernel moves to
// Interrupting without waiting for confirmation; other states are left
// alone, since no status message may follow to leave Interrupting. Kernels whose spec asks for
// signal interrupts get SIGINT through the host; the rest get an
// interrupt_request on the control channel.
func (s *Supervisor) Interrupt(ctx context.Context) error {
	processID, err := do(ctx, s, func() (string, error) {
		sess, err := s.connectedSession()
		if err != nil {
			return "", err
		}
		processID := ""
		if s.kernel.InterruptMode == kernelspec.InterruptSignal && sess.process.ID != "" {
			processID = sess.process.ID
		} else {
			message, err := sess.builder.New(wire.TypeInterruptRequest, wire.InterruptRequest{}, nil)
			if err != nil {
				return "", err
			}
			if err := s.send(sess, channel.Control, message); err != nil {
				return "", err
			}
		}
		if s.state == Busy {
			s.transition(Interrupting, nil, nil)
		}
		return processID, nil
	})
	if err != nil || processID == "" {
		return err
	}
	if err := s.host.Signal(ctx, processID, syscall.SIGINT); err != nil {
		s.logger.Warn("interrupting kernel failed", "terminal", processID, "error", err)
		return fmt.Errorf("interrupting kernel: %w", err)
	}
	return nil
}

// Shutdown asks the kernel to exit and moves to Exiting. Completion is
// observed as the transition to Exited.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	_, err := do(ctx, s, func() (struct{}, error) {
		sess, err := s.connectedSession()
		if err != nil {
			return struct{}{}, err
		}
		return struct{}{}, s.sendShutdown(sess)
	})
	return err
}

func (s *Supervisor) sendShutdown(sess *activeSession) error {
	message, err := sess.builder.New(wire.TypeShutdownRequest, wire.ShutdownRequest{Restart: false}, nil)
	if err != nil {
		return err
	}
	if err := s.send(sess, channel.Control, message); err != nil {
		return err
	}
	s.transition(Exiting, nil, nil)
	return nil
}

// Restart shuts the kernel down, waits for the process to exit, and
// starts a new session. ctx bounds the whole sequence, including the
// wait for exit.
func (s *Supervisor) Restart(ctx context.Context) error {
	exited, err := do(ctx, s, func() (chan struct{}, error) {
		sess, err := s.connectedSession()
		if err != nil {
			return nil, err
		}
		if err := s.sendShutdown(sess); err != nil {
			return nil, err
		}
		waiter := make(chan struct{})
		s.exitWaiters = append(s.exitWaiters, waiter)
		return waiter, nil
	})
	if err != nil {
		return err
	}

	select {
	case <-exited:
	case <-ctx.Done():
		return fmt.Errorf("waiting for kernel exit: %w", ctx.Err())
	case <-s.done:
		return ErrDisposed
	}
	return s.Start(ctx)
}

// ReplyToPrompt answers an input_request. id is the request's msg_id
// (MessageEvent.MessageID). An unknown id is answered anyway, with no
// parent header.
func (s *Supervisor) ReplyToPrompt(ctx context.Context, id, value string) error {
	_, err := do(ctx, s, func() (struct{}, error) {
		sess, err := s.connectedSession()
		if err != nil {
			return struct{}{}, err
		}
		var parent *wire.Header
		if header, ok := sess.pending[id]; ok {
			parent = &header
			delete(sess.pending, id)
		} else {
			s.logger.Debug("replying to unknown input request", "request_id", id)
		}
		message, err := sess.builder.New(wire.TypeInputReply, wire.InputReply{Value: value}, parent)
		if err != nil {
			return struct{}{}, err
		}
		return struct{}{}, s.send(sess, channel.Stdin, message)
	})
	return err
}

// OpenComm opens a comm to target in the kernel.
func (s *Supervisor) OpenComm(ctx context.Context, target, commID string, data map[string]any) error {
	_, err := s.request(ctx, channel.Shell, wire.TypeCommOpen, wire.CommOpen{
		CommID:     commID,
		TargetName: target,
		Data:       nonNil(data),
	})
	return err
}

// SendCommMessage sends data on an open comm.
func (s *Supervisor) SendCommMessage(ctx context.Context, commID string, data map[string]any) error {
	_, err := s.request(ctx, channel.Shell, wire.TypeCommMsg, wire.CommMsg{
		CommID: commID,
		Data:   nonNil(data),
	})
	return err
}

// CloseComm closes a comm.
func (s *Supervisor) CloseComm(ctx context.Context, commID string, data map[string]any) error {
	_, err := s.request(ctx, channel.Shell, wire.TypeCommClose, wire.CommClose{
		CommID: commID,
		Data:   nonNil(data),
	})
	return err
}

func nonNil(data map[string]any) map[string]any {
	if data == nil {
		return map[string]any{}
	}
	return data
}

// openLanguageServer opens the language-server comm on a port outside
// the session's own.
func (s *Supervisor) openLanguageServer(sess *activeSession) {
	if s.languageServerTarget == "" {
		return
	}
	port, err := s.ports.FindAvailablePort(sess.descriptor.Ports.Set(), languageServerPortAttempts)
	if err != nil {
		s.logger.Warn("no port for language server", "error", err)
		return
	}

	commID := uuid.NewString()
	message, err := sess.builder.New(wire.TypeCommOpen, wire.CommOpen{
		CommID:     commID,
		TargetName: s.languageServerTarget,
		Data: map[string]any{
			"ip_address":  sess.descriptor.IP,
			"client_port": port,
		},
	}, nil)
	if err == nil {
		err = s.send(sess, channel.Shell, message)
	}
	if err != nil {
		s.logger.Warn("opening language server comm failed", "error", err)
		s.ports.Release(port)
		return
	}

	sess.languageServer = &LanguageServer{CommID: commID, Port: port}
	s.publishSnapshot()
	s.logger.Info("language server comm opened",
		"comm_id", commID,
		"target", s.languageServerTarget,
		"port", port,
	)
}
