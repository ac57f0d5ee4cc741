// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"syscall"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/bureau-foundation/kernelhost/channel"
	"github.com/bureau-foundation/kernelhost/host"
	"github.com/bureau-foundation/kernelhost/kernelspec"
	"github.com/bureau-foundation/kernelhost/lib/testutil"
	"github.com/bureau-foundation/kernelhost/wire"
)

// hasPendingInput reports whether an input_request with id is awaiting
// a reply.
func (s *Supervisor) hasPendingInput(ctx context.Context, id string) (bool, error) {
	return do(ctx, s, func() (bool, error) {
		if s.session == nil {
			return false, nil
		}
		_, ok := s.session.pending[id]
		return ok, nil
	})
}

func decodeContent(t *testing.T, message *wire.Message) map[string]any {
	t.Helper()
	var content map[string]any
	if err := json.Unmarshal(message.Content, &content); err != nil {
		t.Fatalf("decoding %s content: %v", message.Header.MessageType, err)
	}
	return content
}

func TestExecuteRequestModes(t *testing.T) {
	tests := []struct {
		mode    ExecutionMode
		onError ErrorBehavior
		want    wire.ExecuteRequest
	}{
		{
			mode: Silent,
			want: wire.ExecuteRequest{Code: "x", Silent: true},
		},
		{
			mode:    Transient,
			onError: StopOnError,
			want:    wire.ExecuteRequest{Code: "x", AllowStdin: true, StopOnError: true},
		},
		{
			mode: Interactive,
			want: wire.ExecuteRequest{Code: "x", AllowStdin: true, StoreHistory: true},
		},
	}
	for _, test := range tests {
		t.Run(test.mode.String(), func(t *testing.T) {
			test.want.UserExpressions = map[string]string{}
			got := executeRequest("x", test.mode, test.onError)
			if diff := cmp.Diff(test.want, got); diff != "" {
				t.Errorf("executeRequest mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestExecuteSendsRequest(t *testing.T) {
	h := newHarness(t)
	supervisor := h.open()
	kernel := h.start()

	id, err := supervisor.Execute(context.Background(), "1+1", "client-7", Interactive, StopOnError)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	request := kernel.expectSent(channel.Shell)
	if request.Header.MessageID != id || request.Header.MessageType != wire.TypeExecuteRequest {
		t.Fatalf("sent %s %s, want execute_request %s", request.Header.MessageType, request.Header.MessageID, id)
	}
	if request.Header.Session != kernel.descriptor.SessionID {
		t.Errorf("header session = %q, want %q", request.Header.Session, kernel.descriptor.SessionID)
	}
	want := map[string]any{
		"code":             "1+1",
		"silent":           false,
		"store_history":    true,
		"user_expressions": map[string]any{},
		"allow_stdin":      true,
		"stop_on_error":    true,
	}
	if diff := cmp.Diff(want, decodeContent(t, request)); diff != "" {
		t.Errorf("content mismatch (-want +got):\n%s", diff)
	}
	if got := request.Metadata["client_id"]; got != "client-7" {
		t.Errorf("client_id = %v", got)
	}
}

func TestExecuteOutputCorrelated(t *testing.T) {
	h := newHarness(t)
	supervisor := h.open()
	kernel := h.start()
	messages := supervisor.SubscribeMessages(16)

	id, err := supervisor.Execute(context.Background(), "print(1)", "c", Transient, ContinueOnError)
	if err != nil {
		t.Fatal(err)
	}
	request := kernel.expectSent(channel.Shell)
	kernel.send(channel.IOPub, wire.TypeStream, wire.Stream{Name: "stdout", Text: "1\n"}, &request.Header)
	kernel.send(channel.Shell, wire.TypeExecuteReply, wire.ExecuteReply{Status: "ok", ExecutionCount: 1}, &request.Header)

	seen := map[string]MessageEvent{}
	for len(seen) < 2 {
		event := testutil.RequireReceive(t, messages.C(), timeout, "waiting for output")
		seen[event.MessageType] = event
	}
	stream := seen[wire.TypeStream]
	if stream.OriginID != id || stream.Channel != channel.IOPub {
		t.Errorf("stream event = %+v", stream)
	}
	if !stream.Timestamp.Equal(h.clock.Now()) {
		t.Errorf("stream timestamp = %v, want %v", stream.Timestamp, h.clock.Now())
	}
	var reply wire.ExecuteReply
	if err := json.Unmarshal(seen[wire.TypeExecuteReply].Content, &reply); err != nil {
		t.Fatal(err)
	}
	if reply.Status != "ok" || seen[wire.TypeExecuteReply].OriginID != id {
		t.Errorf("execute reply = %+v", seen[wire.TypeExecuteReply])
	}
}

func TestExecuteSendFailurePublishesError(t *testing.T) {
	h := newHarness(t)
	supervisor := h.open()
	h.start()
	messages := supervisor.SubscribeMessages(16)
	sendErr := errors.New("socket gone")
	h.pipe.FailSend(channel.Shell, sendErr)

	id, err := supervisor.Execute(context.Background(), "1", "c", Silent, ContinueOnError)
	var channelErr *channel.SendError
	if !errors.As(err, &channelErr) || !errors.Is(err, sendErr) {
		t.Fatalf("Execute = %v, want SendError", err)
	}
	if id == "" {
		t.Fatal("Execute returned no msg_id on send failure")
	}

	event := testutil.RequireReceive(t, messages.C(), timeout, "waiting for synthetic error")
	if event.MessageType != wire.TypeError || event.OriginID != id {
		t.Fatalf("event = %+v, want error for %s", event, id)
	}
	var content wire.Error
	if err := json.Unmarshal(event.Content, &content); err != nil {
		t.Fatal(err)
	}
	if content.Name != "SendError" {
		t.Errorf("ename = %q", content.Name)
	}
}

func TestRequestsWhenNotRunning(t *testing.T) {
	h := newHarness(t)
	supervisor := h.open()
	ctx := context.Background()

	if _, err := supervisor.Execute(ctx, "1", "c", Silent, ContinueOnError); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Execute = %v", err)
	}
	if _, err := supervisor.Complete(ctx, "pri", 3); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Complete = %v", err)
	}
	if err := supervisor.Interrupt(ctx); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Interrupt = %v", err)
	}
	if err := supervisor.Shutdown(ctx); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Shutdown = %v", err)
	}
	if err := supervisor.ReplyToPrompt(ctx, "x", "y"); !errors.Is(err, ErrNotRunning) {
		t.Errorf("ReplyToPrompt = %v", err)
	}
}

func TestShellRequests(t *testing.T) {
	h := newHarness(t)
	supervisor := h.open()
	kernel := h.start()
	ctx := context.Background()

	tests := []struct {
		name    string
		call    func() (string, error)
		msgType string
		want    map[string]any
	}{
		{
			name:    "inspect",
			call:    func() (string, error) { return supervisor.Inspect(ctx, "len", 3, 1) },
			msgType: wire.TypeInspectRequest,
			want:    map[string]any{"code": "len", "cursor_pos": 3.0, "detail_level": 1.0},
		},
		{
			name:    "complete",
			call:    func() (string, error) { return supervisor.Complete(ctx, "pri", 3) },
			msgType: wire.TypeCompleteRequest,
			want:    map[string]any{"code": "pri", "cursor_pos": 3.0},
		},
		{
			name:    "is_complete",
			call:    func() (string, error) { return supervisor.IsComplete(ctx, "for x in y:") },
			msgType: wire.TypeIsCompleteRequest,
			want:    map[string]any{"code": "for x in y:"},
		},
		{
			name:    "kernel_info",
			call:    func() (string, error) { return supervisor.RequestKernelInfo(ctx) },
			msgType: wire.TypeKernelInfoRequest,
			want:    map[string]any{},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			id, err := test.call()
			if err != nil {
				t.Fatal(err)
			}
			sent := kernel.expectSent(channel.Shell)
			if sent.Header.MessageType != test.msgType || sent.Header.MessageID != id {
				t.Fatalf("sent %s %s, want %s %s", sent.Header.MessageType, sent.Header.MessageID, test.msgType, id)
			}
			if diff := cmp.Diff(test.want, decodeContent(t, sent)); diff != "" {
				t.Errorf("content mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPromptReplyCorrelation(t *testing.T) {
	h := newHarness(t)
	supervisor := h.open()
	kernel := h.start()
	messages := supervisor.SubscribeMessages(16)
	ctx := context.Background()

	prompt := kernel.send(channel.Stdin, wire.TypeInputRequest, wire.InputRequest{Prompt: "name? "}, nil)
	event := testutil.RequireReceive(t, messages.C(), timeout, "waiting for input_request")
	if event.MessageType != wire.TypeInputRequest || event.MessageID != prompt.Header.MessageID {
		t.Fatalf("event = %+v", event)
	}
	pending, err := supervisor.hasPendingInput(ctx, event.MessageID)
	if err != nil || !pending {
		t.Fatalf("hasPendingInput = %v, %v; want true", pending, err)
	}

	if err := supervisor.ReplyToPrompt(ctx, event.MessageID, "ada"); err != nil {
		t.Fatalf("ReplyToPrompt: %v", err)
	}
	reply := kernel.expectSent(channel.Stdin)
	if reply.Header.MessageType != wire.TypeInputReply || reply.ParentID() != prompt.Header.MessageID {
		t.Fatalf("reply %s with parent %q", reply.Header.MessageType, reply.ParentID())
	}
	if diff := cmp.Diff(map[string]any{"value": "ada"}, decodeContent(t, reply)); diff != "" {
		t.Errorf("content mismatch (-want +got):\n%s", diff)
	}
	if pending, _ := supervisor.hasPendingInput(ctx, event.MessageID); pending {
		t.Error("input request still pending after reply")
	}

	// A second reply to the same request goes out without a parent.
	if err := supervisor.ReplyToPrompt(ctx, event.MessageID, "again"); err != nil {
		t.Fatal(err)
	}
	if orphan := kernel.expectSent(channel.Stdin); orphan.ParentHeader != nil {
		t.Errorf("orphan reply has parent %+v", orphan.ParentHeader)
	}
}

func TestStatusDrivesBusyIdle(t *testing.T) {
	h := newHarness(t)
	supervisor := h.open()
	kernel := h.start()
	states := supervisor.SubscribeState(16)

	for _, executionState := range []string{wire.ExecutionBusy, wire.ExecutionIdle, wire.ExecutionStarting, wire.ExecutionBusy} {
		kernel.send(channel.IOPub, wire.TypeStatus, wire.Status{ExecutionState: executionState}, nil)
	}
	expectState(t, states, Busy)
	expectState(t, states, Idle)
	expectState(t, states, Busy)

	// Status on a channel other than iopub is only forwarded.
	kernel.send(channel.Shell, wire.TypeStatus, wire.Status{ExecutionState: wire.ExecutionIdle}, nil)
	h.sync()
	expectNoState(t, states)
}

func TestBadSignatureDropped(t *testing.T) {
	h := newHarness(t)
	supervisor := h.open()
	kernel := h.start()
	messages := supervisor.SubscribeMessages(16)

	forged := kernel.builder
	forged.Username = "mallory"
	message, err := forged.New(wire.TypeStream, wire.Stream{Name: "stdout", Text: "forged"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	frames, err := wire.Encode(message, []byte("wrong key"))
	if err != nil {
		t.Fatal(err)
	}
	kernel.endpoints[channel.IOPub].Deliver(frames)
	kernel.endpoints[channel.IOPub].Deliver([][]byte{[]byte("not a message")})
	genuine := kernel.send(channel.IOPub, wire.TypeStream, wire.Stream{Name: "stdout", Text: "genuine"}, nil)

	event := testutil.RequireReceive(t, messages.C(), timeout, "waiting for genuine message")
	if event.MessageID != genuine.Header.MessageID {
		t.Fatalf("first delivered message = %s, want the genuine one", event.MessageID)
	}
}

func TestInterruptByMessage(t *testing.T) {
	h := newHarness(t)
	supervisor := h.open()
	kernel := h.start()
	states := supervisor.SubscribeState(16)
	kernel.send(channel.IOPub, wire.TypeStatus, wire.Status{ExecutionState: wire.ExecutionBusy}, nil)
	expectState(t, states, Busy)

	if err := supervisor.Interrupt(context.Background()); err != nil {
		t.Fatalf("Interrupt: %v", err)
	}
	if sent := kernel.expectSent(channel.Control); sent.Header.MessageType != wire.TypeInterruptRequest {
		t.Fatalf("control message = %s", sent.Header.MessageType)
	}
	expectState(t, states, Interrupting)
	if signals := h.host.Signals(); len(signals) != 0 {
		t.Errorf("signals = %v, want none", signals)
	}

	// The kernel's next status ends the interruption.
	kernel.send(channel.IOPub, wire.TypeStatus, wire.Status{ExecutionState: wire.ExecutionIdle}, nil)
	expectState(t, states, Idle)
}

func TestInterruptBySignal(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.Kernel.InterruptMode = kernelspec.InterruptSignal
	})
	supervisor := h.open()
	kernel := h.start()
	states := supervisor.SubscribeState(16)
	kernel.send(channel.IOPub, wire.TypeStatus, wire.Status{ExecutionState: wire.ExecutionBusy}, nil)
	expectState(t, states, Busy)

	if err := supervisor.Interrupt(context.Background()); err != nil {
		t.Fatalf("Interrupt: %v", err)
	}
	if signals := h.host.Signals(); !slices.Equal(signals, []syscall.Signal{syscall.SIGINT}) {
		t.Errorf("signals = %v, want [SIGINT]", signals)
	}
	select {
	case frames := <-kernel.endpoints[channel.Control].Sent():
		t.Errorf("control message %q sent for a signal interrupt", frames)
	default:
	}
	if got := supervisor.State(); got != Interrupting {
		t.Errorf("state = %s, want interrupting", got)
	}
}

func TestInterruptWhileIdleKeepsState(t *testing.T) {
	for _, mode := range []string{kernelspec.InterruptMessage, kernelspec.InterruptSignal} {
		t.Run(mode, func(t *testing.T) {
			h := newHarness(t, func(c *Config) {
				c.Kernel.InterruptMode = mode
			})
			supervisor := h.open()
			kernel := h.start()
			states := supervisor.SubscribeState(16)
			kernel.send(channel.IOPub, wire.TypeStatus, wire.Status{ExecutionState: wire.ExecutionIdle}, nil)
			expectState(t, states, Idle)

			if err := supervisor.Interrupt(context.Background()); err != nil {
				t.Fatalf("Interrupt: %v", err)
			}
			h.sync()
			expectNoState(t, states)
			if got := supervisor.State(); got != Idle {
				t.Fatalf("state = %s, want idle", got)
			}
		})
	}
}

func TestShutdownAndRestart(t *testing.T) {
	h := newHarness(t)
	supervisor := h.open()
	kernel := h.start()
	states := supervisor.SubscribeState(16)

	result := make(chan error, 1)
	go func() { result <- supervisor.Restart(context.Background()) }()

	shutdown := kernel.expectSent(channel.Control)
	if shutdown.Header.MessageType != wire.TypeShutdownRequest {
		t.Fatalf("control message = %s", shutdown.Header.MessageType)
	}
	if diff := cmp.Diff(map[string]any{"restart": false}, decodeContent(t, shutdown)); diff != "" {
		t.Errorf("content mismatch (-want +got):\n%s", diff)
	}
	expectState(t, states, Exiting)
	kernel.send(channel.Control, wire.TypeShutdownReply, wire.ShutdownReply{Status: "ok"}, &shutdown.Header)

	h.host.Exit(terminalID, host.ExitStatus{})
	expectState(t, states, Exited)
	expectState(t, states, Initializing)

	restarted := h.connectKernel()
	if err := testutil.RequireReceive(t, result, timeout, "waiting for Restart"); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	expectState(t, states, Starting)
	expectState(t, states, Ready)
	if restarted.descriptor.SessionID == kernel.descriptor.SessionID {
		t.Error("restart reused the previous session id")
	}
}

func TestRestartBoundedByContext(t *testing.T) {
	h := newHarness(t)
	supervisor := h.open()
	kernel := h.start()

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() { result <- supervisor.Restart(ctx) }()
	kernel.expectSent(channel.Control)
	cancel()

	err := testutil.RequireReceive(t, result, timeout, "waiting for Restart")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Restart = %v, want context.Canceled", err)
	}
	if got := supervisor.State(); got != Exiting {
		t.Errorf("state = %s, want exiting", got)
	}
}

func TestCommMessages(t *testing.T) {
	h := newHarness(t)
	supervisor := h.open()
	kernel := h.start()
	ctx := context.Background()

	if err := supervisor.OpenComm(ctx, "jupyter.widget", "comm-1", nil); err != nil {
		t.Fatal(err)
	}
	if err := supervisor.SendCommMessage(ctx, "comm-1", map[string]any{"value": 4.0}); err != nil {
		t.Fatal(err)
	}
	if err := supervisor.CloseComm(ctx, "comm-1", nil); err != nil {
		t.Fatal(err)
	}

	want := []map[string]any{
		{"comm_id": "comm-1", "target_name": "jupyter.widget", "data": map[string]any{}},
		{"comm_id": "comm-1", "data": map[string]any{"value": 4.0}},
		{"comm_id": "comm-1", "data": map[string]any{}},
	}
	types := []string{wire.TypeCommOpen, wire.TypeCommMsg, wire.TypeCommClose}
	for index := range want {
		sent := kernel.expectSent(channel.Shell)
		if sent.Header.MessageType != types[index] {
			t.Fatalf("message %d = %s, want %s", index, sent.Header.MessageType, types[index])
		}
		if diff := cmp.Diff(want[index], decodeContent(t, sent)); diff != "" {
			t.Errorf("%s content mismatch (-want +got):\n%s", types[index], diff)
		}
	}
}

func TestLanguageServerComm(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.LanguageServerTarget = "lsp"
	})
	supervisor := h.open()
	kernel := h.start()

	open := kernel.expectSent(channel.Shell)
	if open.Header.MessageType != wire.TypeCommOpen {
		t.Fatalf("message after kernel_info = %s, want comm_open", open.Header.MessageType)
	}
	var content wire.CommOpen
	if err := json.Unmarshal(open.Content, &content); err != nil {
		t.Fatal(err)
	}
	if content.TargetName != "lsp" || content.Data["ip_address"] != "127.0.0.1" {
		t.Errorf("comm_open = %+v", content)
	}
	port, ok := content.Data["client_port"].(float64)
	if !ok {
		t.Fatalf("client_port = %v", content.Data["client_port"])
	}
	if _, clash := kernel.descriptor.Ports.Set()[uint16(port)]; clash {
		t.Errorf("language server port %v is a channel port", port)
	}

	server, ok := supervisor.LanguageServer()
	if !ok || server.CommID != content.CommID || server.Port != uint16(port) {
		t.Errorf("LanguageServer() = %+v, %v", server, ok)
	}
}
