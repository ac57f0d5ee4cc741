// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/x/ansi"

	"github.com/bureau-foundation/kernelhost/supervisor"
	"github.com/bureau-foundation/kernelhost/wire"
)

const promptText = ">>> "

// console renders supervisor events. Kernel output goes to out;
// state changes and kernel log lines go to status.
type console struct {
	out    io.Writer
	status io.Writer

	// interactive keeps ANSI styling in tracebacks and shows a prompt.
	interactive bool

	mu       sync.Mutex
	promptID string
}

func newConsole(out, status io.Writer, interactive bool) *console {
	return &console{out: out, status: status, interactive: interactive}
}

// follow renders events until all three subscriptions are closed.
func (c *console) follow(states *supervisor.Subscription[supervisor.StateEvent], messages *supervisor.Subscription[supervisor.MessageEvent], logs *supervisor.Subscription[supervisor.LogEvent]) {
	stateEvents, messageEvents, logEvents := states.C(), messages.C(), logs.C()
	for stateEvents != nil || messageEvents != nil || logEvents != nil {
		select {
		case event, ok := <-stateEvents:
			if !ok {
				stateEvents = nil
				continue
			}
			c.renderState(event)
		case event, ok := <-messageEvents:
			if !ok {
				messageEvents = nil
				continue
			}
			c.renderMessage(event)
		case event, ok := <-logEvents:
			if !ok {
				logEvents = nil
				continue
			}
			c.write(c.status, "[kernel log] %s\n", event.Line)
		}
	}
}

func (c *console) renderState(event supervisor.StateEvent) {
	switch {
	case event.Exit != nil:
		c.write(c.status, "[kernel] %s (%s)\n", event.State, event.Exit)
	case event.Err != nil:
		c.write(c.status, "[kernel] %s: %v\n", event.State, event.Err)
	case event.State == supervisor.Busy || event.State == supervisor.Idle:
		// Too frequent to be worth printing.
	default:
		c.write(c.status, "[kernel] %s\n", event.State)
	}
}

type completeReply struct {
	Status  string   `json:"status"`
	Matches []string `json:"matches"`
}

type inspectReply struct {
	Status string         `json:"status"`
	Found  bool           `json:"found"`
	Data   map[string]any `json:"data"`
}

func (c *console) renderMessage(event supervisor.MessageEvent) {
	switch event.MessageType {
	case wire.TypeStream:
		var stream wire.Stream
		if json.Unmarshal(event.Content, &stream) == nil {
			c.write(c.out, "%s", stream.Text)
		}
	case wire.TypeExecuteResult, wire.TypeDisplayData:
		var result wire.DisplayData
		if json.Unmarshal(event.Content, &result) == nil {
			if text, ok := result.Data["text/plain"].(string); ok {
				c.write(c.out, "%s\n", c.style(text))
			}
		}
	case wire.TypeError:
		var failure wire.Error
		if json.Unmarshal(event.Content, &failure) == nil {
			if len(failure.Traceback) > 0 {
				c.write(c.out, "%s\n", c.style(strings.Join(failure.Traceback, "\n")))
			} else {
				c.write(c.out, "%s: %s\n", failure.Name, failure.Value)
			}
		}
	case wire.TypeInputRequest:
		var request wire.InputRequest
		if json.Unmarshal(event.Content, &request) == nil {
			c.mu.Lock()
			c.promptID = event.MessageID
			c.mu.Unlock()
			c.write(c.out, "%s", request.Prompt)
		}
	case "complete_reply":
		var reply completeReply
		if json.Unmarshal(event.Content, &reply) == nil && len(reply.Matches) > 0 {
			c.write(c.out, "%s\n", strings.Join(reply.Matches, "  "))
		}
	case "inspect_reply":
		var reply inspectReply
		if json.Unmarshal(event.Content, &reply) == nil && reply.Found {
			if text, ok := reply.Data["text/plain"].(string); ok {
				c.write(c.out, "%s\n", c.style(text))
			}
		}
	}
}

// style strips ANSI sequences unless output is a terminal.
func (c *console) style(text string) string {
	if c.interactive {
		return text
	}
	return ansi.Strip(text)
}

// takePrompt returns the pending input request, clearing it.
func (c *console) takePrompt() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.promptID
	c.promptID = ""
	return id, id != ""
}

func (c *console) showPrompt() {
	if !c.interactive {
		return
	}
	c.mu.Lock()
	waiting := c.promptID != ""
	c.mu.Unlock()
	if !waiting {
		c.write(c.out, "%s", promptText)
	}
}

func (c *console) notice(format string, args ...any) {
	c.write(c.status, format+"\n", args...)
}

func (c *console) write(w io.Writer, format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(w, format, args...)
}
