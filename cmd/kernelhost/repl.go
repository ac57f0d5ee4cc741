// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/bureau-foundation/kernelhost/supervisor"
)

// kernelClient is the part of *supervisor.Supervisor the repl drives.
type kernelClient interface {
	Execute(ctx context.Context, code, clientID string, mode supervisor.ExecutionMode, onError supervisor.ErrorBehavior) (string, error)
	Complete(ctx context.Context, code string, cursor int) (string, error)
	Inspect(ctx context.Context, code string, cursor, detail int) (string, error)
	Interrupt(ctx context.Context) error
	Restart(ctx context.Context) error
	Shutdown(ctx context.Context) error
	ReplyToPrompt(ctx context.Context, id, value string) error
}

type repl struct {
	kernel   kernelClient
	console  *console
	clientID string
	logger   *slog.Logger
}

// handle processes one input line and reports whether the session
// should end.
func (r *repl) handle(ctx context.Context, line string) bool {
	if id, ok := r.console.takePrompt(); ok {
		if err := r.kernel.ReplyToPrompt(ctx, id, line); err != nil {
			r.logger.Warn("answering input request failed", "error", err)
		}
		return false
	}

	if !strings.HasPrefix(line, ":") {
		if strings.TrimSpace(line) == "" {
			return false
		}
		if _, err := r.kernel.Execute(ctx, line, r.clientID, supervisor.Interactive, supervisor.StopOnError); err != nil {
			r.logger.Warn("execute failed", "error", err)
		}
		return false
	}

	command, argument, _ := strings.Cut(strings.TrimPrefix(line, ":"), " ")
	var err error
	switch command {
	case "quit", "q":
		return true
	case "shutdown":
		if err := r.kernel.Shutdown(ctx); err != nil {
			r.logger.Warn("shutdown failed", "error", err)
		}
		return true
	case "interrupt":
		err = r.kernel.Interrupt(ctx)
	case "restart":
		err = r.kernel.Restart(ctx)
	case "complete":
		_, err = r.kernel.Complete(ctx, argument, cursorAtEnd(argument))
	case "inspect":
		_, err = r.kernel.Inspect(ctx, argument, cursorAtEnd(argument), 0)
	default:
		r.console.notice("unknown command :%s", command)
		return false
	}
	if err != nil {
		r.logger.Warn("command failed", "command", command, "error", err)
	}
	return false
}

// cursorAtEnd is the cursor_pos of the end of code. Protocol 5.2
// counts Unicode code points, not bytes.
func cursorAtEnd(code string) int {
	return utf8.RuneCountInString(code)
}
