// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package logtail follows a growing log file and delivers it line by
// line.
//
// The file need not exist when tailing starts: the parent directory is
// watched with fsnotify and the file is picked up when it is created.
// Truncation or replacement of the file restarts reading from the
// beginning. Only complete lines are delivered; a trailing partial
// line is held until its newline arrives or the Tailer is closed.
// A slow poll backs up fsnotify for filesystems that do not report
// writes.
package logtail

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/x/ansi"
	"github.com/fsnotify/fsnotify"

	"github.com/bureau-foundation/kernelhost/lib/clock"
)

// DefaultPollInterval is the fallback re-read interval.
const DefaultPollInterval = time.Second

// lineBuffer is the capacity of the Lines channel.
const lineBuffer = 256

// Line is one complete line of the file, without its newline.
type Line struct {
	Text string
	Time time.Time
}

// Options configures Tail.
type Options struct {
	// StripANSI removes terminal escape sequences from each line.
	StripANSI bool

	// PollInterval defaults to DefaultPollInterval.
	PollInterval time.Duration

	// Clock drives polling and line timestamps. Default clock.Real().
	Clock clock.Clock

	Logger *slog.Logger
}

// Tailer follows one file. Create with Tail.
type Tailer struct {
	path    string
	options Options
	watcher *fsnotify.Watcher
	lines   chan Line

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once

	file    *os.File
	offset  int64
	pending []byte
}

// Tail starts following path. The parent directory must exist. Lines
// is closed after Close returns or ctx is done.
func Tail(ctx context.Context, path string, options Options) (*Tailer, error) {
	if options.PollInterval <= 0 {
		options.PollInterval = DefaultPollInterval
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.DiscardHandler)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watching %s: %w", filepath.Dir(path), err)
	}

	ctx, cancel := context.WithCancel(ctx)
	tailer := &Tailer{
		path:    filepath.Clean(path),
		options: options,
		watcher: watcher,
		lines:   make(chan Line, lineBuffer),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go tailer.run(ctx)
	return tailer, nil
}

// Lines delivers complete lines in file order.
func (t *Tailer) Lines() <-chan Line { return t.lines }

// Path returns the followed file.
func (t *Tailer) Path() string { return t.path }

// Close stops following, delivers any held partial line if the
// consumer has room for it, and closes Lines. Safe to call more than
// once.
func (t *Tailer) Close() error {
	t.closeOnce.Do(t.cancel)
	<-t.done
	return nil
}

func (t *Tailer) run(ctx context.Context) {
	defer close(t.done)
	defer close(t.lines)
	defer t.watcher.Close()
	defer func() {
		if t.file != nil {
			t.file.Close()
		}
	}()

	t.readAvailable(ctx)
	for {
		select {
		case <-ctx.Done():
			t.readAvailable(ctx)
			t.flushPartial()
			return
		case event, ok := <-t.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != t.path {
				continue
			}
			if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				t.reset()
			}
			t.readAvailable(ctx)
		case err, ok := <-t.watcher.Errors:
			if !ok {
				return
			}
			t.options.Logger.Warn("log watcher error", "path", t.path, "error", err)
		case <-t.options.Clock.After(t.options.PollInterval):
			t.readAvailable(ctx)
		}
	}
}

// reset forgets the open handle so the next read starts over.
func (t *Tailer) reset() {
	if t.file != nil {
		t.file.Close()
		t.file = nil
	}
	t.offset = 0
	t.pending = nil
}

func (t *Tailer) readAvailable(ctx context.Context) {
	if t.file != nil {
		// Replaced (new inode) or truncated: start over.
		current, err := os.Stat(t.path)
		opened, openedErr := t.file.Stat()
		switch {
		case err != nil || openedErr != nil:
			if errors.Is(err, os.ErrNotExist) {
				t.reset()
				return
			}
		case !os.SameFile(current, opened):
			t.reset()
		case opened.Size() < t.offset:
			t.options.Logger.Debug("log truncated, reading from start", "path", t.path)
			t.offset = 0
			t.pending = nil
		}
	}
	if t.file == nil {
		file, err := os.Open(t.path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				t.options.Logger.Warn("opening log", "path", t.path, "error", err)
			}
			return
		}
		t.file = file
		t.offset = 0
	}

	buffer := make([]byte, 32*1024)
	for {
		read, err := t.file.ReadAt(buffer, t.offset)
		if read > 0 {
			t.offset += int64(read)
			t.consume(ctx, buffer[:read])
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				t.options.Logger.Warn("reading log", "path", t.path, "error", err)
			}
			return
		}
	}
}

func (t *Tailer) consume(ctx context.Context, data []byte) {
	t.pending = append(t.pending, data...)
	for {
		index := bytes.IndexByte(t.pending, '\n')
		if index < 0 {
			return
		}
		line := bytes.TrimSuffix(t.pending[:index], []byte{'\r'})
		t.emit(ctx, string(line))
		t.pending = t.pending[index+1:]
	}
}

func (t *Tailer) emit(ctx context.Context, text string) {
	line := t.line(text)
	if ctx.Err() != nil {
		// Closing: deliver what fits without waiting.
		select {
		case t.lines <- line:
		default:
		}
		return
	}
	select {
	case t.lines <- line:
	case <-ctx.Done():
	}
}

func (t *Tailer) flushPartial() {
	if len(t.pending) == 0 {
		return
	}
	select {
	case t.lines <- t.line(string(bytes.TrimSuffix(t.pending, []byte{'\r'}))):
	default:
	}
	t.pending = nil
}

func (t *Tailer) line(text string) Line {
	if t.options.StripANSI {
		text = ansi.Strip(text)
	}
	return Line{Text: text, Time: t.options.Clock.Now()}
}
