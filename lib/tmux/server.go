// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package tmux

import (
	"fmt"
	"maps"
	"os/exec"
	"slices"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// Server represents a tmux server identified by its Unix socket path.
type Server struct {
	socketPath string
	configFile string // passed as "-f <path>" on new-session; empty = tmux default
}

// NewServer returns a Server that targets the given socket path.
//
// configFile controls which configuration file tmux loads when the
// server starts (on the first new-session). Pass "/dev/null" to skip
// the user's ~/.tmux.conf; production and tests always do.
func NewServer(socketPath, configFile string) *Server {
	return &Server{
		socketPath: socketPath,
		configFile: configFile,
	}
}

// SocketPath returns the Unix socket path that identifies this server.
func (s *Server) SocketPath() string {
	return s.socketPath
}

// SessionOptions configures NewSession.
type SessionOptions struct {
	// Env is set in the session environment via -e. Requires tmux 3.2.
	Env map[string]string

	// Dir is the pane's working directory. Empty inherits.
	Dir string

	// RemainOnExit keeps the pane after its command exits so that the
	// exit status can be read with PaneStatus. The option is set from
	// inside the pane before the command runs, so even a command that
	// exits immediately leaves its pane behind.
	RemainOnExit bool
}

// NewSession creates a detached tmux session on this server. If command
// is non-empty, the session runs that command instead of the default
// shell.
func (s *Server) NewSession(sessionName string, options SessionOptions, command ...string) error {
	args := s.newSessionArgs(sessionName, options)
	if options.RemainOnExit && len(command) > 0 {
		command = remainOnExitWrapper(command)
	}
	args = append(args, command...)
	cmd := exec.Command("tmux", args...)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("tmux new-session %q: %w (%s)",
			sessionName, err, strings.TrimSpace(string(output)))
	}
	return nil
}

// newSessionArgs builds the argument list for a new-session command.
// -f is passed here because new-session may start the server.
func (s *Server) newSessionArgs(sessionName string, options SessionOptions) []string {
	var args []string
	if s.configFile != "" {
		args = append(args, "-f", s.configFile)
	}
	args = append(args, "-S", s.socketPath, "new-session", "-d", "-s", sessionName)
	if options.Dir != "" {
		args = append(args, "-c", options.Dir)
	}
	for _, name := range slices.Sorted(maps.Keys(options.Env)) {
		args = append(args, "-e", name+"="+options.Env[name])
	}
	return args
}

// remainOnExitWrapper runs command under sh after setting
// remain-on-exit on the pane's own session. exec keeps the pane pid
// equal to the command's pid.
func remainOnExitWrapper(command []string) []string {
	quoted := make([]string, len(command))
	for index, argument := range command {
		quoted[index] = shellQuote(argument)
	}
	script := "tmux set-option remain-on-exit on >/dev/null 2>&1; exec " + strings.Join(quoted, " ")
	return []string{"sh", "-c", script}
}

func shellQuote(argument string) string {
	if argument != "" && strings.IndexFunc(argument, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./=:,+@%", r))
	}) < 0 {
		return argument
	}
	return "'" + strings.ReplaceAll(argument, "'", `'\''`) + "'"
}

// HasSession reports whether a session with the given name exists on
// this server. Returns false if the server is not running.
func (s *Server) HasSession(sessionName string) bool {
	cmd := exec.Command("tmux", "-S", s.socketPath, "has-session", "-t", "="+sessionName)
	return cmd.Run() == nil
}

// KillSession terminates a specific session. Returns nil if the session
// was already gone or the server was not running.
func (s *Server) KillSession(sessionName string) error {
	cmd := exec.Command("tmux", "-S", s.socketPath, "kill-session", "-t", "="+sessionName)
	output, err := cmd.CombinedOutput()
	if err != nil {
		outputString := strings.TrimSpace(string(output))
		if isBenignMissing(outputString) {
			return nil
		}
		return fmt.Errorf("tmux kill-session %q: %w (%s)",
			sessionName, err, outputString)
	}
	return nil
}

// KillServer terminates the entire tmux server. Returns nil if the
// server was already stopped.
func (s *Server) KillServer() error {
	cmd := exec.Command("tmux", "-S", s.socketPath, "kill-server")
	output, err := cmd.CombinedOutput()
	if err != nil {
		outputString := strings.TrimSpace(string(output))
		// "server exited unexpectedly" appears when the socket file
		// lingers briefly after the server process has exited.
		if strings.Contains(outputString, "no server running") ||
			strings.Contains(outputString, "server exited unexpectedly") {
			return nil
		}
		return fmt.Errorf("tmux kill-server: %w (%s)", err, outputString)
	}
	return nil
}

func isBenignMissing(output string) bool {
	return strings.Contains(output, "can't find session") ||
		strings.Contains(output, "no server running") ||
		strings.Contains(output, "error connecting to")
}

// SetOption sets a tmux option. An empty sessionName sets it globally.
func (s *Server) SetOption(sessionName, key, value string) error {
	var args []string
	if sessionName == "" {
		args = []string{"-S", s.socketPath, "set-option", "-g", key, value}
	} else {
		args = []string{"-S", s.socketPath, "set-option", "-t", sessionName, key, value}
	}
	cmd := exec.Command("tmux", args...)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("tmux set-option %q=%q (session %q): %w (%s)",
			key, value, sessionName, err, strings.TrimSpace(string(output)))
	}
	return nil
}

// Run executes an arbitrary tmux subcommand on this server and returns
// the combined output. The -S flag is prepended:
//
//	output, err := server.Run("list-panes", "-t", session, "-F", "#{pane_index}")
func (s *Server) Run(args ...string) (string, error) {
	fullArgs := append([]string{"-S", s.socketPath}, args...)
	cmd := exec.Command("tmux", fullArgs...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("tmux %s: %w (%s)",
			strings.Join(args, " "), err, strings.TrimSpace(string(output)))
	}
	return string(output), nil
}

// Pane is one row of ListPanes.
type Pane struct {
	SessionName string
	PID         int
	Dead        bool
}

// ListPanes lists the first pane of every session on the server. A
// server that is not running has no panes.
func (s *Server) ListPanes() ([]Pane, error) {
	output, err := s.Run("list-panes", "-a", "-F", "#{session_name}\t#{pane_index}\t#{pane_pid}\t#{pane_dead}")
	if err != nil {
		if isBenignMissing(err.Error()) {
			return nil, nil
		}
		return nil, err
	}
	return parsePanes(output)
}

func parsePanes(output string) ([]Pane, error) {
	var panes []Pane
	seen := make(map[string]bool)
	for _, line := range strings.Split(strings.TrimRight(output, "\n"), "\n") {
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != 4 {
			return nil, fmt.Errorf("unexpected list-panes line %q", line)
		}
		if seen[fields[0]] {
			continue
		}
		seen[fields[0]] = true
		pid, err := strconv.Atoi(fields[2])
		if err != nil {
			return nil, fmt.Errorf("parsing pane pid %q: %w", fields[2], err)
		}
		panes = append(panes, Pane{
			SessionName: fields[0],
			PID:         pid,
			Dead:        fields[3] == "1",
		})
	}
	return panes, nil
}

// CapturePane captures the scrollback and visible content of the
// session's pane. maxLines limits the output to the last N lines; 0
// means no limit. The pane must still exist (remain-on-exit).
func (s *Server) CapturePane(sessionName string, maxLines int) (string, error) {
	output, err := s.Run("capture-pane", "-t", sessionName, "-p", "-S", "-", "-E", "-")
	if err != nil {
		return "", err
	}
	if maxLines <= 0 {
		return output, nil
	}
	return tailString(output, maxLines), nil
}

// PaneStatus returns whether the pane's command has exited and, if so,
// its exit code and signal. Requires remain-on-exit.
//
// A signal death reports signal > 0 and exitCode = 128 + signal,
// following the shell convention.
func (s *Server) PaneStatus(sessionName string) (dead bool, exitCode int, signal int, err error) {
	for attempt := 0; ; attempt++ {
		output, queryErr := s.Run("display-message", "-t", sessionName, "-p",
			"#{pane_dead} #{pane_dead_status} #{pane_dead_signal}")
		if queryErr != nil {
			return false, 0, 0, queryErr
		}

		var retry bool
		dead, exitCode, signal, retry, err = parsePaneStatus(output)
		if err != nil || !retry {
			return dead, exitCode, signal, err
		}
		// tmux 3.4+ sets pane_dead before it records the exit status.
		// After the retries are spent, report exit code 0: some tmux
		// versions never set pane_dead_status for a clean exit.
		if attempt >= paneStatusMaxRetries {
			return true, 0, 0, nil
		}
		time.Sleep(paneStatusRetryDelay)
	}
}

const (
	paneStatusRetryDelay = 50 * time.Millisecond
	paneStatusMaxRetries = 5
)

// parsePaneStatus parses "<dead> <status> <signal>". Empty values
// collapse: "0" running, "1 42" exit 42, "1  15" SIGTERM, "1" not yet
// populated (retry).
func parsePaneStatus(output string) (dead bool, exitCode, signal int, retry bool, err error) {
	parts := strings.SplitN(strings.TrimRight(output, "\n"), " ", 3)
	if len(parts) == 0 || parts[0] == "" {
		return false, 0, 0, false, fmt.Errorf("empty pane status output")
	}
	deadValue, err := strconv.Atoi(parts[0])
	if err != nil {
		return false, 0, 0, false, fmt.Errorf("parsing pane_dead %q: %w", parts[0], err)
	}
	if deadValue == 0 {
		return false, 0, 0, false, nil
	}

	hasStatus := len(parts) >= 2 && parts[1] != ""
	hasSignal := len(parts) >= 3 && strings.TrimSpace(parts[2]) != ""
	if hasSignal {
		signalNumber, err := strconv.Atoi(strings.TrimSpace(parts[2]))
		if err != nil {
			return true, -1, 0, false, fmt.Errorf("parsing pane_dead_signal %q: %w", parts[2], err)
		}
		return true, 128 + signalNumber, signalNumber, false, nil
	}
	if hasStatus {
		status, err := strconv.Atoi(parts[1])
		if err != nil {
			return true, -1, 0, false, fmt.Errorf("parsing pane_dead_status %q: %w", parts[1], err)
		}
		return true, status, 0, false, nil
	}
	return true, 0, 0, true, nil
}

// PanePID returns the process ID of the command in the session's
// active pane. With remain-on-exit the value survives the process.
func (s *Server) PanePID(sessionName string) (int, error) {
	output, err := s.Run("display-message", "-t", sessionName, "-p", "#{pane_pid}")
	if err != nil {
		return 0, fmt.Errorf("getting pane PID: %w", err)
	}
	pid, parseErr := strconv.Atoi(strings.TrimSpace(output))
	if parseErr != nil {
		return 0, fmt.Errorf("parsing pane PID %q: %w", strings.TrimSpace(output), parseErr)
	}
	return pid, nil
}

// SignalPane sends signal to the process in the session's active pane.
func (s *Server) SignalPane(sessionName string, signal syscall.Signal) error {
	pid, err := s.PanePID(sessionName)
	if err != nil {
		return err
	}
	if err := syscall.Kill(pid, signal); err != nil {
		return fmt.Errorf("signaling PID %d with %v: %w", pid, signal, err)
	}
	return nil
}

// tailString returns the last n lines of s, matching tail -n: a
// trailing newline terminates the last line.
func tailString(s string, n int) string {
	if len(s) == 0 {
		return s
	}
	searchFrom := len(s) - 1
	if s[searchFrom] == '\n' {
		searchFrom--
	}
	count := 0
	for i := searchFrom; i >= 0; i-- {
		if s[i] == '\n' {
			count++
			if count == n {
				return s[i+1:]
			}
		}
	}
	return s
}
