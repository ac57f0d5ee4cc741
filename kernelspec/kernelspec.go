// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package kernelspec loads kernel.json kernelspecs: the argv template,
// environment and display name a front-end uses to launch a kernel.
//
// Files may contain // and /* */ comments and trailing commas; they
// are stripped before parsing.
package kernelspec

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/tidwall/jsonc"

	"github.com/bureau-foundation/kernelhost/host"
)

// FileName is the kernelspec file inside a kernelspec directory.
const FileName = "kernel.json"

// Interrupt modes.
const (
	InterruptSignal  = "signal"
	InterruptMessage = "message"
)

// Spec is one kernelspec.
type Spec struct {
	// Name is the kernelspec directory name (e.g. "python3"). Not part
	// of kernel.json.
	Name string `json:"-"`

	Argv          []string          `json:"argv"`
	DisplayName   string            `json:"display_name"`
	Language      string            `json:"language"`
	Env           map[string]string `json:"env,omitempty"`
	InterruptMode string            `json:"interrupt_mode,omitempty"`
	Metadata      map[string]any    `json:"metadata,omitempty"`
}

// Parse strips comments from data and unmarshals it.
func Parse(data []byte) (*Spec, error) {
	var spec Spec
	if err := json.Unmarshal(jsonc.ToJSON(data), &spec); err != nil {
		return nil, fmt.Errorf("parsing kernelspec: %w", err)
	}
	if spec.InterruptMode == "" {
		spec.InterruptMode = InterruptSignal
	}
	return &spec, nil
}

// Load reads path, which may be a kernel.json file or a kernelspec
// directory containing one. Name is taken from the directory.
func Load(path string) (*Spec, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("reading kernelspec: %w", err)
	}
	if info.IsDir() {
		path = filepath.Join(path, FileName)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	spec, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	spec.Name = filepath.Base(filepath.Dir(path))
	return spec, nil
}

// Validate checks the fields a launch depends on.
func (s *Spec) Validate() error {
	var errs []error
	if len(s.Argv) == 0 {
		errs = append(errs, errors.New("argv is empty"))
	} else if !slices.ContainsFunc(s.Argv, func(argument string) bool {
		return strings.Contains(argument, "{"+host.VarConnectionFile+"}")
	}) {
		errs = append(errs, errors.New("argv does not reference {connection_file}"))
	}
	if s.DisplayName == "" {
		errs = append(errs, errors.New("display_name is empty"))
	}
	switch s.InterruptMode {
	case "", InterruptSignal, InterruptMessage:
	default:
		errs = append(errs, fmt.Errorf("interrupt_mode %q is not signal or message", s.InterruptMode))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("kernelspec %s: %w", s.Name, err)
	}
	return nil
}

// Find looks up name in each directory of searchPath in order
// (directory/name/kernel.json) and returns the first match.
func Find(name string, searchPath []string) (*Spec, error) {
	for _, directory := range searchPath {
		candidate := filepath.Join(directory, name, FileName)
		if _, err := os.Stat(candidate); err != nil {
			continue
		}
		return Load(candidate)
	}
	return nil, fmt.Errorf("kernelspec %q not found in %s", name, strings.Join(searchPath, ":"))
}

// DefaultSearchPath returns the standard per-user and system kernelspec
// directories.
func DefaultSearchPath() []string {
	var path []string
	if dataHome := os.Getenv("XDG_DATA_HOME"); dataHome != "" {
		path = append(path, filepath.Join(dataHome, "jupyter", "kernels"))
	} else if home, err := os.UserHomeDir(); err == nil {
		path = append(path, filepath.Join(home, ".local", "share", "jupyter", "kernels"))
	}
	return append(path,
		"/usr/local/share/jupyter/kernels",
		"/usr/share/jupyter/kernels",
	)
}
