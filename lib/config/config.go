// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/kernelhost/kernelspec"
	"github.com/bureau-foundation/kernelhost/session"
)

// EnvConfig names the environment variable read by Load.
const EnvConfig = "KERNELHOST_CONFIG"

// Store backends.
const (
	StoreFile   = "file"
	StoreSQLite = "sqlite"
	StoreMemory = "memory"
)

// Config is the master configuration for kernelhost.
type Config struct {
	// RuntimeID keys the persisted session. Two supervisors with the
	// same runtime id on one machine reconnect to the same kernel.
	RuntimeID string `yaml:"runtime_id"`

	Kernel         KernelConfig         `yaml:"kernel"`
	Heartbeat      HeartbeatConfig      `yaml:"heartbeat"`
	Paths          PathsConfig          `yaml:"paths"`
	Store          StoreConfig          `yaml:"store"`
	Tmux           TmuxConfig           `yaml:"tmux"`
	LanguageServer LanguageServerConfig `yaml:"language_server"`
	Log            LogConfig            `yaml:"log"`
}

// KernelConfig selects the kernel to launch, either by kernelspec
// (Spec) or inline (Argv and friends). Spec wins when both are set.
type KernelConfig struct {
	// Spec is a kernelspec directory, a kernel.json path, or a bare
	// kernel name looked up on the Jupyter search path.
	Spec string `yaml:"spec"`

	Name          string            `yaml:"name"`
	DisplayName   string            `yaml:"display_name"`
	Language      string            `yaml:"language"`
	Argv          []string          `yaml:"argv"`
	Env           map[string]string `yaml:"env"`
	InterruptMode string            `yaml:"interrupt_mode"`
}

// HeartbeatConfig holds the liveness probe timing as duration strings.
type HeartbeatConfig struct {
	// Interval between a reply and the next probe. Default: 3s
	Interval string `yaml:"interval"`

	// Timeout for a reply before the kernel is considered offline.
	// Default: 30s
	Timeout string `yaml:"timeout"`
}

// PathsConfig configures directory locations.
type PathsConfig struct {
	// Root is the base directory for kernelhost data.
	Root string `yaml:"root"`

	// State holds the session store.
	State string `yaml:"state"`

	// Runtime holds connection files and kernel logs.
	Runtime string `yaml:"runtime"`

	// LogArchive receives compressed kernel logs when a session is
	// disposed. Empty disables archival.
	LogArchive string `yaml:"log_archive"`

	// ArchiveCodec is "zstd" or "lz4". Default: zstd
	ArchiveCodec string `yaml:"archive_codec"`
}

// StoreConfig configures session persistence.
type StoreConfig struct {
	// Backend is file, sqlite or memory. Default: file
	Backend string `yaml:"backend"`

	// Path is the store directory (file) or database (sqlite).
	// Default: under paths.state
	Path string `yaml:"path"`

	// Recipients are age public keys. When set, the file backend
	// encrypts descriptors (they carry the signing key).
	Recipients []string `yaml:"recipients"`

	// IdentityFile holds the age identities that decrypt them.
	IdentityFile string `yaml:"identity_file"`
}

// TmuxConfig configures the tmux server hosting kernels.
type TmuxConfig struct {
	// Socket is the tmux server socket path. Default: under paths.runtime
	Socket string `yaml:"socket"`

	// ConfigFile is passed to tmux -f. Default: /dev/null
	ConfigFile string `yaml:"config_file"`
}

// LanguageServerConfig configures the language-server comm.
type LanguageServerConfig struct {
	// CommTarget is the comm target name opened on first Ready.
	// Empty disables the comm.
	CommTarget string `yaml:"comm_target"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is debug, info, warn or error. Default: info
	Level string `yaml:"level"`
}

// Default returns the default configuration. LoadFile applies the file
// on top of it.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultRoot := filepath.Join(homeDir, ".cache", "kernelhost")

	return &Config{
		RuntimeID: "default",
		Heartbeat: HeartbeatConfig{
			Interval: "3s",
			Timeout:  "30s",
		},
		Paths: PathsConfig{
			Root:         defaultRoot,
			State:        filepath.Join(defaultRoot, "state"),
			Runtime:      filepath.Join(defaultRoot, "run"),
			ArchiveCodec: string(session.ArchiveZstd),
		},
		Store: StoreConfig{
			Backend: StoreFile,
		},
		Tmux: TmuxConfig{
			ConfigFile: "/dev/null",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from the KERNELHOST_CONFIG environment
// variable. It fails when the variable is not set.
func Load() (*Config, error) {
	configPath := os.Getenv(EnvConfig)
	if configPath == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your kernelhost.yaml config file, or use --config flag", EnvConfig)
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.expandVariables()
	cfg.ApplyDerivedDefaults()
	return cfg, nil
}

// ApplyDerivedDefaults fills paths that default relative to others.
// LoadFile calls it; callers building a Config by hand call it after
// setting Paths and Store.Backend.
func (c *Config) ApplyDerivedDefaults() {
	if c.Store.Path == "" {
		switch c.Store.Backend {
		case StoreSQLite:
			c.Store.Path = filepath.Join(c.Paths.State, "sessions.db")
		case StoreFile:
			c.Store.Path = filepath.Join(c.Paths.State, "sessions")
		}
	}
	if c.Tmux.Socket == "" {
		c.Tmux.Socket = filepath.Join(c.Paths.Runtime, "tmux.sock")
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"KERNELHOST_ROOT": c.Paths.Root,
		"HOME":            os.Getenv("HOME"),
	}

	c.Paths.Root = expandVars(c.Paths.Root, vars)
	vars["KERNELHOST_ROOT"] = c.Paths.Root // Update for dependent paths.

	c.Paths.State = expandVars(c.Paths.State, vars)
	c.Paths.Runtime = expandVars(c.Paths.Runtime, vars)
	c.Paths.LogArchive = expandVars(c.Paths.LogArchive, vars)
	c.Store.Path = expandVars(c.Store.Path, vars)
	c.Store.IdentityFile = expandVars(c.Store.IdentityFile, vars)
	c.Tmux.Socket = expandVars(c.Tmux.Socket, vars)
	c.Tmux.ConfigFile = expandVars(c.Tmux.ConfigFile, vars)
	c.Kernel.Spec = expandVars(c.Kernel.Spec, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default} patterns.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Check provided vars first, then environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// HeartbeatInterval parses Heartbeat.Interval.
func (c *Config) HeartbeatInterval() (time.Duration, error) {
	return parsePositiveDuration("heartbeat.interval", c.Heartbeat.Interval)
}

// HeartbeatTimeout parses Heartbeat.Timeout.
func (c *Config) HeartbeatTimeout() (time.Duration, error) {
	return parsePositiveDuration("heartbeat.timeout", c.Heartbeat.Timeout)
}

func parsePositiveDuration(field, value string) (time.Duration, error) {
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if duration <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %s", field, value)
	}
	return duration, nil
}

// LogLevel parses Log.Level.
func (c *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

// ArchiveCodec parses Paths.ArchiveCodec.
func (c *Config) ArchiveCodec() (session.ArchiveCodec, error) {
	return session.ParseArchiveCodec(c.Paths.ArchiveCodec)
}

// ResolveKernel returns the kernelspec the kernel section describes.
// A Spec path is loaded from disk; a bare name is searched on the
// Jupyter path; otherwise the inline fields form the kernelspec.
func (c *Config) ResolveKernel() (*kernelspec.Spec, error) {
	if c.Kernel.Spec != "" {
		if strings.ContainsRune(c.Kernel.Spec, filepath.Separator) {
			return kernelspec.Load(c.Kernel.Spec)
		}
		return kernelspec.Find(c.Kernel.Spec, kernelspec.DefaultSearchPath())
	}

	spec := &kernelspec.Spec{
		Name:          c.Kernel.Name,
		Argv:          slices.Clone(c.Kernel.Argv),
		DisplayName:   c.Kernel.DisplayName,
		Language:      c.Kernel.Language,
		Env:           c.Kernel.Env,
		InterruptMode: c.Kernel.InterruptMode,
	}
	if spec.InterruptMode == "" {
		spec.InterruptMode = kernelspec.InterruptSignal
	}
	if spec.DisplayName == "" {
		spec.DisplayName = spec.Name
	}
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("kernel: %w", err)
	}
	return spec, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.RuntimeID == "" {
		errs = append(errs, errors.New("runtime_id is required"))
	}
	if c.Kernel.Spec == "" && len(c.Kernel.Argv) == 0 {
		errs = append(errs, errors.New("kernel.spec or kernel.argv is required"))
	}
	if _, err := c.HeartbeatInterval(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.HeartbeatTimeout(); err != nil {
		errs = append(errs, err)
	}
	if c.Paths.Runtime == "" {
		errs = append(errs, errors.New("paths.runtime is required"))
	}
	if _, err := c.ArchiveCodec(); err != nil {
		errs = append(errs, fmt.Errorf("paths.archive_codec: %w", err))
	}

	backends := []string{StoreFile, StoreSQLite, StoreMemory}
	if !slices.Contains(backends, c.Store.Backend) {
		errs = append(errs, fmt.Errorf("store.backend must be one of: %v", backends))
	}
	if c.Store.Backend != StoreMemory && c.Store.Path == "" {
		errs = append(errs, errors.New("store.path is required"))
	}
	if len(c.Store.Recipients) > 0 && c.Store.Backend != StoreFile {
		errs = append(errs, errors.New("store.recipients is only supported by the file backend"))
	}
	if len(c.Store.Recipients) > 0 && c.Store.IdentityFile == "" {
		errs = append(errs, errors.New("store.identity_file is required when store.recipients is set"))
	}

	if _, err := c.LogLevel(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EnsurePaths creates all configured directories if they don't exist.
func (c *Config) EnsurePaths() error {
	paths := []string{
		c.Paths.Root,
		c.Paths.State,
		c.Paths.Runtime,
		c.Paths.LogArchive,
		filepath.Dir(c.Tmux.Socket),
	}
	if c.Store.Backend == StoreFile {
		paths = append(paths, c.Store.Path)
	} else if c.Store.Backend == StoreSQLite {
		paths = append(paths, filepath.Dir(c.Store.Path))
	}

	for _, path := range paths {
		if path == "" || path == "." {
			continue
		}
		if err := os.MkdirAll(path, 0o700); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}
	return nil
}
