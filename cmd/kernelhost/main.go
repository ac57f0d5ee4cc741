// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/bureau-foundation/kernelhost/host"
	"github.com/bureau-foundation/kernelhost/lib/config"
	"github.com/bureau-foundation/kernelhost/lib/process"
	"github.com/bureau-foundation/kernelhost/lib/tmux"
	"github.com/bureau-foundation/kernelhost/lib/version"
	"github.com/bureau-foundation/kernelhost/supervisor"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

type options struct {
	configPath     string
	runtimeID      string
	kernel         string
	logLevel       string
	storeBackend   string
	shutdownOnExit bool
	raw            bool
	showVersion    bool
}

func run() error {
	var opts options
	flagSet := pflag.NewFlagSet("kernelhost", pflag.ContinueOnError)
	flagSet.StringVarP(&opts.configPath, "config", "c", "", "path to kernelhost.yaml (default: $"+config.EnvConfig+")")
	flagSet.StringVar(&opts.runtimeID, "runtime-id", "", "override runtime_id")
	flagSet.StringVarP(&opts.kernel, "kernel", "k", "", "kernelspec name or directory (overrides kernel.spec)")
	flagSet.StringVar(&opts.logLevel, "log-level", "", "override log.level (debug, info, warn, error)")
	flagSet.StringVar(&opts.storeBackend, "store", "", "override store.backend (file, sqlite, memory)")
	flagSet.BoolVar(&opts.shutdownOnExit, "shutdown-on-exit", false, "shut the kernel down when input ends instead of leaving it running")
	flagSet.BoolVar(&opts.raw, "raw", false, "store dump: print SQLite rows in CBOR diagnostic notation")
	flagSet.BoolVar(&opts.showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if opts.showVersion {
		fmt.Printf("kernelhost %s\n", version.Full())
		return nil
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	level, err := cfg.LogLevel()
	if err != nil {
		return err
	}
	logger := newLogger(os.Stderr, level)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	switch args := flagSet.Args(); {
	case len(args) == 0:
		return runKernel(ctx, cfg, opts, logger)
	case len(args) == 2 && args[0] == "store" && args[1] == "dump":
		return dumpStore(ctx, cfg, os.Stdout, opts.raw, logger)
	default:
		return fmt.Errorf("unknown command %q", strings.Join(args, " "))
	}
}

// loadConfig reads the config file named by --config or
// $KERNELHOST_CONFIG, falling back to defaults, and applies flag
// overrides.
func loadConfig(opts options) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	switch {
	case opts.configPath != "":
		cfg, err = config.LoadFile(opts.configPath)
	case os.Getenv(config.EnvConfig) != "":
		cfg, err = config.Load()
	default:
		cfg = config.Default()
	}
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	if opts.runtimeID != "" {
		cfg.RuntimeID = opts.runtimeID
	}
	if opts.kernel != "" {
		cfg.Kernel.Spec = opts.kernel
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	if opts.storeBackend != "" && opts.storeBackend != cfg.Store.Backend {
		cfg.Store.Backend = opts.storeBackend
		cfg.Store.Path = ""
	}
	cfg.ApplyDerivedDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// newLogger writes text records to a terminal and JSON otherwise.
func newLogger(output *os.File, level slog.Level) *slog.Logger {
	options := &slog.HandlerOptions{Level: level}
	if term.IsTerminal(int(output.Fd())) {
		return slog.New(slog.NewTextHandler(output, options))
	}
	return slog.New(slog.NewJSONHandler(output, options))
}

func runKernel(ctx context.Context, cfg *config.Config, opts options, logger *slog.Logger) error {
	spec, err := cfg.ResolveKernel()
	if err != nil {
		return err
	}
	heartbeatInterval, err := cfg.HeartbeatInterval()
	if err != nil {
		return err
	}
	heartbeatTimeout, err := cfg.HeartbeatTimeout()
	if err != nil {
		return err
	}
	archiveCodec, err := cfg.ArchiveCodec()
	if err != nil {
		return err
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	store, closeStore, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	kernelHost := host.NewTmux(host.TmuxConfig{
		Server: tmux.NewServer(cfg.Tmux.Socket, cfg.Tmux.ConfigFile),
		Logger: logger,
	})

	kernel, err := supervisor.New(ctx, supervisor.Config{
		RuntimeID:            cfg.RuntimeID,
		Kernel:               spec,
		Host:                 kernelHost,
		Store:                store,
		SessionDirectory:     cfg.Paths.Runtime,
		ArchiveDirectory:     cfg.Paths.LogArchive,
		ArchiveCodec:         archiveCodec,
		HeartbeatInterval:    heartbeatInterval,
		HeartbeatTimeout:     heartbeatTimeout,
		LanguageServerTarget: cfg.LanguageServer.CommTarget,
		Username:             version.UserAgent(),
		Logger:               logger,
	})
	if err != nil {
		return err
	}

	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	out := newConsole(os.Stdout, os.Stderr, interactive)
	followed := make(chan struct{})
	go func() {
		defer close(followed)
		out.follow(kernel.SubscribeState(0), kernel.SubscribeMessages(0), kernel.SubscribeLog(0))
	}()
	defer func() {
		kernel.Dispose()
		<-followed
	}()

	logger.Info("starting kernel",
		"kernel", spec.Name,
		"runtime_id", cfg.RuntimeID,
		"version", version.Info(),
	)
	if err := kernel.Start(ctx); err != nil {
		return err
	}

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)

	repl := &repl{
		kernel:   kernel,
		console:  out,
		clientID: uuid.NewString(),
		logger:   logger,
	}
	lines := readLines(os.Stdin)
	for {
		out.showPrompt()
		select {
		case <-ctx.Done():
			return nil
		case <-interrupts:
			if err := kernel.Interrupt(ctx); err != nil {
				logger.Warn("interrupt failed", "error", err)
			}
		case line, ok := <-lines:
			if !ok {
				if opts.shutdownOnExit {
					return kernel.Shutdown(ctx)
				}
				return nil
			}
			if done := repl.handle(ctx, line); done {
				return nil
			}
		}
	}
}

// readLines delivers each line of input; the channel closes at EOF.
func readLines(input io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(input)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}
