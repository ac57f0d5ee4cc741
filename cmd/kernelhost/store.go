// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"

	"github.com/bureau-foundation/kernelhost/lib/codec"
	"github.com/bureau-foundation/kernelhost/lib/config"
	"github.com/bureau-foundation/kernelhost/lib/sealed"
	"github.com/bureau-foundation/kernelhost/session"
)

// openStore opens the configured session store. The returned close
// function is never nil.
func openStore(cfg *config.Config, logger *slog.Logger) (session.Store, func() error, error) {
	noClose := func() error { return nil }
	switch cfg.Store.Backend {
	case config.StoreMemory:
		return session.NewMemoryStore(), noClose, nil
	case config.StoreSQLite:
		store, err := session.OpenSQLiteStore(cfg.Store.Path, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("opening session database: %w", err)
		}
		return store, store.Close, nil
	default:
		storeConfig := session.FileStoreConfig{
			Directory:  cfg.Store.Path,
			Recipients: cfg.Store.Recipients,
		}
		if cfg.Store.IdentityFile != "" {
			identities, err := sealed.LoadIdentities(cfg.Store.IdentityFile)
			if err != nil {
				return nil, nil, fmt.Errorf("loading store identities: %w", err)
			}
			storeConfig.Identities = identities
		}
		store, err := session.NewFileStore(storeConfig)
		if err != nil {
			return nil, nil, err
		}
		return store, noClose, nil
	}
}

// dumpStore prints one line per persisted session. Signing keys are
// not printed, except in raw SQLite rows.
func dumpStore(ctx context.Context, cfg *config.Config, out io.Writer, raw bool, logger *slog.Logger) error {
	store, closeStore, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	if raw {
		sqliteStore, ok := store.(*session.SQLiteStore)
		if !ok {
			return fmt.Errorf("--raw needs the %s store backend, not %s", config.StoreSQLite, cfg.Store.Backend)
		}
		rows, err := sqliteStore.RawRows(ctx)
		if err != nil {
			return err
		}
		for _, runtimeID := range slices.Sorted(maps.Keys(rows)) {
			diagnostic, err := codec.Diagnose(rows[runtimeID])
			if err != nil {
				return fmt.Errorf("decoding row %s: %w", runtimeID, err)
			}
			fmt.Fprintf(out, "%s\t%s\n", runtimeID, diagnostic)
		}
		return nil
	}

	lister, ok := store.(session.Lister)
	if !ok {
		return errors.New("store backend cannot list sessions")
	}
	descriptors, err := lister.List(ctx)
	if err != nil {
		return err
	}
	for _, runtimeID := range slices.Sorted(maps.Keys(descriptors)) {
		descriptor := descriptors[runtimeID]
		fmt.Fprintf(out, "%s\tsession=%s kernel=%s pid=%d terminal=%s connection_file=%s\n",
			runtimeID,
			descriptor.SessionID,
			descriptor.KernelName,
			descriptor.ProcessID,
			descriptor.TerminalName,
			descriptor.ConnectionFilePath,
		)
	}
	return nil
}
