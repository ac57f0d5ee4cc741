// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for kernelhost.
//
// Configuration is loaded from a single file specified by either the
// KERNELHOST_CONFIG environment variable (via [Load]) or a --config
// flag (via [LoadFile]). There is no automatic file search. Values the
// file omits keep the settings from [Default].
//
// Variable expansion is performed on path fields after loading:
// ${HOME}, ${KERNELHOST_ROOT}, ${XDG_RUNTIME_DIR} and ${VAR:-default}
// patterns are expanded. No other environment variables override
// config values.
//
// Key exports:
//
//   - [Config] -- master struct with Kernel, Heartbeat, Paths, Store,
//     Tmux, LanguageServer and Log sections
//   - [Default] -- returns a Config with working defaults
//   - [Load] and [LoadFile] -- the two entry points for loading
//   - [Config.ResolveKernel] -- turns the kernel section into a
//     validated kernelspec
package config
