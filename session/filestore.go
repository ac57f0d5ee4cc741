// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"

	"github.com/bureau-foundation/kernelhost/lib/atomicfile"
	"github.com/bureau-foundation/kernelhost/lib/sealed"
)

const (
	plainExtension  = ".json"
	sealedExtension = ".json.age"
)

// FileStoreConfig configures a FileStore.
type FileStoreConfig struct {
	// Directory holds one file per runtime id. Created if missing.
	Directory string

	// Recipients, when non-empty, encrypts every descriptor to these
	// age public keys.
	Recipients []string

	// Identities decrypt sealed descriptors. Required when Recipients
	// is set.
	Identities []age.Identity
}

// FileStore stores each descriptor as a JSON file named after the
// escaped runtime id. Writes are atomic.
type FileStore struct {
	directory  string
	recipients []string
	identities []age.Identity
}

// NewFileStore validates config and creates the directory.
func NewFileStore(config FileStoreConfig) (*FileStore, error) {
	if config.Directory == "" {
		return nil, errors.New("file store directory is required")
	}
	for _, recipient := range config.Recipients {
		if err := sealed.ParsePublicKey(recipient); err != nil {
			return nil, err
		}
	}
	if len(config.Recipients) > 0 && len(config.Identities) == 0 {
		return nil, errors.New("file store with recipients needs an identity to read descriptors back")
	}
	if err := os.MkdirAll(config.Directory, 0o700); err != nil {
		return nil, fmt.Errorf("creating file store directory: %w", err)
	}
	return &FileStore{
		directory:  config.Directory,
		recipients: config.Recipients,
		identities: config.Identities,
	}, nil
}

func (s *FileStore) sealed() bool { return len(s.recipients) > 0 }

func (s *FileStore) path(runtimeID string) string {
	extension := plainExtension
	if s.sealed() {
		extension = sealedExtension
	}
	return filepath.Join(s.directory, url.PathEscape(runtimeID)+extension)
}

func (s *FileStore) Get(ctx context.Context, runtimeID string) (*Descriptor, error) {
	return s.read(s.path(runtimeID))
}

func (s *FileStore) read(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading session file: %w", err)
	}
	if strings.HasSuffix(path, sealedExtension) {
		data, err = sealed.Decrypt(data, s.identities)
		if err != nil {
			return nil, fmt.Errorf("unsealing %s: %w", path, err)
		}
	}
	var descriptor Descriptor
	if err := json.Unmarshal(data, &descriptor); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &descriptor, nil
}

func (s *FileStore) Set(ctx context.Context, runtimeID string, descriptor *Descriptor) error {
	data, err := json.MarshalIndent(descriptor, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling descriptor: %w", err)
	}
	if s.sealed() {
		data, err = sealed.Encrypt(data, s.recipients)
		if err != nil {
			return fmt.Errorf("sealing descriptor for %s: %w", runtimeID, err)
		}
	}
	return atomicfile.Write(s.path(runtimeID), data, 0o600)
}

func (s *FileStore) Delete(ctx context.Context, runtimeID string) error {
	return atomicfile.Remove(s.path(runtimeID))
}

// List reads every descriptor in the directory. Files in the other
// format (sealed or plain) are skipped.
func (s *FileStore) List(ctx context.Context) (map[string]*Descriptor, error) {
	entries, err := os.ReadDir(s.directory)
	if err != nil {
		return nil, fmt.Errorf("listing file store: %w", err)
	}
	extension := plainExtension
	if s.sealed() {
		extension = sealedExtension
	}

	result := make(map[string]*Descriptor)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, extension) {
			continue
		}
		runtimeID, err := url.PathUnescape(strings.TrimSuffix(name, extension))
		if err != nil {
			continue
		}
		descriptor, err := s.read(filepath.Join(s.directory, name))
		if err != nil {
			return nil, err
		}
		result[runtimeID] = descriptor
	}
	return result, nil
}
