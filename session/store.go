// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound is returned by Store.Get when no descriptor is stored
// for the runtime id.
var ErrNotFound = errors.New("session not found")

// Store persists descriptors keyed by runtime id.
type Store interface {
	Get(ctx context.Context, runtimeID string) (*Descriptor, error)
	Set(ctx context.Context, runtimeID string, descriptor *Descriptor) error
	Delete(ctx context.Context, runtimeID string) error
}

// Lister is implemented by stores that can enumerate their entries.
type Lister interface {
	List(ctx context.Context) (map[string]*Descriptor, error)
}

// MemoryStore is an in-process Store. Safe for concurrent use.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*Descriptor
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*Descriptor)}
}

func (s *MemoryStore) Get(ctx context.Context, runtimeID string) (*Descriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	descriptor, ok := s.entries[runtimeID]
	if !ok {
		return nil, ErrNotFound
	}
	return descriptor.Clone(), nil
}

func (s *MemoryStore) Set(ctx context.Context, runtimeID string, descriptor *Descriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[runtimeID] = descriptor.Clone()
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, runtimeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, runtimeID)
	return nil
}

func (s *MemoryStore) List(ctx context.Context) (map[string]*Descriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make(map[string]*Descriptor, len(s.entries))
	for runtimeID, descriptor := range s.entries {
		result[runtimeID] = descriptor.Clone()
	}
	return result, nil
}
