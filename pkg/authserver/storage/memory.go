// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"
)

// memoryObject is a stored value with its write time.
type memoryObject struct {
	data         []byte
	lastModified time.Time
}

// MemoryStorage implements Backend with in-memory maps.
// This implementation is thread-safe and suitable for development and testing.
// Every replica has its own store, so keys are not shared across processes.
type MemoryStorage struct {
	mu      sync.RWMutex
	objects map[string]memoryObject

	locksMu sync.Mutex
	locks   map[string]time.Time

	now func() time.Time
}

// MemoryStorageOption configures a MemoryStorage instance.
type MemoryStorageOption func(*MemoryStorage)

// WithClock sets the clock used for LastModified and lock expiry.
func WithClock(now func() time.Time) MemoryStorageOption {
	return func(s *MemoryStorage) {
		s.now = now
	}
}

// NewMemoryStorage creates a new, empty MemoryStorage.
func NewMemoryStorage(opts ...MemoryStorageOption) *MemoryStorage {
	s := &MemoryStorage{
		objects: make(map[string]memoryObject),
		locks:   make(map[string]time.Time),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// List returns the objects below prefix sorted by key.
func (s *MemoryStorage) List(_ context.Context, prefix string) ([]ObjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ObjectInfo
	for key, obj := range s.objects {
		if strings.HasPrefix(key, prefix) {
			out = append(out, ObjectInfo{Key: key, LastModified: obj.lastModified})
		}
	}
	slices.SortFunc(out, func(a, b ObjectInfo) int { return strings.Compare(a.Key, b.Key) })
	return out, nil
}

// Get returns a copy of the stored value.
func (s *MemoryStorage) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	return slices.Clone(obj.data), nil
}

// Put stores a copy of data under key.
func (s *MemoryStorage) Put(_ context.Context, key string, data []byte) error {
	if err := ValidateKey(key); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.objects[key]; ok {
		return ErrAlreadyExists
	}
	s.objects[key] = memoryObject{data: slices.Clone(data), lastModified: s.now()}
	return nil
}

// Delete removes key if present.
func (s *MemoryStorage) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.objects, key)
	return nil
}

// TryLock acquires an in-process lock that expires after ttl.
func (s *MemoryStorage) TryLock(_ context.Context, name string, ttl time.Duration) (func(), error) {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	now := s.now()
	if expiry, held := s.locks[name]; held && now.Before(expiry) {
		return nil, ErrLockHeld
	}
	expiry := now.Add(ttl)
	s.locks[name] = expiry

	return func() {
		s.locksMu.Lock()
		defer s.locksMu.Unlock()
		// only release our own acquisition, not one taken after expiry
		if s.locks[name].Equal(expiry) {
			delete(s.locks, name)
		}
	}, nil
}

// Close is a no-op for memory storage.
func (*MemoryStorage) Close() error {
	return nil
}
