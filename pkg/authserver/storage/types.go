// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package storage provides the object store backing signing key material for the
// authorization server, together with the lock used to serialise key rotation.
//
// The store is append-only from the caller's perspective: Put never overwrites an
// existing object. Objects are removed only through Delete by the retention sweep.
package storage

//go:generate mockgen -destination=mocks/mock_storage.go -package=mocks -source=types.go ObjectStore,Locker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when an object does not exist.
	ErrNotFound = errors.New("object not found")

	// ErrAlreadyExists is returned by Put when the key is already occupied.
	ErrAlreadyExists = errors.New("object already exists")

	// ErrLockHeld is returned by TryLock when another holder owns the lock.
	ErrLockHeld = errors.New("lock is held by another process")
)

// ObjectInfo describes one stored object as returned by List.
type ObjectInfo struct {
	// Key is the full object key, e.g. "private-keys/2025-01-02T03-04-05.000000000Z-private.pem".
	Key string

	// LastModified is when the object was written.
	LastModified time.Time
}

// ObjectStore is a flat key/value store addressed by slash-separated key paths.
type ObjectStore interface {
	// List returns every object whose key starts with prefix, sorted by key ascending.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// Get returns the contents of key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put stores data under key. It returns ErrAlreadyExists if key is occupied.
	Put(ctx context.Context, key string, data []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// Locker provides a named mutual-exclusion lock shared by every process using the same backend.
type Locker interface {
	// TryLock acquires the named lock without waiting. It returns ErrLockHeld if the lock
	// is taken. ttl bounds how long a crashed holder can keep the lock, where the backend
	// supports expiry.
	TryLock(ctx context.Context, name string, ttl time.Duration) (unlock func(), err error)
}

// Backend is an ObjectStore that can also serialise writers and must be closed after use.
type Backend interface {
	ObjectStore
	Locker
	io.Closer
}

// ValidateKey rejects keys that are empty, absolute, or contain path traversal segments.
func ValidateKey(key string) error {
	if key == "" {
		return errors.New("object key cannot be empty")
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, `\`) {
		return fmt.Errorf("invalid object key %q", key)
	}
	for _, segment := range strings.Split(key, "/") {
		if segment == "" || segment == "." || segment == ".." {
			return fmt.Errorf("invalid object key %q", key)
		}
	}
	return nil
}
