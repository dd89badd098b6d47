// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"github.com/stacklok/thv-authserver/pkg/logger"
)

const (
	// lockDirName holds lock files and is excluded from listings.
	lockDirName = ".locks"

	// tmpSuffix marks partially written objects, which are excluded from listings.
	tmpSuffix = ".tmp"
)

// FileStorage implements Backend with one file per object below a root directory.
// Objects become visible atomically: data is written to a temporary file and then
// hard-linked into place, which fails if the target already exists.
// Locks use flock(2), so they are shared by every process on the same host.
type FileStorage struct {
	root string
}

// NewFileStorage creates the root directory if needed and returns a FileStorage.
func NewFileStorage(root string) (*FileStorage, error) {
	if root == "" {
		return nil, errors.New("storage root directory cannot be empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve storage directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(abs, lockDirName), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &FileStorage{root: abs}, nil
}

func (s *FileStorage) path(key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	if strings.HasPrefix(key, lockDirName) {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return filepath.Join(s.root, filepath.FromSlash(key)), nil
}

// List walks the directory tree below the prefix's parent and returns matching objects.
func (s *FileStorage) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if d.Name() == lockDirName {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasSuffix(d.Name(), tmpSuffix) {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		out = append(out, ObjectInfo{Key: key, LastModified: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list objects: %w", err)
	}
	// WalkDir visits entries in lexical order, so out is already sorted by key.
	return out, nil
}

// Get reads the object file.
func (s *FileStorage) Get(_ context.Context, key string) ([]byte, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path) //nolint:gosec // path is validated against traversal
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s: %w", key, err)
	}
	return data, nil
}

// Put writes data to a temporary file and links it into place.
func (s *FileStorage) Put(_ context.Context, key string, data []byte) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", key, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*"+tmpSuffix)
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err := os.Remove(tmpName); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logger.Warnf("failed to remove temporary file %s: %v", tmpName, err)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write object %s: %w", key, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync object %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close object %s: %w", key, err)
	}

	if err := os.Link(tmpName, path); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to publish object %s: %w", key, err)
	}
	return nil
}

// Delete removes the object file. Missing files are ignored.
func (s *FileStorage) Delete(_ context.Context, key string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete object %s: %w", key, err)
	}
	return nil
}

// TryLock takes an exclusive flock on a lock file named after name.
// The ttl is not used: the kernel releases the lock when the holder exits.
func (s *FileStorage) TryLock(_ context.Context, name string, _ time.Duration) (func(), error) {
	if strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return nil, fmt.Errorf("invalid lock name %q", name)
	}
	lockPath := filepath.Join(s.root, lockDirName, name+".lock")
	fileLock := flock.New(lockPath)

	locked, err := fileLock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", name, err)
	}
	if !locked {
		return nil, ErrLockHeld
	}

	return func() {
		if err := fileLock.Unlock(); err != nil {
			logger.Warnf("failed to unlock file %s: %v", lockPath, err)
		}
	}, nil
}

// Close is a no-op for file storage.
func (*FileStorage) Close() error {
	return nil
}
