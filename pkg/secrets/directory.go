// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package secrets

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// DirectoryProvider reads secrets from files in a directory, one file per secret.
// This matches the layout of Kubernetes secret volume mounts.
type DirectoryProvider struct {
	dir string
}

// NewDirectoryProvider creates a provider rooted at dir.
func NewDirectoryProvider(dir string) (*DirectoryProvider, error) {
	if dir == "" {
		return nil, errors.New("secrets directory cannot be empty")
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to access secrets directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("secrets path %s is not a directory", dir)
	}
	return &DirectoryProvider{dir: dir}, nil
}

// GetSecret returns the contents of dir/name with trailing newlines removed.
func (p *DirectoryProvider) GetSecret(_ context.Context, name string) (string, error) {
	if err := validateName(name); err != nil {
		return "", err
	}
	// #nosec G304 - name is validated to contain no path separators
	data, err := os.ReadFile(filepath.Join(p.dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read secret %s: %w", name, err)
	}
	value := strings.TrimRight(string(data), "\r\n")
	if value == "" {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	}
	return value, nil
}
