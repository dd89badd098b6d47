// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"errors"
	"fmt"
)

// Type defines the type of storage backend.
type Type string

const (
	// TypeMemory uses in-memory storage (default). Keys do not survive a restart.
	TypeMemory Type = "memory"

	// TypeFile stores objects as files below a directory.
	TypeFile Type = "file"

	// TypeRedis stores objects in Redis, shared by every replica.
	TypeRedis Type = "redis"
)

// Config configures the storage backend.
type Config struct {
	// Type specifies the storage backend type. Defaults to memory.
	Type Type `json:"type,omitempty" yaml:"type,omitempty" mapstructure:"type"`

	// Dir is the root directory for the file backend.
	Dir string `json:"dir,omitempty" yaml:"dir,omitempty" mapstructure:"dir"`

	// Redis configures the redis backend.
	Redis RedisConfig `json:"redis,omitempty" yaml:"redis,omitempty" mapstructure:"redis"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Type: TypeMemory,
	}
}

// Validate checks that the configuration selects a usable backend.
func (c *Config) Validate() error {
	switch c.Type {
	case TypeMemory, "":
		return nil
	case TypeFile:
		if c.Dir == "" {
			return errors.New("storage dir is required for file storage")
		}
		return nil
	case TypeRedis:
		return validateRedisConfig(&c.Redis)
	default:
		return fmt.Errorf("unsupported storage type: %s", c.Type)
	}
}

// New creates the backend selected by cfg.
func New(ctx context.Context, cfg *Config) (Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Type {
	case TypeFile:
		return NewFileStorage(cfg.Dir)
	case TypeRedis:
		return NewRedisStorage(ctx, cfg.Redis)
	default:
		return NewMemoryStorage(), nil
	}
}
