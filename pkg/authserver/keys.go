// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"context"
	"fmt"

	"github.com/stacklok/thv-authserver/pkg/authserver/server/keys"
	"github.com/stacklok/thv-authserver/pkg/authserver/storage"
	"github.com/stacklok/thv-authserver/pkg/logger"
	"github.com/stacklok/thv-authserver/pkg/secrets"
)

// Keys gives access to the signing keys of a configuration without serving
// requests. It backs the operational key commands.
type Keys struct {
	Provider keys.KeyProvider

	// Rotator is nil unless keys come from the object store.
	Rotator *keys.Rotator

	backend storage.Backend
}

// OpenKeys validates the key related parts of cfg and opens its key provider.
// The issuer and registry are not required. Call Close to release the object store.
func OpenKeys(ctx context.Context, cfg Config, opts ...Option) (*Keys, error) {
	options := &serverOptions{}
	for _, opt := range opts {
		opt(options)
	}

	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	if err := cfg.validateKeys(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	secretProvider, err := options.secrets(&cfg)
	if err != nil {
		return nil, err
	}
	return openKeys(ctx, &cfg, options, secretProvider)
}

func openKeys(ctx context.Context, cfg *Config, options *serverOptions, secretProvider secrets.Provider) (*Keys, error) {
	backend := options.backend
	if backend == nil && cfg.KeySource == keys.SourceStore {
		var err error
		backend, err = storage.New(ctx, &cfg.Storage)
		if err != nil {
			return nil, fmt.Errorf("failed to create storage: %w", err)
		}
	}

	provider, rotator, err := keys.NewProviderFromConfig(ctx, cfg.keysConfig(), backend, secretProvider,
		keys.WithRefreshInterval(cfg.Rotation.RefreshInterval))
	if err != nil {
		if backend != nil {
			_ = backend.Close()
		}
		return nil, fmt.Errorf("failed to create key provider: %w", err)
	}

	logger.Debugw("key provider opened", "keySource", cfg.KeySource, "rotating", rotator != nil)
	return &Keys{Provider: provider, Rotator: rotator, backend: backend}, nil
}

// Close releases the object store, if any.
func (k *Keys) Close() error {
	if k.backend == nil {
		return nil
	}
	if err := k.backend.Close(); err != nil {
		return fmt.Errorf("failed to close storage: %w", err)
	}
	return nil
}

func (o *serverOptions) secrets(cfg *Config) (secrets.Provider, error) {
	if o.secretProvider != nil {
		return o.secretProvider, nil
	}
	p, err := secrets.CreateSecretProvider(cfg.Secrets.Provider, cfg.Secrets.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to create secret provider: %w", err)
	}
	return p, nil
}
