// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"context"
	"fmt"

	"github.com/stacklok/thv-authserver/pkg/authserver/storage"
	"github.com/stacklok/thv-authserver/pkg/secrets"
)

// Source selects where signing keys come from.
type Source string

const (
	// SourceStore reads rotating keys from the object store (default).
	SourceStore Source = "store"

	// SourceSecret reads a fixed key from the secret store. No rotation runs.
	SourceSecret Source = "secret"

	// SourceEphemeral generates an in-memory key. Development only.
	SourceEphemeral Source = "ephemeral"
)

// Config holds configuration for creating a KeyProvider.
// The caller is responsible for populating this from their own config source
// (environment variables, YAML files, flags, etc.).
type Config struct {
	// Source selects the key provider.
	Source Source

	// Rotation configures generated keys for SourceStore and SourceEphemeral.
	Rotation RotationConfig

	// PrivateKeyName is the secret holding the signing key PEM for SourceSecret.
	PrivateKeyName string

	// VerificationKeyNames are secrets holding additional public key or certificate PEMs
	// published in the JWKS for SourceSecret, e.g. the previous signing key during a
	// manual rotation.
	VerificationKeyNames []string
}

// NewProviderFromConfig creates a KeyProvider based on the configuration.
//
// Behavior:
//   - SourceStore: keys are read from store; the returned Rotator manages them
//   - SourceSecret: the signing key is loaded once from secretProvider; Rotator is nil
//   - SourceEphemeral: a key is generated on first use; Rotator is nil
func NewProviderFromConfig(
	ctx context.Context,
	cfg Config,
	backend storage.Backend,
	secretProvider secrets.Provider,
	opts ...StoreProviderOption,
) (KeyProvider, *Rotator, error) {
	switch cfg.Source {
	case SourceStore, "":
		if backend == nil {
			return nil, nil, fmt.Errorf("object store is required for key source %q", SourceStore)
		}
		provider := NewStoreProvider(backend, opts...)
		rotator, err := NewRotator(backend, backend, cfg.Rotation, WithInvalidator(provider))
		if err != nil {
			return nil, nil, err
		}
		return provider, rotator, nil
	case SourceSecret:
		if secretProvider == nil {
			return nil, nil, fmt.Errorf("secret provider is required for key source %q", SourceSecret)
		}
		provider, err := NewSecretProvider(ctx, secretProvider, cfg.PrivateKeyName, cfg.VerificationKeyNames)
		if err != nil {
			return nil, nil, err
		}
		return provider, nil, nil
	case SourceEphemeral:
		return NewGeneratingProvider(cfg.Rotation.KeyBits), nil, nil
	default:
		return nil, nil, fmt.Errorf("unsupported key source: %s", cfg.Source)
	}
}
