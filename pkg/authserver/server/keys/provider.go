// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stacklok/thv-authserver/pkg/authserver/server/crypto"
	"github.com/stacklok/thv-authserver/pkg/logger"
)

// KeyProvider provides signing keys for JWT operations.
// Implementations handle key sourcing (object store, secret store, generation).
type KeyProvider interface {
	// SigningKey returns the current signing key.
	// Returns ErrNoSigningKey if no key is available.
	SigningKey(ctx context.Context) (*SigningKeyData, error)

	// PublicKeys returns all public keys for the JWKS endpoint.
	// May return multiple keys during rotation periods.
	PublicKeys(ctx context.Context) ([]*PublicKeyData, error)
}

// GeneratingProvider generates an ephemeral key on first access.
// Suitable for development but NOT recommended for production.
// Generated keys are lost on restart, invalidating all issued tokens.
type GeneratingProvider struct {
	bits int
	mu   sync.Mutex
	key  *SigningKeyData
}

// NewGeneratingProvider creates a provider that generates an ephemeral RSA key.
// The key is generated lazily on first SigningKey() call.
// If bits is zero, crypto.DefaultRSAKeyBits is used.
func NewGeneratingProvider(bits int) *GeneratingProvider {
	if bits == 0 {
		bits = crypto.DefaultRSAKeyBits
	}
	return &GeneratingProvider{bits: bits}
}

// SigningKey returns the signing key, generating one if needed.
func (p *GeneratingProvider) SigningKey(_ context.Context) (*SigningKeyData, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.key != nil {
		return p.key.clone(), nil
	}

	privateKey, err := crypto.GenerateRSAKey(p.bits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}
	keyID, err := crypto.DeriveKeyID(privateKey.Public())
	if err != nil {
		return nil, err
	}

	p.key = &SigningKeyData{
		KeyID:     keyID,
		Algorithm: crypto.AlgorithmRS256,
		Key:       privateKey,
		CreatedAt: time.Now(),
	}
	logger.Warnw("generated ephemeral signing key - tokens will be invalid after restart",
		"key_id", keyID,
	)
	return p.key.clone(), nil
}

// PublicKeys returns the public key for JWKS.
// Generates the signing key if it hasn't been generated yet.
func (p *GeneratingProvider) PublicKeys(ctx context.Context) ([]*PublicKeyData, error) {
	key, err := p.SigningKey(ctx)
	if err != nil {
		return nil, err
	}
	return []*PublicKeyData{{
		KeyID:     key.KeyID,
		Algorithm: key.Algorithm,
		PublicKey: key.Key.Public(),
		CreatedAt: key.CreatedAt,
	}}, nil
}

// Compile-time interface checks.
var (
	_ KeyProvider = (*StoreProvider)(nil)
	_ KeyProvider = (*SecretProvider)(nil)
	_ KeyProvider = (*GeneratingProvider)(nil)
)
