// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"context"
	"errors"
	"fmt"

	"github.com/stacklok/thv-authserver/pkg/authserver/server/crypto"
	"github.com/stacklok/thv-authserver/pkg/secrets"
)

// SecretProvider serves a single signing key read from the secret store, plus any
// additional verification keys or certificates. Keys are loaded once at construction;
// rotation is an operator task in this mode.
type SecretProvider struct {
	signingKey *SigningKeyData
	publicKeys []*PublicKeyData
}

// NewSecretProvider loads the private key PEM stored under privateKeyName and the
// public key or certificate PEMs stored under verificationKeyNames.
func NewSecretProvider(
	ctx context.Context,
	provider secrets.Provider,
	privateKeyName string,
	verificationKeyNames []string,
) (*SecretProvider, error) {
	if privateKeyName == "" {
		return nil, errors.New("private key secret name is required")
	}

	privPEM, err := provider.GetSecret(ctx, privateKeyName)
	if err != nil {
		return nil, fmt.Errorf("failed to read signing key secret: %w", err)
	}
	priv, err := crypto.ParsePrivateKeyPEM([]byte(privPEM))
	if err != nil {
		return nil, fmt.Errorf("failed to load signing key: %w", err)
	}
	kid, err := crypto.DeriveKeyID(priv.Public())
	if err != nil {
		return nil, err
	}

	signing := &SigningKeyData{KeyID: kid, Algorithm: crypto.AlgorithmRS256, Key: priv}
	publicKeys := []*PublicKeyData{{KeyID: kid, Algorithm: crypto.AlgorithmRS256, PublicKey: priv.Public()}}

	for _, name := range verificationKeyNames {
		pubPEM, err := provider.GetSecret(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("failed to read verification key %s: %w", name, err)
		}
		material, err := crypto.ParsePublicPEM([]byte(pubPEM))
		if err != nil {
			return nil, fmt.Errorf("failed to load verification key %s: %w", name, err)
		}
		if material.PublicKey.Equal(priv.Public()) {
			// the signing key published as a certificate keeps the certificate's kid
			signing.KeyID = material.KeyID
			publicKeys[0] = publicKeyData(material, signing.CreatedAt)
			continue
		}
		publicKeys = append(publicKeys, publicKeyData(material, signing.CreatedAt))
	}

	return &SecretProvider{signingKey: signing, publicKeys: publicKeys}, nil
}

// SigningKey returns a copy of the loaded signing key.
func (p *SecretProvider) SigningKey(_ context.Context) (*SigningKeyData, error) {
	return p.signingKey.clone(), nil
}

// PublicKeys returns the signing key's public half and every verification key.
func (p *SecretProvider) PublicKeys(_ context.Context) ([]*PublicKeyData, error) {
	out := make([]*PublicKeyData, len(p.publicKeys))
	copy(out, p.publicKeys)
	return out, nil
}
