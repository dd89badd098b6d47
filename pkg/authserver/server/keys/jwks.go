// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"context"
	"fmt"

	"github.com/go-jose/go-jose/v4"

	"github.com/stacklok/thv-authserver/pkg/authserver/server/crypto"
)

// PublicJWKS returns the JSON Web Key Set of every key published by provider.
// It fails with ErrNoPublicKeys when nothing would be published.
func PublicJWKS(ctx context.Context, provider KeyProvider) (*jose.JSONWebKeySet, error) {
	pubKeys, err := provider.PublicKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get public keys: %w", err)
	}
	if len(pubKeys) == 0 {
		return nil, ErrNoPublicKeys
	}

	jwks := &jose.JSONWebKeySet{
		Keys: make([]jose.JSONWebKey, 0, len(pubKeys)),
	}
	for _, pk := range pubKeys {
		jwks.Keys = append(jwks.Keys, crypto.NewJWK(pk.KeyID, pk.Algorithm, pk.PublicKey, pk.Certificate))
	}
	return jwks, nil
}
