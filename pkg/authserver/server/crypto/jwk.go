// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"crypto"
	"crypto/x509"

	"github.com/go-jose/go-jose/v4"
)

// NewJWK builds the published JSON Web Key for a signing public key.
// A certificate, when present, is carried in x5c so consumers can pin it.
func NewJWK(keyID, alg string, pub crypto.PublicKey, cert *x509.Certificate) jose.JSONWebKey {
	jwk := jose.JSONWebKey{
		Key:       pub,
		KeyID:     keyID,
		Algorithm: alg,
		Use:       "sig",
	}
	if cert != nil {
		jwk.Certificates = []*x509.Certificate{cert}
	}
	return jwk
}

// JWK converts public key material into its JSON Web Key form.
func (m *PublicKeyMaterial) JWK() jose.JSONWebKey {
	return NewJWK(m.KeyID, AlgorithmRS256, m.PublicKey, m.Certificate)
}

// PEMToJWK parses a public key or certificate PEM and returns its JWK.
func PEMToJWK(data []byte) (jose.JSONWebKey, error) {
	material, err := ParsePublicPEM(data)
	if err != nil {
		return jose.JSONWebKey{}, err
	}
	return material.JWK(), nil
}
