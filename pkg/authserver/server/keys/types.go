// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package keys provides signing key management for the OAuth authorization server.
// It handles the key lifecycle: generation, rotation and retention in an object
// store, active key selection, and publication of verification keys.
package keys

import (
	"crypto"
	"crypto/x509"
	"errors"
	"time"
)

var (
	// ErrNoSigningKey is returned when no private key is available for signing.
	ErrNoSigningKey = errors.New("no signing key found")

	// ErrNoPublicKeys is returned when there is nothing to publish in the JWKS.
	ErrNoPublicKeys = errors.New("no public keys found")

	// ErrRotationInProgress is returned when another rotation or cleanup holds the lock.
	ErrRotationInProgress = errors.New("key rotation already in progress")
)

// SigningKeyData represents a signing key with its metadata.
// This contains private key material and should not be exposed externally.
type SigningKeyData struct {
	// KeyID is the identifier placed in the JWS header.
	KeyID string

	// Algorithm is the signing algorithm, always "RS256".
	Algorithm string

	// Key is the private key used for signing.
	Key crypto.Signer

	// CreatedAt is when this key was generated.
	CreatedAt time.Time
}

// PublicKeyData represents the public portion of a signing key.
// This is safe to expose via the JWKS endpoint.
type PublicKeyData struct {
	// KeyID matches the kid of tokens signed by the corresponding private key.
	KeyID string

	// Algorithm is the signing algorithm, always "RS256".
	Algorithm string

	// PublicKey is the public key for verification.
	PublicKey crypto.PublicKey

	// Certificate is set when the key was published as an X.509 certificate.
	Certificate *x509.Certificate

	// CreatedAt is when this key was generated, zero if unknown.
	CreatedAt time.Time
}

// KeySet is the signing state: the newest key signs, the previous one is kept
// only so tokens it signed keep verifying.
type KeySet struct {
	Active   *SigningKeyData
	Retiring *SigningKeyData
}

func (k *SigningKeyData) clone() *SigningKeyData {
	if k == nil {
		return nil
	}
	c := *k
	return &c
}
