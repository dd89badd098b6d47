// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package crypto provides key generation, PEM encoding and key identification
// for the authorization server's RSA signing keys.
package crypto

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
)

const (
	// MinRSAKeyBits is the smallest RSA modulus accepted for signing keys.
	MinRSAKeyBits = 2048

	// DefaultRSAKeyBits is the modulus size used for generated keys.
	DefaultRSAKeyBits = 4096

	// AlgorithmRS256 is the only signing algorithm issued by this server.
	AlgorithmRS256 = "RS256"
)

// PEM block types.
const (
	pemTypePrivateKey    = "PRIVATE KEY"
	pemTypeRSAPrivateKey = "RSA PRIVATE KEY"
	pemTypePublicKey     = "PUBLIC KEY"
	pemTypeRSAPublicKey  = "RSA PUBLIC KEY"
	pemTypeCertificate   = "CERTIFICATE"
)

// GenerateRSAKey creates a new RSA key pair with the given modulus size.
func GenerateRSAKey(bits int) (*rsa.PrivateKey, error) {
	if bits < MinRSAKeyBits {
		return nil, fmt.Errorf("RSA key size %d is below the minimum of %d bits", bits, MinRSAKeyBits)
	}
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key: %w", err)
	}
	return key, nil
}

// EncodePrivateKeyPEM encodes key as a PKCS#8 "PRIVATE KEY" PEM block.
func EncodePrivateKeyPEM(key crypto.Signer) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: pemTypePrivateKey, Bytes: der}), nil
}

// EncodePublicKeyPEM encodes pub as a PKIX "PUBLIC KEY" PEM block.
// The output is the canonical form used to derive key ids.
func EncodePublicKeyPEM(pub crypto.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: pemTypePublicKey, Bytes: der}), nil
}

// ParsePrivateKeyPEM parses an RSA private key in PKCS#1 or PKCS#8 form.
// Keys smaller than MinRSAKeyBits are rejected.
func ParsePrivateKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("failed to decode PEM block from private key")
	}

	var key *rsa.PrivateKey
	switch block.Type {
	case pemTypeRSAPrivateKey:
		k, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse PKCS#1 private key: %w", err)
		}
		key = k
	case pemTypePrivateKey:
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse PKCS#8 private key: %w", err)
		}
		k, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("unsupported private key type %T: only RSA keys are supported", parsed)
		}
		key = k
	default:
		return nil, fmt.Errorf("unsupported PEM block type %q for private key", block.Type)
	}

	if bits := key.N.BitLen(); bits < MinRSAKeyBits {
		return nil, fmt.Errorf("RSA key size %d is below the minimum of %d bits", bits, MinRSAKeyBits)
	}
	return key, nil
}

// PublicKeyMaterial is a parsed public key PEM object.
type PublicKeyMaterial struct {
	// KeyID identifies the key in token headers and the JWKS.
	KeyID string

	// PublicKey is the RSA verification key.
	PublicKey *rsa.PublicKey

	// Certificate is set when the object was an X.509 certificate.
	Certificate *x509.Certificate
}

// ParsePublicPEM parses a "PUBLIC KEY", "RSA PUBLIC KEY" or "CERTIFICATE" PEM block.
// Bare keys are identified by DeriveKeyID; certificates by CertificateKeyID.
func ParsePublicPEM(data []byte) (*PublicKeyMaterial, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("failed to decode PEM block from public key")
	}

	switch block.Type {
	case pemTypeCertificate:
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate: %w", err)
		}
		pub, ok := cert.PublicKey.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("unsupported certificate key type %T: only RSA keys are supported", cert.PublicKey)
		}
		return &PublicKeyMaterial{KeyID: CertificateKeyID(cert), PublicKey: pub, Certificate: cert}, nil
	case pemTypePublicKey:
		parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse public key: %w", err)
		}
		pub, ok := parsed.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("unsupported public key type %T: only RSA keys are supported", parsed)
		}
		return newKeyMaterial(pub)
	case pemTypeRSAPublicKey:
		pub, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse PKCS#1 public key: %w", err)
		}
		return newKeyMaterial(pub)
	default:
		return nil, fmt.Errorf("unsupported PEM block type %q for public key", block.Type)
	}
}

func newKeyMaterial(pub *rsa.PublicKey) (*PublicKeyMaterial, error) {
	kid, err := DeriveKeyID(pub)
	if err != nil {
		return nil, err
	}
	return &PublicKeyMaterial{KeyID: kid, PublicKey: pub}, nil
}

// DeriveKeyID returns the lower-case hex SHA-256 of the canonical PKIX PEM encoding of pub.
// Any party holding the public key can recompute it.
func DeriveKeyID(pub crypto.PublicKey) (string, error) {
	canonical, err := EncodePublicKeyPEM(pub)
	if err != nil {
		return "", fmt.Errorf("failed to derive key ID: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// CertificateKeyID returns the certificate's SHA-256 fingerprint as upper-case hex without separators.
func CertificateKeyID(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}
