// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"regexp"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testRSAKey generates a minimum-size key; 4096-bit keys are too slow for unit tests.
func testRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := GenerateRSAKey(MinRSAKeyBits)
	require.NoError(t, err)
	return key
}

func selfSignedCert(t *testing.T, key *rsa.PrivateKey) *x509.Certificate {
	t.Helper()
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "idp.example.com"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

func TestGenerateRSAKey_RejectsSmallModulus(t *testing.T) {
	t.Parallel()

	_, err := GenerateRSAKey(1024)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "below the minimum")
}

func TestParsePrivateKeyPEM(t *testing.T) {
	t.Parallel()

	rsaKey := testRSAKey(t)
	smallRSAKey, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)
	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	pkcs8, err := EncodePrivateKeyPEM(rsaKey)
	require.NoError(t, err)
	ecDER, err := x509.MarshalPKCS8PrivateKey(ecKey)
	require.NoError(t, err)

	tests := []struct {
		name    string
		pem     []byte
		wantErr string
	}{
		{name: "RSA PKCS8", pem: pkcs8},
		{
			name: "RSA PKCS1",
			pem:  pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(rsaKey)}),
		},
		{
			name:    "RSA below minimum",
			pem:     pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(smallRSAKey)}),
			wantErr: "below the minimum",
		},
		{
			name:    "EC key",
			pem:     pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: ecDER}),
			wantErr: "only RSA keys are supported",
		},
		{name: "not PEM", pem: []byte("not a key"), wantErr: "failed to decode PEM block"},
		{
			name:    "wrong block type",
			pem:     pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: []byte{0}}),
			wantErr: "unsupported PEM block type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			key, err := ParsePrivateKeyPEM(tt.pem)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.True(t, rsaKey.Equal(key))
		})
	}
}

func TestDeriveKeyID(t *testing.T) {
	t.Parallel()

	key := testRSAKey(t)
	other := testRSAKey(t)

	kid, err := DeriveKeyID(&key.PublicKey)
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{64}$`), kid)

	again, err := DeriveKeyID(key.Public())
	require.NoError(t, err)
	assert.Equal(t, kid, again, "key id must be deterministic")

	otherKid, err := DeriveKeyID(&other.PublicKey)
	require.NoError(t, err)
	assert.NotEqual(t, kid, otherKid)

	// PKIX and PKCS#1 encodings of the same key yield the same id
	pkixPEM, err := EncodePublicKeyPEM(&key.PublicKey)
	require.NoError(t, err)
	pkcs1 := pem.EncodeToMemory(&pem.Block{Type: "RSA PUBLIC KEY", Bytes: x509.MarshalPKCS1PublicKey(&key.PublicKey)})

	fromPKIX, err := ParsePublicPEM(pkixPEM)
	require.NoError(t, err)
	fromPKCS1, err := ParsePublicPEM(pkcs1)
	require.NoError(t, err)
	assert.Equal(t, kid, fromPKIX.KeyID)
	assert.Equal(t, kid, fromPKCS1.KeyID)
	assert.Nil(t, fromPKIX.Certificate)
}

func TestParsePublicPEM_Certificate(t *testing.T) {
	t.Parallel()

	key := testRSAKey(t)
	cert := selfSignedCert(t, key)
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})

	material, err := ParsePublicPEM(certPEM)
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^[0-9A-F]{64}$`), material.KeyID)
	assert.Equal(t, CertificateKeyID(cert), material.KeyID)
	require.NotNil(t, material.Certificate)
	assert.True(t, key.PublicKey.Equal(material.PublicKey))

	jwk := material.JWK()
	require.Len(t, jwk.Certificates, 1)
	data, err := json.Marshal(jwk)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"x5c"`)
}

func TestPEMToJWK_VerifiesSignature(t *testing.T) {
	t.Parallel()

	key := testRSAKey(t)
	pubPEM, err := EncodePublicKeyPEM(&key.PublicKey)
	require.NoError(t, err)

	jwk, err := PEMToJWK(pubPEM)
	require.NoError(t, err)
	assert.Equal(t, "RS256", jwk.Algorithm)
	assert.Equal(t, "sig", jwk.Use)

	data, err := json.Marshal(jwk)
	require.NoError(t, err)
	var fields map[string]any
	require.NoError(t, json.Unmarshal(data, &fields))
	assert.Equal(t, "RSA", fields["kty"])
	assert.NotEmpty(t, fields["n"])
	assert.Equal(t, "AQAB", fields["e"])
	assert.Equal(t, jwk.KeyID, fields["kid"])

	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: jose.JSONWebKey{Key: key, KeyID: jwk.KeyID}},
		nil,
	)
	require.NoError(t, err)
	jws, err := signer.Sign([]byte("payload"))
	require.NoError(t, err)
	compact, err := jws.CompactSerialize()
	require.NoError(t, err)

	parsed, err := jose.ParseSigned(compact, []jose.SignatureAlgorithm{jose.RS256})
	require.NoError(t, err)
	assert.Equal(t, jwk.KeyID, parsed.Signatures[0].Header.KeyID)
	payload, err := parsed.Verify(jwk)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), payload)
}
