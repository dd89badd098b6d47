// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/oauth2-proxy/mockoidc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/thv-authserver/pkg/authserver/registry"
)

type testIssuer struct {
	t      *testing.T
	server *httptest.Server
	jwks   atomic.Pointer[[]byte]
	keys   map[string]*rsa.PrivateKey
}

// newTestIssuer serves a JWKS at /certs and /keys plus an OpenID configuration
// pointing at /keys.
func newTestIssuer(t *testing.T, kids ...string) *testIssuer {
	t.Helper()
	ti := &testIssuer{t: t, keys: map[string]*rsa.PrivateKey{}}

	mux := http.NewServeMux()
	serveJWKS := func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(*ti.jwks.Load())
	}
	mux.HandleFunc("/certs", serveJWKS)
	mux.HandleFunc("/keys", serveJWKS)
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                 ti.server.URL,
			"jwks_uri":               ti.server.URL + "/keys",
			"authorization_endpoint": ti.server.URL + "/auth",
			"token_endpoint":         ti.server.URL + "/token",
		})
	})
	ti.server = httptest.NewTLSServer(mux)
	t.Cleanup(ti.server.Close)

	for _, kid := range kids {
		ti.addKey(kid)
	}
	return ti
}

func (ti *testIssuer) addKey(kid string) {
	ti.t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(ti.t, err)
	ti.keys[kid] = key

	set := jose.JSONWebKeySet{}
	for id, k := range ti.keys {
		set.Keys = append(set.Keys, jose.JSONWebKey{Key: &k.PublicKey, KeyID: id, Algorithm: "RS256", Use: "sig"})
	}
	data, err := json.Marshal(set)
	require.NoError(ti.t, err)
	ti.jwks.Store(&data)
}

func (ti *testIssuer) sign(kid string, claims jwt.MapClaims) string {
	ti.t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	signed, err := tok.SignedString(ti.keys[kid])
	require.NoError(ti.t, err)
	return signed
}

func (ti *testIssuer) claims(sub string) jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss":   ti.server.URL,
		"sub":   sub,
		"aud":   "portal",
		"iat":   now.Unix(),
		"exp":   now.Add(5 * time.Minute).Unix(),
		"email": "user@example.com",
	}
}

func newTestVerifier(t *testing.T, ti *testIssuer) *Verifier {
	t.Helper()
	v, err := NewVerifier(t.Context(), ti.server.Client(), WithFetchTimeout(2*time.Second))
	require.NoError(t, err)
	return v
}

func TestPeekIssuer(t *testing.T) {
	t.Parallel()

	ti := newTestIssuer(t, "k1")
	iss, err := PeekIssuer(ti.sign("k1", ti.claims("alice")))
	require.NoError(t, err)
	assert.Equal(t, ti.server.URL, iss)

	_, err = PeekIssuer("not-a-jwt")
	assert.ErrorIs(t, err, ErrSubjectTokenInvalid)

	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "alice"})
	raw, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = PeekIssuer(raw)
	assert.ErrorIs(t, err, ErrSubjectTokenInvalid)
}

func TestVerifier_KeySetLocations(t *testing.T) {
	t.Parallel()

	ti := newTestIssuer(t, "k1")
	tests := []struct {
		name  string
		grant registry.TokenExchangeGrant
	}{
		{name: "default certs path", grant: registry.TokenExchangeGrant{Issuer: ti.server.URL}},
		{name: "explicit jwks url", grant: registry.TokenExchangeGrant{Issuer: ti.server.URL, JWKSURL: ti.server.URL + "/keys"}},
		{name: "discovery", grant: registry.TokenExchangeGrant{Issuer: ti.server.URL, Discovery: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			v := newTestVerifier(t, ti)

			claims, err := v.Verify(context.Background(), ti.sign("k1", ti.claims("alice")), tt.grant)
			require.NoError(t, err)
			assert.Equal(t, "alice", claims["sub"])
			assert.Equal(t, "user@example.com", claims["email"])
		})
	}
}

func TestVerifier_DiscoveryAgainstOIDCProvider(t *testing.T) {
	t.Parallel()

	m, err := mockoidc.Run()
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Shutdown() })

	kid, err := m.Keypair.KeyID()
	require.NoError(t, err)
	now := time.Now()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss": m.Issuer(),
		"sub": "alice",
		"aud": "portal",
		"iat": now.Unix(),
		"exp": now.Add(5 * time.Minute).Unix(),
	})
	tok.Header["kid"] = kid
	raw, err := tok.SignedString(m.Keypair.PrivateKey)
	require.NoError(t, err)

	v, err := NewVerifier(t.Context(), &http.Client{Timeout: 5 * time.Second}, WithFetchTimeout(2*time.Second))
	require.NoError(t, err)

	grant := registry.TokenExchangeGrant{Issuer: m.Issuer(), Discovery: true, Audience: "portal"}
	claims, err := v.Verify(context.Background(), raw, grant)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims["sub"])

	_, err = v.Verify(context.Background(), raw, registry.TokenExchangeGrant{Issuer: m.Issuer(), Discovery: true, Audience: "other"})
	assert.ErrorIs(t, err, ErrSubjectTokenInvalid)
}

func TestVerifier_Rejects(t *testing.T) {
	t.Parallel()

	ti := newTestIssuer(t, "k1")
	other := newTestIssuer(t, "k1")
	grant := registry.TokenExchangeGrant{Issuer: ti.server.URL}

	expired := ti.claims("alice")
	expired["exp"] = time.Now().Add(-time.Hour).Unix()

	noExp := ti.claims("alice")
	delete(noExp, "exp")

	wrongIss := ti.claims("alice")
	wrongIss["iss"] = "https://elsewhere.example.com"

	good := ti.sign("k1", ti.claims("alice"))
	parts := strings.Split(good, ".")
	tampered := parts[0] + "." + parts[1] + "." + strings.Repeat("A", len(parts[2]))

	tests := []struct {
		name  string
		token string
		grant registry.TokenExchangeGrant
	}{
		{name: "tampered signature", token: tampered, grant: grant},
		{name: "signed by another key", token: other.sign("k1", ti.claims("alice")), grant: grant},
		{name: "expired", token: ti.sign("k1", expired), grant: grant},
		{name: "no expiry", token: ti.sign("k1", noExp), grant: grant},
		{name: "wrong issuer", token: ti.sign("k1", wrongIss), grant: grant},
		{name: "unknown kid", token: signWithKid(t, ti, "k1", "k9"), grant: grant},
		{
			name:  "audience mismatch",
			token: good,
			grant: registry.TokenExchangeGrant{Issuer: ti.server.URL, Audience: "someone-else"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			v := newTestVerifier(t, ti)

			claims, err := v.Verify(context.Background(), tt.token, tt.grant)
			assert.ErrorIs(t, err, ErrSubjectTokenInvalid)
			assert.NotErrorIs(t, err, ErrKeySetUnavailable)
			assert.Nil(t, claims)
		})
	}
}

// signWithKid signs with the key stored under kid but advertises headerKid.
func signWithKid(t *testing.T, ti *testIssuer, kid, headerKid string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, ti.claims("alice"))
	tok.Header["kid"] = headerKid
	signed, err := tok.SignedString(ti.keys[kid])
	require.NoError(t, err)
	return signed
}

func TestVerifier_AudienceMatch(t *testing.T) {
	t.Parallel()

	ti := newTestIssuer(t, "k1")
	v := newTestVerifier(t, ti)

	claims, err := v.Verify(context.Background(), ti.sign("k1", ti.claims("alice")),
		registry.TokenExchangeGrant{Issuer: ti.server.URL, Audience: "portal"})
	require.NoError(t, err)
	assert.Equal(t, "alice", claims["sub"])
}

func TestVerifier_PicksUpRotatedIssuerKey(t *testing.T) {
	t.Parallel()

	ti := newTestIssuer(t, "k1")
	v := newTestVerifier(t, ti)
	grant := registry.TokenExchangeGrant{Issuer: ti.server.URL}

	_, err := v.Verify(context.Background(), ti.sign("k1", ti.claims("alice")), grant)
	require.NoError(t, err)

	ti.addKey("k2")
	claims, err := v.Verify(context.Background(), ti.sign("k2", ti.claims("bob")), grant)
	require.NoError(t, err)
	assert.Equal(t, "bob", claims["sub"])
}

func TestVerifier_KeySetUnavailable(t *testing.T) {
	t.Parallel()

	ti := newTestIssuer(t, "k1")
	token := ti.sign("k1", ti.claims("alice"))
	v := newTestVerifier(t, ti)
	ti.server.Close()

	_, err := v.Verify(context.Background(), token, registry.TokenExchangeGrant{Issuer: ti.server.URL})
	assert.ErrorIs(t, err, ErrKeySetUnavailable)

	_, err = v.Verify(context.Background(), token, registry.TokenExchangeGrant{Issuer: ti.server.URL, Discovery: true})
	assert.ErrorIs(t, err, ErrKeySetUnavailable)
}

func TestNewVerifier_RequiresClient(t *testing.T) {
	t.Parallel()

	_, err := NewVerifier(t.Context(), nil)
	assert.Error(t, err)
}
