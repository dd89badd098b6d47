// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/go-jose/go-jose/v4"
	josejwt "github.com/go-jose/go-jose/v4/jwt"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/thv-authserver/pkg/authserver/registry"
	"github.com/stacklok/thv-authserver/pkg/authserver/server/crypto"
	"github.com/stacklok/thv-authserver/pkg/authserver/server/keys"
	"github.com/stacklok/thv-authserver/pkg/authserver/token"
)

const (
	testIssuer   = "https://auth.example.com/oauth"
	brokerIssuer = "https://idp.example.com/broker/sp/oidc"
)

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.New(context.Background(), &registry.FileConfig{
		ResourceServers: []registry.ResourceServerConfig{
			{Audience: "api.reports.example.com", Scopes: []string{"read", "write"}},
			{Audience: "api.submissionstorage.example.com", Scopes: []string{"form-overview", "submissions", "read"}},
		},
		Clients: []registry.ClientConfig{
			{
				ID:     "readClient",
				Secret: "geheim",
				Authorizations: []registry.AuthorizationConfig{
					{Audience: "api.reports.example.com", Scopes: []string{"read"}},
				},
			},
			{
				ID:     "writeClient",
				Secret: "s3cr3t:with:colons",
				Authorizations: []registry.AuthorizationConfig{
					{Audience: "api.reports.example.com", Scopes: []string{"read", "write"}},
				},
			},
			{
				ID:     "portal",
				Secret: "portal-secret",
				Authorizations: []registry.AuthorizationConfig{
					{Audience: "api.submissionstorage.example.com", Scopes: []string{"submissions", "read"}},
					{Audience: "api.reports.example.com", Scopes: []string{"read"}},
				},
				TokenExchanges: []registry.TokenExchangeConfig{
					{Issuer: brokerIssuer, Mapping: registry.MappingConfig{Strategy: "person"}},
				},
			},
		},
	}, nil)
	require.NoError(t, err)
	return reg
}

func basicAuth(id, secret string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(id+":"+secret))
}

func newTokenHTTPRequest(form url.Values, authorization string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/oauth/token", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if authorization != "" {
		r.Header.Set("Authorization", authorization)
	}
	return r
}

func parseTokenRequest(t *testing.T, form url.Values, authorization string) *TokenRequest {
	t.Helper()
	req, err := ParseTokenRequest(newTokenHTTPRequest(form, authorization))
	require.NoError(t, err)
	return req
}

func requireOAuthError(t *testing.T, err error, code string, status int) {
	t.Helper()
	require.Error(t, err)
	rfcErr, ok := AsOAuthError(err)
	require.True(t, ok, "expected an OAuth error, got %v", err)
	require.Equal(t, code, rfcErr.ErrorField)
	require.Equal(t, status, rfcErr.StatusCode())
}

func newTestGenerator(t *testing.T) (*token.Generator, keys.KeyProvider) {
	t.Helper()
	provider := keys.NewGeneratingProvider(crypto.MinRSAKeyBits)
	g, err := token.NewGenerator(testIssuer, provider)
	require.NoError(t, err)
	return g, provider
}

// verifiedClaims checks the token's signature against the provider's published keys.
func verifiedClaims(t *testing.T, provider keys.KeyProvider, accessToken string) map[string]any {
	t.Helper()
	jwks, err := keys.PublicJWKS(context.Background(), provider)
	require.NoError(t, err)

	parsed, err := josejwt.ParseSigned(accessToken, []jose.SignatureAlgorithm{jose.RS256})
	require.NoError(t, err)
	matches := jwks.Key(parsed.Headers[0].KeyID)
	require.Len(t, matches, 1)

	var claims map[string]any
	require.NoError(t, parsed.Claims(matches[0], &claims))
	return claims
}

// unsignedSubjectToken builds a token whose iss can be peeked. Signature checks
// are the verifier's job and are faked in these tests.
func unsignedSubjectToken(t *testing.T, iss, sub string) string {
	t.Helper()
	raw, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"iss": iss, "sub": sub}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	return raw
}
