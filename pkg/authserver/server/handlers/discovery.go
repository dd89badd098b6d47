// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/stacklok/thv-authserver/pkg/authserver/server/crypto"
	"github.com/stacklok/thv-authserver/pkg/authserver/server/keys"
	"github.com/stacklok/thv-authserver/pkg/logger"
)

// Cache-Control values for the well-known endpoints.
const (
	// DefaultDiscoveryCacheMaxAge is the Cache-Control max-age for the discovery endpoints (1 hour).
	DefaultDiscoveryCacheMaxAge = 3600

	// jwksCacheControl lets verifiers cache the key set but revalidate every time,
	// so rotated keys are picked up immediately.
	jwksCacheControl = "no-cache"
)

// Client authentication methods accepted at the token endpoint.
const (
	AuthMethodClientSecretBasic = "client_secret_basic"
	AuthMethodClientSecretPost  = "client_secret_post"
)

// AuthorizationServerMetadata is the RFC 8414 document. It also serves as the
// OpenID configuration; this server issues no ID tokens, so only the signing
// algorithm fields are added.
type AuthorizationServerMetadata struct {
	Issuer                                string   `json:"issuer"`
	TokenEndpoint                         string   `json:"token_endpoint"`
	JWKSURI                               string   `json:"jwks_uri"`
	ScopesSupported                       []string `json:"scopes_supported,omitempty"`
	GrantTypesSupported                   []string `json:"grant_types_supported"`
	TokenEndpointAuthMethodsSupported     []string `json:"token_endpoint_auth_methods_supported"`
	TokenEndpointAuthSigningAlgsSupported []string `json:"token_endpoint_auth_signing_alg_values_supported"`
	IDTokenSigningAlgValuesSupported      []string `json:"id_token_signing_alg_values_supported,omitempty"`
	SubjectTypesSupported                 []string `json:"subject_types_supported,omitempty"`
}

// JWKSHandler handles GET /.well-known/jwks.json and /.well-known/jwks requests.
// It returns every published verification key.
func (h *Handler) JWKSHandler(w http.ResponseWriter, req *http.Request) {
	jwks, err := keys.PublicJWKS(req.Context(), h.keys)
	if err != nil {
		if errors.Is(err, keys.ErrNoPublicKeys) {
			logger.Error("no public keys found")
		} else {
			logger.Errorw("failed to build JWKS", "error", err)
		}
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	data, err := json.Marshal(jwks)
	if err != nil {
		logger.Errorw("failed to encode JWKS",
			"error", err.Error(),
		)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", jwksCacheControl)
	w.Header().Set("X-Content-Type-Options", "nosniff")
	_, _ = w.Write(data)
}

func (h *Handler) buildMetadata() AuthorizationServerMetadata {
	return AuthorizationServerMetadata{
		Issuer:              h.issuer,
		TokenEndpoint:       h.issuer + TokenPath,
		JWKSURI:             h.issuer + JWKSPath,
		ScopesSupported:     h.scopesSupported,
		GrantTypesSupported: h.dispatcher.GrantTypes(),
		TokenEndpointAuthMethodsSupported: []string{
			AuthMethodClientSecretBasic,
			AuthMethodClientSecretPost,
		},
		TokenEndpointAuthSigningAlgsSupported: []string{crypto.AlgorithmRS256},
	}
}

// OAuthDiscoveryHandler handles GET /.well-known/oauth-authorization-server requests (RFC 8414).
func (h *Handler) OAuthDiscoveryHandler(w http.ResponseWriter, _ *http.Request) {
	writeDiscovery(w, h.buildMetadata())
}

// OIDCDiscoveryHandler handles GET /.well-known/openid-configuration requests.
func (h *Handler) OIDCDiscoveryHandler(w http.ResponseWriter, _ *http.Request) {
	metadata := h.buildMetadata()
	metadata.IDTokenSigningAlgValuesSupported = []string{crypto.AlgorithmRS256}
	metadata.SubjectTypesSupported = []string{"public"}
	writeDiscovery(w, metadata)
}

func writeDiscovery(w http.ResponseWriter, metadata AuthorizationServerMetadata) {
	data, err := json.Marshal(metadata)
	if err != nil {
		logger.Errorw("failed to encode discovery document",
			"error", err.Error(),
		)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", DefaultDiscoveryCacheMaxAge))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	_, _ = w.Write(data)
}
