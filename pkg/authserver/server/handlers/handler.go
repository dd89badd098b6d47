// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"github.com/stacklok/thv-authserver/pkg/authserver/oauth"
	"github.com/stacklok/thv-authserver/pkg/authserver/server/keys"
)

// Endpoint paths relative to the issuer.
const (
	TokenPath         = "/oauth/token"
	JWKSPath          = "/.well-known/jwks.json"
	JWKSLegacyPath    = "/.well-known/jwks"
	OAuthMetadataPath = "/.well-known/oauth-authorization-server"
	OIDCDiscoveryPath = "/.well-known/openid-configuration"
)

// Handler provides HTTP handlers for the authorization server endpoints.
type Handler struct {
	issuer          string
	dispatcher      *oauth.Dispatcher
	keys            keys.KeyProvider
	scopesSupported []string
	limiter         *rate.Limiter
}

// Option configures a Handler.
type Option func(*Handler)

// WithRateLimit limits the token endpoint to rps requests per second with the given burst.
// A non-positive rps disables limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(h *Handler) {
		if rps <= 0 {
			h.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		h.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// NewHandler creates a new Handler with the given dependencies.
func NewHandler(
	issuer string,
	dispatcher *oauth.Dispatcher,
	keyProvider keys.KeyProvider,
	scopesSupported []string,
	opts ...Option,
) *Handler {
	h := &Handler{
		issuer:          strings.TrimSuffix(issuer, "/"),
		dispatcher:      dispatcher,
		keys:            keyProvider,
		scopesSupported: scopesSupported,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes returns a router with all endpoints registered.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	h.OAuthRoutes(r)
	h.WellKnownRoutes(r)
	return r
}

// OAuthRoutes registers the token endpoint. Every method is routed to the handler,
// which answers non-POST requests with invalid_request.
func (h *Handler) OAuthRoutes(r chi.Router) {
	r.With(h.rateLimit).HandleFunc(TokenPath, h.TokenHandler)
}

// WellKnownRoutes registers the JWKS and discovery endpoints.
func (h *Handler) WellKnownRoutes(r chi.Router) {
	r.Get(JWKSPath, h.JWKSHandler)
	r.Get(JWKSLegacyPath, h.JWKSHandler)
	r.Get(OAuthMetadataPath, h.OAuthDiscoveryHandler)
	r.Get(OIDCDiscoveryPath, h.OIDCDiscoveryHandler)
}
