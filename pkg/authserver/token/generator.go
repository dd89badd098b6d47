// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package token mints signed JWT access tokens.
package token

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	josejwt "github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"

	"github.com/stacklok/thv-authserver/pkg/authserver/server/keys"
)

// DefaultLifetime is the validity of issued access tokens. No refresh tokens are issued.
const DefaultLifetime = time.Hour

// TypeBearer is the token_type of every response.
const TypeBearer = "Bearer"

// ErrMissingSubject is returned when a token request has no subject.
var ErrMissingSubject = errors.New("token claims must include a non-empty sub")

// Request describes one token to issue.
type Request struct {
	// ClientID is the authenticated client. It is the subject unless Subject is set.
	ClientID string

	// Subject overrides the sub claim, e.g. with the verified subject of an exchanged token.
	Subject string

	// Scopes are the issued scopes.
	Scopes []string

	// Audience lists the resource servers the token is for.
	Audience []string

	// Claims are additional claims. Registered claims in here are overwritten.
	Claims map[string]any
}

// Response is the token endpoint success body.
type Response struct {
	TokenType       string  `json:"token_type"`
	AccessToken     string  `json:"access_token"`
	Scope           string  `json:"scope"`
	ExpiresIn       int64   `json:"expires_in"`
	RefreshToken    *string `json:"refresh_token"`
	IssuedTokenType string  `json:"issued_token_type,omitempty"`
}

// Generator signs access tokens with the active key of a KeyProvider.
type Generator struct {
	issuer   string
	lifetime time.Duration
	keys     keys.KeyProvider
	now      func() time.Time
	newID    func() string
}

// Option configures a Generator.
type Option func(*Generator)

// WithLifetime sets the token lifetime.
func WithLifetime(d time.Duration) Option {
	return func(g *Generator) {
		g.lifetime = d
	}
}

// WithClock sets the clock used for iat and exp.
func WithClock(now func() time.Time) Option {
	return func(g *Generator) {
		g.now = now
	}
}

// NewGenerator creates a Generator issuing tokens as issuer.
func NewGenerator(issuer string, keyProvider keys.KeyProvider, opts ...Option) (*Generator, error) {
	if issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if keyProvider == nil {
		return nil, errors.New("key provider is required")
	}
	g := &Generator{
		issuer:   issuer,
		lifetime: DefaultLifetime,
		keys:     keyProvider,
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.lifetime <= 0 {
		return nil, fmt.Errorf("token lifetime must be positive, got %s", g.lifetime)
	}
	return g, nil
}

// Issuer returns the iss value of issued tokens.
func (g *Generator) Issuer() string {
	return g.issuer
}

// Lifetime returns the validity of issued tokens.
func (g *Generator) Lifetime() time.Duration {
	return g.lifetime
}

// Issue builds the claim set and signs it with RS256 under the active key's kid.
func (g *Generator) Issue(ctx context.Context, req Request) (*Response, error) {
	subject := req.Subject
	if subject == "" {
		subject = req.ClientID
	}
	if subject == "" {
		return nil, ErrMissingSubject
	}

	key, err := g.keys.SigningKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get signing key: %w", err)
	}

	now := g.now()
	iat := now.Unix()
	exp := now.Add(g.lifetime).Unix()
	scope := strings.Join(req.Scopes, " ")
	audience := req.Audience
	if audience == nil {
		audience = []string{}
	}

	claims := make(map[string]any, len(req.Claims)+8)
	maps.Copy(claims, req.Claims)
	// registered claims are set last so extras cannot override them
	claims["iss"] = g.issuer
	claims["sub"] = subject
	claims["aud"] = audience
	claims["scope"] = scope
	claims["iat"] = iat
	claims["exp"] = exp
	claims["jti"] = g.newID()
	if req.ClientID != "" {
		claims["client_id"] = req.ClientID
	}

	signer, err := jose.NewSigner(
		jose.SigningKey{
			Algorithm: jose.RS256,
			Key:       jose.JSONWebKey{Key: key.Key, KeyID: key.KeyID},
		},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create signer: %w", err)
	}

	accessToken, err := josejwt.Signed(signer).Claims(claims).Serialize()
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}

	return &Response{
		TokenType:   TypeBearer,
		AccessToken: accessToken,
		Scope:       scope,
		ExpiresIn:   exp - iat,
	}, nil
}
