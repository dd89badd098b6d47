// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package registry holds the static client registry of the authorization server:
// resource servers, the clients allowed to obtain tokens for them, and the external
// issuers each client may exchange tokens from.
//
// A Registry is built once at startup and never mutated afterwards, so it is safe
// for concurrent use without locking.
package registry

import (
	"slices"
)

// ResourceServer is an audience that accepts tokens issued by this server.
type ResourceServer struct {
	// Audience is the value placed in the aud claim.
	Audience string

	// Scopes are the scopes this resource server understands.
	Scopes []string
}

// Authorization grants a client a subset of one resource server's scopes.
type Authorization struct {
	// Audience identifies the resource server.
	Audience string

	// Scopes are the allowed scopes, a subset of the resource server's scopes.
	Scopes []string
}

// TokenExchangeGrant trusts one external issuer for token exchange.
type TokenExchangeGrant struct {
	// Issuer is the trusted iss value of subject tokens.
	Issuer string

	// JWKSURL overrides where the issuer's keys are fetched from.
	JWKSURL string

	// Discovery resolves the key set through the issuer's OpenID configuration.
	Discovery bool

	// Audience, when set, must appear in the subject token's aud claim.
	Audience string

	// Mapping turns verified subject token claims into claims for the issued token.
	Mapping ClaimsMapping
}

// Client is a registered caller of the token endpoint.
type Client struct {
	ID             string
	Secret         string
	Authorizations []Authorization
	TokenExchanges []TokenExchangeGrant
}

// TokenExchangeGrant returns the grant trusting issuer, if any.
func (c *Client) TokenExchangeGrant(issuer string) (TokenExchangeGrant, bool) {
	for _, g := range c.TokenExchanges {
		if g.Issuer == issuer {
			return g, true
		}
	}
	return TokenExchangeGrant{}, false
}

func (c *Client) clone() Client {
	out := Client{
		ID:             c.ID,
		Secret:         c.Secret,
		Authorizations: make([]Authorization, len(c.Authorizations)),
		TokenExchanges: make([]TokenExchangeGrant, len(c.TokenExchanges)),
	}
	for i, a := range c.Authorizations {
		out.Authorizations[i] = Authorization{Audience: a.Audience, Scopes: slices.Clone(a.Scopes)}
	}
	for i, g := range c.TokenExchanges {
		g.Mapping.Claims = slices.Clone(g.Mapping.Claims)
		out.TokenExchanges[i] = g
	}
	return out
}

// Registry is the immutable client registry.
type Registry struct {
	resourceServers []ResourceServer
	clients         map[string]*Client
}

// Lookup returns a copy of the client registered under id.
// An unknown id is not an error here; callers surface it as an authentication failure.
func (r *Registry) Lookup(id string) (Client, bool) {
	c, ok := r.clients[id]
	if !ok {
		return Client{}, false
	}
	return c.clone(), true
}

// ResourceServers returns the registered resource servers in declaration order.
func (r *Registry) ResourceServers() []ResourceServer {
	out := make([]ResourceServer, len(r.resourceServers))
	for i, rs := range r.resourceServers {
		out[i] = ResourceServer{Audience: rs.Audience, Scopes: slices.Clone(rs.Scopes)}
	}
	return out
}

// ScopesSupported returns every scope of every resource server, de-duplicated in first-seen order.
func (r *Registry) ScopesSupported() []string {
	var scopes []string
	for _, rs := range r.resourceServers {
		for _, s := range rs.Scopes {
			if !slices.Contains(scopes, s) {
				scopes = append(scopes, s)
			}
		}
	}
	return scopes
}

// Len returns the number of registered clients.
func (r *Registry) Len() int {
	return len(r.clients)
}
