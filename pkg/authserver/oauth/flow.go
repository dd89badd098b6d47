// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"context"

	"github.com/stacklok/thv-authserver/pkg/authserver/registry"
	"github.com/stacklok/thv-authserver/pkg/authserver/token"
)

// Flow handles one grant type at the token endpoint.
// The set of flows is closed: ClientCredentialsFlow and TokenExchangeFlow.
type Flow interface {
	// GrantType is the grant_type value this flow answers to.
	GrantType() string

	// TokenRequest issues a token for an authenticated client.
	TokenRequest(ctx context.Context, req *TokenRequest, client registry.Client) (*token.Response, error)

	// AuthorizationRequest handles the authorization endpoint. No current flow supports it.
	AuthorizationRequest(ctx context.Context, req *TokenRequest, client registry.Client) error
}

// ClientCredentialsFlow implements the client_credentials grant.
type ClientCredentialsFlow struct {
	generator *token.Generator
}

// NewClientCredentialsFlow creates a ClientCredentialsFlow issuing tokens with generator.
func NewClientCredentialsFlow(generator *token.Generator) *ClientCredentialsFlow {
	return &ClientCredentialsFlow{generator: generator}
}

// GrantType implements Flow.
func (*ClientCredentialsFlow) GrantType() string {
	return GrantTypeClientCredentials
}

// TokenRequest implements Flow. The token subject is the client itself.
func (f *ClientCredentialsFlow) TokenRequest(
	ctx context.Context, req *TokenRequest, client registry.Client,
) (*token.Response, error) {
	scopes, err := ResolveScopes(req.Scope, ScopesFromClient(client))
	if err != nil {
		return nil, err
	}
	return f.generator.Issue(ctx, token.Request{
		ClientID: client.ID,
		Scopes:   scopes,
		Audience: AudiencesFromClient(client),
	})
}

// AuthorizationRequest implements Flow.
func (*ClientCredentialsFlow) AuthorizationRequest(context.Context, *TokenRequest, registry.Client) error {
	return ErrNotSupported
}

var (
	_ Flow = (*ClientCredentialsFlow)(nil)
	_ Flow = (*TokenExchangeFlow)(nil)
)
