// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"context"
	"errors"
	"fmt"

	"github.com/stacklok/thv-authserver/pkg/authserver/registry"
	"github.com/stacklok/thv-authserver/pkg/authserver/token"
	"github.com/stacklok/thv-authserver/pkg/authserver/upstream"
	"github.com/stacklok/thv-authserver/pkg/logger"
)

// TokenTypeAccessToken is the RFC 8693 identifier of the tokens this server issues.
const TokenTypeAccessToken = "urn:ietf:params:oauth:token-type:access_token"

// SubjectTokenVerifier verifies a subject token against a trusted issuer and
// returns its claims. Implementations never return unverified claims.
type SubjectTokenVerifier interface {
	Verify(ctx context.Context, rawToken string, grant registry.TokenExchangeGrant) (map[string]any, error)
}

// TokenExchangeFlow implements RFC 8693 token exchange for subject tokens issued
// by an external identity provider the client trusts.
type TokenExchangeFlow struct {
	generator *token.Generator
	verifier  SubjectTokenVerifier
}

// NewTokenExchangeFlow creates a TokenExchangeFlow.
func NewTokenExchangeFlow(generator *token.Generator, verifier SubjectTokenVerifier) *TokenExchangeFlow {
	return &TokenExchangeFlow{generator: generator, verifier: verifier}
}

// GrantType implements Flow.
func (*TokenExchangeFlow) GrantType() string {
	return GrantTypeTokenExchange
}

// TokenRequest implements Flow.
func (f *TokenExchangeFlow) TokenRequest(
	ctx context.Context, req *TokenRequest, client registry.Client,
) (*token.Response, error) {
	subjectToken := req.Form.Get(ParamSubjectToken)
	if subjectToken == "" {
		return nil, ErrInvalidRequest.WithHintf("The %s parameter is required.", ParamSubjectToken)
	}
	if req.Form.Get(ParamSubjectTokenType) == "" {
		return nil, ErrInvalidRequest.WithHintf("The %s parameter is required.", ParamSubjectTokenType)
	}

	issuer, err := upstream.PeekIssuer(subjectToken)
	if err != nil {
		return nil, ErrInvalidRequest.WithHint("The subject token could not be decoded.").WithWrap(err)
	}

	grant, ok := client.TokenExchangeGrant(issuer)
	if !ok {
		return nil, ErrInvalidRequest.WithHintf("Subject token issuer %q is not trusted.", issuer)
	}

	claims, err := f.verifier.Verify(ctx, subjectToken, grant)
	if err != nil {
		switch {
		case errors.Is(err, upstream.ErrKeySetUnavailable):
			return nil, ErrTemporarilyUnavailable.WithHint("The trusted issuer's keys could not be fetched.").WithWrap(err)
		case errors.Is(err, upstream.ErrSubjectTokenInvalid):
			return nil, ErrInvalidRequest.WithHint("The subject token could not be verified.").WithWrap(err)
		default:
			return nil, fmt.Errorf("failed to verify subject token: %w", err)
		}
	}

	subject, _ := claims["sub"].(string)
	if subject == "" {
		return nil, ErrInvalidRequest.WithHint("The subject token has no subject.")
	}

	scopes, err := ResolveScopes(req.Scope, ScopesFromClient(client))
	if err != nil {
		return nil, err
	}

	logger.Debugw("exchanging subject token",
		"client_id", client.ID,
		"issuer", issuer,
		"mapping", string(grant.Mapping.Strategy),
	)

	resp, err := f.generator.Issue(ctx, token.Request{
		ClientID: client.ID,
		Subject:  subject,
		Scopes:   scopes,
		Audience: AudiencesFromClient(client),
		Claims:   grant.Mapping.Apply(claims),
	})
	if err != nil {
		return nil, err
	}
	resp.IssuedTokenType = TokenTypeAccessToken
	return resp, nil
}

// AuthorizationRequest implements Flow.
func (*TokenExchangeFlow) AuthorizationRequest(context.Context, *TokenRequest, registry.Client) error {
	return ErrNotSupported
}
