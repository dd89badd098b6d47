// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"mime"
	"net/http"
	"net/url"
)

// Grant types handled by the token endpoint.
const (
	GrantTypeClientCredentials = "client_credentials"
	GrantTypeTokenExchange     = "urn:ietf:params:oauth:grant-type:token-exchange"
)

// Token request parameters.
const (
	ParamGrantType        = "grant_type"
	ParamClientID         = "client_id"
	ParamClientSecret     = "client_secret"
	ParamScope            = "scope"
	ParamSubjectToken     = "subject_token"
	ParamSubjectTokenType = "subject_token_type"
)

const formContentType = "application/x-www-form-urlencoded"

// TokenRequest is a parsed token endpoint request.
type TokenRequest struct {
	// GrantType is the grant_type parameter.
	GrantType string

	// Scope is the raw, space-separated scope parameter. Empty means all allowed scopes.
	Scope string

	// Authorization is the raw Authorization header.
	Authorization string

	// Form holds all body and query parameters.
	Form url.Values
}

// ParseTokenRequest accepts only form-encoded POST requests.
func ParseTokenRequest(r *http.Request) (*TokenRequest, error) {
	if r.Method != http.MethodPost {
		return nil, ErrInvalidRequest.WithHintf("HTTP method is %q, expected POST.", r.Method)
	}

	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != formContentType {
		return nil, ErrInvalidRequest.WithHintf("Content-Type must be %q.", formContentType)
	}

	if err := r.ParseForm(); err != nil {
		return nil, ErrInvalidRequest.WithHint("Unable to parse the request body.").WithWrap(err)
	}

	return &TokenRequest{
		GrantType:     r.Form.Get(ParamGrantType),
		Scope:         r.Form.Get(ParamScope),
		Authorization: r.Header.Get("Authorization"),
		Form:          r.Form,
	}, nil
}
