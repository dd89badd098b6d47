// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"errors"
	"net/http"

	"github.com/ory/fosite"
)

// OAuth error kinds returned by the token endpoint. Status codes follow this server's
// taxonomy rather than fosite's defaults, so the values are declared here.
var (
	// ErrInvalidRequest is returned for malformed or contradictory requests.
	ErrInvalidRequest = &fosite.RFC6749Error{
		ErrorField:       "invalid_request",
		DescriptionField: "The request is missing a required parameter, includes an invalid parameter value, or is otherwise malformed.",
		CodeField:        http.StatusBadRequest,
	}

	// ErrInvalidClient is returned when client credentials are missing or cannot be parsed.
	ErrInvalidClient = &fosite.RFC6749Error{
		ErrorField:       "invalid_client",
		DescriptionField: "Client authentication failed.",
		CodeField:        http.StatusBadRequest,
	}

	// ErrUnauthorizedClient is returned when the credentials do not match a registered client.
	ErrUnauthorizedClient = &fosite.RFC6749Error{
		ErrorField:       "unauthorized_client",
		DescriptionField: "The client is not authorized to request a token using this method.",
		CodeField:        http.StatusUnauthorized,
	}

	// ErrUnsupportedGrantType is returned for grant types no flow handles.
	ErrUnsupportedGrantType = &fosite.RFC6749Error{
		ErrorField:       "unsupported_grant_type",
		DescriptionField: "The authorization grant type is not supported by the authorization server.",
		CodeField:        http.StatusBadRequest,
	}

	// ErrInvalidScope is returned when none of the requested scopes are allowed.
	ErrInvalidScope = &fosite.RFC6749Error{
		ErrorField:       "invalid_scope",
		DescriptionField: "The requested scope is invalid, unknown, or malformed.",
		CodeField:        http.StatusBadRequest,
	}

	// ErrInvalidTarget is reserved for audience restriction violations (RFC 8707).
	ErrInvalidTarget = &fosite.RFC6749Error{
		ErrorField:       "invalid_target",
		DescriptionField: "The requested resource is invalid, unknown, or malformed.",
		CodeField:        http.StatusBadRequest,
	}

	// ErrTemporarilyUnavailable is returned when a remote key set cannot be fetched.
	ErrTemporarilyUnavailable = &fosite.RFC6749Error{
		ErrorField:       "temporarily_unavailable",
		DescriptionField: "The authorization server is currently unable to handle the request.",
		CodeField:        http.StatusServiceUnavailable,
	}

	// ErrSlowDown is returned by the rate limiter.
	ErrSlowDown = &fosite.RFC6749Error{
		ErrorField:       "slow_down",
		DescriptionField: "Too many requests.",
		CodeField:        http.StatusTooManyRequests,
	}
)

// ErrNotSupported is returned by flows for operations they do not implement.
var ErrNotSupported = errors.New("operation not supported for this flow")

// ServerErrorCode is the error code reported for anything outside the OAuth taxonomy.
const ServerErrorCode = "server_error"

// AsOAuthError returns the OAuth error carried by err, if any.
func AsOAuthError(err error) (*fosite.RFC6749Error, bool) {
	var rfcErr *fosite.RFC6749Error
	if errors.As(err, &rfcErr) {
		return rfcErr, true
	}
	return nil, false
}

// ErrorCode returns the machine-readable code for err, or ServerErrorCode.
func ErrorCode(err error) string {
	if rfcErr, ok := AsOAuthError(err); ok {
		return rfcErr.ErrorField
	}
	return ServerErrorCode
}
