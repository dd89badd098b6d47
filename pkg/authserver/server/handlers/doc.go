// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package handlers provides the HTTP endpoints of the authorization server:
//
//   - POST /oauth/token: client_credentials and token exchange
//   - GET /.well-known/jwks.json and /.well-known/jwks: verification keys
//   - GET /.well-known/oauth-authorization-server (RFC 8414)
//   - GET /.well-known/openid-configuration
package handlers
