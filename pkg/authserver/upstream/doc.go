// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package upstream verifies subject tokens issued by trusted external identity
// providers during token exchange.
//
// A trusted issuer's verification keys are resolved in this order:
//
//   - the grant's explicit jwksURL
//   - the jwks_uri of the issuer's OpenID configuration, when discovery is enabled
//   - {issuer}/certs
//
// Key sets are kept in a jwx cache that honours the remote's caching headers.
// Fetch failures surface as ErrKeySetUnavailable and are not retried within a request.
package upstream
