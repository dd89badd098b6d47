// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package authserver assembles the OAuth 2.0 authorization server: a token endpoint
// for the client_credentials and token exchange (RFC 8693) grants, JWKS and
// discovery endpoints, and the rotating signing keys behind them.
//
// # Usage
//
//	srv, err := authserver.New(ctx, cfg)
//	if err != nil {
//	    return err
//	}
//	defer srv.Close()
//
//	if err := srv.Bootstrap(ctx); err != nil {
//	    return err
//	}
//	go srv.RunRotation(ctx)
//	http.ListenAndServe(addr, srv.Handler())
//
// # Keys
//
// With the default "store" key source, signing keys live in an object store
// (memory, file or redis) and are rotated on a schedule. Every replica sharing the
// store signs with the newest key and publishes all retained public keys.
package authserver
