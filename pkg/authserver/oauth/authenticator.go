// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"crypto/subtle"
	"encoding/base64"
	"strings"

	"github.com/stacklok/thv-authserver/pkg/authserver/registry"
)

// ClientLookup resolves registered clients by id.
type ClientLookup interface {
	Lookup(id string) (registry.Client, bool)
}

// Authenticator verifies client credentials carried by a token request.
// It is stateless; every request is authenticated from scratch.
type Authenticator struct {
	clients ClientLookup
}

// NewAuthenticator creates an Authenticator backed by clients.
func NewAuthenticator(clients ClientLookup) *Authenticator {
	return &Authenticator{clients: clients}
}

// Authenticate returns the client identified by the request's credentials.
// Credentials come either from an HTTP Basic header or from client_id/client_secret
// parameters, never both.
func (a *Authenticator) Authenticate(req *TokenRequest) (registry.Client, error) {
	// Empty parameters count as absent.
	hasBody := req.Form.Get(ParamClientID) != "" || req.Form.Get(ParamClientSecret) != ""
	hasHeader := req.Authorization != ""

	if hasHeader && hasBody {
		return registry.Client{}, ErrInvalidRequest.WithHint(
			"Client credentials must be sent either in the Authorization header or in the request body, not both.")
	}

	var id, secret string
	switch {
	case hasHeader:
		var err error
		id, secret, err = parseBasic(req.Authorization)
		if err != nil {
			return registry.Client{}, err
		}
	case hasBody:
		id = req.Form.Get(ParamClientID)
		secret = req.Form.Get(ParamClientSecret)
	}

	if id == "" || secret == "" {
		return registry.Client{}, ErrInvalidClient.WithHint("Client credentials are missing.")
	}

	client, ok := a.clients.Lookup(id)
	if !ok || subtle.ConstantTimeCompare([]byte(secret), []byte(client.Secret)) != 1 {
		return registry.Client{}, ErrUnauthorizedClient.WithHint("Client credentials are incorrect.")
	}
	return client, nil
}

func parseBasic(header string) (string, string, error) {
	scheme, encoded, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Basic") {
		return "", "", ErrInvalidClient.WithHint("The Authorization header must use the Basic scheme.")
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return "", "", ErrInvalidClient.WithHint("The Authorization header is not valid base64.").WithWrap(err)
	}

	id, secret, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return "", "", ErrInvalidClient.WithHint("The Authorization header does not contain id:secret.")
	}

	return id, secret, nil
}
