// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"slices"
	"strings"

	"github.com/stacklok/thv-authserver/pkg/authserver/registry"
)

// ScopesFromClient returns the union of the client's allowed scopes across all
// authorizations, de-duplicated in first-seen order.
func ScopesFromClient(client registry.Client) []string {
	var scopes []string
	for _, a := range client.Authorizations {
		for _, s := range a.Scopes {
			if !slices.Contains(scopes, s) {
				scopes = append(scopes, s)
			}
		}
	}
	return scopes
}

// AudiencesFromClient returns the audience of every resource server the client is
// authorized against, de-duplicated in first-seen order. The list is not narrowed
// by the requested scope.
func AudiencesFromClient(client registry.Client) []string {
	var audiences []string
	for _, a := range client.Authorizations {
		if !slices.Contains(audiences, a.Audience) {
			audiences = append(audiences, a.Audience)
		}
	}
	return audiences
}

// ResolveScopes computes the scopes to issue. An empty request yields every allowed
// scope; otherwise the result is the allowed scopes that were requested, in allowed order.
func ResolveScopes(requested string, allowed []string) ([]string, error) {
	fields := strings.Fields(requested)
	if len(fields) == 0 {
		if len(allowed) == 0 {
			return nil, ErrInvalidScope.WithHint("The client is not authorized for any scope.")
		}
		return slices.Clone(allowed), nil
	}

	var issued []string
	for _, s := range allowed {
		if slices.Contains(fields, s) {
			issued = append(issued, s)
		}
	}
	if len(issued) == 0 {
		return nil, ErrInvalidScope.WithHintf("None of the requested scopes %q are allowed for this client.", requested)
	}
	return issued, nil
}
