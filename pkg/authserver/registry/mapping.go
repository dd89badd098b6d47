// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"fmt"
	"maps"
	"slices"
)

// MappingStrategy names one of the fixed claims transformations applied during token exchange.
type MappingStrategy string

const (
	// MappingNone adds no claims beyond the registered ones.
	MappingNone MappingStrategy = "none"

	// MappingPassthrough copies every non-registered claim.
	MappingPassthrough MappingStrategy = "passthrough"

	// MappingSelect copies only the claims listed in ClaimsMapping.Claims.
	MappingSelect MappingStrategy = "select"

	// MappingPerson identifies a natural person by citizen service number:
	// {"bsn": <subject>, "type": "person"}.
	MappingPerson MappingStrategy = "person"
)

// registeredClaims are set by the token generator and never taken from a mapping.
var registeredClaims = []string{"iss", "sub", "aud", "exp", "iat", "nbf", "jti", "scope", "client_id"}

// ClaimsMapping selects a strategy and its parameters.
type ClaimsMapping struct {
	Strategy MappingStrategy
	Claims   []string
}

// Validate checks that the strategy is known and its parameters make sense.
func (m ClaimsMapping) Validate() error {
	switch m.Strategy {
	case MappingNone, MappingPassthrough, MappingPerson, "":
		if len(m.Claims) > 0 {
			return fmt.Errorf("claims list is only valid for the %q strategy", MappingSelect)
		}
		return nil
	case MappingSelect:
		if len(m.Claims) == 0 {
			return fmt.Errorf("the %q strategy requires at least one claim", MappingSelect)
		}
		for _, c := range m.Claims {
			if slices.Contains(registeredClaims, c) {
				return fmt.Errorf("registered claim %q cannot be mapped", c)
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown claims mapping strategy %q", m.Strategy)
	}
}

// Apply transforms verified subject token claims into extra claims for the issued token.
// The input is not modified. Registered claims never appear in the output.
func (m ClaimsMapping) Apply(claims map[string]any) map[string]any {
	out := map[string]any{}

	switch m.Strategy {
	case MappingPassthrough:
		maps.Copy(out, claims)
	case MappingSelect:
		for _, name := range m.Claims {
			if v, ok := claims[name]; ok {
				out[name] = v
			}
		}
	case MappingPerson:
		out["bsn"] = claims["sub"]
		out["type"] = "person"
	case MappingNone, "":
	}

	for _, c := range registeredClaims {
		delete(out, c)
	}
	return out
}
