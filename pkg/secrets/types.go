// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package secrets contains the read-only secret providers used to source
// client secrets and signing key material.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrSecretNotFound is returned when a provider has no value for the requested name.
var ErrSecretNotFound = errors.New("secret not found")

// Provider describes a type which can resolve secrets by name.
type Provider interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// validateName rejects names that are empty or could escape a provider's namespace.
func validateName(name string) error {
	if name == "" {
		return errors.New("secret name cannot be empty")
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return fmt.Errorf("invalid secret name %q", name)
	}
	return nil
}
