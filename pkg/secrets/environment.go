// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package secrets

import (
	"context"
	"fmt"

	"github.com/stacklok/toolhive-core/env"
)

// EnvVarPrefix is prepended to a secret name to form the environment variable it is read from.
const EnvVarPrefix = "THV_AUTHSERVER_SECRET_"

// EnvironmentProvider reads secrets from environment variables.
type EnvironmentProvider struct {
	env env.Reader
}

// NewEnvironmentProvider creates a provider reading from the process environment.
func NewEnvironmentProvider() *EnvironmentProvider {
	return NewEnvironmentProviderWithReader(&env.OSReader{})
}

// NewEnvironmentProviderWithReader creates a provider with a custom environment reader.
func NewEnvironmentProviderWithReader(reader env.Reader) *EnvironmentProvider {
	return &EnvironmentProvider{env: reader}
}

// GetSecret returns the value of EnvVarPrefix+name. Empty values are treated as unset.
func (p *EnvironmentProvider) GetSecret(_ context.Context, name string) (string, error) {
	if err := validateName(name); err != nil {
		return "", err
	}
	value := p.env.Getenv(EnvVarPrefix + name)
	if value == "" {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	}
	return value, nil
}
