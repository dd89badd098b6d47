// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package secrets

import (
	"errors"
	"net/http"

	"github.com/stacklok/toolhive-core/httperr"
)

// ProviderType represents an enum of the types of available secrets providers.
type ProviderType string

const (
	// EnvironmentType represents the environment variable secret provider.
	EnvironmentType ProviderType = "environment"

	// DirectoryType represents the mounted-directory secret provider.
	DirectoryType ProviderType = "directory"
)

// ErrUnknownProviderType is returned when an invalid value for ProviderType is specified.
var ErrUnknownProviderType = httperr.WithCode(
	errors.New("unknown secret provider type"),
	http.StatusBadRequest,
)

// CreateSecretProvider creates the specified type of secrets provider.
// dir is only used by the directory provider.
func CreateSecretProvider(providerType ProviderType, dir string) (Provider, error) {
	switch providerType {
	case EnvironmentType, "":
		return NewEnvironmentProvider(), nil
	case DirectoryType:
		return NewDirectoryProvider(dir)
	default:
		return nil, ErrUnknownProviderType
	}
}
