// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/tailscale/hujson"
	"gopkg.in/yaml.v3"

	"github.com/stacklok/thv-authserver/pkg/secrets"
)

// FileConfig is the on-disk shape of the registry.
type FileConfig struct {
	ResourceServers []ResourceServerConfig `json:"resourceServers" yaml:"resourceServers"`
	Clients         []ClientConfig         `json:"clients" yaml:"clients"`
}

// ResourceServerConfig declares a resource server.
type ResourceServerConfig struct {
	Audience string   `json:"audience" yaml:"audience"`
	Scopes   []string `json:"scopes" yaml:"scopes"`
}

// ClientConfig declares a client. Exactly one of Secret and SecretRef must be set.
type ClientConfig struct {
	ID             string                `json:"id" yaml:"id"`
	Secret         string                `json:"secret,omitempty" yaml:"secret,omitempty"`
	SecretRef      string                `json:"secretRef,omitempty" yaml:"secretRef,omitempty"`
	Authorizations []AuthorizationConfig `json:"authorizations" yaml:"authorizations"`
	TokenExchanges []TokenExchangeConfig `json:"tokenExchanges,omitempty" yaml:"tokenExchanges,omitempty"`
}

// AuthorizationConfig references a resource server by audience.
type AuthorizationConfig struct {
	Audience string   `json:"audience" yaml:"audience"`
	Scopes   []string `json:"scopes" yaml:"scopes"`
}

// TokenExchangeConfig declares a trusted issuer.
type TokenExchangeConfig struct {
	Issuer    string        `json:"issuer" yaml:"issuer"`
	JWKSURL   string        `json:"jwksURL,omitempty" yaml:"jwksURL,omitempty"`
	Discovery bool          `json:"discovery,omitempty" yaml:"discovery,omitempty"`
	Audience  string        `json:"audience,omitempty" yaml:"audience,omitempty"`
	Mapping   MappingConfig `json:"mapping,omitempty" yaml:"mapping,omitempty"`
}

// MappingConfig selects a claims mapping strategy.
type MappingConfig struct {
	Strategy string   `json:"strategy,omitempty" yaml:"strategy,omitempty"`
	Claims   []string `json:"claims,omitempty" yaml:"claims,omitempty"`
}

// LoadFile reads a registry from a YAML (.yaml, .yml) or JSON/HuJSON (.json, .hujson) file.
// Client secrets given by reference are resolved through secretProvider.
func LoadFile(ctx context.Context, path string, secretProvider secrets.Provider) (*Registry, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path is provided by the operator via config
	if err != nil {
		return nil, fmt.Errorf("failed to read client registry: %w", err)
	}

	cfg, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("failed to parse client registry %s: %w", path, err)
	}
	return New(ctx, cfg, secretProvider)
}

// Parse decodes registry data. ext selects the format and defaults to YAML.
// Unknown fields are rejected so typos do not silently drop configuration.
func Parse(data []byte, ext string) (*FileConfig, error) {
	var cfg FileConfig
	switch strings.ToLower(ext) {
	case ".json", ".hujson":
		std, err := hujson.Standardize(data)
		if err != nil {
			return nil, err
		}
		dec := json.NewDecoder(bytes.NewReader(std))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return nil, err
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

// New validates cfg and builds the immutable Registry.
func New(ctx context.Context, cfg *FileConfig, secretProvider secrets.Provider) (*Registry, error) {
	if cfg == nil {
		return nil, errors.New("registry configuration is required")
	}

	reg := &Registry{clients: make(map[string]*Client, len(cfg.Clients))}
	available := make(map[string][]string, len(cfg.ResourceServers))

	for i, rs := range cfg.ResourceServers {
		if rs.Audience == "" {
			return nil, fmt.Errorf("resourceServers[%d]: audience is required", i)
		}
		if _, dup := available[rs.Audience]; dup {
			return nil, fmt.Errorf("resourceServers[%d]: duplicate audience %q", i, rs.Audience)
		}
		available[rs.Audience] = rs.Scopes
		reg.resourceServers = append(reg.resourceServers, ResourceServer{
			Audience: rs.Audience,
			Scopes:   slices.Clone(rs.Scopes),
		})
	}

	for i, cc := range cfg.Clients {
		client, err := buildClient(ctx, cc, available, secretProvider)
		if err != nil {
			return nil, fmt.Errorf("clients[%d]: %w", i, err)
		}
		if _, dup := reg.clients[client.ID]; dup {
			return nil, fmt.Errorf("clients[%d]: duplicate client id %q", i, client.ID)
		}
		reg.clients[client.ID] = client
	}
	return reg, nil
}

func buildClient(
	ctx context.Context,
	cc ClientConfig,
	available map[string][]string,
	secretProvider secrets.Provider,
) (*Client, error) {
	if cc.ID == "" {
		return nil, errors.New("id is required")
	}

	secret, err := resolveSecret(ctx, cc, secretProvider)
	if err != nil {
		return nil, fmt.Errorf("client %q: %w", cc.ID, err)
	}

	client := &Client{ID: cc.ID, Secret: secret}

	for _, ac := range cc.Authorizations {
		scopes, ok := available[ac.Audience]
		if !ok {
			return nil, fmt.Errorf("client %q: unknown resource server %q", cc.ID, ac.Audience)
		}
		for _, s := range ac.Scopes {
			if !slices.Contains(scopes, s) {
				return nil, fmt.Errorf("client %q: scope %q is not available on %q", cc.ID, s, ac.Audience)
			}
		}
		client.Authorizations = append(client.Authorizations, Authorization{
			Audience: ac.Audience,
			Scopes:   slices.Clone(ac.Scopes),
		})
	}

	seen := map[string]bool{}
	for _, tc := range cc.TokenExchanges {
		if tc.Issuer == "" {
			return nil, fmt.Errorf("client %q: token exchange issuer is required", cc.ID)
		}
		if seen[tc.Issuer] {
			return nil, fmt.Errorf("client %q: duplicate trusted issuer %q", cc.ID, tc.Issuer)
		}
		seen[tc.Issuer] = true
		if tc.JWKSURL != "" && tc.Discovery {
			return nil, fmt.Errorf("client %q: jwksURL and discovery are mutually exclusive", cc.ID)
		}

		mapping := ClaimsMapping{Strategy: MappingStrategy(tc.Mapping.Strategy), Claims: slices.Clone(tc.Mapping.Claims)}
		if mapping.Strategy == "" {
			mapping.Strategy = MappingNone
		}
		if err := mapping.Validate(); err != nil {
			return nil, fmt.Errorf("client %q issuer %q: %w", cc.ID, tc.Issuer, err)
		}

		client.TokenExchanges = append(client.TokenExchanges, TokenExchangeGrant{
			Issuer:    tc.Issuer,
			JWKSURL:   tc.JWKSURL,
			Discovery: tc.Discovery,
			Audience:  tc.Audience,
			Mapping:   mapping,
		})
	}
	return client, nil
}

func resolveSecret(ctx context.Context, cc ClientConfig, secretProvider secrets.Provider) (string, error) {
	switch {
	case cc.Secret != "" && cc.SecretRef != "":
		return "", errors.New("secret and secretRef are mutually exclusive")
	case cc.Secret != "":
		return cc.Secret, nil
	case cc.SecretRef != "":
		if secretProvider == nil {
			return "", errors.New("secretRef requires a secrets provider")
		}
		secret, err := secretProvider.GetSecret(ctx, cc.SecretRef)
		if err != nil {
			return "", fmt.Errorf("failed to resolve secretRef %q: %w", cc.SecretRef, err)
		}
		if secret == "" {
			return "", fmt.Errorf("secretRef %q resolved to an empty secret", cc.SecretRef)
		}
		return secret, nil
	default:
		return "", errors.New("secret is required")
	}
}
