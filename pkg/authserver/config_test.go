// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/thv-authserver/pkg/authserver/server/keys"
	"github.com/stacklok/thv-authserver/pkg/authserver/storage"
	"github.com/stacklok/thv-authserver/pkg/secrets"
)

func TestConfig_ApplyDefaults(t *testing.T) {
	t.Parallel()

	cfg := Config{
		Issuer:   "https://auth.example.com/",
		Registry: "registry.yaml",
		Rotation: RotationConfig{Interval: 12 * time.Hour},
	}
	require.NoError(t, cfg.applyDefaults())

	assert.Equal(t, "https://auth.example.com", cfg.Issuer)
	assert.Equal(t, time.Hour, cfg.AccessTokenLifespan)
	assert.Equal(t, keys.SourceStore, cfg.KeySource)
	assert.Equal(t, storage.TypeMemory, cfg.Storage.Type)
	assert.Equal(t, 12*time.Hour, cfg.Rotation.Interval, "explicit values win")
	assert.Equal(t, 72*time.Hour, cfg.Rotation.Retention)
	assert.Equal(t, 4096, cfg.Rotation.KeyBits)
	assert.Equal(t, 5*time.Minute, cfg.Rotation.RefreshInterval)
	assert.Equal(t, time.Minute, cfg.Rotation.CheckInterval)
	assert.Equal(t, secrets.EnvironmentType, cfg.Secrets.Provider)
	assert.Equal(t, 5*time.Second, cfg.Upstream.FetchTimeout)
	assert.NoError(t, cfg.Validate())
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults are valid", mutate: func(*Config) {}},
		{name: "missing issuer", mutate: func(c *Config) { c.Issuer = "" }, wantErr: "issuer is required"},
		{name: "relative issuer", mutate: func(c *Config) { c.Issuer = "auth.example.com" }, wantErr: "absolute URL"},
		{name: "plain http issuer", mutate: func(c *Config) { c.Issuer = "http://auth.example.com" }, wantErr: "https"},
		{name: "http localhost issuer", mutate: func(c *Config) { c.Issuer = "http://localhost:8080" }},
		{name: "missing registry", mutate: func(c *Config) { c.Registry = "" }, wantErr: "registry"},
		{name: "negative lifespan", mutate: func(c *Config) { c.AccessTokenLifespan = -time.Second }, wantErr: "lifespan"},
		{name: "unknown key source", mutate: func(c *Config) { c.KeySource = "hsm" }, wantErr: "unsupported key source"},
		{name: "file storage without dir", mutate: func(c *Config) { c.Storage.Type = storage.TypeFile }, wantErr: "storage"},
		{name: "small keys", mutate: func(c *Config) { c.Rotation.KeyBits = 1024 }, wantErr: "key bits"},
		{
			name: "retention too short for token lifetime",
			mutate: func(c *Config) {
				c.Rotation.Interval = 24 * time.Hour
				c.Rotation.Retention = 25 * time.Hour
			},
			wantErr: "retention",
		},
		{
			name: "retention covers interval, lifetime and refresh",
			mutate: func(c *Config) {
				c.Rotation.Interval = 24 * time.Hour
				c.Rotation.Retention = 25*time.Hour + 6*time.Minute
			},
		},
		{
			name:    "secret source without key name",
			mutate:  func(c *Config) { c.KeySource = keys.SourceSecret },
			wantErr: "privateKeyName",
		},
		{
			name: "secret source ignores rotation",
			mutate: func(c *Config) {
				c.KeySource = keys.SourceSecret
				c.SecretKey.PrivateKeyName = "signing-key"
				c.Rotation.Retention = time.Minute
			},
		},
		{name: "ephemeral source", mutate: func(c *Config) { c.KeySource = keys.SourceEphemeral }},
		{name: "directory secrets without dir", mutate: func(c *Config) { c.Secrets.Provider = secrets.DirectoryType }, wantErr: "secrets.dir"},
		{name: "unknown secrets provider", mutate: func(c *Config) { c.Secrets.Provider = "vault" }, wantErr: "unsupported secrets provider"},
		{name: "negative rate limit", mutate: func(c *Config) { c.RateLimit.RequestsPerSecond = -1 }, wantErr: "rate limit"},
		{name: "sampling rate above one", mutate: func(c *Config) { c.Telemetry.SamplingRate = 1.5 }, wantErr: "telemetry"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := Config{Issuer: "https://auth.example.com", Registry: "registry.yaml"}
			require.NoError(t, cfg.applyDefaults())
			tt.mutate(&cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestConfig_KeysConfig(t *testing.T) {
	t.Parallel()

	cfg := Config{
		KeySource: keys.SourceSecret,
		Rotation:  RotationConfig{Interval: time.Hour, Retention: 3 * time.Hour, KeyBits: 2048},
		SecretKey: SecretKeyConfig{PrivateKeyName: "key", VerificationKeyNames: []string{"old"}},
	}
	assert.Equal(t, keys.Config{
		Source:               keys.SourceSecret,
		Rotation:             keys.RotationConfig{Interval: time.Hour, Retention: 3 * time.Hour, KeyBits: 2048},
		PrivateKeyName:       "key",
		VerificationKeyNames: []string{"old"},
	}, cfg.keysConfig())
}
