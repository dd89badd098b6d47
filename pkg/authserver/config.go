// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"dario.cat/mergo"

	"github.com/stacklok/thv-authserver/pkg/authserver/server/crypto"
	"github.com/stacklok/thv-authserver/pkg/authserver/server/keys"
	"github.com/stacklok/thv-authserver/pkg/authserver/storage"
	"github.com/stacklok/thv-authserver/pkg/authserver/token"
	"github.com/stacklok/thv-authserver/pkg/authserver/upstream"
	"github.com/stacklok/thv-authserver/pkg/logger"
	"github.com/stacklok/thv-authserver/pkg/secrets"
	"github.com/stacklok/thv-authserver/pkg/telemetry"
)

// Config is the configuration of the authorization server. It is usually
// unmarshalled by viper from a YAML file, THV_AUTHSERVER_* environment variables
// and flags.
type Config struct {
	// Issuer is the iss claim of issued tokens and the base URL of all endpoints.
	Issuer string `json:"issuer" yaml:"issuer" mapstructure:"issuer"`

	// AccessTokenLifespan is the validity of issued tokens. Defaults to 1 hour.
	AccessTokenLifespan time.Duration `json:"accessTokenLifespan,omitempty" yaml:"accessTokenLifespan,omitempty" mapstructure:"access_token_lifespan"`

	// Registry is the path of the client registry file (.yaml, .yml, .json or .hujson).
	Registry string `json:"registry" yaml:"registry" mapstructure:"registry"`

	// KeySource selects where signing keys come from: store, secret or ephemeral.
	KeySource keys.Source `json:"keySource,omitempty" yaml:"keySource,omitempty" mapstructure:"key_source"`

	// Storage is the object store holding rotating keys for the store key source.
	Storage storage.Config `json:"storage,omitempty" yaml:"storage,omitempty" mapstructure:"storage"`

	// Rotation configures key rotation for the store key source.
	Rotation RotationConfig `json:"rotation,omitempty" yaml:"rotation,omitempty" mapstructure:"rotation"`

	// Secrets selects the secret provider used for secretRef clients and the secret key source.
	Secrets SecretsConfig `json:"secrets,omitempty" yaml:"secrets,omitempty" mapstructure:"secrets"`

	// SecretKey names the key material for the secret key source.
	SecretKey SecretKeyConfig `json:"secretKey,omitempty" yaml:"secretKey,omitempty" mapstructure:"secret_key"`

	// RateLimit limits the token endpoint.
	RateLimit RateLimitConfig `json:"rateLimit,omitempty" yaml:"rateLimit,omitempty" mapstructure:"rate_limit"`

	// Upstream configures how trusted issuers are reached during token exchange.
	Upstream UpstreamConfig `json:"upstream,omitempty" yaml:"upstream,omitempty" mapstructure:"upstream"`

	// Telemetry configures OTLP trace export.
	Telemetry telemetry.Config `json:"telemetry,omitempty" yaml:"telemetry,omitempty" mapstructure:"telemetry"`
}

// RotationConfig configures signing key rotation.
type RotationConfig struct {
	// Interval is the age after which a new key is generated. Defaults to 24h.
	Interval time.Duration `json:"interval,omitempty" yaml:"interval,omitempty" mapstructure:"interval"`

	// Retention is how long a key pair is kept. Defaults to 72h.
	Retention time.Duration `json:"retention,omitempty" yaml:"retention,omitempty" mapstructure:"retention"`

	// KeyBits is the RSA modulus size. Defaults to 4096.
	KeyBits int `json:"keyBits,omitempty" yaml:"keyBits,omitempty" mapstructure:"key_bits"`

	// RefreshInterval is how long a replica caches the key set. Defaults to 5m.
	RefreshInterval time.Duration `json:"refreshInterval,omitempty" yaml:"refreshInterval,omitempty" mapstructure:"refresh_interval"`

	// CheckInterval is how often the rotation job wakes up. Defaults to 1m.
	CheckInterval time.Duration `json:"checkInterval,omitempty" yaml:"checkInterval,omitempty" mapstructure:"check_interval"`
}

// SecretsConfig selects the secret provider.
type SecretsConfig struct {
	// Provider is environment (THV_AUTHSERVER_SECRET_* variables) or directory.
	Provider secrets.ProviderType `json:"provider,omitempty" yaml:"provider,omitempty" mapstructure:"provider"`

	// Dir is the directory read by the directory provider.
	Dir string `json:"dir,omitempty" yaml:"dir,omitempty" mapstructure:"dir"`
}

// SecretKeyConfig names the secrets holding key material for the secret key source.
type SecretKeyConfig struct {
	PrivateKeyName       string   `json:"privateKeyName,omitempty" yaml:"privateKeyName,omitempty" mapstructure:"private_key_name"`
	VerificationKeyNames []string `json:"verificationKeyNames,omitempty" yaml:"verificationKeyNames,omitempty" mapstructure:"verification_key_names"`
}

// RateLimitConfig configures the token endpoint token bucket. Zero disables it.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requestsPerSecond,omitempty" yaml:"requestsPerSecond,omitempty" mapstructure:"requests_per_second"`
	Burst             int     `json:"burst,omitempty" yaml:"burst,omitempty" mapstructure:"burst"`
}

// UpstreamConfig configures outbound requests to trusted issuers.
type UpstreamConfig struct {
	// CABundle is a PEM file of CAs trusted instead of the system roots.
	CABundle string `json:"caBundle,omitempty" yaml:"caBundle,omitempty" mapstructure:"ca_bundle"`

	// AllowPrivateIP permits issuers on private networks.
	AllowPrivateIP bool `json:"allowPrivateIP,omitempty" yaml:"allowPrivateIP,omitempty" mapstructure:"allow_private_ip"`

	// FetchTimeout bounds discovery and initial key set fetches. Defaults to 5s.
	FetchTimeout time.Duration `json:"fetchTimeout,omitempty" yaml:"fetchTimeout,omitempty" mapstructure:"fetch_timeout"`

	// Leeway tolerates clock skew when checking subject token times.
	Leeway time.Duration `json:"leeway,omitempty" yaml:"leeway,omitempty" mapstructure:"leeway"`
}

// DefaultRotationCheckInterval is how often the rotation job wakes up.
const DefaultRotationCheckInterval = time.Minute

// DefaultConfig returns the defaults merged into every Config.
func DefaultConfig() *Config {
	return &Config{
		AccessTokenLifespan: token.DefaultLifetime,
		KeySource:           keys.SourceStore,
		Storage:             *storage.DefaultConfig(),
		Rotation: RotationConfig{
			Interval:        keys.DefaultRotationInterval,
			Retention:       keys.DefaultRetention,
			KeyBits:         crypto.DefaultRSAKeyBits,
			RefreshInterval: keys.DefaultRefreshInterval,
			CheckInterval:   DefaultRotationCheckInterval,
		},
		Secrets: SecretsConfig{
			Provider: secrets.EnvironmentType,
		},
		Upstream: UpstreamConfig{
			FetchTimeout: upstream.DefaultFetchTimeout,
		},
	}
}

// applyDefaults fills every unset field from DefaultConfig.
func (c *Config) applyDefaults() error {
	logger.Debug("applying default values to authserver config")
	if err := mergo.Merge(c, DefaultConfig()); err != nil {
		return fmt.Errorf("failed to apply defaults: %w", err)
	}
	c.Issuer = strings.TrimSuffix(c.Issuer, "/")
	return nil
}

// Validate checks that the Config is usable.
func (c *Config) Validate() error {
	logger.Debugw("validating authserver config", "issuer", c.Issuer)

	if c.Issuer == "" {
		return errors.New("issuer is required")
	}
	u, err := url.Parse(c.Issuer)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("issuer %q must be an absolute URL", c.Issuer)
	}
	if u.Scheme != "https" && u.Hostname() != "localhost" && u.Hostname() != "127.0.0.1" {
		return fmt.Errorf("issuer %q must use https", c.Issuer)
	}

	if c.Registry == "" {
		return errors.New("registry path is required")
	}
	if c.AccessTokenLifespan <= 0 {
		return fmt.Errorf("access token lifespan must be positive, got %s", c.AccessTokenLifespan)
	}

	if err := c.validateKeys(); err != nil {
		return err
	}

	if c.RateLimit.RequestsPerSecond < 0 || c.RateLimit.Burst < 0 {
		return errors.New("rate limit values must not be negative")
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	logger.Debugw("authserver config validation passed",
		"issuer", c.Issuer,
		"keySource", c.KeySource,
		"storage", c.Storage.Type,
	)
	return nil
}

// validateKeys checks the settings needed to reach the signing keys.
func (c *Config) validateKeys() error {
	switch c.KeySource {
	case keys.SourceStore:
		if err := c.Storage.Validate(); err != nil {
			return fmt.Errorf("storage: %w", err)
		}
		if err := c.Rotation.validate(c.AccessTokenLifespan); err != nil {
			return fmt.Errorf("rotation: %w", err)
		}
	case keys.SourceSecret:
		if c.SecretKey.PrivateKeyName == "" {
			return fmt.Errorf("secretKey.privateKeyName is required for key source %q", keys.SourceSecret)
		}
	case keys.SourceEphemeral:
		logger.Warn("using ephemeral signing keys; tokens become unverifiable on restart")
	default:
		return fmt.Errorf("unsupported key source: %s", c.KeySource)
	}

	switch c.Secrets.Provider {
	case secrets.EnvironmentType:
	case secrets.DirectoryType:
		if c.Secrets.Dir == "" {
			return errors.New("secrets.dir is required for the directory provider")
		}
	default:
		return fmt.Errorf("unsupported secrets provider: %s", c.Secrets.Provider)
	}
	return nil
}

// validate requires the retiring key to outlive every token it signed, including
// tokens signed by replicas whose cached key set is up to RefreshInterval stale.
func (r *RotationConfig) validate(tokenLifespan time.Duration) error {
	if r.KeyBits < crypto.MinRSAKeyBits {
		return fmt.Errorf("key bits %d is below the minimum of %d", r.KeyBits, crypto.MinRSAKeyBits)
	}
	if r.Interval <= 0 || r.RefreshInterval <= 0 || r.CheckInterval <= 0 {
		return errors.New("interval, refresh interval and check interval must be positive")
	}
	if minRetention := r.Interval + tokenLifespan + r.RefreshInterval; r.Retention <= minRetention {
		return fmt.Errorf("retention %s must exceed interval + access token lifespan + refresh interval (%s)",
			r.Retention, minRetention)
	}
	return nil
}

func (c *Config) keysConfig() keys.Config {
	return keys.Config{
		Source: c.KeySource,
		Rotation: keys.RotationConfig{
			Interval:  c.Rotation.Interval,
			Retention: c.Rotation.Retention,
			KeyBits:   c.Rotation.KeyBits,
		},
		PrivateKeyName:       c.SecretKey.PrivateKeyName,
		VerificationKeyNames: c.SecretKey.VerificationKeyNames,
	}
}
