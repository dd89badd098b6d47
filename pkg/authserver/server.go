// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stacklok/thv-authserver/pkg/authserver/oauth"
	"github.com/stacklok/thv-authserver/pkg/authserver/registry"
	"github.com/stacklok/thv-authserver/pkg/authserver/server/handlers"
	"github.com/stacklok/thv-authserver/pkg/authserver/server/keys"
	"github.com/stacklok/thv-authserver/pkg/authserver/storage"
	"github.com/stacklok/thv-authserver/pkg/authserver/token"
	"github.com/stacklok/thv-authserver/pkg/authserver/upstream"
	"github.com/stacklok/thv-authserver/pkg/logger"
	"github.com/stacklok/thv-authserver/pkg/networking"
	"github.com/stacklok/thv-authserver/pkg/secrets"
	"github.com/stacklok/thv-authserver/pkg/telemetry"
)

// MetricsPath serves Prometheus metrics.
const MetricsPath = "/metrics"

// requestTimeout bounds every request, including the remote key set fetch of a token exchange.
const requestTimeout = 30 * time.Second

// Server is an assembled authorization server.
type Server struct {
	cfg      Config
	handler  http.Handler
	keys     *Keys
	registry *registry.Registry
	cancel   context.CancelFunc
}

// Option configures New.
type Option func(*serverOptions)

type serverOptions struct {
	httpClient     *http.Client
	secretProvider secrets.Provider
	backend        storage.Backend
}

// WithHTTPClient sets the client used to reach trusted issuers instead of one
// built from Config.Upstream.
func WithHTTPClient(client *http.Client) Option {
	return func(o *serverOptions) {
		o.httpClient = client
	}
}

// WithSecretProvider sets the secret provider instead of one built from Config.Secrets.
func WithSecretProvider(p secrets.Provider) Option {
	return func(o *serverOptions) {
		o.secretProvider = p
	}
}

// WithStorage sets the object store instead of one built from Config.Storage.
// The server takes ownership and closes it.
func WithStorage(b storage.Backend) Option {
	return func(o *serverOptions) {
		o.backend = b
	}
}

// New validates cfg and assembles the server. Call Close to release its resources.
func New(ctx context.Context, cfg Config, opts ...Option) (_ *Server, retErr error) {
	logger.Debug("initializing OAuth authorization server")

	options := &serverOptions{}
	for _, opt := range opts {
		opt(options)
	}

	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	secretProvider, err := options.secrets(&cfg)
	if err != nil {
		return nil, err
	}

	k, err := openKeys(ctx, &cfg, options, secretProvider)
	if err != nil {
		return nil, err
	}
	defer func() {
		if retErr != nil {
			_ = k.Close()
		}
	}()

	reg, err := registry.LoadFile(ctx, cfg.Registry, secretProvider)
	if err != nil {
		return nil, err
	}
	logger.Debugw("client registry loaded", "clients", reg.Len())

	httpClient := options.httpClient
	if httpClient == nil {
		httpClient, err = networking.NewHttpClientBuilder().
			WithCABundle(cfg.Upstream.CABundle).
			WithPrivateIPs(cfg.Upstream.AllowPrivateIP).
			Build()
		if err != nil {
			return nil, fmt.Errorf("failed to create HTTP client: %w", err)
		}
	}

	// the key set cache outlives the request that first fills it
	verifierCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer func() {
		if retErr != nil {
			cancel()
		}
	}()
	verifier, err := upstream.NewVerifier(verifierCtx, httpClient,
		upstream.WithFetchTimeout(cfg.Upstream.FetchTimeout),
		upstream.WithLeeway(cfg.Upstream.Leeway),
	)
	if err != nil {
		return nil, err
	}

	generator, err := token.NewGenerator(cfg.Issuer, k.Provider, token.WithLifetime(cfg.AccessTokenLifespan))
	if err != nil {
		return nil, err
	}

	dispatcher, err := oauth.NewDispatcher(
		oauth.NewAuthenticator(reg),
		oauth.NewClientCredentialsFlow(generator),
		oauth.NewTokenExchangeFlow(generator, verifier),
	)
	if err != nil {
		return nil, err
	}

	h := handlers.NewHandler(cfg.Issuer, dispatcher, k.Provider, reg.ScopesSupported(),
		handlers.WithRateLimit(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst))

	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
		middleware.Timeout(requestTimeout),
		telemetry.Middleware,
	)
	h.OAuthRoutes(r)
	h.WellKnownRoutes(r)
	r.Method(http.MethodGet, MetricsPath, promhttp.Handler())

	logger.Debugw("OAuth authorization server initialized",
		"issuer", cfg.Issuer,
		"keySource", cfg.KeySource,
		"grantTypes", dispatcher.GrantTypes(),
	)

	return &Server{
		cfg:      cfg,
		handler:  r,
		keys:     k,
		registry: reg,
		cancel:   cancel,
	}, nil
}

// Handler returns the HTTP handler serving every endpoint.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// KeyProvider returns the provider of signing and verification keys.
func (s *Server) KeyProvider() keys.KeyProvider {
	return s.keys.Provider
}

// Rotator returns the key rotator, or nil when keys do not come from the object store.
func (s *Server) Rotator() *keys.Rotator {
	return s.keys.Rotator
}

// Registry returns the loaded client registry.
func (s *Server) Registry() *registry.Registry {
	return s.registry
}

// Bootstrap makes sure a signing key exists before the server accepts traffic.
func (s *Server) Bootstrap(ctx context.Context) error {
	if s.keys.Rotator != nil {
		if err := s.keys.Rotator.EnsureKey(ctx); err != nil {
			return fmt.Errorf("failed to bootstrap signing key: %w", err)
		}
	}
	key, err := s.keys.Provider.SigningKey(ctx)
	if err != nil {
		return fmt.Errorf("no signing key available: %w", err)
	}
	logger.Infow("signing key ready", "kid", key.KeyID, "keySource", s.cfg.KeySource)
	return nil
}

// RunRotation rotates and expires keys until ctx is cancelled. It returns
// immediately when keys do not come from the object store.
func (s *Server) RunRotation(ctx context.Context) {
	if s.keys.Rotator == nil {
		return
	}
	s.keys.Rotator.Run(ctx, s.cfg.Rotation.CheckInterval)
}

// Close releases the key set cache and the object store.
func (s *Server) Close() error {
	logger.Debug("closing OAuth authorization server")
	s.cancel()
	return s.keys.Close()
}
