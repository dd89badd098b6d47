// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/thv-authserver/pkg/authserver"
	"github.com/stacklok/thv-authserver/pkg/logger"
	"github.com/stacklok/thv-authserver/pkg/telemetry"
)

const (
	defaultListenAddress = ":8080"

	// readHeaderTimeout prevents slowloris attacks by limiting time to read request headers.
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 15 * time.Second
)

// newServeCmd creates the serve command for starting the authorization server
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the authorization server",
		Long: `Start the authorization server.

The server makes sure a signing key exists, starts the background key rotation job and
serves the token, JWKS, discovery and metrics endpoints until it receives SIGINT or SIGTERM.`,
		RunE: runServe,
	}

	cmd.Flags().String("listen", defaultListenAddress, "Address to listen on")
	cmd.Flags().String("issuer", "", "Issuer URL placed in tokens and discovery documents")
	cmd.Flags().String("registry", "", "Path of the client registry file")
	for _, name := range []string{"listen", "issuer", "registry"} {
		if err := viper.BindPFlag(name, cmd.Flags().Lookup(name)); err != nil {
			logger.Errorf("Error binding %s flag: %v", name, err)
		}
	}

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig(viper.GetViper())
	if err != nil {
		return err
	}

	if cfg.Telemetry.ServiceVersion == "" {
		cfg.Telemetry.ServiceVersion = getVersion()
	}
	tp, err := telemetry.NewProvider(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to create telemetry provider: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warnf("Failed to flush traces: %v", err)
		}
	}()

	srv, err := newServer(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeServer(srv)

	return serve(ctx, srv, viper.GetString("listen"), nil)
}

func newServer(ctx context.Context, cfg authserver.Config) (*authserver.Server, error) {
	srv, err := authserver.New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create authorization server: %w", err)
	}
	return srv, nil
}

func closeServer(srv *authserver.Server) {
	if err := srv.Close(); err != nil {
		logger.Warnf("Failed to close authorization server: %v", err)
	}
}

// startRotation runs run in the background until the returned stop is called.
// stop returns only after run has exited.
func startRotation(ctx context.Context, run func(context.Context)) (stop func()) {
	rotationCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		run(rotationCtx)
	}()
	return func() {
		cancel()
		<-done
	}
}

// serve bootstraps the signing key and serves srv on addr until ctx is cancelled.
// ready, if set, receives the bound address once the listener is up.
func serve(ctx context.Context, srv *authserver.Server, addr string, ready func(net.Addr)) error {
	if err := srv.Bootstrap(ctx); err != nil {
		return err
	}

	stopRotation := startRotation(ctx, srv.RunRotation)
	defer stopRotation()

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}
	logger.Infof("Starting authorization server at %s", listener.Addr())
	if ready != nil {
		ready(listener.Addr())
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Context cancelled, shutting down server")
	case err := <-errCh:
		logger.Errorf("HTTP server error: %v", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	logger.Info("Authorization server stopped")
	return nil
}
