// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app provides the entry point for the thv-authserver command-line application.
package app

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/thv-authserver/pkg/logger"
)

// NewRootCmd creates a new root command for the thv-authserver CLI.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "thv-authserver",
		DisableAutoGenTag: true,
		Short:             "OAuth 2.0 authorization server for machine-to-machine access",
		Long: `thv-authserver issues signed JWT access tokens to registered clients using the
client credentials grant and RFC 8693 token exchange. Signing keys rotate on a schedule and
are published as a JWKS so resource servers can verify tokens offline.

Configuration is read from the file given by --config, from THV_AUTHSERVER_* environment
variables and from flags.`,
		Run: func(cmd *cobra.Command, _ []string) {
			// If no subcommand is provided, print help
			if err := cmd.Help(); err != nil {
				logger.Errorf("Error displaying help: %v", err)
			}
		},
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			logger.Initialize()
		},
	}

	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the authorization server configuration file")
	if err := viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config")); err != nil {
		logger.Errorf("Error binding config flag: %v", err)
	}

	bindEnv(viper.GetViper())

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newKeysCmd())
	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newVersionCmd())

	// Silence printing the usage on error
	rootCmd.SilenceUsage = true

	return rootCmd
}

// newVersionCmd creates the version command
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("thv-authserver version: %s\n", getVersion())
		},
	}
}

// version is set at build time with -ldflags "-X .../app.version=..."
var version = "dev"

func getVersion() string {
	return version
}

// newValidateCmd creates the validate command for checking configuration
func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and client registry",
		Long: `Validate the configuration, load the client registry and open the signing keys
without starting the server.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(viper.GetViper())
			if err != nil {
				return err
			}

			srv, err := newServer(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeServer(srv)

			logger.Infof("Configuration is valid")
			logger.Infof("  Issuer: %s", cfg.Issuer)
			logger.Infof("  Clients: %d", srv.Registry().Len())
			logger.Infof("  Key source: %s", cfg.KeySource)
			return nil
		},
	}
}
