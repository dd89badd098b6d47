// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/thv-authserver/pkg/authserver"
	"github.com/stacklok/thv-authserver/pkg/authserver/server/crypto"
	"github.com/stacklok/thv-authserver/pkg/authserver/server/keys"
	"github.com/stacklok/thv-authserver/pkg/logger"
)

var errNoRotation = errors.New("key rotation requires the store key source")

func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage signing keys",
	}
	cmd.AddCommand(newKeysRotateCmd())
	cmd.AddCommand(newKeysCleanupCmd())
	cmd.AddCommand(newKeysJWKSCmd())
	cmd.AddCommand(newKeysGenerateCmd())
	return cmd
}

func newKeysRotateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rotate",
		Short: "Generate a new signing key now",
		Long: `Generate a new signing key in the object store. The previous key keeps being
published until the retention sweep removes it.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withKeys(cmd, func(k *authserver.Keys) error {
				if k.Rotator == nil {
					return errNoRotation
				}
				key, err := k.Rotator.Rotate(cmd.Context())
				if err != nil {
					return err
				}
				logger.Infof("Rotated signing key, new kid: %s", key.KeyID)
				return nil
			})
		},
	}
}

func newKeysCleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete key pairs older than the retention period",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withKeys(cmd, func(k *authserver.Keys) error {
				if k.Rotator == nil {
					return errNoRotation
				}
				deleted, err := k.Rotator.Cleanup(cmd.Context())
				if err != nil {
					return err
				}
				logger.Infof("Deleted %d key objects", len(deleted))
				for _, key := range deleted {
					logger.Debugf("  %s", key)
				}
				return nil
			})
		},
	}
}

func newKeysJWKSCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "jwks",
		Short: "Print the published JSON Web Key Set",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withKeys(cmd, func(k *authserver.Keys) error {
				jwks, err := keys.PublicJWKS(cmd.Context(), k.Provider)
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(jwks)
			})
		},
	}
}

func newKeysGenerateCmd() *cobra.Command {
	var (
		bits   int
		outDir string
		name   string
	)
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate an RSA key pair for the secret key source",
		Long: `Generate an RSA key pair as PEM. Without --out-dir both halves are written to stdout.
With --out-dir the private key is written to <name> and the public key to <name>.pub, which
suits the directory secrets provider.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return generateKeyPair(cmd.OutOrStdout(), bits, outDir, name)
		},
	}
	cmd.Flags().IntVar(&bits, "bits", crypto.DefaultRSAKeyBits, "RSA modulus size")
	cmd.Flags().StringVar(&outDir, "out-dir", "", "Directory to write the key files to")
	cmd.Flags().StringVar(&name, "name", "signing-key", "File name of the private key")
	return cmd
}

func generateKeyPair(out io.Writer, bits int, outDir, name string) error {
	key, err := crypto.GenerateRSAKey(bits)
	if err != nil {
		return err
	}
	privPEM, err := crypto.EncodePrivateKeyPEM(key)
	if err != nil {
		return err
	}
	pubPEM, err := crypto.EncodePublicKeyPEM(key.Public())
	if err != nil {
		return err
	}
	kid, err := crypto.DeriveKeyID(key.Public())
	if err != nil {
		return err
	}

	if outDir == "" {
		if _, err := out.Write(append(privPEM, pubPEM...)); err != nil {
			return fmt.Errorf("failed to write key pair: %w", err)
		}
		return nil
	}

	privPath := filepath.Join(outDir, name)
	if err := os.WriteFile(privPath, privPEM, 0o600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}
	if err := os.WriteFile(privPath+".pub", pubPEM, 0o644); err != nil { // #nosec G306 - public key
		return fmt.Errorf("failed to write public key: %w", err)
	}
	logger.Infof("Wrote key pair %s with kid %s", privPath, kid)
	return nil
}

// withKeys opens the signing keys of the loaded configuration for fn.
func withKeys(cmd *cobra.Command, fn func(*authserver.Keys) error) error {
	cfg, err := loadConfig(viper.GetViper())
	if err != nil {
		return err
	}
	k, err := authserver.OpenKeys(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := k.Close(); err != nil {
			logger.Warnf("Failed to close key store: %v", err)
		}
	}()
	return fn(k)
}
