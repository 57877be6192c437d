// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app provides the authbridge command-line application.
package app

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/authbridge/pkg/logger"
)

// Version is set at build time using ldflags.
var Version = "dev"

// NewRootCmd creates the root command of the authbridge CLI.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "authbridge",
		DisableAutoGenTag: true,
		Short:             "Bridge upstream identities into an OAuth2 consent flow",
		Long: `authbridge authenticates users from federated SSO headers, reverse-proxy
asserted attributes or X.509 client certificates, asks them to consent to the
scopes a client requests, and hands approved requests to the grant engine.`,
		Run: func(cmd *cobra.Command, _ []string) {
			if err := cmd.Help(); err != nil {
				logger.Errorf("Error displaying help: %v", err)
			}
		},
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			logger.Initialize()
		},
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the configuration file")
	if err := viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config")); err != nil {
		logger.Errorf("Error binding config flag: %v", err)
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("authbridge version: %s\n", Version)
		},
	}
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		Long: `Validate the configuration file and report every problem found.

This command checks:
- YAML syntax
- Client registrations
- Storage, session and consent settings
- The grant engine resume URL`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			configPath := viper.GetString("config")
			if configPath == "" {
				return fmt.Errorf("no configuration file specified, use --config flag")
			}

			cfg, err := LoadConfig(configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("validation failed: %w", err)
			}

			cmd.Printf("Configuration is valid\n")
			cmd.Printf("  Clients: %d\n", len(cfg.Clients))
			cmd.Printf("  Storage: %s\n", cfg.Storage.Type)
			cmd.Printf("  Session store: %s\n", cfg.Session.Store)
			cmd.Printf("  Denial mode: %s\n", cfg.Consent.DenialMode)
			return nil
		},
	}
}
