// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/stacklok/authbridge/pkg/authserver"
	"github.com/stacklok/authbridge/pkg/logger"
)

const defaultGracefulTimeout = 30 * time.Second

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the authbridge server",
		Long: `Start the authbridge server.

The server reads the configuration file given by --config, serves the
authorization and consent endpoints and shuts down gracefully on SIGINT or
SIGTERM.`,
		RunE: runServe,
	}
	cmd.Flags().String("address", "", "Address to listen on (overrides the configuration file)")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	configPath := viper.GetString("config")
	if configPath == "" {
		return fmt.Errorf("no configuration file specified, use --config flag")
	}
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return err
	}
	logger.Debugf("Loaded configuration from %s", configPath)
	if cmd.Flags().Changed("address") {
		cfg.Address, _ = cmd.Flags().GetString("address")
	}
	cfg.Telemetry.ServiceVersion = Version

	srv, err := authserver.New(ctx, cfg, authserver.WithLogger(logger.Get()))
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	defer func() {
		if err := srv.Close(); err != nil {
			logger.Warnf("Failed to close server resources: %v", err)
		}
	}()

	servers := []*http.Server{newHTTPServer(cfg, cfg.Address, srv.Handler())}
	if h := srv.MetricsHandler(); h != nil {
		servers = append(servers, newHTTPServer(cfg, cfg.MetricsAddress, h))
	}
	return runServers(ctx, servers, defaultGracefulTimeout)
}

func newHTTPServer(cfg authserver.Config, addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		ErrorLog:          slog.NewLogLogger(logger.For("http").Handler(), slog.LevelWarn),
	}
}

// runServers serves until ctx is cancelled or a server fails, then shuts all
// of them down within gracefulTimeout.
func runServers(ctx context.Context, servers []*http.Server, gracefulTimeout time.Duration) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, server := range servers {
		g.Go(func() error {
			logger.Infof("Server listening on %s", server.Addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server on %s failed: %w", server.Addr, err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Infof("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), gracefulTimeout)
		defer cancel()

		var errs []error
		for _, server := range servers {
			if err := server.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("server on %s forced to shutdown: %w", server.Addr, err))
			}
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Infof("Server shutdown complete")
	return nil
}
