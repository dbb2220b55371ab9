// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/moychal/odkVaccine/odktables"
	"github.com/spf13/cobra"
)

func newServeCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the table sync server on PostgreSQL",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return e.serve(cmd.Context())
		},
	}
	cmd.Flags().String("listen", "", "listen address (default :8080)")
	return cmd
}

func (e *env) serve(ctx context.Context) error {
	databaseURL := e.config.GetString(keyServerDatabaseURL)
	if databaseURL == "" {
		return fmt.Errorf("%s must be configured", keyServerDatabaseURL)
	}
	secret := e.config.GetString(keyServerJWTSecret)
	if secret == "" {
		return fmt.Errorf("%s must be configured", keyServerJWTSecret)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return fmt.Errorf("failed to parse database URL: %w", err)
	}
	poolConfig.MaxConns = 50
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return fmt.Errorf("failed to create connection pool: %w", err)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	service, err := odktables.NewSyncService(pool, &odktables.ServiceConfig{}, e.logger)
	if err != nil {
		return err
	}
	defer service.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	odktables.NewHTTPSyncHandlers(service, e.logger).Register(mux, odktables.NewJWTAuth(secret).WithLogger(e.logger).Middleware)

	httpServer := &http.Server{
		Addr:         e.config.GetString(keyServerListen),
		Handler:      mux,
		ReadTimeout:  120 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		e.logger.Info("Starting table sync server", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	e.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	e.logger.Info("Server exited")
	return nil
}

func newTokenCmd(e *env) *cobra.Command {
	var (
		ttl    time.Duration
		anyApp bool
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for a user and device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			secret := e.config.GetString(keyServerJWTSecret)
			if secret == "" {
				return fmt.Errorf("%s must be configured", keyServerJWTSecret)
			}
			user, device := e.config.GetString(keyAuthUser), e.config.GetString(keyAuthDevice)
			if user == "" || device == "" {
				return fmt.Errorf("%s and %s must be configured", keyAuthUser, keyAuthDevice)
			}
			app := e.config.GetString(keyAppName)
			if anyApp {
				app = ""
			}
			token, err := odktables.NewJWTAuth(secret).GenerateToken(user, device, app, ttl)
			if err != nil {
				return fmt.Errorf("failed to generate token: %w", err)
			}
			fmt.Fprintln(e.out, token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	cmd.Flags().BoolVar(&anyApp, "any-app", false, "do not bind the token to the configured app")
	cmd.Flags().String("user", "", "user id (sub claim)")
	cmd.Flags().String("device", "", "device id (did claim)")
	return cmd
}
