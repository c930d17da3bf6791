package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/storygate/internal/server"
)

func newServeCmd(opts *globalOptions) *cobra.Command {
	var (
		host string
		port int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the read-only status API",
		Long: `Serve lock, snapshot, gate, drift and rollback state over HTTP.

Endpoints:
  GET /health
  GET /metrics
  GET /api/v1/locks
  GET /api/v1/snapshots
  GET /api/v1/stories/:id/gates
  GET /api/v1/stories/:id/drift
  GET /api/v1/stories/:id/rollbacks`,
		Args: cobra.NoArgs,
		RunE: withApp(opts, func(cmd *cobra.Command, a *app, _ []string) error {
			ctx := cmd.Context()
			cfg := &server.Config{Host: a.cfg.Server.Host, Port: a.cfg.Server.Port}
			if cmd.Flags().Changed("host") {
				cfg.Host = host
			}
			if cmd.Flags().Changed("port") {
				cfg.Port = port
			}

			srv, err := server.NewServer(server.Sources{
				Locks:     a.locks,
				Snapshots: a.snapshots,
				Gates:     a.gates,
				Drift:     a.detector,
				Rollbacks: a.rollbacks,
			}, a.log.Underlying().Named("server"), cfg)
			if err != nil {
				return err
			}

			errCh := make(chan error, 1)
			go func() {
				errCh <- srv.Start()
			}()

			select {
			case err := <-errCh:
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("server failed: %w", err)
				}
				return nil
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout.Duration())
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("shutdown failed: %w", err)
			}
			if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			a.log.Info(shutdownCtx, "status API stopped")
			return nil
		}),
	}
	cmd.Flags().StringVar(&host, "host", "", "listen host (default from config)")
	cmd.Flags().IntVar(&port, "port", 0, "listen port (default from config)")
	return cmd
}
