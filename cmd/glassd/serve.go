package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/g960059/glasscloud/internal/db"
	"github.com/g960059/glasscloud/internal/logging"
	"github.com/g960059/glasscloud/internal/metrics"
	"github.com/g960059/glasscloud/internal/registry"
	"github.com/g960059/glasscloud/internal/server"
	"github.com/g960059/glasscloud/internal/session"
	"github.com/g960059/glasscloud/internal/userstate"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the cloud daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.ListenAddr = listen
			}
			log := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			store, err := db.Open(ctx, cfg.DBPath)
			if err != nil {
				return err
			}
			defer store.Close() //nolint:errcheck
			if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
				return err
			}

			users, err := userstate.Open(cfg.UserStatePath)
			if err != nil {
				return err
			}
			defer users.Close() //nolint:errcheck

			m := metrics.New()
			reg := registry.New(cfg, nil, store, store, m, log)
			sessions := session.NewManager(session.Deps{
				Config:    cfg,
				Webhooks:  session.NewHTTPWebhookSender(&http.Client{Timeout: cfg.WebhookTimeout}),
				Endpoints: reg,
				Auth:      reg,
				UserState: users,
				Metrics:   m,
				Logger:    log,
			})
			if err := reg.Init(ctx, sessions); err != nil {
				return err
			}
			defer reg.Shutdown()
			defer sessions.Shutdown()

			srv := server.New(server.Deps{
				Config:   cfg,
				Registry: reg,
				Sessions: sessions,
				Metrics:  m,
				Logger:   log,
			})
			log.Info().Str("version", version).Str("cloud_id", cfg.CloudID).Msg("glassd starting")
			if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("serve: %w", err)
			}
			log.Info().Msg("glassd stopped")
			return nil
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "override listen_addr")
	return cmd
}
