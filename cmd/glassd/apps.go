package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/g960059/glasscloud/internal/db"
	"github.com/g960059/glasscloud/internal/model"
	"github.com/g960059/glasscloud/internal/security"
)

func newAppsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apps",
		Short: "Manage the app catalog",
	}
	cmd.AddCommand(
		newAppsAddCmd(opts),
		newAppsListCmd(opts),
		newAppsRemoveCmd(opts),
	)
	return cmd
}

func openCatalog(ctx context.Context, opts *rootOptions) (*db.Store, error) {
	cfg, err := opts.load()
	if err != nil {
		return nil, err
	}
	store, err := db.Open(ctx, cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

func newAppsAddCmd(opts *rootOptions) *cobra.Command {
	var (
		pkg        string
		apiKey     string
		webhookURL string
		system     bool
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add or update an app; prints a generated API key when none is given",
		RunE: func(cmd *cobra.Command, _ []string) error {
			pkg = strings.TrimSpace(pkg)
			if pkg == "" {
				return errors.New("--package is required")
			}
			generated := false
			if apiKey == "" {
				key, err := security.GenerateAPIKey()
				if err != nil {
					return err
				}
				apiKey = key
				generated = true
			}
			store, err := openCatalog(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer store.Close() //nolint:errcheck

			now := time.Now().UTC()
			if err := store.UpsertApp(cmd.Context(), model.App{
				PackageName: pkg,
				APIKeyHash:  security.HashAPIKey(apiKey),
				WebhookURL:  webhookURL,
				IsSystem:    system,
				UpdatedAt:   now,
			}); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if generated {
				_, _ = fmt.Fprintf(out, "%s\t%s\n", pkg, apiKey)
				return nil
			}
			_, _ = fmt.Fprintln(out, pkg)
			return nil
		},
	}
	cmd.Flags().StringVar(&pkg, "package", "", "package name, e.g. com.example.weather")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "API key; generated when empty")
	cmd.Flags().StringVar(&webhookURL, "webhook-url", "", "fallback session webhook when the app has no live registration")
	cmd.Flags().BoolVar(&system, "system", false, "mark as a system app")
	return cmd
}

func newAppsListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List catalog apps",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openCatalog(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer store.Close() //nolint:errcheck

			apps, err := store.ListApps(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "PACKAGE\tSYSTEM\tWEBHOOK\tUPDATED")
			for _, app := range apps {
				webhook := app.WebhookURL
				if webhook == "" {
					webhook = "-"
				}
				_, _ = fmt.Fprintf(tw, "%s\t%t\t%s\t%s\n", app.PackageName, app.IsSystem, webhook, app.UpdatedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
}

func newAppsRemoveCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "remove PACKAGE",
		Short: "Remove an app from the catalog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openCatalog(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer store.Close() //nolint:errcheck

			if err := store.DeleteApp(cmd.Context(), args[0]); err != nil {
				if errors.Is(err, db.ErrNotFound) {
					return fmt.Errorf("%s: %w", args[0], model.ErrUnknownApp)
				}
				return err
			}
			return nil
		},
	}
}
