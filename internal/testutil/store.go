package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/g960059/glasscloud/internal/db"
	"github.com/g960059/glasscloud/internal/model"
	"github.com/g960059/glasscloud/internal/security"
)

func NewStore(t *testing.T) (*db.Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")
	store, err := db.Open(ctx, path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return store, ctx
}

// SeedApp adds a catalog entry whose API key is apiKey.
func SeedApp(t *testing.T, store *db.Store, ctx context.Context, pkg, apiKey, webhookURL string) model.App {
	t.Helper()
	now := time.Now().UTC()
	app := model.App{
		PackageName: pkg,
		APIKeyHash:  security.HashAPIKey(apiKey),
		WebhookURL:  webhookURL,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := store.UpsertApp(ctx, app); err != nil {
		t.Fatalf("seed app %s: %v", pkg, err)
	}
	return app
}
