// Command migrate-tokens encrypts stored OAuth tokens that were saved in
// plaintext (encryption_version 0) before TOKEN_ENCRYPTION_KEY was configured.
//
// Usage:
//
//	migrate-tokens [--dry-run]
//
// Environment Variables:
//
//	DB_DSN: Database connection string (required)
//	TOKEN_ENCRYPTION_KEY: Base64-encoded 32-byte key (required)
//	TOKEN_ENCRYPTION_KEY_ID: Key id recorded on sealed rows (default "default")
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/chatgate/config"
	"github.com/onnwee/chatgate/crypto"
	"github.com/onnwee/chatgate/db"
)

func main() {
	dryRun := flag.Bool("dry-run", false, "Show what would be migrated without making changes")
	flag.Parse()

	_ = godotenv.Load()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if cfg.DBDsn == "" || cfg.TokenEncryptionKey == "" {
		slog.Error("DB_DSN and TOKEN_ENCRYPTION_KEY are required")
		os.Exit(1)
	}
	sealer, err := crypto.NewAESSealer(cfg.TokenEncryptionKey, cfg.TokenEncryptionKeyID)
	if err != nil {
		slog.Error("failed to initialize sealer", slog.Any("err", err))
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	database, err := db.Connect(ctx, cfg.DBDsn)
	if err != nil {
		slog.Error("failed to connect to database", slog.Any("err", err))
		os.Exit(1)
	}
	defer database.Close()

	store := &db.TokenStore{DB: database, Sealer: sealer}
	n, err := store.SealPlaintext(ctx, *dryRun)
	if err != nil {
		slog.Error("migration failed", slog.Any("err", err), slog.Int("sealed", n))
		os.Exit(1)
	}
	slog.Info("migration summary", slog.Int("tokens", n), slog.Bool("dry_run", *dryRun), slog.String("key_id", sealer.KeyID()))

	status, err := store.EncryptionStatus(ctx)
	if err != nil {
		slog.Warn("status query failed", slog.Any("err", err))
		return
	}
	slog.Info("token encryption status", slog.Int("plaintext", status[0]), slog.Int("encrypted", status[1]))
}
