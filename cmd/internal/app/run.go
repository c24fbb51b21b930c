package app

import (
	"context"
	"errors"

	"messenger/cmd/internal/db"
)

// Serve builds the App from cfg and runs it until ctx is cancelled.
func Serve(ctx context.Context, cfg Config, log Logger) error {
	a, err := New(ctx, cfg, log)
	if err != nil {
		return err
	}
	return a.Run(ctx)
}

// Migrate applies the embedded migrations in direction ("up" or "down").
func Migrate(cfg Config, direction string, log Logger) error {
	if cfg.DatabaseURL == "" {
		return errors.New("migrate: MSGR_DATABASE_URL is not set")
	}
	if err := db.Migrate(cfg.DatabaseURL, direction); err != nil {
		return err
	}
	log.Info("db.migrate.done", "direction", direction)
	return nil
}
