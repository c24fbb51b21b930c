// Package db owns the embedded SQL migrations and the migration runner.
package db

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// DefaultSchema is the schema every migration writes into.
const DefaultSchema = "messenger"

// MigrationFS holds the versioned SQL migrations.
//
//go:embed migrations/*.sql
var MigrationFS embed.FS

// ErrNoChange is returned when Up/Down has nothing to do.
var ErrNoChange = migrate.ErrNoChange

// Migrate applies migrations in the given direction ("up" or "down") against dsn.
// ErrNoChange is swallowed.
func Migrate(dsn, direction string) error {
	if strings.TrimSpace(dsn) == "" {
		return errors.New("db: database url is not set")
	}
	if direction != "up" && direction != "down" {
		return fmt.Errorf("db: direction must be up or down, got %q", direction)
	}

	src, err := iofs.New(MigrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("db: migrate source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, dsn)
	if err != nil {
		return fmt.Errorf("db: migrate: %w", err)
	}
	defer func() { _, _ = m.Close() }()

	switch direction {
	case "up":
		err = m.Up()
	case "down":
		err = m.Down()
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// SchemaSQL returns the up migrations rewritten for schema. Integration tests use it
// to provision an isolated schema per test.
func SchemaSQL(schema string) (string, error) {
	entries, err := fs.Glob(MigrationFS, "migrations/*.up.sql")
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, name := range entries {
		raw, err := MigrationFS.ReadFile(name)
		if err != nil {
			return "", err
		}
		b.WriteString(strings.ReplaceAll(string(raw), DefaultSchema+".", schema+"."))
		b.WriteString("\n")
	}
	out := b.String()
	out = strings.ReplaceAll(out, "CREATE SCHEMA IF NOT EXISTS "+DefaultSchema+";", "CREATE SCHEMA IF NOT EXISTS "+schema+";")
	return out, nil
}
