package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/ignite/newsletter/internal/config"
	"github.com/ignite/newsletter/internal/pkg/logger"
	"github.com/ignite/newsletter/internal/repository/postgres"
	"github.com/ignite/newsletter/migrations"
)

func main() {
	listOnly := flag.Bool("list", false, "print applied and pending migrations without applying")
	flag.Parse()

	cfg, err := config.LoadFromEnv()
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}
	if cfg.Database.Driver != "postgres" {
		logger.Error("migrations need database.driver postgres", "driver", cfg.Database.Driver)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	db, err := postgres.Open(ctx, cfg.Database.URL, 2, 1)
	if err != nil {
		logger.Error("connect", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if *listOnly {
		if err := list(ctx, db, migrations.Files); err != nil {
			logger.Error("list migrations", "error", err)
			os.Exit(1)
		}
		return
	}

	applied, err := apply(ctx, db, migrations.Files)
	for _, name := range applied {
		logger.Info("migration applied", "file", name)
	}
	if err != nil {
		logger.Error("migration failed", "error", err)
		os.Exit(1)
	}
	logger.Info("migrations complete", "applied", len(applied))
}

const createTracking = `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		name       TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`

// sqlFiles returns the .sql files of fsys in lexical order.
func sqlFiles(fsys fs.FS) ([]string, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

func appliedSet(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	if _, err := db.ExecContext(ctx, createTracking); err != nil {
		return nil, fmt.Errorf("create schema_migrations: %w", err)
	}
	rows, err := db.QueryContext(ctx, `SELECT name FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("read schema_migrations: %w", err)
	}
	defer rows.Close()

	done := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		done[name] = true
	}
	return done, rows.Err()
}

// apply runs every migration not yet recorded, each in its own
// transaction, stopping at the first failure.
func apply(ctx context.Context, db *sql.DB, fsys fs.FS) ([]string, error) {
	files, err := sqlFiles(fsys)
	if err != nil {
		return nil, err
	}
	done, err := appliedSet(ctx, db)
	if err != nil {
		return nil, err
	}

	var applied []string
	for _, name := range files {
		if done[name] {
			continue
		}
		body, err := fs.ReadFile(fsys, name)
		if err != nil {
			return applied, fmt.Errorf("read %s: %w", name, err)
		}
		if strings.TrimSpace(string(body)) == "" {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return applied, fmt.Errorf("begin %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, string(body)); err != nil {
			tx.Rollback()
			return applied, fmt.Errorf("apply %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (name) VALUES ($1)`, name); err != nil {
			tx.Rollback()
			return applied, fmt.Errorf("record %s: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return applied, fmt.Errorf("commit %s: %w", name, err)
		}
		applied = append(applied, name)
	}
	return applied, nil
}

func list(ctx context.Context, db *sql.DB, fsys fs.FS) error {
	files, err := sqlFiles(fsys)
	if err != nil {
		return err
	}
	done, err := appliedSet(ctx, db)
	if err != nil {
		return err
	}
	for _, name := range files {
		state := "pending"
		if done[name] {
			state = "applied"
		}
		fmt.Printf("  %-45s %s\n", name, state)
	}
	return nil
}
