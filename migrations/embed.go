// Package migrations embeds the SQL schema applied by cmd/migrate.
package migrations

import "embed"

// Files holds every NNN_name.sql migration.
//
//go:embed *.sql
var Files embed.FS
