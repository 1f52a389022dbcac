package migrations

import "embed"

// Files exposes embedded SQL migration files ordered lexicographically.
// The sqlite/ subdirectory carries the SQLite dialect of each migration.
//
//go:embed *.sql sqlite/*.sql
var Files embed.FS
