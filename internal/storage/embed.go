package storage

import "embed"

// MigrationFS embeds all SQL migration files into the compiled binary. At
// runtime, no migration files need to exist on disk.
//
//go:embed migrations/*.sql
var MigrationFS embed.FS
