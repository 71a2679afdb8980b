package migrations

import "embed"

// FS holds the numbered SQL scripts applied by Run.
//
//go:embed scripts/*.sql
var FS embed.FS
