// Package migrations embeds the cloud bridge's SQL migration files into the
// binary so they run without the files being present on disk.
//
// Usage:
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
package migrations

import "embed"

// FS holds every *.sql file in this directory at the root of the filesystem.
//
//go:embed *.sql
var FS embed.FS
