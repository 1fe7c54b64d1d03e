// Package migrations embeds the gateway's SQL migrations into the binary.
package migrations

import "embed"

// FS holds every *.sql file of this directory at its root, ready for
// database.DB.Migrate.
//
//go:embed *.sql
var FS embed.FS
