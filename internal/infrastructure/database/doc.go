// Package database provides the SQLite store behind the gateway journal.
//
// The database is opened with WAL mode and a busy timeout so the journal
// writer and API readers do not trip over each other. Schema changes are
// plain SQL files applied in version order:
//
//	db, err := database.Open(ctx, database.Config{Path: cfg.Database.Path, WALMode: true})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
//
// Migration files are named YYYYMMDD_HHMMSS_description.up.sql with an
// optional matching .down.sql. Each migration runs in its own transaction.
package database
