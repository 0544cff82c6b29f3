package migrations

import "github.com/uptrace/bun/migrate"

// Migrations holds the catalog schema; each file in this package registers one step.
var Migrations = migrate.NewMigrations()
