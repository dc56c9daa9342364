// Package db holds the SQL migrations applied by the migrate command.
package db

import "embed"

//go:embed migrations/*.sql
var Migrations embed.FS

const MigrationsDir = "migrations"
