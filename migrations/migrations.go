// Package migrations embeds the SQL schema of every storage driver.
package migrations

import (
	"embed"
	"io/fs"
)

//go:embed postgres/*.sql sqlite/*.sql
var files embed.FS

// Postgres returns the migrations applied to each tenant schema.
func Postgres() fs.FS { return sub("postgres") }

// SQLite returns the migrations of the embedded database.
func SQLite() fs.FS { return sub("sqlite") }

func sub(dir string) fs.FS {
	f, err := fs.Sub(files, dir)
	if err != nil {
		panic(err)
	}
	return f
}
