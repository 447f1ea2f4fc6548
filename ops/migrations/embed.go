// Package migrations embeds the SQL schema and seed files.
package migrations

import (
	"embed"
	"io/fs"
)

//go:embed sql/*.sql seeds/*.sql
var files embed.FS

// SQL returns the schema migrations.
func SQL() fs.FS {
	sub, _ := fs.Sub(files, "sql")
	return sub
}

// Seeds returns the seed files.
func Seeds() fs.FS {
	sub, _ := fs.Sub(files, "seeds")
	return sub
}
