// Package migrations embeds the goose SQL migrations of the local vault
// database.
package migrations

import (
	"embed"
	"io/fs"
)

//go:embed sql/*.sql
var embedded embed.FS

// FS returns the migrations with the .sql files at its root, as goose expects.
func FS() fs.FS {
	sub, err := fs.Sub(embedded, "sql")
	if err != nil {
		panic(err)
	}
	return sub
}
