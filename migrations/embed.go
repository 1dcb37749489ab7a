// Package migrations holds the SQL schema, embedded so binaries don't need
// the files on disk.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
