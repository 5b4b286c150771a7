// Package migrations embeds the sqlite credential store schema.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
