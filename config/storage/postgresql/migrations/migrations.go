// Package migrations embeds the task journal schema.
package migrations

import "embed"

// FS holds the numbered up/down scripts applied by golang-migrate.
//
//go:embed *.sql
var FS embed.FS
