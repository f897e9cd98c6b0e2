// Package migrations embeds the gateway's SQL schema so the binary can
// migrate a database without shipping the files alongside it.
package migrations

import "embed"

// FS holds the numbered *.sql migrations.
//
//go:embed *.sql
var FS embed.FS
