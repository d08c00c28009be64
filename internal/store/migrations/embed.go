// Package migrations embeds the versioned sqlite schema deltas.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
