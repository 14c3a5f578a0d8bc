// Package migrations ships the clinic schema as versioned SQL files embedded
// in the binary. Each clinic schema records applied versions in _migrations.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
