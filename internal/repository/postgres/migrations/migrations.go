package migrations

import "embed"

// Files holds the schema, applied in file name order.
//
//go:embed *.up.sql
var Files embed.FS
