// Package dbmigrations exposes the embedded SQL migrations for the credential store.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into brokerlink binaries.
//
//go:embed *.sql
var Files embed.FS
