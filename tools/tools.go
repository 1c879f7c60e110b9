//go:build tools

package tools

// Tool dependencies pinned in go.mod. The goose CLI runs the embedded
// migrations in internal/adapters/postgres/migrations by hand when needed.

import (
	_ "github.com/pressly/goose/v3/cmd/goose"
)
