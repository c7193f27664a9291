//go:build !cgo

package sqlite

import (
	// pure Go driver, registered as "sqlite"
	_ "modernc.org/sqlite"
)

const driverName = "sqlite"
