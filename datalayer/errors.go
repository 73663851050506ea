package datalayer

import "errors"

// Error kinds shared by all adapters. Driver-specific failures are wrapped
// with one of these sentinels so callers can branch with errors.Is without
// importing driver packages.
var (
	// ErrConnection indicates a malformed connection string or an
	// unreachable database.
	ErrConnection = errors.New("datalayer: connection failed")

	// ErrConflict indicates a unique-constraint violation on create, such
	// as reusing a user's display identifier.
	ErrConflict = errors.New("datalayer: already exists")

	// ErrSerialization indicates a stored structured payload could not be
	// decoded, which means the row was corrupted outside this adapter.
	ErrSerialization = errors.New("datalayer: malformed stored payload")
)
