package chatstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/smallnest/chatstore/datalayer"
	"github.com/smallnest/chatstore/datalayer/postgres"
	"github.com/smallnest/chatstore/datalayer/sqlite"
)

// Options tunes the data layer created by Open. The zero value is valid.
type Options struct {
	// TablePrefix is prepended to every table name.
	TablePrefix string
	// Sessions backs DeleteUserSession on the returned data layer.
	Sessions datalayer.SessionStore
}

// Open creates a data layer for the given connection string, picking the
// dialect from its scheme, and initializes the schema. PostgreSQL is
// selected by postgres:// or postgresql://; everything else (sqlite://,
// file: or a bare filesystem path) opens SQLite.
//
// The connection string carries credentials, host and database for
// PostgreSQL, or the database file path for SQLite. ":memory:" opens a
// volatile SQLite database.
func Open(ctx context.Context, connString string) (datalayer.DataLayer, error) {
	return OpenWithOptions(ctx, connString, Options{})
}

// OpenWithOptions is Open with explicit Options.
func OpenWithOptions(ctx context.Context, connString string, opts Options) (datalayer.DataLayer, error) {
	if connString == "" {
		return nil, fmt.Errorf("%w: empty connection string", datalayer.ErrConnection)
	}

	var dl datalayer.DataLayer
	var err error

	switch {
	case strings.HasPrefix(connString, "postgres://"), strings.HasPrefix(connString, "postgresql://"):
		dl, err = postgres.NewPostgresDataLayer(ctx, postgres.PostgresOptions{
			ConnString:  connString,
			TablePrefix: opts.TablePrefix,
			Sessions:    opts.Sessions,
		})
	default:
		dl, err = sqlite.NewSqliteDataLayer(sqlite.SqliteOptions{
			Path:        sqlitePath(connString),
			TablePrefix: opts.TablePrefix,
			Sessions:    opts.Sessions,
		})
	}
	if err != nil {
		return nil, err
	}

	if err := dl.InitSchema(ctx); err != nil {
		dl.Close()
		return nil, err
	}

	return dl, nil
}

// sqlitePath strips the optional sqlite scheme, leaving the file path.
// file: URIs pass through untouched since the driver understands them.
func sqlitePath(connString string) string {
	for _, scheme := range []string{"sqlite3://", "sqlite://"} {
		if rest, ok := strings.CutPrefix(connString, scheme); ok {
			return rest
		}
	}
	return connString
}
