package chatstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smallnest/chatstore/datalayer"
)

func TestOpen_Sqlite(t *testing.T) {
	ctx := context.Background()

	dl, err := Open(ctx, filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	defer dl.Close()

	// The schema is ready without an explicit InitSchema call.
	user, err := dl.CreateUser(ctx, datalayer.User{Identifier: "alice"})
	require.NoError(t, err)
	assert.NotEmpty(t, user.ID)
}

func TestOpen_SqliteScheme(t *testing.T) {
	ctx := context.Background()

	dl, err := Open(ctx, "sqlite://"+filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	defer dl.Close()

	got, err := dl.GetUser(ctx, "nobody")
	assert.NoError(t, err)
	assert.Nil(t, got)
}

func TestOpen_Empty(t *testing.T) {
	_, err := Open(context.Background(), "")
	assert.ErrorIs(t, err, datalayer.ErrConnection)
}

func TestOpen_PostgresBadConnString(t *testing.T) {
	_, err := Open(context.Background(), "postgres://bad connstring")
	assert.ErrorIs(t, err, datalayer.ErrConnection)
}

func TestOpenWithOptions_TablePrefix(t *testing.T) {
	ctx := context.Background()

	dl, err := OpenWithOptions(ctx, filepath.Join(t.TempDir(), "chat.db"), Options{
		TablePrefix: "chat_",
	})
	require.NoError(t, err)
	defer dl.Close()

	_, err = dl.CreateUser(ctx, datalayer.User{Identifier: "alice"})
	assert.NoError(t, err)
}

func TestSqlitePath(t *testing.T) {
	assert.Equal(t, "chat.db", sqlitePath("sqlite://chat.db"))
	assert.Equal(t, "chat.db", sqlitePath("sqlite3://chat.db"))
	assert.Equal(t, ":memory:", sqlitePath(":memory:"))
	assert.Equal(t, "file:chat.db?cache=shared", sqlitePath("file:chat.db?cache=shared"))
}
