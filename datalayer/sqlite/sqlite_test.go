package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smallnest/chatstore/datalayer"
)

func newTestLayer(t *testing.T) *SqliteDataLayer {
	t.Helper()

	dl, err := NewSqliteDataLayer(SqliteOptions{
		Path: filepath.Join(t.TempDir(), "chat.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { dl.Close() })

	require.NoError(t, dl.InitSchema(context.Background()))
	return dl
}

func strPtr(s string) *string { return &s }

// createThread wires a user-owned thread for the tests that need one.
func createThread(t *testing.T, dl *SqliteDataLayer, threadID, name string) *datalayer.PersistedUser {
	t.Helper()
	ctx := context.Background()

	user, err := dl.CreateUser(ctx, datalayer.User{Identifier: "owner-of-" + threadID})
	require.NoError(t, err)

	err = dl.UpdateThread(ctx, threadID, datalayer.ThreadPatch{
		Name:   strPtr(name),
		UserID: &user.ID,
	})
	require.NoError(t, err)

	return user
}

func TestSqliteDataLayer_InvalidPath(t *testing.T) {
	_, err := NewSqliteDataLayer(SqliteOptions{
		Path: filepath.Join(t.TempDir(), "no", "such", "dir", "chat.db"),
	})
	assert.ErrorIs(t, err, datalayer.ErrConnection)
}

func TestSqliteDataLayer_InitSchemaIdempotent(t *testing.T) {
	dl := newTestLayer(t)
	assert.NoError(t, dl.InitSchema(context.Background()))
}

func TestSqliteDataLayer_CreateAndGetUser(t *testing.T) {
	dl := newTestLayer(t)
	ctx := context.Background()

	created, err := dl.CreateUser(ctx, datalayer.User{
		Identifier: "alice",
		Metadata:   map[string]any{"role": "admin"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.False(t, created.CreatedAt.IsZero())

	got, err := dl.GetUser(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, "alice", got.Identifier)
	assert.Equal(t, map[string]any{"role": "admin"}, got.Metadata)
}

func TestSqliteDataLayer_GetUser_Absent(t *testing.T) {
	dl := newTestLayer(t)

	got, err := dl.GetUser(context.Background(), "nobody")
	assert.NoError(t, err)
	assert.Nil(t, got)
}

func TestSqliteDataLayer_CreateUser_Conflict(t *testing.T) {
	dl := newTestLayer(t)
	ctx := context.Background()

	_, err := dl.CreateUser(ctx, datalayer.User{Identifier: "alice"})
	require.NoError(t, err)

	_, err = dl.CreateUser(ctx, datalayer.User{Identifier: "alice"})
	assert.ErrorIs(t, err, datalayer.ErrConflict)
}

func TestSqliteDataLayer_DeleteUserSession_NoStore(t *testing.T) {
	dl := newTestLayer(t)

	deleted, err := dl.DeleteUserSession(context.Background(), "session-1")
	assert.NoError(t, err)
	assert.False(t, deleted)
}

func TestSqliteDataLayer_UpdateThread_CreatesAndPatches(t *testing.T) {
	dl := newTestLayer(t)
	ctx := context.Background()

	user := createThread(t, dl, "t-1", "first chat")

	thread, err := dl.GetThread(ctx, "t-1")
	require.NoError(t, err)
	require.NotNil(t, thread)
	assert.Equal(t, "first chat", thread.Name)
	assert.Equal(t, user.ID, thread.UserID)
	require.NotNil(t, thread.User)
	assert.Equal(t, user.Identifier, thread.User.Identifier)
	assert.False(t, thread.CreatedAt.IsZero())

	// Patch only some fields; the rest must survive.
	err = dl.UpdateThread(ctx, "t-1", datalayer.ThreadPatch{
		Metadata: map[string]any{"source": "web"},
		Tags:     []string{"billing"},
	})
	require.NoError(t, err)

	thread, err = dl.GetThread(ctx, "t-1")
	require.NoError(t, err)
	require.NotNil(t, thread)
	assert.Equal(t, "first chat", thread.Name)
	assert.Equal(t, user.ID, thread.UserID)
	assert.Equal(t, map[string]any{"source": "web"}, thread.Metadata)
	assert.Equal(t, []string{"billing"}, thread.Tags)
}

func TestSqliteDataLayer_GetThread_Absent(t *testing.T) {
	dl := newTestLayer(t)

	thread, err := dl.GetThread(context.Background(), "missing")
	assert.NoError(t, err)
	assert.Nil(t, thread)
}

func TestSqliteDataLayer_GetThreadAuthor(t *testing.T) {
	dl := newTestLayer(t)
	ctx := context.Background()

	user := createThread(t, dl, "t-1", "chat")

	author, err := dl.GetThreadAuthor(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, user.Identifier, author)

	author, err = dl.GetThreadAuthor(ctx, "missing")
	assert.NoError(t, err)
	assert.Empty(t, author)
}

func TestSqliteDataLayer_CreateStep_Defaults(t *testing.T) {
	dl := newTestLayer(t)
	ctx := context.Background()

	createThread(t, dl, "t-1", "chat")

	created, err := dl.CreateStep(ctx, datalayer.Step{
		ThreadID: "t-1",
		Name:     "ask",
		Type:     "user_message",
		Input:    "hello",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.False(t, created.CreatedAt.IsZero())
	assert.True(t, created.StartTime.Equal(created.CreatedAt))
	assert.Nil(t, created.EndTime)
}

func TestSqliteDataLayer_CreateStep_ThreadAbsent(t *testing.T) {
	dl := newTestLayer(t)

	_, err := dl.CreateStep(context.Background(), datalayer.Step{
		ThreadID: "missing",
		Name:     "ask",
		Type:     "user_message",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not exist")
}

func TestSqliteDataLayer_UpdateStep(t *testing.T) {
	dl := newTestLayer(t)
	ctx := context.Background()

	createThread(t, dl, "t-1", "chat")

	created, err := dl.CreateStep(ctx, datalayer.Step{
		ThreadID: "t-1",
		Name:     "answer",
		Type:     "assistant_message",
	})
	require.NoError(t, err)

	end := time.Now().UTC().Truncate(time.Millisecond)
	updated, err := dl.UpdateStep(ctx, datalayer.Step{
		ID:       created.ID,
		ThreadID: "t-1",
		Name:     "answer",
		Type:     "assistant_message",
		Output:   "42",
		Metadata: map[string]any{"tokens": float64(7)},
		EndTime:  &end,
	})
	require.NoError(t, err)
	require.NotNil(t, updated)
	assert.Equal(t, "42", updated.Output)
	assert.Equal(t, map[string]any{"tokens": float64(7)}, updated.Metadata)
	require.NotNil(t, updated.EndTime)
	assert.True(t, end.Equal(*updated.EndTime))
	// Zero start time keeps the stored one.
	assert.True(t, created.StartTime.Equal(updated.StartTime))
}

func TestSqliteDataLayer_UpdateStep_Absent(t *testing.T) {
	dl := newTestLayer(t)

	updated, err := dl.UpdateStep(context.Background(), datalayer.Step{
		ID:   "missing",
		Name: "answer",
		Type: "assistant_message",
	})
	assert.NoError(t, err)
	assert.Nil(t, updated)
}

func TestSqliteDataLayer_DeleteStep(t *testing.T) {
	dl := newTestLayer(t)
	ctx := context.Background()

	createThread(t, dl, "t-1", "chat")
	created, err := dl.CreateStep(ctx, datalayer.Step{ThreadID: "t-1", Name: "ask", Type: "user_message"})
	require.NoError(t, err)

	deleted, err := dl.DeleteStep(ctx, created.ID)
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = dl.DeleteStep(ctx, created.ID)
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestSqliteDataLayer_DeleteStep_CascadesOwnedElements(t *testing.T) {
	dl := newTestLayer(t)
	ctx := context.Background()

	createThread(t, dl, "t-1", "chat")
	step, err := dl.CreateStep(ctx, datalayer.Step{ThreadID: "t-1", Name: "answer", Type: "assistant_message"})
	require.NoError(t, err)

	owned, err := dl.CreateElement(ctx, datalayer.Element{
		ThreadID: "t-1",
		ForID:    step.ID,
		Type:     "image",
		Name:     "plot.png",
	})
	require.NoError(t, err)
	loose, err := dl.CreateElement(ctx, datalayer.Element{
		ThreadID: "t-1",
		Type:     "file",
		Name:     "report.pdf",
	})
	require.NoError(t, err)

	deleted, err := dl.DeleteStep(ctx, step.ID)
	require.NoError(t, err)
	assert.True(t, deleted)

	// The step's element goes with it; the thread-level one stays.
	got, err := dl.GetElement(ctx, "t-1", owned.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = dl.GetElement(ctx, "t-1", loose.ID)
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestSqliteDataLayer_CreateElement_StepAbsent(t *testing.T) {
	dl := newTestLayer(t)

	createThread(t, dl, "t-1", "chat")

	_, err := dl.CreateElement(context.Background(), datalayer.Element{
		ThreadID: "t-1",
		ForID:    "missing-step",
		Type:     "image",
		Name:     "plot.png",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not exist")
}

func TestSqliteDataLayer_UpsertFeedback(t *testing.T) {
	dl := newTestLayer(t)
	ctx := context.Background()

	createThread(t, dl, "t-1", "chat")
	step, err := dl.CreateStep(ctx, datalayer.Step{ThreadID: "t-1", Name: "answer", Type: "assistant_message"})
	require.NoError(t, err)

	id, err := dl.UpsertFeedback(ctx, datalayer.Feedback{StepID: step.ID, Value: 1, Comment: "helpful"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	// A second upsert for the same step replaces the value but keeps the row.
	again, err := dl.UpsertFeedback(ctx, datalayer.Feedback{StepID: step.ID, Value: 0, Comment: "changed my mind"})
	require.NoError(t, err)
	assert.Equal(t, id, again)
}

func TestSqliteDataLayer_UpsertFeedback_StepAbsent(t *testing.T) {
	dl := newTestLayer(t)

	_, err := dl.UpsertFeedback(context.Background(), datalayer.Feedback{StepID: "missing", Value: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not exist")
}

func TestSqliteDataLayer_Elements(t *testing.T) {
	dl := newTestLayer(t)
	ctx := context.Background()

	createThread(t, dl, "t-1", "chat")

	created, err := dl.CreateElement(ctx, datalayer.Element{
		ThreadID: "t-1",
		Type:     "file",
		Name:     "report.pdf",
		Mime:     "application/pdf",
		Size:     "large",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)

	got, err := dl.GetElement(ctx, "t-1", created.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "report.pdf", got.Name)
	assert.Equal(t, "application/pdf", got.Mime)
	assert.Empty(t, got.ForID)

	// Wrong thread scope behaves like absence.
	got, err = dl.GetElement(ctx, "other", created.ID)
	assert.NoError(t, err)
	assert.Nil(t, got)

	deleted, err := dl.DeleteElement(ctx, created.ID)
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = dl.DeleteElement(ctx, created.ID)
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestSqliteDataLayer_CreateElement_ThreadAbsent(t *testing.T) {
	dl := newTestLayer(t)

	_, err := dl.CreateElement(context.Background(), datalayer.Element{
		ThreadID: "missing",
		Type:     "file",
		Name:     "report.pdf",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not exist")
}

func TestSqliteDataLayer_GetThread_StepsOrdered(t *testing.T) {
	dl := newTestLayer(t)
	ctx := context.Background()

	createThread(t, dl, "t-1", "chat")

	base := time.Now().UTC().Truncate(time.Millisecond)
	for i, id := range []string{"s-b", "s-a", "s-c"} {
		_, err := dl.CreateStep(ctx, datalayer.Step{
			ID:        id,
			ThreadID:  "t-1",
			Name:      "step",
			Type:      "tool",
			StartTime: base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}
	_, err := dl.CreateElement(ctx, datalayer.Element{ID: "e-1", ThreadID: "t-1", Type: "image", Name: "plot.png"})
	require.NoError(t, err)

	thread, err := dl.GetThread(ctx, "t-1")
	require.NoError(t, err)
	require.NotNil(t, thread)

	require.Len(t, thread.Steps, 3)
	assert.Equal(t, "s-b", thread.Steps[0].ID)
	assert.Equal(t, "s-a", thread.Steps[1].ID)
	assert.Equal(t, "s-c", thread.Steps[2].ID)

	require.Len(t, thread.Elements, 1)
	assert.Equal(t, "e-1", thread.Elements[0].ID)
}

func TestSqliteDataLayer_GetThread_StepsTieBreakByID(t *testing.T) {
	dl := newTestLayer(t)
	ctx := context.Background()

	createThread(t, dl, "t-1", "chat")

	// Identical start times; the ID decides the order.
	start := time.Now().UTC().Truncate(time.Second)
	for _, id := range []string{"s-c", "s-a", "s-b"} {
		_, err := dl.CreateStep(ctx, datalayer.Step{
			ID:        id,
			ThreadID:  "t-1",
			Name:      "step",
			Type:      "tool",
			StartTime: start,
		})
		require.NoError(t, err)
	}

	thread, err := dl.GetThread(ctx, "t-1")
	require.NoError(t, err)
	require.NotNil(t, thread)

	require.Len(t, thread.Steps, 3)
	assert.Equal(t, "s-a", thread.Steps[0].ID)
	assert.Equal(t, "s-b", thread.Steps[1].ID)
	assert.Equal(t, "s-c", thread.Steps[2].ID)
}

func TestSqliteDataLayer_DeleteThread_Cascades(t *testing.T) {
	dl := newTestLayer(t)
	ctx := context.Background()

	createThread(t, dl, "t-1", "chat")
	step, err := dl.CreateStep(ctx, datalayer.Step{ThreadID: "t-1", Name: "ask", Type: "user_message"})
	require.NoError(t, err)
	el, err := dl.CreateElement(ctx, datalayer.Element{ThreadID: "t-1", Type: "file", Name: "report.pdf"})
	require.NoError(t, err)
	_, err = dl.UpsertFeedback(ctx, datalayer.Feedback{StepID: step.ID, Value: 1})
	require.NoError(t, err)

	deleted, err := dl.DeleteThread(ctx, "t-1")
	require.NoError(t, err)
	assert.True(t, deleted)

	thread, err := dl.GetThread(ctx, "t-1")
	require.NoError(t, err)
	assert.Nil(t, thread)

	got, err := dl.GetElement(ctx, "t-1", el.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	// The step and its feedback are gone too.
	updated, err := dl.UpdateStep(ctx, datalayer.Step{ID: step.ID, Name: "ask", Type: "user_message"})
	require.NoError(t, err)
	assert.Nil(t, updated)

	deleted, err = dl.DeleteThread(ctx, "t-1")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestSqliteDataLayer_ListThreads_Paginated(t *testing.T) {
	dl := newTestLayer(t)
	ctx := context.Background()

	for _, id := range []string{"t-1", "t-2", "t-3", "t-4", "t-5"} {
		createThread(t, dl, id, "chat "+id)
	}

	page, err := dl.ListThreads(ctx, datalayer.ThreadFilter{}, datalayer.Pagination{First: 2})
	require.NoError(t, err)
	require.Len(t, page.Threads, 2)
	assert.True(t, page.PageInfo.HasNextPage)
	assert.Equal(t, "t-5", page.Threads[0].ID)
	assert.Equal(t, "t-4", page.Threads[1].ID)
	assert.NotEmpty(t, page.PageInfo.EndCursor)

	// Resume from the cursor; no overlap with the first page.
	page, err = dl.ListThreads(ctx, datalayer.ThreadFilter{}, datalayer.Pagination{
		First:  2,
		Cursor: page.PageInfo.EndCursor,
	})
	require.NoError(t, err)
	require.Len(t, page.Threads, 2)
	assert.True(t, page.PageInfo.HasNextPage)
	assert.Equal(t, "t-3", page.Threads[0].ID)
	assert.Equal(t, "t-2", page.Threads[1].ID)

	page, err = dl.ListThreads(ctx, datalayer.ThreadFilter{}, datalayer.Pagination{
		First:  2,
		Cursor: page.PageInfo.EndCursor,
	})
	require.NoError(t, err)
	require.Len(t, page.Threads, 1)
	assert.False(t, page.PageInfo.HasNextPage)
	assert.Equal(t, "t-1", page.Threads[0].ID)
}

func TestSqliteDataLayer_ListThreads_TiedCreatedAt(t *testing.T) {
	dl := newTestLayer(t)
	ctx := context.Background()

	for _, id := range []string{"t-1", "t-2", "t-3"} {
		createThread(t, dl, id, "chat "+id)
	}

	// Pin every thread to the same creation instant so only the ID
	// tie-break orders them.
	tied := time.Now().UTC().Truncate(time.Second)
	_, err := dl.db.ExecContext(ctx, "UPDATE threads SET created_at = ?", tied)
	require.NoError(t, err)

	page, err := dl.ListThreads(ctx, datalayer.ThreadFilter{}, datalayer.Pagination{First: 2})
	require.NoError(t, err)
	require.Len(t, page.Threads, 2)
	assert.True(t, page.PageInfo.HasNextPage)
	assert.Equal(t, "t-3", page.Threads[0].ID)
	assert.Equal(t, "t-2", page.Threads[1].ID)

	// The cursor's equal-timestamp branch must not repeat or skip rows.
	page, err = dl.ListThreads(ctx, datalayer.ThreadFilter{}, datalayer.Pagination{
		First:  2,
		Cursor: page.PageInfo.EndCursor,
	})
	require.NoError(t, err)
	require.Len(t, page.Threads, 1)
	assert.False(t, page.PageInfo.HasNextPage)
	assert.Equal(t, "t-1", page.Threads[0].ID)
}

func TestSqliteDataLayer_ListThreads_Filtered(t *testing.T) {
	dl := newTestLayer(t)
	ctx := context.Background()

	owner := createThread(t, dl, "t-1", "Billing question")
	createThread(t, dl, "t-2", "Weather talk")

	step, err := dl.CreateStep(ctx, datalayer.Step{ThreadID: "t-1", Name: "answer", Type: "assistant_message"})
	require.NoError(t, err)
	_, err = dl.UpsertFeedback(ctx, datalayer.Feedback{StepID: step.ID, Value: 1})
	require.NoError(t, err)

	page, err := dl.ListThreads(ctx, datalayer.ThreadFilter{UserID: owner.ID}, datalayer.Pagination{First: 10})
	require.NoError(t, err)
	require.Len(t, page.Threads, 1)
	assert.Equal(t, "t-1", page.Threads[0].ID)
	require.NotNil(t, page.Threads[0].User)
	assert.Equal(t, owner.Identifier, page.Threads[0].User.Identifier)

	// Search is case-insensitive.
	page, err = dl.ListThreads(ctx, datalayer.ThreadFilter{Search: "bIlLiNg"}, datalayer.Pagination{First: 10})
	require.NoError(t, err)
	require.Len(t, page.Threads, 1)
	assert.Equal(t, "t-1", page.Threads[0].ID)

	positive := 1
	page, err = dl.ListThreads(ctx, datalayer.ThreadFilter{Feedback: &positive}, datalayer.Pagination{First: 10})
	require.NoError(t, err)
	require.Len(t, page.Threads, 1)
	assert.Equal(t, "t-1", page.Threads[0].ID)

	negative := 0
	page, err = dl.ListThreads(ctx, datalayer.ThreadFilter{Feedback: &negative}, datalayer.Pagination{First: 10})
	require.NoError(t, err)
	assert.Empty(t, page.Threads)
}

func TestSqliteDataLayer_ListThreads_BadCursor(t *testing.T) {
	dl := newTestLayer(t)

	_, err := dl.ListThreads(context.Background(), datalayer.ThreadFilter{}, datalayer.Pagination{
		First:  10,
		Cursor: "!!broken!!",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid cursor")
}

func TestSqliteDataLayer_TablePrefix(t *testing.T) {
	dl, err := NewSqliteDataLayer(SqliteOptions{
		Path:        filepath.Join(t.TempDir(), "chat.db"),
		TablePrefix: "chat_",
	})
	require.NoError(t, err)
	t.Cleanup(func() { dl.Close() })

	ctx := context.Background()
	require.NoError(t, dl.InitSchema(ctx))

	var name string
	err = dl.db.QueryRowContext(ctx,
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'chat_threads'").Scan(&name)
	require.NoError(t, err)
	assert.Equal(t, "chat_threads", name)

	err = dl.db.QueryRowContext(ctx,
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'threads'").Scan(&name)
	assert.ErrorIs(t, err, sql.ErrNoRows)
}
