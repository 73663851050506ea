package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/smallnest/chatstore/datalayer"
	"github.com/smallnest/chatstore/log"
)

// SqliteDataLayer implements datalayer.DataLayer using SQLite
type SqliteDataLayer struct {
	db       *sql.DB
	tables   tableNames
	sessions datalayer.SessionStore
	logger   log.Logger
}

var _ datalayer.DataLayer = (*SqliteDataLayer)(nil)

type tableNames struct {
	users    string
	threads  string
	steps    string
	elements string
	feedback string
}

func newTableNames(prefix string) tableNames {
	return tableNames{
		users:    prefix + "users",
		threads:  prefix + "threads",
		steps:    prefix + "steps",
		elements: prefix + "elements",
		feedback: prefix + "feedback",
	}
}

// SqliteOptions configuration for the SQLite connection
type SqliteOptions struct {
	// Path is the database file path, or ":memory:" for a volatile
	// database.
	Path string
	// TablePrefix is prepended to every table name, default "".
	TablePrefix string
	// Sessions backs DeleteUserSession. When nil, session deletion reports
	// false without touching the database.
	Sessions datalayer.SessionStore
	// Logger receives per-operation debug output. Defaults to the
	// package-level logger.
	Logger log.Logger
}

// NewSqliteDataLayer creates a new SQLite-backed data layer
func NewSqliteDataLayer(opts SqliteOptions) (*SqliteDataLayer, error) {
	db, err := sql.Open("sqlite3", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: unable to open database: %v", datalayer.ErrConnection, err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: unable to open database: %v", datalayer.ErrConnection, err)
	}

	// Foreign keys are off by default in SQLite; the cascade semantics
	// depend on them.
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: unable to enable foreign keys: %v", datalayer.ErrConnection, err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.GetDefaultLogger()
	}

	return &SqliteDataLayer{
		db:       db,
		tables:   newTableNames(opts.TablePrefix),
		sessions: opts.Sessions,
		logger:   logger,
	}, nil
}

// InitSchema creates the required tables and indexes if they don't exist.
// It never alters or drops existing tables.
func (s *SqliteDataLayer) InitSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			id TEXT PRIMARY KEY,
			identifier TEXT NOT NULL UNIQUE,
			created_at DATETIME NOT NULL,
			metadata TEXT
		);
		CREATE TABLE IF NOT EXISTS %[2]s (
			id TEXT PRIMARY KEY,
			name TEXT,
			user_id TEXT REFERENCES %[1]s (id),
			created_at DATETIME NOT NULL,
			metadata TEXT,
			tags TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_%[2]s_user_id ON %[2]s (user_id);
		CREATE INDEX IF NOT EXISTS idx_%[2]s_created_at ON %[2]s (created_at DESC, id DESC);
		CREATE TABLE IF NOT EXISTS %[3]s (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL REFERENCES %[2]s (id) ON DELETE CASCADE,
			parent_id TEXT,
			name TEXT NOT NULL,
			type TEXT NOT NULL,
			input TEXT,
			output TEXT,
			metadata TEXT,
			generation TEXT,
			created_at DATETIME NOT NULL,
			start_time DATETIME NOT NULL,
			end_time DATETIME
		);
		CREATE INDEX IF NOT EXISTS idx_%[3]s_thread_id ON %[3]s (thread_id);
		CREATE TABLE IF NOT EXISTS %[4]s (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL REFERENCES %[2]s (id) ON DELETE CASCADE,
			for_id TEXT REFERENCES %[3]s (id) ON DELETE CASCADE,
			type TEXT NOT NULL,
			name TEXT NOT NULL,
			url TEXT,
			object_key TEXT,
			display TEXT,
			size TEXT,
			language TEXT,
			mime TEXT,
			page INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_%[4]s_thread_id ON %[4]s (thread_id);
		CREATE TABLE IF NOT EXISTS %[5]s (
			id TEXT PRIMARY KEY,
			for_id TEXT NOT NULL UNIQUE REFERENCES %[3]s (id) ON DELETE CASCADE,
			value INTEGER NOT NULL,
			comment TEXT
		);
	`, s.tables.users, s.tables.threads, s.tables.steps, s.tables.elements, s.tables.feedback)

	_, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *SqliteDataLayer) Close() error {
	return s.db.Close()
}

// GetUser returns the user with the given display identifier, or (nil, nil)
// when no such user exists.
func (s *SqliteDataLayer) GetUser(ctx context.Context, identifier string) (*datalayer.PersistedUser, error) {
	query := fmt.Sprintf(`
		SELECT id, identifier, created_at, metadata
		FROM %s
		WHERE identifier = ?
	`, s.tables.users)

	var u datalayer.PersistedUser
	var metaJSON sql.NullString

	err := s.db.QueryRowContext(ctx, query, identifier).Scan(&u.ID, &u.Identifier, &u.CreatedAt, &metaJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	if u.Metadata, err = datalayer.UnmarshalMeta(nullBytes(metaJSON)); err != nil {
		return nil, err
	}

	return &u, nil
}

// CreateUser persists a new user, failing with datalayer.ErrConflict when
// the display identifier is already taken.
func (s *SqliteDataLayer) CreateUser(ctx context.Context, user datalayer.User) (*datalayer.PersistedUser, error) {
	metaJSON, err := datalayer.MarshalMeta(user.Metadata)
	if err != nil {
		return nil, err
	}

	persisted := &datalayer.PersistedUser{
		ID:         uuid.NewString(),
		Identifier: user.Identifier,
		CreatedAt:  time.Now().UTC(),
		Metadata:   user.Metadata,
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, identifier, created_at, metadata)
		VALUES (?, ?, ?, ?)
	`, s.tables.users)

	_, err = s.db.ExecContext(ctx, query, persisted.ID, persisted.Identifier, persisted.CreatedAt, jsonArg(metaJSON))
	if err != nil {
		if isConstraint(err, sqlite3.ErrConstraintUnique) {
			return nil, fmt.Errorf("%w: user %q", datalayer.ErrConflict, user.Identifier)
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	s.logger.Debug("created user %s (%s)", persisted.Identifier, persisted.ID)
	return persisted, nil
}

// DeleteUserSession removes a session from the configured session store. It
// reports false when no store is configured or the session is absent.
func (s *SqliteDataLayer) DeleteUserSession(ctx context.Context, id string) (bool, error) {
	if s.sessions == nil {
		return false, nil
	}
	return s.sessions.Delete(ctx, id)
}

// UpsertFeedback creates or replaces the feedback for feedback.StepID and
// returns the stored feedback ID. The referenced step must exist.
func (s *SqliteDataLayer) UpsertFeedback(ctx context.Context, feedback datalayer.Feedback) (string, error) {
	id := feedback.ID
	if id == "" {
		id = uuid.NewString()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	upsert := fmt.Sprintf(`
		INSERT INTO %s (id, for_id, value, comment)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(for_id) DO UPDATE SET
			value = excluded.value,
			comment = excluded.comment
	`, s.tables.feedback)

	if _, err := tx.ExecContext(ctx, upsert, id, feedback.StepID, feedback.Value, feedback.Comment); err != nil {
		if isConstraint(err, sqlite3.ErrConstraintForeignKey) {
			return "", fmt.Errorf("failed to upsert feedback: step %s does not exist", feedback.StepID)
		}
		return "", fmt.Errorf("failed to upsert feedback: %w", err)
	}

	// On conflict the row keeps its original ID, so read it back.
	var storedID string
	selectID := fmt.Sprintf("SELECT id FROM %s WHERE for_id = ?", s.tables.feedback)
	if err := tx.QueryRowContext(ctx, selectID, feedback.StepID).Scan(&storedID); err != nil {
		return "", fmt.Errorf("failed to upsert feedback: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to upsert feedback: %w", err)
	}

	s.logger.Debug("upserted feedback %s for step %s", storedID, feedback.StepID)
	return storedID, nil
}

// CreateElement persists a new element. The parent thread must exist.
func (s *SqliteDataLayer) CreateElement(ctx context.Context, element datalayer.Element) (*datalayer.Element, error) {
	if element.ID == "" {
		element.ID = uuid.NewString()
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, thread_id, for_id, type, name, url, object_key, display, size, language, mime, page)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.tables.elements)

	_, err := s.db.ExecContext(ctx, query,
		element.ID,
		element.ThreadID,
		nullIfEmpty(element.ForID),
		element.Type,
		element.Name,
		element.URL,
		element.ObjectKey,
		element.Display,
		element.Size,
		element.Language,
		element.Mime,
		element.Page,
	)
	if err != nil {
		if isConstraint(err, sqlite3.ErrConstraintForeignKey) {
			if element.ForID != "" {
				return nil, fmt.Errorf("failed to create element: thread %s or step %s does not exist", element.ThreadID, element.ForID)
			}
			return nil, fmt.Errorf("failed to create element: thread %s does not exist", element.ThreadID)
		}
		return nil, fmt.Errorf("failed to create element: %w", err)
	}

	s.logger.Debug("created element %s in thread %s", element.ID, element.ThreadID)
	return &element, nil
}

// GetElement returns the element with the given ID within a thread, or
// (nil, nil) when absent.
func (s *SqliteDataLayer) GetElement(ctx context.Context, threadID, elementID string) (*datalayer.Element, error) {
	query := fmt.Sprintf(`
		SELECT id, thread_id, COALESCE(for_id, ''), type, name,
			COALESCE(url, ''), COALESCE(object_key, ''), COALESCE(display, ''),
			COALESCE(size, ''), COALESCE(language, ''), COALESCE(mime, ''), COALESCE(page, 0)
		FROM %s
		WHERE thread_id = ? AND id = ?
	`, s.tables.elements)

	var el datalayer.Element
	err := s.db.QueryRowContext(ctx, query, threadID, elementID).Scan(
		&el.ID, &el.ThreadID, &el.ForID, &el.Type, &el.Name,
		&el.URL, &el.ObjectKey, &el.Display,
		&el.Size, &el.Language, &el.Mime, &el.Page,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get element: %w", err)
	}

	return &el, nil
}

// DeleteElement removes an element, reporting whether a row was deleted.
func (s *SqliteDataLayer) DeleteElement(ctx context.Context, elementID string) (bool, error) {
	query := fmt.Sprintf("DELETE FROM %s WHERE id = ?", s.tables.elements)

	res, err := s.db.ExecContext(ctx, query, elementID)
	if err != nil {
		return false, fmt.Errorf("failed to delete element: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to delete element: %w", err)
	}
	return n > 0, nil
}

// CreateStep persists a new step. The parent thread must exist. A zero
// CreatedAt defaults to now, a zero StartTime to CreatedAt.
func (s *SqliteDataLayer) CreateStep(ctx context.Context, step datalayer.Step) (*datalayer.Step, error) {
	if step.ID == "" {
		step.ID = uuid.NewString()
	}
	if step.CreatedAt.IsZero() {
		step.CreatedAt = time.Now().UTC()
	}
	if step.StartTime.IsZero() {
		step.StartTime = step.CreatedAt
	}

	metaJSON, err := datalayer.MarshalMeta(step.Metadata)
	if err != nil {
		return nil, err
	}
	genJSON, err := datalayer.MarshalMeta(step.Generation)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, thread_id, parent_id, name, type, input, output, metadata, generation, created_at, start_time, end_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.tables.steps)

	_, err = s.db.ExecContext(ctx, query,
		step.ID,
		step.ThreadID,
		nullIfEmpty(step.ParentID),
		step.Name,
		step.Type,
		step.Input,
		step.Output,
		jsonArg(metaJSON),
		jsonArg(genJSON),
		step.CreatedAt,
		step.StartTime,
		step.EndTime,
	)
	if err != nil {
		if isConstraint(err, sqlite3.ErrConstraintForeignKey) {
			return nil, fmt.Errorf("failed to create step: thread %s does not exist", step.ThreadID)
		}
		return nil, fmt.Errorf("failed to create step: %w", err)
	}

	s.logger.Debug("created step %s in thread %s", step.ID, step.ThreadID)
	return &step, nil
}

// UpdateStep overwrites the mutable fields of an existing step. Zero start
// and nil end times keep the stored values. It returns (nil, nil) when the
// step does not exist.
func (s *SqliteDataLayer) UpdateStep(ctx context.Context, step datalayer.Step) (*datalayer.Step, error) {
	metaJSON, err := datalayer.MarshalMeta(step.Metadata)
	if err != nil {
		return nil, err
	}
	genJSON, err := datalayer.MarshalMeta(step.Generation)
	if err != nil {
		return nil, err
	}

	var start any
	if !step.StartTime.IsZero() {
		start = step.StartTime
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	update := fmt.Sprintf(`
		UPDATE %s SET
			name = ?,
			type = ?,
			input = ?,
			output = ?,
			metadata = ?,
			generation = ?,
			start_time = COALESCE(?, start_time),
			end_time = COALESCE(?, end_time)
		WHERE id = ?
	`, s.tables.steps)

	res, err := tx.ExecContext(ctx, update,
		step.Name, step.Type, step.Input, step.Output,
		jsonArg(metaJSON), jsonArg(genJSON), start, step.EndTime,
		step.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update step: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to update step: %w", err)
	}
	if n == 0 {
		return nil, nil
	}

	selectStep := fmt.Sprintf(`
		SELECT id, thread_id, COALESCE(parent_id, ''), name, type,
			COALESCE(input, ''), COALESCE(output, ''), metadata, generation,
			created_at, start_time, end_time
		FROM %s
		WHERE id = ?
	`, s.tables.steps)

	updated, err := scanStep(tx.QueryRowContext(ctx, selectStep, step.ID))
	if err != nil {
		return nil, fmt.Errorf("failed to update step: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to update step: %w", err)
	}

	return updated, nil
}

// DeleteStep removes a step and, via the foreign keys, its feedback and the
// elements attached to it.
func (s *SqliteDataLayer) DeleteStep(ctx context.Context, stepID string) (bool, error) {
	query := fmt.Sprintf("DELETE FROM %s WHERE id = ?", s.tables.steps)

	res, err := s.db.ExecContext(ctx, query, stepID)
	if err != nil {
		return false, fmt.Errorf("failed to delete step: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to delete step: %w", err)
	}
	return n > 0, nil
}

// GetThread returns a fully materialized thread with its owning user, steps
// ordered by start time (ID breaks ties) and elements, or (nil, nil) when
// the thread does not exist.
func (s *SqliteDataLayer) GetThread(ctx context.Context, threadID string) (*datalayer.Thread, error) {
	query := fmt.Sprintf(`
		SELECT t.id, COALESCE(t.name, ''), COALESCE(t.user_id, ''), t.created_at, t.metadata, t.tags,
			COALESCE(u.id, ''), COALESCE(u.identifier, ''), u.created_at, u.metadata
		FROM %s t
		LEFT JOIN %s u ON u.id = t.user_id
		WHERE t.id = ?
	`, s.tables.threads, s.tables.users)

	thread, err := scanThread(s.db.QueryRowContext(ctx, query, threadID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get thread: %w", err)
	}

	if thread.Steps, err = s.threadSteps(ctx, threadID); err != nil {
		return nil, err
	}
	if thread.Elements, err = s.threadElements(ctx, threadID); err != nil {
		return nil, err
	}

	return thread, nil
}

func (s *SqliteDataLayer) threadSteps(ctx context.Context, threadID string) ([]*datalayer.Step, error) {
	query := fmt.Sprintf(`
		SELECT id, thread_id, COALESCE(parent_id, ''), name, type,
			COALESCE(input, ''), COALESCE(output, ''), metadata, generation,
			created_at, start_time, end_time
		FROM %s
		WHERE thread_id = ?
		ORDER BY start_time ASC, id ASC
	`, s.tables.steps)

	rows, err := s.db.QueryContext(ctx, query, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	defer rows.Close()

	var steps []*datalayer.Step
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step row: %w", err)
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating step rows: %w", err)
	}

	return steps, nil
}

func (s *SqliteDataLayer) threadElements(ctx context.Context, threadID string) ([]*datalayer.Element, error) {
	query := fmt.Sprintf(`
		SELECT id, thread_id, COALESCE(for_id, ''), type, name,
			COALESCE(url, ''), COALESCE(object_key, ''), COALESCE(display, ''),
			COALESCE(size, ''), COALESCE(language, ''), COALESCE(mime, ''), COALESCE(page, 0)
		FROM %s
		WHERE thread_id = ?
		ORDER BY id ASC
	`, s.tables.elements)

	rows, err := s.db.QueryContext(ctx, query, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to list elements: %w", err)
	}
	defer rows.Close()

	var elements []*datalayer.Element
	for rows.Next() {
		var el datalayer.Element
		err := rows.Scan(
			&el.ID, &el.ThreadID, &el.ForID, &el.Type, &el.Name,
			&el.URL, &el.ObjectKey, &el.Display,
			&el.Size, &el.Language, &el.Mime, &el.Page,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan element row: %w", err)
		}
		elements = append(elements, &el)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating element rows: %w", err)
	}

	return elements, nil
}

// GetThreadAuthor returns the display identifier of the thread's owner, or
// "" when the thread or its owner is absent.
func (s *SqliteDataLayer) GetThreadAuthor(ctx context.Context, threadID string) (string, error) {
	query := fmt.Sprintf(`
		SELECT u.identifier
		FROM %s u
		JOIN %s t ON t.user_id = u.id
		WHERE t.id = ?
	`, s.tables.users, s.tables.threads)

	var identifier string
	err := s.db.QueryRowContext(ctx, query, threadID).Scan(&identifier)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("failed to get thread author: %w", err)
	}

	return identifier, nil
}

// DeleteThread removes a thread. Steps, elements and feedback go with it
// through the ON DELETE CASCADE foreign keys.
func (s *SqliteDataLayer) DeleteThread(ctx context.Context, threadID string) (bool, error) {
	query := fmt.Sprintf("DELETE FROM %s WHERE id = ?", s.tables.threads)

	res, err := s.db.ExecContext(ctx, query, threadID)
	if err != nil {
		return false, fmt.Errorf("failed to delete thread: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to delete thread: %w", err)
	}

	deleted := n > 0
	if deleted {
		s.logger.Debug("deleted thread %s", threadID)
	}
	return deleted, nil
}

// ListThreads returns one page of thread summaries ordered by creation time
// descending with ID as tie-break, plus the cursors to continue.
func (s *SqliteDataLayer) ListThreads(ctx context.Context, filter datalayer.ThreadFilter, pagination datalayer.Pagination) (*datalayer.ThreadPage, error) {
	first := pagination.First
	if first < 1 {
		first = 1
	}

	var conds []string
	var args []any

	if filter.UserID != "" {
		conds = append(conds, "t.user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.Search != "" {
		conds = append(conds, "LOWER(t.name) LIKE LOWER(?)")
		args = append(args, "%"+filter.Search+"%")
	}
	if filter.Feedback != nil {
		conds = append(conds, fmt.Sprintf(
			"EXISTS (SELECT 1 FROM %s f JOIN %s st ON st.id = f.for_id WHERE st.thread_id = t.id AND f.value = ?)",
			s.tables.feedback, s.tables.steps))
		args = append(args, *filter.Feedback)
	}
	if pagination.Cursor != "" {
		createdAt, id, err := datalayer.DecodeCursor(pagination.Cursor)
		if err != nil {
			return nil, err
		}
		conds = append(conds, "(t.created_at < ? OR (t.created_at = ? AND t.id < ?))")
		args = append(args, createdAt, createdAt, id)
	}

	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	// Fetch one extra row to learn whether a next page exists.
	args = append(args, first+1)
	query := fmt.Sprintf(`
		SELECT t.id, COALESCE(t.name, ''), COALESCE(t.user_id, ''), t.created_at, t.metadata, t.tags,
			COALESCE(u.id, ''), COALESCE(u.identifier, ''), u.created_at, u.metadata
		FROM %s t
		LEFT JOIN %s u ON u.id = t.user_id%s
		ORDER BY t.created_at DESC, t.id DESC
		LIMIT ?
	`, s.tables.threads, s.tables.users, where)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list threads: %w", err)
	}
	defer rows.Close()

	var threads []*datalayer.Thread
	for rows.Next() {
		thread, err := scanThread(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan thread row: %w", err)
		}
		threads = append(threads, thread)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating thread rows: %w", err)
	}

	page := &datalayer.ThreadPage{Threads: threads}
	if len(threads) > first {
		page.Threads = threads[:first]
		page.PageInfo.HasNextPage = true
	}
	if n := len(page.Threads); n > 0 {
		page.PageInfo.StartCursor = datalayer.EncodeCursor(page.Threads[0].CreatedAt, page.Threads[0].ID)
		page.PageInfo.EndCursor = datalayer.EncodeCursor(page.Threads[n-1].CreatedAt, page.Threads[n-1].ID)
	}

	return page, nil
}

// UpdateThread applies the patch to the thread inside one transaction,
// creating the thread first when it does not exist.
func (s *SqliteDataLayer) UpdateThread(ctx context.Context, threadID string, patch datalayer.ThreadPatch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	selectQuery := fmt.Sprintf(`
		SELECT COALESCE(name, ''), COALESCE(user_id, ''), metadata, tags
		FROM %s
		WHERE id = ?
	`, s.tables.threads)

	var name, userID string
	var metaJSON, tagsJSON sql.NullString
	err = tx.QueryRowContext(ctx, selectQuery, threadID).Scan(&name, &userID, &metaJSON, &tagsJSON)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to update thread: %w", err)
	}
	exists := err == nil

	meta := nullBytes(metaJSON)
	tags := nullBytes(tagsJSON)

	if patch.Name != nil {
		name = *patch.Name
	}
	if patch.UserID != nil {
		userID = *patch.UserID
	}
	if patch.Metadata != nil {
		if meta, err = datalayer.MarshalMeta(patch.Metadata); err != nil {
			return err
		}
	}
	if patch.Tags != nil {
		if tags, err = datalayer.MarshalTags(patch.Tags); err != nil {
			return err
		}
	}

	if exists {
		updateQuery := fmt.Sprintf(`
			UPDATE %s SET name = ?, user_id = ?, metadata = ?, tags = ?
			WHERE id = ?
		`, s.tables.threads)
		_, err = tx.ExecContext(ctx, updateQuery, name, nullIfEmpty(userID), jsonArg(meta), jsonArg(tags), threadID)
	} else {
		insertQuery := fmt.Sprintf(`
			INSERT INTO %s (id, name, user_id, created_at, metadata, tags)
			VALUES (?, ?, ?, ?, ?, ?)
		`, s.tables.threads)
		_, err = tx.ExecContext(ctx, insertQuery, threadID, name, nullIfEmpty(userID), time.Now().UTC(), jsonArg(meta), jsonArg(tags))
	}
	if err != nil {
		return fmt.Errorf("failed to update thread: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to update thread: %w", err)
	}

	s.logger.Debug("updated thread %s", threadID)
	return nil
}

// row is the subset of *sql.Row / *sql.Rows the scan helpers need.
type row interface {
	Scan(dest ...any) error
}

// scanStep maps one steps row (in the canonical column order) to a Step.
func scanStep(r row) (*datalayer.Step, error) {
	var step datalayer.Step
	var metaJSON, genJSON sql.NullString
	var endTime sql.NullTime

	err := r.Scan(
		&step.ID, &step.ThreadID, &step.ParentID, &step.Name, &step.Type,
		&step.Input, &step.Output, &metaJSON, &genJSON,
		&step.CreatedAt, &step.StartTime, &endTime,
	)
	if err != nil {
		return nil, err
	}

	if step.Metadata, err = datalayer.UnmarshalMeta(nullBytes(metaJSON)); err != nil {
		return nil, err
	}
	if step.Generation, err = datalayer.UnmarshalMeta(nullBytes(genJSON)); err != nil {
		return nil, err
	}
	if endTime.Valid {
		step.EndTime = &endTime.Time
	}

	return &step, nil
}

// scanThread maps one threads row joined with its user (in the canonical
// column order) to a Thread summary.
func scanThread(r row) (*datalayer.Thread, error) {
	var thread datalayer.Thread
	var metaJSON, tagsJSON sql.NullString
	var userID, userIdentifier string
	var userCreatedAt sql.NullTime
	var userMetaJSON sql.NullString

	err := r.Scan(
		&thread.ID, &thread.Name, &thread.UserID, &thread.CreatedAt, &metaJSON, &tagsJSON,
		&userID, &userIdentifier, &userCreatedAt, &userMetaJSON,
	)
	if err != nil {
		return nil, err
	}

	if thread.Metadata, err = datalayer.UnmarshalMeta(nullBytes(metaJSON)); err != nil {
		return nil, err
	}
	if thread.Tags, err = datalayer.UnmarshalTags(nullBytes(tagsJSON)); err != nil {
		return nil, err
	}

	if userID != "" {
		user := &datalayer.PersistedUser{ID: userID, Identifier: userIdentifier}
		if userCreatedAt.Valid {
			user.CreatedAt = userCreatedAt.Time
		}
		if user.Metadata, err = datalayer.UnmarshalMeta(nullBytes(userMetaJSON)); err != nil {
			return nil, err
		}
		thread.User = user
	}

	return &thread, nil
}

func isConstraint(err error, code sqlite3.ErrNoExtended) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == code
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// jsonArg stores serialized JSON as TEXT, keeping SQL NULL for nil payloads.
func jsonArg(data []byte) any {
	if data == nil {
		return nil
	}
	return string(data)
}

func nullBytes(s sql.NullString) []byte {
	if !s.Valid {
		return nil
	}
	return []byte(s.String)
}
