package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/smallnest/chatstore/datalayer"
	"github.com/smallnest/chatstore/log"
)

// PostgreSQL error codes surfaced as part of the adapter's error taxonomy.
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// DBPool defines the interface for the database connection pool
type DBPool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// PostgresDataLayer implements datalayer.DataLayer using PostgreSQL
type PostgresDataLayer struct {
	pool     DBPool
	tables   tableNames
	sessions datalayer.SessionStore
	logger   log.Logger
}

var _ datalayer.DataLayer = (*PostgresDataLayer)(nil)

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

// PostgresOptions configuration for the Postgres connection
type PostgresOptions struct {
	ConnString string
	// TablePrefix is prepended to every table name, default "" (bare
	// users/threads/steps/elements/feedback tables).
	TablePrefix string
	// Sessions backs DeleteUserSession. When nil, session deletion reports
	// false without touching the database.
	Sessions datalayer.SessionStore
	// Logger receives per-operation debug output. Defaults to the
	// package-level logger.
	Logger log.Logger
}

// NewPostgresDataLayer creates a new Postgres-backed data layer
func NewPostgresDataLayer(ctx context.Context, opts PostgresOptions) (*PostgresDataLayer, error) {
	pool, err := pgxpool.New(ctx, opts.ConnString)
	if err != nil {
		return nil, fmt.Errorf("%w: unable to create connection pool: %v", datalayer.ErrConnection, err)
	}

	return NewPostgresDataLayerWithPool(pool, opts), nil
}

// NewPostgresDataLayerWithPool creates a new Postgres-backed data layer with
// an existing pool. Useful for testing with mocks.
func NewPostgresDataLayerWithPool(pool DBPool, opts PostgresOptions) *PostgresDataLayer {
	logger := opts.Logger
	if logger == nil {
		logger = log.GetDefaultLogger()
	}

	return &PostgresDataLayer{
		pool:     pool,
		tables:   newTableNames(opts.TablePrefix),
		sessions: opts.Sessions,
		logger:   logger,
	}
}

// InitSchema creates the required tables and indexes if they don't exist.
// It never alters or drops existing tables.
func (s *PostgresDataLayer) InitSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			id TEXT PRIMARY KEY,
			identifier TEXT NOT NULL UNIQUE,
			created_at TIMESTAMPTZ NOT NULL,
			metadata JSONB
		);
		CREATE TABLE IF NOT EXISTS %[2]s (
			id TEXT PRIMARY KEY,
			name TEXT,
			user_id TEXT REFERENCES %[1]s (id),
			created_at TIMESTAMPTZ NOT NULL,
			metadata JSONB,
			tags JSONB
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
			metadata JSONB,
			generation JSONB,
			created_at TIMESTAMPTZ NOT NULL,
			start_time TIMESTAMPTZ NOT NULL,
			end_time TIMESTAMPTZ
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

	_, err := s.pool.Exec(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the connection pool
func (s *PostgresDataLayer) Close() error {
	s.pool.Close()
	return nil
}

// GetUser returns the user with the given display identifier, or (nil, nil)
// when no such user exists.
func (s *PostgresDataLayer) GetUser(ctx context.Context, identifier string) (*datalayer.PersistedUser, error) {
	query := fmt.Sprintf(`
		SELECT id, identifier, created_at, metadata
		FROM %s
		WHERE identifier = $1
	`, s.tables.users)

	var u datalayer.PersistedUser
	var metaJSON []byte

	err := s.pool.QueryRow(ctx, query, identifier).Scan(&u.ID, &u.Identifier, &u.CreatedAt, &metaJSON)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	if u.Metadata, err = datalayer.UnmarshalMeta(metaJSON); err != nil {
		return nil, err
	}

	return &u, nil
}

// CreateUser persists a new user, failing with datalayer.ErrConflict when
// the display identifier is already taken.
func (s *PostgresDataLayer) CreateUser(ctx context.Context, user datalayer.User) (*datalayer.PersistedUser, error) {
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
		VALUES ($1, $2, $3, $4)
	`, s.tables.users)

	_, err = s.pool.Exec(ctx, query, persisted.ID, persisted.Identifier, persisted.CreatedAt, metaJSON)
	if err != nil {
		if pgErrCode(err) == pgUniqueViolation {
			return nil, fmt.Errorf("%w: user %q", datalayer.ErrConflict, user.Identifier)
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	s.logger.Debug("created user %s (%s)", persisted.Identifier, persisted.ID)
	return persisted, nil
}

// DeleteUserSession removes a session from the configured session store. It
// reports false when no store is configured or the session is absent.
func (s *PostgresDataLayer) DeleteUserSession(ctx context.Context, id string) (bool, error) {
	if s.sessions == nil {
		return false, nil
	}
	return s.sessions.Delete(ctx, id)
}

// UpsertFeedback creates or replaces the feedback for feedback.StepID and
// returns the stored feedback ID. The referenced step must exist.
func (s *PostgresDataLayer) UpsertFeedback(ctx context.Context, feedback datalayer.Feedback) (string, error) {
	id := feedback.ID
	if id == "" {
		id = uuid.NewString()
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, for_id, value, comment)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (for_id) DO UPDATE SET
			value = EXCLUDED.value,
			comment = EXCLUDED.comment
		RETURNING id
	`, s.tables.feedback)

	var storedID string
	err := s.pool.QueryRow(ctx, query, id, feedback.StepID, feedback.Value, feedback.Comment).Scan(&storedID)
	if err != nil {
		if pgErrCode(err) == pgForeignKeyViolation {
			return "", fmt.Errorf("failed to upsert feedback: step %s does not exist", feedback.StepID)
		}
		return "", fmt.Errorf("failed to upsert feedback: %w", err)
	}

	s.logger.Debug("upserted feedback %s for step %s", storedID, feedback.StepID)
	return storedID, nil
}

// CreateElement persists a new element. The parent thread must exist.
func (s *PostgresDataLayer) CreateElement(ctx context.Context, element datalayer.Element) (*datalayer.Element, error) {
	if element.ID == "" {
		element.ID = uuid.NewString()
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, thread_id, for_id, type, name, url, object_key, display, size, language, mime, page)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, s.tables.elements)

	_, err := s.pool.Exec(ctx, query,
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
		if pgErrCode(err) == pgForeignKeyViolation {
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
func (s *PostgresDataLayer) GetElement(ctx context.Context, threadID, elementID string) (*datalayer.Element, error) {
	query := fmt.Sprintf(`
		SELECT id, thread_id, COALESCE(for_id, ''), type, name,
			COALESCE(url, ''), COALESCE(object_key, ''), COALESCE(display, ''),
			COALESCE(size, ''), COALESCE(language, ''), COALESCE(mime, ''), COALESCE(page, 0)
		FROM %s
		WHERE thread_id = $1 AND id = $2
	`, s.tables.elements)

	var el datalayer.Element
	err := s.pool.QueryRow(ctx, query, threadID, elementID).Scan(
		&el.ID, &el.ThreadID, &el.ForID, &el.Type, &el.Name,
		&el.URL, &el.ObjectKey, &el.Display,
		&el.Size, &el.Language, &el.Mime, &el.Page,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get element: %w", err)
	}

	return &el, nil
}

// DeleteElement removes an element, reporting whether a row was deleted.
func (s *PostgresDataLayer) DeleteElement(ctx context.Context, elementID string) (bool, error) {
	query := fmt.Sprintf("DELETE FROM %s WHERE id = $1", s.tables.elements)

	tag, err := s.pool.Exec(ctx, query, elementID)
	if err != nil {
		return false, fmt.Errorf("failed to delete element: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// CreateStep persists a new step. The parent thread must exist. A zero
// CreatedAt defaults to now, a zero StartTime to CreatedAt.
func (s *PostgresDataLayer) CreateStep(ctx context.Context, step datalayer.Step) (*datalayer.Step, error) {
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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, s.tables.steps)

	_, err = s.pool.Exec(ctx, query,
		step.ID,
		step.ThreadID,
		nullIfEmpty(step.ParentID),
		step.Name,
		step.Type,
		step.Input,
		step.Output,
		metaJSON,
		genJSON,
		step.CreatedAt,
		step.StartTime,
		step.EndTime,
	)
	if err != nil {
		if pgErrCode(err) == pgForeignKeyViolation {
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
func (s *PostgresDataLayer) UpdateStep(ctx context.Context, step datalayer.Step) (*datalayer.Step, error) {
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

	query := fmt.Sprintf(`
		UPDATE %s SET
			name = $2,
			type = $3,
			input = $4,
			output = $5,
			metadata = $6,
			generation = $7,
			start_time = COALESCE($8, start_time),
			end_time = COALESCE($9, end_time)
		WHERE id = $1
		RETURNING id, thread_id, COALESCE(parent_id, ''), name, type,
			COALESCE(input, ''), COALESCE(output, ''), metadata, generation,
			created_at, start_time, end_time
	`, s.tables.steps)

	row := s.pool.QueryRow(ctx, query,
		step.ID, step.Name, step.Type, step.Input, step.Output,
		metaJSON, genJSON, start, step.EndTime,
	)

	updated, err := scanStep(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to update step: %w", err)
	}

	return updated, nil
}

// DeleteStep removes a step and, via the foreign keys, its feedback and the
// elements attached to it.
func (s *PostgresDataLayer) DeleteStep(ctx context.Context, stepID string) (bool, error) {
	query := fmt.Sprintf("DELETE FROM %s WHERE id = $1", s.tables.steps)

	tag, err := s.pool.Exec(ctx, query, stepID)
	if err != nil {
		return false, fmt.Errorf("failed to delete step: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetThread returns a fully materialized thread with its owning user, steps
// ordered by start time (ID breaks ties) and elements, or (nil, nil) when
// the thread does not exist.
func (s *PostgresDataLayer) GetThread(ctx context.Context, threadID string) (*datalayer.Thread, error) {
	query := fmt.Sprintf(`
		SELECT t.id, COALESCE(t.name, ''), COALESCE(t.user_id, ''), t.created_at, t.metadata, t.tags,
			COALESCE(u.id, ''), COALESCE(u.identifier, ''), u.created_at, u.metadata
		FROM %s t
		LEFT JOIN %s u ON u.id = t.user_id
		WHERE t.id = $1
	`, s.tables.threads, s.tables.users)

	thread, err := scanThread(s.pool.QueryRow(ctx, query, threadID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
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

func (s *PostgresDataLayer) threadSteps(ctx context.Context, threadID string) ([]*datalayer.Step, error) {
	query := fmt.Sprintf(`
		SELECT id, thread_id, COALESCE(parent_id, ''), name, type,
			COALESCE(input, ''), COALESCE(output, ''), metadata, generation,
			created_at, start_time, end_time
		FROM %s
		WHERE thread_id = $1
		ORDER BY start_time ASC, id ASC
	`, s.tables.steps)

	rows, err := s.pool.Query(ctx, query, threadID)
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

func (s *PostgresDataLayer) threadElements(ctx context.Context, threadID string) ([]*datalayer.Element, error) {
	query := fmt.Sprintf(`
		SELECT id, thread_id, COALESCE(for_id, ''), type, name,
			COALESCE(url, ''), COALESCE(object_key, ''), COALESCE(display, ''),
			COALESCE(size, ''), COALESCE(language, ''), COALESCE(mime, ''), COALESCE(page, 0)
		FROM %s
		WHERE thread_id = $1
		ORDER BY id ASC
	`, s.tables.elements)

	rows, err := s.pool.Query(ctx, query, threadID)
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
func (s *PostgresDataLayer) GetThreadAuthor(ctx context.Context, threadID string) (string, error) {
	query := fmt.Sprintf(`
		SELECT u.identifier
		FROM %s u
		JOIN %s t ON t.user_id = u.id
		WHERE t.id = $1
	`, s.tables.users, s.tables.threads)

	var identifier string
	err := s.pool.QueryRow(ctx, query, threadID).Scan(&identifier)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("failed to get thread author: %w", err)
	}

	return identifier, nil
}

// DeleteThread removes a thread. Steps, elements and feedback go with it
// through the ON DELETE CASCADE foreign keys.
func (s *PostgresDataLayer) DeleteThread(ctx context.Context, threadID string) (bool, error) {
	query := fmt.Sprintf("DELETE FROM %s WHERE id = $1", s.tables.threads)

	tag, err := s.pool.Exec(ctx, query, threadID)
	if err != nil {
		return false, fmt.Errorf("failed to delete thread: %w", err)
	}

	deleted := tag.RowsAffected() > 0
	if deleted {
		s.logger.Debug("deleted thread %s", threadID)
	}
	return deleted, nil
}

// ListThreads returns one page of thread summaries ordered by creation time
// descending with ID as tie-break, plus the cursors to continue.
func (s *PostgresDataLayer) ListThreads(ctx context.Context, filter datalayer.ThreadFilter, pagination datalayer.Pagination) (*datalayer.ThreadPage, error) {
	first := pagination.First
	if first < 1 {
		first = 1
	}

	var conds []string
	var args []any

	if filter.UserID != "" {
		args = append(args, filter.UserID)
		conds = append(conds, fmt.Sprintf("t.user_id = $%d", len(args)))
	}
	if filter.Search != "" {
		args = append(args, "%"+filter.Search+"%")
		conds = append(conds, fmt.Sprintf("t.name ILIKE $%d", len(args)))
	}
	if filter.Feedback != nil {
		args = append(args, *filter.Feedback)
		conds = append(conds, fmt.Sprintf(
			"EXISTS (SELECT 1 FROM %s f JOIN %s st ON st.id = f.for_id WHERE st.thread_id = t.id AND f.value = $%d)",
			s.tables.feedback, s.tables.steps, len(args)))
	}
	if pagination.Cursor != "" {
		createdAt, id, err := datalayer.DecodeCursor(pagination.Cursor)
		if err != nil {
			return nil, err
		}
		args = append(args, createdAt, id)
		conds = append(conds, fmt.Sprintf("(t.created_at, t.id) < ($%d, $%d)", len(args)-1, len(args)))
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
		LIMIT $%d
	`, s.tables.threads, s.tables.users, where, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
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
func (s *PostgresDataLayer) UpdateThread(ctx context.Context, threadID string, patch datalayer.ThreadPatch) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	selectQuery := fmt.Sprintf(`
		SELECT COALESCE(name, ''), COALESCE(user_id, ''), metadata, tags
		FROM %s
		WHERE id = $1
		FOR UPDATE
	`, s.tables.threads)

	var name, userID string
	var metaJSON, tagsJSON []byte
	err = tx.QueryRow(ctx, selectQuery, threadID).Scan(&name, &userID, &metaJSON, &tagsJSON)

	switch {
	case errors.Is(err, pgx.ErrNoRows):
		name, userID = "", ""
		metaJSON, tagsJSON = nil, nil
	case err != nil:
		return fmt.Errorf("failed to update thread: %w", err)
	}
	exists := err == nil

	if patch.Name != nil {
		name = *patch.Name
	}
	if patch.UserID != nil {
		userID = *patch.UserID
	}
	if patch.Metadata != nil {
		if metaJSON, err = datalayer.MarshalMeta(patch.Metadata); err != nil {
			return err
		}
	}
	if patch.Tags != nil {
		if tagsJSON, err = datalayer.MarshalTags(patch.Tags); err != nil {
			return err
		}
	}

	if exists {
		updateQuery := fmt.Sprintf(`
			UPDATE %s SET name = $2, user_id = $3, metadata = $4, tags = $5
			WHERE id = $1
		`, s.tables.threads)
		_, err = tx.Exec(ctx, updateQuery, threadID, name, nullIfEmpty(userID), metaJSON, tagsJSON)
	} else {
		insertQuery := fmt.Sprintf(`
			INSERT INTO %s (id, name, user_id, created_at, metadata, tags)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, s.tables.threads)
		_, err = tx.Exec(ctx, insertQuery, threadID, name, nullIfEmpty(userID), time.Now().UTC(), metaJSON, tagsJSON)
	}
	if err != nil {
		return fmt.Errorf("failed to update thread: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to update thread: %w", err)
	}

	s.logger.Debug("updated thread %s", threadID)
	return nil
}

// scanStep maps one steps row (in the canonical column order) to a Step.
func scanStep(row pgx.Row) (*datalayer.Step, error) {
	var step datalayer.Step
	var metaJSON, genJSON []byte

	err := row.Scan(
		&step.ID, &step.ThreadID, &step.ParentID, &step.Name, &step.Type,
		&step.Input, &step.Output, &metaJSON, &genJSON,
		&step.CreatedAt, &step.StartTime, &step.EndTime,
	)
	if err != nil {
		return nil, err
	}

	if step.Metadata, err = datalayer.UnmarshalMeta(metaJSON); err != nil {
		return nil, err
	}
	if step.Generation, err = datalayer.UnmarshalMeta(genJSON); err != nil {
		return nil, err
	}

	return &step, nil
}

// scanThread maps one threads row joined with its user (in the canonical
// column order) to a Thread summary.
func scanThread(row pgx.Row) (*datalayer.Thread, error) {
	var thread datalayer.Thread
	var metaJSON, tagsJSON []byte
	var userID, userIdentifier string
	var userCreatedAt *time.Time
	var userMetaJSON []byte

	err := row.Scan(
		&thread.ID, &thread.Name, &thread.UserID, &thread.CreatedAt, &metaJSON, &tagsJSON,
		&userID, &userIdentifier, &userCreatedAt, &userMetaJSON,
	)
	if err != nil {
		return nil, err
	}

	if thread.Metadata, err = datalayer.UnmarshalMeta(metaJSON); err != nil {
		return nil, err
	}
	if thread.Tags, err = datalayer.UnmarshalTags(tagsJSON); err != nil {
		return nil, err
	}

	if userID != "" {
		user := &datalayer.PersistedUser{ID: userID, Identifier: userIdentifier}
		if userCreatedAt != nil {
			user.CreatedAt = *userCreatedAt
		}
		if user.Metadata, err = datalayer.UnmarshalMeta(userMetaJSON); err != nil {
			return nil, err
		}
		thread.User = user
	}

	return &thread, nil
}

func pgErrCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
