package datalayer

import "context"

// DataLayer is the persistence interface the chat framework expects its
// storage plugin to implement. Method names, argument shapes and return
// shapes mirror the host's data-layer contract; an adapter that deviates
// from them is not loadable by the host.
//
// Absence is not an error: lookups return a nil result (or a false flag)
// with a nil error when the entity does not exist. Only constraint
// violations, serialization failures and database errors are surfaced.
type DataLayer interface {
	// GetUser returns the user with the given display identifier, or
	// (nil, nil) when no such user exists.
	GetUser(ctx context.Context, identifier string) (*PersistedUser, error)

	// CreateUser persists a new user. It fails with ErrConflict when the
	// display identifier is already taken.
	CreateUser(ctx context.Context, user User) (*PersistedUser, error)

	// DeleteUserSession removes a user session. It reports false when the
	// session does not exist or no session store is configured.
	DeleteUserSession(ctx context.Context, id string) (bool, error)

	// UpsertFeedback creates or replaces the feedback attached to
	// feedback.StepID and returns the feedback ID. It fails when the
	// referenced step does not exist.
	UpsertFeedback(ctx context.Context, feedback Feedback) (string, error)

	// CreateElement persists a new element. It fails when the parent
	// thread does not exist.
	CreateElement(ctx context.Context, element Element) (*Element, error)

	// GetElement returns the element with the given ID within a thread,
	// or (nil, nil) when absent.
	GetElement(ctx context.Context, threadID, elementID string) (*Element, error)

	// DeleteElement removes an element, reporting whether a row was deleted.
	DeleteElement(ctx context.Context, elementID string) (bool, error)

	// CreateStep persists a new step. It fails when the parent thread does
	// not exist.
	CreateStep(ctx context.Context, step Step) (*Step, error)

	// UpdateStep overwrites the mutable fields of an existing step and
	// returns the stored result. It is a no-op returning (nil, nil) when
	// the step does not exist.
	UpdateStep(ctx context.Context, step Step) (*Step, error)

	// DeleteStep removes a step and its feedback, reporting whether a row
	// was deleted.
	DeleteStep(ctx context.Context, stepID string) (bool, error)

	// GetThread returns a fully materialized thread: its user, its steps
	// ordered by start time (ID breaks ties) and its elements. It returns
	// (nil, nil) when the thread does not exist.
	GetThread(ctx context.Context, threadID string) (*Thread, error)

	// GetThreadAuthor returns the display identifier of the thread's
	// owner, or "" when the thread or its owner is absent.
	GetThreadAuthor(ctx context.Context, threadID string) (string, error)

	// DeleteThread removes a thread and cascades to its steps, elements
	// and feedback, reporting whether a row was deleted.
	DeleteThread(ctx context.Context, threadID string) (bool, error)

	// ListThreads returns one page of thread summaries ordered by creation
	// time descending (ID breaks ties) together with cursors for the next
	// page.
	ListThreads(ctx context.Context, filter ThreadFilter, pagination Pagination) (*ThreadPage, error)

	// UpdateThread applies the patch to the thread, creating the thread
	// first when it does not exist. Thread creation has no dedicated
	// operation in the host contract; this is the creation path.
	UpdateThread(ctx context.Context, threadID string, patch ThreadPatch) error

	// InitSchema idempotently creates the tables and indexes the adapter
	// needs. It never migrates or drops existing data.
	InitSchema(ctx context.Context) error

	// Close releases the underlying connection pool.
	Close() error
}

// SessionStore tracks transient user sessions outside the relational
// schema. Adapters forward DeleteUserSession to it when configured.
type SessionStore interface {
	// Save stores or refreshes a session.
	Save(ctx context.Context, session *Session) error

	// Get returns a session by ID, or (nil, nil) when absent or expired.
	Get(ctx context.Context, id string) (*Session, error)

	// Delete removes a session, reporting whether it existed.
	Delete(ctx context.Context, id string) (bool, error)
}
