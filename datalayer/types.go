package datalayer

import "time"

// User is the host-provided shape when creating a user.
type User struct {
	Identifier string         `json:"identifier"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// PersistedUser is a user as stored, with its assigned ID and creation time.
type PersistedUser struct {
	ID         string         `json:"id"`
	Identifier string         `json:"identifier"`
	CreatedAt  time.Time      `json:"created_at"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Thread is a single conversation session. GetThread materializes Steps and
// Elements; ListThreads returns summaries with those slices empty.
type Thread struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	UserID    string         `json:"user_id,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Tags      []string       `json:"tags,omitempty"`
	User      *PersistedUser `json:"user,omitempty"`
	Steps     []*Step        `json:"steps,omitempty"`
	Elements  []*Element     `json:"elements,omitempty"`
}

// Step is one unit of interaction within a thread, such as a message or a
// tool call. ParentID links nested steps. Metadata and Generation are
// structured payloads that round-trip through a JSON column.
type Step struct {
	ID         string         `json:"id"`
	ThreadID   string         `json:"thread_id"`
	ParentID   string         `json:"parent_id,omitempty"`
	Name       string         `json:"name"`
	Type       string         `json:"type"`
	Input      string         `json:"input,omitempty"`
	Output     string         `json:"output,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Generation map[string]any `json:"generation,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	StartTime  time.Time      `json:"start_time"`
	EndTime    *time.Time     `json:"end_time,omitempty"`
}

// Element is a non-text artifact (file, image, ...) attached to a thread.
// ForID optionally links it to the step that produced it.
type Element struct {
	ID        string `json:"id"`
	ThreadID  string `json:"thread_id"`
	ForID     string `json:"for_id,omitempty"`
	Type      string `json:"type"`
	Name      string `json:"name"`
	URL       string `json:"url,omitempty"`
	ObjectKey string `json:"object_key,omitempty"`
	Display   string `json:"display,omitempty"`
	Size      string `json:"size,omitempty"`
	Language  string `json:"language,omitempty"`
	Mime      string `json:"mime,omitempty"`
	Page      int    `json:"page,omitempty"`
}

// Feedback is a rating attached to a step. At most one feedback row exists
// per step; UpsertFeedback replaces the value and comment in place.
type Feedback struct {
	ID      string `json:"id"`
	StepID  string `json:"step_id"`
	Value   int    `json:"value"`
	Comment string `json:"comment,omitempty"`
}

// ThreadFilter narrows ListThreads results. Zero values mean "no filter".
type ThreadFilter struct {
	// UserID restricts results to threads owned by the given user ID.
	UserID string
	// Search restricts results to threads whose name contains the given
	// substring, case-insensitively.
	Search string
	// Feedback restricts results to threads with at least one step carrying
	// feedback of the given value.
	Feedback *int
}

// ThreadPatch carries the fields UpdateThread should change. Nil pointers
// and nil maps/slices leave the stored value untouched.
type ThreadPatch struct {
	Name     *string
	UserID   *string
	Metadata map[string]any
	Tags     []string
}

// Session is a transient user session tracked outside the relational schema.
type Session struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}
