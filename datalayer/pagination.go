package datalayer

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// Pagination selects one page of a thread listing.
type Pagination struct {
	// First is the page size. Values below 1 are treated as 1.
	First int
	// Cursor is the opaque position returned by the previous page, or ""
	// for the first page.
	Cursor string
}

// PageInfo describes a returned page and carries the cursors needed to
// continue the listing.
type PageInfo struct {
	HasNextPage bool   `json:"has_next_page"`
	StartCursor string `json:"start_cursor,omitempty"`
	EndCursor   string `json:"end_cursor,omitempty"`
}

// ThreadPage is one page of thread summaries.
type ThreadPage struct {
	Threads  []*Thread `json:"threads"`
	PageInfo PageInfo  `json:"page_info"`
}

// cursor is the decoded form of a pagination cursor. Threads are listed by
// (created_at, id) descending, so the pair pins an exact position in the
// ordering regardless of inserts between page fetches.
type cursor struct {
	CreatedAt time.Time `json:"created_at"`
	ID        string    `json:"id"`
}

// EncodeCursor builds an opaque cursor from a thread's sort key.
func EncodeCursor(createdAt time.Time, id string) string {
	data, _ := json.Marshal(cursor{CreatedAt: createdAt, ID: id})
	return base64.RawURLEncoding.EncodeToString(data)
}

// DecodeCursor unpacks a cursor produced by EncodeCursor.
func DecodeCursor(s string) (createdAt time.Time, id string, err error) {
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("invalid cursor %q: %w", s, err)
	}

	var c cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return time.Time{}, "", fmt.Errorf("invalid cursor %q: %w", s, err)
	}

	return c.CreatedAt, c.ID, nil
}
