package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Kind distinguishes the two content item shapes.
type Kind string

const (
	KindStory Kind = "story"
	KindPost  Kind = "post"
)

type Author struct {
	FID      int64
	Username string
}

// Story is a thread-root content item. Its hash equals the platform's
// thread-root hash.
type Story struct {
	ID        int64
	Hash      string
	Text      string
	AuthorFID int64
	Processed bool
	CreatedAt time.Time
}

// Post is a reply content item linked to its owning Story. Related is
// monotonic: once set true it is never reset by the pipeline.
type Post struct {
	ID        int64
	Hash      string
	Text      string
	AuthorFID int64
	StoryID   int64
	Processed bool
	Related   bool
	CreatedAt time.Time
}

// Extraction is the structured metadata derived from a content item's text.
// Tag, entity and category names live in shared dictionaries, deduplicated by
// name across all content items.
type Extraction struct {
	ID          int64
	ContentHash string
	ContentKind Kind
	Title       string
	Description string
	Category    string
	Tags        []string
	Entities    []string
}
