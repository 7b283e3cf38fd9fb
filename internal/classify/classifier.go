// Package classify decides whether an incoming cast is a new story, a post
// under an existing story, or irrelevant, and persists the minimal record.
package classify

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/castlinehq/castline/internal/event"
	"github.com/castlinehq/castline/internal/storage"
)

// Kind is the classification outcome for one cast.
type Kind string

const (
	KindStory  Kind = "story"
	KindPost   Kind = "post"
	KindIgnore Kind = "ignore"
)

// ErrParentStoryNotFound is returned when a cast replies directly to a thread
// root that was never ingested as a story. It is fatal for that event.
var ErrParentStoryNotFound = errors.New("parent story not found")

// Store is the subset of storage the classifier writes through.
type Store interface {
	UpsertAuthor(storage.Author) error
	UpsertStory(hash, text string, authorFID int64) (storage.Story, error)
	UpsertPost(hash, text string, authorFID, storyID int64) (storage.Post, error)
	GetStoryByHash(hash string) (storage.Story, error)
}

// Result carries the classification and whichever record was persisted.
// For KindPost, Story is the resolved parent.
type Result struct {
	Kind  Kind
	Story storage.Story
	Post  storage.Post
}

type Classifier struct {
	store  Store
	logger *slog.Logger
}

func New(store Store) *Classifier {
	return &Classifier{store: store, logger: slog.Default()}
}

// Classify applies the decision rule and performs the author and content item
// upserts. A cast whose own hash equals its thread-root hash is a story.
// Otherwise the parent hash is resolved against known stories: a match makes
// the cast a post. A direct reply to an unknown thread root is an error, not a
// silent drop; replies deeper in a thread are ignored.
//
// Ignore performs no writes. Re-delivery of a known hash overwrites text and
// resets the processed flag (the upsert path in storage).
func (c *Classifier) Classify(cast event.Cast) (Result, error) {
	if cast.Hash == cast.ThreadHash {
		if err := c.store.UpsertAuthor(storage.Author{FID: cast.Author.FID, Username: cast.Author.Username}); err != nil {
			return Result{}, fmt.Errorf("upserting author: %w", err)
		}
		st, err := c.store.UpsertStory(cast.Hash, cast.Text, cast.Author.FID)
		if err != nil {
			return Result{}, err
		}
		c.logger.Debug("classified cast", "hash", cast.Hash, "kind", KindStory)
		return Result{Kind: KindStory, Story: st}, nil
	}

	parent, err := c.store.GetStoryByHash(cast.ParentHash)
	if errors.Is(err, storage.ErrNotFound) {
		if cast.ParentHash != "" && cast.ParentHash == cast.ThreadHash {
			// The cast claims a direct reply to a thread root we never saw.
			return Result{}, fmt.Errorf("%w: %s", ErrParentStoryNotFound, cast.ParentHash)
		}
		c.logger.Debug("classified cast", "hash", cast.Hash, "kind", KindIgnore)
		return Result{Kind: KindIgnore}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("resolving parent story %s: %w", cast.ParentHash, err)
	}

	if err := c.store.UpsertAuthor(storage.Author{FID: cast.Author.FID, Username: cast.Author.Username}); err != nil {
		return Result{}, fmt.Errorf("upserting author: %w", err)
	}
	p, err := c.store.UpsertPost(cast.Hash, cast.Text, cast.Author.FID, parent.ID)
	if err != nil {
		return Result{}, err
	}
	c.logger.Debug("classified cast", "hash", cast.Hash, "kind", KindPost, "story_id", parent.ID)
	return Result{Kind: KindPost, Story: parent, Post: p}, nil
}
