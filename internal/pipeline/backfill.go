package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/castlinehq/castline/internal/storage"
)

// BackfillStore is the read surface the backfill pass needs to rebuild an
// enrichment run from the content store.
type BackfillStore interface {
	ListUnprocessed(limit int) ([]storage.UnprocessedItem, error)
	GetStoryByHash(hash string) (storage.Story, error)
	GetPostByHash(hash string) (storage.Post, error)
	GetStoryByID(id int64) (storage.Story, error)
}

// BackfillResult summarizes one backfill pass.
type BackfillResult struct {
	Attempted int
	Succeeded int
	Failed    int
}

// Backfill re-runs the enrichment stages for items whose processed flag is
// still false — the operator-driven complement to webhook re-delivery. Items
// are processed concurrently, bounded by workers.
func (p *Pipeline) Backfill(ctx context.Context, store BackfillStore, limit, workers int) (BackfillResult, error) {
	if workers <= 0 {
		workers = 4
	}

	items, err := store.ListUnprocessed(limit)
	if err != nil {
		return BackfillResult{}, fmt.Errorf("listing unprocessed items: %w", err)
	}

	var result BackfillResult
	result.Attempted = len(items)

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	outcomes := make([]error, len(items))
	for i, item := range items {
		g.Go(func() error {
			outcomes[i] = p.backfillOne(gCtx, store, item)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return result, err
	}

	for i, err := range outcomes {
		if err != nil {
			result.Failed++
			slog.Warn("backfill item failed", "hash", items[i].Hash, "error", err)
			continue
		}
		result.Succeeded++
	}
	return result, nil
}

func (p *Pipeline) backfillOne(ctx context.Context, store BackfillStore, item storage.UnprocessedItem) error {
	p.locks.lock(item.Hash)
	defer p.locks.unlock(item.Hash)

	switch item.Kind {
	case storage.KindStory:
		st, err := store.GetStoryByHash(item.Hash)
		if err != nil {
			return fmt.Errorf("loading story %s: %w", item.Hash, err)
		}
		_, err = p.enrich(ctx, storage.KindStory, st.Hash, st.Text, "")
		return err
	case storage.KindPost:
		post, err := store.GetPostByHash(item.Hash)
		if err != nil {
			return fmt.Errorf("loading post %s: %w", item.Hash, err)
		}
		parent, err := store.GetStoryByID(post.StoryID)
		if err != nil {
			return fmt.Errorf("loading parent story of %s: %w", item.Hash, err)
		}
		_, err = p.enrich(ctx, storage.KindPost, post.Hash, post.Text, parent.Hash)
		return err
	default:
		return fmt.Errorf("unknown content kind %q", item.Kind)
	}
}
