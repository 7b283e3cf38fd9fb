// Package relevance decides whether a post is topically relevant to its
// parent story by comparing their stored embeddings.
package relevance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/castlinehq/castline/internal/vectorindex"
)

// Threshold is the similarity above which a post is flagged related. The
// comparison is strictly greater-than: exactly Threshold does not flag.
const Threshold = 0.3

// DefaultSettleWait bounds the poll for the post's own embedding after its
// upsert. It compensates for eventual consistency of the index and matches
// the settle delay the pipeline historically used.
const DefaultSettleWait = 5 * time.Second

// ErrFlagging marks a failure to persist the related flag after a passing
// check, so callers can distinguish a store write failure from index trouble.
var ErrFlagging = errors.New("flagging related post")

// Related applies the threshold rule.
func Related(similarity float64) bool {
	return similarity > Threshold
}

// VectorFetcher retrieves a stored vector by exact content hash.
type VectorFetcher interface {
	Fetch(ctx context.Context, partition vectorindex.Partition, hash string) ([]float32, error)
}

// PostFlagger sets a post's related flag. Monotonic: never cleared.
type PostFlagger interface {
	MarkPostRelated(hash string) error
}

// Outcome reports one relevance check.
type Outcome struct {
	Similarity float64
	Related    bool
}

// Evaluator fetches the story and post vectors and conditionally flags the post.
type Evaluator struct {
	index      VectorFetcher
	store      PostFlagger
	settleWait time.Duration
	logger     *slog.Logger
}

// New creates an Evaluator. settleWait bounds the post-vector poll; <= 0 uses
// DefaultSettleWait.
func New(index VectorFetcher, store PostFlagger, settleWait time.Duration) *Evaluator {
	if settleWait <= 0 {
		settleWait = DefaultSettleWait
	}
	return &Evaluator{
		index:      index,
		store:      store,
		settleWait: settleWait,
		logger:     slog.Default(),
	}
}

// Evaluate compares the vectors stored for storyHash and postHash and, when
// the similarity clears the threshold, marks the post related. The post-side
// fetch polls with backoff up to the settle wait, since the post's embedding
// was upserted moments ago and the index is eventually consistent. A vector
// missing on either side surfaces as vectorindex.ErrVectorNotFound; the
// caller decides whether that is fatal.
func (ev *Evaluator) Evaluate(ctx context.Context, storyHash, postHash string) (Outcome, error) {
	postVec, err := ev.fetchWithSettle(ctx, vectorindex.PartitionPost, postHash)
	if err != nil {
		return Outcome{}, err
	}

	storyVec, err := ev.index.Fetch(ctx, vectorindex.PartitionStory, storyHash)
	if err != nil {
		return Outcome{}, err
	}

	similarity := Cosine(storyVec, postVec)
	out := Outcome{Similarity: similarity, Related: Related(similarity)}
	ev.logger.Debug("relevance evaluated",
		"story", storyHash,
		"post", postHash,
		"similarity", similarity,
		"related", out.Related,
	)

	if !out.Related {
		return out, nil
	}
	if err := ev.store.MarkPostRelated(postHash); err != nil {
		return Outcome{}, fmt.Errorf("%w %s: %w", ErrFlagging, postHash, err)
	}
	return out, nil
}

// fetchWithSettle retries an exact-id fetch while the point is still absent,
// bounded by the settle wait. Errors other than a missing vector stop the
// poll immediately.
func (ev *Evaluator) fetchWithSettle(ctx context.Context, partition vectorindex.Partition, hash string) ([]float32, error) {
	var vector []float32

	operation := func() error {
		vec, err := ev.index.Fetch(ctx, partition, hash)
		if errors.Is(err, vectorindex.ErrVectorNotFound) {
			return err // not settled yet, keep polling
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		vector = vec
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = ev.settleWait

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return nil, err
	}
	return vector, nil
}
