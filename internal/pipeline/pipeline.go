// Package pipeline sequences the enrichment stages for one inbound cast
// event: classification, metadata extraction, embedding publication and — for
// posts — the relevance check against the parent story.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/castlinehq/castline/internal/classify"
	"github.com/castlinehq/castline/internal/event"
	"github.com/castlinehq/castline/internal/extraction"
	"github.com/castlinehq/castline/internal/relevance"
	"github.com/castlinehq/castline/internal/storage"
	"github.com/castlinehq/castline/internal/vectorindex"
)

// Classifier decides story/post/ignore and persists the minimal record.
type Classifier interface {
	Classify(cast event.Cast) (classify.Result, error)
}

// Extractor derives structured metadata and persists it.
type Extractor interface {
	Extract(ctx context.Context, kind storage.Kind, hash, text string) (storage.Extraction, error)
}

// Embedder returns the embedding vector for a text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Index upserts embedding records into a partition.
type Index interface {
	Upsert(ctx context.Context, partition vectorindex.Partition, rec vectorindex.Record) error
}

// Evaluator runs the relevance check and conditionally flags the post.
type Evaluator interface {
	Evaluate(ctx context.Context, storyHash, postHash string) (relevance.Outcome, error)
}

// Outcome aggregates one event's terminal result.
type Outcome struct {
	Classification   classify.Kind
	Hash             string
	Processed        bool
	RelevanceChecked bool
	Related          bool
	Similarity       float64
}

// Pipeline orchestrates the enrichment stages. Stages run strictly in order:
// each stage's payload depends on the previous stage's committed output, and
// committed writes are never rolled back when a later stage fails.
type Pipeline struct {
	classifier   Classifier
	extractor    Extractor
	embedder     Embedder
	index        Index
	evaluator    Evaluator
	eventTimeout time.Duration
	locks        *hashLock
	logger       *slog.Logger
}

// New creates a Pipeline wired to all stage components. eventTimeout bounds
// one event's total handling; <= 0 means 60s.
func New(classifier Classifier, extractor Extractor, embedder Embedder, index Index, evaluator Evaluator, eventTimeout time.Duration) *Pipeline {
	if eventTimeout <= 0 {
		eventTimeout = 60 * time.Second
	}
	return &Pipeline{
		classifier:   classifier,
		extractor:    extractor,
		embedder:     embedder,
		index:        index,
		evaluator:    evaluator,
		eventTimeout: eventTimeout,
		locks:        newHashLock(),
		logger:       slog.Default(),
	}
}

// Process handles one authenticated, validated cast event end to end.
// Failures are returned as *Error with the stage and taxonomy kind attached;
// the caller maps them onto one terminal response.
func (p *Pipeline) Process(ctx context.Context, cast event.Cast) (Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, p.eventTimeout)
	defer cancel()

	// Concurrent deliveries of the same hash run one at a time.
	p.locks.lock(cast.Hash)
	defer p.locks.unlock(cast.Hash)

	start := time.Now()

	res, err := p.classifier.Classify(cast)
	if err != nil {
		if errors.Is(err, classify.ErrParentStoryNotFound) {
			return Outcome{}, failStage(StageClassify, KindNotFound, err)
		}
		return Outcome{}, failStage(StageClassify, KindPersistence, err)
	}

	if res.Kind == classify.KindIgnore {
		// Graceful short-circuit: success carrying no further work.
		p.logger.Info("cast ignored", "hash", cast.Hash)
		return Outcome{Classification: classify.KindIgnore, Hash: cast.Hash}, nil
	}

	var (
		kind      storage.Kind
		storyHash string
	)
	switch res.Kind {
	case classify.KindStory:
		kind = storage.KindStory
	case classify.KindPost:
		kind = storage.KindPost
		storyHash = res.Story.Hash
	}

	out, err := p.enrich(ctx, kind, cast.Hash, cast.Text, storyHash)
	if err != nil {
		return Outcome{}, err
	}

	p.logger.Info("cast processed",
		"hash", cast.Hash,
		"kind", res.Kind,
		"related", out.Related,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return out, nil
}

// enrich runs the post-classification stages for one content item. storyHash
// is the parent story's hash and is empty for stories.
func (p *Pipeline) enrich(ctx context.Context, kind storage.Kind, hash, text, storyHash string) (Outcome, error) {
	out := Outcome{Hash: hash}
	if kind == storage.KindStory {
		out.Classification = classify.KindStory
	} else {
		out.Classification = classify.KindPost
	}

	ex, err := p.extractor.Extract(ctx, kind, hash, text)
	if err != nil {
		switch {
		case errors.Is(err, extraction.ErrPersistence):
			return Outcome{}, failStage(StageExtract, KindPersistence, err)
		default:
			// Transport failures and malformed output both leave the item
			// unprocessed, so a retry is detectable.
			return Outcome{}, failStage(StageExtract, KindUpstream, err)
		}
	}
	out.Processed = true

	vector, err := p.embedder.Embed(ctx, text)
	if err != nil {
		return Outcome{}, failStage(StageEmbed, KindUpstream, err)
	}

	partition := vectorindex.PartitionStory
	if kind == storage.KindPost {
		partition = vectorindex.PartitionPost
	}
	rec := vectorindex.Record{
		Hash:        hash,
		Vector:      vector,
		Tags:        ex.Tags,
		Entities:    ex.Entities,
		Category:    ex.Category,
		ContentType: string(kind),
		ParentHash:  storyHash,
	}
	if err := p.index.Upsert(ctx, partition, rec); err != nil {
		// The extraction stays committed: structured metadata and vector
		// search are enriched independently and retried independently.
		return Outcome{}, failStage(StageEmbed, KindUpstream, err)
	}

	if kind != storage.KindPost {
		return out, nil
	}

	rel, err := p.evaluator.Evaluate(ctx, storyHash, hash)
	switch {
	case err == nil:
		out.RelevanceChecked = true
		out.Related = rel.Related
		out.Similarity = rel.Similarity
	case errors.Is(err, vectorindex.ErrVectorNotFound):
		// The one absorbed failure: the post stays unflagged and the event
		// still succeeds.
		p.logger.Warn("relevance check skipped, vector missing",
			"story", storyHash, "post", hash, "error", err)
	case errors.Is(err, relevance.ErrFlagging):
		return Outcome{}, failStage(StageRelevance, KindPersistence, err)
	default:
		return Outcome{}, failStage(StageRelevance, KindUpstream, err)
	}

	return out, nil
}
