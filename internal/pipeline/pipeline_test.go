package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/castlinehq/castline/internal/classify"
	"github.com/castlinehq/castline/internal/event"
	"github.com/castlinehq/castline/internal/extraction"
	"github.com/castlinehq/castline/internal/relevance"
	"github.com/castlinehq/castline/internal/storage"
	"github.com/castlinehq/castline/internal/vectorindex"
)

// fakeExtractor persists through the real store so processed-flag semantics
// hold, without a completion service on the wire.
type fakeExtractor struct {
	store *storage.Store
	tags  []string
	err   error
}

func (f *fakeExtractor) Extract(_ context.Context, kind storage.Kind, hash, text string) (storage.Extraction, error) {
	if f.err != nil {
		return storage.Extraction{}, f.err
	}
	ex := storage.Extraction{
		ContentHash: hash,
		ContentKind: kind,
		Title:       "title",
		Tags:        f.tags,
		Entities:    []string{},
	}
	if err := f.store.SaveExtraction(ex); err != nil {
		return storage.Extraction{}, fmt.Errorf("%w: %w", extraction.ErrPersistence, err)
	}
	return ex, nil
}

type fakeEmbedder struct {
	byText map[string][]float32
	err    error
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	if vec, ok := f.byText[text]; ok {
		return vec, nil
	}
	return []float32{1, 0}, nil
}

// fakeVectorIndex is an in-memory stand-in serving both the pipeline's Upsert
// and the evaluator's Fetch.
type fakeVectorIndex struct {
	mu        sync.Mutex
	points    map[string][]float32 // partition + "/" + hash
	records   []vectorindex.Record
	upsertErr error
	dropHash  string // hashes never stored, simulating a lost index write
}

func (f *fakeVectorIndex) Upsert(_ context.Context, p vectorindex.Partition, rec vectorindex.Record) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.points == nil {
		f.points = make(map[string][]float32)
	}
	f.records = append(f.records, rec)
	if rec.Hash == f.dropHash {
		return nil
	}
	f.points[string(p)+"/"+rec.Hash] = rec.Vector
	return nil
}

func (f *fakeVectorIndex) Fetch(_ context.Context, p vectorindex.Partition, hash string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	vec, ok := f.points[string(p)+"/"+hash]
	if !ok {
		return nil, fmt.Errorf("%w: %s", vectorindex.ErrVectorNotFound, hash)
	}
	return vec, nil
}

type fixture struct {
	pipeline *Pipeline
	store    *storage.Store
	index    *fakeVectorIndex
	embedder *fakeEmbedder
	extract  *fakeExtractor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	index := &fakeVectorIndex{}
	embedder := &fakeEmbedder{byText: map[string][]float32{}}
	extractor := &fakeExtractor{store: store, tags: []string{"go"}}
	evaluator := relevance.New(index, store, 200*time.Millisecond)

	p := New(classify.New(store), extractor, embedder, index, evaluator, 10*time.Second)
	return &fixture{pipeline: p, store: store, index: index, embedder: embedder, extract: extractor}
}

func storyCast(hash string) event.Cast {
	return event.Cast{Hash: hash, ThreadHash: hash, Text: "story " + hash, Author: event.Author{FID: 1, Username: "u"}}
}

func postCast(hash, story string) event.Cast {
	return event.Cast{Hash: hash, ThreadHash: story, ParentHash: story, Text: "post " + hash, Author: event.Author{FID: 2, Username: "v"}}
}

func TestProcess_StoryEndToEnd(t *testing.T) {
	f := newFixture(t)

	out, err := f.pipeline.Process(context.Background(), storyCast("0xS1"))
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if out.Classification != classify.KindStory || !out.Processed {
		t.Errorf("out = %+v", out)
	}

	st, err := f.store.GetStoryByHash("0xS1")
	if err != nil {
		t.Fatalf("story missing: %v", err)
	}
	if !st.Processed {
		t.Error("story not marked processed")
	}
	if _, err := f.store.GetExtractionByHash("0xS1"); err != nil {
		t.Errorf("extraction missing: %v", err)
	}

	if len(f.index.records) != 1 {
		t.Fatalf("index records = %d, want 1", len(f.index.records))
	}
	rec := f.index.records[0]
	if rec.ContentType != "story" || rec.ParentHash != "" {
		t.Errorf("record = %+v", rec)
	}
	if _, ok := f.index.points["castline_stories/0xS1"]; !ok {
		t.Error("vector not in the story partition")
	}
}

func TestProcess_PostRelevanceFlags(t *testing.T) {
	f := newFixture(t)
	f.embedder.byText["story 0xS1"] = []float32{1, 0}
	f.embedder.byText["post 0xP1"] = []float32{1, 1} // similarity ≈ 0.707

	if _, err := f.pipeline.Process(context.Background(), storyCast("0xS1")); err != nil {
		t.Fatal(err)
	}
	out, err := f.pipeline.Process(context.Background(), postCast("0xP1", "0xS1"))
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if !out.RelevanceChecked || !out.Related {
		t.Errorf("out = %+v", out)
	}

	p, err := f.store.GetPostByHash("0xP1")
	if err != nil {
		t.Fatal(err)
	}
	if !p.Related {
		t.Error("related flag not persisted")
	}
	if rec := f.index.records[len(f.index.records)-1]; rec.ParentHash != "0xS1" || rec.ContentType != "post" {
		t.Errorf("post record = %+v", rec)
	}
}

func TestProcess_MissingVectorIsAbsorbed(t *testing.T) {
	f := newFixture(t)
	f.index.dropHash = "0xS1" // story embedding never lands in the index

	if _, err := f.pipeline.Process(context.Background(), storyCast("0xS1")); err != nil {
		t.Fatal(err)
	}
	out, err := f.pipeline.Process(context.Background(), postCast("0xP1", "0xS1"))
	if err != nil {
		t.Fatalf("Process failed: %v, the missing vector must be absorbed", err)
	}
	if out.RelevanceChecked || out.Related {
		t.Errorf("out = %+v, want unchecked and unrelated", out)
	}

	p, err := f.store.GetPostByHash("0xP1")
	if err != nil {
		t.Fatal(err)
	}
	if p.Related {
		t.Error("related flag set despite missing vector")
	}
}

func TestProcess_IgnoreShortCircuits(t *testing.T) {
	f := newFixture(t)
	if _, err := f.pipeline.Process(context.Background(), storyCast("0xS1")); err != nil {
		t.Fatal(err)
	}

	// Reply to a post, not to the thread root: irrelevant.
	nested := event.Cast{Hash: "0xP2", ThreadHash: "0xS1", ParentHash: "0xP1", Text: "n", Author: event.Author{FID: 3, Username: "w"}}
	out, err := f.pipeline.Process(context.Background(), nested)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if out.Classification != classify.KindIgnore {
		t.Fatalf("Classification = %q", out.Classification)
	}
	if len(f.index.records) != 1 {
		t.Errorf("ignore ran enrichment: %d index records", len(f.index.records))
	}
}

func TestProcess_MissingParentStoryIsFatalNotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.pipeline.Process(context.Background(), postCast("0xP1", "0xS404"))
	if err == nil {
		t.Fatal("Process = nil error")
	}
	if KindOf(err) != KindNotFound {
		t.Errorf("kind = %q, want not_found_error (%v)", KindOf(err), err)
	}
	var se *Error
	if errors.As(err, &se) && se.Stage != StageClassify {
		t.Errorf("stage = %q", se.Stage)
	}
}

func TestProcess_ExtractionFailureLeavesItemUnprocessed(t *testing.T) {
	f := newFixture(t)
	f.extract.err = fmt.Errorf("completion request: connection refused")

	_, err := f.pipeline.Process(context.Background(), storyCast("0xS1"))
	if KindOf(err) != KindUpstream {
		t.Fatalf("kind = %q (%v)", KindOf(err), err)
	}

	// Classifier writes stay committed; extraction never landed.
	st, gerr := f.store.GetStoryByHash("0xS1")
	if gerr != nil {
		t.Fatalf("story upsert rolled back: %v", gerr)
	}
	if st.Processed {
		t.Error("processed flag set despite extraction failure")
	}
	if len(f.index.records) != 0 {
		t.Error("embedding ran after extraction failure")
	}
}

func TestProcess_MalformedOutputIsUpstream(t *testing.T) {
	f := newFixture(t)
	f.extract.err = fmt.Errorf("%w: bad json", extraction.ErrMalformedOutput)

	_, err := f.pipeline.Process(context.Background(), storyCast("0xS1"))
	if KindOf(err) != KindUpstream {
		t.Errorf("kind = %q (%v)", KindOf(err), err)
	}
}

func TestProcess_IndexFailureKeepsExtraction(t *testing.T) {
	f := newFixture(t)
	f.index.upsertErr = fmt.Errorf("index write refused")

	_, err := f.pipeline.Process(context.Background(), storyCast("0xS1"))
	if KindOf(err) != KindUpstream {
		t.Fatalf("kind = %q (%v)", KindOf(err), err)
	}

	// The partial-failure boundary: the extraction commit survives.
	if _, err := f.store.GetExtractionByHash("0xS1"); err != nil {
		t.Errorf("extraction rolled back: %v", err)
	}
	st, err := f.store.GetStoryByHash("0xS1")
	if err != nil {
		t.Fatal(err)
	}
	if !st.Processed {
		t.Error("processed flag lost with the index failure")
	}
}

func TestProcess_RedeliveryIsIdempotent(t *testing.T) {
	f := newFixture(t)
	c := storyCast("0xS1")

	for i := 0; i < 2; i++ {
		if _, err := f.pipeline.Process(context.Background(), c); err != nil {
			t.Fatalf("delivery %d failed: %v", i+1, err)
		}
	}

	stories, posts, err := f.store.CountByKind()
	if err != nil {
		t.Fatal(err)
	}
	if stories != 1 || posts != 0 {
		t.Errorf("rows = %d stories / %d posts, want 1/0", stories, posts)
	}
	st, err := f.store.GetStoryByHash("0xS1")
	if err != nil {
		t.Fatal(err)
	}
	if !st.Processed {
		t.Error("second delivery did not complete the cycle")
	}
}

func TestBackfill_ReEnrichesUnprocessedItems(t *testing.T) {
	f := newFixture(t)

	// First attempt fails at extraction, leaving the story unprocessed.
	f.extract.err = fmt.Errorf("completion request: timeout")
	if _, err := f.pipeline.Process(context.Background(), storyCast("0xS1")); err == nil {
		t.Fatal("expected first delivery to fail")
	}
	f.extract.err = nil

	res, err := f.pipeline.Backfill(context.Background(), f.store, 10, 2)
	if err != nil {
		t.Fatalf("Backfill failed: %v", err)
	}
	if res.Attempted != 1 || res.Succeeded != 1 || res.Failed != 0 {
		t.Errorf("result = %+v", res)
	}

	st, err := f.store.GetStoryByHash("0xS1")
	if err != nil {
		t.Fatal(err)
	}
	if !st.Processed {
		t.Error("backfill did not complete enrichment")
	}
}

func TestProcess_ConcurrentSameHashSerialized(t *testing.T) {
	f := newFixture(t)
	c := storyCast("0xS1")

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.pipeline.Process(context.Background(), c)
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("delivery %d failed: %v", i, err)
		}
	}
	stories, _, err := f.store.CountByKind()
	if err != nil {
		t.Fatal(err)
	}
	if stories != 1 {
		t.Errorf("stories = %d, want 1", stories)
	}
}
