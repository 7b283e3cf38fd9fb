package extraction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/castlinehq/castline/internal/storage"
)

type captureStore struct {
	saved []storage.Extraction
	err   error
}

func (c *captureStore) SaveExtraction(ex storage.Extraction) error {
	if c.err != nil {
		return c.err
	}
	c.saved = append(c.saved, ex)
	return nil
}

// fakeCompletion returns an httptest server answering every chat completion
// request with the given message content.
func fakeCompletion(t *testing.T, status int, content string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status != http.StatusOK {
			w.WriteHeader(status)
			fmt.Fprint(w, `{"error":{"message":"boom"}}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		body := map[string]any{
			"id":     "cmpl-test",
			"object": "chat.completion",
			"choices": []map[string]any{
				{
					"index":         0,
					"finish_reason": "stop",
					"message":       map[string]any{"role": "assistant", "content": content},
				},
			},
		}
		if err := writeJSON(w, body); err != nil {
			t.Errorf("writing fake response: %v", err)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestExtractor(srv *httptest.Server, store ExtractionStore) *Extractor {
	client := openai.NewClient(
		option.WithAPIKey("test-key"),
		option.WithBaseURL(srv.URL),
		option.WithMaxRetries(0),
	)
	return New(&client, "gpt-4o-mini", store)
}

func TestExtract_PersistsNormalizedAggregate(t *testing.T) {
	srv := fakeCompletion(t, http.StatusOK,
		`{"title":"Big News","category":"tech","description":"d","tags":["go","ai"],"entities":["OpenAI"]}`)
	store := &captureStore{}
	ex, err := newTestExtractor(srv, store).Extract(context.Background(), storage.KindStory, "0xS1", "text")
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if ex.Title != "Big News" || ex.Category != "tech" {
		t.Errorf("extraction = %+v", ex)
	}
	if len(store.saved) != 1 {
		t.Fatalf("saved %d extractions, want 1", len(store.saved))
	}
	if len(store.saved[0].Tags) != 2 || len(store.saved[0].Entities) != 1 {
		t.Errorf("saved = %+v", store.saved[0])
	}
}

func TestExtract_PostDropsTitle(t *testing.T) {
	srv := fakeCompletion(t, http.StatusOK, `{"title":"should vanish","tags":[],"entities":[]}`)
	store := &captureStore{}
	ex, err := newTestExtractor(srv, store).Extract(context.Background(), storage.KindPost, "0xP1", "text")
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if ex.Title != "" {
		t.Errorf("Title = %q, want empty for posts", ex.Title)
	}
}

func TestExtract_MissingTagsAndEntitiesAreEmptyNotError(t *testing.T) {
	srv := fakeCompletion(t, http.StatusOK, `{"description":"only a description"}`)
	store := &captureStore{}
	ex, err := newTestExtractor(srv, store).Extract(context.Background(), storage.KindStory, "0xS1", "text")
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if ex.Tags == nil || ex.Entities == nil {
		t.Error("collections must be empty, not nil")
	}
	if len(ex.Tags) != 0 || len(ex.Entities) != 0 {
		t.Errorf("Tags = %v, Entities = %v", ex.Tags, ex.Entities)
	}
}

func TestExtract_MalformedOutputIsDistinctFromTransportFailure(t *testing.T) {
	srv := fakeCompletion(t, http.StatusOK, `this is not json {{`)
	store := &captureStore{}
	_, err := newTestExtractor(srv, store).Extract(context.Background(), storage.KindStory, "0xS1", "text")
	if !errors.Is(err, ErrMalformedOutput) {
		t.Fatalf("err = %v, want ErrMalformedOutput", err)
	}
	if len(store.saved) != 0 {
		t.Error("malformed output must not persist anything")
	}
}

func TestExtract_TransportFailure(t *testing.T) {
	srv := fakeCompletion(t, http.StatusInternalServerError, "")
	store := &captureStore{}
	_, err := newTestExtractor(srv, store).Extract(context.Background(), storage.KindStory, "0xS1", "text")
	if err == nil {
		t.Fatal("Extract = nil error for 500 upstream")
	}
	if errors.Is(err, ErrMalformedOutput) {
		t.Errorf("transport failure misreported as malformed output: %v", err)
	}
	if len(store.saved) != 0 {
		t.Error("failed extraction must not persist anything")
	}
}

func writeJSON(w http.ResponseWriter, v any) error {
	return json.NewEncoder(w).Encode(v)
}
