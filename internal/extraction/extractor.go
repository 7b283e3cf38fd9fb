// Package extraction turns raw cast text into structured metadata via the
// completion service and persists the normalized aggregate.
package extraction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/openai/openai-go"

	"github.com/castlinehq/castline/internal/storage"
)

// ErrMalformedOutput marks a completion whose envelope arrived but whose body
// could not be parsed as the declared shape. Distinct from transport failures
// so callers can tell a broken service from a broken response.
var ErrMalformedOutput = errors.New("malformed completion output")

// ErrPersistence marks a failure writing the extraction aggregate to the
// content store, after a successful completion call.
var ErrPersistence = errors.New("extraction persistence failed")

// result is the shape the completion service declares. Individual fields may
// be absent or null; missing tags/entities are empty collections, not errors.
type result struct {
	Title       string   `json:"title"`
	Category    string   `json:"category"`
	Description string   `json:"description"`
	View        string   `json:"view"`
	Type        string   `json:"type"`
	Tags        []string `json:"tags"`
	Entities    []string `json:"entities"`
}

// ExtractionStore persists the extraction aggregate (and flips the owning
// item's processed flag) in one transaction.
type ExtractionStore interface {
	SaveExtraction(storage.Extraction) error
}

// Extractor sends raw text to the completion service and persists the
// structured metadata it returns.
type Extractor struct {
	client *openai.Client
	model  string
	store  ExtractionStore
	logger *slog.Logger
}

func New(client *openai.Client, model string, store ExtractionStore) *Extractor {
	return &Extractor{client: client, model: model, store: store, logger: slog.Default()}
}

// Extract runs the completion call for one content item, normalizes the
// output and persists it. On failure nothing is persisted and the item's
// processed flag stays false, so the failure is detectable and retryable.
func (e *Extractor) Extract(ctx context.Context, kind storage.Kind, hash, text string) (storage.Extraction, error) {
	resp, err := e.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(buildUserPrompt(hash, string(kind), text)),
		},
		Model: openai.ChatModel(e.model),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &openai.ResponseFormatJSONObjectParam{
				Type: "json_object",
			},
		},
	})
	if err != nil {
		return storage.Extraction{}, fmt.Errorf("completion request: %w", err)
	}
	if len(resp.Choices) == 0 {
		return storage.Extraction{}, fmt.Errorf("%w: no choices in response", ErrMalformedOutput)
	}

	// The completion body is a stringified JSON document inside the transport
	// envelope; parse failure here is ErrMalformedOutput, not a transport error.
	var res result
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &res); err != nil {
		return storage.Extraction{}, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}

	ex := normalize(kind, hash, res)
	if err := e.store.SaveExtraction(ex); err != nil {
		return storage.Extraction{}, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	e.logger.Debug("extraction persisted",
		"hash", hash,
		"kind", kind,
		"tags", len(ex.Tags),
		"entities", len(ex.Entities),
	)
	return ex, nil
}

// normalize maps the completion output onto the storage aggregate. Titles are
// meaningful for stories only.
func normalize(kind storage.Kind, hash string, res result) storage.Extraction {
	ex := storage.Extraction{
		ContentHash: hash,
		ContentKind: kind,
		Description: res.Description,
		Category:    res.Category,
		Tags:        res.Tags,
		Entities:    res.Entities,
	}
	if kind == storage.KindStory {
		ex.Title = res.Title
	}
	if ex.Tags == nil {
		ex.Tags = []string{}
	}
	if ex.Entities == nil {
		ex.Entities = []string{}
	}
	return ex
}
