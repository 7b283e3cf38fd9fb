// Package api exposes the inbound webhook over HTTP: signature verification,
// envelope validation, and one terminal JSON response per event.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/castlinehq/castline/internal/classify"
	"github.com/castlinehq/castline/internal/event"
	"github.com/castlinehq/castline/internal/pipeline"
)

const maxWebhookBodySize = 1 << 20 // 1MB

// Pipeline handles one authenticated, validated cast event.
type Pipeline interface {
	Process(ctx context.Context, cast event.Cast) (pipeline.Outcome, error)
}

// Deps wires the webhook handler.
type Deps struct {
	Pipeline      Pipeline
	WebhookSecret string
}

// NewHandler builds the HTTP router: the cast webhook and a health probe.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Post("/webhooks/cast", handleCast(deps))
	r.Get("/health", handleHealth)
	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleCast authenticates, validates and processes one webhook delivery.
// The endpoint answers 200 on success or graceful ignore and 500 on any
// fatal stage failure; no other status codes are used.
func handleCast(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
		defer r.Body.Close()

		// The signature covers the exact transmitted bytes.
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			failEvent(w, pipeline.KindValidation, fmt.Errorf("reading body: %w", err))
			return
		}

		if err := VerifySignature(raw, deps.WebhookSecret, r.Header.Get(SignatureHeader)); err != nil {
			slog.Warn("webhook authentication failed", "error", err)
			failEvent(w, pipeline.KindAuthentication, err)
			return
		}

		env, err := event.Parse(raw)
		if err != nil {
			failEvent(w, pipeline.KindValidation, err)
			return
		}

		out, err := deps.Pipeline.Process(r.Context(), env.Data)
		if err != nil {
			slog.Error("event processing failed", "hash", env.Data.Hash, "error", err)
			failEvent(w, pipeline.KindOf(err), err)
			return
		}

		resp := map[string]any{
			"success":        true,
			"hash":           out.Hash,
			"classification": string(out.Classification),
		}
		if out.Classification == classify.KindPost {
			resp["related"] = out.Related
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func failEvent(w http.ResponseWriter, kind pipeline.ErrorKind, err error) {
	body := map[string]any{
		"success": false,
		"error":   err.Error(),
	}
	if kind != "" {
		body["kind"] = string(kind)
	}
	writeJSON(w, http.StatusInternalServerError, body)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
