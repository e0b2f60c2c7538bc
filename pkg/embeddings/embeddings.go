// Package embeddings generates text embeddings for memory retrieval.
// The embedding call is an external collaborator: failures degrade to a nil
// vector and the caller skips retrieval for that turn instead of failing it.
package embeddings

import (
	"context"
	"log"
)

// EmbeddingService is the interface for generating text embeddings.
type EmbeddingService interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the embedding vector length.
	Dimensions() int

	// ModelName returns the name of the embedding model.
	ModelName() string

	// Close releases any resources held by the service.
	Close() error
}

// SafeEmbed embeds text, returning nil instead of an error. Callers treat a
// nil vector as "skip retrieval for this call".
func SafeEmbed(ctx context.Context, svc EmbeddingService, text string) []float32 {
	if text == "" {
		return nil
	}
	vec, err := svc.Embed(ctx, text)
	if err != nil {
		log.Printf("[embeddings] embed failed: %v", err)
		return nil
	}
	return vec
}
