// Package memory implements an in-memory vector store using brute-force
// cosine search. It is the bundled backend for single-node deployments and
// the test double for everything above it; it is not suitable for large
// datasets.
package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/allyhealth/companion/pkg/vectorstore"
)

// Store is an in-memory vectorstore.VectorStore.
type Store struct {
	documents     map[string]vectorstore.Document
	embeddingDims int
	maxDocuments  int
	mu            sync.RWMutex
}

// Config holds in-memory store settings.
type Config struct {
	// EmbeddingDimensions is the required vector length (mandatory).
	EmbeddingDimensions int
	// MaxDocuments caps the stored document count (default 100000).
	MaxDocuments int
}

// New creates an in-memory vector store.
func New(cfg Config) (*Store, error) {
	if cfg.EmbeddingDimensions <= 0 {
		return nil, fmt.Errorf("embedding dimensions must be greater than 0, got %d", cfg.EmbeddingDimensions)
	}
	maxDocs := cfg.MaxDocuments
	if maxDocs <= 0 {
		maxDocs = 100000
	}
	return &Store{
		documents:     make(map[string]vectorstore.Document),
		embeddingDims: cfg.EmbeddingDimensions,
		maxDocuments:  maxDocs,
	}, nil
}

// Upsert inserts or updates documents.
func (s *Store) Upsert(ctx context.Context, documents []vectorstore.Document) error {
	if len(documents) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range documents {
		if err := vectorstore.ValidateDocument(&documents[i]); err != nil {
			return fmt.Errorf("invalid document at index %d: %w", i, err)
		}
		if len(documents[i].Embedding) != s.embeddingDims {
			return fmt.Errorf("document %s embedding dimension mismatch: expected %d, got %d",
				documents[i].ID, s.embeddingDims, len(documents[i].Embedding))
		}
	}

	newDocs := 0
	for _, doc := range documents {
		if _, exists := s.documents[doc.ID]; !exists {
			newDocs++
		}
	}
	if len(s.documents)+newDocs > s.maxDocuments {
		return fmt.Errorf("would exceed max documents limit: %d (current: %d, adding: %d)",
			s.maxDocuments, len(s.documents), newDocs)
	}

	for _, doc := range documents {
		s.documents[doc.ID] = copyDocument(doc)
	}
	return nil
}

// Search performs brute-force cosine similarity search.
func (s *Store) Search(ctx context.Context, query vectorstore.SearchQuery) ([]vectorstore.SearchResult, error) {
	if err := vectorstore.ValidateSearchQuery(&query); err != nil {
		return nil, fmt.Errorf("invalid search query: %w", err)
	}
	if len(query.Embedding) != s.embeddingDims {
		return nil, fmt.Errorf("query embedding dimension mismatch: expected %d, got %d",
			s.embeddingDims, len(query.Embedding))
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var candidates []vectorstore.SearchResult
	for _, doc := range s.documents {
		if !query.Filter.Matches(doc) {
			continue
		}
		score := cosineSimilarity(query.Embedding, doc.Embedding)
		if query.MinScore > 0 && score < query.MinScore {
			continue
		}
		candidates = append(candidates, vectorstore.SearchResult{
			Document: copyDocument(doc),
			Score:    score,
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})

	if len(candidates) > query.TopK {
		candidates = candidates[:query.TopK]
	}
	return candidates, nil
}

// Get retrieves documents by ID, skipping missing ones.
func (s *Store) Get(ctx context.Context, ids []string) ([]vectorstore.Document, error) {
	if len(ids) == 0 {
		return []vectorstore.Document{}, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var documents []vectorstore.Document
	for _, id := range ids {
		if doc, exists := s.documents[id]; exists {
			documents = append(documents, copyDocument(doc))
		}
	}
	return documents, nil
}

// List returns documents matching the filter, up to limit. Map iteration
// order applies, so callers needing a stable order must sort.
func (s *Store) List(ctx context.Context, filter *vectorstore.Filter, limit int) ([]vectorstore.Document, error) {
	if limit <= 0 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var documents []vectorstore.Document
	for _, doc := range s.documents {
		if !filter.Matches(doc) {
			continue
		}
		documents = append(documents, copyDocument(doc))
		if len(documents) >= limit {
			break
		}
	}
	return documents, nil
}

// Delete removes documents by ID.
func (s *Store) Delete(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		delete(s.documents, id)
	}
	return nil
}

// Close implements the interface; nothing to release.
func (s *Store) Close() error {
	return nil
}

// Count returns the number of stored documents (useful for testing).
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.documents)
}

func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float32
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (sqrt(normA) * sqrt(normB))
}

func sqrt(x float32) float32 {
	return float32(math.Sqrt(float64(x)))
}

func copyDocument(doc vectorstore.Document) vectorstore.Document {
	embedding := make([]float32, len(doc.Embedding))
	copy(embedding, doc.Embedding)

	var metadata map[string]any
	if doc.Metadata != nil {
		metadata = make(map[string]any, len(doc.Metadata))
		for k, v := range doc.Metadata {
			metadata[k] = v
		}
	}

	return vectorstore.Document{
		ID:        doc.ID,
		Content:   doc.Content,
		Embedding: embedding,
		Metadata:  metadata,
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
	}
}
