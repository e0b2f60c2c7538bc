// Package vectorstore abstracts the vector index that backs long-term
// memory. Implementations must support idempotent upsert keyed by document
// ID, filtered similarity search with per-hit scores comparable across
// calls, and point lookup by ID.
package vectorstore

import (
	"context"
	"fmt"
	"time"
)

// VectorStore is the interface for vector index operations.
type VectorStore interface {
	// Upsert inserts or updates documents. Upserting an existing ID
	// replaces the stored document.
	Upsert(ctx context.Context, documents []Document) error

	// Search performs similarity search and returns the most similar
	// documents, highest score first.
	Search(ctx context.Context, query SearchQuery) ([]SearchResult, error)

	// Get retrieves documents by their IDs. Missing IDs are skipped.
	Get(ctx context.Context, ids []string) ([]Document, error)

	// List returns documents matching a metadata filter without similarity
	// scoring, up to limit. Order is unspecified.
	List(ctx context.Context, filter *Filter, limit int) ([]Document, error)

	// Delete removes documents by their IDs.
	Delete(ctx context.Context, ids []string) error

	// Close releases resources held by the store.
	Close() error
}

// Document is a stored vector with its payload.
type Document struct {
	// ID is the unique identifier for the document.
	ID string `json:"id"`

	// Content is the text payload.
	Content string `json:"content"`

	// Embedding is the vector representation of the content.
	Embedding []float32 `json:"embedding"`

	// Metadata holds filterable fields. Values are strings or numbers.
	Metadata map[string]any `json:"metadata,omitempty"`

	// CreatedAt is when the document was first created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the document was last updated.
	UpdatedAt time.Time `json:"updated_at"`
}

// SearchQuery defines the parameters for a similarity search.
type SearchQuery struct {
	// Embedding is the query vector.
	Embedding []float32

	// TopK is the number of results to return.
	TopK int

	// Filter restricts the candidate set before scoring.
	Filter *Filter

	// MinScore excludes hits below this cosine similarity.
	MinScore float32
}

// SearchResult is a single hit with its similarity score.
type SearchResult struct {
	// Document is the matched document.
	Document Document

	// Score is the cosine similarity (higher is more similar).
	Score float32
}

// Op is a comparison operator for filter conditions.
type Op string

const (
	// OpEqual checks for equality.
	OpEqual Op = "eq"
	// OpGreaterThanOrEqual checks field >= value (numeric).
	OpGreaterThanOrEqual Op = "gte"
	// OpLessThanOrEqual checks field <= value (numeric).
	OpLessThanOrEqual Op = "lte"
	// OpIn checks membership in a set of values.
	OpIn Op = "in"
)

// Cond is one filter condition on a metadata field.
type Cond struct {
	Field string
	Op    Op
	Value any
}

// Filter combines conditions on document metadata.
// A document matches when every Must condition holds, at least one Should
// condition holds (if any are present), and no MustNot condition holds.
type Filter struct {
	Must    []Cond
	Should  []Cond
	MustNot []Cond
}

// Eq builds an equality condition.
func Eq(field string, value any) Cond {
	return Cond{Field: field, Op: OpEqual, Value: value}
}

// Gte builds a numeric greater-than-or-equal condition.
func Gte(field string, value any) Cond {
	return Cond{Field: field, Op: OpGreaterThanOrEqual, Value: value}
}

// Lte builds a numeric less-than-or-equal condition.
func Lte(field string, value any) Cond {
	return Cond{Field: field, Op: OpLessThanOrEqual, Value: value}
}

// In builds a set-membership condition.
func In(field string, values ...any) Cond {
	return Cond{Field: field, Op: OpIn, Value: values}
}

// ValidateDocument checks a document before storage.
func ValidateDocument(doc *Document) error {
	if doc.ID == "" {
		return fmt.Errorf("document ID cannot be empty")
	}
	if doc.Content == "" {
		return fmt.Errorf("document content cannot be empty")
	}
	if len(doc.Embedding) == 0 {
		return fmt.Errorf("document embedding cannot be empty")
	}
	for i, val := range doc.Embedding {
		if isNaN(val) || isInf(val) {
			return fmt.Errorf("embedding contains invalid value at index %d: %f", i, val)
		}
	}
	return nil
}

// ValidateSearchQuery checks a search query.
func ValidateSearchQuery(query *SearchQuery) error {
	if len(query.Embedding) == 0 {
		return fmt.Errorf("query embedding cannot be empty")
	}
	for i, val := range query.Embedding {
		if isNaN(val) || isInf(val) {
			return fmt.Errorf("query embedding contains invalid value at index %d: %f", i, val)
		}
	}
	if query.TopK < 1 {
		return fmt.Errorf("TopK must be at least 1, got %d", query.TopK)
	}
	if query.TopK > 1000 {
		return fmt.Errorf("TopK cannot exceed 1000, got %d", query.TopK)
	}
	return nil
}

func isNaN(f float32) bool {
	return f != f
}

func isInf(f float32) bool {
	return f > maxFloat32 || f < -maxFloat32
}

const maxFloat32 = 3.40282346638528859811704183484516925440e+38
