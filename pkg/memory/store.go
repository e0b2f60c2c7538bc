package memory

import (
	"context"
	"errors"
	"fmt"

	"github.com/allyhealth/companion/pkg/vectorstore"
)

// Sentinel errors for upsert validation.
var (
	// ErrUnknownKind indicates a record kind outside atom/surface/raw_qa.
	ErrUnknownKind = errors.New("unknown record kind")
	// ErrMissingGroupKey indicates a surface without its atom's group key.
	ErrMissingGroupKey = errors.New("surface record requires a group key")
	// ErrBadEmbedding indicates a missing or wrong-dimension embedding on a
	// record kind that is a similarity target.
	ErrBadEmbedding = errors.New("record requires an embedding of the configured dimension")
)

// Config holds memory store settings.
type Config struct {
	// EmbeddingDimensions is the vector length enforced on upsert (mandatory).
	EmbeddingDimensions int
	// SearchLimit caps the candidate set fetched per retrieval (default 50).
	SearchLimit int
	// SweepLimit caps records touched per GC sweep (default 10000).
	SweepLimit int
}

// Store persists memory records in a vector store.
type Store struct {
	index vectorstore.VectorStore
	cfg   Config
}

// NewStore creates a memory store over the given vector index.
func NewStore(index vectorstore.VectorStore, cfg Config) (*Store, error) {
	if index == nil {
		return nil, fmt.Errorf("vector store is required")
	}
	if cfg.EmbeddingDimensions <= 0 {
		return nil, fmt.Errorf("embedding dimensions must be greater than 0, got %d", cfg.EmbeddingDimensions)
	}
	if cfg.SearchLimit <= 0 {
		cfg.SearchLimit = 50
	}
	if cfg.SweepLimit <= 0 {
		cfg.SweepLimit = 10000
	}
	return &Store{index: index, cfg: cfg}, nil
}

// Upsert validates and writes records. Validation runs over the whole batch
// before anything is written, so a bad record never causes a partial write.
// Upserting the same logical fact twice overwrites in place.
func (s *Store) Upsert(ctx context.Context, records []Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	now := nowMilli()
	prepared := make([]Record, len(records))
	for i, r := range records {
		p, err := s.prepare(r, now)
		if err != nil {
			return 0, fmt.Errorf("record %d: %w", i, err)
		}
		prepared[i] = p
	}

	docs := make([]vectorstore.Document, len(prepared))
	for i := range prepared {
		docs[i] = toDocument(&prepared[i])
	}
	if err := s.index.Upsert(ctx, docs); err != nil {
		return 0, fmt.Errorf("upsert memory records: %w", err)
	}
	return len(docs), nil
}

// prepare applies defaults and validates one record.
func (s *Store) prepare(r Record, now int64) (Record, error) {
	switch r.Kind {
	case KindAtom:
		if r.GroupKey == "" {
			r.GroupKey = GroupKeyFor(r.Text)
		}
		// Atoms are never the similarity target; pad with a placeholder.
		if len(r.Embedding) != s.cfg.EmbeddingDimensions {
			r.Embedding = make([]float32, s.cfg.EmbeddingDimensions)
		}
	case KindSurface:
		if r.GroupKey == "" {
			return r, ErrMissingGroupKey
		}
		if len(r.Embedding) != s.cfg.EmbeddingDimensions || isZeroVector(r.Embedding) {
			return r, fmt.Errorf("%w: kind=%s dim=%d", ErrBadEmbedding, r.Kind, len(r.Embedding))
		}
	case KindRawQA:
		r.GroupKey = ""
		if len(r.Embedding) != s.cfg.EmbeddingDimensions || isZeroVector(r.Embedding) {
			return r, fmt.Errorf("%w: kind=%s dim=%d", ErrBadEmbedding, r.Kind, len(r.Embedding))
		}
	default:
		return r, fmt.Errorf("%w: %q", ErrUnknownKind, r.Kind)
	}

	if len([]rune(r.Text)) > maxTextLen {
		r.Text = prefix(r.Text, maxTextLen)
	}
	if r.Importance <= 0 {
		r.Importance = 3
	}
	if r.Confidence <= 0 {
		if r.Kind == KindSurface {
			r.Confidence = 0.9
		} else {
			r.Confidence = 0.8
		}
	}
	if r.TimesSeen <= 0 {
		r.TimesSeen = 1
	}
	if r.Status == "" {
		r.Status = StatusActive
	}
	if r.CreatedAt == 0 {
		r.CreatedAt = now
	}
	if r.UpdatedAt == 0 {
		r.UpdatedAt = now
	}
	if r.LastUsedAt == 0 {
		r.LastUsedAt = now
	}
	return r, nil
}

// Close releases the underlying index.
func (s *Store) Close() error {
	return s.index.Close()
}

func toDocument(r *Record) vectorstore.Document {
	return vectorstore.Document{
		ID:        r.PrimaryKey(),
		Content:   r.Text,
		Embedding: r.Embedding,
		Metadata: map[string]any{
			"user_id":           r.UserID,
			"kind":              string(r.Kind),
			"group_key":         r.GroupKey,
			"importance":        int64(r.Importance),
			"confidence":        r.Confidence,
			"times_seen":        int64(r.TimesSeen),
			"status":            string(r.Status),
			"source_session_id": r.SourceSessionID,
			"created_at":        r.CreatedAt,
			"updated_at":        r.UpdatedAt,
			"last_used_at":      r.LastUsedAt,
			"expire_at":         r.ExpireAt,
		},
	}
}

func fromDocument(doc vectorstore.Document) Record {
	m := doc.Metadata
	return Record{
		UserID:          metaString(m, "user_id"),
		Kind:            Kind(metaString(m, "kind")),
		GroupKey:        metaString(m, "group_key"),
		Text:            doc.Content,
		Importance:      int(metaInt(m, "importance")),
		Confidence:      metaFloat(m, "confidence"),
		TimesSeen:       int(metaInt(m, "times_seen")),
		Status:          Status(metaString(m, "status")),
		SourceSessionID: metaString(m, "source_session_id"),
		CreatedAt:       metaInt(m, "created_at"),
		UpdatedAt:       metaInt(m, "updated_at"),
		LastUsedAt:      metaInt(m, "last_used_at"),
		ExpireAt:        metaInt(m, "expire_at"),
		Embedding:       doc.Embedding,
	}
}

func metaString(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func metaInt(m map[string]any, key string) int64 {
	switch v := m[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

func metaFloat(m map[string]any, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case int:
		return float64(v)
	}
	return 0
}

func isZeroVector(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}
