package memory

import (
	"context"
	"fmt"

	"github.com/allyhealth/companion/pkg/vectorstore"
)

// SweepExpired garbage-collects records whose TTL has elapsed. With
// hardDelete false the records are archived in place (status flip, updated_at
// bumped); with hardDelete true they are removed. An empty user sweeps all
// users. Returns the number of records affected.
func (s *Store) SweepExpired(ctx context.Context, user string, hardDelete bool) (int, error) {
	now := nowMilli()
	must := []vectorstore.Cond{
		vectorstore.Gte("expire_at", int64(1)),
		vectorstore.Lte("expire_at", now-1),
	}
	if user != "" {
		must = append(must, vectorstore.Eq("user_id", user))
	}

	docs, err := s.index.List(ctx, &vectorstore.Filter{Must: must}, s.cfg.SweepLimit)
	if err != nil {
		return 0, fmt.Errorf("list expired records: %w", err)
	}
	if len(docs) == 0 {
		return 0, nil
	}

	if hardDelete {
		ids := make([]string, len(docs))
		for i, doc := range docs {
			ids[i] = doc.ID
		}
		if err := s.index.Delete(ctx, ids); err != nil {
			return 0, fmt.Errorf("delete expired records: %w", err)
		}
		return len(ids), nil
	}

	archived := make([]vectorstore.Document, len(docs))
	for i, doc := range docs {
		rec := fromDocument(doc)
		rec.Status = StatusArchived
		rec.UpdatedAt = now
		archived[i] = toDocument(&rec)
	}
	if err := s.index.Upsert(ctx, archived); err != nil {
		return 0, fmt.Errorf("archive expired records: %w", err)
	}
	return len(archived), nil
}
