package memory

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/allyhealth/companion/pkg/vectorstore"
)

// retrievalHeader prefixes a non-empty memory pack.
const retrievalHeader = "Long-term memory about this user:"

// relaxFloor is the lowest similarity threshold the one-shot relaxation may
// reach.
const relaxFloor = 0.30

// RetrieveOptions parameterizes a retrieval.
type RetrieveOptions struct {
	// User scopes the search.
	User string
	// QueryVector is the embedded query. Nil or empty skips retrieval.
	QueryVector []float32
	// TopKGroups is how many fact groups to return (default 5).
	TopKGroups int
	// SimilarityThreshold is the first-pass cut (default 0.5).
	SimilarityThreshold float64
	// RecencyHalfLifeDays is the recency decay constant (default 45).
	RecencyHalfLifeDays float64
	// IncludeRawQA admits raw question/answer records as candidates.
	IncludeRawQA bool
}

func (o *RetrieveOptions) withDefaults() RetrieveOptions {
	out := *o
	if out.TopKGroups <= 0 {
		out.TopKGroups = 5
	}
	if out.SimilarityThreshold <= 0 {
		out.SimilarityThreshold = 0.5
	}
	if out.RecencyHalfLifeDays <= 0 {
		out.RecencyHalfLifeDays = 45
	}
	return out
}

type group struct {
	key         string
	score       float64
	bestAtom    *Record
	bestSurface *Record
}

// Retrieve runs similarity search over the user's active, unexpired records
// and renders the winning fact groups as a short bulleted block. Returns the
// empty string when nothing survives the threshold.
//
// Hits are grouped by group key and scored as a weighted sum of similarity,
// recency of last use, importance and a small bonus when the best hit is a
// verbatim surface. If the first threshold pass keeps nothing, the threshold
// relaxes once (to at least the relax floor) against the same result set;
// there is no second search round-trip.
func (s *Store) Retrieve(ctx context.Context, opts RetrieveOptions) (string, error) {
	opts = opts.withDefaults()
	if opts.User == "" {
		return "", fmt.Errorf("user is required")
	}
	if len(opts.QueryVector) == 0 {
		return "", nil
	}

	now := nowMilli()
	kinds := []any{string(KindAtom), string(KindSurface)}
	if opts.IncludeRawQA {
		kinds = append(kinds, string(KindRawQA))
	}
	results, err := s.index.Search(ctx, vectorstore.SearchQuery{
		Embedding: opts.QueryVector,
		TopK:      s.cfg.SearchLimit,
		Filter: &vectorstore.Filter{
			Must: []vectorstore.Cond{
				vectorstore.Eq("user_id", opts.User),
				vectorstore.Eq("status", string(StatusActive)),
				vectorstore.In("kind", kinds...),
			},
			Should: []vectorstore.Cond{
				vectorstore.Eq("expire_at", int64(0)),
				vectorstore.Gte("expire_at", now),
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("memory search: %w", err)
	}

	hits := keepAbove(results, opts.SimilarityThreshold)
	if len(hits) == 0 && len(results) > 0 {
		relaxed := math.Max(relaxFloor, opts.SimilarityThreshold*0.7)
		hits = keepAbove(results, relaxed)
	}
	if len(hits) == 0 {
		return "", nil
	}

	groups := s.groupHits(hits, opts.RecencyHalfLifeDays, now)
	sort.Slice(groups, func(i, j int) bool { return groups[i].score > groups[j].score })
	if len(groups) > opts.TopKGroups {
		groups = groups[:opts.TopKGroups]
	}

	var lines []string
	var used []Record
	for _, g := range groups {
		switch {
		case g.bestAtom != nil:
			lines = append(lines, "- "+g.bestAtom.Text)
			used = append(used, *g.bestAtom)
		case g.bestSurface != nil:
			lines = append(lines, fmt.Sprintf("- %q (their words)", g.bestSurface.Text))
			used = append(used, *g.bestSurface)
		}
	}
	if len(lines) == 0 {
		return "", nil
	}

	s.touchUsage(ctx, used, now)

	return retrievalHeader + "\n" + strings.Join(lines, "\n"), nil
}

// groupHits buckets hits by group key, keeping the best score per group and
// remembering the atom and the best-scoring surface in each.
func (s *Store) groupHits(hits []vectorstore.SearchResult, halfLifeDays float64, now int64) []*group {
	buckets := make(map[string]*group)
	var order []*group
	for i := range hits {
		rec := fromDocument(hits[i].Document)
		key := rec.GroupKey
		if key == "" {
			key = "rawqa:" + rec.PrimaryKey()
		}

		sim := float64(hits[i].Score)
		score := 0.64*sim +
			0.18*recencyWeight(rec.LastUsedAt, halfLifeDays, now) +
			0.12*float64(rec.Importance)/5.0
		if rec.Kind == KindSurface {
			score += 0.05
		}

		b, ok := buckets[key]
		if !ok {
			b = &group{key: key, score: -1}
			buckets[key] = b
			order = append(order, b)
		}
		if score > b.score {
			b.score = score
		}
		switch rec.Kind {
		case KindAtom:
			r := rec
			b.bestAtom = &r
		default:
			// Hits arrive sorted by similarity, so the first surface or
			// raw_qa seen per group is the best one.
			if b.bestSurface == nil {
				r := rec
				b.bestSurface = &r
			}
		}
	}
	return order
}

// touchUsage bumps times_seen and last_used_at on records selected for
// output. Best effort: a failure here must not fail the read.
func (s *Store) touchUsage(ctx context.Context, used []Record, now int64) {
	docs := make([]vectorstore.Document, 0, len(used))
	for i := range used {
		r := used[i]
		r.TimesSeen++
		r.LastUsedAt = now
		r.UpdatedAt = now
		docs = append(docs, toDocument(&r))
	}
	if len(docs) == 0 {
		return
	}
	if err := s.index.Upsert(ctx, docs); err != nil {
		log.Printf("[memory] usage update warn: %v", err)
	}
}

// RecentAtoms returns the user's newest atoms created within the last
// daysLimit days, oldest first, as a bulleted block. No similarity search is
// involved; this feeds proactive-care prompts.
func (s *Store) RecentAtoms(ctx context.Context, user string, topK, daysLimit int) (string, error) {
	if user == "" {
		return "", fmt.Errorf("user is required")
	}
	if topK <= 0 {
		topK = 5
	}
	if daysLimit <= 0 {
		daysLimit = 7
	}

	start := time.Now().Add(-time.Duration(daysLimit) * 24 * time.Hour).UnixMilli()
	docs, err := s.index.List(ctx, &vectorstore.Filter{
		Must: []vectorstore.Cond{
			vectorstore.Eq("user_id", user),
			vectorstore.Eq("kind", string(KindAtom)),
			vectorstore.Gte("created_at", start),
		},
	}, 100)
	if err != nil {
		return "", fmt.Errorf("list recent atoms: %w", err)
	}
	if len(docs) == 0 {
		return "", nil
	}

	records := make([]Record, len(docs))
	for i, doc := range docs {
		records[i] = fromDocument(doc)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].CreatedAt > records[j].CreatedAt })
	if len(records) > topK {
		records = records[:topK]
	}

	// Oldest first, matching conversation order.
	lines := make([]string, len(records))
	for i, r := range records {
		lines[len(records)-1-i] = "- " + r.Text
	}
	return strings.Join(lines, "\n"), nil
}

func recencyWeight(lastUsedMs int64, halfLifeDays float64, now int64) float64 {
	if lastUsedMs == 0 {
		return 0
	}
	ageDays := math.Max(0, float64(now-lastUsedMs)/86400000.0)
	return math.Exp(-ageDays / halfLifeDays)
}

func keepAbove(results []vectorstore.SearchResult, threshold float64) []vectorstore.SearchResult {
	var kept []vectorstore.SearchResult
	for _, r := range results {
		if float64(r.Score) >= threshold {
			kept = append(kept, r)
		}
	}
	return kept
}
