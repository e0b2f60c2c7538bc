package vectorstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func docWithMeta(meta map[string]any) Document {
	return Document{
		ID:        "doc1",
		Content:   "content",
		Embedding: []float32{0.1, 0.2},
		Metadata:  meta,
	}
}

func TestFilter_NilMatchesEverything(t *testing.T) {
	var f *Filter
	assert.True(t, f.Matches(docWithMeta(nil)))
}

func TestFilter_Must(t *testing.T) {
	doc := docWithMeta(map[string]any{"user_id": "u1", "status": "active"})

	f := &Filter{Must: []Cond{Eq("user_id", "u1"), Eq("status", "active")}}
	assert.True(t, f.Matches(doc))

	f = &Filter{Must: []Cond{Eq("user_id", "u1"), Eq("status", "archived")}}
	assert.False(t, f.Matches(doc))

	f = &Filter{Must: []Cond{Eq("missing", "x")}}
	assert.False(t, f.Matches(doc))
}

func TestFilter_ShouldIsOrGroup(t *testing.T) {
	doc := docWithMeta(map[string]any{"expire_at": int64(0)})

	// The retrieval predicate: never-expiring or not yet expired.
	f := &Filter{Should: []Cond{Eq("expire_at", int64(0)), Gte("expire_at", int64(5000))}}
	assert.True(t, f.Matches(doc))

	doc = docWithMeta(map[string]any{"expire_at": int64(9000)})
	assert.True(t, f.Matches(doc))

	doc = docWithMeta(map[string]any{"expire_at": int64(4999)})
	assert.False(t, f.Matches(doc))
}

func TestFilter_In(t *testing.T) {
	doc := docWithMeta(map[string]any{"kind": "surface"})

	f := &Filter{Must: []Cond{In("kind", "atom", "surface")}}
	assert.True(t, f.Matches(doc))

	f = &Filter{Must: []Cond{In("kind", "atom", "raw_qa")}}
	assert.False(t, f.Matches(doc))
}

func TestFilter_MustNot(t *testing.T) {
	doc := docWithMeta(map[string]any{"status": "archived"})

	f := &Filter{MustNot: []Cond{Eq("status", "archived")}}
	assert.False(t, f.Matches(doc))

	f = &Filter{MustNot: []Cond{Eq("status", "active")}}
	assert.True(t, f.Matches(doc))
}

func TestFilter_NumericTypesInterchangeable(t *testing.T) {
	// Metadata that went through a JSON round-trip comes back as float64.
	doc := docWithMeta(map[string]any{"importance": float64(4)})

	f := &Filter{Must: []Cond{Eq("importance", 4)}}
	assert.True(t, f.Matches(doc))

	f = &Filter{Must: []Cond{Gte("importance", int64(3))}}
	assert.True(t, f.Matches(doc))

	f = &Filter{Must: []Cond{Lte("importance", 3)}}
	assert.False(t, f.Matches(doc))
}
