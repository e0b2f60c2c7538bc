package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vsmem "github.com/allyhealth/companion/pkg/vectorstore/memory"
)

const testDims = 3

func newTestStore(t *testing.T) (*Store, *vsmem.Store) {
	t.Helper()
	idx, err := vsmem.New(vsmem.Config{EmbeddingDimensions: testDims})
	require.NoError(t, err)
	s, err := NewStore(idx, Config{EmbeddingDimensions: testDims})
	require.NoError(t, err)
	return s, idx
}

func atom(user, text string, embedding []float32) Record {
	return Record{UserID: user, Kind: KindAtom, Text: text, Embedding: embedding}
}

func surface(user, groupKey, text string, embedding []float32) Record {
	return Record{UserID: user, Kind: KindSurface, GroupKey: groupKey, Text: text, Embedding: embedding}
}

func TestUpsert_AppliesDefaults(t *testing.T) {
	s, idx := newTestStore(t)
	ctx := context.Background()

	n, err := s.Upsert(ctx, []Record{atom("u1", "Allergic to penicillin", nil)})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec := Record{UserID: "u1", Kind: KindAtom, GroupKey: GroupKeyFor("Allergic to penicillin")}
	docs, err := idx.Get(ctx, []string{rec.PrimaryKey()})
	require.NoError(t, err)
	require.Len(t, docs, 1)

	got := fromDocument(docs[0])
	assert.Equal(t, 3, got.Importance)
	assert.Equal(t, 0.8, got.Confidence)
	assert.Equal(t, 1, got.TimesSeen)
	assert.Equal(t, StatusActive, got.Status)
	assert.Equal(t, int64(0), got.ExpireAt)
	assert.NotZero(t, got.CreatedAt)
	assert.Len(t, got.Embedding, testDims)
}

func TestUpsert_IsIdempotent(t *testing.T) {
	s, idx := newTestStore(t)
	ctx := context.Background()

	_, err := s.Upsert(ctx, []Record{atom("u1", "Lives alone in Taipei", nil)})
	require.NoError(t, err)
	_, err = s.Upsert(ctx, []Record{atom("u1", "Lives alone in Taipei", nil)})
	require.NoError(t, err)

	assert.Equal(t, 1, idx.Count())
}

func TestUpsert_SurfaceRequiresGroupKey(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.Upsert(context.Background(), []Record{
		surface("u1", "", "I can't take penicillin", []float32{1, 0, 0}),
	})
	assert.ErrorIs(t, err, ErrMissingGroupKey)
}

func TestUpsert_SurfaceRequiresRealEmbedding(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Upsert(ctx, []Record{surface("u1", "gk", "quote", nil)})
	assert.ErrorIs(t, err, ErrBadEmbedding)

	_, err = s.Upsert(ctx, []Record{surface("u1", "gk", "quote", []float32{0, 0, 0})})
	assert.ErrorIs(t, err, ErrBadEmbedding)
}

func TestUpsert_RejectsUnknownKind(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.Upsert(context.Background(), []Record{{UserID: "u1", Kind: "note", Text: "x"}})
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestUpsert_ValidationFailureWritesNothing(t *testing.T) {
	s, idx := newTestStore(t)

	_, err := s.Upsert(context.Background(), []Record{
		atom("u1", "valid fact", nil),
		surface("u1", "", "invalid surface", []float32{1, 0, 0}),
	})
	require.Error(t, err)
	assert.Equal(t, 0, idx.Count())
}

func TestPrimaryKey_Deterministic(t *testing.T) {
	a := Record{UserID: "u1", Kind: KindAtom, GroupKey: "gk"}
	b := Record{UserID: "u1", Kind: KindAtom, GroupKey: "gk"}
	assert.Equal(t, a.PrimaryKey(), b.PrimaryKey())

	c := Record{UserID: "u2", Kind: KindAtom, GroupKey: "gk"}
	assert.NotEqual(t, a.PrimaryKey(), c.PrimaryKey())

	// Surface keys include a text prefix so distinct quotes coexist.
	s1 := Record{UserID: "u1", Kind: KindSurface, GroupKey: "gk", Text: "first quote"}
	s2 := Record{UserID: "u1", Kind: KindSurface, GroupKey: "gk", Text: "second quote"}
	assert.NotEqual(t, s1.PrimaryKey(), s2.PrimaryKey())
}

func TestGroupKeyFor_CaseInsensitive(t *testing.T) {
	assert.Equal(t, GroupKeyFor("Allergic to Penicillin"), GroupKeyFor("allergic to penicillin"))
	assert.Contains(t, GroupKeyFor("x"), "auto:")
}

func TestExpired(t *testing.T) {
	now := time.Now()
	r := Record{ExpireAt: 0}
	assert.False(t, r.Expired(now))

	r.ExpireAt = now.UnixMilli() - 1
	assert.True(t, r.Expired(now))

	r.ExpireAt = now.Add(time.Hour).UnixMilli()
	assert.False(t, r.Expired(now))
}
