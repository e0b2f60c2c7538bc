package chat

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/allyhealth/companion/pkg/memory"
	"github.com/allyhealth/companion/pkg/profile"
	"github.com/allyhealth/companion/pkg/session"
	vsmem "github.com/allyhealth/companion/pkg/vectorstore/memory"
)

const testDims = 3

// fakeHandler records its inputs and replies from a script.
type fakeHandler struct {
	mu       sync.Mutex
	calls    []string
	contexts []string
	reply    string
	fail     bool
}

func (h *fakeHandler) HandleTurn(ctx context.Context, user, input, contextBlock string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, input)
	h.contexts = append(h.contexts, contextBlock)
	if h.fail {
		return "", fmt.Errorf("handler down")
	}
	if h.reply != "" {
		return h.reply, nil
	}
	return "reply to: " + input, nil
}

func (h *fakeHandler) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.calls)
}

type fakeSummarizer struct{}

func (fakeSummarizer) Summarize(ctx context.Context, rounds []session.Round, startRound int64) (string, error) {
	return fmt.Sprintf("summary of %d rounds", len(rounds)), nil
}

// fakeEmbedder returns a constant unit vector, or fails on demand.
type fakeEmbedder struct {
	fail bool
}

func (e *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.fail {
		return nil, fmt.Errorf("embedding service down")
	}
	return []float32{1, 0, 0}, nil
}

func (e *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		vec, err := e.Embed(ctx, texts[i])
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (e *fakeEmbedder) Dimensions() int   { return testDims }
func (e *fakeEmbedder) ModelName() string { return "fake" }
func (e *fakeEmbedder) Close() error      { return nil }

type testEnv struct {
	coord    *session.Coordinator
	memories *memory.Store
	profiles *profile.Repository
	handler  *fakeHandler
	embedder *fakeEmbedder
	pipeline *Pipeline
}

func setupPipeline(t *testing.T, cfg PipelineConfig) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	coord := session.NewCoordinatorFromClient(client, session.Config{Prefix: "test:"})
	idx, err := vsmem.New(vsmem.Config{EmbeddingDimensions: testDims})
	require.NoError(t, err)
	memories, err := memory.NewStore(idx, memory.Config{EmbeddingDimensions: testDims})
	require.NoError(t, err)
	profiles := profile.NewRepository(client, "test:")
	handler := &fakeHandler{}
	embedder := &fakeEmbedder{}

	return &testEnv{
		coord:    coord,
		memories: memories,
		profiles: profiles,
		handler:  handler,
		embedder: embedder,
		pipeline: NewPipeline(coord, memories, profiles, embedder, handler, fakeSummarizer{}, cfg),
	}
}

func TestHandleText_RepliesAndRecordsRound(t *testing.T) {
	env := setupPipeline(t, PipelineConfig{})
	ctx := context.Background()

	reply, err := env.pipeline.HandleText(ctx, "u1", "hello", "rid-1")
	require.NoError(t, err)
	assert.Equal(t, "reply to: hello", reply)

	history, err := env.coord.History(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "hello", history[0].Input)
	assert.Equal(t, reply, history[0].Output)
	assert.Equal(t, "rid-1", history[0].RoundID)
}

func TestHandleText_DuplicateSkipsAllSideEffects(t *testing.T) {
	env := setupPipeline(t, PipelineConfig{})
	ctx := context.Background()

	_, err := env.pipeline.HandleText(ctx, "u1", "hello", "rid-1")
	require.NoError(t, err)

	_, err = env.pipeline.HandleText(ctx, "u1", "hello", "rid-1")
	assert.ErrorIs(t, err, ErrDuplicate)

	assert.Equal(t, 1, env.handler.callCount())
	n, err := env.coord.HistoryLen(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestHandleText_HandlerFailureDegradesToApology(t *testing.T) {
	env := setupPipeline(t, PipelineConfig{})
	env.handler.fail = true
	ctx := context.Background()

	reply, err := env.pipeline.HandleText(ctx, "u1", "hello", "rid-1")
	require.NoError(t, err)
	assert.Equal(t, apologyReply, reply)

	// The round is still recorded; downstream failure never corrupts
	// session bookkeeping.
	n, err := env.coord.HistoryLen(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestHandleText_SummarizesCompletedChunks(t *testing.T) {
	env := setupPipeline(t, PipelineConfig{SummaryChunkSize: 2})
	ctx := context.Background()

	_, err := env.pipeline.HandleText(ctx, "u1", "first", "rid-1")
	require.NoError(t, err)
	_, err = env.pipeline.HandleText(ctx, "u1", "second", "rid-2")
	require.NoError(t, err)

	summary, cursor, err := env.coord.Summary(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), cursor)
	assert.Contains(t, summary, "Rounds 1-2:")
	assert.Contains(t, summary, "summary of 2 rounds")
}

func TestHandleText_ContextCarriesProfileMemoryAndHistory(t *testing.T) {
	env := setupPipeline(t, PipelineConfig{})
	ctx := context.Background()

	p := profile.New("u1")
	p.Facts[profile.CategoryHealthStatus] = map[string]any{"allergies": []any{"penicillin"}}
	require.NoError(t, env.profiles.Save(ctx, p))

	_, err := env.memories.Upsert(ctx, []memory.Record{{
		UserID:    "u1",
		Kind:      memory.KindSurface,
		GroupKey:  "gk",
		Text:      "I walk every morning",
		Embedding: []float32{1, 0, 0},
	}})
	require.NoError(t, err)

	_, err = env.pipeline.HandleText(ctx, "u1", "good morning", "rid-1")
	require.NoError(t, err)
	_, err = env.pipeline.HandleText(ctx, "u1", "how are you", "rid-2")
	require.NoError(t, err)

	got := env.handler.contexts[1]
	assert.Contains(t, got, "penicillin")
	assert.Contains(t, got, "I walk every morning")
	assert.Contains(t, got, "User: good morning")
}

func TestHandleText_EmbeddingFailureShrinksContext(t *testing.T) {
	env := setupPipeline(t, PipelineConfig{})
	env.embedder.fail = true
	ctx := context.Background()

	reply, err := env.pipeline.HandleText(ctx, "u1", "hello", "rid-1")
	require.NoError(t, err)
	assert.Equal(t, "reply to: hello", reply)
	assert.NotContains(t, env.handler.contexts[0], "Long-term memory")
}

func TestHandleAudio_PartialSegmentOnlyBuffers(t *testing.T) {
	env := setupPipeline(t, PipelineConfig{})
	ctx := context.Background()

	reply, err := env.pipeline.HandleAudio(ctx, "u1", "a1", "I have", false)
	require.NoError(t, err)
	assert.Equal(t, segmentAck, reply)
	assert.Equal(t, 0, env.handler.callCount())
}

func TestHandleAudio_FinalMergesBufferFirst(t *testing.T) {
	env := setupPipeline(t, PipelineConfig{})
	ctx := context.Background()

	_, err := env.pipeline.HandleAudio(ctx, "u1", "a1", "I have", false)
	require.NoError(t, err)
	_, err = env.pipeline.HandleAudio(ctx, "u1", "a1", "a headache", false)
	require.NoError(t, err)

	reply, err := env.pipeline.HandleAudio(ctx, "u1", "a1", "since morning", true)
	require.NoError(t, err)
	assert.Equal(t, "reply to: I have a headache since morning", reply)

	// The reply is cached for retries of the same utterance.
	cached, ok, err := env.coord.CachedResult(ctx, "u1", "a1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, reply, cached)
}

func TestHandleAudio_LockLoserGetsNoticeWithoutPipelineWork(t *testing.T) {
	env := setupPipeline(t, PipelineConfig{})
	ctx := context.Background()

	acquired, err := env.coord.AcquireAudioLock(ctx, "u1", "a1")
	require.NoError(t, err)
	require.True(t, acquired)

	reply, err := env.pipeline.HandleAudio(ctx, "u1", "a1", "hello", true)
	require.NoError(t, err)
	assert.Equal(t, stillProcessingReply, reply)
	assert.Equal(t, 0, env.handler.callCount())
}

func TestHandleAudio_LockLoserGetsCachedReply(t *testing.T) {
	env := setupPipeline(t, PipelineConfig{})
	ctx := context.Background()

	require.NoError(t, env.coord.CacheResult(ctx, "u1", "a1", "the earlier reply"))
	acquired, err := env.coord.AcquireAudioLock(ctx, "u1", "a1")
	require.NoError(t, err)
	require.True(t, acquired)

	reply, err := env.pipeline.HandleAudio(ctx, "u1", "a1", "hello", true)
	require.NoError(t, err)
	assert.Equal(t, "the earlier reply", reply)
	assert.Equal(t, 0, env.handler.callCount())
}

func TestHandleAudio_ReleasesLockAfterProcessing(t *testing.T) {
	env := setupPipeline(t, PipelineConfig{})
	ctx := context.Background()

	_, err := env.pipeline.HandleAudio(ctx, "u1", "a1", "hello", true)
	require.NoError(t, err)

	acquired, err := env.coord.AcquireAudioLock(ctx, "u1", "a1")
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestHandleAudio_DerivesIDWhenMissing(t *testing.T) {
	env := setupPipeline(t, PipelineConfig{})
	ctx := context.Background()

	reply, err := env.pipeline.HandleAudio(ctx, "u1", "", "hello there", true)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(reply, "reply to:"))
}

func TestFact_ImportanceMapping(t *testing.T) {
	critical := Fact{Type: "allergy"}
	assert.Equal(t, 4, critical.Importance())
	casual := Fact{Type: "preference"}
	assert.Equal(t, 3, casual.Importance())
}

func TestFact_ExpireAt(t *testing.T) {
	now := time.Now()
	permanent := Fact{TTLDays: 0}
	assert.Equal(t, int64(0), permanent.ExpireAt(now))

	bounded := Fact{TTLDays: 90}
	assert.Equal(t, now.Add(90*24*time.Hour).UnixMilli(), bounded.ExpireAt(now))
}
