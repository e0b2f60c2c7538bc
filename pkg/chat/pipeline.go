package chat

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/allyhealth/companion/internal/tracing"
	"github.com/allyhealth/companion/pkg/embeddings"
	"github.com/allyhealth/companion/pkg/memory"
	"github.com/allyhealth/companion/pkg/observability"
	"github.com/allyhealth/companion/pkg/profile"
	"github.com/allyhealth/companion/pkg/session"
)

// ErrDuplicate marks a request whose dedup claim failed: an identical
// request was already processed within the idempotency window and all side
// effects were skipped.
var ErrDuplicate = errors.New("duplicate request")

// Canned replies for degraded paths.
const (
	apologyReply         = "Sorry, I'm having a little trouble right now. Could you say that again in a moment?"
	segmentAck           = "Got it, I'm still listening."
	stillProcessingReply = "I'm still working on what you just said, one moment."
)

// PipelineConfig tunes the turn pipeline.
type PipelineConfig struct {
	// SummaryChunkSize is how many rounds each summary chunk covers
	// (default 5).
	SummaryChunkSize int
	// ContextRounds is how many unsummarized rounds go into the prompt
	// context (default 6).
	ContextRounds int
	// Retrieval carries the long-term memory retrieval knobs; User and
	// QueryVector are filled per call.
	Retrieval memory.RetrieveOptions
}

func (c PipelineConfig) withDefaults() PipelineConfig {
	if c.SummaryChunkSize <= 0 {
		c.SummaryChunkSize = 5
	}
	if c.ContextRounds <= 0 {
		c.ContextRounds = 6
	}
	return c
}

// Pipeline handles user turns end to end: dedup, context assembly, reply
// generation, history bookkeeping and opportunistic summarization.
type Pipeline struct {
	coord      *session.Coordinator
	memories   *memory.Store
	profiles   *profile.Repository
	embedder   embeddings.EmbeddingService
	handler    TurnHandler
	summarizer Summarizer
	cfg        PipelineConfig
}

// NewPipeline assembles the turn pipeline.
func NewPipeline(
	coord *session.Coordinator,
	memories *memory.Store,
	profiles *profile.Repository,
	embedder embeddings.EmbeddingService,
	handler TurnHandler,
	summarizer Summarizer,
	cfg PipelineConfig,
) *Pipeline {
	return &Pipeline{
		coord:      coord,
		memories:   memories,
		profiles:   profiles,
		embedder:   embedder,
		handler:    handler,
		summarizer: summarizer,
		cfg:        cfg.withDefaults(),
	}
}

// HandleText processes one text turn. The dedup claim runs before any side
// effect; a duplicate returns ErrDuplicate with no history append and no
// handler call. A handler failure degrades to an apology reply but the round
// is still recorded, so session bookkeeping never depends on downstream
// success.
func (p *Pipeline) HandleText(ctx context.Context, user, input, requestID string) (string, error) {
	if user == "" || strings.TrimSpace(input) == "" {
		return "", fmt.Errorf("user and input are required")
	}
	if requestID == "" {
		requestID = session.RequestID(user, input, time.Now())
	}

	claimed, err := p.coord.Claim(ctx, user, requestID)
	if err != nil {
		return "", fmt.Errorf("dedup claim for %s: %w", user, err)
	}
	if !claimed {
		observability.RecordDuplicateRequest()
		return "", ErrDuplicate
	}

	ctx, span := tracing.Start(ctx, "chat.turn", attribute.String("user.id", user))
	defer span.End()

	start := time.Now()
	contextBlock := p.buildContext(ctx, user, input)

	reply, err := p.handler.HandleTurn(ctx, user, input, contextBlock)
	if err != nil {
		log.Printf("[chat] turn handler failed for %s: %v", user, err)
		span.RecordError(err)
		observability.RecordTurnHandlerFailure()
		reply = apologyReply
	}
	observability.RecordTurn(time.Since(start))

	round := session.Round{Input: input, Output: reply, RoundID: requestID}
	if err := p.coord.AppendRound(ctx, user, round); err != nil {
		log.Printf("[chat] append round warn for %s: %v", user, err)
	}
	if err := p.profiles.TouchContact(ctx, user); err != nil {
		log.Printf("[chat] touch contact warn for %s: %v", user, err)
	}

	p.summarizeAhead(ctx, user)
	return reply, nil
}

// HandleAudio processes one audio segment. Partial segments are buffered and
// acknowledged cheaply. The final segment runs the full pipeline under the
// audio lock; concurrent finals for the same utterance get the cached reply
// or a still-processing notice and perform no pipeline work.
func (p *Pipeline) HandleAudio(ctx context.Context, user, audioID, segment string, final bool) (string, error) {
	if user == "" {
		return "", fmt.Errorf("user is required")
	}
	if audioID == "" {
		audioID = fallbackAudioID(segment)
	}

	if !final {
		if err := p.coord.AppendSegment(ctx, user, audioID, segment); err != nil {
			return "", fmt.Errorf("buffer segment for %s: %w", user, err)
		}
		return segmentAck, nil
	}

	acquired, err := p.coord.AcquireAudioLock(ctx, user, audioID)
	if err != nil {
		return "", fmt.Errorf("acquire audio lock for %s: %w", user, err)
	}
	if !acquired {
		observability.RecordAudioLockContention()
		if cached, ok, err := p.coord.CachedResult(ctx, user, audioID); err == nil && ok {
			return cached, nil
		}
		return stillProcessingReply, nil
	}
	defer p.coord.ReleaseAudioLock(ctx, user, audioID)

	ctx, span := tracing.Start(ctx, "chat.audio",
		attribute.String("user.id", user),
		attribute.String("audio.id", audioID))
	defer span.End()

	head, err := p.coord.DrainSegments(ctx, user, audioID)
	if err != nil {
		log.Printf("[chat] drain segments warn for %s: %v", user, err)
		head = ""
	}
	full := strings.TrimSpace(segment)
	if head != "" {
		full = strings.TrimSpace(head + " " + full)
	}

	reply, err := p.HandleText(ctx, user, full, "")
	if errors.Is(err, ErrDuplicate) {
		if cached, ok, cerr := p.coord.CachedResult(ctx, user, audioID); cerr == nil && ok {
			return cached, nil
		}
		return stillProcessingReply, nil
	}
	if err != nil {
		return "", err
	}

	if err := p.coord.CacheResult(ctx, user, audioID, reply); err != nil {
		log.Printf("[chat] cache result warn for %s: %v", user, err)
	}
	return reply, nil
}

// buildContext assembles the prompt context: profile, rolling summary,
// recent unsummarized rounds and retrieved long-term memories. Every part is
// best effort; a missing part shrinks the context instead of failing the
// turn.
func (p *Pipeline) buildContext(ctx context.Context, user, input string) string {
	var parts []string

	if prof, err := p.profiles.Get(ctx, user); err != nil {
		log.Printf("[chat] profile read warn for %s: %v", user, err)
	} else if block := prof.Render(); block != "" {
		parts = append(parts, "User profile:\n"+block)
	}

	if vec := embeddings.SafeEmbed(ctx, p.embedder, input); vec != nil {
		opts := p.cfg.Retrieval
		opts.User = user
		opts.QueryVector = vec
		pack, err := p.memories.Retrieve(ctx, opts)
		if err != nil {
			log.Printf("[chat] memory retrieval warn for %s: %v", user, err)
		} else if pack != "" {
			observability.RecordMemoryRetrieval()
			parts = append(parts, pack)
		}
	}

	if summary, _, err := p.coord.Summary(ctx, user); err != nil {
		log.Printf("[chat] summary read warn for %s: %v", user, err)
	} else if summary != "" {
		parts = append(parts, "Conversation summary so far:\n"+summary)
	}

	if tail, err := p.coord.UnsummarizedTail(ctx, user, p.cfg.ContextRounds); err != nil {
		log.Printf("[chat] history read warn for %s: %v", user, err)
	} else if len(tail) > 0 {
		var b strings.Builder
		b.WriteString("Recent turns:\n")
		for _, r := range tail {
			fmt.Fprintf(&b, "User: %s\nCompanion: %s\n", r.Input, r.Output)
		}
		parts = append(parts, strings.TrimRight(b.String(), "\n"))
	}

	return strings.Join(parts, "\n\n")
}

// summarizeAhead opportunistically summarizes the next full chunk of rounds.
// Losing the commit race just discards this worker's cheap summary; the next
// turn recomputes from the fresh cursor.
func (p *Pipeline) summarizeAhead(ctx context.Context, user string) {
	cursor, chunk, err := p.coord.PeekNext(ctx, user, p.cfg.SummaryChunkSize)
	if err != nil {
		log.Printf("[chat] peek summary chunk warn for %s: %v", user, err)
		return
	}
	if cursor < 0 {
		return
	}

	body, err := p.summarizer.Summarize(ctx, chunk, cursor)
	if err != nil {
		log.Printf("[chat] summarize warn for %s: %v", user, err)
		return
	}

	text := fmt.Sprintf("Rounds %d-%d:\n%s", cursor+1, cursor+int64(len(chunk)), body)
	committed, err := p.coord.CommitChunk(ctx, user, cursor, int64(len(chunk)), text)
	if err != nil {
		log.Printf("[chat] commit summary warn for %s: %v", user, err)
		return
	}
	observability.RecordSummaryCommit(committed)
}

// fallbackAudioID derives a stable utterance ID from the segment text for
// callers that carry none.
func fallbackAudioID(segment string) string {
	sum := sha1.Sum([]byte(segment))
	return hex.EncodeToString(sum[:])[:16]
}
