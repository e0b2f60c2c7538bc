package chat

import (
	"context"
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

// maxEvidencePerFact bounds how many verbatim quotes become surface records.
const maxEvidencePerFact = 3

// Finalizer runs the end-of-session workflow: flush the remaining summary,
// distill durable facts into long-term memory, fold them into the profile
// and clear the session keys. The ACTIVE to FINALIZING transition at the top
// makes the whole workflow run at most once even when two schedulers pick
// the same idle user.
type Finalizer struct {
	coord      *session.Coordinator
	memories   *memory.Store
	profiles   *profile.Repository
	embedder   embeddings.EmbeddingService
	distiller  Distiller
	updater    ProfileUpdater
	summarizer Summarizer
}

// NewFinalizer assembles the finalize workflow.
func NewFinalizer(
	coord *session.Coordinator,
	memories *memory.Store,
	profiles *profile.Repository,
	embedder embeddings.EmbeddingService,
	distiller Distiller,
	updater ProfileUpdater,
	summarizer Summarizer,
) *Finalizer {
	return &Finalizer{
		coord:      coord,
		memories:   memories,
		profiles:   profiles,
		embedder:   embedder,
		distiller:  distiller,
		updater:    updater,
		summarizer: summarizer,
	}
}

// Finalize runs the workflow for one user. Returns false when another
// worker already holds the session; the loser takes no further action.
// Everything after the winning transition is best effort: a failed stage is
// logged and the remaining stages still run, so a distillation hiccup never
// strands session keys.
func (f *Finalizer) Finalize(ctx context.Context, user string) (bool, error) {
	won, err := f.coord.TryTransition(ctx, user, session.StatusActive, session.StatusFinalizing)
	if err != nil {
		return false, fmt.Errorf("finalize transition for %s: %w", user, err)
	}
	if !won {
		observability.RecordFinalizeRaceLoss()
		return false, nil
	}

	ctx, span := tracing.Start(ctx, "session.finalize", attribute.String("user.id", user))
	defer span.End()

	f.flushSummary(ctx, user)

	facts := f.distillFacts(ctx, user)

	records := f.buildRecords(ctx, user, facts)
	if len(records) > 0 {
		if n, err := f.memories.Upsert(ctx, records); err != nil {
			log.Printf("[finalize] memory upsert error for %s: %v", user, err)
		} else {
			observability.RecordMemoryRecordsWritten(n)
		}
	}

	f.updateProfile(ctx, user, facts)

	if _, err := f.coord.TryTransition(ctx, user, session.StatusFinalizing, session.StatusFinalized); err != nil {
		log.Printf("[finalize] status transition warn for %s: %v", user, err)
	}
	if err := f.coord.Cleanup(ctx, user); err != nil {
		log.Printf("[finalize] cleanup warn for %s: %v", user, err)
	}

	observability.RecordSessionFinalized()
	return true, nil
}

// flushSummary commits whatever rounds remain past the summary cursor.
func (f *Finalizer) flushSummary(ctx context.Context, user string) {
	cursor, remaining, err := f.coord.PeekRemaining(ctx, user)
	if err != nil {
		log.Printf("[finalize] summary peek warn for %s: %v", user, err)
		return
	}
	if len(remaining) == 0 {
		return
	}

	body, err := f.summarizer.Summarize(ctx, remaining, cursor)
	if err != nil {
		log.Printf("[finalize] summary warn for %s: %v", user, err)
		return
	}
	text := fmt.Sprintf("Rounds %d-%d:\n%s", cursor+1, cursor+int64(len(remaining)), body)
	if _, err := f.coord.CommitChunk(ctx, user, cursor, int64(len(remaining)), text); err != nil {
		log.Printf("[finalize] summary commit warn for %s: %v", user, err)
	}
}

// distillFacts renders the session transcript and asks the distiller for
// durable facts. Any failure means no facts, never a failed finalize.
func (f *Finalizer) distillFacts(ctx context.Context, user string) []Fact {
	rounds, err := f.coord.History(ctx, user)
	if err != nil {
		log.Printf("[finalize] history read warn for %s: %v", user, err)
		return nil
	}
	transcript := renderRounds(rounds, 0)
	if strings.TrimSpace(transcript) == "" {
		return nil
	}

	facts, err := f.distiller.Distill(ctx, transcript)
	if err != nil {
		log.Printf("[finalize] distill warn for %s: %v", user, err)
		return nil
	}
	return facts
}

// buildRecords turns facts into atom and surface records. Each fact yields
// one atom with a stable group key and up to three surfaces carrying the
// evidence embeddings; evidence that fails to embed is skipped.
func (f *Finalizer) buildRecords(ctx context.Context, user string, facts []Fact) []memory.Record {
	now := time.Now()
	sessionID := fmt.Sprintf("sess:%d", now.Unix())

	var records []memory.Record
	for _, fact := range facts {
		display := strings.TrimSpace(fact.DisplayText)
		if display == "" {
			continue
		}
		expireAt := fact.ExpireAt(now)
		groupKey := memory.GroupKeyFor(display)

		records = append(records, memory.Record{
			UserID:          user,
			Kind:            memory.KindAtom,
			GroupKey:        groupKey,
			Text:            display,
			Importance:      fact.Importance(),
			Confidence:      0.9,
			SourceSessionID: sessionID,
			ExpireAt:        expireAt,
		})

		evidence := fact.Evidence
		if len(evidence) > maxEvidencePerFact {
			evidence = evidence[:maxEvidencePerFact]
		}
		for _, quote := range evidence {
			quote = strings.TrimSpace(quote)
			if quote == "" {
				continue
			}
			vec := embeddings.SafeEmbed(ctx, f.embedder, quote)
			if vec == nil {
				continue
			}
			records = append(records, memory.Record{
				UserID:          user,
				Kind:            memory.KindSurface,
				GroupKey:        groupKey,
				Text:            quote,
				Importance:      2,
				Confidence:      0.95,
				SourceSessionID: sessionID,
				ExpireAt:        expireAt,
				Embedding:       vec,
			})
		}
	}
	return records
}

// updateProfile folds the distilled facts into the user's profile.
func (f *Finalizer) updateProfile(ctx context.Context, user string, facts []Fact) {
	if len(facts) == 0 {
		return
	}
	current, err := f.profiles.Get(ctx, user)
	if err != nil {
		log.Printf("[finalize] profile read warn for %s: %v", user, err)
		return
	}
	cs, err := f.updater.ProposeChanges(ctx, current, facts)
	if err != nil {
		log.Printf("[finalize] profile update warn for %s: %v", user, err)
		return
	}
	if err := f.profiles.ApplyChangeSet(ctx, user, cs); err != nil {
		log.Printf("[finalize] profile apply warn for %s: %v", user, err)
	}
}
