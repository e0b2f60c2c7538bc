// Package chat wires the coordination, memory and profile layers into the
// conversational turn pipeline and the session finalize workflow. The LLM
// collaborators behind each stage are interfaces so the pipeline can run
// against any backend; one OpenAI implementation ships with the engine.
package chat

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/allyhealth/companion/pkg/profile"
	"github.com/allyhealth/companion/pkg/session"
)

// TurnHandler produces the reply for one user turn. Failures must not
// corrupt session state; the pipeline degrades to an apology reply.
type TurnHandler interface {
	HandleTurn(ctx context.Context, user, input, contextBlock string) (string, error)
}

// Summarizer condenses a chunk of conversation rounds into summary text.
type Summarizer interface {
	Summarize(ctx context.Context, rounds []session.Round, startRound int64) (string, error)
}

// Distiller extracts durable facts from a session transcript. Malformed or
// empty output means "no durable facts this session", not an error.
type Distiller interface {
	Distill(ctx context.Context, transcript string) ([]Fact, error)
}

// ProfileUpdater turns distilled facts into a profile change set.
type ProfileUpdater interface {
	ProposeChanges(ctx context.Context, current *profile.Profile, facts []Fact) (profile.ChangeSet, error)
}

// Fact is one durable statement distilled from a session.
type Fact struct {
	// Type classifies the fact: info, allergy, preference, doctor_order,
	// schedule, reminder, contact, condition, constraint or note.
	Type string `json:"type"`
	// DisplayText is a short readable statement of the fact.
	DisplayText string `json:"display_text"`
	// Evidence holds up to three verbatim quotes supporting the fact.
	Evidence []string `json:"evidence"`
	// TTLDays bounds the fact's lifetime; 0 means permanent.
	TTLDays int `json:"ttl_days"`
}

// highImportanceTypes are fact types that must never be missed in retrieval.
var highImportanceTypes = map[string]bool{
	"allergy":      true,
	"doctor_order": true,
	"contact":      true,
	"condition":    true,
}

// Importance maps the fact type to the stored importance score.
func (f *Fact) Importance() int {
	if highImportanceTypes[f.Type] {
		return 4
	}
	return 3
}

// ExpireAt converts the TTL to an absolute epoch-millisecond deadline,
// 0 for permanent facts.
func (f *Fact) ExpireAt(now time.Time) int64 {
	if f.TTLDays <= 0 {
		return 0
	}
	return now.Add(time.Duration(f.TTLDays) * 24 * time.Hour).UnixMilli()
}

// renderRounds formats conversation rounds for prompt input, numbering them
// from startRound.
func renderRounds(rounds []session.Round, startRound int64) string {
	var b strings.Builder
	for i, r := range rounds {
		fmt.Fprintf(&b, "Round %d:\nUser: %s\nCompanion: %s\n\n", startRound+int64(i)+1, r.Input, r.Output)
	}
	return b.String()
}
