// Package memory implements the long-term memory store: TTL-bounded fact
// records indexed by a vector store, with deterministic primary keys so that
// re-distilling the same session never duplicates a fact.
//
// Records come in three kinds. An atom is the canonical paraphrased statement
// of a durable fact. A surface is a verbatim quote supporting an atom,
// carrying its own embedding as the similarity target. A raw_qa record is an
// optional verbatim question/answer pair. One atom is linked to zero or more
// surfaces through a shared group key.
package memory

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Kind classifies a memory record.
type Kind string

const (
	// KindAtom is a canonical paraphrased fact. Atoms are never the
	// similarity target; a zero-vector placeholder embedding is permitted.
	KindAtom Kind = "atom"
	// KindSurface is a verbatim quote supporting an atom.
	KindSurface Kind = "surface"
	// KindRawQA is a verbatim question/answer pair.
	KindRawQA Kind = "raw_qa"
)

// Status is the lifecycle state of a record.
type Status string

const (
	// StatusActive records are retrievable.
	StatusActive Status = "active"
	// StatusArchived records are excluded from retrieval but retained.
	StatusArchived Status = "archived"
)

// maxTextLen bounds stored record text.
const maxTextLen = 4000

// pkTextPrefixLen is how much of the text participates in the primary key
// for surface and raw_qa records.
const pkTextPrefixLen = 80

// Record is one long-term memory entry.
type Record struct {
	// UserID owns the record.
	UserID string
	// Kind is atom, surface or raw_qa.
	Kind Kind
	// GroupKey links an atom to its surfaces. Required for surfaces;
	// derived from the text for atoms when absent; empty for raw_qa.
	GroupKey string
	// Text is the display text (atom) or verbatim quote (surface, raw_qa).
	Text string
	// Importance is a small integer, 1..5.
	Importance int
	// Confidence in the extracted fact.
	Confidence float64
	// TimesSeen counts retrieval uses.
	TimesSeen int
	// Status is active or archived.
	Status Status
	// SourceSessionID records which session distilled this fact.
	SourceSessionID string
	// CreatedAt, UpdatedAt and LastUsedAt are epoch milliseconds.
	CreatedAt  int64
	UpdatedAt  int64
	LastUsedAt int64
	// ExpireAt is epoch milliseconds; 0 means never.
	ExpireAt int64
	// Embedding is required and meaningful for surface and raw_qa records.
	Embedding []float32
}

// PrimaryKey returns the deterministic record ID. Upserting the same logical
// fact twice lands on the same key.
func (r *Record) PrimaryKey() string {
	var seed string
	switch r.Kind {
	case KindAtom:
		seed = fmt.Sprintf("%s|%s|%s", r.UserID, KindAtom, r.GroupKey)
	case KindSurface:
		seed = fmt.Sprintf("%s|%s|%s|%s", r.UserID, KindSurface, r.GroupKey, prefix(r.Text, pkTextPrefixLen))
	default:
		seed = fmt.Sprintf("%s|%s|%s", r.UserID, KindRawQA, prefix(r.Text, pkTextPrefixLen))
	}
	sum := sha1.Sum([]byte(seed))
	return hex.EncodeToString(sum[:])
}

// GroupKeyFor derives a stable group key from an atom's display text.
func GroupKeyFor(displayText string) string {
	sum := sha1.Sum([]byte(strings.ToLower(displayText)))
	return "auto:" + hex.EncodeToString(sum[:])[:32]
}

// Expired reports whether the record's TTL has elapsed at t.
func (r *Record) Expired(t time.Time) bool {
	return r.ExpireAt != 0 && r.ExpireAt < t.UnixMilli()
}

func prefix(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

func nowMilli() int64 {
	return time.Now().UnixMilli()
}
