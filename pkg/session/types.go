// Package session provides per-user conversation session coordination on top
// of a shared Redis store. It tracks turn history and lifecycle status,
// checkpoints rolling summarization, deduplicates retried requests, and
// serializes audio utterance processing, all through Redis atomic
// primitives (SET NX EX, RPUSH, WATCH/MULTI), so workers on separate hosts
// need no in-process coordination.
package session

import (
	"time"
)

// Status is the lifecycle state of a user session.
type Status string

const (
	// StatusActive is the normal state of a session receiving turns.
	// A session with no stored status is treated as active.
	StatusActive Status = "ACTIVE"
	// StatusFinalizing marks a session claimed by a finalize worker.
	StatusFinalizing Status = "FINALIZING"
	// StatusFinalized marks a session whose facts have been distilled.
	// A new turn revives a finalized session back to active.
	StatusFinalized Status = "FINALIZED"
)

// Round is one conversation turn: what the user said and what the
// assistant replied. Rounds are append-only; history order per user is
// the append order.
type Round struct {
	// Input is the user's utterance for this turn.
	Input string `json:"input"`
	// Output is the assistant reply.
	Output string `json:"output"`
	// RoundID identifies the turn (typically the dedup request ID).
	RoundID string `json:"rid,omitempty"`
}

// Config holds coordinator tuning. Zero values take the defaults below.
type Config struct {
	// Prefix is prepended to every key (default "companion:").
	Prefix string
	// IdleThreshold is the inactivity duration after which a session is
	// eligible for finalization (default 5m).
	IdleThreshold time.Duration
	// DedupTTL bounds the request deduplication window (default 10m,
	// twice the 5m idempotency window).
	DedupTTL time.Duration
	// AudioBufferTTL bounds abandoned partial-segment buffers (default 1h).
	AudioBufferTTL time.Duration
	// AudioLockTTL is the utterance processing lease. It must exceed the
	// worst-case pipeline latency (default 180s).
	AudioLockTTL time.Duration
	// AudioResultTTL bounds the processed-reply cache (default 24h).
	AudioResultTTL time.Duration
}

const (
	defaultPrefix         = "companion:"
	defaultIdleThreshold  = 5 * time.Minute
	defaultDedupTTL       = 10 * time.Minute
	defaultAudioBufferTTL = time.Hour
	defaultAudioLockTTL   = 180 * time.Second
	defaultAudioResultTTL = 24 * time.Hour
)

func (c Config) withDefaults() Config {
	if c.Prefix == "" {
		c.Prefix = defaultPrefix
	}
	if c.IdleThreshold <= 0 {
		c.IdleThreshold = defaultIdleThreshold
	}
	if c.DedupTTL <= 0 {
		c.DedupTTL = defaultDedupTTL
	}
	if c.AudioBufferTTL <= 0 {
		c.AudioBufferTTL = defaultAudioBufferTTL
	}
	if c.AudioLockTTL <= 0 {
		c.AudioLockTTL = defaultAudioLockTTL
	}
	if c.AudioResultTTL <= 0 {
		c.AudioResultTTL = defaultAudioResultTTL
	}
	return c
}
