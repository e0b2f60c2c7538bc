package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupMiniredis(t *testing.T, cfg Config) (*miniredis.Miniredis, *Coordinator) {
	t.Helper()

	mr := miniredis.RunT(t)

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	coord := NewCoordinatorFromClient(client, cfg)

	t.Cleanup(func() {
		_ = coord.Close()
	})

	return mr, coord
}

func TestAppendRound_History(t *testing.T) {
	_, coord := setupMiniredis(t, Config{})
	ctx := context.Background()

	rounds := []Round{
		{Input: "hello", Output: "hi there", RoundID: "r1"},
		{Input: "how are you", Output: "doing well", RoundID: "r2"},
	}
	for _, r := range rounds {
		if err := coord.AppendRound(ctx, "u1", r); err != nil {
			t.Fatalf("AppendRound failed: %v", err)
		}
	}

	got, err := coord.History(ctx, "u1")
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 rounds, got %d", len(got))
	}
	if got[0].Input != "hello" || got[1].RoundID != "r2" {
		t.Errorf("history order mismatch: %+v", got)
	}

	n, err := coord.HistoryLen(ctx, "u1")
	if err != nil {
		t.Fatalf("HistoryLen failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected length 2, got %d", n)
	}
}

func TestAppendRound_RevivesFinalizedSession(t *testing.T) {
	_, coord := setupMiniredis(t, Config{})
	ctx := context.Background()

	if err := coord.AppendRound(ctx, "u1", Round{Input: "a", Output: "b"}); err != nil {
		t.Fatalf("AppendRound failed: %v", err)
	}

	ok, err := coord.TryTransition(ctx, "u1", StatusActive, StatusFinalized)
	if err != nil || !ok {
		t.Fatalf("TryTransition failed: ok=%v err=%v", ok, err)
	}

	if err := coord.AppendRound(ctx, "u1", Round{Input: "c", Output: "d"}); err != nil {
		t.Fatalf("AppendRound failed: %v", err)
	}

	status, err := coord.SessionStatus(ctx, "u1")
	if err != nil {
		t.Fatalf("SessionStatus failed: %v", err)
	}
	if status != StatusActive {
		t.Errorf("expected revived ACTIVE session, got %s", status)
	}
}

func TestIsIdle_NoSession(t *testing.T) {
	_, coord := setupMiniredis(t, Config{})
	ctx := context.Background()

	idle, err := coord.IsIdle(ctx, "ghost", time.Minute)
	if err != nil {
		t.Fatalf("IsIdle failed: %v", err)
	}
	if !idle {
		t.Error("user with no session must count as idle")
	}
}

func TestIsIdle_ActiveThenIdle(t *testing.T) {
	_, coord := setupMiniredis(t, Config{})
	ctx := context.Background()

	if err := coord.AppendRound(ctx, "u1", Round{Input: "a", Output: "b"}); err != nil {
		t.Fatalf("AppendRound failed: %v", err)
	}

	idle, err := coord.IsIdle(ctx, "u1", time.Minute)
	if err != nil {
		t.Fatalf("IsIdle failed: %v", err)
	}
	if idle {
		t.Error("freshly active session must not be idle")
	}

	time.Sleep(30 * time.Millisecond)
	idle, err = coord.IsIdle(ctx, "u1", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("IsIdle failed: %v", err)
	}
	if !idle {
		t.Error("session past the threshold must be idle")
	}
}

func TestIdleUsers(t *testing.T) {
	mr, coord := setupMiniredis(t, Config{IdleThreshold: 20 * time.Millisecond})
	ctx := context.Background()

	if err := coord.AppendRound(ctx, "idle-user", Round{Input: "a", Output: "b"}); err != nil {
		t.Fatalf("AppendRound failed: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	// Expire the TTL'd active marker.
	mr.FastForward(time.Second)

	users, err := coord.IdleUsers(ctx, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("IdleUsers failed: %v", err)
	}
	if len(users) != 1 || users[0] != "idle-user" {
		t.Errorf("expected [idle-user], got %v", users)
	}
}

func TestIdleUsers_SkipsFreshSessions(t *testing.T) {
	_, coord := setupMiniredis(t, Config{})
	ctx := context.Background()

	if err := coord.AppendRound(ctx, "fresh", Round{Input: "a", Output: "b"}); err != nil {
		t.Fatalf("AppendRound failed: %v", err)
	}

	users, err := coord.IdleUsers(ctx, time.Minute)
	if err != nil {
		t.Fatalf("IdleUsers failed: %v", err)
	}
	if len(users) != 0 {
		t.Errorf("expected no idle users, got %v", users)
	}
}

func TestTryTransition_ExactlyOneWinner(t *testing.T) {
	_, coord := setupMiniredis(t, Config{})
	ctx := context.Background()

	if err := coord.AppendRound(ctx, "u1", Round{Input: "a", Output: "b"}); err != nil {
		t.Fatalf("AppendRound failed: %v", err)
	}

	// Two schedulers both observe ACTIVE and race the same transition.
	first, err := coord.TryTransition(ctx, "u1", StatusActive, StatusFinalizing)
	if err != nil {
		t.Fatalf("TryTransition failed: %v", err)
	}
	second, err := coord.TryTransition(ctx, "u1", StatusActive, StatusFinalizing)
	if err != nil {
		t.Fatalf("TryTransition failed: %v", err)
	}

	if !first {
		t.Error("first transition must win")
	}
	if second {
		t.Error("second transition must lose")
	}

	status, err := coord.SessionStatus(ctx, "u1")
	if err != nil {
		t.Fatalf("SessionStatus failed: %v", err)
	}
	if status != StatusFinalizing {
		t.Errorf("expected FINALIZING, got %s", status)
	}
}

func TestTryTransition_MissingStatusIsActive(t *testing.T) {
	_, coord := setupMiniredis(t, Config{})
	ctx := context.Background()

	ok, err := coord.TryTransition(ctx, "brand-new", StatusActive, StatusFinalizing)
	if err != nil {
		t.Fatalf("TryTransition failed: %v", err)
	}
	if !ok {
		t.Error("a session with no stored status must transition from ACTIVE")
	}
}

func TestCleanup_RemovesAllSessionKeys(t *testing.T) {
	mr, coord := setupMiniredis(t, Config{})
	ctx := context.Background()

	if err := coord.AppendRound(ctx, "u1", Round{Input: "a", Output: "b"}); err != nil {
		t.Fatalf("AppendRound failed: %v", err)
	}
	if ok, err := coord.CommitChunk(ctx, "u1", 0, 1, "summary"); err != nil || !ok {
		t.Fatalf("CommitChunk failed: ok=%v err=%v", ok, err)
	}

	if err := coord.Cleanup(ctx, "u1"); err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}

	for _, key := range mr.Keys() {
		t.Errorf("key survived cleanup: %s", key)
	}

	idle, err := coord.IsIdle(ctx, "u1", time.Minute)
	if err != nil {
		t.Fatalf("IsIdle failed: %v", err)
	}
	if !idle {
		t.Error("cleaned-up session must degrade to idle")
	}
}

func TestUnsummarizedTail(t *testing.T) {
	_, coord := setupMiniredis(t, Config{})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		r := Round{Input: string(rune('a' + i)), Output: "ok"}
		if err := coord.AppendRound(ctx, "u1", r); err != nil {
			t.Fatalf("AppendRound failed: %v", err)
		}
	}
	if ok, err := coord.CommitChunk(ctx, "u1", 0, 2, "first two"); err != nil || !ok {
		t.Fatalf("CommitChunk failed: ok=%v err=%v", ok, err)
	}

	tail, err := coord.UnsummarizedTail(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("UnsummarizedTail failed: %v", err)
	}
	if len(tail) != 3 {
		t.Fatalf("expected 3 unsummarized rounds, got %d", len(tail))
	}
	if tail[0].Input != "c" {
		t.Errorf("tail must start after the cursor, got %q", tail[0].Input)
	}

	tail, err = coord.UnsummarizedTail(ctx, "u1", 2)
	if err != nil {
		t.Fatalf("UnsummarizedTail failed: %v", err)
	}
	if len(tail) != 2 || tail[0].Input != "d" {
		t.Errorf("k-bounded tail mismatch: %+v", tail)
	}
}
