package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Audio utterance concurrency control. Partial speech segments are buffered
// per (user, audio) pair; the final segment is processed by at most one
// worker system-wide, guarded by a TTL lease. Callers that lose the lease
// read the cached reply instead of reprocessing.

func (c *Coordinator) audioBufferKey(user, audioID string) string {
	return c.cfg.Prefix + "audio:" + user + ":" + audioID + ":buffer"
}

func (c *Coordinator) audioLockKey(user, audioID string) string {
	return c.cfg.Prefix + "lock:audio:" + user + ":" + audioID
}

func (c *Coordinator) audioResultKey(user, audioID string) string {
	return c.cfg.Prefix + "audio:" + user + ":" + audioID + ":result"
}

// AppendSegment buffers a partial speech segment and refreshes the buffer
// TTL. This is the cheap high-frequency path: no lock, no AI calls.
func (c *Coordinator) AppendSegment(ctx context.Context, user, audioID, segment string) error {
	key := c.audioBufferKey(user, audioID)
	pipe := c.client.Pipeline()
	pipe.RPush(ctx, key, segment)
	pipe.Expire(ctx, key, c.cfg.AudioBufferTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append audio segment: %w", err)
	}
	return nil
}

// DrainSegments atomically reads and clears the buffered segments, returning
// them joined with single spaces in arrival order. Empty segments are
// dropped. The read and the delete run inside MULTI/EXEC: segment appends
// are lockless, so a plain batched pipeline would let a concurrent append
// land between the two commands and be deleted unread.
func (c *Coordinator) DrainSegments(ctx context.Context, user, audioID string) (string, error) {
	key := c.audioBufferKey(user, audioID)
	var rangeCmd *redis.StringSliceCmd
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		rangeCmd = pipe.LRange(ctx, key, 0, -1)
		pipe.Del(ctx, key)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("drain audio segments: %w", err)
	}

	parts := make([]string, 0, len(rangeCmd.Val()))
	for _, p := range rangeCmd.Val() {
		if s := strings.TrimSpace(p); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " "), nil
}

// AcquireAudioLock takes the processing lease for one utterance. At most one
// caller system-wide holds it within the lease TTL; a crashed holder's lease
// self-expires. No owner identity is kept: release is by key deletion.
func (c *Coordinator) AcquireAudioLock(ctx context.Context, user, audioID string) (bool, error) {
	ok, err := c.client.SetNX(ctx, c.audioLockKey(user, audioID), "1", c.cfg.AudioLockTTL).Result()
	if err != nil {
		return false, fmt.Errorf("acquire audio lock: %w", err)
	}
	return ok, nil
}

// ReleaseAudioLock drops the processing lease. Callers must release on every
// exit path; TTL expiry is only the crash safety net.
func (c *Coordinator) ReleaseAudioLock(ctx context.Context, user, audioID string) {
	_ = c.client.Del(ctx, c.audioLockKey(user, audioID)).Err()
}

// CachedResult returns the reply computed for this utterance, if any.
func (c *Coordinator) CachedResult(ctx context.Context, user, audioID string) (string, bool, error) {
	val, err := c.client.Get(ctx, c.audioResultKey(user, audioID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read audio result: %w", err)
	}
	return val, true, nil
}

// CacheResult stores the computed reply so retried callbacks can return it
// without reprocessing.
func (c *Coordinator) CacheResult(ctx context.Context, user, audioID, reply string) error {
	if err := c.client.Set(ctx, c.audioResultKey(user, audioID), reply, c.cfg.AudioResultTTL).Err(); err != nil {
		return fmt.Errorf("cache audio result: %w", err)
	}
	return nil
}
